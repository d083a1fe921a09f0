package config

import "github.com/namsral/flag"

// CacheModeOff and friends select whether the position cache is consulted
// and/or written during search.
const (
	CacheModeOff       = "off"
	CacheModeReadOnly  = "readonly"
	CacheModeReadWrite = "readwrite"
)

type Config struct {
	Debug bool

	// Search behavior.
	FlowDirectOverlapped      bool
	UseDynamicVLoss           bool
	FutilityPruningStopSearch bool
	SmartSizeBatches          bool
	RootPreloadDepth          int
	TargetBatchSize           int

	// Evaluator wiring.
	NetworkID          string
	SecondaryNetworkID string
	ModelPath          string

	// Cache / reuse.
	CacheMode                string
	CacheSize                int
	ReusePositionEvaluations bool
	TreeReuseThreshold       float64

	// Node store sizing; zero means derive from system memory.
	NodeStoreCapacity  int
	ChildStoreCapacity int
}

func (c *Config) Load(args []string) error {
	fs := flag.NewFlagSet("macaw", flag.ContinueOnError)
	fs.BoolVar(&c.Debug, "debug", false, "debug logging on")
	fs.BoolVar(&c.FlowDirectOverlapped, "flow-direct-overlapped", true, "run two overlapped selector lanes")
	fs.BoolVar(&c.UseDynamicVLoss, "use-dynamic-vloss", false, "allow per-batch virtual-loss adjustment")
	fs.BoolVar(&c.FutilityPruningStopSearch, "futility-pruning-stop-search", true, "stop when the visit lead cannot be overtaken")
	fs.BoolVar(&c.SmartSizeBatches, "smart-size-batches", true, "size NN batches from observed evaluator throughput")
	fs.IntVar(&c.RootPreloadDepth, "root-preload-depth", 1, "plies to expand synchronously at search start (0, 1 or 2)")
	fs.IntVar(&c.TargetBatchSize, "target-batch-size", 64, "NN batch size when smart sizing is off")
	fs.StringVar(&c.NetworkID, "network-id", "mock", "identity of the primary network")
	fs.StringVar(&c.SecondaryNetworkID, "secondary-network-id", "", "identity of the optional second-opinion network")
	fs.StringVar(&c.ModelPath, "model-path", "", "path to an ONNX model file; empty uses the mock evaluator")
	fs.StringVar(&c.CacheMode, "cache-mode", CacheModeReadWrite, "position cache mode: off, readonly, readwrite")
	fs.IntVar(&c.CacheSize, "cache-size", 1<<20, "position cache capacity in entries")
	fs.BoolVar(&c.ReusePositionEvaluations, "reuse-position-evaluations-from-other-tree", false, "mine a peer session's cache")
	fs.Float64Var(&c.TreeReuseThreshold, "tree-reuse-threshold", 0.05, "minimum fraction of prior visits required to re-root instead of starting fresh")
	fs.IntVar(&c.NodeStoreCapacity, "node-store-capacity", 0, "node arena size; 0 sizes from system memory")
	fs.IntVar(&c.ChildStoreCapacity, "child-store-capacity", 0, "child-slot arena size; 0 derives from node capacity")
	return fs.Parse(args)
}
