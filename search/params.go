package search

import (
	"github.com/domino14/macaw/config"
)

// Params are the knobs of one search. Zero values are not useful; start
// from DefaultParams.
type Params struct {
	// PUCT schedule: cpuct(sumN) = CPuct + CPuctFactor·log((sumN+CPuctBase)/CPuctBase).
	CPuct       float64
	CPuctBase   float64
	CPuctFactor float64

	// First-play urgency: unvisited children score parentQ - FPUReduction.
	FPUReduction float64

	// Value subtracted per pending visit when scoring a child.
	VirtualLossValue float64
	UseDynamicVLoss  bool

	FlowDirectOverlapped      bool
	FutilityPruningStopSearch bool

	RootPreloadDepth int

	SmartSizeBatches bool
	TargetBatchSize  int
	// Abandon batch gathering after this many repeat selections of a leaf
	// already in the batch.
	MaxCollisionsPerBatch int

	// Softmax temperature for sampling the first move of a game; zero
	// disables sampling.
	FirstMoveTemperature float64

	// Continuation re-roots only when the retained subtree holds at least
	// this fraction of the prior root's visits.
	TreeReuseThreshold float64

	ReusePeerEvaluations bool
}

func DefaultParams() Params {
	return Params{
		CPuct:                     1.745,
		CPuctBase:                 38739.0,
		CPuctFactor:               3.894,
		FPUReduction:              0.33,
		VirtualLossValue:          1.0,
		FlowDirectOverlapped:      true,
		FutilityPruningStopSearch: true,
		RootPreloadDepth:          1,
		SmartSizeBatches:          true,
		TargetBatchSize:           64,
		MaxCollisionsPerBatch:     16,
		TreeReuseThreshold:        0.05,
	}
}

// ParamsFromConfig maps the engine configuration onto search params.
func ParamsFromConfig(cfg *config.Config) Params {
	p := DefaultParams()
	p.FlowDirectOverlapped = cfg.FlowDirectOverlapped
	p.UseDynamicVLoss = cfg.UseDynamicVLoss
	p.FutilityPruningStopSearch = cfg.FutilityPruningStopSearch
	p.SmartSizeBatches = cfg.SmartSizeBatches
	p.RootPreloadDepth = cfg.RootPreloadDepth
	if cfg.TargetBatchSize > 0 {
		p.TargetBatchSize = cfg.TargetBatchSize
	}
	if cfg.TreeReuseThreshold > 0 {
		p.TreeReuseThreshold = cfg.TreeReuseThreshold
	}
	p.ReusePeerEvaluations = cfg.ReusePositionEvaluations
	return p
}
