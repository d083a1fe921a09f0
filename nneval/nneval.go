// Package nneval defines the neural-network evaluator contract the search
// core depends on, plus the batched input type, the move/policy encoding,
// and the throughput statistics used to size batches.
package nneval

import (
	"context"
	"math"
	"time"

	"github.com/dylhunn/dragontoothmg"

	"github.com/domino14/macaw/chess"
	"github.com/domino14/macaw/stats"
)

// PolicySize is the dense policy-head width: a from×to plane for regular
// moves and queen promotions, plus one from×to plane each for knight,
// bishop and rook under-promotions.
const PolicySize = 4 * 64 * 64

// MoveToPolicyIndex maps a move into the dense policy vector. The mapping
// is collision-free over moves legal in any single position.
func MoveToPolicyIndex(m chess.Move) int {
	base := int(m.From())*64 + int(m.To())
	switch m.Promote() {
	case dragontoothmg.Knight:
		return 1*4096 + base
	case dragontoothmg.Bishop:
		return 2*4096 + base
	case dragontoothmg.Rook:
		return 3*4096 + base
	}
	return base
}

// Identity names a network and its encodings. Two evaluators may share
// cached or peer evaluations only when their identities are compatible.
type Identity struct {
	NetworkID   string
	InputFormat string
	PolicySize  int
}

func (id Identity) Compatible(other Identity) bool {
	return id == other
}

// EvalResult is the per-position output of an evaluator.
type EvalResult struct {
	// Value in [-1, 1] from the side to move's perspective.
	Value float32
	// (win, draw, loss) probabilities summing to 1.
	WDL [3]float32
	// Predicted remaining plies.
	MovesLeft float32
	// Dense policy logits, indexed by MoveToPolicyIndex.
	Policy []float32
}

// Batch collects positions awaiting evaluation. The evaluator encodes them
// according to its own identity; the search only hands over positions.
type Batch struct {
	positions []*chess.PositionWithHistory
	hashes    []uint64
}

func NewBatch(capacity int) *Batch {
	return &Batch{
		positions: make([]*chess.PositionWithHistory, 0, capacity),
		hashes:    make([]uint64, 0, capacity),
	}
}

// Add appends a position and returns its index within the batch.
func (b *Batch) Add(p *chess.PositionWithHistory) int {
	b.positions = append(b.positions, p)
	b.hashes = append(b.hashes, p.Hash())
	return len(b.positions) - 1
}

func (b *Batch) Len() int {
	return len(b.positions)
}

func (b *Batch) Position(i int) *chess.PositionWithHistory {
	return b.positions[i]
}

func (b *Batch) Hash(i int) uint64 {
	return b.hashes[i]
}

// Stats summarizes an evaluator's observed throughput.
type Stats struct {
	Batches            uint64
	AvgBatchSize       float64
	AvgLatency         time.Duration
	PreferredBatchSize int
}

// Evaluator is the external NN contract. Implementations must be safe for
// concurrent Evaluate calls; the search may drive it from two lanes.
type Evaluator interface {
	Identity() Identity
	Evaluate(ctx context.Context, b *Batch) ([]EvalResult, error)
	Warmup(ctx context.Context) error
	CalcStatistics() Stats
}

// ExtractPriors renormalizes dense policy logits over the legal moves with
// a softmax. The returned slice is aligned with legal.
func ExtractPriors(policy []float32, legal []chess.Move) []float32 {
	priors := make([]float32, len(legal))
	if len(legal) == 0 {
		return priors
	}
	maxLogit := float32(math.Inf(-1))
	for i, m := range legal {
		l := policy[MoveToPolicyIndex(m)]
		priors[i] = l
		if l > maxLogit {
			maxLogit = l
		}
	}
	var sum float64
	for i := range priors {
		e := math.Exp(float64(priors[i] - maxLogit))
		priors[i] = float32(e)
		sum += e
	}
	for i := range priors {
		priors[i] = float32(float64(priors[i]) / sum)
	}
	return priors
}

// PerfTracker accumulates Evaluate timings for smart batch sizing. It is
// shared by evaluator implementations.
type PerfTracker struct {
	batchSize stats.LockedStatistic
	latencyMs stats.LockedStatistic
}

func (p *PerfTracker) Record(size int, elapsed time.Duration) {
	p.batchSize.Push(float64(size))
	p.latencyMs.Push(float64(elapsed.Milliseconds()))
}

// Snapshot derives Stats from the observations so far. The preferred batch
// size is the historic average batch size clamped to [8, 1024]; latency
// does not enter it.
func (p *PerfTracker) Snapshot() Stats {
	n := p.batchSize.Iterations()
	avgSize := p.batchSize.Mean()
	avgLat := time.Duration(p.latencyMs.Mean()) * time.Millisecond
	preferred := int(avgSize)
	if preferred < 8 {
		preferred = 8
	}
	if preferred > 1024 {
		preferred = 1024
	}
	return Stats{
		Batches:            uint64(n),
		AvgBatchSize:       avgSize,
		AvgLatency:         avgLat,
		PreferredBatchSize: preferred,
	}
}
