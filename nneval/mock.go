package nneval

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/domino14/macaw/chess"
)

// MockEvaluator is a deterministic evaluator for tests and dry runs. By
// default every position gets value 0 and a uniform policy; a ValueFn can
// shape values per position.
type MockEvaluator struct {
	NetworkID string
	// ValueFn, when set, supplies the value head per position, from the
	// side to move's perspective.
	ValueFn func(pos *chess.PositionWithHistory) float32
	// MovesLeft is the constant moves-left head output.
	MovesLeft float32

	calls     atomic.Uint64
	evaluated atomic.Uint64
	perf      PerfTracker
}

func NewMockEvaluator() *MockEvaluator {
	return &MockEvaluator{NetworkID: "mock", MovesLeft: 40}
}

func (m *MockEvaluator) Identity() Identity {
	return Identity{
		NetworkID:   m.NetworkID,
		InputFormat: "none",
		PolicySize:  PolicySize,
	}
}

func (m *MockEvaluator) Evaluate(ctx context.Context, b *Batch) ([]EvalResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	m.calls.Add(1)
	m.evaluated.Add(uint64(b.Len()))
	results := make([]EvalResult, b.Len())
	for i := range results {
		v := float32(0)
		if m.ValueFn != nil {
			v = m.ValueFn(b.Position(i))
		}
		results[i] = EvalResult{
			Value:     v,
			WDL:       wdlFromValue(v),
			MovesLeft: m.MovesLeft,
			// Zero logits renormalize to a uniform policy.
			Policy: make([]float32, PolicySize),
		}
	}
	m.perf.Record(b.Len(), time.Since(start))
	return results, nil
}

func (m *MockEvaluator) Warmup(ctx context.Context) error {
	return ctx.Err()
}

func (m *MockEvaluator) CalcStatistics() Stats {
	return m.perf.Snapshot()
}

// Calls reports how many Evaluate invocations have occurred.
func (m *MockEvaluator) Calls() uint64 {
	return m.calls.Load()
}

// Evaluated reports how many individual positions have been scored.
func (m *MockEvaluator) Evaluated() uint64 {
	return m.evaluated.Load()
}

// wdlFromValue fabricates a consistent (win, draw, loss) triple for a
// value: draw mass shrinks as the value moves away from zero.
func wdlFromValue(v float32) [3]float32 {
	abs := v
	if abs < 0 {
		abs = -abs
	}
	d := 0.5 * (1 - abs)
	w := (1 + v - d) / 2
	l := 1 - w - d
	return [3]float32{w, d, l}
}
