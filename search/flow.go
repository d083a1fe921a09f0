package search

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/domino14/macaw/nneval"
	"github.com/domino14/macaw/tree"
)

// lane bundles the per-lane selector, applier and batch sizing. Lanes
// share the tree and the cache but nothing else.
type lane struct {
	idx         int
	sel         *selector
	app         *applier
	batchParams *batchParamsManager
}

// flow orchestrates one or two selector/evaluator/applier lanes over a
// shared tree.
type flow struct {
	t         *tree.Tree
	evaluator nneval.Evaluator
	secondary nneval.Evaluator
	params    *Params
	cls       *classifier
	lanes     []*lane
}

func newFlow(t *tree.Tree, evaluator, secondary nneval.Evaluator, params *Params) *flow {
	f := &flow{
		t:         t,
		evaluator: evaluator,
		secondary: secondary,
		params:    params,
		cls:       newClassifier(t, params),
	}
	numLanes := 1
	if params.FlowDirectOverlapped {
		numLanes = 2
	}
	for i := 0; i < numLanes; i++ {
		f.lanes = append(f.lanes, &lane{
			idx:         i,
			sel:         newSelector(t, i, params),
			app:         newApplier(t, i),
			batchParams: newBatchParamsManager(params, evaluator),
		})
	}
	return f
}

func (f *flow) numLanes() int {
	return len(f.lanes)
}

// runIteration performs one select → evaluate → apply cycle on a lane and
// returns the number of leaves applied. A zero return with nil error means
// the budget is met or the tree yielded nothing but collisions.
func (f *flow) runIteration(ctx context.Context, laneIdx int, budget uint64) (int, error) {
	logger := zerolog.Ctx(ctx)
	ln := f.lanes[laneIdx]

	target := ln.batchParams.targetBatchSize()
	batch := nneval.NewBatch(target)
	pendings, err := ln.sel.gatherBatch(target, budget, f.cls, batch)
	if err != nil {
		// gatherBatch already rolled back its virtual losses.
		return 0, err
	}
	if len(pendings) == 0 {
		return 0, nil
	}

	var results, secondaryResults []nneval.EvalResult
	if batch.Len() > 0 {
		results, err = f.evaluator.Evaluate(ctx, batch)
		if err == nil && len(results) != batch.Len() {
			err = fmt.Errorf("evaluator returned %d results for %d positions", len(results), batch.Len())
		}
		if err != nil {
			rollbackPendings(ln.sel, pendings)
			return 0, fmt.Errorf("%w: %v", ErrEvaluatorFailure, err)
		}
		if f.secondary != nil {
			secondaryResults, err = f.secondary.Evaluate(ctx, batch)
			if err != nil || len(secondaryResults) != batch.Len() {
				// The second opinion is advisory; a failure only costs us
				// the VSecondary annotations.
				logger.Warn().Err(err).Msg("secondary evaluator failed; continuing without it")
				secondaryResults = nil
			}
		}
	}

	applied, err := ln.app.apply(pendings, results, secondaryResults)
	if err != nil {
		// The unapplied suffix still carries this lane's virtual losses.
		rollbackPendings(ln.sel, pendings[applied:])
		return applied, err
	}
	return applied, nil
}

// avgDepth aggregates selection depth across lanes.
func (f *flow) avgDepth() float64 {
	var sum, count uint64
	for _, ln := range f.lanes {
		sum += ln.sel.depthSum.Load()
		count += ln.sel.depthCount.Load()
	}
	if count == 0 {
		return 0
	}
	return float64(sum) / float64(count)
}
