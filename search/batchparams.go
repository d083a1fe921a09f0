package search

import (
	"github.com/domino14/macaw/nneval"
	"github.com/domino14/macaw/stats"
)

// batchParamsManager picks the target batch size for one lane. With smart
// sizing on, it follows the evaluator's observed throughput through a
// smoothing window so selection neither starves the evaluator nor floods
// it.
type batchParamsManager struct {
	params    *Params
	evaluator nneval.Evaluator
	window    stats.Statistic
}

func newBatchParamsManager(params *Params, evaluator nneval.Evaluator) *batchParamsManager {
	return &batchParamsManager{params: params, evaluator: evaluator}
}

func (b *batchParamsManager) targetBatchSize() int {
	if !b.params.SmartSizeBatches {
		return b.params.TargetBatchSize
	}
	st := b.evaluator.CalcStatistics()
	if st.Batches < 4 {
		// Not enough signal yet.
		return b.params.TargetBatchSize
	}
	b.window.Push(float64(st.PreferredBatchSize))
	size := int(b.window.Mean())
	if size < 8 {
		size = 8
	}
	if size > 1024 {
		size = 1024
	}
	return size
}
