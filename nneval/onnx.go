package nneval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/owulveryck/onnx-go"
	"github.com/owulveryck/onnx-go/backend/x/gorgonnx"
	"github.com/rs/zerolog/log"
	"gorgonia.org/tensor"

	"github.com/domino14/macaw/chess"
)

// OnnxModelTemplate holds the raw ONNX model data. Instances are cheap
// enough to create per evaluator but share the template bytes.
type OnnxModelTemplate struct {
	data []byte
}

func LoadOnnxModelTemplate(path string) (*OnnxModelTemplate, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX model: %w", err)
	}
	log.Debug().Str("path", path).Int("model-size", len(b)).Msg("loaded-onnx-model")
	return &OnnxModelTemplate{data: b}, nil
}

// NewInstance builds a runnable graph from the template.
func (t *OnnxModelTemplate) NewInstance() (*onnx.Model, *gorgonnx.Graph, error) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start).Milliseconds()
		log.Debug().Int64("onnx_model_init_ms", elapsed).Msg("onnx model instance created")
	}()
	backend := gorgonnx.NewGraph()
	model := onnx.NewModel(backend)
	if err := model.UnmarshalBinary(t.data); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal ONNX model: %w", err)
	}
	return model, backend, nil
}

// OnnxEvaluator runs the network locally through the gorgonnx backend. The
// graph is single-threaded, so Evaluate serializes on a mutex; the search's
// two lanes still overlap selection with the other lane's inference.
type OnnxEvaluator struct {
	mu       sync.Mutex
	template *OnnxModelTemplate
	model    *onnx.Model
	backend  *gorgonnx.Graph

	networkID string
	perf      PerfTracker
}

func NewOnnxEvaluator(modelPath, networkID string) (*OnnxEvaluator, error) {
	tmpl, err := LoadOnnxModelTemplate(modelPath)
	if err != nil {
		return nil, err
	}
	model, backend, err := tmpl.NewInstance()
	if err != nil {
		return nil, err
	}
	return &OnnxEvaluator{
		template:  tmpl,
		model:     model,
		backend:   backend,
		networkID: networkID,
	}, nil
}

func (e *OnnxEvaluator) Identity() Identity {
	return Identity{
		NetworkID:   e.networkID,
		InputFormat: InputFormatPlanes20,
		PolicySize:  PolicySize,
	}
}

func (e *OnnxEvaluator) Evaluate(ctx context.Context, b *Batch) ([]EvalResult, error) {
	if b.Len() == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	n := b.Len()
	backing := make([]float32, n*InputSize)
	for i := 0; i < n; i++ {
		vecPtr := InputVectorPool.Get().(*[]float32)
		EncodePosition(b.Position(i), *vecPtr)
		copy(backing[i*InputSize:(i+1)*InputSize], *vecPtr)
		InputVectorPool.Put(vecPtr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	input := tensor.New(tensor.WithShape(n, PlaneCount, 8, 8),
		tensor.WithBacking(backing))
	if err := e.model.SetInput(0, input); err != nil {
		return nil, fmt.Errorf("failed to set ONNX input: %w", err)
	}
	if err := e.backend.Run(); err != nil {
		return nil, fmt.Errorf("failed to run ONNX model: %w", err)
	}
	outputs, err := e.model.GetOutputTensors()
	if err != nil {
		return nil, fmt.Errorf("failed to get output tensors: %w", err)
	}
	if len(outputs) < 3 {
		return nil, fmt.Errorf("expected policy, wdl and mlh outputs, got %d tensors", len(outputs))
	}
	policy, err := float32Data(outputs[0])
	if err != nil {
		return nil, err
	}
	wdl, err := float32Data(outputs[1])
	if err != nil {
		return nil, err
	}
	mlh, err := float32Data(outputs[2])
	if err != nil {
		return nil, err
	}
	if len(policy) != n*PolicySize || len(wdl) != n*3 || len(mlh) != n {
		return nil, errors.New("ill-formed ONNX output shapes")
	}

	results := make([]EvalResult, n)
	for i := 0; i < n; i++ {
		w, d, l := wdl[i*3], wdl[i*3+1], wdl[i*3+2]
		results[i] = EvalResult{
			Value:     w - l,
			WDL:       [3]float32{w, d, l},
			MovesLeft: mlh[i],
			Policy:    policy[i*PolicySize : (i+1)*PolicySize],
		}
	}
	e.perf.Record(n, time.Since(start))
	return results, nil
}

func float32Data(t tensor.Tensor) ([]float32, error) {
	switch v := t.Data().(type) {
	case []float32:
		return v, nil
	case float32:
		return []float32{v}, nil
	default:
		return nil, fmt.Errorf("unexpected output type: %T", v)
	}
}

// Warmup pushes a single start position through the graph. Instantiation
// can be transiently resource-starved right after model load, so retry a
// few times before giving up.
func (e *OnnxEvaluator) Warmup(ctx context.Context) error {
	b := NewBatch(1)
	b.Add(chess.StartingPosition())
	return retry.Do(
		func() error {
			_, err := e.Evaluate(ctx, b)
			return err
		},
		retry.Attempts(3),
		retry.Context(ctx),
		retry.Delay(100*time.Millisecond),
	)
}

func (e *OnnxEvaluator) CalcStatistics() Stats {
	return e.perf.Snapshot()
}
