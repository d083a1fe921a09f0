package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/domino14/macaw/chess"
	"github.com/domino14/macaw/nneval"
	"github.com/domino14/macaw/nodestore"
	"github.com/domino14/macaw/searchlimits"
	"github.com/domino14/macaw/tree"
)

const progressInterval = 100 * time.Millisecond

// LogIteration is one applied batch, serialized to the optional log stream
// for debugging.
type LogIteration struct {
	Iteration int     `json:"iteration" yaml:"iteration"`
	Lane      int     `json:"lane" yaml:"lane"`
	Applied   int     `json:"applied" yaml:"applied"`
	RootN     uint32  `json:"root_n" yaml:"root_n"`
	RootQ     float64 `json:"root_q" yaml:"root_q"`
	ElapsedMs int64   `json:"elapsed_ms" yaml:"elapsed_ms"`
}

// Result of one per-move search.
type Result struct {
	BestMove    chess.Move
	HasBestMove bool
	// Terminal reason when the root had no legal moves.
	TerminalReason chess.Terminal

	// The chosen child node, for diagnostics and continuation.
	BestMoveRoot nodestore.NodeIndex
	// Root visits before this search began; nonzero after continuation
	// reuse.
	RootNWhenSearchStarted uint32

	RootN   uint32
	Visits  uint64
	RootQ   float64
	WDL     [3]float64
	PV      []chess.Move
	Depth   float64
	Elapsed time.Duration
}

// Manager owns one per-move search: root initialization, driving the flow
// until the budget says stop, progress callbacks, and best-move selection.
type Manager struct {
	t         *tree.Tree
	f         *flow
	params    Params
	alloc     searchlimits.MoveAllocation
	progress  ProgressFunc
	logStream io.Writer

	firstMove        bool
	futilityDisabled bool

	stopped    atomic.Bool
	iterations atomic.Uint64
}

func NewManager(t *tree.Tree, evaluator, secondary nneval.Evaluator,
	params Params, alloc searchlimits.MoveAllocation) *Manager {
	return &Manager{
		t:      t,
		f:      newFlow(t, evaluator, secondary, &params),
		params: params,
		alloc:  alloc,
	}
}

// SetProgress installs the progress callback.
func (m *Manager) SetProgress(fn ProgressFunc) {
	m.progress = fn
}

// SetLogStream attaches a writer that receives one YAML document per
// applied batch.
func (m *Manager) SetLogStream(w io.Writer) {
	m.logStream = w
}

// DisableFutility force-disables the early-stop heuristic (analysis mode).
func (m *Manager) DisableFutility() {
	m.futilityDisabled = true
}

// MarkFirstMove enables first-move sampling for this search when the
// params carry a nonzero temperature.
func (m *Manager) MarkFirstMove() {
	m.firstMove = true
}

// Stop requests termination at the next batch boundary. In-flight batches
// complete and are applied.
func (m *Manager) Stop() {
	m.stopped.Store(true)
}

// Tree exposes the searched tree, mainly for inspection after a search.
func (m *Manager) Tree() *tree.Tree {
	return m.t
}

func (m *Manager) budgetNodes() uint64 {
	return m.alloc.Nodes
}

func (m *Manager) shouldStop(deadline time.Time, budget uint64) bool {
	if m.stopped.Load() {
		return true
	}
	root := m.t.RootNode()
	rootN := root.N.Load()
	if budget > 0 && uint64(rootN) >= budget {
		return true
	}
	if !deadline.IsZero() && time.Now().After(deadline) {
		return true
	}
	if m.params.FutilityPruningStopSearch && !m.futilityDisabled && budget > 0 {
		remaining := int64(budget) - int64(rootN)
		var bestN, secondN uint32
		for i := 0; i < int(root.NumPolicyMoves); i++ {
			ci := m.t.Store().Child(root.ChildrenStart, i).Child.Load()
			if ci == 0 {
				continue
			}
			n := m.t.Store().Node(nodestore.NodeIndex(ci)).N.Load()
			if n > bestN {
				secondN = bestN
				bestN = n
			} else if n > secondN {
				secondN = n
			}
		}
		if int64(bestN-secondN) > remaining {
			log.Debug().Uint32("bestN", bestN).Uint32("secondN", secondN).
				Int64("remaining", remaining).Msg("futility-stop")
			return true
		}
	}
	return false
}

// preload synchronously expands the root, and optionally its children and
// grandchildren, so descents start with complete priors near the root.
func (m *Manager) preload(ctx context.Context) error {
	rootIdx := m.t.Root()
	rootNode := m.t.Store().Node(rootIdx)
	if !rootNode.Expanded.Load() {
		if err := m.evalNodesSync(ctx, []*pending{{
			idx: rootIdx, pos: m.t.Position(), batchPos: -1,
		}}); err != nil {
			return err
		}
	}
	if m.params.RootPreloadDepth < 1 || rootNode.Terminal != chess.NonTerminal {
		return nil
	}
	if err := m.preloadChildrenOf(ctx, rootIdx, m.t.Position()); err != nil {
		return err
	}
	if m.params.RootPreloadDepth < 2 {
		return nil
	}
	pos := m.t.Position()
	for i := 0; i < int(rootNode.NumPolicyMoves); i++ {
		slot := m.t.Store().Child(rootNode.ChildrenStart, i)
		ci := slot.Child.Load()
		if ci == 0 {
			continue
		}
		child := m.t.Store().Node(nodestore.NodeIndex(ci))
		if child.Terminal != chess.NonTerminal || child.TranspositionLink != nodestore.NullNode {
			continue
		}
		undo := pos.Apply(slot.Move)
		err := m.preloadChildrenOf(ctx, nodestore.NodeIndex(ci), pos)
		undo()
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) preloadChildrenOf(ctx context.Context, parentIdx nodestore.NodeIndex,
	pos *chess.PositionWithHistory) error {
	store := m.t.Store()
	parent := store.Node(parentIdx)
	if !parent.Expanded.Load() || parent.NumPolicyMoves == 0 {
		return nil
	}
	sel := m.f.lanes[0].sel
	pendings := make([]*pending, 0, parent.NumPolicyMoves)
	for i := 0; i < int(parent.NumPolicyMoves); i++ {
		slot := store.Child(parent.ChildrenStart, i)
		undo := pos.Apply(slot.Move)
		childIdx, err := sel.resolveChild(parentIdx, slot, i, pos.Hash())
		if err != nil {
			undo()
			return err
		}
		if store.Node(childIdx).N.Load() > 0 {
			// Retained from a prior search; already counted.
			undo()
			continue
		}
		pendings = append(pendings, &pending{
			idx: childIdx, pos: pos.Clone(), batchPos: -1,
		})
		undo()
	}
	return m.evalNodesSync(ctx, pendings)
}

// evalNodesSync classifies, evaluates and applies a hand-built pending set
// outside the normal descent machinery. No virtual losses are involved.
func (m *Manager) evalNodesSync(ctx context.Context, pendings []*pending) error {
	if len(pendings) == 0 {
		return nil
	}
	batch := nneval.NewBatch(len(pendings))
	for _, p := range pendings {
		m.f.cls.classify(p, batch)
	}
	var results, secondaryResults []nneval.EvalResult
	if batch.Len() > 0 {
		var err error
		results, err = m.f.evaluator.Evaluate(ctx, batch)
		if err == nil && len(results) != batch.Len() {
			err = fmt.Errorf("evaluator returned %d results for %d positions", len(results), batch.Len())
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEvaluatorFailure, err)
		}
		if m.f.secondary != nil {
			secondaryResults, err = m.f.secondary.Evaluate(ctx, batch)
			if err != nil || len(secondaryResults) != batch.Len() {
				secondaryResults = nil
			}
		}
	}
	_, err := m.f.lanes[0].app.apply(pendings, results, secondaryResults)
	return err
}

// Search runs the per-move loop to completion. It is synchronous; lanes
// run on internal goroutines. All issued batches are drained before it
// returns.
func (m *Manager) Search(ctx context.Context) (*Result, error) {
	logger := zerolog.Ctx(ctx)
	start := time.Now()
	startN := m.t.RootNode().N.Load()

	rootPos := m.t.Position()
	if term := rootPos.TerminalState(); term == chess.Checkmate || term == chess.Stalemate {
		return &Result{
			TerminalReason:         term,
			RootNWhenSearchStarted: startN,
		}, ErrTerminalAtRoot
	}

	if err := m.preload(ctx); err != nil {
		return nil, err
	}

	budget := m.budgetNodes()
	var deadline time.Time
	if m.alloc.Duration > 0 {
		deadline = start.Add(m.alloc.Duration)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Progress dispatcher: a single goroutine, so the callback is never
	// concurrent with itself.
	progressDone := make(chan bool)
	dispatcher := errgroup.Group{}
	if m.progress != nil {
		dispatcher.Go(func() error {
			ticker := time.NewTicker(progressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					m.progress(m.snapshot(start, startN))
				case <-progressDone:
					return nil
				}
			}
		})
	}

	// Log-stream writer, fed by the lanes.
	logChan := make(chan []byte)
	logDone := make(chan bool)
	writer := errgroup.Group{}
	if m.logStream != nil {
		writer.Go(func() error {
			for {
				select {
				case b := <-logChan:
					m.logStream.Write(b)
				case <-logDone:
					return nil
				}
			}
		})
	}

	g := errgroup.Group{}
	for laneIdx := 0; laneIdx < m.f.numLanes(); laneIdx++ {
		g.Go(func() error {
			logger.Debug().Int("lane", laneIdx).Msg("lane starting")
			for {
				if m.shouldStop(deadline, budget) {
					return nil
				}
				if ctx.Err() != nil {
					return nil
				}
				applied, err := m.f.runIteration(ctx, laneIdx, budget)
				if err != nil {
					cancel()
					return err
				}
				if applied == 0 {
					// Budget met or nothing but collisions; let the other
					// lane drain.
					runtime.Gosched()
					continue
				}
				iter := m.iterations.Add(1)
				if m.logStream != nil {
					root := m.t.RootNode()
					out, merr := yaml.Marshal([]LogIteration{{
						Iteration: int(iter),
						Lane:      laneIdx,
						Applied:   applied,
						RootN:     root.N.Load(),
						RootQ:     root.Q(),
						ElapsedMs: time.Since(start).Milliseconds(),
					}})
					if merr == nil {
						// Start a new YAML document for every batch.
						out = append([]byte("---\n"), out...)
						select {
						case logChan <- out:
						case <-ctx.Done():
						}
					}
				}
			}
		})
	}

	err := g.Wait()
	if m.progress != nil {
		close(progressDone)
		dispatcher.Wait()
		// One final snapshot so callers see the end state.
		m.progress(m.snapshot(start, startN))
	}
	if m.logStream != nil {
		close(logDone)
		writer.Wait()
	}
	if err != nil {
		if errors.Is(err, ErrEvaluatorFailure) || errors.Is(err, ErrStoreExhausted) {
			return nil, err
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}

	res := m.buildResult(start, startN)
	logger.Info().Uint32("rootN", res.RootN).
		Float64("rootQ", res.RootQ).
		Str("bestMove", res.BestMove.String()).
		Dur("elapsed", res.Elapsed).
		Msg("search-ended")
	return res, nil
}

func (m *Manager) snapshot(start time.Time, startN uint32) Snapshot {
	root := m.t.RootNode()
	rootN := root.N.Load()
	elapsed := time.Since(start)
	q := root.Q()
	w, d, l := root.WDL()
	return Snapshot{
		Nodes:   uint64(rootN),
		NPS:     float64(rootN-startN) / elapsed.Seconds(),
		Depth:   m.f.avgDepth(),
		ScoreCP: QToCentipawns(q),
		PV:      principalVariation(m.t, 24),
		TimeMs:  elapsed.Milliseconds(),
		WDL:     [3]float64{w, d, l},
		Q:       q,
	}
}

func (m *Manager) buildResult(start time.Time, startN uint32) *Result {
	root := m.t.RootNode()
	children := rootChildren(m.t)
	res := &Result{
		RootNWhenSearchStarted: startN,
		RootN:                  root.N.Load(),
		Visits:                 uint64(root.N.Load() - startN),
		RootQ:                  root.Q(),
		PV:                     principalVariation(m.t, 24),
		Depth:                  m.f.avgDepth(),
		Elapsed:                time.Since(start),
	}
	w, d, l := root.WDL()
	res.WDL = [3]float64{w, d, l}

	if len(children) == 0 {
		// No child was ever created; fall back to the best prior.
		store := m.t.Store()
		var bestP float32 = -1
		for i := 0; i < int(root.NumPolicyMoves); i++ {
			slot := store.Child(root.ChildrenStart, i)
			if slot.Prior > bestP {
				bestP = slot.Prior
				res.BestMove = slot.Move
				res.HasBestMove = true
			}
		}
		return res
	}

	best := 0
	for i := 1; i < len(children); i++ {
		if children[i].N > children[best].N ||
			(children[i].N == children[best].N && children[i].Q > children[best].Q) {
			best = i
		}
	}
	if m.firstMove && m.params.FirstMoveTemperature > 0 {
		best = sampleByVisits(children, m.params.FirstMoveTemperature)
	}
	res.BestMove = children[best].Move
	res.HasBestMove = true
	res.BestMoveRoot = children[best].Index
	return res
}

// CheckNoInflight verifies that every reachable node's inflight counters
// are zero. Run after a search in tests and debug builds.
func CheckNoInflight(t *tree.Tree) error {
	store := t.Store()
	queue := []nodestore.NodeIndex{t.Root()}
	seen := map[nodestore.NodeIndex]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		node := store.Node(cur)
		if node.NInflight[0].Load() != 0 || node.NInflight[1].Load() != 0 {
			return fmt.Errorf("node %d has inflight counters %d/%d after search",
				cur, node.NInflight[0].Load(), node.NInflight[1].Load())
		}
		for i := 0; i < int(node.NumPolicyMoves); i++ {
			if ci := store.Child(node.ChildrenStart, i).Child.Load(); ci != 0 {
				queue = append(queue, nodestore.NodeIndex(ci))
			}
		}
	}
	return nil
}
