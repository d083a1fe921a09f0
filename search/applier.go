package search

import (
	"github.com/rs/zerolog/log"

	"github.com/domino14/macaw/chess"
	"github.com/domino14/macaw/nneval"
	"github.com/domino14/macaw/nodestore"
	"github.com/domino14/macaw/poscache"
	"github.com/domino14/macaw/tree"
)

// applier writes evaluation results into the tree and backs statistics up
// the ancestor paths. One applier per lane; cross-lane interleavings are
// resolved by the atomic adds on the node sums.
type applier struct {
	t     *tree.Tree
	store *nodestore.Store
	lane  int
}

func newApplier(t *tree.Tree, lane int) *applier {
	return &applier{t: t, store: t.Store(), lane: lane}
}

// apply commits a classified batch. results holds the primary network's
// outputs aligned by pending.batchPos; secondary may be nil. On error the
// return count tells the caller which suffix of the batch was never backed
// up and still carries virtual losses.
func (a *applier) apply(pendings []*pending, results, secondary []nneval.EvalResult) (int, error) {
	for applied, p := range pendings {
		node := a.store.Node(p.idx)
		var v, d, l, m float64

		switch p.source {
		case sourceTerminal:
			a.markTerminal(node, p.terminal)
			v, d, l = terminalValue(p.terminal)
			m = 0
		case sourceCache, sourcePeerCache:
			if node.Expanding.CompareAndSwap(false, true) {
				if err := a.expandFromEntry(node, p.cached); err != nil {
					return applied, err
				}
			}
			v = float64(p.cached.Value)
			d = float64(p.cached.WDL[1])
			l = float64(p.cached.WDL[2])
			m = float64(p.cached.MovesLeft)
			if p.source == sourcePeerCache {
				// Mined entries migrate into our own cache so the peer's
				// tree can be dropped without losing them.
				a.t.Cache().Insert(p.pos.Hash(), p.cached)
			}
		case sourceTransposition:
			a.markTransposition(node, p.linkTo)
			linked := a.store.Node(p.linkTo)
			v = linked.Q()
			_, d, l = linked.WDL()
			m = linked.MAvg()
		case sourceNN:
			res := &results[p.batchPos]
			if node.Expanding.CompareAndSwap(false, true) {
				if secondary != nil {
					node.VSecondary = secondary[p.batchPos].Value
				}
				if err := a.expandFromResult(node, p, res); err != nil {
					return applied, err
				}
			}
			v = float64(res.Value)
			d = float64(res.WDL[1])
			l = float64(res.WDL[2])
			m = float64(res.MovesLeft)
		default:
			log.Error().Int("source", int(p.source)).Msg("unclaimed leaf in apply")
			continue
		}

		a.backup(p, v, d, l, m)
	}
	return len(pendings), nil
}

func (a *applier) markTerminal(node *nodestore.Node, term chess.Terminal) {
	if !node.Expanding.CompareAndSwap(false, true) {
		return
	}
	node.Terminal = term
	node.NumPolicyMoves = 0
	v, _, _ := terminalValue(term)
	node.V = float32(v)
	node.Expanded.Store(true)
}

func (a *applier) markTransposition(node *nodestore.Node, linkTo nodestore.NodeIndex) {
	if !node.Expanding.CompareAndSwap(false, true) {
		return
	}
	node.TranspositionLink = linkTo
	node.NumPolicyMoves = 0
	node.V = a.store.Node(linkTo).V
	node.Expanded.Store(true)
}

// expandFromResult writes the policy head at the leaf: allocates the child
// block and stores renormalized priors. Also populates the position cache.
func (a *applier) expandFromResult(node *nodestore.Node, p *pending,
	res *nneval.EvalResult) error {
	priors := nneval.ExtractPriors(res.Policy, p.legal)
	start, err := a.store.AllocChildren(len(p.legal))
	if err != nil {
		// Release the expansion gate so a later search on this tree can
		// try again after the caller enlarges the pools.
		node.Expanding.Store(false)
		return err
	}
	for i, mv := range p.legal {
		slot := a.store.Child(start, i)
		slot.Move = mv
		slot.Prior = priors[i]
	}
	node.ChildrenStart = start
	node.NumPolicyMoves = uint16(len(p.legal))
	node.V = res.Value
	node.Expanded.Store(true)

	entry := &poscache.Entry{
		Value:     res.Value,
		WDL:       res.WDL,
		MovesLeft: res.MovesLeft,
		Policy:    make([]poscache.MovePrior, len(p.legal)),
	}
	for i, mv := range p.legal {
		entry.Policy[i] = poscache.MovePrior{Move: mv, Prior: priors[i]}
	}
	a.t.Cache().Insert(p.pos.Hash(), entry)
	return nil
}

// expandFromEntry rebuilds child slots from a cached evaluation.
func (a *applier) expandFromEntry(node *nodestore.Node, entry *poscache.Entry) error {
	start, err := a.store.AllocChildren(len(entry.Policy))
	if err != nil {
		node.Expanding.Store(false)
		return err
	}
	for i, mp := range entry.Policy {
		slot := a.store.Child(start, i)
		slot.Move = mp.Move
		slot.Prior = mp.Prior
	}
	node.ChildrenStart = start
	node.NumPolicyMoves = uint16(len(entry.Policy))
	node.V = entry.Value
	node.Expanded.Store(true)
	return nil
}

// backup walks leaf to root, flipping perspective each ply. The inflight
// counter this lane charged on the way down comes off at every node but
// the root.
func (a *applier) backup(p *pending, v, d, l, m float64) {
	root := a.t.Root()
	cur := p.idx
	for {
		node := a.store.Node(cur)
		node.N.Add(1)
		node.W.Add(v)
		node.WDraw.Add(d)
		node.WLoss.Add(l)
		node.MSum.Add(m)
		if cur == root {
			break
		}
		if p.vlossApplied {
			node.NInflight[a.lane].Add(^uint32(0))
		}
		v = -v
		l = 1 - d - l
		m++
		cur = node.ParentIndex
		if cur == nodestore.NullNode {
			// Detached ancestor chain; re-rooting between batches is not
			// allowed, so this is a consistency error.
			panic("backup walked off the tree")
		}
	}
}

// terminalValue is the fixed (value, draw, loss) of a terminal node from
// the perspective of the side to move in it.
func terminalValue(term chess.Terminal) (v, d, l float64) {
	switch term {
	case chess.Checkmate:
		return -1, 0, 1
	case chess.Draw, chess.Stalemate:
		return 0, 1, 0
	}
	return 0, 0, 0
}
