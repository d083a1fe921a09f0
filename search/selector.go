package search

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/domino14/macaw/chess"
	"github.com/domino14/macaw/nneval"
	"github.com/domino14/macaw/nodestore"
	"github.com/domino14/macaw/tree"
)

// selector performs PUCT descents for one lane, marking virtual losses as
// it goes, and gathers batches of distinct leaves.
type selector struct {
	t      *tree.Tree
	store  *nodestore.Store
	lane   int
	params *Params

	// Cumulative selection depth for average-depth reporting; read by the
	// progress dispatcher while descents are running.
	depthSum   atomic.Uint64
	depthCount atomic.Uint64
}

func newSelector(t *tree.Tree, lane int, params *Params) *selector {
	return &selector{t: t, store: t.Store(), lane: lane, params: params}
}

// cpuct follows the configured log schedule in the parent's visit mass.
func (s *selector) cpuct(sumN float64) float64 {
	return s.params.CPuct +
		s.params.CPuctFactor*math.Log((sumN+s.params.CPuctBase)/s.params.CPuctBase)
}

// pickChild scores every child of an expanded node and returns the winning
// slot index. Ties break toward higher prior, then lower index.
func (s *selector) pickChild(node *nodestore.Node, vloss float64) int {
	children := s.store.Children(node)

	var sumN float64
	for i := range children {
		if ci := children[i].Child.Load(); ci != 0 {
			child := s.store.Node(nodestore.NodeIndex(ci))
			sumN += float64(child.N.Load() + child.InflightTotal())
		}
	}
	cpuct := s.cpuct(sumN)
	explore := cpuct * math.Sqrt(math.Max(sumN, 1))
	fpu := node.Q() - s.params.FPUReduction

	best := -1
	bestScore := math.Inf(-1)
	var bestP float32
	for i := range children {
		slot := &children[i]
		q := fpu
		var n float64
		if ci := slot.Child.Load(); ci != 0 {
			child := s.store.Node(nodestore.NodeIndex(ci))
			visits := float64(child.N.Load())
			inflight := float64(child.InflightTotal())
			n = visits + inflight
			if n > 0 {
				// Child W is from the child's perspective; negate for
				// ours, and charge the virtual loss for pending visits.
				q = (-child.W.Load() - vloss*inflight) / n
			}
		}
		score := q + explore*float64(slot.Prior)/(1+n)
		if score > bestScore || (score == bestScore && slot.Prior > bestP) {
			best = i
			bestScore = score
			bestP = slot.Prior
		}
	}
	return best
}

// resolveChild returns the node index behind a child slot, creating the
// node on first descent. Creation races between lanes are settled by CAS
// on the slot; a loser abandons its freshly bumped arena slot.
func (s *selector) resolveChild(parentIdx nodestore.NodeIndex, slot *nodestore.ChildSlot,
	slotIdx int, hash uint64) (nodestore.NodeIndex, error) {
	if ci := slot.Child.Load(); ci != 0 {
		return nodestore.NodeIndex(ci), nil
	}
	newIdx, err := s.store.AllocNode()
	if err != nil {
		return nodestore.NullNode, err
	}
	n := s.store.Node(newIdx)
	n.ParentIndex = parentIdx
	n.IndexInParent = uint16(slotIdx)
	n.P = slot.Prior
	n.ZobristHash = hash
	if slot.Child.CompareAndSwap(0, uint32(newIdx)) {
		s.t.RegisterNode(hash, newIdx)
		return newIdx, nil
	}
	return nodestore.NodeIndex(slot.Child.Load()), nil
}

// revertPath undoes the virtual losses of a descent that will not be
// backed up (collision or abort). The walk mirrors backup: every node from
// the leaf up, excluding the root.
func (s *selector) revertPath(leaf nodestore.NodeIndex) {
	root := s.t.Root()
	for cur := leaf; cur != root && cur != nodestore.NullNode; {
		node := s.store.Node(cur)
		node.NInflight[s.lane].Add(^uint32(0))
		cur = node.ParentIndex
	}
}

// descend runs one selection from the root. It returns nil when the leaf
// it reached is already in this batch (a collision); virtual losses of the
// collided descent are reverted before returning.
func (s *selector) descend(scratch *chess.PositionWithHistory,
	seen map[nodestore.NodeIndex]bool, vloss float64) (*pending, error) {
	cur := s.t.Root()
	depth := 0
	var undos []func()
	defer func() {
		for i := len(undos) - 1; i >= 0; i-- {
			undos[i]()
		}
	}()

	for {
		node := s.store.Node(cur)
		if !node.Expanded.Load() || node.Terminal != chess.NonTerminal ||
			node.TranspositionLink != nodestore.NullNode {
			break
		}
		if node.NumPolicyMoves == 0 {
			// Terminal detection must have caught this.
			panic(fmt.Sprintf("expanded node %d has no children and is not terminal", cur))
		}
		slotIdx := s.pickChild(node, vloss)
		slot := s.store.Child(node.ChildrenStart, slotIdx)
		undos = append(undos, scratch.Apply(slot.Move))
		childIdx, err := s.resolveChild(cur, slot, slotIdx, scratch.Hash())
		if err != nil {
			// Arena full mid-descent; our own inflight marks up to here
			// must not leak.
			if depth > 0 {
				s.revertPath(cur)
			}
			return nil, err
		}
		s.store.Node(childIdx).NInflight[s.lane].Add(1)
		cur = childIdx
		depth++
	}

	node := s.store.Node(cur)
	isTerminal := node.Terminal != chess.NonTerminal
	if seen[cur] && !isTerminal {
		if depth > 0 {
			s.revertPath(cur)
		}
		return nil, nil
	}

	s.depthSum.Add(uint64(depth))
	s.depthCount.Add(1)
	return &pending{
		idx:          cur,
		pos:          scratch.Clone(),
		vlossApplied: depth > 0,
		batchPos:     -1,
	}, nil
}

// budgetReached reports whether completed plus in-flight visits at the
// root meet the node budget. Zero budget means unlimited.
func (s *selector) budgetReached(budget uint64) bool {
	if budget == 0 {
		return false
	}
	root := s.store.Node(s.t.Root())
	visits := uint64(root.N.Load())
	for i := range s.store.Children(root) {
		if ci := s.store.Child(root.ChildrenStart, i).Child.Load(); ci != 0 {
			visits += uint64(s.store.Node(nodestore.NodeIndex(ci)).InflightTotal())
		}
	}
	return visits >= budget
}

// gatherBatch descends until it has target distinct leaves, the collision
// limit trips, or the node budget is exhausted. Claimed-but-deferred
// leaves land in batch for NN submission.
func (s *selector) gatherBatch(target int, budget uint64, cls *classifier,
	batch *nneval.Batch) ([]*pending, error) {
	pendings := make([]*pending, 0, target)
	scratch := s.t.Position()
	seen := make(map[nodestore.NodeIndex]bool, target)
	collisions := 0

	for len(pendings) < target && collisions < s.params.MaxCollisionsPerBatch {
		if s.budgetReached(budget) {
			break
		}
		vloss := s.params.VirtualLossValue
		if s.params.UseDynamicVLoss {
			// Stiffen the penalty as collisions accumulate within this
			// batch, pushing later descents toward unexplored leaves.
			vloss *= 1 + 0.5*float64(collisions)
		}
		p, err := s.descend(scratch, seen, vloss)
		if err != nil {
			rollbackPendings(s, pendings)
			return nil, err
		}
		if p == nil {
			collisions++
			continue
		}
		cls.classify(p, batch)
		if p.source != sourceTerminal {
			seen[p.idx] = true
		}
		pendings = append(pendings, p)
	}
	return pendings, nil
}

// rollbackPendings clears the virtual losses of a batch that will never be
// applied (evaluator failure or arena exhaustion).
func rollbackPendings(s *selector, pendings []*pending) {
	for _, p := range pendings {
		if p.vlossApplied {
			s.revertPath(p.idx)
		}
	}
}
