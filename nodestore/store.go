// Package nodestore holds the packed, index-addressed arena of search nodes
// and their child tables. Nodes are identified by 32-bit indexes; index 0 is
// the null node. Allocation is a single atomic bump per pool, so it is safe
// from any number of selector lanes.
package nodestore

import (
	"errors"
	"math"
	"sync/atomic"

	"github.com/pbnjay/memory"
	"github.com/rs/zerolog/log"

	"github.com/domino14/macaw/chess"
)

// NodeIndex addresses a node in the arena. Zero is the null node.
type NodeIndex uint32

const NullNode NodeIndex = 0

// ErrStoreExhausted is surfaced when either pool fills up. The search that
// hit it aborts; the tree built so far stays consistent and the caller may
// retry with a larger store.
var ErrStoreExhausted = errors.New("node store exhausted")

// AtomicFloat64 is a float64 updated with compare-and-swap on its bit
// pattern. Backup from two lanes adds into the same sums concurrently.
type AtomicFloat64 struct {
	bits atomic.Uint64
}

func (a *AtomicFloat64) Load() float64 {
	return math.Float64frombits(a.bits.Load())
}

func (a *AtomicFloat64) Store(v float64) {
	a.bits.Store(math.Float64bits(v))
}

func (a *AtomicFloat64) Add(delta float64) {
	for {
		old := a.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if a.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Node is one in-tree position. Hot fields (N, NInflight, the W sums) are
// atomics; structural fields are written once at creation or expansion and
// read-only afterwards.
type Node struct {
	// Completed visits.
	N atomic.Uint32
	// Pending visits per selector lane (virtual-loss counters).
	NInflight [2]atomic.Uint32

	// Sum of backed-up values, from this node's side-to-move perspective.
	W AtomicFloat64
	// WDL head sums.
	WDraw AtomicFloat64
	WLoss AtomicFloat64
	// Moves-left head sum.
	MSum AtomicFloat64

	// Prior from the parent's policy.
	P float32
	// Immediate network value at this node, and the second network's
	// opinion when one is configured. VSecondary never drives selection.
	V          float32
	VSecondary float32

	ZobristHash uint64

	ChildrenStart     uint32
	ParentIndex       NodeIndex
	TranspositionLink NodeIndex

	IndexInParent  uint16
	NumPolicyMoves uint16
	Terminal       chess.Terminal

	// Expanding is the single-writer gate for expansion: whichever lane
	// wins the CAS writes the policy/terminal state, then publishes it by
	// setting Expanded. Readers descend through children only after
	// Expanded is set.
	Expanding atomic.Bool
	Expanded  atomic.Bool
}

// Q is W/N from this node's side-to-move perspective. Only defined for
// visited nodes.
func (n *Node) Q() float64 {
	visits := n.N.Load()
	if visits == 0 {
		return 0
	}
	return n.W.Load() / float64(visits)
}

// MAvg is the average moves-left estimate.
func (n *Node) MAvg() float64 {
	visits := n.N.Load()
	if visits == 0 {
		return 0
	}
	return n.MSum.Load() / float64(visits)
}

// WDL returns the visited-averaged (win, draw, loss) triple from this
// node's side-to-move perspective.
func (n *Node) WDL() (float64, float64, float64) {
	visits := n.N.Load()
	if visits == 0 {
		return 0, 0, 0
	}
	d := n.WDraw.Load() / float64(visits)
	l := n.WLoss.Load() / float64(visits)
	return 1 - d - l, d, l
}

// InflightTotal is the sum of both lanes' pending visits.
func (n *Node) InflightTotal() uint32 {
	return n.NInflight[0].Load() + n.NInflight[1].Load()
}

// ChildSlot is one (move, prior, child index) entry in a node's contiguous
// child table. Child is set at most once, by whichever lane first descends
// into the move.
type ChildSlot struct {
	Move  chess.Move
	Prior float32
	Child atomic.Uint32
}

// Store is the arena. Both pools are fixed-size and bump-allocated.
type Store struct {
	nodes    []Node
	children []ChildSlot

	nodeCount  atomic.Uint32
	childCount atomic.Uint32
}

const (
	// Rough per-node footprint including its share of child slots, used
	// for memory-derived sizing.
	approxBytesPerNode = 256
	// Never auto-size beyond this many nodes.
	maxAutoNodes = 1 << 27
	// Average branching headroom for the child pool.
	childSlotsPerNode = 40
)

// DefaultCapacity derives a node count from total system memory, targeting
// about a quarter of it.
func DefaultCapacity() uint32 {
	total := memory.TotalMemory()
	if total == 0 {
		return 1 << 22
	}
	n := total / 4 / approxBytesPerNode
	if n > maxAutoNodes {
		n = maxAutoNodes
	}
	if n < 1<<16 {
		n = 1 << 16
	}
	return uint32(n)
}

// New allocates a store. Zero capacities are filled in from system memory.
func New(nodeCapacity, childCapacity uint32) *Store {
	if nodeCapacity == 0 {
		nodeCapacity = DefaultCapacity()
	}
	if childCapacity == 0 {
		derived := uint64(nodeCapacity) * childSlotsPerNode / 8
		if derived > 1<<31 {
			derived = 1 << 31
		}
		childCapacity = uint32(derived)
	}
	log.Debug().Uint32("nodeCapacity", nodeCapacity).
		Uint32("childCapacity", childCapacity).
		Msg("allocating node store")
	s := &Store{
		nodes:    make([]Node, nodeCapacity),
		children: make([]ChildSlot, childCapacity),
	}
	// Index 0 of each pool is reserved as null.
	s.nodeCount.Store(1)
	s.childCount.Store(1)
	return s
}

// AllocNode reserves one node and returns its index.
func (s *Store) AllocNode() (NodeIndex, error) {
	idx := s.nodeCount.Add(1) - 1
	if idx >= uint32(len(s.nodes)) {
		return NullNode, ErrStoreExhausted
	}
	return NodeIndex(idx), nil
}

// AllocChildren reserves a contiguous block of k child slots and returns
// the start index.
func (s *Store) AllocChildren(k int) (uint32, error) {
	if k == 0 {
		return 0, nil
	}
	end := s.childCount.Add(uint32(k))
	if end > uint32(len(s.children)) {
		return 0, ErrStoreExhausted
	}
	return end - uint32(k), nil
}

// Node returns a pointer into the arena. The pointer stays valid for the
// life of the store; the arena never reallocates.
func (s *Store) Node(i NodeIndex) *Node {
	return &s.nodes[i]
}

// Child returns the i-th child slot of a block.
func (s *Store) Child(start uint32, i int) *ChildSlot {
	return &s.children[start+uint32(i)]
}

// Children returns the child-slot block of an expanded node.
func (s *Store) Children(n *Node) []ChildSlot {
	if n.NumPolicyMoves == 0 {
		return nil
	}
	return s.children[n.ChildrenStart : n.ChildrenStart+uint32(n.NumPolicyMoves)]
}

// Allocated reports how many node slots are in use, including null.
func (s *Store) Allocated() uint32 {
	n := s.nodeCount.Load()
	if n > uint32(len(s.nodes)) {
		return uint32(len(s.nodes))
	}
	return n
}

// Capacity is the node-pool size.
func (s *Store) Capacity() uint32 {
	return uint32(len(s.nodes))
}
