package search

import (
	"fmt"
	"math"
	"strings"

	"github.com/samber/lo"

	"github.com/domino14/macaw/chess"
	"github.com/domino14/macaw/nodestore"
	"github.com/domino14/macaw/tree"
)

// Snapshot is what the progress callback sees: root statistics at a point
// in time.
type Snapshot struct {
	Nodes   uint64
	NPS     float64
	Depth   float64
	ScoreCP int
	PV      []chess.Move
	TimeMs  int64
	WDL     [3]float64
	Q       float64
}

// ProgressFunc receives periodic snapshots. It is never invoked
// concurrently with itself for the same manager.
type ProgressFunc func(Snapshot)

// QToCentipawns maps a root Q in [-1,1] to a centipawn score through a
// fixed logistic inverse. The constants are part of the engine's external
// contract; scores clamp at ±20000.
func QToCentipawns(q float64) int {
	cp := 111.714640912 * math.Tan(1.5620688421*q)
	if cp > 20000 {
		cp = 20000
	}
	if cp < -20000 {
		cp = -20000
	}
	return int(math.Round(cp))
}

// principalVariation descends by most-visited child from the root,
// following transposition links, until an unexpanded or terminal node.
func principalVariation(t *tree.Tree, maxLen int) []chess.Move {
	store := t.Store()
	pv := make([]chess.Move, 0, maxLen)
	cur := t.Root()
	visited := map[nodestore.NodeIndex]bool{}
	for len(pv) < maxLen {
		node := store.Node(cur)
		if node.TranspositionLink != nodestore.NullNode {
			cur = node.TranspositionLink
			node = store.Node(cur)
		}
		if visited[cur] || !node.Expanded.Load() || node.NumPolicyMoves == 0 {
			break
		}
		visited[cur] = true
		bestIdx := -1
		var bestN uint32
		var bestMove chess.Move
		for i := 0; i < int(node.NumPolicyMoves); i++ {
			slot := store.Child(node.ChildrenStart, i)
			ci := slot.Child.Load()
			if ci == 0 {
				continue
			}
			n := store.Node(nodestore.NodeIndex(ci)).N.Load()
			if bestIdx == -1 || n > bestN {
				bestIdx = i
				bestN = n
				bestMove = slot.Move
			}
		}
		if bestIdx == -1 || bestN == 0 {
			break
		}
		pv = append(pv, bestMove)
		cur = nodestore.NodeIndex(store.Child(node.ChildrenStart, bestIdx).Child.Load())
	}
	return pv
}

// rootChildStat is one root child's statistics for reporting and move
// selection.
type rootChildStat struct {
	Move  chess.Move
	Index nodestore.NodeIndex
	N     uint32
	Q     float64
	P     float32
	WDL   [3]float64
	MAvg  float64
}

// rootChildren snapshots every created child of the root.
func rootChildren(t *tree.Tree) []rootChildStat {
	store := t.Store()
	root := store.Node(t.Root())
	out := make([]rootChildStat, 0, root.NumPolicyMoves)
	for i := 0; i < int(root.NumPolicyMoves); i++ {
		slot := store.Child(root.ChildrenStart, i)
		ci := slot.Child.Load()
		if ci == 0 {
			continue
		}
		child := store.Node(nodestore.NodeIndex(ci))
		w, d, l := child.WDL()
		out = append(out, rootChildStat{
			Move:  slot.Move,
			Index: nodestore.NodeIndex(ci),
			N:     child.N.Load(),
			// Child Q is from the opponent's perspective; flip to ours.
			Q:    -child.Q(),
			P:    slot.Prior,
			WDL:  [3]float64{l, d, w},
			MAvg: child.MAvg(),
		})
	}
	return out
}

// RootStatsString renders a table of root children sorted by visits, the
// way a human wants to read a finished search.
func RootStatsString(t *tree.Tree) string {
	children := rootChildren(t)
	// Most visited first; equal visits show higher Q first.
	ordered := lo.Filter(children, func(c rootChildStat, _ int) bool { return c.N > 0 })
	for i := range ordered {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].N > ordered[i].N ||
				(ordered[j].N == ordered[i].N && ordered[j].Q > ordered[i].Q) {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	var ss strings.Builder
	fmt.Fprintf(&ss, "%-8s%-10s%-10s%-10s%-24s%-8s\n", "Move", "N", "Q", "P", "WDL", "M")
	for _, c := range ordered {
		fmt.Fprintf(&ss, "%-8s%-10d%-10.4f%-10.4f%6.3f/%6.3f/%6.3f    %-8.1f\n",
			c.Move.String(), c.N, c.Q, c.P, c.WDL[0], c.WDL[1], c.WDL[2], c.MAvg)
	}
	return ss.String()
}
