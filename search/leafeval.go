package search

import (
	"github.com/domino14/macaw/chess"
	"github.com/domino14/macaw/nneval"
	"github.com/domino14/macaw/nodestore"
	"github.com/domino14/macaw/poscache"
	"github.com/domino14/macaw/tree"
)

// evalSource tags which evaluator in the chain claimed a leaf. The chain is
// a fixed ordered list, not open dispatch; exactly one source claims each
// leaf.
type evalSource int

const (
	sourceNone evalSource = iota
	// Checkmate, stalemate, fifty-move or repetition at the leaf.
	sourceTerminal
	// Hit in our own position cache.
	sourceCache
	// Another in-tree node with the same hash and N > 0; covers both
	// classic transpositions and continuation reuse of the retained
	// subtree, which lives in the same hash index.
	sourceTransposition
	// Hit in a bound peer tree's cache.
	sourcePeerCache
	// Submitted to the primary network.
	sourceNN
)

// pending is one selected leaf on its way through evaluation and backup.
type pending struct {
	idx nodestore.NodeIndex
	// Position at the leaf, cloned off the descent scratch.
	pos *chess.PositionWithHistory
	// Legal moves at the leaf in canonical order; nil for terminal and
	// transposition claims.
	legal []chess.Move

	source   evalSource
	terminal chess.Terminal
	cached   *poscache.Entry
	linkTo   nodestore.NodeIndex
	// Index into the NN batch; -1 when no network submission happened.
	batchPos int

	// Whether the descent incremented inflight counters along the path
	// (false for synchronous root preloading).
	vlossApplied bool
}

// classifier runs the leaf evaluator chain. It halts at the first claim.
type classifier struct {
	t         *tree.Tree
	peerCache *poscache.Cache
}

func newClassifier(t *tree.Tree, params *Params) *classifier {
	c := &classifier{t: t}
	if params.ReusePeerEvaluations {
		if peer := t.Peer(); peer != nil {
			c.peerCache = peer.Cache()
		}
	}
	return c
}

// classify claims the leaf. Leaves nobody claims immediately are appended
// to the NN batch.
func (c *classifier) classify(p *pending, batch *nneval.Batch) {
	p.batchPos = -1

	// A leaf revisiting an established transposition link keeps borrowing.
	node := c.t.Store().Node(p.idx)
	if node.TranspositionLink != nodestore.NullNode {
		p.source = sourceTransposition
		p.linkTo = node.TranspositionLink
		return
	}

	if term := p.pos.TerminalState(); term != chess.NonTerminal {
		// A drawn root (repetition, fifty-move) still needs a move; only
		// non-root nodes freeze as terminals.
		if p.idx != c.t.Root() || term == chess.Checkmate || term == chess.Stalemate {
			p.source = sourceTerminal
			p.terminal = term
			return
		}
	}

	hash := p.pos.Hash()
	if entry, ok := c.t.Cache().Lookup(hash); ok {
		p.source = sourceCache
		p.cached = entry
		return
	}

	if linked, ok := c.t.LookupHash(hash); ok && linked != p.idx {
		if c.t.Store().Node(linked).N.Load() > 0 {
			p.source = sourceTransposition
			p.linkTo = linked
			return
		}
	}

	if c.peerCache != nil {
		if entry, ok := c.peerCache.Lookup(hash); ok {
			p.source = sourcePeerCache
			p.cached = entry
			return
		}
	}

	p.source = sourceNN
	p.legal = p.pos.LegalMoves()
	p.batchPos = batch.Add(p.pos)
}
