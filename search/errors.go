package search

import (
	"errors"

	"github.com/domino14/macaw/nodestore"
	"github.com/domino14/macaw/tree"
)

var (
	// ErrNotReusable: continuation requested but the prior tree cannot be
	// walked along the forward moves. Recovered transparently by falling
	// back to a fresh search.
	ErrNotReusable = tree.ErrNotReusable

	// ErrStoreExhausted: node or child pool full. The current search
	// aborts; the tree stays consistent.
	ErrStoreExhausted = nodestore.ErrStoreExhausted

	// ErrInconsistentContinuation: the prior search does not share its
	// starting position with the new one. Fatal to the session.
	ErrInconsistentContinuation = errors.New("continuation does not share a game line with the prior search")

	// ErrEvaluatorFailure: the NN evaluator returned an error or an
	// ill-formed batch. The in-flight batch is discarded and virtual
	// losses rolled back before this surfaces.
	ErrEvaluatorFailure = errors.New("evaluator failure")

	// ErrTerminalAtRoot: the root position has no legal moves; there is no
	// best move to search for.
	ErrTerminalAtRoot = errors.New("root position is terminal")

	// ErrPeerNotCompatible: peer cache sharing requires identical
	// evaluator identities and cache modes, and the peer's authorization.
	ErrPeerNotCompatible = errors.New("peer session not compatible for evaluation sharing")
)
