package search

import (
	"context"
	"errors"
	"testing"

	"github.com/matryer/is"

	"github.com/domino14/macaw/chess"
	"github.com/domino14/macaw/nneval"
	"github.com/domino14/macaw/poscache"
	"github.com/domino14/macaw/searchlimits"
)

func testSessionOptions() SessionOptions {
	return SessionOptions{
		Params:       testParams(),
		CacheMode:    poscache.ModeReadWrite,
		CacheSize:    1 << 14,
		NodeCapacity: 1 << 16,
		AllowSharing: true,
	}
}

func nodesLimit(n uint64) searchlimits.SearchLimit {
	return searchlimits.SearchLimit{Kind: searchlimits.NodesPerMove, Nodes: n}
}

func TestSessionFreshSearch(t *testing.T) {
	is := is.New(t)
	s := NewSession(nneval.NewMockEvaluator(), nil, testSessionOptions())
	res, err := s.Search(context.Background(), chess.StartingPosition(), nodesLimit(200), false)
	is.NoErr(err)
	is.True(res.HasBestMove)
	is.Equal(res.RootN, uint32(200))
	is.Equal(res.RootNWhenSearchStarted, uint32(0))
}

func TestContinuationReusesSubtree(t *testing.T) {
	is := is.New(t)
	opts := testSessionOptions()
	// Uniform priors spread visits evenly, so any root child holds about
	// 1/20 of the tree; a 2% threshold makes reuse deterministic.
	opts.Params.TreeReuseThreshold = 0.02
	s := NewSession(nneval.NewMockEvaluator(), nil, opts)

	_, err := s.Search(context.Background(), chess.StartingPosition(), nodesLimit(4000), false)
	is.NoErr(err)
	priorRoot := s.Tree().RootNode()
	priorN := priorRoot.N.Load()
	is.Equal(priorN, uint32(4000))

	next := chess.StartingPosition()
	m, err := chess.ParseMove("e2e4")
	is.NoErr(err)
	next.PlayMove(m)

	res, err := s.SearchContinue(context.Background(), next, nodesLimit(1000), false)
	is.NoErr(err)
	is.True(res.HasBestMove)
	// The retained e2e4 subtree seeded this search.
	is.True(res.RootNWhenSearchStarted > 0)
	is.True(res.RootNWhenSearchStarted >= uint32(0.02*float64(priorN)))
	is.True(res.RootN >= 1000)
	is.NoErr(CheckNoInflight(s.Tree()))
}

func TestContinuationFallsBackWhenSubtreeTooSmall(t *testing.T) {
	is := is.New(t)
	opts := testSessionOptions()
	// Impossible threshold: no single child holds 90% of the visits.
	opts.Params.TreeReuseThreshold = 0.9
	s := NewSession(nneval.NewMockEvaluator(), nil, opts)

	_, err := s.Search(context.Background(), chess.StartingPosition(), nodesLimit(2000), false)
	is.NoErr(err)

	next := chess.StartingPosition()
	m, err := chess.ParseMove("e2e4")
	is.NoErr(err)
	next.PlayMove(m)

	res, err := s.SearchContinue(context.Background(), next, nodesLimit(500), false)
	is.NoErr(err)
	// Fresh tree: nothing was retained.
	is.Equal(res.RootNWhenSearchStarted, uint32(0))
	is.Equal(res.RootN, uint32(500))
}

func TestContinuationUnknownLineFallsBack(t *testing.T) {
	is := is.New(t)
	s := NewSession(nneval.NewMockEvaluator(), nil, testSessionOptions())
	_, err := s.Search(context.Background(), chess.StartingPosition(), nodesLimit(100), false)
	is.NoErr(err)

	// Walk three plies ahead; that line may be thin or absent in the
	// prior tree, but the continuation must still produce a search.
	next := chess.StartingPosition()
	for _, ms := range []string{"a2a3", "h7h6", "a3a4"} {
		m, err := chess.ParseMove(ms)
		is.NoErr(err)
		next.PlayMove(m)
	}
	res, err := s.SearchContinue(context.Background(), next, nodesLimit(300), false)
	is.NoErr(err)
	is.True(res.HasBestMove)
}

func TestInconsistentContinuation(t *testing.T) {
	is := is.New(t)
	s := NewSession(nneval.NewMockEvaluator(), nil, testSessionOptions())
	_, err := s.Search(context.Background(), chess.StartingPosition(), nodesLimit(100), false)
	is.NoErr(err)

	other, err := chess.NewPosition("6k1/5ppp/8/8/8/8/5PPP/R5K1 w - - 0 1")
	is.NoErr(err)
	_, err = s.SearchContinue(context.Background(), other, nodesLimit(100), false)
	is.True(errors.Is(err, ErrInconsistentContinuation))
}

func TestResetGameDropsTree(t *testing.T) {
	is := is.New(t)
	s := NewSession(nneval.NewMockEvaluator(), nil, testSessionOptions())
	_, err := s.Search(context.Background(), chess.StartingPosition(), nodesLimit(100), false)
	is.NoErr(err)
	is.True(s.Tree() != nil)
	s.ResetGame()
	is.True(s.Tree() == nil)
}

func TestBindPeerCompatibility(t *testing.T) {
	is := is.New(t)
	a := NewSession(nneval.NewMockEvaluator(), nil, testSessionOptions())
	b := NewSession(nneval.NewMockEvaluator(), nil, testSessionOptions())
	is.NoErr(b.BindPeer(a))

	// Different network identity is rejected.
	other := nneval.NewMockEvaluator()
	other.NetworkID = "other-net"
	c := NewSession(other, nil, testSessionOptions())
	is.True(errors.Is(c.BindPeer(a), ErrPeerNotCompatible))

	// A peer that does not authorize sharing is rejected.
	noShare := testSessionOptions()
	noShare.AllowSharing = false
	d := NewSession(nneval.NewMockEvaluator(), nil, noShare)
	is.True(errors.Is(b.BindPeer(d), ErrPeerNotCompatible))

	// Binding severs the peer's own back-reference.
	is.NoErr(a.BindPeer(b))
	is.NoErr(b.BindPeer(a))
	is.True(a.peer == nil)
	is.Equal(b.peer, a)
}

// Peer reuse: a session mining a compatible peer's cache sends fewer
// positions to its evaluator than one searching cold.
func TestPeerCacheReuse(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	mockA := nneval.NewMockEvaluator()
	a := NewSession(mockA, nil, testSessionOptions())
	_, err := a.Search(ctx, chess.StartingPosition(), nodesLimit(2000), false)
	is.NoErr(err)

	// B mines A's cache for the same game.
	mockB := nneval.NewMockEvaluator()
	optsB := testSessionOptions()
	optsB.Params.ReusePeerEvaluations = true
	b := NewSession(mockB, nil, optsB)
	is.NoErr(b.BindPeer(a))
	_, err = b.Search(ctx, chess.StartingPosition(), nodesLimit(2000), false)
	is.NoErr(err)

	// C searches the same position cold.
	mockC := nneval.NewMockEvaluator()
	c := NewSession(mockC, nil, testSessionOptions())
	_, err = c.Search(ctx, chess.StartingPosition(), nodesLimit(2000), false)
	is.NoErr(err)

	is.True(mockB.Evaluated() < mockC.Evaluated())
	is.True(mockB.Evaluated() < mockA.Evaluated())
}

func TestFirstMoveSampling(t *testing.T) {
	is := is.New(t)
	opts := testSessionOptions()
	opts.Params.FirstMoveTemperature = 1.0
	s := NewSession(nneval.NewMockEvaluator(), nil, opts)
	res, err := s.Search(context.Background(), chess.StartingPosition(), nodesLimit(300), false)
	is.NoErr(err)
	is.True(res.HasBestMove)
	// The sampled move is one of the root's legal moves.
	found := false
	for _, m := range chess.StartingPosition().LegalMoves() {
		if m == res.BestMove {
			found = true
		}
	}
	is.True(found)
}
