package chess

import (
	"testing"

	"github.com/matryer/is"
)

func TestStartingPosition(t *testing.T) {
	is := is.New(t)
	p := StartingPosition()
	is.Equal(len(p.LegalMoves()), 20)
	is.True(p.WhiteToMove())
	is.Equal(p.TerminalState(), NonTerminal)
	is.Equal(p.Ply(), 0)
}

func TestLegalMoveOrderIsStable(t *testing.T) {
	is := is.New(t)
	p := StartingPosition()
	a := p.LegalMoves()
	b := p.LegalMoves()
	is.Equal(len(a), len(b))
	for i := range a {
		is.Equal(a[i], b[i])
		if i > 0 {
			is.True(a[i-1] < a[i])
		}
	}
}

func TestCheckmateDetection(t *testing.T) {
	is := is.New(t)
	// Back-rank mate already delivered.
	p, err := NewPosition("R5k1/5ppp/8/8/8/8/5PPP/6K1 b - - 0 1")
	is.NoErr(err)
	is.Equal(p.TerminalState(), Checkmate)
}

func TestStalemateDetection(t *testing.T) {
	is := is.New(t)
	// Black king in the corner with nowhere to go, not in check.
	p, err := NewPosition("k7/8/K7/8/8/8/8/1R6 b - - 0 1")
	is.NoErr(err)
	is.Equal(p.TerminalState(), Stalemate)
}

func TestFiftyMoveDraw(t *testing.T) {
	is := is.New(t)
	p, err := NewPosition("8/8/4k3/8/4K3/8/8/4R3 w - - 100 80")
	is.NoErr(err)
	is.Equal(p.TerminalState(), Draw)
}

func TestRepetitionDraw(t *testing.T) {
	is := is.New(t)
	p := StartingPosition()
	shuffle := []string{"g1f3", "g8f6", "f3g1", "f6g8"}
	for round := 0; round < 2; round++ {
		for _, ms := range shuffle {
			m, err := ParseMove(ms)
			is.NoErr(err)
			p.PlayMove(m)
		}
	}
	// The start position has now occurred three times.
	is.Equal(p.Repetitions(), 2)
	is.Equal(p.TerminalState(), Draw)
}

func TestApplyUndoRestoresHistory(t *testing.T) {
	is := is.New(t)
	p := StartingPosition()
	h0 := p.Hash()
	m, err := ParseMove("e2e4")
	is.NoErr(err)
	undo := p.Apply(m)
	is.True(p.Hash() != h0)
	is.Equal(p.Ply(), 1)
	undo()
	is.Equal(p.Hash(), h0)
	is.Equal(p.Ply(), 0)
}

func TestHashIsPositionPure(t *testing.T) {
	is := is.New(t)
	// Same position reached through different move orders hashes the same.
	a := StartingPosition()
	for _, ms := range []string{"g1f3", "b8c6", "b1c3", "g8f6"} {
		m, err := ParseMove(ms)
		is.NoErr(err)
		a.PlayMove(m)
	}
	b := StartingPosition()
	for _, ms := range []string{"b1c3", "g8f6", "g1f3", "b8c6"} {
		m, err := ParseMove(ms)
		is.NoErr(err)
		b.PlayMove(m)
	}
	is.Equal(a.Hash(), b.Hash())
}

func TestCloneIsIndependent(t *testing.T) {
	is := is.New(t)
	p := StartingPosition()
	q := p.Clone()
	m, err := ParseMove("d2d4")
	is.NoErr(err)
	q.PlayMove(m)
	is.Equal(p.Ply(), 0)
	is.Equal(q.Ply(), 1)
	is.True(p.Hash() != q.Hash())
}

func TestSharesLine(t *testing.T) {
	is := is.New(t)
	a := StartingPosition()
	b := StartingPosition()
	m, err := ParseMove("e2e4")
	is.NoErr(err)
	b.PlayMove(m)
	is.True(a.SharesLine(b))
	is.True(b.SharesLine(a))

	c := StartingPosition()
	m2, err := ParseMove("d2d4")
	is.NoErr(err)
	c.PlayMove(m2)
	is.True(!b.SharesLine(c))
}

func TestBadFen(t *testing.T) {
	is := is.New(t)
	_, err := NewPosition("not a fen")
	is.True(err != nil)
}
