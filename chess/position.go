// Package chess adapts the external move generator to the contracts the
// search core needs: legal-move enumeration in a stable order, make/unmake,
// draw and terminal detection with supplied history, and a 64-bit position
// hash.
package chess

import (
	"errors"
	"sort"
	"strings"

	"github.com/dylhunn/dragontoothmg"
)

// Move is the packed move representation of the move generator. The zero
// value is not a legal move.
type Move = dragontoothmg.Move

// Terminal classifies a position at the end of a game line.
type Terminal uint8

const (
	NonTerminal Terminal = iota
	Checkmate
	Draw
	Stalemate
)

func (t Terminal) String() string {
	switch t {
	case NonTerminal:
		return "nonterminal"
	case Checkmate:
		return "checkmate"
	case Draw:
		return "draw"
	case Stalemate:
		return "stalemate"
	}
	return "unknown"
}

var ErrBadFen = errors.New("malformed FEN")

// PositionWithHistory is a chess position plus the hash history needed for
// repetition detection. The history includes every position from the start
// position through the current one, so a search can detect repetitions that
// straddle the search root.
type PositionWithHistory struct {
	board    dragontoothmg.Board
	startFen string
	moves    []Move
	hashes   []uint64
}

// NewPosition parses a FEN and starts a fresh history at it.
func NewPosition(fen string) (*PositionWithHistory, error) {
	fields := strings.Fields(fen)
	if len(fields) != 6 {
		return nil, ErrBadFen
	}
	b := dragontoothmg.ParseFen(fen)
	p := &PositionWithHistory{
		board:    b,
		startFen: fen,
	}
	p.hashes = append(p.hashes, p.board.Hash())
	return p, nil
}

// StartingPosition returns the standard initial position.
func StartingPosition() *PositionWithHistory {
	p, err := NewPosition(dragontoothmg.Startpos)
	if err != nil {
		panic(err)
	}
	return p
}

// ParseMove parses a UCI-style coordinate move like e2e4 or a7a8q.
func ParseMove(s string) (Move, error) {
	return dragontoothmg.ParseMove(s)
}

func (p *PositionWithHistory) Board() *dragontoothmg.Board {
	return &p.board
}

func (p *PositionWithHistory) StartFen() string {
	return p.startFen
}

func (p *PositionWithHistory) Fen() string {
	return p.board.ToFen()
}

// Hash is the move generator's zobrist hash. It covers piece placement,
// side to move, castling rights and en passant.
func (p *PositionWithHistory) Hash() uint64 {
	return p.board.Hash()
}

func (p *PositionWithHistory) WhiteToMove() bool {
	return p.board.Wtomove
}

// Moves returns the moves played since the start position.
func (p *PositionWithHistory) Moves() []Move {
	return p.moves
}

// Ply is the number of half-moves played from the start position.
func (p *PositionWithHistory) Ply() int {
	return len(p.moves)
}

// LegalMoves enumerates legal moves sorted by their packed representation.
// The order is the canonical one for policy extraction; it must not depend
// on generator internals.
func (p *PositionWithHistory) LegalMoves() []Move {
	moves := p.board.GenerateLegalMoves()
	sort.Slice(moves, func(i, j int) bool { return moves[i] < moves[j] })
	return moves
}

// PlayMove applies a move permanently and extends the history.
func (p *PositionWithHistory) PlayMove(m Move) {
	p.board.Apply(m)
	p.moves = append(p.moves, m)
	p.hashes = append(p.hashes, p.board.Hash())
}

// Apply applies a move and returns an undo closure. The history is extended
// and rolled back with the move, so repetition detection sees in-flight
// search lines.
func (p *PositionWithHistory) Apply(m Move) func() {
	unapply := p.board.Apply(m)
	p.moves = append(p.moves, m)
	p.hashes = append(p.hashes, p.board.Hash())
	return func() {
		unapply()
		p.moves = p.moves[:len(p.moves)-1]
		p.hashes = p.hashes[:len(p.hashes)-1]
	}
}

// Repetitions counts how many earlier positions in the history share the
// current hash.
func (p *PositionWithHistory) Repetitions() int {
	cur := p.hashes[len(p.hashes)-1]
	n := 0
	for _, h := range p.hashes[:len(p.hashes)-1] {
		if h == cur {
			n++
		}
	}
	return n
}

// TerminalState classifies the current position. Checkmate and stalemate
// are detected from legal-move count and check status; draws cover the
// fifty-move rule and threefold repetition against the supplied history.
func (p *PositionWithHistory) TerminalState() Terminal {
	if len(p.board.GenerateLegalMoves()) == 0 {
		if p.board.OurKingInCheck() {
			return Checkmate
		}
		return Stalemate
	}
	if p.board.Halfmoveclock >= 100 {
		return Draw
	}
	if p.Repetitions() >= 2 {
		return Draw
	}
	return NonTerminal
}

// Clone copies the position and its history. The clone shares nothing with
// the receiver.
func (p *PositionWithHistory) Clone() *PositionWithHistory {
	q := &PositionWithHistory{
		board:    p.board,
		startFen: p.startFen,
		moves:    make([]Move, len(p.moves), len(p.moves)+64),
		hashes:   make([]uint64, len(p.hashes), len(p.hashes)+64),
	}
	copy(q.moves, p.moves)
	copy(q.hashes, p.hashes)
	return q
}

// SharesLine reports whether other starts at the same position and the
// shorter move list is a prefix of the longer one.
func (p *PositionWithHistory) SharesLine(other *PositionWithHistory) bool {
	if p.startFen != other.startFen {
		return false
	}
	shorter, longer := p.moves, other.moves
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	for i := range shorter {
		if shorter[i] != longer[i] {
			return false
		}
	}
	return true
}
