package nneval

import (
	"math/bits"
	"strings"
	"sync"

	"github.com/domino14/macaw/chess"
)

// Input-plane layout for the local ONNX network. Absolute orientation with
// a side-to-move plane, rather than the flipped encodings some nets use.
const (
	planeWhitePawns = iota
	planeWhiteKnights
	planeWhiteBishops
	planeWhiteRooks
	planeWhiteQueens
	planeWhiteKings
	planeBlackPawns
	planeBlackKnights
	planeBlackBishops
	planeBlackRooks
	planeBlackQueens
	planeBlackKings
	planeSideToMove
	planeCastleWK
	planeCastleWQ
	planeCastleBK
	planeCastleBQ
	planeRule50
	planeRepetition
	planeOnes

	PlaneCount = 20
	InputSize  = PlaneCount * 64
)

const InputFormatPlanes20 = "planes20-abs"

// InputVectorPool recycles encoding buffers across batches.
var InputVectorPool = sync.Pool{
	New: func() interface{} {
		v := make([]float32, InputSize)
		return &v
	},
}

func fillPlane(dst []float32, plane int, bb uint64) {
	base := plane * 64
	for bb != 0 {
		dst[base+bits.TrailingZeros64(bb)] = 1
		bb &= bb - 1
	}
}

func fillConst(dst []float32, plane int, v float32) {
	base := plane * 64
	for i := 0; i < 64; i++ {
		dst[base+i] = v
	}
}

// EncodePosition writes the plane representation of a position into dst,
// which must have room for InputSize floats.
func EncodePosition(p *chess.PositionWithHistory, dst []float32) {
	for i := range dst[:InputSize] {
		dst[i] = 0
	}
	b := p.Board()
	fillPlane(dst, planeWhitePawns, b.White.Pawns)
	fillPlane(dst, planeWhiteKnights, b.White.Knights)
	fillPlane(dst, planeWhiteBishops, b.White.Bishops)
	fillPlane(dst, planeWhiteRooks, b.White.Rooks)
	fillPlane(dst, planeWhiteQueens, b.White.Queens)
	fillPlane(dst, planeWhiteKings, b.White.Kings)
	fillPlane(dst, planeBlackPawns, b.Black.Pawns)
	fillPlane(dst, planeBlackKnights, b.Black.Knights)
	fillPlane(dst, planeBlackBishops, b.Black.Bishops)
	fillPlane(dst, planeBlackRooks, b.Black.Rooks)
	fillPlane(dst, planeBlackQueens, b.Black.Queens)
	fillPlane(dst, planeBlackKings, b.Black.Kings)
	if b.Wtomove {
		fillConst(dst, planeSideToMove, 1)
	}
	// The generator does not export castle rights directly; take them from
	// the FEN castling field.
	castling := castleField(p.Fen())
	if strings.ContainsRune(castling, 'K') {
		fillConst(dst, planeCastleWK, 1)
	}
	if strings.ContainsRune(castling, 'Q') {
		fillConst(dst, planeCastleWQ, 1)
	}
	if strings.ContainsRune(castling, 'k') {
		fillConst(dst, planeCastleBK, 1)
	}
	if strings.ContainsRune(castling, 'q') {
		fillConst(dst, planeCastleBQ, 1)
	}
	fillConst(dst, planeRule50, float32(b.Halfmoveclock)/100.0)
	if p.Repetitions() > 0 {
		fillConst(dst, planeRepetition, 1)
	}
	fillConst(dst, planeOnes, 1)
}

func castleField(fen string) string {
	fields := strings.Fields(fen)
	if len(fields) < 3 {
		return ""
	}
	return fields[2]
}
