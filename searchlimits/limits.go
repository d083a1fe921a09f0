// Package searchlimits apportions game-level search budgets to individual
// moves. The default manager spreads the remaining budget over a logistic
// estimate of moves left in the game and thinks harder when the root
// evaluation has been unstable.
package searchlimits

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"
)

type Kind int

const (
	NodesPerMove Kind = iota
	SecondsPerMove
	NodesForAllMoves
	SecondsForAllGame
)

// SearchLimit describes the budget for a move or a whole game.
type SearchLimit struct {
	Kind Kind

	// NodesPerMove / NodesForAllMoves.
	Nodes          uint64
	NodesIncrement uint64

	// SecondsPerMove / SecondsForAllGame.
	Seconds          float64
	SecondsIncrement float64
}

// GameHistory is what the manager knows about the game so far: budget
// already consumed and the root evaluation after each of our prior moves.
type GameHistory struct {
	MovesPlayed int
	NodesSpent  uint64
	TimeSpent   time.Duration
	// RootQ after each prior search, most recent last.
	RootQHistory []float64
}

// MoveAllocation is the per-move budget the search manager enforces. At
// most one of Nodes/Duration is meaningful depending on the limit kind.
type MoveAllocation struct {
	Nodes    uint64
	Duration time.Duration
	// ThinkHarder scales the allocation up when the position is unstable.
	ThinkHarder float64
}

// Manager turns a game-level limit plus history into a per-move budget.
// Implementations must be deterministic given their inputs.
type Manager interface {
	Allocate(limit SearchLimit, hist GameHistory) MoveAllocation
}

// expectedRemainingMoves is a logistic guess around a typical game length.
// Early in the game we expect about 27 more of our moves; the estimate
// decays toward a floor of 8 as the game goes on.
func expectedRemainingMoves(movesPlayed int) float64 {
	const (
		span  = 20.0
		mid   = 24.0
		scale = 9.0
		floor = 8.0
	)
	return floor + span/(1+math.Exp((float64(movesPlayed)-mid)/scale))
}

// qVolatility is the standard deviation of the recent root evaluations.
func qVolatility(qs []float64) float64 {
	const window = 6
	if len(qs) < 3 {
		return 0
	}
	if len(qs) > window {
		qs = qs[len(qs)-window:]
	}
	return stat.StdDev(qs, nil)
}

// DefaultManager implements the logistic allocation.
type DefaultManager struct {
	// VolatilityBoost scales how strongly unstable evaluations extend the
	// budget; the multiplier is capped at MaxThinkHarder.
	VolatilityBoost float64
	MaxThinkHarder  float64
}

func NewDefaultManager() *DefaultManager {
	return &DefaultManager{VolatilityBoost: 4.0, MaxThinkHarder: 1.8}
}

func (m *DefaultManager) thinkHarder(hist GameHistory) float64 {
	vol := qVolatility(hist.RootQHistory)
	harder := 1 + m.VolatilityBoost*vol
	if harder > m.MaxThinkHarder {
		harder = m.MaxThinkHarder
	}
	return harder
}

func (m *DefaultManager) Allocate(limit SearchLimit, hist GameHistory) MoveAllocation {
	harder := m.thinkHarder(hist)
	switch limit.Kind {
	case NodesPerMove:
		return MoveAllocation{Nodes: limit.Nodes, ThinkHarder: 1}
	case SecondsPerMove:
		return MoveAllocation{
			Duration:    time.Duration(limit.Seconds * float64(time.Second)),
			ThinkHarder: 1,
		}
	case NodesForAllMoves:
		remainingBudget := int64(limit.Nodes) - int64(hist.NodesSpent)
		if remainingBudget <= 0 {
			// Out of budget; the increment is all we have.
			return MoveAllocation{Nodes: maxU64(limit.NodesIncrement, 1), ThinkHarder: harder}
		}
		per := float64(remainingBudget)/expectedRemainingMoves(hist.MovesPlayed) + float64(limit.NodesIncrement)
		alloc := uint64(per * harder)
		if alloc < 1 {
			alloc = 1
		}
		log.Debug().Uint64("alloc", alloc).Float64("thinkHarder", harder).
			Int("movesPlayed", hist.MovesPlayed).Msg("node-budget-allocated")
		return MoveAllocation{Nodes: alloc, ThinkHarder: harder}
	case SecondsForAllGame:
		remaining := limit.Seconds - hist.TimeSpent.Seconds()
		if remaining <= 0 {
			remaining = limit.SecondsIncrement
		}
		per := remaining/expectedRemainingMoves(hist.MovesPlayed) + limit.SecondsIncrement
		d := time.Duration(per * harder * float64(time.Second))
		if d < 10*time.Millisecond {
			d = 10 * time.Millisecond
		}
		return MoveAllocation{Duration: d, ThinkHarder: harder}
	}
	return MoveAllocation{ThinkHarder: 1}
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
