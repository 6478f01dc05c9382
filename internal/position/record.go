package position

import (
	"time"

	"perp-engine/internal/venue"
)

// Strategy tags on a position record.
const (
	StrategyReversal = "reversal"
	StrategyTrend    = "trend"
	StrategyHighVol  = "high_volatility"
	StrategySynced   = "synced"
)

// Record is the supervisor's view of one live position.
// Invariants while the position lives: CurrentSL only moves in the
// favourable direction, Tier never decreases, HighestPnL never decreases.
type Record struct {
	Symbol    string
	Side      venue.Side
	Entry     float64
	Contracts float64

	OriginalSL float64
	OriginalTP float64
	CurrentSL  float64
	CurrentTP  float64

	HighestPrice float64
	HighestPnL   float64 // fraction, e.g. 0.02 = +2%
	Tier         int     // -1 = no tier reached

	BreakevenSet   bool
	TrailingActive bool
	TPExtended     bool
	TPTightened    bool

	LastMomentumCheck time.Time
	LastReview        time.Time

	Strategy string
	PushedID int64 // Emitted signal row updated on exit; 0 when synced
	OpenedAt time.Time
}

// PnLFraction computes the signed favourable fraction at the given price.
func (r *Record) PnLFraction(price float64) float64 {
	if r.Entry == 0 {
		return 0
	}
	if r.Side == venue.SideLong {
		return (price - r.Entry) / r.Entry
	}
	return (r.Entry - price) / r.Entry
}

// improves reports whether candidate SL is favourable progress over current.
func (r *Record) improves(newSL float64) bool {
	if r.CurrentSL == 0 {
		return true
	}
	if r.Side == venue.SideLong {
		return newSL > r.CurrentSL
	}
	return newSL < r.CurrentSL
}
