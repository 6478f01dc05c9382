package watch

import (
	"fmt"

	"perp-engine/config"
	"perp-engine/internal/market"
	"perp-engine/internal/store"
	"perp-engine/internal/venue"
)

// Decision is the timing gate verdict for one watch row tick.
type Decision int

const (
	Wait Decision = iota
	Yes
	Abandon
)

func (d Decision) String() string {
	switch d {
	case Yes:
		return "YES"
	case Abandon:
		return "ABANDON"
	default:
		return "WAIT"
	}
}

// GateInput is the live state the timing gate evaluates against a row.
type GateInput struct {
	Price  float64
	RSI    float64
	ATRPct float64
	BTC    *market.BTCSnapshot
}

// volMultiplier scales the price thresholds by current volatility.
// Trend-anticipation rows are exempt: their thresholds are structural.
func volMultiplier(atrPct float64) float64 {
	switch {
	case atrPct < 1.5:
		return 0.8
	case atrPct < 2.5:
		return 1.0
	case atrPct < 3.5:
		return 1.5
	default:
		return 2.0
	}
}

// TimingGate runs the fast deterministic rules for one tick. Pure function.
func TimingGate(cfg config.WatchConfig, row store.WatchRow, in GateInput) (Decision, string) {
	if row.Price <= 0 || in.Price <= 0 {
		return Wait, "no price"
	}
	long := venue.Side(row.Side) == venue.SideLong

	// Signed move with the signal direction, percent.
	withMove := (in.Price - row.Price) / row.Price * 100
	if !long {
		withMove = -withMove
	}
	againstMove := -withMove

	abandonPct, missPct := cfg.PriceAbandonPct, cfg.PriceMissPct
	if row.Kind != "trend_anticipation" {
		mult := volMultiplier(in.ATRPct)
		abandonPct *= mult
		missPct *= mult
		if row.Extreme {
			abandonPct *= 1.5
			missPct *= 1.5
		}
	}

	if row.Kind == "trend_anticipation" {
		if in.BTC != nil {
			if long && in.BTC.Change1h < -1 {
				return Abandon, fmt.Sprintf("btc reversed %.2f%% against long", in.BTC.Change1h)
			}
			if !long && in.BTC.Change1h > 1 {
				return Abandon, fmt.Sprintf("btc reversed %.2f%% against short", in.BTC.Change1h)
			}
		}
		if againstMove > abandonPct {
			return Abandon, fmt.Sprintf("moved %.2f%% against signal", againstMove)
		}
		if withMove > missPct {
			return Abandon, fmt.Sprintf("entry missed, moved %.2f%% with signal", withMove)
		}
		// RSI sanity: the anticipated start already ran without us.
		if long && in.RSI > 75 {
			return Abandon, fmt.Sprintf("rsi %.1f past long sanity", in.RSI)
		}
		if !long && in.RSI < 25 {
			return Abandon, fmt.Sprintf("rsi %.1f past short sanity", in.RSI)
		}
		return Yes, "conditions hold"
	}

	// Reversal rows.
	if againstMove > abandonPct {
		return Abandon, fmt.Sprintf("moved %.2f%% against signal", againstMove)
	}
	if withMove > missPct {
		return Abandon, fmt.Sprintf("entry missed, moved %.2f%% with signal", withMove)
	}
	recoverLong, recoverShort := cfg.RSIRecoverLong, cfg.RSIRecoverShort
	if row.Extreme {
		recoverLong += 10
		recoverShort -= 10
	}
	if long && in.RSI > recoverLong {
		return Abandon, fmt.Sprintf("rsi recovered to %.1f", in.RSI)
	}
	if !long && in.RSI < recoverShort {
		return Abandon, fmt.Sprintf("rsi recovered to %.1f", in.RSI)
	}

	// Still knifing deeper: wait for the move to stall before pricing.
	if long && in.RSI < row.RSI-2 && in.Price < row.Price {
		return Wait, "still falling"
	}
	if !long && in.RSI > row.RSI+2 && in.Price > row.Price {
		return Wait, "still rising"
	}
	return Yes, "move stabilising"
}
