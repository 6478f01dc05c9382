package stops

import (
	"perp-engine/internal/market"
	"perp-engine/internal/venue"
)

// Category buckets a symbol by ATR% of price.
type Category string

const (
	UltraStable Category = "ultra_stable" // < 1.5%
	Stable      Category = "stable"       // < 3%
	Normal      Category = "normal"       // < 5%
	Volatile    Category = "volatile"     // < 8%
	Extreme     Category = "extreme"      // >= 8%
)

// Result is the adaptive stop recommendation.
type Result struct {
	Category    Category `json:"category"`
	SLPct       float64  `json:"sl_pct"`
	TPPct       float64  `json:"tp_pct"`
	SLPrice     float64  `json:"sl_price"`
	TPPrice     float64  `json:"tp_price"`
	MaxLeverage int      `json:"max_leverage"`
	RiskReward  float64  `json:"risk_reward"`
	Adjustments []string `json:"adjustments"`
}

const (
	minSLPct = 0.8
	maxSLPct = 20.0
	minTPPct = 1.5
	maxTPPct = 50.0
	minRR    = 1.8
)

// Compute returns adaptive SL/TP for a candidate. Pure function: the same
// inputs always produce the same stops.
func Compute(symbol string, price, atr float64, side venue.Side, btc *market.BTCSnapshot, candles []venue.Candle) Result {
	res := Result{}
	if price <= 0 {
		return res
	}
	atrPct := atr / price * 100

	// Boundary semantics: exactly 1.5 lands in the next bucket.
	var slMult, tpMult float64
	var maxLev int
	switch {
	case atrPct < 1.5:
		res.Category, slMult, tpMult, maxLev = UltraStable, 2, 4, 20
	case atrPct < 3:
		res.Category, slMult, tpMult, maxLev = Stable, 2.5, 5, 15
	case atrPct < 5:
		res.Category, slMult, tpMult, maxLev = Normal, 3, 6, 10
	case atrPct < 8:
		res.Category, slMult, tpMult, maxLev = Volatile, 3.5, 7, 5
	default:
		res.Category, slMult, tpMult, maxLev = Extreme, 4, 8, 3
	}
	res.MaxLeverage = maxLev

	slPct := atrPct * slMult
	tpPct := atrPct * tpMult

	if btc != nil {
		switch btc.Volatility {
		case "extreme":
			slPct *= 1.5
			tpPct *= 0.8
			res.Adjustments = append(res.Adjustments, "btc_vol_extreme")
		case "high":
			slPct *= 1.3
			tpPct *= 0.9
			res.Adjustments = append(res.Adjustments, "btc_vol_high")
		case "low":
			slPct *= 0.8
			res.Adjustments = append(res.Adjustments, "btc_vol_low")
		}
		if btc.Action == "short_only" || btc.Action == "long_only" {
			// Crash/moon regime widens stops further.
			slPct *= 1.2
			res.Adjustments = append(res.Adjustments, "btc_directional")
		}
	}

	slPct = clamp(slPct, minSLPct, maxSLPct)
	tpPct = clamp(tpPct, minTPPct, maxTPPct)

	// Enforce risk/reward >= 1.8: push TP up first, then pull SL in.
	if tpPct/slPct < minRR {
		tpPct = slPct * minRR
		if tpPct > maxTPPct {
			tpPct = maxTPPct
			slPct = tpPct / minRR
		}
		res.Adjustments = append(res.Adjustments, "rr_repair")
	}

	slPrice, tpPrice := prices(price, slPct, tpPct, side)

	// Support/resistance snap: when the stop crosses the S/R level by
	// more than 2%, snap to S/R +/- 2% if still inside the clamp.
	if len(candles) > 0 {
		support, resistance := market.SupportResistance(candles, 100)
		if side == venue.SideLong && support > 0 && slPrice < support*0.98 {
			snapped := support * 0.98
			snappedPct := (price - snapped) / price * 100
			if snappedPct >= minSLPct && snappedPct <= maxSLPct {
				slPct = snappedPct
				slPrice = snapped
				res.Adjustments = append(res.Adjustments, "sl_snap_support")
			}
		}
		if side == venue.SideShort && resistance > 0 && slPrice > resistance*1.02 {
			snapped := resistance * 1.02
			snappedPct := (snapped - price) / price * 100
			if snappedPct >= minSLPct && snappedPct <= maxSLPct {
				slPct = snappedPct
				slPrice = snapped
				res.Adjustments = append(res.Adjustments, "sl_snap_resistance")
			}
		}
	}

	res.SLPct = slPct
	res.TPPct = tpPct
	res.SLPrice = slPrice
	res.TPPrice = tpPrice
	res.RiskReward = tpPct / slPct
	return res
}

func prices(price, slPct, tpPct float64, side venue.Side) (sl, tp float64) {
	if side == venue.SideLong {
		return price * (1 - slPct/100), price * (1 + tpPct/100)
	}
	return price * (1 + slPct/100), price * (1 - tpPct/100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
