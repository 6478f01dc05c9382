package highvol

import (
	"math"
	"strings"

	"perp-engine/internal/market"
	"perp-engine/internal/venue"
)

// Readiness is the 0-100 admission-to-trigger score: four components of
// 25 points each, plus the tags explaining the number.
type Readiness struct {
	Score float64
	Tags  []string
}

// readinessScore rates how close a squeezed symbol is to breaking out.
func readinessScore(candles []venue.Candle, price float64, btc *market.BTCSnapshot) Readiness {
	var r Readiness

	// Component 1: Bollinger squeeze percentile over the last 100 bars.
	widths := market.BBWidthSeries(candles)
	if n := len(widths); n > 0 {
		window := widths
		if n > 100 {
			window = widths[n-100:]
		}
		cur := widths[len(widths)-1]
		pct := market.PercentileRank(window, cur)
		squeeze := (1 - pct) * 25
		r.Score += squeeze
		if pct <= 0.10 {
			r.Tags = append(r.Tags, "extreme_squeeze")
		} else if pct <= 0.30 {
			r.Tags = append(r.Tags, "squeeze")
		}
	}

	// Component 2: short-term vs mid-term volume. Both a surge (fuel
	// arriving) and a dry-up inside a squeeze (coil winding) score.
	shortVol := meanVolume(candles, 5)
	midVol := meanVolume(candles, 30)
	if midVol > 0 {
		ratio := shortVol / midVol
		switch {
		case ratio >= 2:
			r.Score += 25
			r.Tags = append(r.Tags, "volume_surge")
		case ratio >= 1.3:
			r.Score += 15
			r.Tags = append(r.Tags, "volume_building")
		case ratio <= 0.5:
			r.Score += 12
			r.Tags = append(r.Tags, "volume_dry")
		default:
			r.Score += 5
		}
	}

	// Component 3: distance to the nearest structural level.
	support, resistance := market.SupportResistance(candles, 100)
	if price > 0 && (support > 0 || resistance > 0) {
		dist := math.MaxFloat64
		if support > 0 {
			dist = math.Min(dist, math.Abs(price-support)/price*100)
		}
		if resistance > 0 {
			dist = math.Min(dist, math.Abs(resistance-price)/price*100)
		}
		switch {
		case dist <= 0.5:
			r.Score += 25
			r.Tags = append(r.Tags, "at_level")
		case dist <= 1.5:
			r.Score += 15
		case dist <= 3:
			r.Score += 8
		}
	}

	// Component 4: BTC regime alignment.
	if btc != nil {
		switch btc.Volatility {
		case "normal":
			r.Score += 25
		case "low":
			r.Score += 18
		case "high":
			r.Score += 10
		default: // extreme
			r.Score += 2
		}
		if btc.Action == "caution" {
			r.Score -= 5
		}
	} else {
		r.Score += 12
	}

	r.Score = clamp(r.Score, 0, 100)
	return r
}

// Health re-rates a pool row each tick from five degradation signals.
type Health struct {
	Score float64
	Tags  []string
}

// healthScore starts at 100 and subtracts per degradation signal.
func healthScore(candles []venue.Candle, price, entryPrice, entryBBWidth, entryRSI float64) Health {
	h := Health{Score: 100}

	// Signal 1: Bollinger regime change; the squeeze already resolved.
	if bw := market.BBWidth(candles); entryBBWidth > 0 && bw > 1.5*entryBBWidth {
		h.Score -= 20
		h.Tags = append(h.Tags, "bb_expanded")
	}

	// Signal 2: volume dying.
	if ratio := market.VolumeRatio(candles, 20); ratio < 0.5 {
		h.Score -= 20
		h.Tags = append(h.Tags, "volume_dying")
	}

	// Signal 3: momentum reversal per RSI shift.
	if rsi := market.RSI(candles, 14); math.Abs(rsi-entryRSI) > 15 {
		h.Score -= 20
		h.Tags = append(h.Tags, "momentum_shift")
	}

	// Signal 4: break of the anchoring level.
	support, resistance := market.SupportResistance(candles, 100)
	if (support > 0 && price < support*0.99) || (resistance > 0 && price > resistance*1.03) {
		h.Score -= 25
		h.Tags = append(h.Tags, "level_broken")
	}

	// Signal 5: drift vs pool-entry price.
	if entryPrice > 0 && math.Abs(price-entryPrice)/entryPrice*100 > 3 {
		h.Score -= 20
		h.Tags = append(h.Tags, "price_drifted")
	}

	h.Score = clamp(h.Score, 0, 100)
	return h
}

// precursor reports a breakout precursor that promotes a row to ready.
func precursor(candles []venue.Candle, readiness Readiness) (bool, string) {
	tags := strings.Join(readiness.Tags, ",")
	volRatio := market.VolumeRatio(candles, 20)

	if strings.Contains(tags, "extreme_squeeze") && volRatio >= 2 {
		return true, "extreme_squeeze_volume_surge"
	}
	// BB breach with volume confirms ignition.
	if len(candles) >= 21 {
		widths := market.BBWidthSeries(candles)
		if len(widths) >= 2 && widths[len(widths)-1] > 1.3*widths[len(widths)-2] && volRatio >= 1.5 {
			return true, "bb_breach_with_volume"
		}
	}
	if bullishIgnitionCandle(candles) && volRatio >= 1.5 {
		return true, "ignition_candle"
	}
	// First expansion after a sustained dry squeeze.
	if strings.Contains(tags, "volume_dry") && volRatio >= 1.8 {
		return true, "first_expansion_after_squeeze"
	}
	return false, ""
}

// bullishIgnitionCandle: a full-bodied candle engulfing its predecessor.
func bullishIgnitionCandle(candles []venue.Candle) bool {
	if len(candles) < 2 {
		return false
	}
	cur, prev := candles[len(candles)-1], candles[len(candles)-2]
	body := math.Abs(cur.Close - cur.Open)
	rng := cur.High - cur.Low
	if rng == 0 {
		return false
	}
	return body/rng > 0.7 && body > math.Abs(prev.Close-prev.Open)*1.5
}

// slPctForATR buckets the stop tightness by volatility, hard cap 2%.
func slPctForATR(atrPct float64) float64 {
	switch {
	case atrPct <= 1:
		return 1.2
	case atrPct <= 1.5:
		return 1.4
	case atrPct <= 2:
		return 1.6
	case atrPct <= 2.5:
		return 1.8
	default:
		return 2.0
	}
}

func meanVolume(candles []venue.Candle, n int) float64 {
	if len(candles) < n || n == 0 {
		return 0
	}
	var sum float64
	for _, c := range candles[len(candles)-n:] {
		sum += c.Volume
	}
	return sum / float64(n)
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
