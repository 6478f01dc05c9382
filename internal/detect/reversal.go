package detect

import (
	"fmt"
	"math"
	"time"

	"perp-engine/config"
	"perp-engine/internal/market"
	"perp-engine/internal/stops"
	"perp-engine/internal/venue"
)

// ReversalDetector finds RSI-extreme mean-reversion setups.
type ReversalDetector struct {
	cfg config.ReversalConfig
}

func NewReversalDetector(cfg config.ReversalConfig) *ReversalDetector {
	return &ReversalDetector{cfg: cfg}
}

// Detect evaluates one symbol. Returns (nil, reason) when no candidate
// emerges; detectors never raise.
func (d *ReversalDetector) Detect(m market.Metrics, btc *market.BTCSnapshot, sub SubScores) (*Candidate, string) {
	if m.ADX < d.cfg.MinADX && m.VolumeRatio < d.cfg.MinVolumeRatio {
		return nil, fmt.Sprintf("dead market: adx %.1f vol_ratio %.2f", m.ADX, m.VolumeRatio)
	}

	var side venue.Side
	var extreme bool
	switch {
	case m.RSI <= d.cfg.RSILongExtreme:
		side, extreme = venue.SideLong, true
	case m.RSI <= d.cfg.RSILongNormal:
		side = venue.SideLong
	case m.RSI >= d.cfg.RSIShortExtreme:
		side, extreme = venue.SideShort, true
	case m.RSI >= d.cfg.RSIShortNormal:
		side = venue.SideShort
	default:
		return nil, fmt.Sprintf("rsi %.1f not at extreme", m.RSI)
	}

	stillTrending := stillTrending(m.Candles, side)
	weakening := momentumWeakening(m.Candles, side)
	matchingDiv := m.Divergence.Detected && divergenceMatches(m.Divergence.Direction, side)

	if extreme {
		if !weakening && !matchingDiv && m.VolumeRatio <= 1.5 {
			return nil, "extreme rsi without confirmation"
		}
	} else {
		strongDiv := matchingDiv && m.Divergence.Strength > 0.4
		volMomentum := m.VolumeRatio > 2.0 && weakening
		if !strongDiv && !volMomentum {
			return nil, "normal rsi without divergence or volume momentum"
		}
		if stillTrending && !matchingDiv {
			return nil, "still trending without divergence"
		}
	}

	score := d.cfg.BaseScore
	score += d.cfg.SentimentWeight * (orNeutral(sub.Sentiment) - 0.5)
	score += d.cfg.FundingWeight * (orNeutral(sub.Funding) - 0.5)
	score += d.cfg.MacroWeight * (orNeutral(sub.Macro) - 0.5)
	score += d.cfg.OrderbookWeight * (orNeutral(sub.Orderbook) - 0.5)
	score += d.cfg.OIWeight * (orNeutral(sub.OI) - 0.5)
	if sub.HasCorrelation {
		score += sub.CorrelationAdj
	}
	score = clampScore(score)

	adaptive := stops.Compute(m.Symbol, m.Price, m.ATR, side, btc, m.Candles)

	c := &Candidate{
		Symbol:      m.Symbol,
		Side:        side,
		Kind:        KindReversal,
		Score:       score,
		Price:       m.Price,
		RSI:         m.RSI,
		ADX:         m.ADX,
		VolumeRatio: m.VolumeRatio,
		BBWidth:     m.BBWidth,
		ATRPct:      m.ATRPct,
		SLPrice:     adaptive.SLPrice,
		TPPrice:     adaptive.TPPrice,
		SLPct:       adaptive.SLPct,
		TPPct:       adaptive.TPPct,
		ExtremeRSI:  extreme,
		Momentum5m:  m.Momentum5m,
		Momentum15m: m.Momentum15m,
		Stops:       adaptive,
		Metrics:     m,
		BTC:         btc,
		DetectedAt:  time.Now().UTC(),
	}
	if weakening {
		c.Reasons = append(c.Reasons, "momentum_weakening")
	}
	if matchingDiv {
		c.Reasons = append(c.Reasons, "divergence_"+m.Divergence.Direction)
	}
	if extreme {
		c.Reasons = append(c.Reasons, "extreme_rsi")
	}
	return c, ""
}

// stillTrending reports whether price still made a fresh extreme: for a long
// candidate the last 5 candles print a lower low than the previous 5, for a
// short candidate a higher high.
func stillTrending(candles []venue.Candle, side venue.Side) bool {
	if len(candles) < 10 {
		return false
	}
	tail := candles[len(candles)-10:]
	if side == venue.SideLong {
		prevLow, recentLow := math.MaxFloat64, math.MaxFloat64
		for i, c := range tail {
			if i < 5 {
				prevLow = math.Min(prevLow, c.Low)
			} else {
				recentLow = math.Min(recentLow, c.Low)
			}
		}
		return recentLow < prevLow
	}
	prevHigh, recentHigh := -math.MaxFloat64, -math.MaxFloat64
	for i, c := range tail {
		if i < 5 {
			prevHigh = math.Max(prevHigh, c.High)
		} else {
			recentHigh = math.Max(recentHigh, c.High)
		}
	}
	return recentHigh > prevHigh
}

// momentumWeakening looks at the last 6 inter-candle changes, oldest first.
// Of the 5 adjacent comparisons, at least 3 must show the against-direction
// move shrinking in magnitude, and at least 1 of the 2 most recent
// comparisons must.
func momentumWeakening(candles []venue.Candle, side venue.Side) bool {
	if len(candles) < 7 {
		return false
	}
	tail := candles[len(candles)-7:]
	changes := make([]float64, 6)
	for i := 0; i < 6; i++ {
		changes[i] = tail[i+1].Close - tail[i].Close
	}

	against := func(d float64) bool {
		if side == venue.SideLong {
			return d < 0
		}
		return d > 0
	}

	total, recent := 0, 0
	for i := 1; i < len(changes); i++ {
		decaying := against(changes[i-1]) &&
			math.Abs(changes[i]) < math.Abs(changes[i-1])
		if decaying {
			total++
			if i >= len(changes)-2 {
				recent++
			}
		}
	}
	return total >= 3 && recent >= 1
}

func divergenceMatches(direction string, side venue.Side) bool {
	return (side == venue.SideLong && direction == "bullish") ||
		(side == venue.SideShort && direction == "bearish")
}

func orNeutral(v float64) float64 {
	if v == 0 {
		return 0.5
	}
	return v
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
