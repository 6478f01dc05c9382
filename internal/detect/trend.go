package detect

import (
	"fmt"
	"math"
	"time"

	"perp-engine/config"
	"perp-engine/internal/market"
	"perp-engine/internal/venue"
)

// TrendDetector anticipates a trend start from an RSI band plus a
// condition count, rather than waiting for the breakout itself.
type TrendDetector struct {
	cfg config.TrendConfig
}

func NewTrendDetector(cfg config.TrendConfig) *TrendDetector {
	return &TrendDetector{cfg: cfg}
}

func (d *TrendDetector) Detect(m market.Metrics, btc *market.BTCSnapshot) (*Candidate, string) {
	var side venue.Side
	switch {
	case m.RSI >= d.cfg.RSILongLow && m.RSI <= d.cfg.RSILongHigh:
		side = venue.SideLong
	case m.RSI >= d.cfg.RSIShortLow && m.RSI <= d.cfg.RSIShortHigh:
		side = venue.SideShort
	default:
		return nil, fmt.Sprintf("rsi %.1f outside bands", m.RSI)
	}

	// BTC kill switch for longs ahead of the condition count.
	if side == venue.SideLong && btc != nil && btc.Change1h < -1 {
		return nil, fmt.Sprintf("btc 1h %.2f%% suppresses longs", btc.Change1h)
	}

	conds := []string{"rsi_band"}

	if decelerating(m.Candles, 5) {
		conds = append(conds, "momentum_decelerating")
	}
	nearLevel := false
	if side == venue.SideLong && m.Support > 0 {
		nearLevel = (m.Price-m.Support)/m.Price*100 < 2
	} else if side == venue.SideShort && m.Resistance > 0 {
		nearLevel = (m.Resistance-m.Price)/m.Price*100 < 2
	}
	if nearLevel {
		conds = append(conds, "near_level")
	}
	btcSupportive := false
	if btc != nil {
		if math.Abs(btc.Change1h) < 0.3 {
			btcSupportive = true
		} else if side == venue.SideLong && btc.Change1h > 0 {
			btcSupportive = true
		} else if side == venue.SideShort && btc.Change1h < 0 {
			btcSupportive = true
		}
	}
	if btcSupportive {
		conds = append(conds, "btc_supportive")
	}
	if m.VolumeRatio >= 1.0 {
		conds = append(conds, "volume_floor")
	}
	if m.ADX >= 22 {
		conds = append(conds, "adx_trend")
	}
	squeeze := m.BBWidth > 0 && m.BBWidth < 0.025
	if squeeze {
		conds = append(conds, "bb_squeeze")
	}
	startup := startupConfirmation(m.Candles, side)
	if startup {
		conds = append(conds, "startup_confirmation")
	}

	if len(conds) < d.cfg.MinConditions {
		return nil, fmt.Sprintf("only %d/%d conditions met", len(conds), d.cfg.MinConditions)
	}

	// Quality filter: fractal dimension marks chop regimes.
	if m.FDI >= d.cfg.MaxFDI {
		return nil, fmt.Sprintf("fdi %.2f marks chop", m.FDI)
	}

	score := d.cfg.BaseScore
	if nearLevel {
		score += 0.15
	}
	score += candlestickBonus(m.Candles, side)       // <= 0.12
	score += volumeStructureBonus(m.Candles)         // <= 0.10
	score += multiTimeframeBonus(m.Candles, side)    // <= 0.15
	if btcSupportive {
		score += 0.10
	}
	extra := len(conds) - d.cfg.MinConditions
	score += math.Min(float64(extra)*0.02, 0.06)
	if squeeze {
		score += 0.05
	}
	if startup {
		score += 0.08
	}
	score += fdiTierBonus(m.FDI) // -0.05 .. +0.08
	if smartMoneyAligned(m.SmartMoney, side) {
		score += 0.06
	}
	score = clampScore(score)

	if score < d.cfg.MinScore {
		return nil, fmt.Sprintf("score %.2f below %.2f", score, d.cfg.MinScore)
	}

	slPrice, tpPrice, slPct := d.trendStops(m, side)

	c := &Candidate{
		Symbol:      m.Symbol,
		Side:        side,
		Kind:        KindTrendAnticipation,
		Score:       score,
		Price:       m.Price,
		RSI:         m.RSI,
		ADX:         m.ADX,
		VolumeRatio: m.VolumeRatio,
		BBWidth:     m.BBWidth,
		ATRPct:      m.ATRPct,
		SLPrice:     slPrice,
		TPPrice:     tpPrice,
		SLPct:       slPct,
		TPPct:       d.cfg.TakeProfitPct,
		Momentum5m:  m.Momentum5m,
		Momentum15m: m.Momentum15m,
		Reasons:     conds,
		Metrics:     m,
		BTC:         btc,
		DetectedAt:  time.Now().UTC(),
	}
	return c, ""
}

// trendStops prefers the structural level plus a 0.5% buffer, clamped by the
// hard max stop. TP is a fixed percent in the signal direction.
func (d *TrendDetector) trendStops(m market.Metrics, side venue.Side) (sl, tp, slPct float64) {
	maxStop := d.cfg.MaxStopPct
	if side == venue.SideLong {
		sl = m.Price * (1 - maxStop/100)
		if m.Support > 0 {
			buffered := m.Support * 0.995
			if buffered > sl {
				sl = buffered
			}
		}
		slPct = (m.Price - sl) / m.Price * 100
		tp = m.Price * (1 + d.cfg.TakeProfitPct/100)
		return sl, tp, slPct
	}
	sl = m.Price * (1 + maxStop/100)
	if m.Resistance > 0 {
		buffered := m.Resistance * 1.005
		if buffered < sl {
			sl = buffered
		}
	}
	slPct = (sl - m.Price) / m.Price * 100
	tp = m.Price * (1 - d.cfg.TakeProfitPct/100)
	return sl, tp, slPct
}

// decelerating reports shrinking per-candle move magnitude over the window.
func decelerating(candles []venue.Candle, window int) bool {
	if len(candles) < window+1 {
		return false
	}
	tail := candles[len(candles)-window-1:]
	shrinking := 0
	for i := 2; i < len(tail); i++ {
		cur := math.Abs(tail[i].Close - tail[i-1].Close)
		prev := math.Abs(tail[i-1].Close - tail[i-2].Close)
		if cur < prev {
			shrinking++
		}
	}
	return shrinking >= (window-1)/2+1
}

// startupConfirmation: current close breaks the last-5 extreme with volume
// above 1.5x the last-5 mean.
func startupConfirmation(candles []venue.Candle, side venue.Side) bool {
	if len(candles) < 6 {
		return false
	}
	cur := candles[len(candles)-1]
	window := candles[len(candles)-6 : len(candles)-1]
	var volSum, hi, lo float64
	hi, lo = -math.MaxFloat64, math.MaxFloat64
	for _, c := range window {
		volSum += c.Volume
		hi = math.Max(hi, c.High)
		lo = math.Min(lo, c.Low)
	}
	volOK := cur.Volume > 1.5*volSum/float64(len(window))
	if side == venue.SideLong {
		return cur.Close > hi && volOK
	}
	return cur.Close < lo && volOK
}

// candlestickBonus rewards a hammer (long) / shooting star (short) or an
// engulfing candle at the tail. Max 0.12.
func candlestickBonus(candles []venue.Candle, side venue.Side) float64 {
	if len(candles) < 2 {
		return 0
	}
	cur := candles[len(candles)-1]
	prev := candles[len(candles)-2]
	body := math.Abs(cur.Close - cur.Open)
	if body == 0 {
		return 0
	}
	upperWick := cur.High - math.Max(cur.Open, cur.Close)
	lowerWick := math.Min(cur.Open, cur.Close) - cur.Low

	var bonus float64
	if side == venue.SideLong {
		if lowerWick > 2*body && upperWick < body {
			bonus += 0.08 // hammer
		}
		if cur.Close > cur.Open && prev.Close < prev.Open &&
			cur.Close > prev.Open && cur.Open < prev.Close {
			bonus += 0.04 // bullish engulfing
		}
	} else {
		if upperWick > 2*body && lowerWick < body {
			bonus += 0.08 // shooting star
		}
		if cur.Close < cur.Open && prev.Close > prev.Open &&
			cur.Close < prev.Open && cur.Open > prev.Close {
			bonus += 0.04 // bearish engulfing
		}
	}
	return math.Min(bonus, 0.12)
}

// volumeStructureBonus rewards rising volume into the move. Max 0.10.
func volumeStructureBonus(candles []venue.Candle) float64 {
	if len(candles) < 10 {
		return 0
	}
	tail := candles[len(candles)-10:]
	var older, newer float64
	for i, c := range tail {
		if i < 5 {
			older += c.Volume
		} else {
			newer += c.Volume
		}
	}
	if older == 0 {
		return 0
	}
	ratio := newer / older
	switch {
	case ratio >= 1.5:
		return 0.10
	case ratio >= 1.2:
		return 0.06
	case ratio >= 1.0:
		return 0.03
	default:
		return 0
	}
}

// multiTimeframeBonus checks momentum agreement over 1m, 5m, 15m and 1h
// horizons approximated from the 1-minute series. Max 0.15.
func multiTimeframeBonus(candles []venue.Candle, side venue.Side) float64 {
	horizons := []struct {
		bars   int
		weight float64
	}{
		{1, 0.02}, {5, 0.04}, {15, 0.04}, {60, 0.05},
	}
	var bonus float64
	for _, h := range horizons {
		mom := market.Momentum(candles, h.bars)
		if side == venue.SideLong && mom > 0 {
			bonus += h.weight
		} else if side == venue.SideShort && mom < 0 {
			bonus += h.weight
		}
	}
	return bonus
}

func fdiTierBonus(fdi float64) float64 {
	switch {
	case fdi <= 1.15:
		return 0.08
	case fdi <= 1.25:
		return 0.05
	case fdi <= 1.35:
		return 0
	default:
		return -0.05
	}
}

func smartMoneyAligned(sm market.SmartMoney, side venue.Side) bool {
	if side == venue.SideLong {
		return sm == market.SmartAccumulation || sm == market.SmartSqueeze
	}
	return sm == market.SmartDistribution || sm == market.SmartLiquidation
}
