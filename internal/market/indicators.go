package market

import (
	"math"

	talib "github.com/markcheno/go-talib"

	"perp-engine/internal/venue"
)

// Thin wrappers over go-talib operating on venue candles. Each returns the
// latest value; callers needing series use the split helpers below.

func closes(candles []venue.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func highs(candles []venue.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

func lows(candles []venue.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}

func volumes(candles []venue.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

func last(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			return series[i]
		}
	}
	return 0
}

// RSI returns the latest 14-period (or given period) RSI, 50 when short.
func RSI(candles []venue.Candle, period int) float64 {
	if len(candles) <= period {
		return 50
	}
	return last(talib.Rsi(closes(candles), period))
}

// ADX returns the latest average directional index.
func ADX(candles []venue.Candle, period int) float64 {
	if len(candles) <= period*2 {
		return 0
	}
	return last(talib.Adx(highs(candles), lows(candles), closes(candles), period))
}

// ATR returns the latest average true range.
func ATR(candles []venue.Candle, period int) float64 {
	if len(candles) <= period {
		return 0
	}
	return last(talib.Atr(highs(candles), lows(candles), closes(candles), period))
}

// MACDCross reports the latest histogram polarity flip: +1 bullish cross,
// -1 bearish cross, 0 none.
func MACDCross(candles []venue.Candle) int {
	if len(candles) < 40 {
		return 0
	}
	_, _, hist := talib.Macd(closes(candles), 12, 26, 9)
	if len(hist) < 2 {
		return 0
	}
	prev, cur := hist[len(hist)-2], hist[len(hist)-1]
	switch {
	case prev <= 0 && cur > 0:
		return 1
	case prev >= 0 && cur < 0:
		return -1
	default:
		return 0
	}
}

// BBWidth returns (upper-lower)/middle of a 20-bar 2-sigma Bollinger band.
func BBWidth(candles []venue.Candle) float64 {
	if len(candles) < 21 {
		return 0
	}
	upper, middle, lower := talib.BBands(closes(candles), 20, 2, 2, talib.SMA)
	u, m, l := last(upper), last(middle), last(lower)
	if m == 0 {
		return 0
	}
	return (u - l) / m
}

// BBWidthSeries returns the rolling Bollinger width for percentile ranking.
func BBWidthSeries(candles []venue.Candle) []float64 {
	if len(candles) < 21 {
		return nil
	}
	upper, middle, lower := talib.BBands(closes(candles), 20, 2, 2, talib.SMA)
	out := make([]float64, 0, len(middle))
	for i := range middle {
		if middle[i] == 0 || math.IsNaN(middle[i]) {
			continue
		}
		out = append(out, (upper[i]-lower[i])/middle[i])
	}
	return out
}

// VolumeRatio compares the latest volume to the trailing mean over period.
func VolumeRatio(candles []venue.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 1
	}
	recent := candles[len(candles)-1].Volume
	window := candles[len(candles)-1-period : len(candles)-1]
	var sum float64
	for _, c := range window {
		sum += c.Volume
	}
	mean := sum / float64(period)
	if mean == 0 {
		return 1
	}
	return recent / mean
}

// Momentum returns the percent price change over the last n candles.
func Momentum(candles []venue.Candle, n int) float64 {
	if len(candles) <= n {
		return 0
	}
	prev := candles[len(candles)-1-n].Close
	if prev == 0 {
		return 0
	}
	return (candles[len(candles)-1].Close - prev) / prev * 100
}

// SupportResistance returns the 20th-percentile low and 80th-percentile high
// over the last window candles (at most 100).
func SupportResistance(candles []venue.Candle, window int) (support, resistance float64) {
	if window > 100 {
		window = 100
	}
	if len(candles) < window {
		window = len(candles)
	}
	if window == 0 {
		return 0, 0
	}
	tail := candles[len(candles)-window:]
	lo := append([]float64(nil), lows(tail)...)
	hi := append([]float64(nil), highs(tail)...)
	sortFloats(lo)
	sortFloats(hi)
	support = percentile(lo, 0.20)
	resistance = percentile(hi, 0.80)
	return support, resistance
}

func sortFloats(v []float64) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j] < v[j-1]; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// PercentileRank returns the fraction of values <= x.
func PercentileRank(values []float64, x float64) float64 {
	if len(values) == 0 {
		return 0.5
	}
	count := 0
	for _, v := range values {
		if v <= x {
			count++
		}
	}
	return float64(count) / float64(len(values))
}
