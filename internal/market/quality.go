package market

import (
	"math"

	"perp-engine/internal/venue"
)

// Quality metrics not covered by the indicator library. All pure functions.

// CVD returns the cumulative volume delta over the candles: volume counts
// positive on up candles and negative on down candles.
func CVD(candles []venue.Candle) float64 {
	var cvd float64
	for _, c := range candles {
		if c.Close >= c.Open {
			cvd += c.Volume
		} else {
			cvd -= c.Volume
		}
	}
	return cvd
}

// CVDDivergence describes price moving against cumulative volume delta.
type CVDDivergence struct {
	Detected     bool    `json:"detected"`
	Direction    string  `json:"direction"` // bullish, bearish
	Strength     float64 `json:"strength"`  // 0-100
	PriceChange  float64 `json:"price_change"`  // percent over window
	CVDChange    float64 `json:"cvd_change"`    // normalised percent
	FakeBreakout bool    `json:"fake_breakout"` // price >= 3% against CVD >= 10
}

// DetectCVDDivergence compares the signed price move to the signed CVD move
// over the last window bars (typically 20).
func DetectCVDDivergence(candles []venue.Candle, window int) CVDDivergence {
	var out CVDDivergence
	if len(candles) < window || window < 2 {
		return out
	}
	tail := candles[len(candles)-window:]
	first, lastC := tail[0], tail[len(tail)-1]
	if first.Close == 0 {
		return out
	}
	out.PriceChange = (lastC.Close - first.Close) / first.Close * 100

	cvd := CVD(tail)
	var totalVol float64
	for _, c := range tail {
		totalVol += c.Volume
	}
	if totalVol > 0 {
		out.CVDChange = cvd / totalVol * 100
	}

	// Divergence: price and flow disagree in sign.
	if out.PriceChange > 0 && out.CVDChange < 0 {
		out.Detected = true
		out.Direction = "bearish"
	} else if out.PriceChange < 0 && out.CVDChange > 0 {
		out.Detected = true
		out.Direction = "bullish"
	}
	if out.Detected {
		out.Strength = math.Min(math.Abs(out.CVDChange)*2+math.Abs(out.PriceChange)*5, 100)
		if math.Abs(out.PriceChange) >= 3 && math.Abs(out.CVDChange) >= 10 {
			out.FakeBreakout = true
		}
	}
	return out
}

// EfficiencyRatio is |net move| / sum |per-bar moves| over the window.
// Near 1 means a clean trend, near 0 pure chop.
func EfficiencyRatio(candles []venue.Candle, window int) float64 {
	if len(candles) < window+1 || window < 1 {
		return 0
	}
	tail := candles[len(candles)-window-1:]
	net := math.Abs(tail[len(tail)-1].Close - tail[0].Close)
	var path float64
	for i := 1; i < len(tail); i++ {
		path += math.Abs(tail[i].Close - tail[i-1].Close)
	}
	if path == 0 {
		return 0
	}
	return net / path
}

// FDI computes the fractal dimension index over the window (typically 30).
// ~1.0 means trending, ~1.5 noisy; values >= 1.45 are treated as chop.
func FDI(candles []venue.Candle, window int) float64 {
	if len(candles) < window || window < 3 {
		return 1.5
	}
	tail := closes(candles[len(candles)-window:])
	hi, lo := tail[0], tail[0]
	for _, v := range tail {
		hi = math.Max(hi, v)
		lo = math.Min(lo, v)
	}
	span := hi - lo
	if span == 0 {
		return 1.5
	}
	var length float64
	for i := 1; i < len(tail); i++ {
		dx := 1.0 / float64(window-1)
		dy := (tail[i] - tail[i-1]) / span
		length += math.Sqrt(dx*dx + dy*dy)
	}
	if length <= 1 {
		return 1.5
	}
	fdi := 1 + (math.Log(length)+math.Log(2))/math.Log(2*float64(window-1))
	return clampF(fdi, 1.0, 1.9)
}

// Hurst estimates the Hurst exponent by rescaled-range over split windows.
// >0.5 persistent, <0.5 mean-reverting.
func Hurst(candles []venue.Candle, window int) float64 {
	if len(candles) < window || window < 16 {
		return 0.5
	}
	series := closes(candles[len(candles)-window:])
	returns := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		if series[i-1] != 0 {
			returns = append(returns, (series[i]-series[i-1])/series[i-1])
		}
	}
	if len(returns) < 8 {
		return 0.5
	}

	// R/S over two scales; slope of log(R/S) vs log(n) approximates H.
	half := len(returns) / 2
	rs1 := rescaledRange(returns[:half])
	rs2 := rescaledRange(returns)
	if rs1 <= 0 || rs2 <= 0 {
		return 0.5
	}
	h := math.Log(rs2/rs1) / math.Log(float64(len(returns))/float64(half))
	return clampF(h, 0, 1)
}

func rescaledRange(returns []float64) float64 {
	n := len(returns)
	if n == 0 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)

	var cum, minC, maxC, variance float64
	for _, r := range returns {
		cum += r - mean
		minC = math.Min(minC, cum)
		maxC = math.Max(maxC, cum)
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(n))
	if std == 0 {
		return 0
	}
	return (maxC - minC) / std
}

// Divergence is an RSI-vs-price swing disagreement over a window.
type Divergence struct {
	Detected  bool    `json:"detected"`
	Direction string  `json:"direction"` // bullish, bearish
	Strength  float64 `json:"strength"`  // 0-1
}

// DetectDivergence compares the last two price swing extremes against the
// RSI values at those bars.
func DetectDivergence(candles []venue.Candle, rsiPeriod int) Divergence {
	var out Divergence
	if len(candles) < rsiPeriod+12 {
		return out
	}
	closePrices := closes(candles)
	rsiSeries := rsiAll(closePrices, rsiPeriod)

	// Compare the most recent 5-bar extreme against the prior 5-bar extreme.
	n := len(candles)
	recentLo, recentLoIdx := minOver(closePrices, n-5, n)
	priorLo, priorLoIdx := minOver(closePrices, n-10, n-5)
	recentHi, recentHiIdx := maxOver(closePrices, n-5, n)
	priorHi, priorHiIdx := maxOver(closePrices, n-10, n-5)

	// Bullish: lower price low, higher RSI low.
	if recentLo < priorLo && rsiSeries[recentLoIdx] > rsiSeries[priorLoIdx] {
		out.Detected = true
		out.Direction = "bullish"
		out.Strength = clampF((rsiSeries[recentLoIdx]-rsiSeries[priorLoIdx])/20, 0, 1)
		return out
	}
	// Bearish: higher price high, lower RSI high.
	if recentHi > priorHi && rsiSeries[recentHiIdx] < rsiSeries[priorHiIdx] {
		out.Detected = true
		out.Direction = "bearish"
		out.Strength = clampF((rsiSeries[priorHiIdx]-rsiSeries[recentHiIdx])/20, 0, 1)
	}
	return out
}

func rsiAll(closePrices []float64, period int) []float64 {
	out := make([]float64, len(closePrices))
	if len(closePrices) <= period {
		for i := range out {
			out[i] = 50
		}
		return out
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closePrices[i] - closePrices[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain, avgLoss := gain/float64(period), loss/float64(period)
	for i := range out {
		if i <= period {
			out[i] = 50
			continue
		}
		d := closePrices[i] - closePrices[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		if avgLoss == 0 {
			out[i] = 100
		} else {
			rs := avgGain / avgLoss
			out[i] = 100 - 100/(1+rs)
		}
	}
	return out
}

func minOver(v []float64, from, to int) (float64, int) {
	best, idx := math.MaxFloat64, from
	for i := from; i < to && i < len(v); i++ {
		if i >= 0 && v[i] < best {
			best, idx = v[i], i
		}
	}
	return best, idx
}

func maxOver(v []float64, from, to int) (float64, int) {
	best, idx := -math.MaxFloat64, from
	for i := from; i < to && i < len(v); i++ {
		if i >= 0 && v[i] > best {
			best, idx = v[i], i
		}
	}
	return best, idx
}

// SmartMoney classifies (price change, OI change, volume ratio) into the
// standard flow interpretations.
type SmartMoney string

const (
	SmartAccumulation SmartMoney = "accumulation"
	SmartDistribution SmartMoney = "distribution"
	SmartSqueeze      SmartMoney = "squeeze"
	SmartLiquidation  SmartMoney = "liquidation"
	SmartNeutral      SmartMoney = "neutral"
)

// ClassifySmartMoney interprets the flow triple.
func ClassifySmartMoney(priceChangePct, oiChangePct, volumeRatio float64) SmartMoney {
	if volumeRatio < 1.2 {
		return SmartNeutral
	}
	switch {
	case priceChangePct > 0.3 && oiChangePct > 1:
		return SmartAccumulation
	case priceChangePct < -0.3 && oiChangePct > 1:
		return SmartDistribution
	case priceChangePct > 0.3 && oiChangePct < -1:
		return SmartSqueeze
	case priceChangePct < -0.3 && oiChangePct < -1:
		return SmartLiquidation
	default:
		return SmartNeutral
	}
}

// BreakoutQuality is the combined CVD / efficiency / Hurst bundle computed
// in one pass for the high-volatility track.
type BreakoutQuality struct {
	CVD          CVDDivergence `json:"cvd"`
	Efficiency   float64       `json:"efficiency"`
	Hurst        float64       `json:"hurst"`
	Score        float64       `json:"score"` // 0-100
	FakeBreakout bool          `json:"fake_breakout"`
}

// AssessBreakout computes the quality bundle over the candle history.
func AssessBreakout(candles []venue.Candle) BreakoutQuality {
	q := BreakoutQuality{
		CVD:        DetectCVDDivergence(candles, 20),
		Efficiency: EfficiencyRatio(candles, 20),
		Hurst:      Hurst(candles, 64),
	}
	score := q.Efficiency * 40
	if q.Hurst > 0.5 {
		score += (q.Hurst - 0.5) * 80
	}
	if !q.CVD.Detected {
		score += 30
	} else {
		score += math.Max(0, 30-q.CVD.Strength/3)
	}
	q.Score = clampF(score, 0, 100)
	q.FakeBreakout = q.CVD.FakeBreakout
	return q
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
