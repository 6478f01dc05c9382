package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-engine/config"
	"perp-engine/internal/market"
	"perp-engine/internal/venue"
)

// fallingDecay builds a down series whose per-candle drop shrinks every bar,
// the canonical momentum-weakening shape for a long candidate.
func fallingDecay() []venue.Candle {
	closes := []float64{120, 115, 111, 108, 106, 105, 104.5, 104.2, 104.05, 104, 103.98, 103.97}
	out := make([]venue.Candle, len(closes))
	for i, c := range closes {
		out[i] = venue.Candle{Open: c + 0.5, High: c + 1, Low: c - 0.5, Close: c, Volume: 100}
	}
	return out
}

func flatCandles(n int) []venue.Candle {
	out := make([]venue.Candle, n)
	for i := range out {
		out[i] = venue.Candle{Open: 100, High: 100.5, Low: 99.5, Close: 100, Volume: 100}
	}
	return out
}

func baseMetrics() market.Metrics {
	return market.Metrics{
		Symbol:      "SOL/USDT:USDT",
		Price:       100,
		RSI:         20,
		ADX:         27,
		ATR:         2,
		ATRPct:      2,
		VolumeRatio: 2.4,
		BBWidth:     0.03,
		Candles:     fallingDecay(),
		Divergence:  market.Divergence{Detected: true, Direction: "bullish", Strength: 0.5},
	}
}

func TestReversalRSIBoundary(t *testing.T) {
	d := NewReversalDetector(config.Default().Detect.Reversal)

	m := baseMetrics()
	cand, reason := d.Detect(m, nil, Neutral())
	require.NotNil(t, cand, reason)
	assert.Equal(t, venue.SideLong, cand.Side)
	assert.Equal(t, KindReversal, cand.Kind)
	assert.False(t, cand.ExtremeRSI)

	m.RSI = 20.01
	cand, reason = d.Detect(m, nil, Neutral())
	assert.Nil(t, cand)
	assert.Contains(t, reason, "not at extreme")
}

func TestReversalDeadMarketGate(t *testing.T) {
	d := NewReversalDetector(config.Default().Detect.Reversal)
	m := baseMetrics()
	m.ADX = 10
	m.VolumeRatio = 1.0
	cand, reason := d.Detect(m, nil, Neutral())
	assert.Nil(t, cand)
	assert.Contains(t, reason, "dead market")
}

func TestReversalExtremeNeedsConfirmation(t *testing.T) {
	d := NewReversalDetector(config.Default().Detect.Reversal)
	m := baseMetrics()
	m.RSI = 14
	m.VolumeRatio = 1.2
	m.Divergence = market.Divergence{}
	m.Candles = flatCandles(12)
	cand, reason := d.Detect(m, nil, Neutral())
	require.Nil(t, cand)
	assert.Contains(t, reason, "without confirmation")

	// Volume surge alone confirms an extreme reading.
	m.VolumeRatio = 1.6
	cand, _ = d.Detect(m, nil, Neutral())
	require.NotNil(t, cand)
	assert.True(t, cand.ExtremeRSI)
	assert.Contains(t, cand.Reasons, "extreme_rsi")
}

func TestReversalNormalNeedsDivergenceOrVolumeMomentum(t *testing.T) {
	d := NewReversalDetector(config.Default().Detect.Reversal)
	m := baseMetrics()
	m.Divergence = market.Divergence{}
	m.VolumeRatio = 1.8 // below the 2.0 volume-momentum bar
	cand, reason := d.Detect(m, nil, Neutral())
	require.Nil(t, cand)
	assert.Contains(t, reason, "without divergence or volume momentum")

	// Weakening momentum plus a volume surge substitutes for divergence,
	// unless price is still printing fresh lows.
	m.VolumeRatio = 2.2
	cand, reason = d.Detect(m, nil, Neutral())
	assert.Nil(t, cand)
	assert.Contains(t, reason, "still trending")
}

func TestReversalScoreNeutralSubScores(t *testing.T) {
	d := NewReversalDetector(config.Default().Detect.Reversal)
	cand, _ := d.Detect(baseMetrics(), nil, Neutral())
	require.NotNil(t, cand)
	assert.InDelta(t, 0.75, cand.Score, 1e-9)
	assert.Greater(t, cand.SLPrice, 0.0)
	assert.Greater(t, cand.TPPrice, cand.Price)
}

func TestReversalSubScoresShiftScore(t *testing.T) {
	d := NewReversalDetector(config.Default().Detect.Reversal)
	sub := Neutral()
	sub.Funding = 0.9 // strongly supportive funding
	cand, _ := d.Detect(baseMetrics(), nil, sub)
	require.NotNil(t, cand)
	assert.InDelta(t, 0.75+0.10*0.4, cand.Score, 1e-9)

	sub = Neutral()
	sub.HasCorrelation = true
	sub.CorrelationAdj = -0.08
	cand, _ = d.Detect(baseMetrics(), nil, sub)
	require.NotNil(t, cand)
	assert.InDelta(t, 0.67, cand.Score, 1e-9)
}

func TestMomentumWeakening(t *testing.T) {
	assert.True(t, momentumWeakening(fallingDecay(), venue.SideLong))
	assert.False(t, momentumWeakening(fallingDecay(), venue.SideShort))
	assert.False(t, momentumWeakening(flatCandles(12), venue.SideLong))
	assert.False(t, momentumWeakening(fallingDecay()[:6], venue.SideLong), "needs 7 candles")
}

func TestStillTrending(t *testing.T) {
	assert.True(t, stillTrending(fallingDecay(), venue.SideLong), "fresh lows keep printing")
	assert.False(t, stillTrending(flatCandles(12), venue.SideLong))
}
