package highvol

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"perp-engine/internal/market"
	"perp-engine/internal/venue"
)

func TestSLPctForATRBuckets(t *testing.T) {
	cases := []struct {
		atrPct, want float64
	}{
		{0.5, 1.2}, {1.0, 1.2}, {1.2, 1.4}, {1.5, 1.4},
		{1.8, 1.6}, {2.0, 1.6}, {2.3, 1.8}, {2.5, 1.8}, {4.0, 2.0},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, slPctForATR(tc.atrPct), 1e-9, "atr%%=%.1f", tc.atrPct)
	}
}

// steadyCandles builds n flat candles at a price with a constant volume.
func steadyCandles(n int, price, volume float64) []venue.Candle {
	out := make([]venue.Candle, n)
	for i := range out {
		out[i] = venue.Candle{
			Open: price, High: price * 1.002, Low: price * 0.998,
			Close: price, Volume: volume,
		}
	}
	return out
}

func TestReadinessVolumeComponents(t *testing.T) {
	// Recent volume 3x the mid-term mean: surge tag.
	candles := steadyCandles(60, 100, 100)
	for i := len(candles) - 5; i < len(candles); i++ {
		candles[i].Volume = 300
	}
	r := readinessScore(candles, 100, nil)
	assert.Contains(t, r.Tags, "volume_surge")

	// Dry-up: last bars at a fraction of the mid-term mean.
	candles = steadyCandles(60, 100, 100)
	for i := len(candles) - 5; i < len(candles); i++ {
		candles[i].Volume = 30
	}
	r = readinessScore(candles, 100, nil)
	assert.Contains(t, r.Tags, "volume_dry")
}

func TestReadinessBTCRegime(t *testing.T) {
	candles := steadyCandles(60, 100, 100)
	normal := readinessScore(candles, 100, &market.BTCSnapshot{Volatility: "normal", Action: "both"})
	extreme := readinessScore(candles, 100, &market.BTCSnapshot{Volatility: "extreme", Action: "both"})
	assert.Greater(t, normal.Score, extreme.Score)

	caution := readinessScore(candles, 100, &market.BTCSnapshot{Volatility: "normal", Action: "caution"})
	assert.InDelta(t, 5, normal.Score-caution.Score, 1e-9)
}

func TestHealthDegradesOnDrift(t *testing.T) {
	candles := steadyCandles(60, 100, 100)

	fresh := healthScore(candles, 100, 100, market.BBWidth(candles), market.RSI(candles, 14))
	drifted := healthScore(candles, 100, 96, market.BBWidth(candles), market.RSI(candles, 14))
	assert.InDelta(t, 20, fresh.Score-drifted.Score, 1e-9, "drift subtracts 20")
	assert.Contains(t, drifted.Tags, "price_drifted")
	assert.NotContains(t, fresh.Tags, "price_drifted")
}

func TestHealthDegradesOnBBExpansion(t *testing.T) {
	// Wiggly closes give a non-zero band width to compare against.
	candles := steadyCandles(60, 100, 100)
	for i := range candles {
		if i%2 == 0 {
			candles[i].Close = 101
		} else {
			candles[i].Close = 99
		}
	}
	bw := market.BBWidth(candles)
	h := healthScore(candles, 100, 100, bw/2, market.RSI(candles, 14))
	assert.Contains(t, h.Tags, "bb_expanded")
}

func TestPrecursorDrySqueezeExpansion(t *testing.T) {
	// A long dry stretch then a volume pop: the readiness pass tagged the
	// dry-up, and the live ratio confirms first expansion.
	candles := steadyCandles(60, 100, 100)
	for i := len(candles) - 30; i < len(candles)-2; i++ {
		candles[i].Volume = 20
	}
	candles[len(candles)-2].Volume = 200
	candles[len(candles)-1].Volume = 200

	ready := Readiness{Tags: []string{"volume_dry"}}
	ok, tag := precursor(candles, ready)
	assert.True(t, ok)
	assert.NotEmpty(t, tag)
}

func TestBullishIgnitionCandle(t *testing.T) {
	candles := steadyCandles(10, 100, 100)
	// Full-bodied thrust dwarfing the previous body.
	candles[len(candles)-1] = venue.Candle{Open: 100, High: 103.1, Low: 99.9, Close: 103, Volume: 400}
	assert.True(t, bullishIgnitionCandle(candles))

	assert.False(t, bullishIgnitionCandle(steadyCandles(10, 100, 100)))
}

func TestMeanVolume(t *testing.T) {
	candles := steadyCandles(10, 100, 50)
	assert.InDelta(t, 50, meanVolume(candles, 5), 1e-9)
	assert.Zero(t, meanVolume(candles, 20), "window larger than history")
}
