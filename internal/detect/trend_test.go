package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-engine/config"
	"perp-engine/internal/market"
	"perp-engine/internal/venue"
)

func trendMetricsLong() market.Metrics {
	return market.Metrics{
		Symbol:      "SOL/USDT:USDT",
		Price:       100,
		RSI:         20,
		ADX:         18,
		ATRPct:      2,
		VolumeRatio: 1.2,
		BBWidth:     0.04,
		Support:     99,
		FDI:         1.20,
	}
}

func calmBTC() *market.BTCSnapshot {
	return &market.BTCSnapshot{Change1h: 0.1, Volatility: "normal", Action: "both"}
}

func TestTrendLongEmits(t *testing.T) {
	d := NewTrendDetector(config.Default().Detect.Trend)
	cand, reason := d.Detect(trendMetricsLong(), calmBTC())
	require.NotNil(t, cand, reason)
	assert.Equal(t, KindTrendAnticipation, cand.Kind)
	assert.Equal(t, venue.SideLong, cand.Side)
	assert.Contains(t, cand.Reasons, "rsi_band")
	assert.Contains(t, cand.Reasons, "near_level")
	assert.Contains(t, cand.Reasons, "btc_supportive")
	assert.Contains(t, cand.Reasons, "volume_floor")
	// base 0.55 + near_level 0.15 + btc 0.10 + 1 extra cond 0.02 + fdi tier 0.05
	assert.InDelta(t, 0.87, cand.Score, 1e-9)
}

func TestTrendStopsPreferStructuralLevel(t *testing.T) {
	d := NewTrendDetector(config.Default().Detect.Trend)
	cand, _ := d.Detect(trendMetricsLong(), calmBTC())
	require.NotNil(t, cand)
	// Support 99 with a 0.5% buffer beats the hard 2% floor.
	assert.InDelta(t, 99*0.995, cand.SLPrice, 1e-9)
	assert.InDelta(t, 106, cand.TPPrice, 1e-9)
	assert.Less(t, cand.SLPct, 2.0)
}

func TestTrendStopsCappedAtMaxStop(t *testing.T) {
	d := NewTrendDetector(config.Default().Detect.Trend)
	m := trendMetricsLong()
	m.Support = 90 // far level cannot widen the stop past the cap
	cand, _ := d.Detect(m, calmBTC())
	require.NotNil(t, cand)
	assert.InDelta(t, 98, cand.SLPrice, 1e-9)
	assert.InDelta(t, 2.0, cand.SLPct, 1e-9)
}

func TestTrendBTCKillSwitchForLongs(t *testing.T) {
	d := NewTrendDetector(config.Default().Detect.Trend)
	btc := calmBTC()
	btc.Change1h = -1.5
	cand, reason := d.Detect(trendMetricsLong(), btc)
	assert.Nil(t, cand)
	assert.Contains(t, reason, "suppresses longs")
}

func TestTrendRSIOutsideBands(t *testing.T) {
	d := NewTrendDetector(config.Default().Detect.Trend)
	m := trendMetricsLong()
	m.RSI = 50
	cand, reason := d.Detect(m, calmBTC())
	assert.Nil(t, cand)
	assert.Contains(t, reason, "outside bands")
}

func TestTrendMinConditions(t *testing.T) {
	d := NewTrendDetector(config.Default().Detect.Trend)
	m := trendMetricsLong()
	m.Support = 0
	m.VolumeRatio = 0.5
	cand, reason := d.Detect(m, calmBTC())
	assert.Nil(t, cand)
	assert.Contains(t, reason, "conditions met")
}

func TestTrendFDIChopFilter(t *testing.T) {
	d := NewTrendDetector(config.Default().Detect.Trend)
	m := trendMetricsLong()
	m.FDI = 1.50
	cand, reason := d.Detect(m, calmBTC())
	assert.Nil(t, cand)
	assert.Contains(t, reason, "chop")
}

func TestTrendShortSide(t *testing.T) {
	d := NewTrendDetector(config.Default().Detect.Trend)
	m := market.Metrics{
		Symbol:      "DOGE/USDT:USDT",
		Price:       100,
		RSI:         80,
		ATRPct:      2,
		VolumeRatio: 1.1,
		Resistance:  101,
		FDI:         1.10,
	}
	btc := calmBTC()
	btc.Change1h = -0.5
	cand, reason := d.Detect(m, btc)
	require.NotNil(t, cand, reason)
	assert.Equal(t, venue.SideShort, cand.Side)
	assert.InDelta(t, 101*1.005, cand.SLPrice, 1e-9)
	assert.InDelta(t, 94, cand.TPPrice, 1e-9)
}

func TestTrendSmartMoneyBonusFlipsEmit(t *testing.T) {
	d := NewTrendDetector(config.Default().Detect.Trend)

	// Without a structural level the score rests at 0.70: base 0.55 +
	// btc 0.10 + fdi tier 0.05, under the emission floor.
	m := trendMetricsLong()
	m.Support = 0
	cand, reason := d.Detect(m, calmBTC())
	require.Nil(t, cand)
	assert.Contains(t, reason, "score 0.70")

	// Aligned accumulation flow adds 0.06 and clears the floor.
	m.SmartMoney = market.SmartAccumulation
	cand, reason = d.Detect(m, calmBTC())
	require.NotNil(t, cand, reason)
	assert.InDelta(t, 0.76, cand.Score, 1e-9)

	// Opposing flow contributes nothing for a long.
	m.SmartMoney = market.SmartDistribution
	cand, _ = d.Detect(m, calmBTC())
	assert.Nil(t, cand)
}

func TestFDITierBonus(t *testing.T) {
	assert.InDelta(t, 0.08, fdiTierBonus(1.10), 1e-9)
	assert.InDelta(t, 0.05, fdiTierBonus(1.25), 1e-9)
	assert.InDelta(t, 0.0, fdiTierBonus(1.30), 1e-9)
	assert.InDelta(t, -0.05, fdiTierBonus(1.40), 1e-9)
}
