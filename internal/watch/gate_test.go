package watch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"perp-engine/config"
	"perp-engine/internal/market"
	"perp-engine/internal/store"
)

func watchCfg() config.WatchConfig { return config.Default().Watch }

func reversalRow() store.WatchRow {
	return store.WatchRow{
		Symbol: "SOL/USDT:USDT", Side: "long", Kind: "reversal",
		Price: 100, RSI: 18,
	}
}

func trendRow() store.WatchRow {
	return store.WatchRow{
		Symbol: "SOL/USDT:USDT", Side: "long", Kind: "trend_anticipation",
		Price: 100, RSI: 20,
	}
}

func TestVolMultiplierBuckets(t *testing.T) {
	assert.InDelta(t, 0.8, volMultiplier(1.0), 1e-9)
	assert.InDelta(t, 1.0, volMultiplier(1.5), 1e-9)
	assert.InDelta(t, 1.5, volMultiplier(2.5), 1e-9)
	assert.InDelta(t, 2.0, volMultiplier(3.5), 1e-9)
}

func TestTrendRowBTCReversalAbandons(t *testing.T) {
	btc := &market.BTCSnapshot{Change1h: -1.4}
	d, reason := TimingGate(watchCfg(), trendRow(), GateInput{Price: 100.2, RSI: 21, ATRPct: 2, BTC: btc})
	assert.Equal(t, Abandon, d)
	assert.Contains(t, reason, "btc reversed")
}

func TestTrendRowEntryMissed(t *testing.T) {
	// Trend thresholds are structural: no volatility scaling.
	d, reason := TimingGate(watchCfg(), trendRow(), GateInput{Price: 101.1, RSI: 30, ATRPct: 4})
	assert.Equal(t, Abandon, d)
	assert.Contains(t, reason, "entry missed")
}

func TestTrendRowMovedAgainst(t *testing.T) {
	d, _ := TimingGate(watchCfg(), trendRow(), GateInput{Price: 98.4, RSI: 20, ATRPct: 2})
	assert.Equal(t, Abandon, d)
}

func TestTrendRowRSISanity(t *testing.T) {
	d, reason := TimingGate(watchCfg(), trendRow(), GateInput{Price: 100.3, RSI: 76, ATRPct: 2})
	assert.Equal(t, Abandon, d)
	assert.Contains(t, reason, "sanity")
}

func TestTrendRowHolds(t *testing.T) {
	d, _ := TimingGate(watchCfg(), trendRow(), GateInput{Price: 100.2, RSI: 22, ATRPct: 2})
	assert.Equal(t, Yes, d)
}

func TestReversalAbandonScalesWithVolatility(t *testing.T) {
	// 2% against at ATR 1%: multiplier 0.8 shrinks abandon to 1.2%.
	d, _ := TimingGate(watchCfg(), reversalRow(), GateInput{Price: 98, RSI: 16, ATRPct: 1})
	assert.Equal(t, Abandon, d)

	// The same move at ATR 4%: abandon widens to 3%, row survives.
	d, _ = TimingGate(watchCfg(), reversalRow(), GateInput{Price: 98, RSI: 16, ATRPct: 4})
	assert.NotEqual(t, Abandon, d)
}

func TestReversalRSIRecoveryAbandons(t *testing.T) {
	d, reason := TimingGate(watchCfg(), reversalRow(), GateInput{Price: 100.1, RSI: 58, ATRPct: 2})
	assert.Equal(t, Abandon, d)
	assert.Contains(t, reason, "recovered")
}

func TestReversalExtremeWidensRecoverBand(t *testing.T) {
	row := reversalRow()
	row.Extreme = true
	row.RSI = 13
	// RSI 58 abandons a normal row but an extreme row tolerates up to 65.
	d, _ := TimingGate(watchCfg(), row, GateInput{Price: 100.1, RSI: 58, ATRPct: 2})
	assert.Equal(t, Yes, d)

	d, _ = TimingGate(watchCfg(), row, GateInput{Price: 100.1, RSI: 66, ATRPct: 2})
	assert.Equal(t, Abandon, d)
}

func TestReversalWaitsWhileKnifing(t *testing.T) {
	d, reason := TimingGate(watchCfg(), reversalRow(), GateInput{Price: 99.2, RSI: 15, ATRPct: 2})
	assert.Equal(t, Wait, d)
	assert.Equal(t, "still falling", reason)
}

func TestReversalYesWhenStabilised(t *testing.T) {
	d, reason := TimingGate(watchCfg(), reversalRow(), GateInput{Price: 99.8, RSI: 19, ATRPct: 2})
	assert.Equal(t, Yes, d)
	assert.Equal(t, "move stabilising", reason)
}

func TestGateNoPriceWaits(t *testing.T) {
	d, _ := TimingGate(watchCfg(), reversalRow(), GateInput{Price: 0, RSI: 18})
	assert.Equal(t, Wait, d)
}
