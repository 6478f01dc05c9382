package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSignalStore(t *testing.T) *SignalStore {
	t.Helper()
	s, err := NewSignalStore(filepath.Join(t.TempDir(), "signals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPushedSignalLifecycle(t *testing.T) {
	s := newSignalStore(t)

	id, err := s.InsertPushed(PushedSignal{
		Symbol: "SOL/USDT:USDT", Side: "long", Kind: "reversal",
		Score: 0.82, RSI: 18, ADX: 27, Entry: 100, SL: 94, TP: 112,
		OrderType: "limit", EntryAI: "cheap",
	})
	require.NoError(t, err)
	require.Positive(t, id)

	open, err := s.LatestOpenBySymbol("SOL/USDT:USDT")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, OrderPending, open.OrderStatus)

	require.NoError(t, s.UpdateTrigger(id, 99.5, 94, 112, "limit", "premium"))
	require.NoError(t, s.UpdateFill(id, 99.6, time.Now().UTC()))

	open, err = s.LatestOpenBySymbol("SOL/USDT:USDT")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, OrderFilled, open.OrderStatus)
	assert.InDelta(t, 99.5, open.Entry, 1e-9)

	require.NoError(t, s.UpdateExit(id, 103, "tp", 3.4, time.Now().UTC()))
	open, err = s.LatestOpenBySymbol("SOL/USDT:USDT")
	require.NoError(t, err)
	assert.Nil(t, open, "closed rows are no longer open")
}

func TestLatestOpenBySymbolEmpty(t *testing.T) {
	s := newSignalStore(t)
	open, err := s.LatestOpenBySymbol("ETH/USDT:USDT")
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestCountTradesSince(t *testing.T) {
	s := newSignalStore(t)
	require.NoError(t, s.InsertTrade(AutoTrade{Symbol: "SOL/USDT:USDT", Side: "long", OrderID: "1", Amount: 1, Price: 100, Status: "filled"}))
	require.NoError(t, s.InsertTrade(AutoTrade{Symbol: "ETH/USDT:USDT", Side: "short", OrderID: "2", Amount: 1, Price: 2500, Status: "filled"}))

	n, err := s.CountTradesSince(time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountTradesSince(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReportGroupsByKind(t *testing.T) {
	s := newSignalStore(t)
	now := time.Now().UTC()

	for _, tc := range []struct {
		kind string
		pnl  float64
	}{
		{"reversal", 3.0}, {"reversal", -1.0}, {"trend_anticipation", 2.0},
	} {
		id, err := s.InsertPushed(PushedSignal{Symbol: "X/USDT:USDT", Side: "long", Kind: tc.kind})
		require.NoError(t, err)
		require.NoError(t, s.UpdateExit(id, 100, "tp", tc.pnl, now))
	}

	rows, err := s.Report(now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "reversal", rows[0].Kind)
	assert.Equal(t, 2, rows[0].Count)
	assert.Equal(t, 1, rows[0].Wins)
	assert.InDelta(t, 2.0, rows[0].TotalPnL, 1e-9)
}
