package watch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-engine/config"
	"perp-engine/internal/ai"
	"perp-engine/internal/detect"
	"perp-engine/internal/notify"
	"perp-engine/internal/store"
	"perp-engine/internal/venue"
)

const sym = "SOL/USDT:USDT"

func newTestWatcher(t *testing.T, llm *ai.Client) (*Watcher, *venue.MockClient, *store.SignalStore, *time.Time) {
	t.Helper()
	dir := t.TempDir()
	rows, err := store.NewWatchStore(filepath.Join(dir, "watch.db"))
	require.NoError(t, err)
	pushed, err := store.NewSignalStore(filepath.Join(dir, "signals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rows.Close(); pushed.Close() })

	mock := venue.NewMockClient()
	if llm == nil {
		llm = ai.NewClient(config.AIConfig{Enabled: false}, zerolog.Nop())
	}
	w := New(config.Default().Watch, mock, rows, pushed, llm, notify.Noop{}, zerolog.Nop())
	now := time.Now().UTC()
	w.SetClock(func() time.Time { return now })
	return w, mock, pushed, &now
}

func candidate() *detect.Candidate {
	return &detect.Candidate{
		Symbol: sym, Side: venue.SideLong, Kind: detect.KindReversal,
		Score: 0.82, Price: 100, RSI: 18, ADX: 27,
		SLPrice: 94, TPPrice: 112,
	}
}

// decliningCandles yields a gently falling 1m series: RSI pins low, so a
// long reversal row passes the recovery and knife checks.
func decliningCandles(n int) []venue.Candle {
	out := make([]venue.Candle, n)
	price := 100.0 + float64(n)*0.05
	for i := range out {
		price -= 0.05
		out[i] = venue.Candle{Open: price + 0.05, High: price + 0.1, Low: price - 0.05, Close: price, Volume: 100}
	}
	return out
}

func risingCandles(n int) []venue.Candle {
	out := make([]venue.Candle, n)
	price := 95.0
	for i := range out {
		price *= 1.001
		out[i] = venue.Candle{Open: price * 0.999, High: price * 1.001, Low: price * 0.998, Close: price, Volume: 100}
	}
	return out
}

func TestExpiryFor(t *testing.T) {
	w, _, _, _ := newTestWatcher(t, nil)
	assert.Equal(t, 8, w.ExpiryFor(detect.KindTrendAnticipation, false))
	assert.Equal(t, 5, w.ExpiryFor(detect.KindReversal, true))
	assert.Equal(t, 8, w.ExpiryFor(detect.KindReversal, false))
}

func TestEnqueueDuplicateGuard(t *testing.T) {
	w, _, pushed, _ := newTestWatcher(t, nil)
	id, err := pushed.InsertPushed(store.PushedSignal{Symbol: sym, Side: "long", Kind: "reversal"})
	require.NoError(t, err)

	inserted, err := w.Enqueue(candidate(), id)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = w.Enqueue(candidate(), id)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestTickExpiresOldRows(t *testing.T) {
	w, _, pushed, now := newTestWatcher(t, nil)
	id, err := pushed.InsertPushed(store.PushedSignal{Symbol: sym, Side: "long", Kind: "reversal"})
	require.NoError(t, err)
	_, err = w.Enqueue(candidate(), id)
	require.NoError(t, err)

	// Expiry beats the check-interval gate even on a quiet row.
	*now = now.Add(9 * time.Minute)
	triggers := w.Tick(context.Background(), nil)
	assert.Empty(t, triggers)

	live, err := w.rows.ListWatching()
	require.NoError(t, err)
	assert.Empty(t, live)

	// The pending pushed row was cancelled along with the watch.
	open, err := pushed.LatestOpenBySymbol(sym)
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestTickAbandonsOnRSIRecovery(t *testing.T) {
	w, mock, pushed, _ := newTestWatcher(t, nil)
	id, _ := pushed.InsertPushed(store.PushedSignal{Symbol: sym, Side: "long", Kind: "reversal"})
	_, err := w.Enqueue(candidate(), id)
	require.NoError(t, err)

	mock.Prices[sym] = 100.1
	mock.Candles[sym+":1m"] = risingCandles(60) // RSI fully recovered

	triggers := w.Tick(context.Background(), nil)
	assert.Empty(t, triggers)
	live, err := w.rows.ListWatching()
	require.NoError(t, err)
	assert.Empty(t, live, "row abandoned")
}

func TestTickStaysWatchingWithoutModel(t *testing.T) {
	w, mock, pushed, _ := newTestWatcher(t, nil)
	id, _ := pushed.InsertPushed(store.PushedSignal{Symbol: sym, Side: "long", Kind: "reversal"})
	_, err := w.Enqueue(candidate(), id)
	require.NoError(t, err)

	mock.Prices[sym] = 100.1
	mock.Candles[sym+":1m"] = decliningCandles(60)

	// Gate says yes but pricing needs a model; no model, no trade.
	triggers := w.Tick(context.Background(), nil)
	assert.Empty(t, triggers)
	live, err := w.rows.ListWatching()
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestTickTriggersLimitEntry(t *testing.T) {
	verdict := `{"decision": "EXECUTE_LIMIT", "entry_offset_pct": 0.4, "reasoning": "wait for pullback"}`
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(rw).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": verdict}},
			},
		})
	}))
	defer srv.Close()
	llm := ai.NewClient(config.AIConfig{
		Enabled: true, PremiumURL: srv.URL, PremiumModel: "prem-1", PremiumKey: "k",
	}, zerolog.Nop())

	w, mock, pushed, _ := newTestWatcher(t, llm)
	id, _ := pushed.InsertPushed(store.PushedSignal{Symbol: sym, Side: "long", Kind: "reversal"})
	_, err := w.Enqueue(candidate(), id)
	require.NoError(t, err)

	mock.Prices[sym] = 100.1
	mock.Candles[sym+":1m"] = decliningCandles(60)

	triggers := w.Tick(context.Background(), nil)
	require.Len(t, triggers, 1)
	trig := triggers[0]
	assert.Equal(t, venue.OrderLimit, trig.OrderType)
	assert.InDelta(t, 100.1*(1-0.004), trig.Entry, 1e-9)
	assert.InDelta(t, 94.0, trig.SL, 1e-9)
	assert.InDelta(t, 112.0, trig.TP, 1e-9)
	assert.Equal(t, id, trig.PushedID)

	// The pushed row carries the priced entry; the watch row is terminal.
	open, err := pushed.LatestOpenBySymbol(sym)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.InDelta(t, 100.1*(1-0.004), open.Entry, 1e-9)

	live, err := w.rows.ListWatching()
	require.NoError(t, err)
	assert.Empty(t, live)
}
