package highvol

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-engine/config"
	"perp-engine/internal/ai"
	"perp-engine/internal/executor"
	"perp-engine/internal/market"
	"perp-engine/internal/notify"
	"perp-engine/internal/position"
	"perp-engine/internal/store"
	"perp-engine/internal/venue"
)

const sym = "SOL/USDT:USDT"

func newTestTrack(t *testing.T) (*Track, *venue.MockClient, *position.Supervisor, *time.Time) {
	t.Helper()
	mock := venue.NewMockClient()
	mock.Prices[sym] = 100
	rows, err := store.NewHighVolStore(filepath.Join(t.TempDir(), "highvol.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rows.Close() })

	log := zerolog.Nop()
	llm := ai.NewClient(config.AIConfig{Enabled: false}, log)
	exec := executor.New(config.Default().Executor, mock, nil, log)
	super := position.NewSupervisor(config.Default().Position, mock, exec, nil, llm, notify.Noop{}, log)
	cache := market.NewCache(mock, market.Config{}, log)
	tr := NewTrack(config.Default().HighVol, mock, cache, rows, exec, super, llm, notify.Noop{}, log)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	return tr, mock, super, &now
}

// placeLimit books a protected limit entry and registers the pool row the
// way priceAndPlace does.
func placeLimit(t *testing.T, tr *Track, mock *venue.MockClient, now time.Time, amount float64) *poolRow {
	t.Helper()
	order, err := tr.exec.CreateOrderWithSLTP(context.Background(), venue.OrderParams{
		Symbol: sym, Side: venue.SideLong, Type: venue.OrderLimit, Amount: amount, Price: 99,
	}, 94, 112)
	require.NoError(t, err)

	row := &poolRow{
		HighVolRow: store.HighVolRow{
			Symbol: sym, Side: "long", Entry: 99, SL: 94, TP: 112,
			Status: store.HVLimitPlaced, LimitOrderID: order.ID,
		},
		placedAt: now,
	}
	id, err := tr.rows.Insert(row.HighVolRow)
	require.NoError(t, err)
	row.ID = id
	tr.pool[sym] = row
	return row
}

func TestStalePartialFillKeepsProtection(t *testing.T) {
	tr, mock, super, now := newTestTrack(t)
	ctx := context.Background()
	row := placeLimit(t, tr, mock, *now, 2)
	mock.PartialFillOrder(row.LimitOrderID, 0.5)

	*now = now.Add(time.Duration(tr.cfg.OrderValidSec+1) * time.Second)
	tr.superviseLimit(ctx, row)

	// The filled half is under supervision with the OCO resized to it.
	rec := super.Get(sym)
	require.NotNil(t, rec)
	assert.InDelta(t, 0.5, rec.Contracts, 1e-9)
	assert.InDelta(t, 99.0, rec.Entry, 1e-9)

	assert.Equal(t, "canceled", mock.Orders[row.LimitOrderID].Status)
	require.Len(t, mock.AlgoOrders, 1, "protection stays live through the cancel")
	for _, a := range mock.AlgoOrders {
		assert.InDelta(t, 0.5, a.Amount, 1e-9)
		assert.InDelta(t, 94.0, a.SLTrigger, 1e-9)
		assert.InDelta(t, 112.0, a.TPTrigger, 1e-9)
	}
	assert.Equal(t, store.HVFilled, row.Status)
	assert.NotContains(t, tr.pool, sym)
}

func TestStaleUnfilledLimitReturnsToReady(t *testing.T) {
	tr, mock, super, now := newTestTrack(t)
	ctx := context.Background()
	row := placeLimit(t, tr, mock, *now, 2)
	orderID := row.LimitOrderID

	*now = now.Add(time.Duration(tr.cfg.OrderValidSec+1) * time.Second)
	tr.superviseLimit(ctx, row)

	assert.Equal(t, store.HVReady, row.Status)
	assert.Empty(t, row.LimitOrderID)
	assert.Equal(t, "canceled", mock.Orders[orderID].Status)
	assert.Empty(t, mock.AlgoOrders, "clean miss cancels the protection")
	assert.Nil(t, super.Get(sym))
}

func TestFilledLimitHandsOffToSupervisor(t *testing.T) {
	tr, mock, super, now := newTestTrack(t)
	ctx := context.Background()
	row := placeLimit(t, tr, mock, *now, 2)
	mock.FillOrder(row.LimitOrderID)

	tr.superviseLimit(ctx, row)

	rec := super.Get(sym)
	require.NotNil(t, rec)
	assert.InDelta(t, 2.0, rec.Contracts, 1e-9)
	assert.Equal(t, store.HVFilled, row.Status)
	assert.NotContains(t, tr.pool, sym)
}
