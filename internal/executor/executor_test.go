package executor

import (
	"context"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-engine/config"
	"perp-engine/internal/venue"
)

const sym = "SOL/USDT:USDT"

func newTestExecutor(t *testing.T) (*Executor, *venue.MockClient) {
	t.Helper()
	mock := venue.NewMockClient()
	mock.Prices[sym] = 100
	e := New(config.Default().Executor, mock, nil, zerolog.Nop())
	return e, mock
}

func marketEntry(amount float64) venue.OrderParams {
	return venue.OrderParams{Symbol: sym, Side: venue.SideLong, Type: venue.OrderMarket, Amount: amount}
}

func TestCreateOrderWithSLTPSuccess(t *testing.T) {
	e, mock := newTestExecutor(t)
	ctx := context.Background()

	order, err := e.CreateOrderWithSLTP(ctx, marketEntry(2), 94, 112)
	require.NoError(t, err)
	assert.Equal(t, "filled", order.Status)

	positions, _ := mock.GetPositions(ctx)
	require.Len(t, positions, 1)
	assert.Equal(t, sym, positions[0].Symbol)

	ids, sl, tp, ok := e.Cached(sym)
	require.True(t, ok)
	assert.NotEmpty(t, ids.SLID)
	assert.InDelta(t, 94.0, sl, 1e-9)
	assert.InDelta(t, 112.0, tp, 1e-9)
	assert.Len(t, mock.AlgoOrders, 1, "single OCO booked")
}

func TestFailedOCORollsBackFilledEntry(t *testing.T) {
	e, mock := newTestExecutor(t)
	mock.FailCreateAlgo = true
	ctx := context.Background()

	_, err := e.CreateOrderWithSLTP(ctx, marketEntry(2), 94, 112)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rolled back")

	// The filled entry was flattened: no position survives unprotected.
	positions, _ := mock.GetPositions(ctx)
	assert.Empty(t, positions)
	assert.Empty(t, mock.AlgoOrders)
	_, _, _, ok := e.Cached(sym)
	assert.False(t, ok)
}

func TestFailedOCOCancelsOpenLimitEntry(t *testing.T) {
	e, mock := newTestExecutor(t)
	mock.FailCreateAlgo = true
	ctx := context.Background()

	params := venue.OrderParams{Symbol: sym, Side: venue.SideLong, Type: venue.OrderLimit, Amount: 2, Price: 99}
	_, err := e.CreateOrderWithSLTP(ctx, params, 94, 112)
	require.Error(t, err)

	// The unfilled limit was cancelled, not closed.
	var entry *venue.Order
	for _, o := range mock.Orders {
		entry = o
	}
	require.NotNil(t, entry)
	assert.Equal(t, "canceled", entry.Status)
	positions, _ := mock.GetPositions(ctx)
	assert.Empty(t, positions)
}

func TestDeliveryContractRejected(t *testing.T) {
	e, _ := newTestExecutor(t)
	params := venue.OrderParams{Symbol: "BTC/USDT:USDT-250926", Side: venue.SideLong, Type: venue.OrderMarket, Amount: 1}
	_, err := e.CreateOrderWithSLTP(context.Background(), params, 94, 112)
	require.Error(t, err)
	assert.ErrorIs(t, err, venue.ErrVenueMinimum)
}

func TestUpdateStopLossIdempotent(t *testing.T) {
	e, mock := newTestExecutor(t)
	ctx := context.Background()
	_, err := e.CreateOrderWithSLTP(ctx, marketEntry(2), 94, 112)
	require.NoError(t, err)

	before := len(mock.Calls)
	require.NoError(t, e.UpdateStopLoss(ctx, sym, 94))
	assert.Equal(t, before, len(mock.Calls), "equal trigger causes no venue traffic")
}

func TestUpdateStopLossRewrites(t *testing.T) {
	e, mock := newTestExecutor(t)
	ctx := context.Background()
	_, err := e.CreateOrderWithSLTP(ctx, marketEntry(2), 94, 112)
	require.NoError(t, err)
	oldIDs, _, _, _ := e.Cached(sym)

	require.NoError(t, e.UpdateStopLoss(ctx, sym, 97))

	ids, sl, tp, ok := e.Cached(sym)
	require.True(t, ok)
	assert.NotEqual(t, oldIDs.SLID, ids.SLID)
	assert.InDelta(t, 97.0, sl, 1e-9)
	assert.InDelta(t, 112.0, tp, 1e-9, "tp carried over")

	_, oldAlive := mock.AlgoOrders[oldIDs.SLID]
	assert.False(t, oldAlive, "stale OCO cancelled")
	assert.Len(t, mock.AlgoOrders, 1)
}

func TestUpdateStopLossAdoptsLiveStop(t *testing.T) {
	e, mock := newTestExecutor(t)
	ctx := context.Background()

	// A stop exists at the venue but this process never placed it.
	_, err := mock.CreateAlgoOrder(ctx, venue.AlgoOrderParams{
		Symbol: sym, Side: venue.SideLong, Amount: 2, SLTrigger: 94, TPTrigger: 112,
	})
	require.NoError(t, err)

	require.NoError(t, e.UpdateStopLoss(ctx, sym, 96))
	_, sl, _, ok := e.Cached(sym)
	require.True(t, ok)
	assert.InDelta(t, 96.0, sl, 1e-9)
}

func TestUpdateStopLossNoStopAnywhere(t *testing.T) {
	e, _ := newTestExecutor(t)
	err := e.UpdateStopLoss(context.Background(), sym, 96)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cached or live stop")
}

func TestVerifyStopLossRecreatesMissing(t *testing.T) {
	e, mock := newTestExecutor(t)
	ctx := context.Background()
	pos := venue.Position{Symbol: sym, Side: venue.SideLong, Contracts: 2, EntryPrice: 100}

	created, err := e.VerifyStopLoss(ctx, pos, 94, 112)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, mock.AlgoOrders, 1)

	// A second pass finds the live stop and leaves it alone.
	created, err = e.VerifyStopLoss(ctx, pos, 94, 112)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, mock.AlgoOrders, 1)
}

func TestCloseExistingCancelsProtection(t *testing.T) {
	e, mock := newTestExecutor(t)
	ctx := context.Background()
	_, err := e.CreateOrderWithSLTP(ctx, marketEntry(2), 94, 112)
	require.NoError(t, err)

	positions, _ := mock.GetPositions(ctx)
	require.Len(t, positions, 1)

	require.NoError(t, e.CloseExisting(ctx, positions[0]))
	positions, _ = mock.GetPositions(ctx)
	assert.Empty(t, positions)
	assert.Empty(t, mock.AlgoOrders)
	_, _, _, ok := e.Cached(sym)
	assert.False(t, ok)
}

func TestCancelEntry(t *testing.T) {
	e, mock := newTestExecutor(t)
	ctx := context.Background()
	params := venue.OrderParams{Symbol: sym, Side: venue.SideLong, Type: venue.OrderLimit, Amount: 2, Price: 99}
	order, err := e.CreateOrderWithSLTP(ctx, params, 94, 112)
	require.NoError(t, err)

	require.NoError(t, e.CancelEntry(ctx, sym, order.ID))
	assert.Equal(t, "canceled", mock.Orders[order.ID].Status)
	assert.Empty(t, mock.AlgoOrders)
}

func TestCancelRemainderKeepsProtection(t *testing.T) {
	e, mock := newTestExecutor(t)
	ctx := context.Background()
	params := venue.OrderParams{Symbol: sym, Side: venue.SideLong, Type: venue.OrderLimit, Amount: 2, Price: 99}
	order, err := e.CreateOrderWithSLTP(ctx, params, 94, 112)
	require.NoError(t, err)

	mock.PartialFillOrder(order.ID, 0.5)
	require.NoError(t, e.CancelRemainder(ctx, sym, order.ID, 0.5))

	assert.Equal(t, "canceled", mock.Orders[order.ID].Status)
	require.Len(t, mock.AlgoOrders, 1, "OCO resized, never dropped")
	for _, a := range mock.AlgoOrders {
		assert.InDelta(t, 0.5, a.Amount, 1e-9)
		assert.InDelta(t, 94.0, a.SLTrigger, 1e-9)
		assert.InDelta(t, 112.0, a.TPTrigger, 1e-9)
	}
	_, sl, tp, ok := e.Cached(sym)
	require.True(t, ok)
	assert.InDelta(t, 94.0, sl, 1e-9)
	assert.InDelta(t, 112.0, tp, 1e-9)
}

func TestNoPositionSurvivesWithoutProtection(t *testing.T) {
	// Inject entry and OCO failures in random combinations and check the
	// standing invariant after every attempt: an open position implies a
	// live algo order at the venue.
	rng := rand.New(rand.NewSource(7))
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		e, mock := newTestExecutor(t)
		mock.FailCreateOrder = rng.Intn(4) == 0
		mock.FailCreateAlgo = rng.Intn(2) == 0

		params := marketEntry(2)
		if rng.Intn(2) == 0 {
			params = venue.OrderParams{Symbol: sym, Side: venue.SideLong, Type: venue.OrderLimit, Amount: 2, Price: 99}
		}

		_, err := e.CreateOrderWithSLTP(ctx, params, 94, 112)
		positions, perr := mock.GetPositions(ctx)
		require.NoError(t, perr)

		if err != nil {
			assert.Empty(t, positions, "iteration %d: failed attempt left a position", i)
			continue
		}
		if len(positions) > 0 {
			algos, aerr := mock.GetOpenAlgoOrders(ctx, sym)
			require.NoError(t, aerr)
			assert.NotEmpty(t, algos, "iteration %d: position open without a stop", i)
		}
	}
}

func TestSnapAmount(t *testing.T) {
	info := &venue.SymbolInfo{AmountPrecision: 2, MinAmount: 0.05}

	got, err := SnapAmount(1.2399, info)
	require.NoError(t, err)
	assert.InDelta(t, 1.23, got, 1e-9)

	_, err = SnapAmount(0.049, info)
	require.Error(t, err)
	assert.ErrorIs(t, err, venue.ErrVenueMinimum)
}

func TestSnapPrice(t *testing.T) {
	info := &venue.SymbolInfo{PricePrecision: 3}
	assert.InDelta(t, 1.235, SnapPrice(1.23456, info), 1e-9)
}

func TestPrecheckBalanceFloor(t *testing.T) {
	e, mock := newTestExecutor(t)
	mock.Balance_ = venue.Balance{Total: 100, Available: 100}
	err := e.Precheck(context.Background(), 95)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient balance")

	require.NoError(t, e.Precheck(context.Background(), 90))
}

func TestPrecheckMaxPositions(t *testing.T) {
	e, mock := newTestExecutor(t)
	var positions []venue.Position
	for i := 0; i < config.Default().Executor.MaxPositions; i++ {
		positions = append(positions, venue.Position{Symbol: sym, Side: venue.SideLong, Contracts: 1})
	}
	mock.SetPositions(positions)
	err := e.Precheck(context.Background(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max positions")
}
