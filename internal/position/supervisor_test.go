package position

import (
	"context"
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
	"perp-engine/internal/venue"
)

const sym = "SOL/USDT:USDT"

func newTestSupervisor(t *testing.T) (*Supervisor, *venue.MockClient, *time.Time) {
	t.Helper()
	mock := venue.NewMockClient()
	mock.Prices[sym] = 200
	exec := executor.New(config.Default().Executor, mock, nil, zerolog.Nop())
	llm := ai.NewClient(config.AIConfig{Enabled: false}, zerolog.Nop())
	s := NewSupervisor(config.Default().Position, mock, exec, nil, llm, notify.Noop{}, zerolog.Nop())

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	return s, mock, &now
}

func trackLong(s *Supervisor) *Record {
	rec := &Record{
		Symbol: sym, Side: venue.SideLong, Entry: 200, Contracts: 1,
		OriginalSL: 188, OriginalTP: 224, CurrentSL: 188, CurrentTP: 224,
		Tier: -1, Strategy: StrategyReversal,
	}
	s.Track(rec)
	return rec
}

func setPosition(mock *venue.MockClient, mark float64) {
	mock.SetPositions([]venue.Position{{
		Symbol: sym, Side: venue.SideLong, Contracts: 1, EntryPrice: 200, MarkPrice: mark,
	}})
}

func TestTierLadderClimbsMonotone(t *testing.T) {
	s, mock, now := newTestSupervisor(t)
	rec := trackLong(s)
	ctx := context.Background()

	// +0.4% peak reaches tier 0, locking +0.1%.
	setPosition(mock, 200.8)
	s.Tick(ctx, nil)
	assert.Equal(t, 0, rec.Tier)
	assert.InDelta(t, 200.2, rec.CurrentSL, 1e-9)

	// +2% peak jumps straight to tier 2, locking +1.2%.
	*now = now.Add(time.Minute)
	setPosition(mock, 204)
	s.Tick(ctx, nil)
	assert.Equal(t, 2, rec.Tier)
	assert.InDelta(t, 202.4, rec.CurrentSL, 1e-9)

	// Price falls back: tier and stop hold.
	*now = now.Add(time.Minute)
	setPosition(mock, 201)
	s.Tick(ctx, nil)
	assert.Equal(t, 2, rec.Tier)
	assert.InDelta(t, 202.4, rec.CurrentSL, 1e-9)
	assert.InDelta(t, 0.02, rec.HighestPnL, 1e-9, "peak is sticky")

	// The venue stop matches the record.
	_, sl, _, ok := s.exec.Cached(sym)
	require.True(t, ok)
	assert.InDelta(t, 202.4, sl, 1e-9)
}

func TestEmergencyFlatOnDeepLoss(t *testing.T) {
	s, mock, _ := newTestSupervisor(t)
	trackLong(s)
	ctx := context.Background()

	setPosition(mock, 195) // -2.5%, past the 2% emergency line
	mock.Prices[sym] = 195
	s.Tick(ctx, nil)

	assert.Nil(t, s.Get(sym))
	positions, _ := mock.GetPositions(ctx)
	assert.Empty(t, positions, "position flattened at market")
}

func TestExternallyClosedPositionFinishesRecord(t *testing.T) {
	s, mock, _ := newTestSupervisor(t)
	trackLong(s)

	// The venue shows no position: TP or SL was touched between ticks.
	mock.SetPositions(nil)
	s.Tick(context.Background(), nil)
	assert.Nil(t, s.Get(sym))
}

func TestReconcileAdoptsUntrackedPosition(t *testing.T) {
	s, mock, _ := newTestSupervisor(t)
	ctx := context.Background()
	setPosition(mock, 201)
	_, err := mock.CreateAlgoOrder(ctx, venue.AlgoOrderParams{
		Symbol: sym, Side: venue.SideLong, Amount: 1, SLTrigger: 190, TPTrigger: 220,
	})
	require.NoError(t, err)

	require.NoError(t, s.Reconcile(ctx))
	rec := s.Get(sym)
	require.NotNil(t, rec)
	assert.Equal(t, StrategySynced, rec.Strategy)
	assert.InDelta(t, 190.0, rec.CurrentSL, 1e-9)
	assert.InDelta(t, 220.0, rec.CurrentTP, 1e-9)
}

func TestReconcileDefaultsStopsWhenNoAlgos(t *testing.T) {
	s, mock, _ := newTestSupervisor(t)
	setPosition(mock, 201)

	require.NoError(t, s.Reconcile(context.Background()))
	rec := s.Get(sym)
	require.NotNil(t, rec)
	assert.InDelta(t, 200*0.98, rec.CurrentSL, 1e-9)
	assert.InDelta(t, 200*1.06, rec.CurrentTP, 1e-9)
}

func TestReversalExitClosesPosition(t *testing.T) {
	s, mock, _ := newTestSupervisor(t)
	trackLong(s)
	ctx := context.Background()

	// Overheated 5m series: RSI pins high for a long position.
	rising := make([]venue.Candle, 60)
	price := 150.0
	for i := range rising {
		price *= 1.01
		rising[i] = venue.Candle{Open: price * 0.999, High: price * 1.001, Low: price * 0.998, Close: price, Volume: 100}
	}
	mock.Candles[sym+":5m"] = rising

	setPosition(mock, 201)
	s.Tick(ctx, nil)

	assert.Nil(t, s.Get(sym))
	positions, _ := mock.GetPositions(ctx)
	assert.Empty(t, positions)
}

func TestBreakevenAndTrailingWhenTiersDisabled(t *testing.T) {
	s, mock, _ := newTestSupervisor(t)
	s.cfg.TieredStopEnabled = false
	rec := trackLong(s)
	ctx := context.Background()

	// +1.5% triggers breakeven (entry +0.2%) and activates trailing
	// (peak -0.8% = 201.36, the better of the two).
	setPosition(mock, 203)
	s.Tick(ctx, nil)
	assert.True(t, rec.BreakevenSet)
	assert.True(t, rec.TrailingActive)
	assert.InDelta(t, 203*0.992, rec.CurrentSL, 1e-9)

	// A lower peak never loosens the stop.
	setPosition(mock, 202)
	s.Tick(ctx, nil)
	assert.InDelta(t, 203*0.992, rec.CurrentSL, 1e-9)
}

func TestAIReviewCloseRewritesToTightStop(t *testing.T) {
	s, mock, _ := newTestSupervisor(t)
	rec := trackLong(s)
	rec.Contracts = 1
	ctx := context.Background()

	// Seed the executor cache so the stop rewrite has something to replace.
	setPosition(mock, 202)
	s.Tick(ctx, nil)

	s.applyReview(ctx, rec, 202, rec.PnLFraction(202), reviewVerdict{Action: "close"})
	assert.InDelta(t, 202*(1-0.003), rec.CurrentSL, 1e-9)

	positions, _ := mock.GetPositions(ctx)
	assert.NotEmpty(t, positions, "close is a stop rewrite, not a market exit")
}

func TestAIReviewBreakevenNeedsProfit(t *testing.T) {
	s, mock, _ := newTestSupervisor(t)
	s.cfg.TieredStopEnabled = false
	rec := trackLong(s)
	ctx := context.Background()
	setPosition(mock, 200.4)
	s.Tick(ctx, nil)

	s.applyReview(ctx, rec, 200.4, 0.002, reviewVerdict{Action: "breakeven"})
	assert.False(t, rec.BreakevenSet, "breakeven ignored at +0.2%")

	s.applyReview(ctx, rec, 203, 0.015, reviewVerdict{Action: "breakeven"})
	assert.True(t, rec.BreakevenSet)
}

func TestApplyReviewMonotoneGuards(t *testing.T) {
	s, mock, _ := newTestSupervisor(t)
	rec := trackLong(s)
	ctx := context.Background()
	setPosition(mock, 202)
	s.Tick(ctx, nil)
	slBefore := rec.CurrentSL

	// A regressing tighten_sl is dropped.
	s.applyReview(ctx, rec, 202, 0.01, reviewVerdict{Action: "tighten_sl", NewSLPrice: slBefore - 1})
	assert.InDelta(t, slBefore, rec.CurrentSL, 1e-9)

	// A shrinking extend_tp is dropped.
	s.applyReview(ctx, rec, 202, 0.01, reviewVerdict{Action: "extend_tp", NewTPPrice: rec.CurrentTP - 1})
	assert.InDelta(t, 224.0, rec.CurrentTP, 1e-9)
}

func TestCounterTradeGates(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	s.cfg.CounterTradeEnabled = true
	ctx := context.Background()
	rec := &Record{
		Symbol: sym, Side: venue.SideLong, Entry: 200, Contracts: 1,
		CurrentSL: 196, CurrentTP: 208, Tier: -1, Strategy: StrategyHighVol,
	}

	// Profit below the minimum: no counter-trade.
	s.maybeCounterTrade(ctx, rec, 200.4)
	assert.Nil(t, s.Get(sym))

	// Profitable exit opens the opposite side.
	s.maybeCounterTrade(ctx, rec, 204)
	counter := s.Get(sym)
	require.NotNil(t, counter)
	assert.Equal(t, venue.SideShort, counter.Side)
	assert.Equal(t, StrategyHighVol, counter.Strategy)

	// Wrong strategy never counter-trades.
	s.Untrack(sym)
	rec.Strategy = StrategyReversal
	s.maybeCounterTrade(ctx, rec, 204)
	assert.Nil(t, s.Get(sym))
}

func TestTierForLadder(t *testing.T) {
	assert.Equal(t, -1, tierFor(DefaultTiers, 0.2))
	assert.Equal(t, 0, tierFor(DefaultTiers, 0.4))
	assert.Equal(t, 1, tierFor(DefaultTiers, 1.5))
	assert.Equal(t, 4, tierFor(DefaultTiers, 6))
	assert.Equal(t, 10, tierFor(DefaultTiers, 75))
}

func TestSupervisorIgnoresBTCNil(t *testing.T) {
	s, mock, _ := newTestSupervisor(t)
	trackLong(s)
	setPosition(mock, 200.1)
	s.Tick(context.Background(), market.NeutralBTC())
	assert.NotNil(t, s.Get(sym))
}
