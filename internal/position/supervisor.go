// Package position supervises live positions: tiered trailing stops, stop
// verification, emergency flats, reversal exits and periodic AI review.
package position

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"perp-engine/config"
	"perp-engine/internal/ai"
	"perp-engine/internal/executor"
	"perp-engine/internal/market"
	"perp-engine/internal/notify"
	"perp-engine/internal/store"
	"perp-engine/internal/venue"
)

// Supervisor owns the Position Record map. All mutation happens on the
// engine loop; Snapshot serves read-only copies to background tasks.
type Supervisor struct {
	cfg     config.PositionConfig
	client  venue.Client
	exec    *executor.Executor
	signals *store.SignalStore
	llm     *ai.Client
	sender  notify.Sender
	log     zerolog.Logger

	tiers   []Tier
	records map[string]*Record
	synced  bool

	now func() time.Time
}

func NewSupervisor(cfg config.PositionConfig, client venue.Client, exec *executor.Executor,
	signals *store.SignalStore, llm *ai.Client, sender notify.Sender, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		client:  client,
		exec:    exec,
		signals: signals,
		llm:     llm,
		sender:  sender,
		log:     log,
		tiers:   DefaultTiers,
		records: make(map[string]*Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source, for tests.
func (s *Supervisor) SetClock(now func() time.Time) { s.now = now }

// Track registers a record for a freshly-filled position.
func (s *Supervisor) Track(rec *Record) {
	if rec.Tier == 0 {
		rec.Tier = -1
	}
	if rec.OpenedAt.IsZero() {
		rec.OpenedAt = s.now()
	}
	s.records[rec.Symbol] = rec
}

// Get returns the live record for a symbol, nil when absent.
func (s *Supervisor) Get(symbol string) *Record { return s.records[symbol] }

// Untrack drops the record for a symbol closed outside the supervisor.
func (s *Supervisor) Untrack(symbol string) { delete(s.records, symbol) }

// Snapshot returns a copy of the record map for background readers.
func (s *Supervisor) Snapshot() map[string]Record {
	out := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		out[k] = *v
	}
	return out
}

// Reconcile synthesises records for venue positions the map does not know,
// recovering SL/TP from live algo orders or defaulting to +/-2% / +/-6%.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	positions, err := s.client.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	for _, pos := range positions {
		if pos.Contracts == 0 {
			continue
		}
		if _, ok := s.records[pos.Symbol]; ok {
			continue
		}
		rec := &Record{
			Symbol:    pos.Symbol,
			Side:      pos.Side,
			Entry:     pos.EntryPrice,
			Contracts: pos.Contracts,
			Tier:      -1,
			Strategy:  StrategySynced,
			OpenedAt:  s.now(),
		}
		if algos, err := s.client.GetOpenAlgoOrders(ctx, pos.Symbol); err == nil {
			for _, a := range algos {
				if a.SLTrigger > 0 && rec.CurrentSL == 0 {
					rec.CurrentSL = a.SLTrigger
				}
				if a.TPTrigger > 0 && rec.CurrentTP == 0 {
					rec.CurrentTP = a.TPTrigger
				}
			}
		}
		if rec.CurrentSL == 0 {
			if pos.Side == venue.SideLong {
				rec.CurrentSL = pos.EntryPrice * 0.98
			} else {
				rec.CurrentSL = pos.EntryPrice * 1.02
			}
		}
		if rec.CurrentTP == 0 {
			if pos.Side == venue.SideLong {
				rec.CurrentTP = pos.EntryPrice * 1.06
			} else {
				rec.CurrentTP = pos.EntryPrice * 0.94
			}
		}
		rec.OriginalSL, rec.OriginalTP = rec.CurrentSL, rec.CurrentTP
		s.records[pos.Symbol] = rec
		s.log.Info().Str("symbol", pos.Symbol).Str("side", string(pos.Side)).
			Float64("sl", rec.CurrentSL).Float64("tp", rec.CurrentTP).
			Msg("synced untracked position")
	}
	s.synced = true
	return nil
}

// Tick runs one supervision pass over every live position.
func (s *Supervisor) Tick(ctx context.Context, btc *market.BTCSnapshot) {
	if !s.synced {
		if err := s.Reconcile(ctx); err != nil {
			s.log.Error().Err(err).Msg("startup reconciliation failed")
			return
		}
	}
	positions, err := s.client.GetPositions(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("fetch positions")
		return
	}
	bySymbol := make(map[string]venue.Position, len(positions))
	for _, p := range positions {
		if p.Contracts > 0 {
			bySymbol[p.Symbol] = p
		}
	}

	// Records whose venue position vanished were closed externally
	// (TP/SL touched, manual close).
	for sym, rec := range s.records {
		if _, live := bySymbol[sym]; !live {
			s.finishExternal(ctx, rec)
			delete(s.records, sym)
		}
	}

	for sym, pos := range bySymbol {
		rec, ok := s.records[sym]
		if !ok {
			// Appeared mid-run; next Reconcile adopts it.
			s.synced = false
			continue
		}
		s.superviseOne(ctx, rec, pos, btc)
	}
}

// superviseOne applies the per-tick steps in order. Later steps read state
// written by earlier ones inside the same tick.
func (s *Supervisor) superviseOne(ctx context.Context, rec *Record, pos venue.Position, btc *market.BTCSnapshot) {
	price := pos.MarkPrice
	if price <= 0 {
		var err error
		price, err = s.client.GetPrice(ctx, rec.Symbol)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("price fetch failed")
			return
		}
	}
	rec.Contracts = pos.Contracts
	pnl := rec.PnLFraction(price)

	// Step 1: emergency flat.
	if pnl <= -s.cfg.EmergencySLPct/100 {
		s.closePosition(ctx, rec, price, "emergency_sl")
		delete(s.records, rec.Symbol)
		return
	}

	// Step 2: stop-loss verification.
	if created, err := s.exec.VerifyStopLoss(ctx, pos, rec.CurrentSL, rec.CurrentTP); err != nil {
		s.log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("stop verification failed")
	} else if created {
		s.sender.Send("Stop recreated", []string{rec.Symbol, fmt.Sprintf("SL %.6g", rec.CurrentSL)})
	}

	// Peak tracking feeds the trailing logic.
	favourable := (rec.Side == venue.SideLong && price > rec.HighestPrice) ||
		(rec.Side == venue.SideShort && (rec.HighestPrice == 0 || price < rec.HighestPrice))
	if favourable {
		rec.HighestPrice = price
	}
	if pnl > rec.HighestPnL {
		rec.HighestPnL = pnl
	}

	// Steps 3-5: stop management.
	if s.cfg.TieredStopEnabled {
		s.applyTieredStop(ctx, rec)
	} else {
		s.applyBreakeven(ctx, rec, pnl)
		s.applyTrailing(ctx, rec, pnl)
	}

	// Step 6: dynamic take-profit.
	s.applyDynamicTP(ctx, rec, price, pnl)

	// Step 7: reversal exit.
	if s.checkReversal(ctx, rec) {
		s.closePosition(ctx, rec, price, "reversal_exit")
		delete(s.records, rec.Symbol)
		s.maybeCounterTrade(ctx, rec, price)
		return
	}

	// Step 8: AI review.
	s.aiReview(ctx, rec, price, pnl, btc)
}

// applyTieredStop climbs the tier ladder. Tier index and SL are strictly
// monotone; a regressing update is an invariant violation and is dropped.
func (s *Supervisor) applyTieredStop(ctx context.Context, rec *Record) {
	idx := tierFor(s.tiers, rec.HighestPnL*100)
	if idx <= rec.Tier {
		return
	}
	lock := s.tiers[idx].LockPct / 100
	var newSL float64
	if rec.Side == venue.SideLong {
		newSL = rec.Entry * (1 + lock)
	} else {
		newSL = rec.Entry * (1 - lock)
	}
	if !rec.improves(newSL) {
		s.log.Warn().Str("symbol", rec.Symbol).Int("tier", idx).
			Float64("new_sl", newSL).Float64("cur_sl", rec.CurrentSL).
			Msg("tier stop would regress, ignored")
		return
	}
	if err := s.exec.UpdateStopLoss(ctx, rec.Symbol, newSL); err != nil {
		s.log.Error().Err(err).Str("symbol", rec.Symbol).Msg("tier stop update failed")
		s.sender.Send("Stop update failed", []string{rec.Symbol, err.Error()})
		return
	}
	rec.Tier = idx
	rec.CurrentSL = newSL
	s.log.Info().Str("symbol", rec.Symbol).Int("tier", idx).
		Float64("peak_pnl_pct", rec.HighestPnL*100).Float64("sl", newSL).
		Msg("tier climbed")
}

// applyBreakeven moves the stop to entry plus a small buffer, once.
func (s *Supervisor) applyBreakeven(ctx context.Context, rec *Record, pnl float64) {
	if rec.BreakevenSet || pnl < s.cfg.BreakevenTriggerPct/100 {
		return
	}
	buffer := s.cfg.BreakevenBufferPct / 100
	var newSL float64
	if rec.Side == venue.SideLong {
		newSL = rec.Entry * (1 + buffer)
	} else {
		newSL = rec.Entry * (1 - buffer)
	}
	if !rec.improves(newSL) {
		return
	}
	if err := s.exec.UpdateStopLoss(ctx, rec.Symbol, newSL); err != nil {
		s.log.Error().Err(err).Str("symbol", rec.Symbol).Msg("breakeven update failed")
		return
	}
	rec.BreakevenSet = true
	rec.CurrentSL = newSL
}

// applyTrailing keeps the stop a fixed distance behind the peak, rising only.
func (s *Supervisor) applyTrailing(ctx context.Context, rec *Record, pnl float64) {
	if !rec.TrailingActive {
		if pnl < s.cfg.TrailingActivatePct/100 {
			return
		}
		rec.TrailingActive = true
	}
	dist := s.cfg.TrailingDistancePct / 100
	var newSL float64
	if rec.Side == venue.SideLong {
		newSL = rec.HighestPrice * (1 - dist)
	} else {
		newSL = rec.HighestPrice * (1 + dist)
	}
	if !rec.improves(newSL) {
		return
	}
	if err := s.exec.UpdateStopLoss(ctx, rec.Symbol, newSL); err != nil {
		s.log.Error().Err(err).Str("symbol", rec.Symbol).Msg("trailing update failed")
		return
	}
	rec.CurrentSL = newSL
}

// applyDynamicTP extends or locks in the take-profit on short-horizon
// momentum, at most every 30 seconds. Both outcomes are sticky.
func (s *Supervisor) applyDynamicTP(ctx context.Context, rec *Record, price, pnl float64) {
	if s.now().Sub(rec.LastMomentumCheck) < 30*time.Second {
		return
	}
	rec.LastMomentumCheck = s.now()

	candles, err := s.client.GetCandles(ctx, rec.Symbol, "1m", 10)
	if err != nil || len(candles) < 6 {
		return
	}
	mom := market.Momentum(candles, 5)
	if rec.Side == venue.SideShort {
		mom = -mom
	}

	switch {
	case mom > 1 && !rec.TPExtended:
		dist := rec.CurrentTP - price
		if rec.Side == venue.SideShort {
			dist = price - rec.CurrentTP
		}
		if dist <= 0 {
			return
		}
		var newTP float64
		if rec.Side == venue.SideLong {
			newTP = rec.CurrentTP + 0.15*dist
		} else {
			newTP = rec.CurrentTP - 0.15*dist
		}
		if err := s.exec.UpdateTakeProfit(ctx, rec.Symbol, newTP); err != nil {
			s.log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("tp extend failed")
			return
		}
		rec.CurrentTP = newTP
		rec.TPExtended = true
	case mom < -0.5 && pnl >= 0.02 && !rec.TPTightened:
		var newTP float64
		if rec.Side == venue.SideLong {
			newTP = price * 1.01
		} else {
			newTP = price * 0.99
		}
		if err := s.exec.UpdateTakeProfit(ctx, rec.Symbol, newTP); err != nil {
			s.log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("tp tighten failed")
			return
		}
		rec.CurrentTP = newTP
		rec.TPTightened = true
	}
}

// checkReversal looks for an RSI cross or opposite MACD flip on fresh
// 5-minute bars. Strategy tags pick the RSI thresholds.
func (s *Supervisor) checkReversal(ctx context.Context, rec *Record) bool {
	candles, err := s.client.GetCandles(ctx, rec.Symbol, "5m", 60)
	if err != nil || len(candles) < 30 {
		return false
	}
	rsi := market.RSI(candles, 14)
	cross := market.MACDCross(candles)

	longThreshold, shortThreshold := 75.0, 25.0
	if rec.Strategy == StrategyHighVol {
		longThreshold, shortThreshold = 65, 35
	}
	if rec.Side == venue.SideLong {
		if rsi >= longThreshold || cross < 0 {
			return true
		}
	} else {
		if rsi <= shortThreshold || cross > 0 {
			return true
		}
	}
	return false
}

// finishExternal records an exit the venue performed on its own (TP or SL
// touched, or a manual close).
func (s *Supervisor) finishExternal(ctx context.Context, rec *Record) {
	price, err := s.client.GetPrice(ctx, rec.Symbol)
	if err != nil {
		price = rec.HighestPrice
	}
	pnl := rec.PnLFraction(price) * 100
	reason := "sl"
	if pnl > 0 {
		reason = "tp"
	}
	s.recordExit(rec, price, reason, pnl)
	s.exec.ClearSymbol(rec.Symbol)
	s.sender.Send("Position closed", []string{
		rec.Symbol, fmt.Sprintf("reason %s, pnl %.2f%%", reason, pnl)})
}

// closePosition flats a position now and records the exit.
func (s *Supervisor) closePosition(ctx context.Context, rec *Record, price float64, reason string) {
	err := s.exec.CloseExisting(ctx, venue.Position{
		Symbol: rec.Symbol, Side: rec.Side, Contracts: rec.Contracts,
	})
	if err != nil {
		s.log.Error().Err(err).Str("symbol", rec.Symbol).Str("reason", reason).Msg("close failed")
		s.sender.Send("Close FAILED", []string{rec.Symbol, reason, err.Error()})
		return
	}
	pnl := rec.PnLFraction(price) * 100
	s.recordExit(rec, price, reason, pnl)
	s.sender.Send("Position closed", []string{
		rec.Symbol, fmt.Sprintf("reason %s, pnl %.2f%%", reason, pnl)})
}

func (s *Supervisor) recordExit(rec *Record, price float64, reason string, pnlPct float64) {
	if s.signals == nil || rec.PushedID == 0 {
		return
	}
	if err := s.signals.UpdateExit(rec.PushedID, price, reason, pnlPct, s.now()); err != nil {
		s.log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("exit write failed")
	}
}

// maybeCounterTrade opens an opposite-side limit after a profitable
// reversal exit on the high-volatility strategy. Gates run in order:
// capacity, then balance, then profit.
func (s *Supervisor) maybeCounterTrade(ctx context.Context, rec *Record, price float64) {
	if !s.cfg.CounterTradeEnabled || rec.Strategy != StrategyHighVol {
		return
	}
	margin := rec.Contracts * price / 5 // standard size at default leverage
	if err := s.exec.Precheck(ctx, margin); err != nil {
		s.log.Debug().Err(err).Str("symbol", rec.Symbol).Msg("counter-trade precheck failed")
		return
	}
	profit := rec.PnLFraction(price) * 100
	if profit < s.cfg.CounterTradeMinProfit {
		return
	}
	side := rec.Side.Opposite()
	var sl, tp float64
	if side == venue.SideLong {
		sl, tp = price*0.98, price*1.04
	} else {
		sl, tp = price*1.02, price*0.96
	}
	_, err := s.exec.CreateOrderWithSLTP(ctx, venue.OrderParams{
		Symbol: rec.Symbol, Side: side, Type: venue.OrderLimit,
		Amount: rec.Contracts, Price: price,
	}, sl, tp)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("counter-trade failed")
		return
	}
	s.Track(&Record{
		Symbol: rec.Symbol, Side: side, Entry: price, Contracts: rec.Contracts,
		OriginalSL: sl, OriginalTP: tp, CurrentSL: sl, CurrentTP: tp,
		Tier: -1, Strategy: StrategyHighVol,
	})
	s.sender.Send("Counter-trade opened", []string{
		rec.Symbol, fmt.Sprintf("%s after %.2f%% profit", side, profit)})
}
