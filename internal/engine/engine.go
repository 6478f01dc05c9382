// Package engine wires the pipeline together and runs the cycle loop.
// All mutable state is owned by the Engine value; components are invoked
// in dependency order inside each cycle.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"perp-engine/config"
	"perp-engine/internal/ai"
	"perp-engine/internal/dedup"
	"perp-engine/internal/detect"
	"perp-engine/internal/executor"
	"perp-engine/internal/highvol"
	"perp-engine/internal/logging"
	"perp-engine/internal/market"
	"perp-engine/internal/notify"
	"perp-engine/internal/position"
	"perp-engine/internal/review"
	"perp-engine/internal/store"
	"perp-engine/internal/watch"
	"perp-engine/internal/venue"
)

// pendingEntry tracks a placed track-1 entry until it fills.
type pendingEntry struct {
	Symbol   string
	Side     venue.Side
	OrderID  string
	PushedID int64
	SL, TP   float64
	Kind     detect.Kind
	PlacedAt time.Time
}

// Engine is the owning coordinator for all pipeline state.
type Engine struct {
	cfg *config.Config
	log zerolog.Logger

	client venue.Client
	cache  *market.Cache

	reversal *detect.ReversalDetector
	trend    *detect.TrendDetector
	dedup    *dedup.Deduplicator
	reviewer *review.Reviewer
	watcher  *watch.Watcher
	track    *highvol.Track
	super    *position.Supervisor
	exec     *executor.Executor
	llm      *ai.Client
	sender   notify.Sender

	signals  *store.SignalStore
	watchDB  *store.WatchStore
	hvDB     *store.HighVolStore
	training *store.TrainingStore

	pendingEntries map[string]*pendingEntry
	cron           *cron.Cron
	cycle          int64
}

// New assembles the engine from configuration.
func New(cfg *config.Config, log zerolog.Logger) (*Engine, error) {
	var client venue.Client
	if cfg.Venue.MockMode {
		client = venue.NewMockClient()
	} else {
		client = venue.NewRESTClient(venue.RESTConfig{
			BaseURL:    cfg.Venue.BaseURL,
			APIKey:     cfg.Venue.APIKey,
			SecretKey:  cfg.Venue.SecretKey,
			Passphrase: cfg.Venue.Passphrase,
			Timeout:    time.Duration(cfg.Venue.TimeoutSec) * time.Second,
			RatePerSec: cfg.Venue.RatePerSec,
			RateBurst:  cfg.Venue.RateBurst,
		}, logging.Component(log, "venue"))
	}

	signals, err := store.NewSignalStore(cfg.Store.SignalsPath)
	if err != nil {
		return nil, err
	}
	watchDB, err := store.NewWatchStore(cfg.Store.WatchPath)
	if err != nil {
		return nil, err
	}
	hvDB, err := store.NewHighVolStore(cfg.Store.HighVolPath)
	if err != nil {
		return nil, err
	}
	training, err := store.NewTrainingStore(cfg.Store.TrainingPath)
	if err != nil {
		return nil, err
	}

	cache := market.NewCache(client, market.Config{
		BTCTTL:          time.Duration(cfg.Market.BTCTTLSec) * time.Second,
		UniverseTTL:     time.Duration(cfg.Market.UniverseTTLMin) * time.Minute,
		WideUniverseTTL: time.Duration(cfg.Market.WideUniverseTTLMin) * time.Minute,
		UniverseSize:    cfg.Market.UniverseSize,
		WideSize:        cfg.Market.WideUniverseSize,
		MinCandles:      cfg.Market.MinCandles,
		CandleLimit:     cfg.Market.CandleLimit,
		FundingTail:     cfg.Market.FundingTail,
		StaticMajors:    cfg.Market.StaticMajors,
	}, logging.Component(log, "market"))

	llm := ai.NewClient(cfg.AI, logging.Component(log, "ai"))
	sender := notify.New(cfg.Notify, logging.Component(log, "notify"))
	exec := executor.New(cfg.Executor, client, signals, logging.Component(log, "executor"))
	super := position.NewSupervisor(cfg.Position, client, exec, signals, llm, sender,
		logging.Component(log, "position"))

	e := &Engine{
		cfg:      cfg,
		log:      log,
		client:   client,
		cache:    cache,
		reversal: detect.NewReversalDetector(cfg.Detect.Reversal),
		trend:    detect.NewTrendDetector(cfg.Detect.Trend),
		dedup:    dedup.New(cfg.Dedup),
		reviewer: review.NewReviewer(cfg.Review, llm, logging.Component(log, "review")),
		watcher: watch.New(cfg.Watch, client, watchDB, signals, llm, sender,
			logging.Component(log, "watch")),
		track: highvol.NewTrack(cfg.HighVol, client, cache, hvDB, exec, super, llm, sender,
			logging.Component(log, "highvol")),
		super:          super,
		exec:           exec,
		llm:            llm,
		sender:         sender,
		signals:        signals,
		watchDB:        watchDB,
		hvDB:           hvDB,
		training:       training,
		pendingEntries: make(map[string]*pendingEntry),
	}
	e.cron = e.buildCron()
	return e, nil
}

// Close releases the stores.
func (e *Engine) Close() {
	if e.cron != nil {
		e.cron.Stop()
	}
	e.signals.Close()
	e.watchDB.Close()
	e.hvDB.Close()
	e.training.Close()
}

// buildCron schedules the background tasks: training-sample labelling and
// the daily report push. They only touch the stores and the notifier.
func (e *Engine) buildCron() *cron.Cron {
	c := cron.New(cron.WithLocation(time.UTC))
	c.AddFunc("*/10 * * * *", func() {
		if err := e.labelTrainingSamples(context.Background()); err != nil {
			e.log.Warn().Err(err).Msg("training labelling failed")
		}
	})
	c.AddFunc("5 0 * * *", func() {
		report, err := e.BuildReport(24 * time.Hour)
		if err != nil {
			return
		}
		e.sender.Send("Daily report", report)
	})
	return c
}

// RunLoop runs cycles until the context is cancelled. Cancellation is
// cooperative: the in-flight cycle finishes its critical order writes
// before the loop exits.
func (e *Engine) RunLoop(ctx context.Context) error {
	e.cron.Start()
	defer e.cron.Stop()

	interval := e.cfg.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("shutdown requested, loop exiting")
			return nil
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle executes the components in dependency order. Every step catches
// its own failures; a cycle yields a best-effort partial result.
func (e *Engine) RunCycle(ctx context.Context) {
	e.cycle++
	start := time.Now()
	log := e.log.With().Int64("cycle", e.cycle).Logger()

	// C1: market snapshots.
	btc := e.cache.SnapshotBTC(ctx)
	universe := e.cache.Universe(ctx)
	candles := e.cache.SnapshotCandles(ctx, universe, "1m", e.cfg.Market.CandleLimit, e.cfg.Engine.Workers)
	funding := e.cache.SnapshotFunding(ctx, universe)

	tickers := e.fetchTickers(ctx)

	// C2 -> C3 -> C4 -> C5 enqueue, per symbol.
	for sym, bars := range candles {
		e.processSymbol(ctx, sym, bars, tickers[sym], btc, funding[sym])
	}

	// C5: watcher tick; triggers feed C8 within the same cycle.
	for _, trig := range e.watcher.Tick(ctx, btc) {
		e.executeTrigger(ctx, trig)
	}
	e.checkPendingEntries(ctx)

	// C6: high-volatility track.
	e.track.Scan(ctx)
	e.track.Tick(ctx, btc)

	// C7: position supervision.
	e.super.Tick(ctx, btc)

	log.Info().Dur("took", time.Since(start)).Int("universe", len(universe)).
		Int("hv_pool", e.track.PoolSize()).Msg("cycle complete")
}

func (e *Engine) fetchTickers(ctx context.Context) map[string]*venue.Ticker24h {
	out := make(map[string]*venue.Ticker24h)
	tickers, err := e.client.GetAllTickers(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("ticker fetch failed")
		return out
	}
	for i := range tickers {
		out[tickers[i].Symbol] = &tickers[i]
	}
	return out
}

// processSymbol runs detection through review for one symbol. The dedup
// decision happens synchronously between detection and review.
func (e *Engine) processSymbol(ctx context.Context, sym string, bars []venue.Candle,
	ticker *venue.Ticker24h, btc *market.BTCSnapshot, funding market.FundingScore) {

	metrics := market.ComputeMetrics(sym, bars, ticker)
	e.cache.AttachSmartMoney(ctx, &metrics)

	sub := detect.Neutral()
	sub.Funding = funding.Score

	cand, _ := e.reversal.Detect(metrics, btc, sub)
	if cand == nil {
		cand, _ = e.trend.Detect(metrics, btc)
	}
	if cand == nil {
		return
	}

	_ = e.signals.InsertSignal(cand.Symbol, string(cand.Side), string(cand.Kind),
		cand.Score, cand.Price, cand.RSI)

	ok, reason := e.dedup.ShouldEmit(cand.Symbol, string(cand.Kind), cand.Score, cand.Side)
	if !ok {
		e.log.Debug().Str("symbol", sym).Str("reason", reason).Msg("dedup suppressed")
		return
	}

	rc := review.Context{
		Cand:         cand,
		BTC:          btc,
		Funding:      funding,
		BookBidShare: 0.5,
	}
	if z := e.cache.FundingZScore(sym); z != 0 {
		rc.FundingZ, rc.HasZ = z, true
	}
	if book, err := e.client.GetOrderBook(ctx, sym, 20); err == nil {
		rc.BookBidShare = book.BidShare()
		rc.SlippageEstPct = estimateSlippage(book, cand.Price)
	}

	res := e.reviewer.Review(ctx, rc)
	if !res.Approved {
		e.log.Info().Str("symbol", sym).Str("kind", string(cand.Kind)).
			Str("reason", res.Reason).Msg("review rejected")
		return
	}

	pushedID, err := e.signals.InsertPushed(store.PushedSignal{
		Symbol: cand.Symbol, Side: string(cand.Side), Kind: string(cand.Kind),
		Score: cand.Score, RSI: cand.RSI, ADX: cand.ADX,
		Entry: cand.Price, SL: cand.SLPrice, TP: cand.TPPrice,
		EntryAI: res.Source,
	})
	if err != nil {
		e.log.Error().Err(err).Str("symbol", sym).Msg("pushed insert failed")
		return
	}
	if _, err := e.watcher.Enqueue(cand, pushedID); err != nil {
		e.log.Error().Err(err).Str("symbol", sym).Msg("watch enqueue failed")
	}

	if features, err := json.Marshal(cand.Metrics); err == nil {
		_, _ = e.training.AddPending(store.TrainingSignal{
			Symbol: cand.Symbol, Side: string(cand.Side), Kind: string(cand.Kind),
			Features: string(features), Price: cand.Price,
		})
	}
	e.sender.Send("Signal approved", []string{
		cand.Symbol,
		fmt.Sprintf("%s %s score %.2f (%s)", cand.Side, cand.Kind, cand.Score, res.Source),
	})
}

// estimateSlippage approximates the cost of eating the book to fill at
// the far touch, as a percent of price.
func estimateSlippage(book *venue.OrderBook, price float64) float64 {
	if price <= 0 || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return 0
	}
	spread := book.Asks[0].Price - book.Bids[0].Price
	if spread <= 0 {
		return 0
	}
	return spread / price * 100
}

// executeTrigger turns a priced watch row into a live order. Order creation
// is the one critical write: it runs detached from loop cancellation so an
// interrupt cannot strand an unprotected entry.
func (e *Engine) executeTrigger(ctx context.Context, trig watch.Trigger) {
	if e.cfg.Engine.ObserveOnly {
		e.log.Info().Str("symbol", trig.Row.Symbol).Msg("observe-only: order skipped")
		return
	}
	sym := trig.Row.Symbol
	side := venue.Side(trig.Row.Side)

	// Opposite-side handling: close an existing opposite position first,
	// skip entirely when a same-side one exists.
	if positions, err := e.client.GetPositions(ctx); err == nil {
		for _, pos := range positions {
			if pos.Symbol != sym || pos.Contracts == 0 {
				continue
			}
			if pos.Side == side {
				e.log.Info().Str("symbol", sym).Msg("same-side position exists, skipping")
				_ = e.signals.UpdateStatus(trig.PushedID, store.OrderCancelled)
				return
			}
			if err := e.exec.CloseExisting(ctx, pos); err != nil {
				e.log.Error().Err(err).Str("symbol", sym).Msg("opposite close failed")
				return
			}
			e.super.Untrack(sym)
		}
	}

	info, err := e.client.GetSymbolInfo(ctx, sym)
	if err != nil {
		e.log.Error().Err(err).Str("symbol", sym).Msg("symbol info failed")
		return
	}
	margin := e.cfg.Executor.TotalCapital * 0.10
	amount, err := executor.SnapAmount(margin*float64(e.cfg.Venue.DefaultLever)/trig.Entry, info)
	if err != nil {
		e.log.Info().Err(err).Str("symbol", sym).Msg("below venue minimum")
		_ = e.signals.UpdateStatus(trig.PushedID, executor.SkipMinAmount)
		return
	}
	if err := e.exec.Precheck(ctx, margin); err != nil {
		e.log.Info().Err(err).Str("symbol", sym).Msg("precheck rejected trade")
		return
	}
	_ = e.client.SetLeverage(ctx, sym, e.cfg.Venue.DefaultLever)

	// Detached from cancellation: entry + OCO must complete as a unit.
	orderCtx := context.WithoutCancel(ctx)
	order, err := e.exec.CreateOrderWithSLTP(orderCtx, venue.OrderParams{
		Symbol: sym, Side: side, Type: trig.OrderType,
		Amount: amount, Price: executor.SnapPrice(trig.Entry, info),
	}, executor.SnapPrice(trig.SL, info), executor.SnapPrice(trig.TP, info))
	if err != nil {
		e.log.Error().Err(err).Str("symbol", sym).Msg("entry failed")
		e.sender.Send("Entry FAILED", []string{sym, err.Error()})
		return
	}
	_ = e.signals.InsertTrade(store.AutoTrade{
		Symbol: sym, Side: string(side), OrderID: order.ID,
		Amount: amount, Price: trig.Entry, Status: order.Status,
	})

	if order.Status == "filled" || order.Filled > 0 {
		e.onEntryFilled(trig.PushedID, sym, side, order.AvgPrice, order.Filled, trig.SL, trig.TP, detect.Kind(trig.Row.Kind))
		return
	}
	e.pendingEntries[sym] = &pendingEntry{
		Symbol: sym, Side: side, OrderID: order.ID, PushedID: trig.PushedID,
		SL: trig.SL, TP: trig.TP, Kind: detect.Kind(trig.Row.Kind), PlacedAt: time.Now().UTC(),
	}
}

// checkPendingEntries polls outstanding track-1 limit entries each cycle.
func (e *Engine) checkPendingEntries(ctx context.Context) {
	for sym, pe := range e.pendingEntries {
		order, err := e.client.GetOrder(ctx, sym, pe.OrderID)
		if err != nil {
			if venue.IsNotFound(err) {
				delete(e.pendingEntries, sym)
			}
			continue
		}
		switch {
		case order.Status == "filled" || order.Filled > 0:
			e.onEntryFilled(pe.PushedID, sym, pe.Side, order.AvgPrice, order.Filled, pe.SL, pe.TP, pe.Kind)
			delete(e.pendingEntries, sym)
		case time.Since(pe.PlacedAt) > 30*time.Minute:
			if err := e.exec.CancelEntry(ctx, sym, pe.OrderID); err == nil {
				_ = e.signals.UpdateStatus(pe.PushedID, store.OrderCancelled)
				delete(e.pendingEntries, sym)
				e.log.Info().Str("symbol", sym).Msg("stale entry cancelled")
			}
		}
	}
}

func (e *Engine) onEntryFilled(pushedID int64, sym string, side venue.Side,
	avgPrice, filled, sl, tp float64, kind detect.Kind) {

	_ = e.signals.UpdateFill(pushedID, avgPrice, time.Now().UTC())
	strategy := position.StrategyReversal
	if kind == detect.KindTrendAnticipation {
		strategy = position.StrategyTrend
	}
	e.super.Track(&position.Record{
		Symbol: sym, Side: side, Entry: avgPrice, Contracts: filled,
		OriginalSL: sl, OriginalTP: tp, CurrentSL: sl, CurrentTP: tp,
		Tier: -1, Strategy: strategy, PushedID: pushedID,
	})
	e.sender.Send("Entry filled", []string{
		sym, fmt.Sprintf("%s @ %.6g, sl %.6g tp %.6g", side, avgPrice, sl, tp)})
}

// labelTrainingSamples finalises pending training rows whose one-hour
// horizon elapsed, labelling by realised price move.
func (e *Engine) labelTrainingSamples(ctx context.Context) error {
	pending, err := e.training.PendingOlderThan(time.Hour)
	if err != nil {
		return err
	}
	for _, sig := range pending {
		price, err := e.client.GetPrice(ctx, sig.Symbol)
		if err != nil || sig.Price == 0 {
			continue
		}
		pnl := (price - sig.Price) / sig.Price * 100
		if sig.Side == string(venue.SideShort) {
			pnl = -pnl
		}
		if err := e.training.Finalise(sig, pnl, 60); err != nil {
			e.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("finalise sample failed")
		}
	}
	return nil
}

// BuildReport renders win/loss aggregates over the window.
func (e *Engine) BuildReport(window time.Duration) ([]string, error) {
	rows, err := e.signals.Report(time.Now().UTC().Add(-window))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []string{"no closed trades in window"}, nil
	}
	var lines []string
	for _, r := range rows {
		winRate := 0.0
		if r.Count > 0 {
			winRate = float64(r.Wins) / float64(r.Count) * 100
		}
		lines = append(lines, fmt.Sprintf("%s: %d trades, %.0f%% wins, avg %.2f%%, total %.2f%%",
			r.Kind, r.Count, winRate, r.AvgPnL, r.TotalPnL))
	}
	return lines, nil
}
