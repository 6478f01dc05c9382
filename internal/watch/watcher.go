// Package watch holds approved candidates in a short tactical window. Each
// tick re-runs fast deterministic rules; only on a pass does the premium
// model price the entry.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"perp-engine/config"
	"perp-engine/internal/ai"
	"perp-engine/internal/detect"
	"perp-engine/internal/market"
	"perp-engine/internal/notify"
	"perp-engine/internal/store"
	"perp-engine/internal/venue"
)

// Trigger is handed to the executor when a row prices successfully.
type Trigger struct {
	Row       store.WatchRow
	PushedID  int64
	OrderType venue.OrderType
	Entry     float64
	SL        float64
	TP        float64
	Source    string
}

// Watcher owns the observation queue.
type Watcher struct {
	cfg    config.WatchConfig
	client venue.Client
	rows   *store.WatchStore
	pushed *store.SignalStore
	llm    *ai.Client
	sender notify.Sender
	log    zerolog.Logger

	now func() time.Time
}

func New(cfg config.WatchConfig, client venue.Client, rows *store.WatchStore,
	pushed *store.SignalStore, llm *ai.Client, sender notify.Sender, log zerolog.Logger) *Watcher {
	return &Watcher{
		cfg:    cfg,
		client: client,
		rows:   rows,
		pushed: pushed,
		llm:    llm,
		sender: sender,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source, for tests.
func (w *Watcher) SetClock(now func() time.Time) { w.now = now }

// ExpiryFor maps a candidate kind and RSI extremity to row lifetime.
func (w *Watcher) ExpiryFor(kind detect.Kind, extreme bool) int {
	switch {
	case kind == detect.KindTrendAnticipation:
		return w.cfg.ExpireTrendMin
	case extreme:
		return w.cfg.ExpireExtremeMin
	default:
		return w.cfg.ExpireNormalMin
	}
}

// Enqueue inserts a watch row for an approved candidate. Duplicate
// (symbol, side) inserts inside the guard window are stored as
// duplicate_skipped and reported.
func (w *Watcher) Enqueue(cand *detect.Candidate, pushedID int64) (bool, error) {
	payload, err := json.Marshal(cand)
	if err != nil {
		return false, fmt.Errorf("marshal candidate: %w", err)
	}
	row := store.WatchRow{
		PushedID:  pushedID,
		Symbol:    cand.Symbol,
		Side:      string(cand.Side),
		Kind:      string(cand.Kind),
		Extreme:   cand.ExtremeRSI,
		Price:     cand.Price,
		RSI:       cand.RSI,
		ADX:       cand.ADX,
		SL:        cand.SLPrice,
		TP:        cand.TPPrice,
		Payload:   string(payload),
		ExpireMin: w.ExpiryFor(cand.Kind, cand.ExtremeRSI),
	}
	_, inserted, err := w.rows.Insert(row, w.cfg.InsertGuardMin)
	if err != nil {
		return false, err
	}
	if !inserted {
		w.log.Info().Str("symbol", cand.Symbol).Str("side", string(cand.Side)).
			Msg("duplicate watch insert skipped")
	}
	return inserted, nil
}

// Tick walks the live rows once. Triggered rows are returned for the
// executor to act on within the same cycle.
func (w *Watcher) Tick(ctx context.Context, btc *market.BTCSnapshot) []Trigger {
	rows, err := w.rows.ListWatching()
	if err != nil {
		w.log.Error().Err(err).Msg("list watch rows")
		return nil
	}
	now := w.now()
	interval := time.Duration(w.cfg.CheckIntervalSec) * time.Second
	var triggers []Trigger

	for _, row := range rows {
		elapsed := now.Sub(row.CreatedAt)
		if elapsed >= time.Duration(row.ExpireMin)*time.Minute {
			w.terminate(row, store.WatchExpired, fmt.Sprintf("expired after %.0f min", elapsed.Minutes()))
			continue
		}
		if now.Sub(row.LastCheck) < interval && elapsed > interval {
			continue
		}
		trig, ok := w.tickRow(ctx, row, btc)
		if ok {
			triggers = append(triggers, trig)
		}
	}
	return triggers
}

func (w *Watcher) tickRow(ctx context.Context, row store.WatchRow, btc *market.BTCSnapshot) (Trigger, bool) {
	price, err := w.client.GetPrice(ctx, row.Symbol)
	if err != nil {
		w.log.Warn().Err(err).Str("symbol", row.Symbol).Msg("watch price fetch failed")
		_ = w.rows.Touch(row.ID)
		return Trigger{}, false
	}
	candles, err := w.client.GetCandles(ctx, row.Symbol, "1m", 60)
	if err != nil || len(candles) < 20 {
		_ = w.rows.Touch(row.ID)
		return Trigger{}, false
	}
	rsi := market.RSI(candles, 14)
	atr := market.ATR(candles, 14)
	atrPct := 0.0
	if price > 0 {
		atrPct = atr / price * 100
	}

	decision, reason := TimingGate(w.cfg, row, GateInput{Price: price, RSI: rsi, ATRPct: atrPct, BTC: btc})
	switch decision {
	case Wait:
		_ = w.rows.Touch(row.ID)
		return Trigger{}, false
	case Abandon:
		w.terminate(row, store.WatchAbandoned, reason)
		return Trigger{}, false
	}

	return w.priceRow(ctx, row, price, rsi, atrPct, candles, btc)
}

// pricingVerdict is the JSON shape of the final pricing decision.
type pricingVerdict struct {
	Decision       string  `json:"decision"` // EXECUTE_LIMIT, EXECUTE_MARKET, ABANDON
	EntryOffsetPct float64 `json:"entry_offset_pct"`
	Reasoning      string  `json:"reasoning"`
}

// priceRow collects the realtime snapshot and asks the premium model how
// to enter. This is a pricing question, not a re-review.
func (w *Watcher) priceRow(ctx context.Context, row store.WatchRow, price, rsi, atrPct float64,
	candles []venue.Candle, btc *market.BTCSnapshot) (Trigger, bool) {

	volRatio := market.VolumeRatio(candles, 20)
	adx := market.ADX(candles, 14)
	cross := market.MACDCross(candles)
	bidShare := 0.5
	if book, err := w.client.GetOrderBook(ctx, row.Symbol, 20); err == nil {
		bidShare = book.BidShare()
	}

	long := venue.Side(row.Side) == venue.SideLong
	drift := (price - row.Price) / row.Price * 100
	if !long {
		drift = -drift
	}
	// Further drift away from detection asks for a larger pullback.
	defaultOffset := 0.3 + math.Min(math.Max(drift, 0)*0.5, 0.5)

	system := "You time entries for approved crypto perpetual futures signals. " +
		"This is a pricing decision, not a re-review. Respond with a single JSON object only: " +
		`{"decision": "EXECUTE_LIMIT"|"EXECUTE_MARKET"|"ABANDON", "entry_offset_pct": number, "reasoning": "..."}. ` +
		"EXECUTE_MARKET only on a strong breakout with exploding volume and a severely imbalanced book. " +
		"ABANDON only when the market fundamentally shifted (price >= 3% against, RSI fully normalised, BTC sharply against)."

	user := fmt.Sprintf(
		"Signal: %s %s (%s)\nDetected at %.6g, RSI %.1f; now %.6g, RSI %.1f (drift %.2f%% with direction)\n"+
			"Volume ratio: %.2f  ATR%%: %.2f  ADX: %.1f  MACD cross: %d\nOrder book bid share: %.2f\n",
		row.Symbol, row.Side, row.Kind, row.Price, row.RSI, price, rsi, drift,
		volRatio, atrPct, adx, cross, bidShare)
	if btc != nil {
		user += fmt.Sprintf("BTC 5-bar trend: %.2f%% (1h %.2f%%, action %s)\n",
			btc.Change15m, btc.Change1h, btc.Action)
	}
	user += fmt.Sprintf("Suggested limit offset: %.2f%%. Reply with JSON only.", defaultOffset)

	text, source, err := w.llm.CompletePremium(ctx, system, user)
	if err != nil {
		// No model, no trade this tick; the row keeps watching.
		_ = w.rows.Touch(row.ID)
		return Trigger{}, false
	}
	var v pricingVerdict
	if err := ai.ExtractJSON(text, &v); err != nil {
		_ = w.rows.Touch(row.ID)
		return Trigger{}, false
	}

	switch v.Decision {
	case "ABANDON":
		w.terminate(row, store.WatchAbandoned, "pricing: "+v.Reasoning)
		return Trigger{}, false
	case "EXECUTE_MARKET":
		return w.finishTrigger(row, venue.OrderMarket, price, source)
	default: // EXECUTE_LIMIT
		offset := v.EntryOffsetPct
		if offset <= 0 || offset > 0.8 {
			offset = defaultOffset
		}
		var entry float64
		if long {
			entry = price * (1 - offset/100)
		} else {
			entry = price * (1 + offset/100)
		}
		return w.finishTrigger(row, venue.OrderLimit, entry, source)
	}
}

func (w *Watcher) finishTrigger(row store.WatchRow, orderType venue.OrderType, entry float64, source string) (Trigger, bool) {
	if w.pushed != nil && row.PushedID != 0 {
		if err := w.pushed.UpdateTrigger(row.PushedID, entry, row.SL, row.TP, string(orderType), source); err != nil {
			w.log.Error().Err(err).Str("symbol", row.Symbol).Msg("trigger write failed")
			return Trigger{}, false
		}
	}
	if err := w.rows.SetTerminal(row.ID, store.WatchTriggered, "priced"); err != nil {
		w.log.Error().Err(err).Str("symbol", row.Symbol).Msg("trigger transition failed")
		return Trigger{}, false
	}
	w.sender.Send("Signal triggered", []string{
		row.Symbol, fmt.Sprintf("%s %s entry %.6g", row.Side, orderType, entry)})
	return Trigger{
		Row: row, PushedID: row.PushedID, OrderType: orderType,
		Entry: entry, SL: row.SL, TP: row.TP, Source: source,
	}, true
}

func (w *Watcher) terminate(row store.WatchRow, status, reason string) {
	if err := w.rows.SetTerminal(row.ID, status, reason); err != nil {
		w.log.Error().Err(err).Str("symbol", row.Symbol).Msg("terminal transition failed")
		return
	}
	w.log.Info().Str("symbol", row.Symbol).Str("status", status).Str("reason", reason).Msg("watch row closed")
	w.sender.Send("Watch "+status, []string{row.Symbol, reason})
	if status == store.WatchExpired && w.pushed != nil && row.PushedID != 0 {
		_ = w.pushed.UpdateStatus(row.PushedID, store.OrderCancelled)
	}
}
