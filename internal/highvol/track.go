// Package highvol runs the parallel high-volatility pipeline: a bounded
// observation pool over a wide universe, readiness/health scoring, and its
// own AI-priced limit-order lane.
package highvol

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"perp-engine/config"
	"perp-engine/internal/ai"
	"perp-engine/internal/executor"
	"perp-engine/internal/market"
	"perp-engine/internal/notify"
	"perp-engine/internal/position"
	"perp-engine/internal/store"
	"perp-engine/internal/venue"
)

// poolRow is the in-memory working copy of a high-vol store row plus the
// anchor metrics frozen at admission.
type poolRow struct {
	store.HighVolRow
	entryBBWidth float64
	entryRSI     float64
	placedAt     time.Time
	entryOrderID string
}

// Track owns the pool. All mutation happens on the engine loop.
type Track struct {
	cfg    config.HighVolConfig
	client venue.Client
	cache  *market.Cache
	rows   *store.HighVolStore
	exec   *executor.Executor
	super  *position.Supervisor
	llm    *ai.Client
	sender notify.Sender
	log    zerolog.Logger

	pool map[string]*poolRow
	now  func() time.Time
}

func NewTrack(cfg config.HighVolConfig, client venue.Client, cache *market.Cache,
	rows *store.HighVolStore, exec *executor.Executor, super *position.Supervisor,
	llm *ai.Client, sender notify.Sender, log zerolog.Logger) *Track {
	return &Track{
		cfg:    cfg,
		client: client,
		cache:  cache,
		rows:   rows,
		exec:   exec,
		super:  super,
		llm:    llm,
		sender: sender,
		log:    log,
		pool:   make(map[string]*poolRow),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Scan discovers admission candidates from the wide universe and fills the
// pool up to capacity.
func (t *Track) Scan(ctx context.Context) {
	if !t.cfg.Enabled || len(t.pool) >= t.cfg.PoolCapacity {
		return
	}
	tickers, err := t.client.GetAllTickers(ctx)
	if err != nil {
		t.log.Warn().Err(err).Msg("highvol ticker scan failed")
		return
	}
	wide := make(map[string]bool)
	for _, sym := range t.cache.WideUniverse(ctx) {
		wide[sym] = true
	}
	for _, tk := range tickers {
		if len(wide) > 0 && !wide[tk.Symbol] {
			continue
		}
		if len(t.pool) >= t.cfg.PoolCapacity {
			break
		}
		if _, inPool := t.pool[tk.Symbol]; inPool {
			continue
		}
		if venue.IsDelivery(tk.Symbol) {
			continue
		}
		reason := t.admit(ctx, tk)
		if reason != "" && !strings.Contains(reason, "outside band") && !strings.Contains(reason, "volume") {
			t.log.Debug().Str("symbol", tk.Symbol).Str("reason", reason).Msg("highvol reject")
		}
	}
}

// admit runs the hard filter; an empty return means the symbol entered the
// pool.
func (t *Track) admit(ctx context.Context, tk venue.Ticker24h) string {
	change := tk.ChangePct
	if change < 0 {
		change = -change
	}
	if change < t.cfg.MinChange24h || change > t.cfg.MaxChange24h {
		return fmt.Sprintf("24h change %.1f%% outside band", tk.ChangePct)
	}
	if tk.QuoteVolume < t.cfg.MinQuoteVolume {
		return fmt.Sprintf("24h volume %.0f below floor", tk.QuoteVolume)
	}

	candles, err := t.client.GetCandles(ctx, tk.Symbol, "1m", 120)
	if err != nil || len(candles) < 60 {
		return "insufficient candles"
	}
	price := candles[len(candles)-1].Close

	if change5m := market.Momentum(candles, 5); change5m > t.cfg.MaxChange5m {
		return fmt.Sprintf("already moved %.1f%% in 5m", change5m)
	}
	bw := market.BBWidth(candles)
	if widths := market.BBWidthSeries(candles); len(widths) >= 20 {
		var mean float64
		tail := widths[len(widths)-20:]
		for _, w := range tail {
			mean += w
		}
		mean /= float64(len(tail))
		if mean > 0 && bw > 1.3*mean {
			return "already broken out"
		}
	}
	cvd := market.DetectCVDDivergence(candles, 20)
	if cvd.Detected && cvd.Strength > 60 {
		return fmt.Sprintf("fake breakout: cvd divergence strength %.0f", cvd.Strength)
	}
	if er := market.EfficiencyRatio(candles, 20); er < t.cfg.MinEfficiencyRatio {
		return fmt.Sprintf("efficiency %.2f below floor", er)
	}

	atr := market.ATR(candles, 14)
	atrPct := 0.0
	if price > 0 {
		atrPct = atr / price * 100
	}
	ready := readinessScore(candles, price, nil)

	row := &poolRow{
		HighVolRow: store.HighVolRow{
			Symbol:        tk.Symbol,
			SignalPrice:   price,
			Change24h:     tk.ChangePct,
			QuoteVolume:   tk.QuoteVolume,
			ATRPct:        atrPct,
			Readiness:     ready.Score,
			ReadinessTags: strings.Join(ready.Tags, ","),
			PeakReadiness: ready.Score,
			Health:        100,
			Status:        store.HVWatching,
			Strategy:      position.StrategyHighVol,
		},
		entryBBWidth: bw,
		entryRSI:     market.RSI(candles, 14),
	}
	id, err := t.rows.Insert(row.HighVolRow)
	if err != nil {
		t.log.Error().Err(err).Str("symbol", tk.Symbol).Msg("highvol insert failed")
		return "store error"
	}
	row.ID = id
	t.pool[tk.Symbol] = row
	t.log.Info().Str("symbol", tk.Symbol).Float64("readiness", ready.Score).
		Float64("change_24h", tk.ChangePct).Msg("highvol pool admission")
	return ""
}

// Tick re-scores every pool row, promotes ready rows through AI pricing,
// and manages outstanding limit orders.
func (t *Track) Tick(ctx context.Context, btc *market.BTCSnapshot) {
	if !t.cfg.Enabled {
		return
	}
	for sym, row := range t.pool {
		switch row.Status {
		case store.HVLimitPlaced:
			t.superviseLimit(ctx, row)
		default:
			t.tickWatching(ctx, sym, row, btc)
		}
	}
}

func (t *Track) tickWatching(ctx context.Context, sym string, row *poolRow, btc *market.BTCSnapshot) {
	candles, err := t.client.GetCandles(ctx, sym, "1m", 120)
	if err != nil || len(candles) < 60 {
		return
	}
	price := candles[len(candles)-1].Close

	h := healthScore(candles, price, row.SignalPrice, row.entryBBWidth, row.entryRSI)
	row.Health = h.Score
	row.TrendTags = strings.Join(h.Tags, ",")
	if h.Score < t.cfg.MinHealth {
		t.retire(row, store.HVAbandoned, "health "+fmt.Sprintf("%.0f", h.Score)+": "+row.TrendTags)
		return
	}

	ready := readinessScore(candles, price, btc)
	row.Readiness = ready.Score
	row.ReadinessTags = strings.Join(ready.Tags, ",")
	if ready.Score > row.PeakReadiness {
		row.PeakReadiness = ready.Score
	}
	if ok, tag := precursor(candles, ready); ok && row.Readiness < t.cfg.ReadyThreshold {
		row.Readiness = t.cfg.ReadyThreshold
		row.ReadinessTags += ",precursor:" + tag
	}

	if row.Readiness < t.cfg.ReadyThreshold {
		row.Status = store.HVWatching
		_ = t.rows.Update(row.HighVolRow)
		return
	}
	row.Status = store.HVReady

	// Full breakout-quality bundle, one pass.
	q := market.AssessBreakout(candles)
	row.CVDScore = q.CVD.Strength
	row.CVDTag = q.CVD.Direction
	row.Efficiency = q.Efficiency
	row.Hurst = q.Hurst
	row.QualityScore = q.Score
	row.FakeBreakout = q.FakeBreakout
	if q.FakeBreakout && q.Score < 40 {
		t.retire(row, store.HVAbandoned, fmt.Sprintf("fake breakout, quality %.0f", q.Score))
		return
	}

	if row.AIReviews >= t.cfg.MaxAIReviews {
		t.retire(row, store.HVTimeout, "ai review budget spent")
		return
	}
	t.priceAndPlace(ctx, row, candles, price, btc)
	_ = t.rows.Update(row.HighVolRow)
}

// hvVerdict is the JSON shape of the pricing-plus-quality answer.
type hvVerdict struct {
	Direction      string  `json:"direction"` // long, short, unclear
	EntryOffsetPct float64 `json:"entry_offset_pct"`
	TakeProfitPct  float64 `json:"take_profit_pct"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
}

func (t *Track) priceAndPlace(ctx context.Context, row *poolRow, candles []venue.Candle, price float64, btc *market.BTCSnapshot) {
	row.AIReviews++

	system := "You price breakout entries on high-volatility crypto perpetuals. " +
		"Respond with a single JSON object only: " +
		`{"direction": "long"|"short"|"unclear", "entry_offset_pct": number, "take_profit_pct": number, "confidence": 0.0-1.0, "reasoning": "..."}`
	fdi := market.FDI(candles, 30)
	user := fmt.Sprintf(
		"Symbol: %s\nPrice: %.6g  24h change: %.1f%%  24h volume: %.0f\n"+
			"Readiness: %.0f (%s)  Health: %.0f\n"+
			"Quality: score %.0f, efficiency %.2f, hurst %.2f, cvd %s strength %.0f, fake_breakout %v\n"+
			"FDI: %.2f  ATR%%: %.2f\n",
		row.Symbol, price, row.Change24h, row.QuoteVolume,
		row.Readiness, row.ReadinessTags, row.Health,
		row.QualityScore, row.Efficiency, row.Hurst, row.CVDTag, row.CVDScore, row.FakeBreakout,
		fdi, row.ATRPct)
	if btc != nil {
		user += fmt.Sprintf("BTC: 1h %.2f%%, volatility %s, action %s\n", btc.Change1h, btc.Volatility, btc.Action)
	}
	user += "Reply with JSON only."

	text, _, err := t.llm.CompletePremium(ctx, system, user)
	if err != nil {
		return
	}
	var v hvVerdict
	if err := ai.ExtractJSON(text, &v); err != nil {
		return
	}
	if v.Direction != "long" && v.Direction != "short" {
		t.log.Info().Str("symbol", row.Symbol).Msg("direction unclear, stays ready")
		return
	}
	side := venue.Side(v.Direction)

	// FDI caps the limit offset: choppy tape demands a deeper pullback,
	// clean tape must not wait too far below the move.
	offset := v.EntryOffsetPct
	if fdi >= 1.40 && offset < 2 {
		offset = 2
	}
	if fdi <= 1.25 && offset > 1.5 {
		offset = 1.5
	}
	if offset <= 0 {
		offset = 1
	}

	var entry float64
	if side == venue.SideLong {
		entry = price * (1 - offset/100)
	} else {
		entry = price * (1 + offset/100)
	}
	slPct := slPctForATR(row.ATRPct)
	tpPct := v.TakeProfitPct
	if tpPct <= 0 {
		tpPct = 2 * slPct
	}
	var sl, tp float64
	if side == venue.SideLong {
		sl, tp = entry*(1-slPct/100), entry*(1+tpPct/100)
	} else {
		sl, tp = entry*(1+slPct/100), entry*(1-tpPct/100)
	}

	amount, err := t.sizePosition(ctx, row, entry)
	if err != nil {
		t.retire(row, store.HVAbandoned, err.Error())
		return
	}

	info, err := t.client.GetSymbolInfo(ctx, row.Symbol)
	if err == nil {
		entry = executor.SnapPrice(entry, info)
		sl = executor.SnapPrice(sl, info)
		tp = executor.SnapPrice(tp, info)
	}

	order, err := t.exec.CreateOrderWithSLTP(ctx, venue.OrderParams{
		Symbol: row.Symbol, Side: side, Type: venue.OrderLimit,
		Amount: amount, Price: entry,
	}, sl, tp)
	if err != nil {
		t.log.Warn().Err(err).Str("symbol", row.Symbol).Msg("highvol limit failed")
		return
	}
	row.Side = string(side)
	row.Entry = entry
	row.SL = sl
	row.TP = tp
	row.Status = store.HVLimitPlaced
	row.LimitOrderID = order.ID
	row.placedAt = t.now()
	row.entryOrderID = order.ID
	t.sender.Send("High-vol limit placed", []string{
		row.Symbol, fmt.Sprintf("%s %.6g sl %.6g tp %.6g", side, entry, sl, tp)})
}

// sizePosition computes contracts from the capital caps, halved under
// 20-40% daily volatility, snapped to venue precision.
func (t *Track) sizePosition(ctx context.Context, row *poolRow, entry float64) (float64, error) {
	bal, err := t.client.GetBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	margin := bal.Total * t.cfg.MaxPositionPct
	if margin > t.cfg.MaxPositionUSDT {
		margin = t.cfg.MaxPositionUSDT
	}
	if margin < t.cfg.MinPositionUSDT {
		margin = t.cfg.MinPositionUSDT
	}
	change := row.Change24h
	if change < 0 {
		change = -change
	}
	if change >= 20 && change <= 40 {
		margin /= 2
	}
	if err := t.exec.Precheck(ctx, margin); err != nil {
		return 0, err
	}

	amount := margin * float64(t.cfg.Leverage) / entry
	info, err := t.client.GetSymbolInfo(ctx, row.Symbol)
	if err != nil {
		return amount, nil
	}
	return executor.SnapAmount(amount, info)
}

// superviseLimit watches an outstanding limit: fills hand the position to
// the supervisor, stale orders are cancelled and the row re-prices.
func (t *Track) superviseLimit(ctx context.Context, row *poolRow) {
	order, err := t.client.GetOrder(ctx, row.Symbol, row.LimitOrderID)
	if err != nil {
		t.log.Warn().Err(err).Str("symbol", row.Symbol).Msg("highvol order fetch failed")
		return
	}
	if order.Status == "filled" {
		t.handOff(row, order)
		return
	}
	if t.now().Sub(row.placedAt) <= time.Duration(t.cfg.OrderValidSec)*time.Second {
		return
	}
	// Stale order. A partial fill keeps its protection, resized to the
	// filled amount; only a clean miss cancels the OCO outright.
	if order.Filled > 0 {
		if err := t.exec.CancelRemainder(ctx, row.Symbol, row.LimitOrderID, order.Filled); err != nil {
			t.log.Warn().Err(err).Str("symbol", row.Symbol).Msg("highvol remainder cancel failed")
			return
		}
		t.handOff(row, order)
		return
	}
	if err := t.exec.CancelEntry(ctx, row.Symbol, row.LimitOrderID); err != nil {
		t.log.Warn().Err(err).Str("symbol", row.Symbol).Msg("highvol cancel failed")
		return
	}
	row.LimitOrderID = ""
	if row.AIReviews >= t.cfg.MaxAIReviews {
		t.retire(row, store.HVTimeout, "unfilled and review budget spent")
		return
	}
	row.Status = store.HVReady
	_ = t.rows.Update(row.HighVolRow)
	t.log.Info().Str("symbol", row.Symbol).Msg("highvol limit expired, back to ready")
}

// handOff records the fill and hands the position to the supervisor.
func (t *Track) handOff(row *poolRow, order *venue.Order) {
	row.Status = store.HVFilled
	row.FilledAt = t.now()
	_ = t.rows.Update(row.HighVolRow)
	t.super.Track(&position.Record{
		Symbol:     row.Symbol,
		Side:       venue.Side(row.Side),
		Entry:      order.AvgPrice,
		Contracts:  order.Filled,
		OriginalSL: row.SL, OriginalTP: row.TP,
		CurrentSL: row.SL, CurrentTP: row.TP,
		Tier: -1, Strategy: position.StrategyHighVol,
	})
	delete(t.pool, row.Symbol)
	t.sender.Send("High-vol filled", []string{
		row.Symbol, fmt.Sprintf("%s %.6g @ %.6g", row.Side, order.Filled, order.AvgPrice)})
}

func (t *Track) retire(row *poolRow, status, reason string) {
	row.Status = status
	if err := t.rows.Update(row.HighVolRow); err != nil {
		t.log.Error().Err(err).Str("symbol", row.Symbol).Msg("highvol update failed")
	}
	delete(t.pool, row.Symbol)
	t.log.Info().Str("symbol", row.Symbol).Str("status", status).Str("reason", reason).Msg("highvol row retired")
}

// PoolSize reports current occupancy, for diagnostics.
func (t *Track) PoolSize() int { return len(t.pool) }
