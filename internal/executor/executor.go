// Package executor owns venue order management. Its contract: no code path
// leaves an open position without a live stop.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-engine/config"
	"perp-engine/internal/store"
	"perp-engine/internal/venue"
)

// Skip reasons written back to the source signal.
const (
	SkipMinAmount = "skipped_min_amount"
	SkipDelivery  = "skipped_delivery"
)

// protection is the cached state of the OCO guarding a position.
type protection struct {
	IDs    venue.AlgoOrderIDs
	Side   venue.Side
	Amount float64
	SL     float64
	TP     float64
}

// Executor serialises all order state changes per symbol.
type Executor struct {
	mu      sync.Mutex
	cfg     config.ExecutorConfig
	client  venue.Client
	signals *store.SignalStore
	log     zerolog.Logger

	algoCache map[string]protection
	// pending holds SL/TP scheduled from a not-yet-filled limit entry,
	// installed on fill and discarded on cancel.
	pending map[string]venue.AlgoOrderParams
}

func New(cfg config.ExecutorConfig, client venue.Client, signals *store.SignalStore, log zerolog.Logger) *Executor {
	return &Executor{
		cfg:       cfg,
		client:    client,
		signals:   signals,
		log:       log,
		algoCache: make(map[string]protection),
		pending:   make(map[string]venue.AlgoOrderParams),
	}
}

// Precheck enforces the daily throttle and balance floor before any entry.
func (e *Executor) Precheck(ctx context.Context, requiredMargin float64) error {
	if e.signals != nil {
		dayStart := time.Now().UTC().Truncate(24 * time.Hour)
		if n, err := e.signals.CountTradesSince(dayStart); err == nil && n >= e.cfg.MaxDailyTrades {
			return fmt.Errorf("daily trade cap reached (%d)", n)
		}
		if pnl, err := e.signals.RealizedPnLSince(dayStart); err == nil {
			// final_pnl_pct rows are percents of position; approximate
			// capital drawdown against the configured limit.
			if pnl <= -e.cfg.MaxDailyLossPct {
				return fmt.Errorf("daily loss limit hit (%.2f%%)", pnl)
			}
		}
	}
	positions, err := e.client.GetPositions(ctx)
	if err == nil && len(positions) >= e.cfg.MaxPositions {
		return fmt.Errorf("max positions reached (%d)", len(positions))
	}
	bal, err := e.client.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("balance check: %w", err)
	}
	if bal.Available < requiredMargin*e.cfg.MarginBuffer {
		return fmt.Errorf("insufficient balance: %.2f < %.2f", bal.Available, requiredMargin*e.cfg.MarginBuffer)
	}
	return nil
}

// SnapAmount rounds down to the venue amount precision; below-minimum
// amounts return ErrVenueMinimum.
func SnapAmount(amount float64, info *venue.SymbolInfo) (float64, error) {
	snapped, _ := decimal.NewFromFloat(amount).
		RoundDown(info.AmountPrecision).Float64()
	if snapped < info.MinAmount || snapped <= 0 {
		return 0, fmt.Errorf("%w: %.8f below min %.8f", venue.ErrVenueMinimum, snapped, info.MinAmount)
	}
	return snapped, nil
}

// SnapPrice rounds to the venue price precision.
func SnapPrice(price float64, info *venue.SymbolInfo) float64 {
	out, _ := decimal.NewFromFloat(price).Round(info.PricePrecision).Float64()
	return out
}

// CreateOrderWithSLTP places the entry and its protective OCO atomically:
// if the OCO cannot be booked the entry is rolled back (market-close when
// filled, cancel when still open). Only on full success is the algo pair
// cached.
func (e *Executor) CreateOrderWithSLTP(ctx context.Context, p venue.OrderParams, slTrigger, tpTrigger float64) (*venue.Order, error) {
	if venue.IsDelivery(p.Symbol) {
		return nil, fmt.Errorf("%w: %s is a delivery contract", venue.ErrVenueMinimum, p.Symbol)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	order, err := e.client.CreateOrder(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("entry order: %w", err)
	}

	algoParams := venue.AlgoOrderParams{
		Symbol:    p.Symbol,
		Side:      p.Side,
		Amount:    p.Amount,
		SLTrigger: slTrigger,
		TPTrigger: tpTrigger,
	}
	ids, err := e.client.CreateAlgoOrder(ctx, algoParams)
	if err != nil {
		e.rollbackEntry(ctx, p.Symbol, order)
		return nil, fmt.Errorf("protective oco failed, entry rolled back: %w", err)
	}

	e.algoCache[p.Symbol] = protection{
		IDs: *ids, Side: p.Side, Amount: p.Amount, SL: slTrigger, TP: tpTrigger,
	}
	if p.Type == venue.OrderLimit {
		e.pending[p.Symbol] = algoParams
	}
	e.log.Info().Str("symbol", p.Symbol).Str("side", string(p.Side)).
		Float64("amount", p.Amount).Float64("sl", slTrigger).Float64("tp", tpTrigger).
		Str("order_id", order.ID).Msg("entry placed with oco")
	return order, nil
}

// rollbackEntry undoes step 1 after a failed OCO: market-close a fill,
// cancel an open order.
func (e *Executor) rollbackEntry(ctx context.Context, symbol string, order *venue.Order) {
	live, err := e.client.GetOrder(ctx, symbol, order.ID)
	if err != nil {
		// Cannot tell; try both paths, cancel first.
		if cerr := e.client.CancelOrder(ctx, symbol, order.ID); cerr != nil {
			e.marketClose(ctx, symbol, order.Side, order.Amount)
		}
		return
	}
	if live.Filled > 0 {
		e.marketClose(ctx, symbol, order.Side, live.Filled)
	}
	if live.Status == "open" {
		if err := e.client.CancelOrder(ctx, symbol, order.ID); err != nil && !venue.IsNotFound(err) {
			e.log.Error().Err(err).Str("symbol", symbol).Msg("rollback cancel failed")
		}
	}
}

func (e *Executor) marketClose(ctx context.Context, symbol string, side venue.Side, amount float64) {
	_, err := e.client.CreateOrder(ctx, venue.OrderParams{
		Symbol: symbol, Side: side, Type: venue.OrderMarket,
		Amount: amount, ReduceOnly: true,
	})
	if err != nil {
		e.log.Error().Err(err).Str("symbol", symbol).Msg("rollback market close failed")
	}
}

// CloseExisting cancels the symbol's algo orders and market-closes the
// position with reduce-only semantics. Used for opposite-side replacement
// and emergency flats.
func (e *Executor) CloseExisting(ctx context.Context, pos venue.Position) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked(ctx, pos)
}

func (e *Executor) closeLocked(ctx context.Context, pos venue.Position) error {
	e.cancelAlgosLocked(ctx, pos.Symbol)
	_, err := e.client.CreateOrder(ctx, venue.OrderParams{
		Symbol: pos.Symbol, Side: pos.Side, Type: venue.OrderMarket,
		Amount: pos.Contracts, ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("market close %s: %w", pos.Symbol, err)
	}
	delete(e.algoCache, pos.Symbol)
	delete(e.pending, pos.Symbol)
	return nil
}

// CancelEntry cancels an unfilled entry limit along with its protective
// algo orders and pending protection.
func (e *Executor) CancelEntry(ctx context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.client.CancelOrder(ctx, symbol, orderID); err != nil && !venue.IsNotFound(err) {
		return err
	}
	e.cancelAlgosLocked(ctx, symbol)
	delete(e.algoCache, symbol)
	delete(e.pending, symbol)
	return nil
}

// CancelRemainder cancels the unfilled part of a partially filled limit
// entry and resizes the protective OCO to the filled amount. The filled
// portion stays protected throughout.
func (e *Executor) CancelRemainder(ctx context.Context, symbol, orderID string, filled float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.client.CancelOrder(ctx, symbol, orderID); err != nil && !venue.IsNotFound(err) {
		return err
	}
	delete(e.pending, symbol)

	prot, ok := e.algoCache[symbol]
	if !ok {
		adopted, err := e.adoptLive(ctx, symbol)
		if err != nil {
			return fmt.Errorf("no protection to resize for %s: %w", symbol, err)
		}
		prot = adopted
	}
	if prot.Amount == filled {
		return nil
	}
	prot.Amount = filled
	if err := e.rewriteStop(ctx, symbol, prot, prot.SL); err != nil {
		return fmt.Errorf("resize protection: %w", err)
	}
	return nil
}

func (e *Executor) cancelAlgosLocked(ctx context.Context, symbol string) {
	prot, ok := e.algoCache[symbol]
	var ids []string
	if ok {
		if prot.IDs.SLID != "" {
			ids = append(ids, prot.IDs.SLID)
		}
		if prot.IDs.TPID != "" && prot.IDs.TPID != prot.IDs.SLID {
			ids = append(ids, prot.IDs.TPID)
		}
	}
	if len(ids) == 0 {
		// No cache; sweep whatever the venue has live.
		live, err := e.client.GetOpenAlgoOrders(ctx, symbol)
		if err != nil {
			return
		}
		for _, a := range live {
			ids = append(ids, a.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := e.client.CancelAlgoOrders(ctx, symbol, ids); err != nil && !venue.IsNotFound(err) {
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("algo cancel failed")
	}
}

// UpdateStopLoss rewrites the live stop. Idempotent when the new trigger
// equals the cached one. When the cache is cold it adopts a live venue
// conditional first. The whole sequence retries up to 3 times.
func (e *Executor) UpdateStopLoss(ctx context.Context, symbol string, newSL float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prot, ok := e.algoCache[symbol]
	if ok && prot.SL == newSL {
		return nil
	}
	if !ok {
		adopted, err := e.adoptLive(ctx, symbol)
		if err != nil {
			return fmt.Errorf("no cached or live stop for %s: %w", symbol, err)
		}
		prot = adopted
		if prot.SL == newSL {
			e.algoCache[symbol] = prot
			return nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		lastErr = e.rewriteStop(ctx, symbol, prot, newSL)
		if lastErr == nil {
			return nil
		}
		if !venue.IsRetryable(lastErr) {
			break
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("stop update failed after retries: %w", lastErr)
}

func (e *Executor) rewriteStop(ctx context.Context, symbol string, prot protection, newSL float64) error {
	var ids []string
	if prot.IDs.SLID != "" {
		ids = append(ids, prot.IDs.SLID)
	}
	if prot.IDs.TPID != "" && prot.IDs.TPID != prot.IDs.SLID {
		ids = append(ids, prot.IDs.TPID)
	}
	if len(ids) > 0 {
		if err := e.client.CancelAlgoOrders(ctx, symbol, ids); err != nil && !venue.IsNotFound(err) {
			return err
		}
	}
	params := venue.AlgoOrderParams{
		Symbol: symbol, Side: prot.Side, Amount: prot.Amount,
		SLTrigger: newSL, TPTrigger: prot.TP,
	}
	newIDs, err := e.client.CreateAlgoOrder(ctx, params)
	if err != nil {
		return err
	}
	prot.IDs = *newIDs
	prot.SL = newSL
	e.algoCache[symbol] = prot
	return nil
}

// adoptLive queries venue conditionals and caches the first match.
func (e *Executor) adoptLive(ctx context.Context, symbol string) (protection, error) {
	live, err := e.client.GetOpenAlgoOrders(ctx, symbol)
	if err != nil {
		return protection{}, err
	}
	for _, a := range live {
		if a.SLTrigger <= 0 {
			continue
		}
		prot := protection{
			IDs:    venue.AlgoOrderIDs{SLID: a.ID},
			Side:   a.Side,
			Amount: a.Amount,
			SL:     a.SLTrigger,
			TP:     a.TPTrigger,
		}
		if a.TPTrigger > 0 {
			prot.IDs.TPID = a.ID
		}
		e.algoCache[symbol] = prot
		e.log.Info().Str("symbol", symbol).Str("algo_id", a.ID).Msg("adopted live stop into cache")
		return prot, nil
	}
	return protection{}, errors.New("no live stop order found")
}

// VerifyStopLoss checks a live SL exists for the symbol; when absent it
// recreates the OCO from the provided SL/TP and resyncs the cache.
// Returns true when a new order had to be created.
func (e *Executor) VerifyStopLoss(ctx context.Context, pos venue.Position, wantSL, wantTP float64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	live, err := e.client.GetOpenAlgoOrders(ctx, pos.Symbol)
	if err != nil {
		return false, err
	}
	for _, a := range live {
		if a.SLTrigger > 0 {
			// Stop is alive; make sure the cache points at it.
			prot := e.algoCache[pos.Symbol]
			if prot.IDs.SLID != a.ID {
				prot.IDs.SLID = a.ID
				if a.TPTrigger > 0 {
					prot.IDs.TPID = a.ID
				}
				prot.Side, prot.Amount = a.Side, a.Amount
				prot.SL, prot.TP = a.SLTrigger, a.TPTrigger
				e.algoCache[pos.Symbol] = prot
			}
			return false, nil
		}
	}

	ids, err := e.client.CreateAlgoOrder(ctx, venue.AlgoOrderParams{
		Symbol: pos.Symbol, Side: pos.Side, Amount: pos.Contracts,
		SLTrigger: wantSL, TPTrigger: wantTP,
	})
	if err != nil {
		return false, fmt.Errorf("recreate stop: %w", err)
	}
	e.algoCache[pos.Symbol] = protection{
		IDs: *ids, Side: pos.Side, Amount: pos.Contracts, SL: wantSL, TP: wantTP,
	}
	e.log.Warn().Str("symbol", pos.Symbol).Msg("missing stop recreated")
	return true, nil
}

// UpdateTakeProfit rewrites the TP leg, keeping the stop.
func (e *Executor) UpdateTakeProfit(ctx context.Context, symbol string, newTP float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	prot, ok := e.algoCache[symbol]
	if !ok {
		adopted, err := e.adoptLive(ctx, symbol)
		if err != nil {
			return err
		}
		prot = adopted
	}
	if prot.TP == newTP {
		return nil
	}
	saved := prot.TP
	prot.TP = newTP
	if err := e.rewriteStop(ctx, symbol, prot, prot.SL); err != nil {
		prot.TP = saved
		return err
	}
	return nil
}

// InstallPendingProtection re-books the stored SL/TP after a limit entry
// fills, when the original OCO was lost (cancelled or rejected).
func (e *Executor) InstallPendingProtection(ctx context.Context, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	params, ok := e.pending[symbol]
	if !ok {
		return nil
	}
	delete(e.pending, symbol)
	if _, cached := e.algoCache[symbol]; cached {
		return nil
	}
	ids, err := e.client.CreateAlgoOrder(ctx, params)
	if err != nil {
		return fmt.Errorf("install pending protection: %w", err)
	}
	e.algoCache[symbol] = protection{
		IDs: *ids, Side: params.Side, Amount: params.Amount,
		SL: params.SLTrigger, TP: params.TPTrigger,
	}
	return nil
}

// Cached returns the protection snapshot for a symbol.
func (e *Executor) Cached(symbol string) (venue.AlgoOrderIDs, float64, float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prot, ok := e.algoCache[symbol]
	return prot.IDs, prot.SL, prot.TP, ok
}

// ClearSymbol drops all cached state for a closed position.
func (e *Executor) ClearSymbol(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.algoCache, symbol)
	delete(e.pending, symbol)
}
