package market

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-engine/internal/venue"
)

// Config holds the snapshot-cache tunables.
type Config struct {
	BTCTTL          time.Duration
	UniverseTTL     time.Duration
	WideUniverseTTL time.Duration
	UniverseSize    int
	WideSize        int
	MinCandles      int
	CandleLimit     int
	FundingTail     int
	StaticMajors    []string
}

// Cache provides one-cycle-stable views of BTC context, universe candles,
// funding and discovery. Background preloaders read through the same
// mutex; all decision-making happens on the main loop.
type Cache struct {
	client venue.Client
	cfg    Config
	log    zerolog.Logger

	mu           sync.Mutex
	btc          *BTCSnapshot
	universe     []string
	universeAt   time.Time
	wideUniverse []string
	wideAt       time.Time
	fundingTails map[string][]float64
	dominance    float64
}

// NewCache builds the snapshot cache.
func NewCache(client venue.Client, cfg Config, log zerolog.Logger) *Cache {
	if cfg.BTCTTL == 0 {
		cfg.BTCTTL = 60 * time.Second
	}
	if cfg.FundingTail == 0 {
		cfg.FundingTail = 90
	}
	return &Cache{
		client:       client,
		cfg:          cfg,
		log:          log,
		fundingTails: make(map[string][]float64),
	}
}

// SnapshotBTC returns the BTC context, refreshing when the TTL lapsed.
// On fetch failure the last record is served annotated stale; with no
// cache at all a conservative neutral is returned.
func (c *Cache) SnapshotBTC(ctx context.Context) *BTCSnapshot {
	c.mu.Lock()
	cached := c.btc
	c.mu.Unlock()

	if cached != nil && time.Since(cached.FetchedAt) < c.cfg.BTCTTL {
		return cached
	}

	fresh, err := c.fetchBTC(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("btc snapshot refresh failed")
		if cached != nil {
			stale := *cached
			stale.Updated = false
			stale.CacheAgeSec = time.Since(cached.FetchedAt).Seconds()
			return &stale
		}
		return NeutralBTC()
	}

	c.mu.Lock()
	c.btc = fresh
	c.mu.Unlock()
	return fresh
}

func (c *Cache) fetchBTC(ctx context.Context) (*BTCSnapshot, error) {
	const btc = "BTC/USDT:USDT"

	var candles1m []venue.Candle
	err := venue.Retry(ctx, func() error {
		var e error
		candles1m, e = c.client.GetCandles(ctx, btc, "1m", 300)
		return e
	})
	if err != nil {
		return nil, err
	}
	if len(candles1m) < 60 {
		return nil, venue.ErrRetryable
	}

	snap := &BTCSnapshot{
		Price:     candles1m[len(candles1m)-1].Close,
		Change15m: Momentum(candles1m, 15),
		Change1h:  Momentum(candles1m, 60),
		Change4h:  Momentum(candles1m, min(240, len(candles1m)-1)),
		RSI:       RSI(candles1m, 14),
		Updated:   true,
		FetchedAt: time.Now().UTC(),
	}

	atrPct := 0.0
	if snap.Price > 0 {
		atrPct = ATR(candles1m, 14) / snap.Price * 100
	}
	switch {
	case atrPct >= 0.5:
		snap.Volatility = "extreme"
	case atrPct >= 0.25:
		snap.Volatility = "high"
	case atrPct < 0.08:
		snap.Volatility = "low"
	default:
		snap.Volatility = "normal"
	}

	switch {
	case snap.Change1h > 0.5:
		snap.Trend = "up"
	case snap.Change1h < -0.5:
		snap.Trend = "down"
	default:
		snap.Trend = "sideways"
	}

	// Reversal risk: stretched RSI with an elevated 1h move.
	snap.ReversalRisk = (snap.RSI >= 75 && snap.Change1h > 1) || (snap.RSI <= 25 && snap.Change1h < -1)

	switch {
	case snap.Change1h < -2:
		snap.Action = "short_only"
	case snap.Change1h > 2:
		snap.Action = "long_only"
	case snap.ReversalRisk:
		snap.Action = "caution"
	default:
		snap.Action = "both"
	}
	return snap, nil
}

// SnapshotCandles fetches candle histories for symbols under a bounded
// worker pool. Symbols that fail or fall below MinCandles are dropped;
// partial failure is expected and the call succeeds overall.
func (c *Cache) SnapshotCandles(ctx context.Context, symbols []string, timeframe string, limit, workers int) map[string][]venue.Candle {
	if workers < 1 {
		workers = 5
	}
	if limit == 0 {
		limit = c.cfg.CandleLimit
	}

	type result struct {
		symbol  string
		candles []venue.Candle
	}

	jobs := make(chan string)
	results := make(chan result)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sym := range jobs {
				var candles []venue.Candle
				err := venue.Retry(ctx, func() error {
					var e error
					candles, e = c.client.GetCandles(ctx, sym, timeframe, limit)
					return e
				})
				if err != nil {
					c.log.Debug().Err(err).Str("symbol", sym).Msg("candle fetch failed")
					continue
				}
				results <- result{symbol: sym, candles: candles}
			}
		}()
	}

	go func() {
		for _, sym := range symbols {
			jobs <- sym
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	out := make(map[string][]venue.Candle, len(symbols))
	for r := range results {
		if len(r.candles) >= c.cfg.MinCandles {
			out[r.symbol] = r.candles
		}
	}
	return out
}

// ComputeMetrics derives the per-symbol metric snapshot from candles and
// the 24h ticker.
func ComputeMetrics(symbol string, candles []venue.Candle, ticker *venue.Ticker24h) Metrics {
	m := Metrics{
		Symbol:      symbol,
		RSI:         RSI(candles, 14),
		ADX:         ADX(candles, 14),
		ATR:         ATR(candles, 14),
		VolumeRatio: VolumeRatio(candles, 20),
		BBWidth:     BBWidth(candles),
		MACDCross:   MACDCross(candles),
		Momentum5m:  Momentum(candles, 5),
		Momentum15m: Momentum(candles, 15),
		FDI:         FDI(candles, 30),
		Divergence:  DetectDivergence(candles, 14),
		Candles:     candles,
	}
	if len(candles) > 0 {
		m.Price = candles[len(candles)-1].Close
	}
	if m.Price > 0 {
		m.ATRPct = m.ATR / m.Price * 100
	}
	if ticker != nil {
		m.Change24h = ticker.ChangePct
		m.QuoteVolume = ticker.QuoteVolume
		if m.Price == 0 {
			m.Price = ticker.LastPrice
		}
	}
	m.Support, m.Resistance = SupportResistance(candles, 100)
	return m
}

// AttachSmartMoney classifies positioning flow from the open-interest
// change over the sampled window. Venues without OI history (and fetch
// failures) leave the field at its neutral zero value.
func (c *Cache) AttachSmartMoney(ctx context.Context, m *Metrics) {
	hist, err := c.client.GetOpenInterestHist(ctx, m.Symbol, 30)
	if err != nil || len(hist) < 2 || hist[0].Value <= 0 {
		return
	}
	oiChange := (hist[len(hist)-1].Value - hist[0].Value) / hist[0].Value * 100
	m.SmartMoney = ClassifySmartMoney(m.Momentum15m, oiChange, m.VolumeRatio)
}

// SnapshotFunding prefers one bulk call; on failure every symbol falls
// back to a neutral score and the cycle continues. Rates feed the
// bounded per-symbol tails used for z-scores.
func (c *Cache) SnapshotFunding(ctx context.Context, symbols []string) map[string]FundingScore {
	out := make(map[string]FundingScore, len(symbols))

	var rates []venue.FundingRate
	err := venue.Retry(ctx, func() error {
		var e error
		rates, e = c.client.GetFundingRates(ctx)
		return e
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("bulk funding fetch failed, using neutral")
		for _, sym := range symbols {
			out[sym] = NeutralFunding()
		}
		return out
	}

	bySymbol := make(map[string]float64, len(rates))
	for _, r := range rates {
		bySymbol[r.Symbol] = r.Rate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sym := range symbols {
		rate, ok := bySymbol[sym]
		if !ok {
			out[sym] = NeutralFunding()
			continue
		}
		tail := append(c.fundingTails[sym], rate)
		if len(tail) > c.cfg.FundingTail {
			tail = tail[len(tail)-c.cfg.FundingTail:]
		}
		c.fundingTails[sym] = tail

		// Score 0.5 neutral; positive funding (crowded longs) scores
		// below, negative above.
		score := 0.5 - clampF(rate*100, -0.5, 0.5)
		out[sym] = FundingScore{Rate: rate, Score: score}
	}
	return out
}

// FundingZScore returns the z-score of the latest funding sample against
// the rolling tail, 0 with fewer than 10 samples.
func (c *Cache) FundingZScore(symbol string) float64 {
	c.mu.Lock()
	tail := append([]float64(nil), c.fundingTails[symbol]...)
	c.mu.Unlock()

	if len(tail) < 10 {
		return 0
	}
	var sum float64
	for _, v := range tail {
		sum += v
	}
	mean := sum / float64(len(tail))
	var variance float64
	for _, v := range tail {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / float64(len(tail)))
	if std == 0 {
		return 0
	}
	return (tail[len(tail)-1] - mean) / std
}

// Universe returns the track-1 candidate symbols (top-N by quote volume,
// 30-minute cache). Discovery failure falls back to the static majors.
func (c *Cache) Universe(ctx context.Context) []string {
	c.mu.Lock()
	if len(c.universe) > 0 && time.Since(c.universeAt) < c.cfg.UniverseTTL {
		out := append([]string(nil), c.universe...)
		c.mu.Unlock()
		return out
	}
	c.mu.Unlock()

	symbols := c.discover(ctx, c.cfg.UniverseSize, 0)
	if symbols == nil {
		c.log.Warn().Msg("universe discovery failed, using static majors")
		return append([]string(nil), c.cfg.StaticMajors...)
	}

	c.mu.Lock()
	c.universe = symbols
	c.universeAt = time.Now()
	c.mu.Unlock()
	return append([]string(nil), symbols...)
}

// WideUniverse returns the track-2 wider universe (top ~150, 5-minute cache).
func (c *Cache) WideUniverse(ctx context.Context) []string {
	c.mu.Lock()
	if len(c.wideUniverse) > 0 && time.Since(c.wideAt) < c.cfg.WideUniverseTTL {
		out := append([]string(nil), c.wideUniverse...)
		c.mu.Unlock()
		return out
	}
	c.mu.Unlock()

	symbols := c.discover(ctx, c.cfg.WideSize, 0)
	if symbols == nil {
		return append([]string(nil), c.cfg.StaticMajors...)
	}

	c.mu.Lock()
	c.wideUniverse = symbols
	c.wideAt = time.Now()
	c.mu.Unlock()
	return append([]string(nil), symbols...)
}

// discover ranks USDT swaps by 24h quote volume. Returns nil on failure.
func (c *Cache) discover(ctx context.Context, topN int, minVolume float64) []string {
	var tickers []venue.Ticker24h
	err := venue.Retry(ctx, func() error {
		var e error
		tickers, e = c.client.GetAllTickers(ctx)
		return e
	})
	if err != nil || len(tickers) == 0 {
		return nil
	}

	filtered := tickers[:0]
	var btcVol, totalVol float64
	for _, t := range tickers {
		totalVol += t.QuoteVolume
		if strings.HasPrefix(t.Symbol, "BTC/") {
			btcVol += t.QuoteVolume
		}
		if !strings.Contains(t.Symbol, "/USDT:USDT") {
			continue
		}
		if venue.IsDelivery(t.Symbol) {
			continue
		}
		if t.QuoteVolume < minVolume {
			continue
		}
		filtered = append(filtered, t)
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].QuoteVolume > filtered[j].QuoteVolume
	})
	if len(filtered) > topN {
		filtered = filtered[:topN]
	}
	symbols := make([]string, 0, len(filtered))
	for _, t := range filtered {
		symbols = append(symbols, t.Symbol)
	}

	// Volume dominance is an optional enrichment; nothing gates on it.
	if totalVol > 0 {
		c.mu.Lock()
		c.dominance = btcVol / totalVol * 100
		c.mu.Unlock()
	}
	return symbols
}

// Dominance returns the BTC volume-dominance enrichment, 0 when unknown.
func (c *Cache) Dominance() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dominance
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
