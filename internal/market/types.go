package market

import (
	"time"

	"perp-engine/internal/venue"
)

// Metrics is the one-cycle view of a symbol used by detectors and review.
type Metrics struct {
	Symbol      string  `json:"symbol"`
	Price       float64 `json:"price"`
	RSI         float64 `json:"rsi"`
	ADX         float64 `json:"adx"`
	ATR         float64 `json:"atr"`
	ATRPct      float64 `json:"atr_pct"` // ATR / price * 100
	VolumeRatio float64 `json:"volume_ratio"`
	BBWidth     float64 `json:"bb_width"`
	MACDCross   int     `json:"macd_cross"` // +1 bullish, -1 bearish, 0 none
	Momentum5m  float64 `json:"momentum_5m"`
	Momentum15m float64 `json:"momentum_15m"`
	Change24h   float64 `json:"change_24h"`
	QuoteVolume float64 `json:"quote_volume"`
	Support     float64 `json:"support"`
	Resistance  float64 `json:"resistance"`
	FDI         float64 `json:"fdi"`

	Divergence Divergence `json:"divergence"`
	SmartMoney SmartMoney `json:"smart_money"`

	// Candles backs the quality metrics; not serialised.
	Candles []venue.Candle `json:"-"`
}

// BTCSnapshot is the market-context record with a 60 s TTL.
type BTCSnapshot struct {
	Price        float64 `json:"price"`
	Change1h     float64 `json:"change_1h"`
	Change4h     float64 `json:"change_4h"`
	Change15m    float64 `json:"change_15m"`
	RSI          float64 `json:"rsi"`
	Trend        string  `json:"trend"`       // up, down, sideways, unknown
	Volatility   string  `json:"volatility"`  // low, normal, high, extreme
	ReversalRisk bool    `json:"reversal_risk"`
	Action       string  `json:"action"` // both, long_only, short_only, caution

	Updated     bool      `json:"updated"`       // false when served stale
	CacheAgeSec float64   `json:"cache_age_sec"` // age when served stale
	FetchedAt   time.Time `json:"-"`
}

// NeutralBTC is the conservative unknown snapshot allowing both directions.
func NeutralBTC() *BTCSnapshot {
	return &BTCSnapshot{
		RSI:        50,
		Trend:      "unknown",
		Volatility: "normal",
		Action:     "both",
	}
}

// FundingScore is the per-symbol funding view.
type FundingScore struct {
	Rate  float64 `json:"rate"`
	Score float64 `json:"score"` // 0-1, 0.5 neutral
}

// NeutralFunding is the fallback when the funding fetch fails.
func NeutralFunding() FundingScore {
	return FundingScore{Rate: 0, Score: 0.5}
}
