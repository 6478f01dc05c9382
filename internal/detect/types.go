package detect

import (
	"time"

	"perp-engine/internal/market"
	"perp-engine/internal/stops"
	"perp-engine/internal/venue"
)

// Kind tags the pipeline a candidate came from.
type Kind string

const (
	KindReversal            Kind = "reversal"
	KindTrendAnticipation   Kind = "trend_anticipation"
	KindHighVolAccumulation Kind = "high_vol_accumulation"
)

// Candidate is a detector output. Transient: it dies at end of cycle unless
// the reviewer promotes it into an observation row.
type Candidate struct {
	Symbol string     `json:"symbol"`
	Side   venue.Side `json:"side"`
	Kind   Kind       `json:"kind"`
	Score  float64    `json:"score"`

	Price       float64 `json:"price"`
	RSI         float64 `json:"rsi"`
	ADX         float64 `json:"adx"`
	VolumeRatio float64 `json:"volume_ratio"`
	BBWidth     float64 `json:"bb_width"`
	ATRPct      float64 `json:"atr_pct"`

	SLPrice float64 `json:"sl_price"`
	TPPrice float64 `json:"tp_price"`
	SLPct   float64 `json:"sl_pct"`
	TPPct   float64 `json:"tp_pct"`

	ExtremeRSI bool     `json:"extreme_rsi"`
	Reasons    []string `json:"reasons"`

	Momentum5m  float64 `json:"momentum_5m"`
	Momentum15m float64 `json:"momentum_15m"`

	Stops   stops.Result        `json:"stops"`
	Metrics market.Metrics      `json:"metrics"`
	BTC     *market.BTCSnapshot `json:"btc"`

	DetectedAt time.Time `json:"detected_at"`
}

// SubScores are the optional 0-1 enrichment inputs applied as
// (value - 0.5) weighted deltas. Zero value means neutral.
type SubScores struct {
	Sentiment float64
	Funding   float64
	Macro     float64
	Orderbook float64
	OI        float64

	// CorrelationAdj is an additive score adjustment from correlation
	// analysis when available, already signed.
	CorrelationAdj float64
	HasCorrelation bool
}

// Neutral returns sub-scores that contribute nothing.
func Neutral() SubScores {
	return SubScores{Sentiment: 0.5, Funding: 0.5, Macro: 0.5, Orderbook: 0.5, OI: 0.5}
}
