package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"perp-engine/internal/logging"
)

// Config is the single runtime configuration for the engine.
// Every runtime-visible knob lives here; secrets come from the environment.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Venue    VenueConfig    `yaml:"venue"`
	Market   MarketConfig   `yaml:"market"`
	Detect   DetectConfig   `yaml:"detect"`
	Dedup    DedupConfig    `yaml:"dedup"`
	Review   ReviewConfig   `yaml:"review"`
	AI       AIConfig       `yaml:"ai"`
	Watch    WatchConfig    `yaml:"watch"`
	HighVol  HighVolConfig  `yaml:"high_vol"`
	Position PositionConfig `yaml:"position"`
	Executor ExecutorConfig `yaml:"executor"`
	Store    StoreConfig    `yaml:"store"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  logging.Config `yaml:"logging"`
}

// EngineConfig controls the main cycle loop.
type EngineConfig struct {
	IntervalSec int  `yaml:"interval_sec"` // Cycle period, min 10
	ObserveOnly bool `yaml:"observe_only"` // Evaluate signals but never place orders
	Workers     int  `yaml:"workers"`      // Bounded fan-out for candle/funding fetches
}

// VenueConfig holds exchange credentials and transport limits.
type VenueConfig struct {
	APIKey       string  `yaml:"api_key"`
	SecretKey    string  `yaml:"secret_key"`
	Passphrase   string  `yaml:"passphrase"`
	BaseURL      string  `yaml:"base_url"`
	TimeoutSec   int     `yaml:"timeout_sec"`    // Per-call timeout, default 30
	RatePerSec   float64 `yaml:"rate_per_sec"`   // REST token bucket refill
	RateBurst    int     `yaml:"rate_burst"`     // REST token bucket size
	MockMode     bool    `yaml:"mock_mode"`      // Use the in-memory mock client
	MaxLeverage  int     `yaml:"max_leverage"`
	DefaultLever int     `yaml:"default_leverage"`
}

// MarketConfig controls the snapshot cache.
type MarketConfig struct {
	BTCTTLSec          int      `yaml:"btc_ttl_sec"`          // BTC context TTL, default 60
	UniverseTTLMin     int      `yaml:"universe_ttl_min"`     // Track-1 discovery cache, default 30
	WideUniverseTTLMin int      `yaml:"wide_universe_ttl_min"`// Track-2 discovery cache, default 5
	UniverseSize       int      `yaml:"universe_size"`        // Top-N by quote volume
	WideUniverseSize   int      `yaml:"wide_universe_size"`   // Track-2 top-N, default 150
	MinCandles         int      `yaml:"min_candles"`          // Symbols below this are dropped
	CandleLimit        int      `yaml:"candle_limit"`
	StaticMajors       []string `yaml:"static_majors"`        // Fallback when discovery fails
	FundingTail        int      `yaml:"funding_tail"`         // Rolling funding samples, default 90
}

// DetectConfig holds detector thresholds shared by both detectors.
type DetectConfig struct {
	Reversal ReversalConfig `yaml:"reversal"`
	Trend    TrendConfig    `yaml:"trend_anticipation"`
}

// ReversalConfig tunes the RSI-extreme reversal detector.
type ReversalConfig struct {
	RSILongNormal   float64 `yaml:"rsi_long_normal"`   // Long at RSI <= this, default 20
	RSILongExtreme  float64 `yaml:"rsi_long_extreme"`  // default 15
	RSIShortNormal  float64 `yaml:"rsi_short_normal"`  // Short at RSI >= this, default 80
	RSIShortExtreme float64 `yaml:"rsi_short_extreme"` // default 85
	MinADX          float64 `yaml:"min_adx"`           // Gate: reject ADX < 15 with low volume
	MinVolumeRatio  float64 `yaml:"min_volume_ratio"`  // Gate partner, default 1.5
	BaseScore       float64 `yaml:"base_score"`        // default 0.75

	// Sub-score weights applied as (value - 0.5) deltas.
	SentimentWeight float64 `yaml:"sentiment_weight"`
	FundingWeight   float64 `yaml:"funding_weight"`
	MacroWeight     float64 `yaml:"macro_weight"`
	OrderbookWeight float64 `yaml:"orderbook_weight"`
	OIWeight        float64 `yaml:"oi_weight"`
}

// TrendConfig tunes the trend-anticipation detector.
type TrendConfig struct {
	RSILongLow    float64 `yaml:"rsi_long_low"`    // Long band [15, 25]
	RSILongHigh   float64 `yaml:"rsi_long_high"`
	RSIShortLow   float64 `yaml:"rsi_short_low"`   // Short band [75, 85]
	RSIShortHigh  float64 `yaml:"rsi_short_high"`
	MinConditions int     `yaml:"min_conditions"`  // At least 3 of 8
	MinScore      float64 `yaml:"min_score"`       // Emission floor, default 0.75
	BaseScore     float64 `yaml:"base_score"`      // default 0.55
	MaxFDI        float64 `yaml:"max_fdi"`         // Suppress if FDI >= 1.45
	MaxStopPct    float64 `yaml:"max_stop_pct"`    // Hard 2% stop cap
	TakeProfitPct float64 `yaml:"take_profit_pct"` // 6% in signal direction
}

// DedupConfig tunes the signal deduplicator.
type DedupConfig struct {
	CooldownMin        int            `yaml:"cooldown_min"`         // default 30
	AllowOppositeSide  bool           `yaml:"allow_opposite_side"`  // default true
	ScoreImprovement   float64        `yaml:"score_improvement"`    // default 0.05
	Priorities         map[string]int `yaml:"priorities"`           // kind -> rank, higher wins
}

// ReviewConfig tunes the hard-rule gate.
type ReviewConfig struct {
	DisabledRules       []string `yaml:"disabled_rules"`
	MinScoreReversal    float64  `yaml:"min_score_reversal"`
	MinScoreTrend       float64  `yaml:"min_score_trend"`
	MinVolRatioReversal float64  `yaml:"min_vol_ratio_reversal"` // default 2.0
	MinVolRatioTrend    float64  `yaml:"min_vol_ratio_trend"`    // default 1.0
	MaxChange24h        float64  `yaml:"max_change_24h"`         // reject beyond 60%
	ElevatedChange24h   float64  `yaml:"elevated_change_24h"`    // raise bars beyond 40%
	ElevatedMinScore    float64  `yaml:"elevated_min_score"`     // default 0.86
	MaxFundingRate      float64  `yaml:"max_funding_rate"`       // abs cap
	MinBookDepth        float64  `yaml:"min_book_depth"`         // default 0.40
	MaxSlippageOfSL     float64  `yaml:"max_slippage_of_sl"`     // default 0.60
}

// AIConfig holds the two LLM endpoints. Cheap is tried first.
type AIConfig struct {
	Enabled       bool   `yaml:"enabled"`
	CheapURL      string `yaml:"cheap_url"`
	CheapModel    string `yaml:"cheap_model"`
	CheapKey      string `yaml:"cheap_key"`
	PremiumURL    string `yaml:"premium_url"`
	PremiumModel  string `yaml:"premium_model"`
	PremiumKey    string `yaml:"premium_key"`
	TimeoutSec    int    `yaml:"timeout_sec"` // default 30
	MaxTokens     int    `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
}

// WatchConfig tunes the observation queue.
type WatchConfig struct {
	CheckIntervalSec  int     `yaml:"check_interval_sec"`  // default 60
	InsertGuardMin    int     `yaml:"insert_guard_min"`    // (symbol, side) uniqueness window
	ExpireTrendMin    int     `yaml:"expire_trend_min"`    // trend_anticipation: 8
	ExpireExtremeMin  int     `yaml:"expire_extreme_min"`  // extreme-RSI reversal: 5
	ExpireNormalMin   int     `yaml:"expire_normal_min"`   // normal-RSI reversal: 8
	PriceAbandonPct   float64 `yaml:"price_abandon_pct"`
	PriceMissPct      float64 `yaml:"price_miss_pct"`
	RSIRecoverLong    float64 `yaml:"rsi_recover_long"`    // abandon long rows past this, default 55
	RSIRecoverShort   float64 `yaml:"rsi_recover_short"`   // default 45
}

// HighVolConfig tunes the high-volatility track.
type HighVolConfig struct {
	Enabled            bool    `yaml:"enabled"`
	PoolCapacity       int     `yaml:"pool_capacity"`        // default 10
	MinChange24h       float64 `yaml:"min_change_24h"`       // 8%
	MaxChange24h       float64 `yaml:"max_change_24h"`       // 40%
	MinQuoteVolume     float64 `yaml:"min_quote_volume"`     // 2M
	MaxChange5m        float64 `yaml:"max_change_5m"`        // reject already-moved > 3%
	MinEfficiencyRatio float64 `yaml:"min_efficiency_ratio"` // 0.2
	ReadyThreshold     float64 `yaml:"ready_threshold"`      // readiness score trigger
	MinHealth          float64 `yaml:"min_health"`           // evict below 40
	OrderValidSec      int     `yaml:"order_valid_sec"`      // cancel unfilled after, default 300
	MaxAIReviews       int     `yaml:"max_ai_reviews"`       // re-pricing budget, default 3
	MaxPositionPct     float64 `yaml:"max_position_pct"`     // of total capital
	MaxPositionUSDT    float64 `yaml:"max_position_usdt"`
	MinPositionUSDT    float64 `yaml:"min_position_usdt"`
	Leverage           int     `yaml:"leverage"`
}

// PositionConfig tunes the supervisor.
type PositionConfig struct {
	EmergencySLPct        float64 `yaml:"emergency_sl_pct"`          // default 2
	TieredStopEnabled     bool    `yaml:"tiered_stop_enabled"`
	BreakevenTriggerPct   float64 `yaml:"breakeven_trigger_pct"`     // default 1
	BreakevenBufferPct    float64 `yaml:"breakeven_buffer_pct"`      // default 0.2
	TrailingActivatePct   float64 `yaml:"trailing_activate_pct"`     // default 1
	TrailingDistancePct   float64 `yaml:"trailing_distance_pct"`
	ReviewIntervalSec     int     `yaml:"review_interval_sec"`       // AI review, default 300
	MinHoldingMin         int     `yaml:"min_holding_min"`           // default 10
	CloseRewriteOffsetPct float64 `yaml:"close_rewrite_offset_pct"`  // AI close -> tighten, default 0.3
	CounterTradeEnabled   bool    `yaml:"counter_trade_enabled"`
	CounterTradeMinProfit float64 `yaml:"counter_trade_min_profit_pct"` // default 0.5
}

// ExecutorConfig holds the order pre-checks and sizing limits.
type ExecutorConfig struct {
	MaxDailyTrades  int     `yaml:"max_daily_trades"`
	MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"`
	MaxPositions    int     `yaml:"max_positions"`
	TotalCapital    float64 `yaml:"total_capital"`
	MarginBuffer    float64 `yaml:"margin_buffer"` // required margin multiplier, default 1.1
}

// StoreConfig holds the SQLite database paths.
type StoreConfig struct {
	SignalsPath  string `yaml:"signals_path"`
	WatchPath    string `yaml:"watch_path"`
	HighVolPath  string `yaml:"high_vol_path"`
	TrainingPath string `yaml:"training_path"`
}

// NotifyConfig holds Telegram settings. Unconfigured means silent no-op.
type NotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	BotToken string   `yaml:"bot_token"`
	ChatIDs  []string `yaml:"chat_ids"`
}

// Default returns a fully-populated configuration with documented defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{IntervalSec: 60, Workers: 5},
		Venue: VenueConfig{
			BaseURL:      "https://www.okx.com",
			TimeoutSec:   30,
			RatePerSec:   10,
			RateBurst:    20,
			MaxLeverage:  20,
			DefaultLever: 5,
		},
		Market: MarketConfig{
			BTCTTLSec:          60,
			UniverseTTLMin:     30,
			WideUniverseTTLMin: 5,
			UniverseSize:       50,
			WideUniverseSize:   150,
			MinCandles:         60,
			CandleLimit:        200,
			FundingTail:        90,
			StaticMajors: []string{
				"BTC/USDT:USDT", "ETH/USDT:USDT", "SOL/USDT:USDT",
				"BNB/USDT:USDT", "XRP/USDT:USDT", "DOGE/USDT:USDT",
			},
		},
		Detect: DetectConfig{
			Reversal: ReversalConfig{
				RSILongNormal:   20,
				RSILongExtreme:  15,
				RSIShortNormal:  80,
				RSIShortExtreme: 85,
				MinADX:          15,
				MinVolumeRatio:  1.5,
				BaseScore:       0.75,
				SentimentWeight: 0.10,
				FundingWeight:   0.10,
				MacroWeight:     0.10,
				OrderbookWeight: 0.05,
				OIWeight:        0.05,
			},
			Trend: TrendConfig{
				RSILongLow:    15,
				RSILongHigh:   25,
				RSIShortLow:   75,
				RSIShortHigh:  85,
				MinConditions: 3,
				MinScore:      0.75,
				BaseScore:     0.55,
				MaxFDI:        1.45,
				MaxStopPct:    2.0,
				TakeProfitPct: 6.0,
			},
		},
		Dedup: DedupConfig{
			CooldownMin:       30,
			AllowOppositeSide: true,
			ScoreImprovement:  0.05,
			Priorities: map[string]int{
				"trend_anticipation": 4,
				"reversal":           3,
				"trend_explosion":    2,
				"trend_continuation": 1,
			},
		},
		Review: ReviewConfig{
			MinScoreReversal:    0.75,
			MinScoreTrend:       0.75,
			MinVolRatioReversal: 2.0,
			MinVolRatioTrend:    1.0,
			MaxChange24h:        60,
			ElevatedChange24h:   40,
			ElevatedMinScore:    0.86,
			MaxFundingRate:      0.003,
			MinBookDepth:        0.40,
			MaxSlippageOfSL:     0.60,
		},
		AI: AIConfig{
			Enabled:      true,
			CheapURL:     "https://api.deepseek.com/v1/chat/completions",
			CheapModel:   "deepseek-chat",
			PremiumURL:   "https://api.openai.com/v1/chat/completions",
			PremiumModel: "gpt-4o",
			TimeoutSec:   30,
			MaxTokens:    1024,
			Temperature:  0.3,
		},
		Watch: WatchConfig{
			CheckIntervalSec: 60,
			InsertGuardMin:   10,
			ExpireTrendMin:   8,
			ExpireExtremeMin: 5,
			ExpireNormalMin:  8,
			PriceAbandonPct:  1.5,
			PriceMissPct:     1.0,
			RSIRecoverLong:   55,
			RSIRecoverShort:  45,
		},
		HighVol: HighVolConfig{
			Enabled:            true,
			PoolCapacity:       10,
			MinChange24h:       8,
			MaxChange24h:       40,
			MinQuoteVolume:     2_000_000,
			MaxChange5m:        3,
			MinEfficiencyRatio: 0.2,
			ReadyThreshold:     70,
			MinHealth:          40,
			OrderValidSec:      300,
			MaxAIReviews:       3,
			MaxPositionPct:     0.10,
			MaxPositionUSDT:    200,
			MinPositionUSDT:    10,
			Leverage:           5,
		},
		Position: PositionConfig{
			EmergencySLPct:        2.0,
			TieredStopEnabled:     true,
			BreakevenTriggerPct:   1.0,
			BreakevenBufferPct:    0.2,
			TrailingActivatePct:   1.0,
			TrailingDistancePct:   0.8,
			ReviewIntervalSec:     300,
			MinHoldingMin:         10,
			CloseRewriteOffsetPct: 0.3,
			CounterTradeEnabled:   false,
			CounterTradeMinProfit: 0.5,
		},
		Executor: ExecutorConfig{
			MaxDailyTrades:  20,
			MaxDailyLossPct: 5,
			MaxPositions:    5,
			TotalCapital:    1000,
			MarginBuffer:    1.1,
		},
		Store: StoreConfig{
			SignalsPath:  "signals.db",
			WatchPath:    "watch_signals.db",
			HighVolPath:  "high_vol_track.db",
			TrainingPath: "xgboost_training.db",
		},
		Logging: logging.Config{Level: "info", Output: "stdout"},
	}
}

// Load reads a YAML config file, applies defaults for anything unset,
// then applies environment overrides for secrets.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// .env is optional; real environments set vars directly.
	_ = godotenv.Load()
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays secret material from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("VENUE_API_KEY"); v != "" {
		cfg.Venue.APIKey = v
	}
	if v := os.Getenv("VENUE_SECRET_KEY"); v != "" {
		cfg.Venue.SecretKey = v
	}
	if v := os.Getenv("VENUE_PASSPHRASE"); v != "" {
		cfg.Venue.Passphrase = v
	}
	if v := os.Getenv("AI_CHEAP_API_KEY"); v != "" {
		cfg.AI.CheapKey = v
	}
	if v := os.Getenv("AI_PREMIUM_API_KEY"); v != "" {
		cfg.AI.PremiumKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notify.BotToken = v
	}
	if v := os.Getenv("ENGINE_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.IntervalSec = n
		}
	}
}

// Validate enforces the documented bounds.
func (c *Config) Validate() error {
	if c.Engine.IntervalSec < 10 {
		return fmt.Errorf("engine.interval_sec must be >= 10, got %d", c.Engine.IntervalSec)
	}
	if c.Engine.Workers < 1 {
		c.Engine.Workers = 5
	}
	if c.Dedup.CooldownMin <= 0 {
		c.Dedup.CooldownMin = 30
	}
	if c.Executor.MarginBuffer < 1 {
		c.Executor.MarginBuffer = 1.1
	}
	return nil
}

// Interval returns the cycle period as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Engine.IntervalSec) * time.Second
}
