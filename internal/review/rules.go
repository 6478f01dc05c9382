package review

import (
	"fmt"
	"math"

	"perp-engine/config"
	"perp-engine/internal/detect"
	"perp-engine/internal/market"
	"perp-engine/internal/venue"
)

// Severity splits rules into hard blocks and advisory warnings.
type Severity int

const (
	Block Severity = iota
	Warn
)

// Context is everything a rule may inspect. Built once per candidate.
type Context struct {
	Cand     *detect.Candidate
	BTC      *market.BTCSnapshot
	Funding  market.FundingScore
	FundingZ float64
	HasZ     bool

	// BookBidShare is bid volume / total volume of the top book levels.
	BookBidShare float64
	// SlippageEstPct approximates expected slippage as percent of price.
	SlippageEstPct float64
}

// Rule is a pure predicate. Check returns pass plus a reason on miss.
type Rule struct {
	Name     string
	Category string
	Severity Severity
	Check    func(cfg config.ReviewConfig, c Context) (bool, string)
}

// GateResult is the hard-rule verdict. The first block miss short-circuits.
type GateResult struct {
	Passed   bool
	Reason   string
	RuleName string
	Warnings []string
}

// Engine evaluates the rule list in order. Rules toggle by name.
type Engine struct {
	cfg      config.ReviewConfig
	rules    []Rule
	disabled map[string]bool
}

func NewEngine(cfg config.ReviewConfig) *Engine {
	e := &Engine{
		cfg:      cfg,
		rules:    defaultRules(),
		disabled: make(map[string]bool),
	}
	for _, name := range cfg.DisabledRules {
		e.disabled[name] = true
	}
	return e
}

// SetEnabled toggles a rule at runtime.
func (e *Engine) SetEnabled(name string, on bool) {
	if on {
		delete(e.disabled, name)
	} else {
		e.disabled[name] = true
	}
}

// RuleNames lists the installed rules in evaluation order.
func (e *Engine) RuleNames() []string {
	out := make([]string, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Name
	}
	return out
}

// Evaluate runs every enabled rule. Block misses short-circuit; warn misses
// accumulate and ride along with a pass.
func (e *Engine) Evaluate(c Context) GateResult {
	res := GateResult{Passed: true}
	for _, r := range e.rules {
		if e.disabled[r.Name] {
			continue
		}
		pass, reason := r.Check(e.cfg, c)
		if pass {
			continue
		}
		if r.Severity == Block {
			return GateResult{Passed: false, Reason: reason, RuleName: r.Name, Warnings: res.Warnings}
		}
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", r.Name, reason))
	}
	return res
}

func isTrend(c Context) bool {
	return c.Cand.Kind == detect.KindTrendAnticipation
}

// elevated reports the raised-bar regime for big 24h movers.
func elevated(cfg config.ReviewConfig, c Context) bool {
	return math.Abs(c.Cand.Metrics.Change24h) > cfg.ElevatedChange24h
}

func defaultRules() []Rule {
	return []Rule{
		{
			Name: "rsi_band", Category: "entry", Severity: Block,
			Check: func(cfg config.ReviewConfig, c Context) (bool, string) {
				if isTrend(c) {
					return true, ""
				}
				if c.Cand.Side == venue.SideLong && c.Cand.RSI > 20 && !c.Cand.ExtremeRSI {
					return false, fmt.Sprintf("long rsi %.1f above band", c.Cand.RSI)
				}
				if c.Cand.Side == venue.SideShort && c.Cand.RSI < 80 && !c.Cand.ExtremeRSI {
					return false, fmt.Sprintf("short rsi %.1f below band", c.Cand.RSI)
				}
				return true, ""
			},
		},
		{
			Name: "min_score", Category: "entry", Severity: Block,
			Check: func(cfg config.ReviewConfig, c Context) (bool, string) {
				required := cfg.MinScoreReversal
				if isTrend(c) {
					required = cfg.MinScoreTrend
				}
				if elevated(cfg, c) && cfg.ElevatedMinScore > required {
					required = cfg.ElevatedMinScore
				}
				if c.Cand.Score < required {
					return false, fmt.Sprintf("score %.2f below %.2f", c.Cand.Score, required)
				}
				return true, ""
			},
		},
		{
			Name: "min_volume_ratio", Category: "entry", Severity: Block,
			Check: func(cfg config.ReviewConfig, c Context) (bool, string) {
				required := cfg.MinVolRatioReversal
				if isTrend(c) {
					required = cfg.MinVolRatioTrend
				}
				if elevated(cfg, c) && required < 1.0 {
					required = 1.0
				}
				if c.Cand.VolumeRatio < required {
					return false, fmt.Sprintf("volume ratio %.2f below %.2f", c.Cand.VolumeRatio, required)
				}
				return true, ""
			},
		},
		{
			Name: "extreme_24h_move", Category: "market", Severity: Block,
			Check: func(cfg config.ReviewConfig, c Context) (bool, string) {
				if math.Abs(c.Cand.Metrics.Change24h) > cfg.MaxChange24h {
					return false, fmt.Sprintf("24h change %.1f%% beyond %.0f%%",
						c.Cand.Metrics.Change24h, cfg.MaxChange24h)
				}
				return true, ""
			},
		},
		{
			Name: "adx_dead_zone", Category: "market", Severity: Block,
			Check: func(cfg config.ReviewConfig, c Context) (bool, string) {
				if c.Cand.ADX < 15 && c.Cand.VolumeRatio < 1.5 {
					return false, fmt.Sprintf("dead market: adx %.1f vol %.2f", c.Cand.ADX, c.Cand.VolumeRatio)
				}
				return true, ""
			},
		},
		{
			Name: "trend_exhaustion", Category: "market", Severity: Block,
			Check: func(cfg config.ReviewConfig, c Context) (bool, string) {
				if c.Cand.ADX >= 40 && c.Cand.BBWidth > 0 && c.Cand.BBWidth < 0.015 && c.Cand.VolumeRatio < 1.2 {
					return false, fmt.Sprintf("exhausted trend: adx %.1f bb %.4f vol %.2f",
						c.Cand.ADX, c.Cand.BBWidth, c.Cand.VolumeRatio)
				}
				return true, ""
			},
		},
		{
			Name: "bb_squeeze_trap", Category: "market", Severity: Block,
			Check: func(cfg config.ReviewConfig, c Context) (bool, string) {
				if c.Cand.BBWidth > 0 && c.Cand.BBWidth < 0.01 && c.Cand.VolumeRatio < 1.5 {
					return false, fmt.Sprintf("squeeze trap: bb %.4f needs vol >= 1.5, got %.2f",
						c.Cand.BBWidth, c.Cand.VolumeRatio)
				}
				return true, ""
			},
		},
		{
			Name: "reversal_confirmation", Category: "entry", Severity: Block,
			Check: func(cfg config.ReviewConfig, c Context) (bool, string) {
				if isTrend(c) {
					return true, ""
				}
				macdMatch := (c.Cand.Side == venue.SideLong && c.Cand.Metrics.MACDCross > 0) ||
					(c.Cand.Side == venue.SideShort && c.Cand.Metrics.MACDCross < 0)
				div := c.Cand.Metrics.Divergence
				divMatch := div.Detected &&
					((c.Cand.Side == venue.SideLong && div.Direction == "bullish") ||
						(c.Cand.Side == venue.SideShort && div.Direction == "bearish"))
				extremeVol := c.Cand.ExtremeRSI && c.Cand.VolumeRatio >= 3
				if macdMatch || divMatch || extremeVol {
					return true, ""
				}
				return false, "no reversal confirmation (macd, divergence, or extreme volume)"
			},
		},
		{
			Name: "sl_atr_sanity", Category: "risk", Severity: Block,
			Check: func(cfg config.ReviewConfig, c Context) (bool, string) {
				if c.Cand.SLPct <= 0 || c.Cand.ATRPct <= 0 {
					return true, ""
				}
				mult := 1.5
				// Squeezed or illiquid markets need wider stops.
				if (c.Cand.BBWidth > 0 && c.Cand.BBWidth < 0.01) || c.Cand.VolumeRatio < 1.0 {
					mult = 2.0
				}
				if c.Cand.SLPct < mult*c.Cand.ATRPct {
					return false, fmt.Sprintf("sl %.2f%% tighter than %.1fx atr %.2f%%",
						c.Cand.SLPct, mult, c.Cand.ATRPct)
				}
				return true, ""
			},
		},
		{
			Name: "funding_cap", Category: "cost", Severity: Block,
			Check: func(cfg config.ReviewConfig, c Context) (bool, string) {
				if math.Abs(c.Funding.Rate) > cfg.MaxFundingRate {
					return false, fmt.Sprintf("funding %.4f%% beyond cap", c.Funding.Rate*100)
				}
				return true, ""
			},
		},
		{
			Name: "funding_direction", Category: "cost", Severity: Warn,
			Check: func(cfg config.ReviewConfig, c Context) (bool, string) {
				// Positive funding charges longs; negative charges shorts.
				if c.Cand.Side == venue.SideLong && c.Funding.Rate > cfg.MaxFundingRate/2 {
					return false, fmt.Sprintf("funding %.4f%% pays against long", c.Funding.Rate*100)
				}
				if c.Cand.Side == venue.SideShort && c.Funding.Rate < -cfg.MaxFundingRate/2 {
					return false, fmt.Sprintf("funding %.4f%% pays against short", c.Funding.Rate*100)
				}
				return true, ""
			},
		},
		{
			Name: "book_depth", Category: "liquidity", Severity: Block,
			Check: func(cfg config.ReviewConfig, c Context) (bool, string) {
				share := c.BookBidShare
				if c.Cand.Side == venue.SideShort {
					share = 1 - share
				}
				if share < cfg.MinBookDepth {
					return false, fmt.Sprintf("book share %.2f below %.2f", share, cfg.MinBookDepth)
				}
				return true, ""
			},
		},
		{
			Name: "slippage", Category: "liquidity", Severity: Block,
			Check: func(cfg config.ReviewConfig, c Context) (bool, string) {
				if c.Cand.SLPct <= 0 {
					return true, ""
				}
				if c.SlippageEstPct > cfg.MaxSlippageOfSL*c.Cand.SLPct {
					return false, fmt.Sprintf("slippage %.2f%% beyond %.0f%% of sl %.2f%%",
						c.SlippageEstPct, cfg.MaxSlippageOfSL*100, c.Cand.SLPct)
				}
				return true, ""
			},
		},
		{
			Name: "trend_fdi", Category: "trend", Severity: Block,
			Check: func(cfg config.ReviewConfig, c Context) (bool, string) {
				if !isTrend(c) {
					return true, ""
				}
				if c.Cand.Metrics.FDI >= 1.45 {
					return false, fmt.Sprintf("fdi %.2f marks chop", c.Cand.Metrics.FDI)
				}
				return true, ""
			},
		},
		{
			Name: "trend_btc_direction", Category: "trend", Severity: Block,
			Check: func(cfg config.ReviewConfig, c Context) (bool, string) {
				if !isTrend(c) || c.BTC == nil {
					return true, ""
				}
				if c.Cand.Side == venue.SideLong && c.BTC.Change1h < -1 {
					return false, fmt.Sprintf("btc 1h %.2f%% against long", c.BTC.Change1h)
				}
				if c.Cand.Side == venue.SideShort && c.BTC.Change1h > 1 {
					return false, fmt.Sprintf("btc 1h %.2f%% against short", c.BTC.Change1h)
				}
				return true, ""
			},
		},
		{
			Name: "trend_volume_floor", Category: "trend", Severity: Block,
			Check: func(cfg config.ReviewConfig, c Context) (bool, string) {
				if !isTrend(c) {
					return true, ""
				}
				if c.Cand.VolumeRatio < 1.0 {
					return false, fmt.Sprintf("trend volume ratio %.2f below 1.0", c.Cand.VolumeRatio)
				}
				return true, ""
			},
		},
		{
			Name: "trend_bb_floor", Category: "trend", Severity: Block,
			Check: func(cfg config.ReviewConfig, c Context) (bool, string) {
				if !isTrend(c) {
					return true, ""
				}
				if c.Cand.BBWidth > 0 && c.Cand.BBWidth < 0.002 {
					return false, fmt.Sprintf("bb width %.4f too compressed to trade", c.Cand.BBWidth)
				}
				return true, ""
			},
		},
		{
			Name: "btc_regime", Category: "market", Severity: Warn,
			Check: func(cfg config.ReviewConfig, c Context) (bool, string) {
				if c.BTC == nil {
					return true, ""
				}
				if c.BTC.Action == "short_only" && c.Cand.Side == venue.SideLong {
					return false, "btc regime is short_only"
				}
				if c.BTC.Action == "long_only" && c.Cand.Side == venue.SideShort {
					return false, "btc regime is long_only"
				}
				return true, ""
			},
		},
	}
}
