package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"perp-engine/config"
	"perp-engine/internal/ai"
	"perp-engine/internal/detect"
	"perp-engine/internal/market"
	"perp-engine/internal/venue"
)

// LLMVerdict is the JSON shape both models must return for a review.
type LLMVerdict struct {
	Approved   bool    `json:"approved"`
	Confidence float64 `json:"confidence"`
	Side       string  `json:"side"`
	Reasoning  string  `json:"reasoning"`
}

// Result is the composed gate + LLM outcome for one candidate.
type Result struct {
	Approved   bool
	Reason     string
	Confidence float64
	Source     string // model name, or "hard_rules" on gate reject
	Warnings   []string
}

// Reviewer composes the deterministic gate with a single LLM review.
type Reviewer struct {
	engine *Engine
	llm    *ai.Client
	log    zerolog.Logger
}

func NewReviewer(cfg config.ReviewConfig, llm *ai.Client, log zerolog.Logger) *Reviewer {
	return &Reviewer{
		engine: NewEngine(cfg),
		llm:    llm,
		log:    log,
	}
}

// Engine exposes the rule engine for runtime toggling.
func (r *Reviewer) Engine() *Engine { return r.engine }

// Review runs the hard-rule gate, then one LLM review. A transport failure
// of both models rejects with "AI unavailable"; no retries inside a cycle.
func (r *Reviewer) Review(ctx context.Context, rc Context) Result {
	gate := r.engine.Evaluate(rc)
	if !gate.Passed {
		return Result{
			Approved: false,
			Reason:   fmt.Sprintf("%s: %s", gate.RuleName, gate.Reason),
			Source:   "hard_rules",
			Warnings: gate.Warnings,
		}
	}
	if r.llm == nil || !r.llm.Enabled() {
		// Gate-only mode: hard rules decide alone.
		return Result{Approved: true, Reason: "hard rules passed", Confidence: 0.5,
			Source: "hard_rules", Warnings: gate.Warnings}
	}

	system := "You are a disciplined crypto perpetual futures risk reviewer. " +
		"Respond with a single JSON object only: " +
		`{"approved": bool, "confidence": 0.0-1.0, "side": "long"|"short", "reasoning": "..."}`
	user := r.buildPrompt(rc)

	text, source, err := r.llm.Complete(ctx, system, user)
	if err != nil {
		if errors.Is(err, ai.ErrUnavailable) {
			return Result{Approved: false, Reason: "AI unavailable", Source: "none", Warnings: gate.Warnings}
		}
		return Result{Approved: false, Reason: err.Error(), Source: "none", Warnings: gate.Warnings}
	}
	var verdict LLMVerdict
	if err := ai.ExtractJSON(text, &verdict); err != nil {
		r.log.Warn().Err(err).Str("symbol", rc.Cand.Symbol).Msg("unparseable review")
		return Result{Approved: false, Reason: "AI unavailable", Source: "none", Warnings: gate.Warnings}
	}

	res := Result{
		Approved:   verdict.Approved,
		Reason:     verdict.Reasoning,
		Confidence: verdict.Confidence,
		Source:     source,
		Warnings:   gate.Warnings,
	}
	// A model that approves the wrong side is a reject.
	if verdict.Approved && verdict.Side != "" && venue.Side(verdict.Side) != rc.Cand.Side {
		res.Approved = false
		res.Reason = fmt.Sprintf("model preferred %s over %s: %s", verdict.Side, rc.Cand.Side, verdict.Reasoning)
	}
	return res
}

// buildPrompt renders the kind-specific review prompt with live metrics,
// the quality indicators, and BTC context.
func (r *Reviewer) buildPrompt(rc Context) string {
	c := rc.Cand
	var b strings.Builder

	switch c.Kind {
	case detect.KindTrendAnticipation:
		fmt.Fprintf(&b, "Evaluate this TREND ANTICIPATION signal (entering before the trend confirms).\n\n")
	default:
		fmt.Fprintf(&b, "Evaluate this RSI REVERSAL signal (fading an overextended move).\n\n")
	}

	fmt.Fprintf(&b, "Symbol: %s\nProposed side: %s\nScore: %.2f\nPrice: %.6g\n", c.Symbol, c.Side, c.Score, c.Price)
	fmt.Fprintf(&b, "RSI: %.1f  ADX: %.1f  Volume ratio: %.2f  BB width: %.4f  ATR%%: %.2f\n",
		c.RSI, c.ADX, c.VolumeRatio, c.BBWidth, c.ATRPct)
	fmt.Fprintf(&b, "Momentum 5m: %.2f%%  15m: %.2f%%  24h change: %.1f%%\n",
		c.Momentum5m, c.Momentum15m, c.Metrics.Change24h)
	fmt.Fprintf(&b, "Planned SL: %.6g (%.2f%%)  TP: %.6g (%.2f%%)\n", c.SLPrice, c.SLPct, c.TPPrice, c.TPPct)

	cvd := market.DetectCVDDivergence(c.Metrics.Candles, 20)
	if cvd.Detected {
		fmt.Fprintf(&b, "\nCVD divergence: %s, strength %.0f, price %.2f%% vs cvd %.2f%%",
			cvd.Direction, cvd.Strength, cvd.PriceChange, cvd.CVDChange)
		if cvd.FakeBreakout {
			b.WriteString(" (FAKE BREAKOUT pattern)")
		}
		b.WriteString("\n")
	} else {
		b.WriteString("\nCVD divergence: none\n")
	}
	fmt.Fprintf(&b, "Funding rate: %.4f%%", rc.Funding.Rate*100)
	if rc.HasZ {
		fmt.Fprintf(&b, " (z-score %.2f over 90 samples)", rc.FundingZ)
	}
	b.WriteString("\n")

	if rc.BTC != nil {
		fmt.Fprintf(&b, "\nBTC context: price %.0f, 1h %.2f%%, 4h %.2f%%, RSI %.1f, trend %s, volatility %s, action %s\n",
			rc.BTC.Price, rc.BTC.Change1h, rc.BTC.Change4h, rc.BTC.RSI, rc.BTC.Trend, rc.BTC.Volatility, rc.BTC.Action)
	}

	if c.Kind == detect.KindTrendAnticipation {
		fmt.Fprintf(&b, "\nFractal dimension: %.2f (1.0 trending, 1.5 noise)\nSmart money: %s\nConditions met: %s\n",
			c.Metrics.FDI, c.Metrics.SmartMoney, strings.Join(c.Reasons, ", "))
	} else if len(c.Reasons) > 0 {
		fmt.Fprintf(&b, "\nDetector evidence: %s\n", strings.Join(c.Reasons, ", "))
	}
	if len(rc.Cand.Metrics.Candles) > 0 {
		fmt.Fprintf(&b, "Order book bid share: %.2f\n", rc.BookBidShare)
	}

	b.WriteString("\nApprove only if the setup quality justifies the risk. Reply with JSON only.")
	return b.String()
}
