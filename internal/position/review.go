package position

import (
	"context"
	"fmt"
	"time"

	"perp-engine/internal/ai"
	"perp-engine/internal/market"
	"perp-engine/internal/venue"
)

// reviewVerdict is the JSON shape of an AI position review.
type reviewVerdict struct {
	Action     string  `json:"action"` // hold, close, tighten_sl, extend_tp, breakeven
	NewSLPrice float64 `json:"new_sl_price"`
	NewTPPrice float64 `json:"new_tp_price"`
	Reasoning  string  `json:"reasoning"`
}

// aiReview asks the model what to do with a live position. The gate: either
// the position has been held past the minimum, or one of the urgency
// triggers fired (PnL in the undecided band, BTC moving, volume spike).
func (s *Supervisor) aiReview(ctx context.Context, rec *Record, price, pnl float64, btc *market.BTCSnapshot) {
	if s.llm == nil || !s.llm.Enabled() {
		return
	}
	interval := time.Duration(s.cfg.ReviewIntervalSec) * time.Second
	if s.now().Sub(rec.LastReview) < interval {
		return
	}

	holding := s.now().Sub(rec.OpenedAt)
	urgent := (pnl >= -0.01 && pnl <= 0.02) ||
		(btc != nil && absF(btc.Change15m) >= 1)
	if !urgent {
		if candles, err := s.client.GetCandles(ctx, rec.Symbol, "1m", 25); err == nil {
			urgent = market.VolumeRatio(candles, 20) >= 2
		}
	}
	if holding < time.Duration(s.cfg.MinHoldingMin)*time.Minute && !urgent {
		return
	}
	rec.LastReview = s.now()

	system := "You manage open crypto perpetual futures positions. " +
		"Respond with a single JSON object only: " +
		`{"action": "hold"|"close"|"tighten_sl"|"extend_tp"|"breakeven", "new_sl_price": number, "new_tp_price": number, "reasoning": "..."}`
	user := s.buildReviewPrompt(rec, price, pnl, btc)

	text, _, err := s.llm.Complete(ctx, system, user)
	if err != nil {
		return
	}
	var v reviewVerdict
	if err := ai.ExtractJSON(text, &v); err != nil {
		s.log.Debug().Err(err).Str("symbol", rec.Symbol).Msg("unparseable position review")
		return
	}
	s.applyReview(ctx, rec, price, pnl, v)
}

// applyReview enacts the verdict. "close" is rewritten to a tight stop at
// a small offset so the exit happens on the book instead of panicking into
// the spread. "breakeven" is honoured only in profit.
func (s *Supervisor) applyReview(ctx context.Context, rec *Record, price, pnl float64, v reviewVerdict) {
	switch v.Action {
	case "close":
		offset := s.cfg.CloseRewriteOffsetPct / 100
		var newSL float64
		if rec.Side == venue.SideLong {
			newSL = price * (1 - offset)
		} else {
			newSL = price * (1 + offset)
		}
		if !rec.improves(newSL) {
			return
		}
		if err := s.exec.UpdateStopLoss(ctx, rec.Symbol, newSL); err != nil {
			s.log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("close-rewrite stop failed")
			return
		}
		rec.CurrentSL = newSL
		s.log.Info().Str("symbol", rec.Symbol).Float64("sl", newSL).
			Str("reasoning", v.Reasoning).Msg("ai close rewritten to tight stop")
	case "tighten_sl":
		newSL := v.NewSLPrice
		if newSL <= 0 || !rec.improves(newSL) {
			return
		}
		if err := s.exec.UpdateStopLoss(ctx, rec.Symbol, newSL); err != nil {
			return
		}
		rec.CurrentSL = newSL
	case "extend_tp":
		newTP := v.NewTPPrice
		if newTP <= 0 {
			return
		}
		ok := (rec.Side == venue.SideLong && newTP > rec.CurrentTP) ||
			(rec.Side == venue.SideShort && newTP < rec.CurrentTP)
		if !ok {
			return
		}
		if err := s.exec.UpdateTakeProfit(ctx, rec.Symbol, newTP); err != nil {
			return
		}
		rec.CurrentTP = newTP
	case "breakeven":
		if pnl <= 0.01 {
			return
		}
		s.applyBreakeven(ctx, rec, pnl)
	}
}

func (s *Supervisor) buildReviewPrompt(rec *Record, price, pnl float64, btc *market.BTCSnapshot) string {
	holding := s.now().Sub(rec.OpenedAt).Minutes()
	prompt := fmt.Sprintf(
		"Position: %s %s\nEntry: %.6g  Current: %.6g  PnL: %.2f%%  Peak PnL: %.2f%%\n"+
			"SL: %.6g  TP: %.6g  Tier: %d\nHolding: %.0f min  Strategy: %s\n",
		rec.Symbol, rec.Side, rec.Entry, price, pnl*100, rec.HighestPnL*100,
		rec.CurrentSL, rec.CurrentTP, rec.Tier, holding, rec.Strategy)
	if btc != nil {
		prompt += fmt.Sprintf("BTC: 1h %.2f%%, 15m %.2f%%, trend %s, volatility %s\n",
			btc.Change1h, btc.Change15m, btc.Trend, btc.Volatility)
	}
	prompt += "\nDecide the next action. Prefer hold unless the setup has degraded. Reply with JSON only."
	return prompt
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
