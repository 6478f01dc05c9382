// Package dedup suppresses repeated signals for a symbol inside a cooldown
// window, allowing replacement only on side flips, higher-priority kinds, or
// a meaningful score improvement.
package dedup

import (
	"fmt"
	"sync"
	"time"

	"perp-engine/config"
	"perp-engine/internal/venue"
)

type entry struct {
	Kind  string
	Score float64
	Side  venue.Side
	At    time.Time
}

// Deduplicator is safe for concurrent use; entries expire lazily.
type Deduplicator struct {
	mu  sync.Mutex
	cfg config.DedupConfig
	m   map[string]entry

	now func() time.Time
}

func New(cfg config.DedupConfig) *Deduplicator {
	return &Deduplicator{
		cfg: cfg,
		m:   make(map[string]entry),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source, for tests.
func (d *Deduplicator) SetClock(now func() time.Time) { d.now = now }

// ShouldEmit decides whether a new signal for the symbol passes. Rules run
// in order; the first match wins. An emit records the new signal.
func (d *Deduplicator) ShouldEmit(symbol, kind string, score float64, side venue.Side) (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.evict(now)

	cooldown := time.Duration(d.cfg.CooldownMin) * time.Minute

	prev, ok := d.m[symbol]
	if !ok {
		d.record(symbol, kind, score, side, now)
		return true, "first signal"
	}
	if elapsed := now.Sub(prev.At); elapsed >= cooldown {
		d.record(symbol, kind, score, side, now)
		return true, fmt.Sprintf("cooldown elapsed (%.0fm)", elapsed.Minutes())
	}
	if d.cfg.AllowOppositeSide && side != prev.Side {
		d.record(symbol, kind, score, side, now)
		return true, "opposite side"
	}
	newRank, prevRank := d.cfg.Priorities[kind], d.cfg.Priorities[prev.Kind]
	if newRank > prevRank {
		d.record(symbol, kind, score, side, now)
		return true, fmt.Sprintf("higher priority %s > %s", kind, prev.Kind)
	}
	if newRank == prevRank && score >= prev.Score+d.cfg.ScoreImprovement {
		d.record(symbol, kind, score, side, now)
		return true, fmt.Sprintf("score improved %.2f -> %.2f", prev.Score, score)
	}
	return false, fmt.Sprintf("cooldown active for %s (%.0fm left)",
		symbol, (cooldown - now.Sub(prev.At)).Minutes())
}

func (d *Deduplicator) record(symbol, kind string, score float64, side venue.Side, at time.Time) {
	d.m[symbol] = entry{Kind: kind, Score: score, Side: side, At: at}
}

// evict drops entries older than twice the cooldown.
func (d *Deduplicator) evict(now time.Time) {
	horizon := 2 * time.Duration(d.cfg.CooldownMin) * time.Minute
	for sym, e := range d.m {
		if now.Sub(e.At) > horizon {
			delete(d.m, sym)
		}
	}
}

// Len reports live entries, for diagnostics.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.m)
}
