package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-engine/config"
	"perp-engine/internal/venue"
)

func newTestDedup(t *testing.T) (*Deduplicator, *time.Time) {
	t.Helper()
	d := New(config.Default().Dedup)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d.SetClock(func() time.Time { return now })
	return d, &now
}

func TestFirstSignalEmits(t *testing.T) {
	d, _ := newTestDedup(t)
	ok, reason := d.ShouldEmit("SOL/USDT:USDT", "reversal", 0.80, venue.SideLong)
	assert.True(t, ok)
	assert.Equal(t, "first signal", reason)
}

func TestRepeatInsideCooldownSuppressed(t *testing.T) {
	d, now := newTestDedup(t)
	ok, _ := d.ShouldEmit("SOL/USDT:USDT", "reversal", 0.80, venue.SideLong)
	require.True(t, ok)

	*now = now.Add(4 * time.Minute)
	ok, reason := d.ShouldEmit("SOL/USDT:USDT", "reversal", 0.82, venue.SideLong)
	assert.False(t, ok)
	assert.Contains(t, reason, "cooldown")

	// Suppressed decisions do not reset the clock: the same call again
	// gives the same answer.
	ok, reason2 := d.ShouldEmit("SOL/USDT:USDT", "reversal", 0.82, venue.SideLong)
	assert.False(t, ok)
	assert.Equal(t, reason, reason2)
}

func TestCooldownBoundaryEmits(t *testing.T) {
	d, now := newTestDedup(t)
	d.ShouldEmit("SOL/USDT:USDT", "reversal", 0.80, venue.SideLong)

	*now = now.Add(30*time.Minute - time.Second)
	ok, _ := d.ShouldEmit("SOL/USDT:USDT", "reversal", 0.80, venue.SideLong)
	require.False(t, ok)

	*now = now.Add(time.Second)
	ok, reason := d.ShouldEmit("SOL/USDT:USDT", "reversal", 0.80, venue.SideLong)
	assert.True(t, ok)
	assert.Contains(t, reason, "cooldown elapsed")
}

func TestOppositeSideEmits(t *testing.T) {
	d, now := newTestDedup(t)
	d.ShouldEmit("SOL/USDT:USDT", "reversal", 0.80, venue.SideLong)

	*now = now.Add(2 * time.Minute)
	ok, reason := d.ShouldEmit("SOL/USDT:USDT", "reversal", 0.76, venue.SideShort)
	assert.True(t, ok)
	assert.Equal(t, "opposite side", reason)
}

func TestHigherPriorityKindReplaces(t *testing.T) {
	d, now := newTestDedup(t)
	d.ShouldEmit("SOL/USDT:USDT", "reversal", 0.90, venue.SideLong)

	*now = now.Add(2 * time.Minute)
	// trend_anticipation outranks reversal even with a lower score.
	ok, reason := d.ShouldEmit("SOL/USDT:USDT", "trend_anticipation", 0.76, venue.SideLong)
	assert.True(t, ok)
	assert.Contains(t, reason, "higher priority")

	// Lower-priority kind does not replace it back.
	*now = now.Add(time.Minute)
	ok, _ = d.ShouldEmit("SOL/USDT:USDT", "reversal", 0.99, venue.SideLong)
	assert.False(t, ok)
}

func TestScoreImprovementReplaces(t *testing.T) {
	d, now := newTestDedup(t)
	d.ShouldEmit("SOL/USDT:USDT", "reversal", 0.80, venue.SideLong)

	*now = now.Add(2 * time.Minute)
	ok, _ := d.ShouldEmit("SOL/USDT:USDT", "reversal", 0.849, venue.SideLong)
	assert.False(t, ok, "improvement below 0.05 stays suppressed")

	ok, reason := d.ShouldEmit("SOL/USDT:USDT", "reversal", 0.85, venue.SideLong)
	assert.True(t, ok)
	assert.Contains(t, reason, "score improved")
}

func TestSymbolsIndependent(t *testing.T) {
	d, _ := newTestDedup(t)
	d.ShouldEmit("SOL/USDT:USDT", "reversal", 0.80, venue.SideLong)
	ok, _ := d.ShouldEmit("ETH/USDT:USDT", "reversal", 0.80, venue.SideLong)
	assert.True(t, ok)
	assert.Equal(t, 2, d.Len())
}

func TestEvictionAfterTwiceCooldown(t *testing.T) {
	d, now := newTestDedup(t)
	d.ShouldEmit("SOL/USDT:USDT", "reversal", 0.80, venue.SideLong)
	require.Equal(t, 1, d.Len())

	*now = now.Add(61 * time.Minute)
	d.ShouldEmit("ETH/USDT:USDT", "reversal", 0.80, venue.SideLong)
	assert.Equal(t, 1, d.Len(), "stale entry evicted on next decision")
}
