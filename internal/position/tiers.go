package position

// Tier maps a peak PnL trigger to a locked-in profit floor, both percents.
type Tier struct {
	TriggerPct float64
	LockPct    float64
}

// DefaultTiers is the fixed ladder: once peak PnL crosses a trigger the
// stop locks in the corresponding profit. Strictly increasing in both
// columns so tier index and SL are monotone together.
var DefaultTiers = []Tier{
	{0.4, 0.1},
	{1.0, 0.3},
	{2.0, 1.2},
	{3.0, 2.5},
	{5.0, 4.0},
	{8.0, 6.5},
	{12.0, 10.0},
	{20.0, 18.0},
	{30.0, 28.0},
	{40.0, 39.0},
	{50.0, 48.0},
}

// tierFor returns the highest tier index whose trigger is at or below the
// peak PnL percent, or -1 when none applies.
func tierFor(tiers []Tier, peakPct float64) int {
	idx := -1
	for i, t := range tiers {
		if peakPct >= t.TriggerPct {
			idx = i
		}
	}
	return idx
}
