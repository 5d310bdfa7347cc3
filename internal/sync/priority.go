package sync

import (
	"time"

	"github.com/Martian-dev/mailsync/internal/model"
)

// Base polling interval per priority tier.
var baseIntervals = map[int]time.Duration{
	1: 3 * time.Minute,
	2: 15 * time.Minute,
	3: 30 * time.Minute,
	4: 2 * time.Hour,
	5: 6 * time.Hour,
}

// backoffSoftCap bounds how far the error streak escalates the interval for
// transient failures. Rate-limited providers never climb past it, so a noisy
// vendor cannot permanently demote a mailbox.
const backoffSoftCap = 3

// ewmaAlpha is the smoothing factor for the observed activity rate.
const ewmaAlpha = 0.3

// BaseInterval returns the polling interval for a tier. Out-of-range tiers
// clamp to the slowest tier.
func BaseInterval(tier int) time.Duration {
	if tier < model.MinPriorityTier {
		tier = model.MinPriorityTier
	}
	if tier > model.MaxPriorityTier {
		tier = model.MaxPriorityTier
	}
	return baseIntervals[tier]
}

// TierForActivity maps an observed messages-per-hour rate to a priority
// tier. The mapping is monotonic: more activity never yields a slower tier.
func TierForActivity(rate float64) int {
	switch {
	case rate >= 20:
		return 1
	case rate >= 5:
		return 2
	case rate >= 1:
		return 3
	case rate >= 0.2:
		return 4
	default:
		return 5
	}
}

// EffectiveInterval applies error-streak backoff to a tier's base interval.
// Backoff doubles per consecutive failure and is capped at the tier-5 base
// interval, so a failing provider is polled less often without being
// reclassified.
func EffectiveInterval(tier, errorStreak int) time.Duration {
	interval := BaseInterval(tier)
	ceiling := baseIntervals[model.MaxPriorityTier]

	for i := 0; i < errorStreak; i++ {
		interval *= 2
		if interval >= ceiling {
			return ceiling
		}
	}

	return interval
}

// SmoothActivityRate folds the rate observed in one pass into the running
// exponential moving average.
func SmoothActivityRate(prev, observed float64) float64 {
	if prev == 0 {
		return observed
	}
	return ewmaAlpha*observed + (1-ewmaAlpha)*prev
}
