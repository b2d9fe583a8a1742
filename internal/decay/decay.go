// Package decay implements the Sales-Optimized Forgetting Curve used to
// weight stale knowledge/strategy rows down in retrieval scoring.
package decay

import (
	"math"
	"time"
)

// DefaultHalfLife is the 7-day half-life spec.md's SOFC uses when a
// component doesn't override it.
const DefaultHalfLife = 7 * 24 * time.Hour

// Weight computes exp(-ln(2)*delta/halfLife) where delta is the elapsed
// time since lastUsedAt. A row with no lastUsedAt (nil) gets weight 1.0:
// it has never been scored down, since it has no history to decay from.
func Weight(lastUsedAt *time.Time, now time.Time, halfLife time.Duration) float64 {
	if lastUsedAt == nil {
		return 1.0
	}
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	delta := now.Sub(*lastUsedAt)
	if delta <= 0 {
		return 1.0
	}
	return math.Exp(-math.Ln2 * delta.Hours() / halfLife.Hours())
}

// Reactivation is what Reactivate returns: the fields a retriever persists
// back to the relational store for a row it just served.
type Reactivation struct {
	LastUsedAt time.Time
	UseCount   int
}

// Reactivate bumps a row's use_count and refreshes last_used_at; callers
// persist the result in the same commit that records the retrieval.
func Reactivate(currentUseCount int, now time.Time) Reactivation {
	return Reactivation{LastUsedAt: now, UseCount: currentUseCount + 1}
}
