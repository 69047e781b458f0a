package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Entry is the per-key state held in a Store. Which fields are used depends
// on the rule that owns the store.
type Entry struct {
	// Count of admitted requests in the current window. For sliding windows
	// it always equals len(Timestamps).
	Count int

	WindowStart time.Time

	// ResetAt is when the entry stops carrying any budget information. An
	// entry with now >= ResetAt is expired and gets replaced, not
	// incremented.
	ResetAt time.Time

	// Timestamps of admitted requests, oldest first (sliding window only).
	Timestamps []time.Time

	bucket *rate.Limiter // token bucket only
}

// Expired reports whether e no longer holds a live window at now.
func (e *Entry) Expired(now time.Time) bool {
	return e == nil || !now.Before(e.ResetAt)
}

// Decision is the outcome of one admission check for one key.
type Decision struct {
	Allowed bool
	Key     string
	Tier    string // set on the tiers of a dual-tier decision
	Limit   int

	// Remaining budget. After an admit it excludes the admitted request,
	// after a denial or Inspect it is the budget as it stands.
	Remaining int

	ResetAt    time.Time
	RetryAfter time.Duration // zero when allowed

	// Tiers holds per-tier decisions for dual-tier limiters, burst first.
	Tiers []Decision
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds. A denial always
// reports at least one second.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	return max(secs, 1)
}
