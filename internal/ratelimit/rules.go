package ratelimit

import (
	"math"
	"slices"
	"time"

	"golang.org/x/time/rate"
)

// rule is one admission algorithm over a single Entry. peek never mutates;
// take is only called after peek allowed the request and returns the entry
// to store along with the post-admission decision.
type rule interface {
	limit() int
	peek(e *Entry, now time.Time) Decision
	take(e *Entry, now time.Time) (*Entry, Decision)
}

// fixedWindow counts requests in [start, start+window). The window only
// moves once it has fully elapsed.
type fixedWindow struct {
	max    int
	window time.Duration
}

func (r fixedWindow) limit() int { return r.max }

func (r fixedWindow) peek(e *Entry, now time.Time) Decision {
	count, reset := 0, now.Add(r.window)
	if !e.Expired(now) {
		count, reset = e.Count, e.ResetAt
	}

	d := Decision{
		Allowed:   count < r.max,
		Limit:     r.max,
		Remaining: max(r.max-count, 0),
		ResetAt:   reset,
	}
	if !d.Allowed {
		d.RetryAfter = reset.Sub(now)
	}
	return d
}

func (r fixedWindow) take(e *Entry, now time.Time) (*Entry, Decision) {
	if e.Expired(now) {
		e = &Entry{WindowStart: now, ResetAt: now.Add(r.window)}
	}
	e.Count++

	return e, Decision{
		Allowed:   true,
		Limit:     r.max,
		Remaining: r.max - e.Count,
		ResetAt:   e.ResetAt,
	}
}

// slidingWindow keeps every admitted timestamp and counts the ones inside
// the trailing (now-window, now] interval exactly.
type slidingWindow struct {
	max    int
	window time.Duration
}

func (r slidingWindow) limit() int { return r.max }

// live returns the suffix of ts still inside the window at now.
func (r slidingWindow) live(e *Entry, now time.Time) []time.Time {
	if e.Expired(now) {
		return nil
	}
	cutoff := now.Add(-r.window)
	i, _ := slices.BinarySearchFunc(e.Timestamps, cutoff, func(t, target time.Time) int {
		if t.After(target) {
			return 1
		}
		return -1
	})
	return e.Timestamps[i:]
}

func (r slidingWindow) peek(e *Entry, now time.Time) Decision {
	live := r.live(e, now)

	reset := now.Add(r.window)
	if len(live) > 0 {
		reset = live[0].Add(r.window)
	}

	d := Decision{
		Allowed:   len(live) < r.max,
		Limit:     r.max,
		Remaining: max(r.max-len(live), 0),
		ResetAt:   reset,
	}
	if !d.Allowed {
		d.RetryAfter = reset.Sub(now)
	}
	return d
}

func (r slidingWindow) take(e *Entry, now time.Time) (*Entry, Decision) {
	live := r.live(e, now)

	// Callers read the clock before taking the shard lock, so now can be
	// older than the newest stored timestamp. Insert in order.
	i, _ := slices.BinarySearchFunc(live, now, func(t, target time.Time) int {
		if t.After(target) {
			return 1
		}
		return -1
	})
	ts := make([]time.Time, 0, len(live)+1)
	ts = append(ts, live[:i]...)
	ts = append(ts, now)
	ts = append(ts, live[i:]...)

	next := &Entry{
		Count:       len(ts),
		WindowStart: ts[0],
		ResetAt:     ts[len(ts)-1].Add(r.window),
		Timestamps:  ts,
	}

	return next, Decision{
		Allowed:   true,
		Limit:     r.max,
		Remaining: r.max - next.Count,
		ResetAt:   ts[0].Add(r.window),
	}
}

// tokenBucket holds max tokens and refills max per window, backed by a
// rate.Limiter per key.
type tokenBucket struct {
	max   int
	every rate.Limit
}

func newTokenBucket(limit int, window time.Duration) tokenBucket {
	return tokenBucket{
		max:   limit,
		every: rate.Limit(float64(limit) / window.Seconds()),
	}
}

func (r tokenBucket) limit() int { return r.max }

func (r tokenBucket) tokens(e *Entry, now time.Time) float64 {
	if e == nil || e.bucket == nil {
		return float64(r.max)
	}
	return e.bucket.TokensAt(now)
}

// after returns how long until the bucket holds want tokens.
func (r tokenBucket) after(tokens, want float64) time.Duration {
	if tokens >= want {
		return 0
	}
	return time.Duration((want - tokens) / float64(r.every) * float64(time.Second))
}

func (r tokenBucket) peek(e *Entry, now time.Time) Decision {
	tokens := r.tokens(e, now)

	d := Decision{
		Allowed:   tokens >= 1,
		Limit:     r.max,
		Remaining: int(math.Floor(max(tokens, 0))),
		ResetAt:   now.Add(r.after(tokens, float64(r.max))),
	}
	if !d.Allowed {
		d.RetryAfter = r.after(tokens, 1)
	}
	return d
}

func (r tokenBucket) take(e *Entry, now time.Time) (*Entry, Decision) {
	if e == nil || e.bucket == nil {
		e = &Entry{bucket: rate.NewLimiter(r.every, r.max)}
	}
	e.bucket.AllowN(now, 1)

	tokens := e.bucket.TokensAt(now)
	e.Count = r.max - int(math.Ceil(tokens))
	e.WindowStart = now
	e.ResetAt = now.Add(r.after(tokens, float64(r.max)))

	return e, Decision{
		Allowed:   true,
		Limit:     r.max,
		Remaining: int(math.Floor(max(tokens, 0))),
		ResetAt:   e.ResetAt,
	}
}
