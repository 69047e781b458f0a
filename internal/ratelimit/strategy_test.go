package ratelimit_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/ratelimit"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1_700_000_000, 0)

func at(sec float64) time.Time {
	return t0.Add(time.Duration(sec * float64(time.Second)))
}

func newStrategy(t *testing.T, cfg ratelimit.Config) ratelimit.Strategy {
	t.Helper()
	s, err := ratelimit.NewStrategy(cfg)
	require.NoError(t, err)
	return s
}

func TestFixedWindow(t *testing.T) {
	s := newStrategy(t, ratelimit.Config{Algorithm: ratelimit.FixedWindow, Limit: 5, Window: time.Minute})

	for i := range 5 {
		d := s.Admit("ip:1.2.3.4", at(float64(i)))
		require.True(t, d.Allowed, "request %d", i+1)
		require.Equal(t, 4-i, d.Remaining)
		require.Equal(t, at(60), d.ResetAt, "window must not slide on each request")
	}

	denied := s.Admit("ip:1.2.3.4", at(10))
	require.False(t, denied.Allowed)
	require.Equal(t, 0, denied.Remaining)
	require.LessOrEqual(t, denied.RetryAfterSeconds(), 60)
	require.Equal(t, 50, denied.RetryAfterSeconds())

	// Denials are not counted, so the window still ends at t=60.
	require.False(t, s.Admit("ip:1.2.3.4", at(59.9)).Allowed)

	fresh := s.Admit("ip:1.2.3.4", at(60))
	require.True(t, fresh.Allowed)
	require.Equal(t, 4, fresh.Remaining, "count resets to 1")
	require.Equal(t, at(120), fresh.ResetAt)
}

func TestFixedWindowKeysAreIndependent(t *testing.T) {
	s := newStrategy(t, ratelimit.Config{Algorithm: ratelimit.FixedWindow, Limit: 1, Window: time.Minute})

	require.True(t, s.Admit("ip:a", t0).Allowed)
	require.False(t, s.Admit("ip:a", t0).Allowed)
	require.True(t, s.Admit("ip:b", t0).Allowed)
}

func TestSlidingWindow(t *testing.T) {
	s := newStrategy(t, ratelimit.Config{Algorithm: ratelimit.SlidingWindow, Limit: 3, Window: 10 * time.Second})

	for _, sec := range []float64{0, 1, 2} {
		require.True(t, s.Admit("k", at(sec)).Allowed, "t=%v", sec)
	}

	denied := s.Admit("k", at(3))
	require.False(t, denied.Allowed)
	require.Equal(t, at(10), denied.ResetAt, "frees up when t=0 ages out")
	require.Equal(t, 7, denied.RetryAfterSeconds())

	ok := s.Admit("k", at(11))
	require.True(t, ok.Allowed)
	// Live timestamps are now t=2 and t=11.
	require.Equal(t, 1, ok.Remaining)
	require.Equal(t, at(12), ok.ResetAt)
}

func TestSlidingWindowIsExact(t *testing.T) {
	const limit = 4
	window := 10 * time.Second

	// Spread limit requests unevenly inside one window, then probe the
	// (limit+1)th anywhere else inside the same window.
	spreads := [][]float64{
		{0, 0, 0, 0},
		{0, 9.9, 9.9, 9.9},
		{0.5, 3, 7, 9.999},
		{1, 2, 3, 4},
	}

	for _, spread := range spreads {
		s := newStrategy(t, ratelimit.Config{Algorithm: ratelimit.SlidingWindow, Limit: limit, Window: window})

		for _, sec := range spread {
			require.True(t, s.Admit("k", at(sec)).Allowed, "spread %v t=%v", spread, sec)
		}
		last := spread[len(spread)-1]
		require.False(t, s.Admit("k", at(last)).Allowed, "spread %v", spread)
		require.False(t, s.Admit("k", at(spread[0]+9.99)).Allowed, "spread %v", spread)

		// Exactly one window after the first admit, one slot opens.
		require.True(t, s.Admit("k", at(spread[0]+10)).Allowed, "spread %v", spread)
	}
}

func TestSlidingWindowOutOfOrderAdmits(t *testing.T) {
	s := newStrategy(t, ratelimit.Config{Algorithm: ratelimit.SlidingWindow, Limit: 2, Window: 10 * time.Second})

	// The later request reaches the store first.
	require.True(t, s.Admit("k", at(5)).Allowed)
	require.True(t, s.Admit("k", at(0)).Allowed)

	// At t=10.5 the t=0 request has left (0.5, 10.5] but t=5 has not.
	admitted := 0
	for range 3 {
		if s.Admit("k", at(10.5)).Allowed {
			admitted++
		}
	}
	require.Equal(t, 1, admitted)

	d := s.Inspect("k", at(10.5))
	require.Equal(t, at(15), d.ResetAt, "oldest live request is t=5")
}

func TestSlidingWindowInspectDoesNotConsume(t *testing.T) {
	s := newStrategy(t, ratelimit.Config{Algorithm: ratelimit.SlidingWindow, Limit: 2, Window: time.Second})

	require.Equal(t, 2, s.Inspect("k", t0).Remaining)
	require.True(t, s.Admit("k", t0).Allowed)
	require.Equal(t, 1, s.Inspect("k", t0).Remaining)
	require.Equal(t, 1, s.Inspect("k", t0).Remaining)
}

func TestTokenBucket(t *testing.T) {
	s := newStrategy(t, ratelimit.Config{Algorithm: ratelimit.TokenBucket, Limit: 3, Window: 3 * time.Second})

	for i := range 3 {
		d := s.Admit("k", t0)
		require.True(t, d.Allowed)
		require.Equal(t, 2-i, d.Remaining)
	}

	denied := s.Admit("k", t0)
	require.False(t, denied.Allowed)
	require.Equal(t, 1, denied.RetryAfterSeconds())
	require.Equal(t, t0.Add(3*time.Second), denied.ResetAt)

	// One token per second refills.
	require.True(t, s.Admit("k", at(1)).Allowed)
	require.False(t, s.Admit("k", at(1)).Allowed)
	require.Equal(t, 3, s.Inspect("k", at(10)).Remaining)
}

func TestDualTier(t *testing.T) {
	s := newStrategy(t, ratelimit.Config{
		Algorithm: ratelimit.DualTier,
		Burst:     &ratelimit.TierConfig{Limit: 2, Window: time.Second},
		Sustained: &ratelimit.TierConfig{Limit: 5, Window: time.Minute},
	})

	require.True(t, s.Admit("k", at(0)).Allowed)
	second := s.Admit("k", at(0.1))
	require.True(t, second.Allowed)
	require.Len(t, second.Tiers, 2)
	require.Equal(t, 0, second.Tiers[0].Remaining)
	require.Equal(t, 3, second.Tiers[1].Remaining)
	require.Equal(t, "burst", second.Tiers[0].Tier)

	before := s.Inspect("k", at(0.2)).Tiers[1].Remaining
	require.Equal(t, 3, before)

	third := s.Admit("k", at(0.2))
	require.False(t, third.Allowed)
	require.Equal(t, 2, third.Limit, "burst tier is the one that denied")
	require.False(t, third.Tiers[0].Allowed)
	require.True(t, third.Tiers[1].Allowed)

	after := s.Inspect("k", at(0.2)).Tiers[1].Remaining
	require.Equal(t, before, after, "burst denial must not spend sustained budget")

	// Next second the burst is back and sustained keeps counting.
	d := s.Admit("k", at(1.0))
	require.True(t, d.Allowed)
	require.Equal(t, 2, d.Tiers[1].Remaining)
}

func TestDualTierSustainedDenies(t *testing.T) {
	s := newStrategy(t, ratelimit.Config{
		Algorithm: ratelimit.DualTier,
		Burst:     &ratelimit.TierConfig{Algorithm: ratelimit.SlidingWindow, Limit: 2, Window: time.Second},
		Sustained: &ratelimit.TierConfig{Algorithm: ratelimit.FixedWindow, Limit: 3, Window: time.Minute},
	})

	for _, sec := range []float64{0, 2, 4} {
		require.True(t, s.Admit("k", at(sec)).Allowed)
	}

	d := s.Admit("k", at(6))
	require.False(t, d.Allowed)
	require.Equal(t, 3, d.Limit)
	require.Equal(t, 54, d.RetryAfterSeconds())

	// Burst tier was not charged for the denied request.
	burst := s.Inspect("k", at(6)).Tiers[0]
	require.Equal(t, 2, burst.Remaining)
}

func TestNewStrategyRejectsBadConfig(t *testing.T) {
	cases := map[string]ratelimit.Config{
		"unknown algorithm": {Algorithm: "leaky", Limit: 1, Window: time.Second},
		"zero limit":        {Algorithm: ratelimit.FixedWindow, Limit: 0, Window: time.Second},
		"zero window":       {Algorithm: ratelimit.SlidingWindow, Limit: 1},
		"dual missing tier": {Algorithm: ratelimit.DualTier, Burst: &ratelimit.TierConfig{Limit: 1, Window: time.Second}},
		"burst over sustained": {
			Algorithm: ratelimit.DualTier,
			Burst:     &ratelimit.TierConfig{Limit: 10, Window: time.Second},
			Sustained: &ratelimit.TierConfig{Limit: 5, Window: time.Minute},
		},
	}

	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ratelimit.NewStrategy(cfg)
			require.ErrorIs(t, err, ratelimit.ErrInvalidConfig)
		})
	}
}

func TestConcurrentAdmitsNeverExceedLimit(t *testing.T) {
	const (
		limit   = 10
		workers = 64
	)

	configs := map[string]ratelimit.Config{
		"fixed":        {Algorithm: ratelimit.FixedWindow, Limit: limit, Window: time.Minute},
		"sliding":      {Algorithm: ratelimit.SlidingWindow, Limit: limit, Window: time.Minute},
		"token bucket": {Algorithm: ratelimit.TokenBucket, Limit: limit, Window: time.Hour},
		"dual": {
			Algorithm: ratelimit.DualTier,
			Burst:     &ratelimit.TierConfig{Limit: limit, Window: time.Second},
			Sustained: &ratelimit.TierConfig{Limit: 100, Window: time.Minute},
		},
	}

	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			s := newStrategy(t, cfg)

			var (
				wg      sync.WaitGroup
				admits  atomic.Int64
				denials atomic.Int64
				start   = make(chan struct{})
			)
			for range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					if s.Admit("shared", t0).Allowed {
						admits.Add(1)
					} else {
						denials.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			require.EqualValues(t, limit, admits.Load())
			require.EqualValues(t, workers-limit, denials.Load())
		})
	}
}
