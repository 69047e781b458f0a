package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// Algorithm names a limiter strategy.
type Algorithm string

const (
	FixedWindow   Algorithm = "fixed_window"
	SlidingWindow Algorithm = "sliding_window"
	TokenBucket   Algorithm = "token_bucket"
	DualTier      Algorithm = "dual_tier"
)

var ErrInvalidConfig = errors.New("ratelimit: invalid config")

// TierConfig is one single-tier budget.
type TierConfig struct {
	Algorithm Algorithm     `mapstructure:"algorithm"`
	Limit     int           `mapstructure:"limit"`
	Window    time.Duration `mapstructure:"window"`
}

// Config selects and sizes a strategy.
//
// Single-tier algorithms use Algorithm, Limit and Window. DualTier reads
// Burst and Sustained instead; a tier with no algorithm is a fixed window.
type Config struct {
	Name      string        `mapstructure:"name"`
	Algorithm Algorithm     `mapstructure:"algorithm"`
	Limit     int           `mapstructure:"limit"`
	Window    time.Duration `mapstructure:"window"`
	Burst     *TierConfig   `mapstructure:"burst"`
	Sustained *TierConfig   `mapstructure:"sustained"`
	Key       KeyStrategy   `mapstructure:"key"`
}

// Strategy is an admission algorithm bound to its own storage.
type Strategy interface {
	Algorithm() Algorithm
	// Admit checks and, when allowed, consumes budget for key.
	Admit(key string, now time.Time) Decision
	// Inspect reports the budget for key without consuming any.
	Inspect(key string, now time.Time) Decision
	// Stores lists the stores backing the strategy.
	Stores() []*Store
}

// NewStrategy builds the strategy described by cfg. Each tier gets its own
// Store built from opts.
func NewStrategy(cfg Config, opts ...StoreOption) (Strategy, error) {
	switch cfg.Algorithm {
	case FixedWindow, SlidingWindow, TokenBucket:
		r, err := newRule(TierConfig{Algorithm: cfg.Algorithm, Limit: cfg.Limit, Window: cfg.Window})
		if err != nil {
			return nil, err
		}
		return &single{algo: cfg.Algorithm, tier: tier{rule: r, store: NewStore(opts...)}}, nil

	case DualTier:
		if cfg.Burst == nil || cfg.Sustained == nil {
			return nil, fmt.Errorf("%w: dual_tier needs burst and sustained tiers", ErrInvalidConfig)
		}
		burst, err := newTier("burst", *cfg.Burst, opts)
		if err != nil {
			return nil, err
		}
		sustained, err := newTier("sustained", *cfg.Sustained, opts)
		if err != nil {
			return nil, err
		}
		if burst.rule.limit() > sustained.rule.limit() {
			return nil, fmt.Errorf("%w: burst limit %d above sustained limit %d",
				ErrInvalidConfig, burst.rule.limit(), sustained.rule.limit())
		}
		return &dual{burst: burst, sustained: sustained}, nil

	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, cfg.Algorithm)
	}
}

func newTier(name string, tc TierConfig, opts []StoreOption) (tier, error) {
	if tc.Algorithm == "" {
		tc.Algorithm = FixedWindow
	}
	r, err := newRule(tc)
	if err != nil {
		return tier{}, fmt.Errorf("%s tier: %w", name, err)
	}
	return tier{name: name, rule: r, store: NewStore(opts...)}, nil
}

func newRule(tc TierConfig) (rule, error) {
	if tc.Limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidConfig, tc.Limit)
	}
	if tc.Window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive, got %s", ErrInvalidConfig, tc.Window)
	}

	switch tc.Algorithm {
	case FixedWindow:
		return fixedWindow{max: tc.Limit, window: tc.Window}, nil
	case SlidingWindow:
		return slidingWindow{max: tc.Limit, window: tc.Window}, nil
	case TokenBucket:
		return newTokenBucket(tc.Limit, tc.Window), nil
	default:
		return nil, fmt.Errorf("%w: unknown tier algorithm %q", ErrInvalidConfig, tc.Algorithm)
	}
}

type tier struct {
	name  string
	rule  rule
	store *Store
}

type single struct {
	algo Algorithm
	tier tier
}

func (s *single) Algorithm() Algorithm { return s.algo }
func (s *single) Stores() []*Store     { return []*Store{s.tier.store} }

func (s *single) Admit(key string, now time.Time) Decision {
	var d Decision
	s.tier.store.With(key, func(cur *Entry) *Entry {
		d = s.tier.rule.peek(cur, now)
		if !d.Allowed {
			return cur
		}
		next, taken := s.tier.rule.take(cur, now)
		d = taken
		return next
	})
	d.Key = key
	return d
}

func (s *single) Inspect(key string, now time.Time) Decision {
	var d Decision
	s.tier.store.With(key, func(cur *Entry) *Entry {
		d = s.tier.rule.peek(cur, now)
		return cur
	})
	d.Key = key
	return d
}

// dual admits only when both tiers admit. Both shard locks are held, burst
// first, so the check and the commit are one step.
type dual struct {
	burst     tier
	sustained tier
}

func (s *dual) Algorithm() Algorithm { return DualTier }
func (s *dual) Stores() []*Store     { return []*Store{s.burst.store, s.sustained.store} }

func (s *dual) Admit(key string, now time.Time) Decision {
	return s.run(key, now, true)
}

func (s *dual) Inspect(key string, now time.Time) Decision {
	return s.run(key, now, false)
}

func (s *dual) run(key string, now time.Time, consume bool) Decision {
	var bd, sd Decision
	s.burst.store.With(key, func(bcur *Entry) *Entry {
		bnext := bcur
		s.sustained.store.With(key, func(scur *Entry) *Entry {
			bd = s.burst.rule.peek(bcur, now)
			sd = s.sustained.rule.peek(scur, now)
			if !consume || !bd.Allowed || !sd.Allowed {
				return scur
			}
			bnext, bd = s.burst.rule.take(bcur, now)
			var snext *Entry
			snext, sd = s.sustained.rule.take(scur, now)
			return snext
		})
		return bnext
	})

	bd.Key, bd.Tier = key, s.burst.name
	sd.Key, sd.Tier = key, s.sustained.name
	return combine(key, bd, sd)
}

// combine reports the most restrictive tier: the denying one (the later
// retry when both deny), or the one with least remaining budget.
func combine(key string, bd, sd Decision) Decision {
	pick := bd
	switch {
	case bd.Allowed && sd.Allowed:
		if sd.Remaining < bd.Remaining {
			pick = sd
		}
	case bd.Allowed:
		pick = sd
	case !sd.Allowed && sd.RetryAfter > bd.RetryAfter:
		pick = sd
	}

	out := pick
	out.Key = key
	out.Tier = ""
	out.Allowed = bd.Allowed && sd.Allowed
	out.Tiers = []Decision{bd, sd}
	return out
}
