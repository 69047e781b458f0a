package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/domain"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
)

// Limiter binds a Strategy to a key function and a clock.
type Limiter struct {
	name     string
	strategy Strategy
	key      KeyFunc
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*limiterOptions)

type limiterOptions struct {
	now       func() time.Time
	logger    *slog.Logger
	storeOpts []StoreOption
}

// WithClock overrides time.Now for admission and the background sweep.
func WithClock(now func() time.Time) Option {
	return func(o *limiterOptions) { o.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *limiterOptions) { o.logger = l }
}

// WithStoreOptions passes options through to every backing Store.
func WithStoreOptions(opts ...StoreOption) Option {
	return func(o *limiterOptions) { o.storeOpts = append(o.storeOpts, opts...) }
}

func New(cfg Config, opts ...Option) (*Limiter, error) {
	o := limiterOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = slogx.OrDefault(o.logger)

	keyFn, err := KeyFuncFor(cfg.Key)
	if err != nil {
		return nil, err
	}

	storeOpts := append([]StoreOption{WithStoreClock(o.now), WithStoreLogger(o.logger)}, o.storeOpts...)
	strategy, err := NewStrategy(cfg, storeOpts...)
	if err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = string(cfg.Algorithm)
	}

	return &Limiter{
		name:     name,
		strategy: strategy,
		key:      keyFn,
		now:      o.now,
		logger:   o.logger.With("limiter", name),
	}, nil
}

func (l *Limiter) Name() string         { return l.name }
func (l *Limiter) Algorithm() Algorithm { return l.strategy.Algorithm() }

// Key returns the store key id maps to.
func (l *Limiter) Key(id Identity) string { return l.key(id) }

// Admit consumes one request of budget for id. A denial comes back as a
// *domain.RateLimitError alongside the decision.
func (l *Limiter) Admit(ctx context.Context, id Identity) (Decision, error) {
	d := l.strategy.Admit(l.key(id), l.now())
	if d.Allowed {
		return d, nil
	}

	slogx.FromContext(ctx).Warn("rate limit exceeded",
		slog.String("limiter", l.name),
		slog.String("key", d.Key),
		slog.String("tier", deniedTier(d)),
		slog.Int("retry_after", d.RetryAfterSeconds()),
	)

	return d, &domain.RateLimitError{
		Key:               d.Key,
		Limit:             d.Limit,
		ResetAt:           d.ResetAt,
		RetryAfterSeconds: d.RetryAfterSeconds(),
	}
}

// Inspect reports the budget for id without consuming any.
func (l *Limiter) Inspect(id Identity) Decision {
	return l.strategy.Inspect(l.key(id), l.now())
}

// Len returns the number of keys tracked across all tiers.
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.strategy.Stores() {
		n += s.Len()
	}
	return n
}

// Sweep drops expired entries from every tier now.
func (l *Limiter) Sweep() int {
	now := l.now()
	n := 0
	for _, s := range l.strategy.Stores() {
		n += s.Sweep(now)
	}
	return n
}

// StartCleanup starts the background sweep on every tier store.
func (l *Limiter) StartCleanup(interval time.Duration) {
	for _, s := range l.strategy.Stores() {
		s.StartCleanup(interval)
	}
	l.logger.Debug("rate limit cleanup started", "interval", interval)
}

// Stop ends all background sweeps and waits for them.
func (l *Limiter) Stop() {
	for _, s := range l.strategy.Stores() {
		s.Stop()
	}
}

func deniedTier(d Decision) string {
	for _, t := range d.Tiers {
		if !t.Allowed {
			return t.Tier
		}
	}
	return ""
}
