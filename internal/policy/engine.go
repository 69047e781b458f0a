package policy

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/domain"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
)

// Input is what the engine needs to know about a request.
type Input struct {
	Info     domain.RequestInfo
	Header   http.Header
	BodySize int64
	Secure   bool // connection confirmed HTTPS
}

// Outcome is the engine's verdict on a request that was not denied.
type Outcome struct {
	// Headers to put on the response, CORS and security headers merged.
	// Also filled on denial so the error response carries them.
	Headers http.Header

	// Preflight means the request is fully answered with Status.
	Preflight bool
	Status    int

	Flags Flags
}

// Engine applies the security policy in a fixed order. Traffic is recorded
// and security headers are set first, then the IP filter, size limits and
// CORS run in turn.
type Engine struct {
	ip      ipFilter
	limits  SizeLimits
	cors    corsPolicy
	headers headerPolicy
	traffic *TrafficStats
	logger  *slog.Logger
}

type Option func(*engineOptions)

type engineOptions struct {
	now    func() time.Time
	logger *slog.Logger
}

// WithClock sets the clock used to prune traffic statistics.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) { o.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := engineOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = slogx.OrDefault(o.logger)

	return &Engine{
		ip:      newIPFilter(cfg.IP),
		limits:  cfg.Limits,
		cors:    newCORSPolicy(cfg.CORS),
		headers: newHeaderPolicy(cfg.Headers),
		traffic: NewTrafficStats(cfg.Traffic, o.now, o.logger),
		logger:  o.logger,
	}, nil
}

// Traffic exposes the statistics window for queries and pruning.
func (e *Engine) Traffic() *TrafficStats { return e.traffic }

// MaxBodyBytes is the body ceiling, zero when unlimited.
func (e *Engine) MaxBodyBytes() int64 { return e.limits.MaxBodyBytes }

// Evaluate runs the policy over in. A non-nil error is one of the domain
// deny errors; the returned Outcome still carries the headers to send.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Outcome, error) {
	log := slogx.FromContext(ctx)
	out := Outcome{Headers: http.Header{}}

	// Every request is recorded, blocked ones included, so scanners show up
	// in the stats.
	out.Flags = e.traffic.Record(in.Info)
	if out.Flags.Any() {
		log.Info("suspicious traffic",
			slog.String("ip", in.Info.IP),
			slog.String("user_agent", in.Info.UserAgent),
			slog.Bool("suspicious_ip", out.Flags.SuspiciousIP),
			slog.Bool("suspicious_agent", out.Flags.SuspiciousAgent),
		)
	}

	e.headers.apply(out.Headers, in.Secure)

	if err := e.ip.check(in.Info.IP); err != nil {
		log.Warn("request blocked by ip filter", slog.String("ip", in.Info.IP), slog.Any("err", err))
		return out, err
	}

	if err := e.limits.check(in.BodySize, in.Header); err != nil {
		log.Info("request over size limits", slog.Any("err", err))
		return out, err
	}

	cors, err := e.cors.resolve(in.Info.Method, in.Header)
	if err != nil {
		log.Info("cors rejected", slog.Any("err", err))
		return out, err
	}

	if cors.preflight {
		// Preflight answers carry only CORS headers.
		return Outcome{
			Headers:   cors.headers,
			Preflight: true,
			Status:    cors.status,
			Flags:     out.Flags,
		}, nil
	}

	for k, v := range cors.headers {
		out.Headers[k] = v
	}
	return out, nil
}
