package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/domain"
	"github.com/aussiebroadwan/gatekeeper/internal/policy"
	"github.com/aussiebroadwan/gatekeeper/internal/ratelimit"
	"github.com/aussiebroadwan/gatekeeper/internal/token"
	"github.com/aussiebroadwan/gatekeeper/pkg/httpx"
	"github.com/aussiebroadwan/gatekeeper/pkg/idx"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Admit is handed to the business handler when every stage passed.
type Admit struct {
	Principal *domain.Principal // nil for anonymous requests
	Claims    *jwtx.Claims
	RateLimit *ratelimit.Decision // nil when the route is not limited

	// Headers to attach to the eventual response: security, CORS and
	// rate limit headers.
	Headers http.Header

	Info  domain.RequestInfo
	Flags policy.Flags
}

// Result holds exactly one of Admit or Response.
type Result struct {
	Admit    *Admit
	Response *Response
}

func (r Result) Admitted() bool { return r.Admit != nil }

// state is threaded through the stages of one evaluation.
type state struct {
	req   *Request
	route Route
	stage string

	info      domain.RequestInfo
	headers   http.Header
	flags     policy.Flags
	claims    *jwtx.Claims
	principal *domain.Principal
	decision  *ratelimit.Decision
}

// A stage either passes (nil, nil), answers the request (resp, nil) or
// denies it (nil, err).
type stage struct {
	name string
	run  func(ctx context.Context, st *state) (*Response, error)
}

// Pipeline runs the gate stages in a fixed order, stopping at the first
// stage that answers or denies.
type Pipeline struct {
	policy  *policy.Engine
	tokens  *token.Service
	limiter *ratelimit.Limiter
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time
	logger  *slog.Logger

	stages []stage
}

type Option func(*Pipeline)

// WithLimiter sets the limiter used by routes that do not bring their own.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracerProvider overrides the global otel tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) { p.tracer = tp.Tracer(tracerName) }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func New(engine *policy.Engine, tokens *token.Service, opts ...Option) (*Pipeline, error) {
	if engine == nil || tokens == nil {
		return nil, errors.New("gate: policy engine and token service are required")
	}

	p := &Pipeline{
		policy: engine,
		tokens: tokens,
		tracer: otel.GetTracerProvider().Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = slogx.OrDefault(p.logger)

	p.stages = []stage{
		{"security", p.security},
		{"authenticate", p.authenticate},
		{"authorize", p.authorize},
		{"ratelimit", p.rateLimit},
	}
	return p, nil
}

// Evaluate runs req through every stage for route. It never panics: an
// unexpected failure inside a stage is denied with a 500.
func (p *Pipeline) Evaluate(ctx context.Context, req *Request, route Route) (res Result) {
	start := p.now()
	ctx = slogx.WithContext(ctx, slogx.FromContextOr(ctx, p.logger))
	st := &state{req: req, route: route, stage: "request", headers: http.Header{}}

	ctx, span := p.tracer.Start(ctx, "gate.Evaluate", trace.WithAttributes(
		attribute.String(AttrRoute, route.Name),
		attribute.String(AttrAuthMode, route.Auth.String()),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := &domain.InternalGateError{Stage: st.stage, Err: fmt.Errorf("panic: %v", r)}
			res = p.deny(ctx, span, st, err)
		}
		p.metrics.observe(route.Name, res, st.flags, p.now().Sub(start))
	}()

	st.info = p.requestInfo(ctx, req, start)
	span.SetAttributes(
		attribute.String(AttrHTTPMethod, req.Method),
		attribute.String(AttrClientIP, st.info.IP),
	)

	for _, s := range p.stages {
		st.stage = s.name
		resp, err := s.run(ctx, st)
		if err != nil {
			return p.deny(ctx, span, st, err)
		}
		if resp != nil {
			span.SetAttributes(
				attribute.String(AttrResult, "preflight"),
				attribute.String(AttrStage, s.name),
				attribute.Int(AttrHTTPStatus, resp.Status),
			)
			return Result{Response: resp}
		}
	}

	span.SetAttributes(attribute.String(AttrResult, "admit"))
	if st.principal != nil {
		span.SetAttributes(attribute.String(AttrPrincipal, st.principal.ID))
	}
	span.SetStatus(codes.Ok, "")

	return Result{Admit: &Admit{
		Principal: st.principal,
		Claims:    st.claims,
		RateLimit: st.decision,
		Headers:   st.headers,
		Info:      st.info,
		Flags:     st.flags,
	}}
}

func (p *Pipeline) deny(ctx context.Context, span trace.Span, st *state, err error) Result {
	resp := ResponseForError(err, st.headers)
	recordDeny(span, st.stage, resp.Status, resp.Code)

	log := slogx.FromContext(ctx).With(
		slog.String("stage", st.stage),
		slog.Int("status", resp.Status),
		slog.String("code", resp.Code),
	)
	if resp.Status >= http.StatusInternalServerError {
		span.RecordError(err)
		log.Error("gate failed closed", slog.Any("err", err))
	} else {
		log.Info("request denied", slog.String("reason", err.Error()))
	}

	return Result{Response: resp}
}

func (p *Pipeline) requestInfo(ctx context.Context, req *Request, at time.Time) domain.RequestInfo {
	var id idx.ID
	if reqID, ok := slogx.RequestID(ctx); ok {
		id = idx.ParseOrNew(reqID)
	} else {
		id = idx.NewAt(at)
	}
	return domain.RequestInfo{
		ID:        id,
		IP:        httpx.NormaliseIP(req.IP),
		UserAgent: req.Header.Get("User-Agent"),
		Method:    req.Method,
		Path:      req.Path,
		At:        at,
	}
}

func (p *Pipeline) security(ctx context.Context, st *state) (*Response, error) {
	out, err := p.policy.Evaluate(ctx, policy.Input{
		Info:     st.info,
		Header:   st.req.Header,
		BodySize: st.req.BodySize,
		Secure:   st.req.Secure,
	})
	st.headers = out.Headers
	st.flags = out.Flags
	if err != nil {
		return nil, err
	}
	if out.Preflight {
		return &Response{Status: out.Status, Headers: out.Headers}, nil
	}
	return nil, nil
}

func (p *Pipeline) authenticate(ctx context.Context, st *state) (*Response, error) {
	if st.route.Auth == AuthNone {
		return nil, nil
	}

	raw, ok := httpx.ParseBearer(st.req.Header.Get("Authorization"))
	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool(AttrTokenPresent, ok))
	if !ok {
		if st.route.Auth == AuthRequired {
			return nil, &domain.AuthenticationError{Reason: token.ReasonMissing}
		}
		return nil, nil
	}

	// A token that is sent must be valid, even on optional routes.
	claims, err := p.tokens.VerifyAccess(raw)
	if err != nil {
		return nil, err
	}
	st.claims = &claims
	st.principal = domain.PrincipalFromClaims(claims)
	return nil, nil
}

func (p *Pipeline) authorize(_ context.Context, st *state) (*Response, error) {
	if !st.route.needsPrincipal() {
		return nil, nil
	}
	if st.principal == nil {
		return nil, &domain.AuthenticationError{Reason: token.ReasonMissing}
	}
	if !st.principal.HasAnyRole(st.route.Roles...) {
		return nil, &domain.AuthorizationError{Reason: "role " + string(st.principal.Role) + " is not permitted"}
	}
	if !st.principal.HasAllPermissions(st.route.Permissions...) {
		return nil, &domain.AuthorizationError{Reason: "missing required permission"}
	}
	return nil, nil
}

func (p *Pipeline) rateLimit(ctx context.Context, st *state) (*Response, error) {
	if st.route.SkipRateLimit {
		return nil, nil
	}
	l := st.route.Limiter
	if l == nil {
		l = p.limiter
	}
	if l == nil {
		return nil, nil
	}

	id := ratelimit.Identity{
		IP:     st.info.IP,
		APIKey: st.req.Header.Get("X-API-Key"),
	}
	if st.principal != nil {
		id.PrincipalID = st.principal.ID
	}

	d, err := l.Admit(ctx, id)
	st.decision = &d
	setRateLimitHeaders(st.headers, d)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String(AttrLimiter, l.Name()),
		attribute.Int(AttrRemaining, d.Remaining),
	)
	return nil, err
}

func setRateLimitHeaders(h http.Header, d ratelimit.Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}
