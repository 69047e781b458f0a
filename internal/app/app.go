package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/gate"
	"github.com/aussiebroadwan/gatekeeper/internal/policy"
	"github.com/aussiebroadwan/gatekeeper/internal/ratelimit"
	"github.com/aussiebroadwan/gatekeeper/internal/token"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// BuildVersion is overridden at build time via ldflags.
var BuildVersion = "v0.1.0"

// Application wires the gate components into an HTTP service.
type Application struct {
	cfg       Config
	logger    *slog.Logger
	startTime time.Time

	registry *prometheus.Registry
	metrics  *gate.Metrics

	tokens      *token.Service
	policy      *policy.Engine
	limiter     *ratelimit.Limiter // nil when rate limiting is disabled
	authLimiter *ratelimit.Limiter
	pipeline    *gate.Pipeline

	handler http.Handler
	server  *http.Server
	started bool
}

type Option func(*Application)

// WithLogger replaces the logger built from the log config.
func WithLogger(l *slog.Logger) Option {
	return func(app *Application) { app.logger = l }
}

// New creates an Application with all dependencies initialised. Nothing
// runs in the background until Start or Run.
func New(cfg Config, opts ...Option) (*Application, error) {
	app := &Application{cfg: cfg, startTime: time.Now()}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger = NewLogger(cfg, os.Stdout)
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = gate.NewMetrics(app.registry)

	if err := app.initGate(); err != nil {
		return nil, err
	}
	app.initHTTP()

	return app, nil
}

// NewLogger builds the service logger described by cfg.
func NewLogger(cfg Config, out io.Writer) *slog.Logger {
	return slogx.New(slogx.Config{
		Service: "gatekeeper",
		Version: BuildVersion,
		Env:     cfg.Env,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Output:  out,
	})
}

// NewTokenService builds the token service from the token config alone.
func NewTokenService(cfg TokenConfig) (*token.Service, error) {
	return token.New(token.Config{
		Secret:     []byte(cfg.Secret),
		Algorithm:  cfg.Algorithm,
		Issuer:     cfg.Issuer,
		Audience:   cfg.Audience,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
		Leeway:     cfg.Leeway,
	})
}

func (app *Application) initGate() error {
	var err error

	app.tokens, err = NewTokenService(app.cfg.Token)
	if err != nil {
		return fmt.Errorf("failed to initialise token service: %w", err)
	}

	app.policy, err = policy.NewEngine(app.cfg.Security, policy.WithLogger(app.logger))
	if err != nil {
		return fmt.Errorf("failed to initialise security policy: %w", err)
	}
	app.metrics.WatchTraffic(app.policy.Traffic())

	opts := []gate.Option{gate.WithMetrics(app.metrics), gate.WithLogger(app.logger)}
	if app.cfg.RateLimit.Enabled {
		app.limiter, err = ratelimit.New(app.cfg.RateLimit.Default, ratelimit.WithLogger(app.logger))
		if err != nil {
			return fmt.Errorf("failed to initialise default rate limiter: %w", err)
		}
		app.authLimiter, err = ratelimit.New(app.cfg.RateLimit.Auth, ratelimit.WithLogger(app.logger))
		if err != nil {
			return fmt.Errorf("failed to initialise auth rate limiter: %w", err)
		}
		app.metrics.WatchLimiter(app.limiter)
		app.metrics.WatchLimiter(app.authLimiter)
		opts = append(opts, gate.WithLimiter(app.limiter))
	}

	app.pipeline, err = gate.New(app.policy, app.tokens, opts...)
	return err
}

func (app *Application) initHTTP() {
	app.handler = app.routes()
	app.server = &http.Server{
		Addr:              app.cfg.Server.Addr,
		Handler:           app.handler,
		ReadHeaderTimeout: app.cfg.Server.ReadHeaderTimeout,
	}
}

// Handler is the full HTTP handler, middleware included.
func (app *Application) Handler() http.Handler { return app.handler }

// Tokens exposes the token service, mainly for issuing local test tokens.
func (app *Application) Tokens() *token.Service { return app.tokens }

// Start launches the background maintenance loops: rate limit store
// sweeps and traffic window pruning.
func (app *Application) Start() {
	if app.started {
		return
	}
	app.started = true

	for _, l := range []*ratelimit.Limiter{app.limiter, app.authLimiter} {
		if l != nil {
			l.StartCleanup(app.cfg.Maintenance.CleanupInterval)
		}
	}
	app.policy.Traffic().StartPruning(app.cfg.Maintenance.PruneInterval)
}

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.Start()
	app.logger.Info("gatekeeper starting", "addr", app.cfg.Server.Addr, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		app.stopMaintenance()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}
	return nil
}

// Shutdown drains the HTTP server and stops the maintenance loops.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down gatekeeper...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.Server.ShutdownGracePeriod)
	defer cancel()

	var err error
	if err = app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if cerr := app.server.Close(); cerr != nil {
			app.logger.Error("error closing server", "error", cerr)
		}
	}

	app.stopMaintenance()
	app.logger.Info("gatekeeper stopped")
	return err
}

func (app *Application) stopMaintenance() {
	for _, l := range []*ratelimit.Limiter{app.limiter, app.authLimiter} {
		if l != nil {
			l.Stop()
		}
	}
	app.policy.Traffic().Stop()
}
