package gate

import (
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/policy"
	"github.com/aussiebroadwan/gatekeeper/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "gatekeeper"

// Metrics holds the gate's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	Decisions *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
	Flagged   *prometheus.CounterVec

	reg prometheus.Registerer
}

// NewMetrics creates and registers all gate metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Decisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "decisions_total",
				Help:      "Gate decisions by route, result and error code",
			},
			[]string{"route", "result", "code"}, // result=admit/deny/preflight
		),
		Duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Time spent evaluating a request in the gate",
				Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01},
			},
			[]string{"route"},
		),
		Flagged: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "suspicious_requests_total",
				Help:      "Requests flagged by traffic heuristics",
			},
			[]string{"reason"}, // reason=ip/agent
		),
		reg: reg,
	}
}

// WatchLimiter exports the number of keys l is tracking.
func (m *Metrics) WatchLimiter(l *ratelimit.Limiter) {
	if m == nil || l == nil {
		return
	}
	promauto.With(m.reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "rate_limit_keys",
			Help:        "Number of rate limit keys held in memory",
			ConstLabels: prometheus.Labels{"limiter": l.Name()},
		},
		func() float64 { return float64(l.Len()) },
	)
}

// WatchTraffic exports the size of the traffic statistics window.
func (m *Metrics) WatchTraffic(t *policy.TrafficStats) {
	if m == nil || t == nil {
		return
	}
	promauto.With(m.reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "traffic_window_requests",
			Help:      "Requests currently held in the traffic statistics window",
		},
		func() float64 { return float64(t.Stats().Requests) },
	)
}

func (m *Metrics) observe(route string, res Result, flags policy.Flags, took time.Duration) {
	if m == nil {
		return
	}
	result, code := "admit", ""
	switch {
	case res.Response != nil && res.Response.Code == "":
		result = "preflight"
	case res.Response != nil:
		result = "deny"
		code = res.Response.Code
	}
	m.Decisions.WithLabelValues(route, result, code).Inc()
	m.Duration.WithLabelValues(route).Observe(took.Seconds())
	if flags.SuspiciousIP {
		m.Flagged.WithLabelValues("ip").Inc()
	}
	if flags.SuspiciousAgent {
		m.Flagged.WithLabelValues("agent").Inc()
	}
}
