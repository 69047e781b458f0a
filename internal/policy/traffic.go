package policy

import (
	"cmp"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/domain"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
)

// DefaultBotPatterns are user-agent substrings of common bots and scanners.
var DefaultBotPatterns = []string{
	"bot", "crawler", "spider", "scraper",
	"curl", "wget", "python-requests", "go-http-client",
	"sqlmap", "nikto", "nmap", "masscan", "zgrab",
}

type TrafficConfig struct {
	Window             time.Duration `mapstructure:"window"`
	MaxEntries         int           `mapstructure:"max_entries"`
	RateMultiplier     float64       `mapstructure:"rate_multiplier"`
	MinRequests        int           `mapstructure:"min_requests"`
	MinUserAgentLength int           `mapstructure:"min_user_agent_length"`
	BotPatterns        []string      `mapstructure:"bot_patterns"`
}

func DefaultTrafficConfig() TrafficConfig {
	return TrafficConfig{
		Window:             5 * time.Minute,
		MaxEntries:         10_000,
		RateMultiplier:     5,
		MinRequests:        20,
		MinUserAgentLength: 10,
		BotPatterns:        DefaultBotPatterns,
	}
}

func (c TrafficConfig) validate() error {
	if c.Window <= 0 || c.MaxEntries <= 0 {
		return errors.New("traffic: window and max_entries must be positive")
	}
	if c.RateMultiplier < 1 {
		return errors.New("traffic: rate_multiplier must be at least 1")
	}
	return nil
}

// Flags are advisory anomaly markers for one request. They never block.
type Flags struct {
	SuspiciousIP    bool `json:"suspicious_ip"`
	SuspiciousAgent bool `json:"suspicious_agent"`
}

func (f Flags) Any() bool { return f.SuspiciousIP || f.SuspiciousAgent }

type sample struct {
	ip    string
	agent string
	at    time.Time
}

// TrafficStats keeps a bounded trailing window of requests with running
// per-IP and per-agent counts. Counts are approximate under pressure and
// only feed heuristics.
type TrafficStats struct {
	cfg      TrafficConfig
	patterns []string
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	ring    []sample
	head    int // index of the oldest sample
	size    int
	byIP    map[string]int
	byAgent map[string]int

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewTrafficStats(cfg TrafficConfig, now func() time.Time, logger *slog.Logger) *TrafficStats {
	if now == nil {
		now = time.Now
	}
	defaults := DefaultTrafficConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaults.MaxEntries
	}
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	patterns := make([]string, 0, len(cfg.BotPatterns))
	for _, p := range cfg.BotPatterns {
		patterns = append(patterns, strings.ToLower(p))
	}
	return &TrafficStats{
		cfg:      cfg,
		patterns: patterns,
		now:      now,
		logger:   slogx.OrDefault(logger),
		ring:     make([]sample, cfg.MaxEntries),
		byIP:     make(map[string]int),
		byAgent:  make(map[string]int),
		stopChan: make(chan struct{}),
	}
}

// Record adds one request and returns its anomaly flags. Samples that fell
// out of the window by info.At are dropped first, so flags only ever see
// the current window. Stats between requests may lag by one prune interval.
func (t *TrafficStats) Record(info domain.RequestInfo) Flags {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(info.At)
	if t.size == len(t.ring) {
		t.evictOldest()
	}
	t.ring[(t.head+t.size)%len(t.ring)] = sample{ip: info.IP, agent: info.UserAgent, at: info.At}
	t.size++
	t.byIP[info.IP]++
	t.byAgent[info.UserAgent]++

	return Flags{
		SuspiciousIP:    t.ipSuspicious(info.IP),
		SuspiciousAgent: t.AgentSuspicious(info.UserAgent),
	}
}

func (t *TrafficStats) evictOldest() {
	s := t.ring[t.head]
	t.ring[t.head] = sample{}
	t.head = (t.head + 1) % len(t.ring)
	t.size--

	decrement(t.byIP, s.ip)
	decrement(t.byAgent, s.agent)
}

func decrement(m map[string]int, k string) {
	if m[k] <= 1 {
		delete(m, k)
		return
	}
	m[k]--
}

// ipSuspicious expects t.mu to be held.
func (t *TrafficStats) ipSuspicious(ip string) bool {
	count := t.byIP[ip]
	if count < t.cfg.MinRequests || len(t.byIP) == 0 {
		return false
	}
	mean := float64(t.size) / float64(len(t.byIP))
	return float64(count) > t.cfg.RateMultiplier*mean
}

// AgentSuspicious reports whether ua looks like a bot, a scanner, or is too
// short to be a real browser.
func (t *TrafficStats) AgentSuspicious(ua string) bool {
	ua = strings.TrimSpace(ua)
	if len(ua) < t.cfg.MinUserAgentLength {
		return true
	}
	lower := strings.ToLower(ua)
	for _, p := range t.patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Prune drops samples older than the window and returns how many went.
func (t *TrafficStats) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pruneLocked(now)
}

func (t *TrafficStats) pruneLocked(now time.Time) int {
	cutoff := now.Add(-t.cfg.Window)
	removed := 0
	for t.size > 0 && t.ring[t.head].at.Before(cutoff) {
		t.evictOldest()
		removed++
	}
	return removed
}

// Count is one row of a top-N listing.
type Count struct {
	Value    string `json:"value"`
	Requests int    `json:"requests"`
}

// Snapshot is a point-in-time view of the traffic window.
type Snapshot struct {
	Window           time.Duration `json:"window"`
	Requests         int           `json:"requests"`
	UniqueIPs        int           `json:"unique_ips"`
	UniqueAgents     int           `json:"unique_agents"`
	MeanPerIP        float64       `json:"mean_per_ip"`
	TopIPs           []Count       `json:"top_ips"`
	TopAgents        []Count       `json:"top_agents"`
	SuspiciousIPs    []string      `json:"suspicious_ips"`
	SuspiciousAgents []string      `json:"suspicious_agents"`
}

const topN = 10

// Stats returns a snapshot of the current window.
func (t *TrafficStats) Stats() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		Window:       t.cfg.Window,
		Requests:     t.size,
		UniqueIPs:    len(t.byIP),
		UniqueAgents: len(t.byAgent),
		TopIPs:       top(t.byIP, topN),
		TopAgents:    top(t.byAgent, topN),
	}
	if len(t.byIP) > 0 {
		snap.MeanPerIP = float64(t.size) / float64(len(t.byIP))
	}
	for ip := range t.byIP {
		if t.ipSuspicious(ip) {
			snap.SuspiciousIPs = append(snap.SuspiciousIPs, ip)
		}
	}
	for ua := range t.byAgent {
		if t.AgentSuspicious(ua) {
			snap.SuspiciousAgents = append(snap.SuspiciousAgents, ua)
		}
	}
	slices.Sort(snap.SuspiciousIPs)
	slices.Sort(snap.SuspiciousAgents)
	return snap
}

func top(m map[string]int, n int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Value: k, Requests: v})
	}
	slices.SortFunc(out, func(a, b Count) int {
		if c := cmp.Compare(b.Requests, a.Requests); c != 0 {
			return c
		}
		return strings.Compare(a.Value, b.Value)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// StartPruning prunes the window every interval until Stop is called.
func (t *TrafficStats) StartPruning(interval time.Duration) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-t.stopChan:
				return
			case <-ticker.C:
				if n := t.Prune(t.now()); n > 0 {
					t.logger.Debug("traffic window pruned", "removed", n)
				}
			}
		}
	}()
}

// Stop ends the pruning goroutine. Safe to call multiple times.
func (t *TrafficStats) Stop() {
	t.once.Do(func() {
		close(t.stopChan)
	})
	t.wg.Wait()
}
