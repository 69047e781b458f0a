package policy

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/aussiebroadwan/gatekeeper/pkg/httpx"
)

var ErrInvalidConfig = errors.New("policy: invalid config")

// Config is the whole security policy. It is validated once by NewEngine
// and never changes afterwards.
type Config struct {
	CORS    CORSConfig    `mapstructure:"cors"`
	Headers HeaderConfig  `mapstructure:"headers"`
	IP      IPConfig      `mapstructure:"ip"`
	Limits  SizeLimits    `mapstructure:"limits"`
	Traffic TrafficConfig `mapstructure:"traffic"`
}

type CORSConfig struct {
	// AllowedOrigins are matched exactly. "*" allows any origin.
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	AllowAll         bool          `mapstructure:"allow_all"`
	AllowCredentials bool          `mapstructure:"allow_credentials"`
	AllowedMethods   []string      `mapstructure:"allowed_methods"`
	AllowedHeaders   []string      `mapstructure:"allowed_headers"`
	ExposedHeaders   []string      `mapstructure:"exposed_headers"`
	MaxAge           time.Duration `mapstructure:"max_age"`
	PreflightStatus  int           `mapstructure:"preflight_status"`
}

type HeaderConfig struct {
	// CSP maps a directive to its sources, e.g. "default-src": ["'self'"].
	CSP           map[string][]string `mapstructure:"csp"`
	CSPReportOnly bool                `mapstructure:"csp_report_only"`

	// FrameOptions is DENY, SAMEORIGIN or ALLOW-FROM (with FrameAllowFrom).
	FrameOptions   string `mapstructure:"frame_options"`
	FrameAllowFrom string `mapstructure:"frame_allow_from"`

	XSSProtection  string `mapstructure:"xss_protection"`
	ReferrerPolicy string `mapstructure:"referrer_policy"`

	// PermissionsPolicy maps a feature to its allowlist, e.g.
	// "geolocation": ["self"]. An empty list disables the feature.
	PermissionsPolicy map[string][]string `mapstructure:"permissions_policy"`

	HSTS   HSTSConfig        `mapstructure:"hsts"`
	Custom map[string]string `mapstructure:"custom"`
}

type HSTSConfig struct {
	MaxAge            time.Duration `mapstructure:"max_age"` // zero disables HSTS
	IncludeSubDomains bool          `mapstructure:"include_subdomains"`
	Preload           bool          `mapstructure:"preload"`
}

// IPConfig holds exact-match address lists.
type IPConfig struct {
	Allow []string `mapstructure:"allow"`
	Block []string `mapstructure:"block"`
}

// SizeLimits are request ceilings. Zero disables a check.
type SizeLimits struct {
	MaxBodyBytes   int64 `mapstructure:"max_body_bytes"`
	MaxHeaderCount int   `mapstructure:"max_header_count"`
}

// DefaultConfig is a strict policy for an API that serves no browser
// content.
func DefaultConfig() Config {
	return Config{
		CORS: CORSConfig{
			AllowedMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:  []string{"Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
			ExposedHeaders:  []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After", "X-Request-ID"},
			MaxAge:          10 * time.Minute,
			PreflightStatus: http.StatusNoContent,
		},
		Headers: HeaderConfig{
			CSP: map[string][]string{
				"default-src":     {"'none'"},
				"frame-ancestors": {"'none'"},
			},
			FrameOptions:   "DENY",
			XSSProtection:  "1; mode=block",
			ReferrerPolicy: "no-referrer",
			PermissionsPolicy: map[string][]string{
				"camera":      nil,
				"geolocation": nil,
				"microphone":  nil,
			},
			HSTS: HSTSConfig{MaxAge: 365 * 24 * time.Hour, IncludeSubDomains: true},
		},
		Limits: SizeLimits{
			MaxBodyBytes:   1 << 20,
			MaxHeaderCount: 100,
		},
		Traffic: DefaultTrafficConfig(),
	}
}

// Validate checks the policy for contradictions. Wildcard origins with
// credentials are refused since browsers reject that combination.
func (c Config) Validate() error {
	var errs []error

	wildcard := c.CORS.AllowAll || slices.Contains(c.CORS.AllowedOrigins, "*")
	if wildcard && c.CORS.AllowCredentials {
		errs = append(errs, errors.New("cors: wildcard origin cannot be combined with allow_credentials"))
	}
	for _, origin := range c.CORS.AllowedOrigins {
		if origin == "*" {
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" || strings.HasSuffix(origin, "/") {
			errs = append(errs, fmt.Errorf("cors: invalid origin %q (want scheme://host)", origin))
		}
	}
	if s := c.CORS.PreflightStatus; s != 0 && (s < 200 || s > 299) {
		errs = append(errs, fmt.Errorf("cors: preflight status %d is not 2xx", s))
	}

	switch strings.ToUpper(c.Headers.FrameOptions) {
	case "", "DENY", "SAMEORIGIN":
	case "ALLOW-FROM":
		if c.Headers.FrameAllowFrom == "" {
			errs = append(errs, errors.New("headers: ALLOW-FROM needs frame_allow_from"))
		}
	default:
		errs = append(errs, fmt.Errorf("headers: unknown frame option %q", c.Headers.FrameOptions))
	}

	for _, list := range []struct {
		name  string
		addrs []string
	}{{"allow", c.IP.Allow}, {"block", c.IP.Block}} {
		for _, a := range list.addrs {
			if httpx.NormaliseIP(a) == "" {
				errs = append(errs, fmt.Errorf("ip: %s entry %q is not an address (CIDR ranges are not supported)", list.name, a))
			}
		}
	}

	if c.Limits.MaxBodyBytes < 0 || c.Limits.MaxHeaderCount < 0 {
		errs = append(errs, errors.New("limits: ceilings cannot be negative"))
	}
	if err := c.Traffic.validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
