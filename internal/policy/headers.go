package policy

import (
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// headerPolicy holds the security headers rendered once from HeaderConfig.
type headerPolicy struct {
	static http.Header
	hsts   string
}

func newHeaderPolicy(cfg HeaderConfig) headerPolicy {
	h := http.Header{}

	if csp := renderDirectives(cfg.CSP); csp != "" {
		name := "Content-Security-Policy"
		if cfg.CSPReportOnly {
			name = "Content-Security-Policy-Report-Only"
		}
		h.Set(name, csp)
	}

	switch strings.ToUpper(cfg.FrameOptions) {
	case "SAMEORIGIN":
		h.Set("X-Frame-Options", "SAMEORIGIN")
	case "ALLOW-FROM":
		h.Set("X-Frame-Options", "ALLOW-FROM "+cfg.FrameAllowFrom)
	default:
		h.Set("X-Frame-Options", "DENY")
	}

	h.Set("X-Content-Type-Options", "nosniff")
	if cfg.XSSProtection != "" {
		h.Set("X-XSS-Protection", cfg.XSSProtection)
	}
	if cfg.ReferrerPolicy != "" {
		h.Set("Referrer-Policy", cfg.ReferrerPolicy)
	}
	if pp := renderPermissions(cfg.PermissionsPolicy); pp != "" {
		h.Set("Permissions-Policy", pp)
	}
	for k, v := range cfg.Custom {
		h.Set(k, v)
	}

	return headerPolicy{static: h, hsts: renderHSTS(cfg.HSTS)}
}

// apply copies the security headers onto dst. HSTS is only sent over
// connections known to be HTTPS.
func (p headerPolicy) apply(dst http.Header, secure bool) {
	for k, v := range p.static {
		dst[k] = slices.Clone(v)
	}
	if secure && p.hsts != "" {
		dst.Set("Strict-Transport-Security", p.hsts)
	}
}

// renderDirectives joins a CSP map in sorted directive order so the header
// is stable across runs.
func renderDirectives(d map[string][]string) string {
	parts := make([]string, 0, len(d))
	for _, name := range slices.Sorted(maps.Keys(d)) {
		if srcs := d[name]; len(srcs) > 0 {
			parts = append(parts, name+" "+strings.Join(srcs, " "))
		} else {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "; ")
}

func renderPermissions(p map[string][]string) string {
	parts := make([]string, 0, len(p))
	for _, feature := range slices.Sorted(maps.Keys(p)) {
		parts = append(parts, feature+"=("+strings.Join(p[feature], " ")+")")
	}
	return strings.Join(parts, ", ")
}

func renderHSTS(cfg HSTSConfig) string {
	if cfg.MaxAge <= 0 {
		return ""
	}
	v := "max-age=" + strconv.FormatInt(int64(cfg.MaxAge.Seconds()), 10)
	if cfg.IncludeSubDomains {
		v += "; includeSubDomains"
	}
	if cfg.Preload {
		v += "; preload"
	}
	return v
}
