package policy

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/aussiebroadwan/gatekeeper/internal/domain"
)

// corsPolicy is CORSConfig with the header values joined up front.
type corsPolicy struct {
	origins     map[string]struct{}
	wildcard    bool
	credentials bool
	methods     []string
	methodsHdr  string
	headersHdr  string
	exposeHdr   string
	maxAge      string
	status      int
}

func newCORSPolicy(cfg CORSConfig) corsPolicy {
	p := corsPolicy{
		origins:     make(map[string]struct{}, len(cfg.AllowedOrigins)),
		wildcard:    cfg.AllowAll,
		credentials: cfg.AllowCredentials,
		status:      cfg.PreflightStatus,
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			p.wildcard = true
			continue
		}
		p.origins[o] = struct{}{}
	}
	for _, m := range cfg.AllowedMethods {
		p.methods = append(p.methods, strings.ToUpper(strings.TrimSpace(m)))
	}
	p.methodsHdr = strings.Join(p.methods, ", ")
	p.headersHdr = strings.Join(cfg.AllowedHeaders, ", ")
	p.exposeHdr = strings.Join(cfg.ExposedHeaders, ", ")
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(int(cfg.MaxAge.Seconds()))
	}
	if p.status == 0 {
		p.status = http.StatusNoContent
	}
	return p
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when it is not allowed.
func (p corsPolicy) allowOrigin(origin string) string {
	if p.wildcard {
		return "*"
	}
	if _, ok := p.origins[origin]; ok {
		return origin
	}
	return ""
}

// corsResult is what CORS resolution decided for one request.
type corsResult struct {
	headers   http.Header
	preflight bool
	status    int
}

func (p corsPolicy) resolve(method string, h http.Header) (corsResult, error) {
	origin := h.Get("Origin")
	preflight := method == http.MethodOptions
	out := corsResult{headers: http.Header{}, preflight: preflight, status: p.status}

	if origin == "" {
		// Same-origin or non-browser caller, and a bare OPTIONS just
		// terminates.
		return out, nil
	}

	allowed := p.allowOrigin(origin)
	if allowed == "" {
		return out, &domain.CORSRejectedError{Origin: origin, Reason: "origin not allowed"}
	}

	out.headers.Set("Access-Control-Allow-Origin", allowed)
	out.headers.Add("Vary", "Origin")
	if p.credentials {
		out.headers.Set("Access-Control-Allow-Credentials", "true")
	}

	if !preflight {
		if p.exposeHdr != "" {
			out.headers.Set("Access-Control-Expose-Headers", p.exposeHdr)
		}
		return out, nil
	}

	if req := strings.ToUpper(strings.TrimSpace(h.Get("Access-Control-Request-Method"))); req != "" && !slices.Contains(p.methods, req) {
		return corsResult{headers: http.Header{}, preflight: true, status: p.status},
			&domain.CORSRejectedError{Origin: origin, Reason: "method " + req + " not allowed"}
	}

	out.headers.Set("Access-Control-Allow-Methods", p.methodsHdr)
	switch {
	case p.headersHdr != "":
		out.headers.Set("Access-Control-Allow-Headers", p.headersHdr)
	case h.Get("Access-Control-Request-Headers") != "":
		out.headers.Set("Access-Control-Allow-Headers", h.Get("Access-Control-Request-Headers"))
	}
	if p.maxAge != "" {
		out.headers.Set("Access-Control-Max-Age", p.maxAge)
	}
	return out, nil
}
