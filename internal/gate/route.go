package gate

import (
	"github.com/aussiebroadwan/gatekeeper/internal/ratelimit"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
)

// AuthMode says whether a route wants a bearer token.
type AuthMode int

const (
	// AuthNone ignores any Authorization header.
	AuthNone AuthMode = iota
	// AuthOptional verifies a token when one is sent and proceeds
	// anonymously otherwise.
	AuthOptional
	// AuthRequired denies requests without a valid access token.
	AuthRequired
)

func (m AuthMode) String() string {
	switch m {
	case AuthOptional:
		return "optional"
	case AuthRequired:
		return "required"
	default:
		return "none"
	}
}

// Route carries the per-route requirements checked by the pipeline.
type Route struct {
	// Name labels metrics and spans, e.g. "whoami".
	Name string

	Auth AuthMode

	// Roles admits a principal holding any one of them. Empty means any role.
	Roles []jwtx.Role

	// Permissions must all be held by the principal.
	Permissions []string

	// Limiter overrides the pipeline default for this route.
	Limiter *ratelimit.Limiter

	// SkipRateLimit disables rate limiting for the route entirely.
	SkipRateLimit bool
}

func (r Route) needsPrincipal() bool {
	return len(r.Roles) > 0 || len(r.Permissions) > 0
}
