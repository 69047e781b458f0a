package app

import (
	"net/http"

	"github.com/aussiebroadwan/gatekeeper/internal/gate"
	"github.com/aussiebroadwan/gatekeeper/pkg/httpx"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (app *Application) routes() http.Handler {
	mux := http.NewServeMux()
	resolver := httpx.IPResolver{
		TrustProxy:  app.cfg.Server.TrustProxy,
		TrustedHops: app.cfg.Server.TrustedHops,
	}
	guard := func(route gate.Route, h http.Handler) http.Handler {
		return gate.Middleware(app.pipeline, route, resolver)(h)
	}

	// Probes and scraping still pass the security stage so blocked
	// addresses never see them.
	probe := func(name string) gate.Route { return gate.Route{Name: name, SkipRateLimit: true} }
	mux.Handle("/livez", guard(probe("livez"), allow(http.MethodGet, LivezHandler(app.startTime, BuildVersion))))
	mux.Handle("/metrics", guard(probe("metrics"), allow(http.MethodGet, promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))))

	// Paths are mounted without a method so wrong-method requests still go
	// through the gate before allow answers 405.
	refresh := gate.Route{Name: "token_refresh", Auth: gate.AuthNone, Limiter: app.authLimiter}
	if app.authLimiter == nil {
		refresh.SkipRateLimit = true
	}
	mux.Handle("/v1/token/refresh", guard(refresh, allow(http.MethodPost, &RefreshHandler{Tokens: app.tokens})))

	mux.Handle("/v1/whoami", guard(
		gate.Route{Name: "whoami", Auth: gate.AuthRequired},
		allow(http.MethodGet, http.HandlerFunc(WhoamiHandler)),
	))

	mux.Handle("/v1/admin/traffic", guard(
		gate.Route{Name: "admin_traffic", Auth: gate.AuthRequired, Roles: []jwtx.Role{jwtx.RoleAdmin}},
		allow(http.MethodGet, TrafficHandler(app.policy.Traffic())),
	))

	// Unknown API paths: preflights are answered by the gate, the rest 404.
	mux.Handle("/v1/", guard(probe("not_found"), http.NotFoundHandler()))

	return httpx.Chain(mux, slogx.HTTPMiddleware(app.logger))
}

// allow rejects every method but method (and HEAD for GET) with 405.
func allow(method string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && (method != http.MethodGet || r.Method != http.MethodHead) {
			w.Header().Set("Allow", method)
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not allowed")
			return
		}
		h.ServeHTTP(w, r)
	})
}
