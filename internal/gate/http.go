package gate

import (
	"net/http"

	"github.com/aussiebroadwan/gatekeeper/pkg/httpx"
)

// Middleware runs every request through p for route. Denied requests are
// answered directly; admitted ones reach next with the admit result on
// the context and the gate headers already set.
func Middleware(p *Pipeline, route Route, resolver httpx.IPResolver) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := p.Evaluate(r.Context(), NewRequest(r, resolver), route)
			if !res.Admitted() {
				res.Response.Write(w)
				return
			}

			admit := res.Admit
			for k, v := range admit.Headers {
				w.Header()[k] = v
			}

			// The declared size was checked; this guards bodies that lie
			// about it or are chunked.
			if limit := p.policy.MaxBodyBytes(); limit > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}

			ctx := withAdmit(r.Context(), admit)
			if admit.Claims != nil {
				ctx = httpx.WithClaims(ctx, *admit.Claims)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
