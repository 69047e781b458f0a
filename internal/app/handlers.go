package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/gate"
	"github.com/aussiebroadwan/gatekeeper/internal/policy"
	"github.com/aussiebroadwan/gatekeeper/internal/token"
	"github.com/aussiebroadwan/gatekeeper/pkg/httpx"
)

// HealthResponse is the body of GET /livez.
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

// LivezHandler always answers 200 while the process is up.
func LivezHandler(startTime time.Time, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Version: version,
		})
	}
}

// RefreshHandler serves POST /v1/token/refresh. It takes a form encoded
// refresh_token and returns a new token pair.
type RefreshHandler struct {
	Tokens *token.Service
}

func (h *RefreshHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. Ensure the right content-type
	if ct := r.Header.Get("Content-Type"); ct != "" &&
		!strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "content type must be application/x-www-form-urlencoded")
		return
	}

	// 2. Parse the form body
	if err := r.ParseForm(); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	raw := r.PostForm.Get("refresh_token")
	if raw == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	// 3. Exchange
	pair, err := h.Tokens.Refresh(r.Context(), raw)
	if err != nil {
		gate.ResponseForError(err, nil).Write(w)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, pair)
}

// WhoamiHandler returns the authenticated principal.
func WhoamiHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := gate.PrincipalFromContext(r.Context())
	if !ok {
		// Only reachable if mounted without an auth requirement.
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "no principal")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

// TrafficHandler serves the current traffic statistics window.
func TrafficHandler(stats *policy.TrafficStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, stats.Stats())
	}
}
