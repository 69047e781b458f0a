package app_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/app"
	"github.com/aussiebroadwan/gatekeeper/internal/domain"
	"github.com/aussiebroadwan/gatekeeper/internal/policy"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testConfig(t *testing.T) app.Config {
	t.Helper()
	t.Setenv("GATEKEEPER_TOKEN_SECRET", testSecret)
	t.Setenv("GATEKEEPER_ENV", "test")
	t.Chdir(t.TempDir())

	cfg, err := app.Load("")
	require.NoError(t, err)
	return cfg
}

func newServer(t *testing.T, cfg app.Config) (*app.Application, *httptest.Server) {
	t.Helper()
	a, err := app.New(cfg, app.WithLogger(slogx.Discard()))
	require.NoError(t, err)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func issue(t *testing.T, a *app.Application, role jwtx.Role) *domain.TokenPair {
	t.Helper()
	pair, err := a.Tokens().IssuePair(context.Background(), &domain.Principal{ID: "u-" + string(role), Role: role})
	require.NoError(t, err)
	return pair
}

func get(t *testing.T, srv *httptest.Server, path, tok string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Firefox/120.0")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestLivezAndMetrics(t *testing.T) {
	_, srv := newServer(t, testConfig(t))

	resp := get(t, srv, "/livez", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var health app.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, app.BuildVersion, health.Version)

	// Generate one gated decision so the counters exist.
	get(t, srv, "/v1/whoami", "")

	resp = get(t, srv, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `gatekeeper_decisions_total{code="invalid_token",result="deny",route="whoami"} 1`)
	require.Contains(t, string(body), `gatekeeper_rate_limit_keys{limiter="default"}`)
	require.Contains(t, string(body), "go_goroutines")
}

func TestWhoami(t *testing.T) {
	a, srv := newServer(t, testConfig(t))

	resp := get(t, srv, "/v1/whoami", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")
	require.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	user := issue(t, a, jwtx.RoleUser)
	resp = get(t, srv, "/v1/whoami", user.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "100", resp.Header.Get("X-RateLimit-Limit"))
	require.Equal(t, "99", resp.Header.Get("X-RateLimit-Remaining"))

	var p domain.Principal
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	require.Equal(t, "u-user", p.ID)
	require.Equal(t, jwtx.RoleUser, p.Role)

	resp = get(t, srv, "/v1/whoami", user.RefreshToken)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "refresh tokens are not access tokens")
}

func TestAdminTraffic(t *testing.T) {
	a, srv := newServer(t, testConfig(t))

	user := issue(t, a, jwtx.RoleUser)
	resp := get(t, srv, "/v1/admin/traffic", user.AccessToken)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	admin := issue(t, a, jwtx.RoleAdmin)
	resp = get(t, srv, "/v1/admin/traffic", admin.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap policy.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Equal(t, 2, snap.Requests, "both gated requests were recorded")
	require.Equal(t, 1, snap.UniqueIPs)
}

func TestRefresh(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.Auth.Burst.Window = time.Hour
	a, srv := newServer(t, cfg)
	user := issue(t, a, jwtx.RoleUser)

	post := func(form url.Values) *http.Response {
		resp, err := srv.Client().PostForm(srv.URL+"/v1/token/refresh", form)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := post(url.Values{"refresh_token": {user.RefreshToken}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var pair domain.TokenPair
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pair))
	require.Equal(t, "Bearer", pair.TokenType)
	require.NotEmpty(t, pair.AccessToken)

	claims, err := a.Tokens().VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "u-user", claims.Subject)

	resp = post(url.Values{"refresh_token": {user.AccessToken}})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "invalid refresh token", body["error_description"])

	resp = post(url.Values{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The auth limiter allows a burst of three per window per IP.
	resp = post(url.Values{"refresh_token": {user.RefreshToken}})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestPreflightThroughMux(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.CORS.AllowedOrigins = []string{"https://app.example.com"}
	_, srv := newServer(t, cfg)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/v1/whoami", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRateLimitDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.Enabled = false
	a, srv := newServer(t, cfg)

	resp := get(t, srv, "/v1/whoami", issue(t, a, jwtx.RoleViewer).AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("X-RateLimit-Limit"))
}

func TestShutdownStopsMaintenance(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(t)
	cfg.Server.Addr = "127.0.0.1:0"
	a, err := app.New(cfg, app.WithLogger(slogx.Discard()))
	require.NoError(t, err)

	a.Start()
	a.Start()
	require.NoError(t, a.Shutdown())
}

func TestNewRejectsBadSecurityConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.IP.Block = []string{"10.0.0.0/8"}
	_, err := app.New(cfg, app.WithLogger(slogx.Discard()))
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "security policy"))
}

func TestBlockedIPCannotReachProbes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.IP.Block = []string{"127.0.0.1"}
	_, srv := newServer(t, cfg)

	for _, path := range []string{"/metrics", "/livez", "/v1/whoami", "/v1/unknown"} {
		resp := get(t, srv, path, "")
		require.Equal(t, http.StatusForbidden, resp.StatusCode, path)
		require.NotEmpty(t, resp.Header.Get("Content-Security-Policy"), path)
	}
}

func TestWrongMethodPassesGateFirst(t *testing.T) {
	a, srv := newServer(t, testConfig(t))
	user := issue(t, a, jwtx.RoleUser)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/whoami", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+user.AccessToken)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, http.MethodGet, resp.Header.Get("Allow"))
	require.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	// Without credentials the gate answers before the method check.
	req, err = http.NewRequest(http.MethodPost, srv.URL+"/v1/whoami", nil)
	require.NoError(t, err)
	resp2, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}
