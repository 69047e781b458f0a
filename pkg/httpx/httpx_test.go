package httpx_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aussiebroadwan/gatekeeper/pkg/httpx"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
	"github.com/stretchr/testify/require"
)

func TestClientIP(t *testing.T) {
	direct := httpx.IPResolver{}
	proxied := httpx.IPResolver{TrustProxy: true}

	t.Run("extracts from RemoteAddr", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		require.Equal(t, "192.168.1.1", direct.ClientIP(req))
	})

	t.Run("ignores forwarding headers unless trusted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		req.Header.Set("X-Forwarded-For", "203.0.113.1")
		req.Header.Set("X-Real-IP", "203.0.113.2")
		require.Equal(t, "192.168.1.1", direct.ClientIP(req))
	})

	t.Run("takes the entry appended by the trusted proxy", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:443"
		req.Header.Set("X-Forwarded-For", "6.6.6.6, 203.0.113.1")
		require.Equal(t, "203.0.113.1", proxied.ClientIP(req))
	})

	t.Run("walks back over several trusted hops", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.1, 10.0.0.2, 10.0.0.3")
		res := httpx.IPResolver{TrustProxy: true, TrustedHops: 3}
		require.Equal(t, "203.0.113.1", res.ClientIP(req))

		res.TrustedHops = 9
		require.Equal(t, "203.0.113.1", res.ClientIP(req))
	})

	t.Run("uses X-Real-IP if X-Forwarded-For absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Real-IP", "203.0.113.2")
		require.Equal(t, "203.0.113.2", proxied.ClientIP(req))
	})

	t.Run("falls through garbage headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		req.Header.Set("X-Forwarded-For", "not-an-ip")
		require.Equal(t, "192.168.1.1", proxied.ClientIP(req))
	})

	t.Run("unmaps IPv4 in IPv6", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "[::ffff:192.0.2.7]:8080"
		require.Equal(t, "192.0.2.7", direct.ClientIP(req))
	})
}

func TestNormaliseIP(t *testing.T) {
	require.Equal(t, "2001:db8::1", httpx.NormaliseIP("2001:0db8:0000::0001"))
	require.Equal(t, "1.2.3.4", httpx.NormaliseIP(" ::ffff:1.2.3.4 "))
	require.Equal(t, "", httpx.NormaliseIP("1.2.3.0/24"))
}

func TestBearerToken(t *testing.T) {
	cases := map[string]struct {
		header string
		token  string
		ok     bool
	}{
		"standard":     {"Bearer abc.def.ghi", "abc.def.ghi", true},
		"lower scheme": {"bearer abc", "abc", true},
		"basic":        {"Basic dXNlcjpwYXNz", "", false},
		"empty token":  {"Bearer   ", "", false},
		"missing":      {"", "", false},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			tok, ok := httpx.BearerToken(req)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.token, tok)
		})
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	httpx.WriteError(rec, http.StatusForbidden, "forbidden", "nope")

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var body httpx.ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, httpx.ErrorBody{Error: "forbidden", ErrorDescription: "nope"}, body)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) httpx.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := httpx.Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mw("a"), mw("b"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, []string{"a", "b", "handler"}, order)
}

func TestClaimsContext(t *testing.T) {
	_, ok := httpx.ClaimsFromContext(context.Background())
	require.False(t, ok)

	c := jwtx.NewClaims("u1", "", jwtx.RoleViewer, nil)
	got, ok := httpx.ClaimsFromContext(httpx.WithClaims(context.Background(), c))
	require.True(t, ok)
	require.Equal(t, "u1", got.Subject)
}
