package token_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/domain"
	"github.com/aussiebroadwan/gatekeeper/internal/token"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
	"github.com/stretchr/testify/require"
)

const secret = "this-is-a-test-secret-of-32-bytes!!"

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newService(t *testing.T, clk *clock) *token.Service {
	t.Helper()
	s, err := token.New(token.Config{
		Secret:     []byte(secret),
		Issuer:     "https://gate.example.com",
		Audience:   []string{"api"},
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
		Now:        clk.now,
	})
	require.NoError(t, err)
	return s
}

func requireReason(t *testing.T, err error, reason string) {
	t.Helper()
	var authErr *domain.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, reason, authErr.Reason)
}

func TestNewRejectsWeakSecret(t *testing.T) {
	_, err := token.New(token.Config{Secret: []byte("short")})
	require.ErrorIs(t, err, jwtx.ErrWeakSecret)
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	clk := &clock{t: time.Now()}
	s := newService(t, clk)
	ctx := context.Background()

	cases := []jwtx.Claims{
		jwtx.NewClaims("user-1", "a@example.com", jwtx.RoleAdmin, []string{"users:write"}),
		jwtx.NewClaims("svc-9", "", jwtx.RoleAPI, nil),
		jwtx.NewClaims("viewer", "v@example.com", jwtx.RoleViewer, []string{"a", "b", "c"}),
	}

	for _, in := range cases {
		t.Run(in.Subject, func(t *testing.T) {
			tok, err := s.Issue(ctx, in, jwtx.KindAccess, time.Minute)
			require.NoError(t, err)

			out, err := s.Verify(tok)
			require.NoError(t, err)

			require.Equal(t, in.Subject, out.Subject)
			require.Equal(t, in.Email, out.Email)
			require.Equal(t, in.Role, out.Role)
			require.Equal(t, in.Permissions, out.Permissions)
			require.Equal(t, jwtx.KindAccess, out.Kind)
			require.Equal(t, "https://gate.example.com", out.Issuer)
			require.True(t, out.ExpiresAt.After(out.IssuedAt.Time))
		})
	}
}

func TestIssueExpiredTTL(t *testing.T) {
	s := newService(t, &clock{t: time.Now()})

	tok, err := s.Issue(context.Background(), jwtx.NewClaims("u1", "", jwtx.RoleUser, nil), jwtx.KindAccess, -time.Second)
	require.NoError(t, err)

	_, err = s.Verify(tok)
	requireReason(t, err, token.ReasonExpired)
	require.ErrorIs(t, err, jwtx.ErrExpired)
}

func TestIssueRejectsBadClaims(t *testing.T) {
	s := newService(t, &clock{t: time.Now()})
	_, err := s.Issue(context.Background(), jwtx.NewClaims("u1", "", jwtx.Role("root"), nil), jwtx.KindAccess, time.Minute)
	require.ErrorIs(t, err, jwtx.ErrInvalidClaim)
}

func TestIssueIsDeterministic(t *testing.T) {
	s := newService(t, &clock{t: time.Unix(1_700_000_000, 0)})
	c := jwtx.NewClaims("u1", "", jwtx.RoleUser, []string{"x"})

	a, err := s.Issue(context.Background(), c, jwtx.KindAccess, time.Minute)
	require.NoError(t, err)
	b, err := s.Issue(context.Background(), c, jwtx.KindAccess, time.Minute)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestVerifyFailures(t *testing.T) {
	clk := &clock{t: time.Now()}
	s := newService(t, clk)
	ctx := context.Background()

	tok, err := s.Issue(ctx, jwtx.NewClaims("u1", "", jwtx.RoleUser, nil), jwtx.KindAccess, time.Minute)
	require.NoError(t, err)

	t.Run("missing", func(t *testing.T) {
		_, err := s.Verify("")
		requireReason(t, err, token.ReasonMissing)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := s.Verify("abc")
		requireReason(t, err, token.ReasonMalformed)
	})

	t.Run("tampered signature", func(t *testing.T) {
		parts := strings.Split(tok, ".")
		sig := []byte(parts[2])
		if sig[0] == 'A' {
			sig[0] = 'B'
		} else {
			sig[0] = 'A'
		}
		_, err := s.Verify(parts[0] + "." + parts[1] + "." + string(sig))
		requireReason(t, err, token.ReasonInvalidSig)
	})

	t.Run("other issuer", func(t *testing.T) {
		other, err := token.New(token.Config{Secret: []byte(secret), Issuer: "https://elsewhere", Now: clk.now})
		require.NoError(t, err)
		foreign, err := other.Issue(ctx, jwtx.NewClaims("u1", "", jwtx.RoleUser, nil), jwtx.KindAccess, time.Minute)
		require.NoError(t, err)

		_, err = s.Verify(foreign)
		requireReason(t, err, token.ReasonIssuer)
	})

	t.Run("clock moved past expiry", func(t *testing.T) {
		clk.t = clk.t.Add(2 * time.Minute)
		defer func() { clk.t = clk.t.Add(-2 * time.Minute) }()

		_, err := s.Verify(tok)
		requireReason(t, err, token.ReasonExpired)
	})

	t.Run("no secret leaks in description", func(t *testing.T) {
		_, err := s.Verify("abc")
		var authErr *domain.AuthenticationError
		require.ErrorAs(t, err, &authErr)
		require.NotContains(t, authErr.Description(), secret)
	})
}

func TestVerifyAccessRejectsRefresh(t *testing.T) {
	s := newService(t, &clock{t: time.Now()})
	pair, err := s.IssuePair(context.Background(), &domain.Principal{ID: "u1", Role: jwtx.RoleUser})
	require.NoError(t, err)

	_, err = s.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)

	_, err = s.VerifyAccess(pair.RefreshToken)
	requireReason(t, err, token.ReasonWrongKind)

	// Plain Verify does not care about the kind.
	c, err := s.Verify(pair.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, jwtx.KindRefresh, c.Kind)
}

func TestIssuePair(t *testing.T) {
	s := newService(t, &clock{t: time.Now()})
	p := &domain.Principal{ID: "u1", Email: "u1@example.com", Role: jwtx.RoleUser, Permissions: []string{"reports:read"}}

	pair, err := s.IssuePair(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, "Bearer", pair.TokenType)
	require.EqualValues(t, 900, pair.ExpiresIn)
	require.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	access, err := s.Verify(pair.AccessToken)
	require.NoError(t, err)
	refresh, err := s.Verify(pair.RefreshToken)
	require.NoError(t, err)

	require.Equal(t, access.Subject, refresh.Subject)
	require.Equal(t, access.Role, refresh.Role)
	require.Equal(t, access.Permissions, refresh.Permissions)
	require.True(t, refresh.ExpiresAt.After(access.ExpiresAt.Time))
}

func TestRefresh(t *testing.T) {
	clk := &clock{t: time.Now()}
	s := newService(t, clk)
	ctx := context.Background()
	p := &domain.Principal{ID: "u1", Role: jwtx.RoleAdmin, Permissions: []string{"a", "b"}}

	pair, err := s.IssuePair(ctx, p)
	require.NoError(t, err)

	t.Run("access token rejected", func(t *testing.T) {
		_, err := s.Refresh(ctx, pair.AccessToken)
		requireReason(t, err, token.ReasonInvalidRefresh)
	})

	t.Run("refresh token yields matching pair", func(t *testing.T) {
		clk.t = clk.t.Add(time.Hour)

		next, err := s.Refresh(ctx, pair.RefreshToken)
		require.NoError(t, err)

		c, err := s.VerifyAccess(next.AccessToken)
		require.NoError(t, err)
		require.Equal(t, p.ID, c.Subject)
		require.Equal(t, p.Role, c.Role)
		require.Equal(t, p.Permissions, c.Permissions)
		require.WithinDuration(t, clk.t, c.IssuedAt.Time, time.Second)
	})

	t.Run("garbage rejected", func(t *testing.T) {
		_, err := s.Refresh(ctx, "nope")
		requireReason(t, err, token.ReasonMalformed)
	})
}

func TestDecodeUnsafe(t *testing.T) {
	s := newService(t, &clock{t: time.Now()})
	tok, err := s.Issue(context.Background(), jwtx.NewClaims("u1", "", jwtx.RoleUser, nil), jwtx.KindAccess, -time.Hour)
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	c := s.DecodeUnsafe(parts[0] + "." + parts[1] + ".forged")
	require.NotNil(t, c)
	require.Equal(t, "u1", c.Subject)

	require.Nil(t, s.DecodeUnsafe("???"))
}
