package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/domain"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
	"github.com/golang-jwt/jwt/v5"
)

// Authentication failure reasons. These are shown to callers.
const (
	ReasonMissing        = "missing bearer token"
	ReasonExpired        = "token expired"
	ReasonInvalidSig     = "invalid signature"
	ReasonMalformed      = "malformed token"
	ReasonIssuer         = "issuer mismatch"
	ReasonAudience       = "audience mismatch"
	ReasonNotYetValid    = "token not yet valid"
	ReasonInvalidClaims  = "invalid claims"
	ReasonWrongKind      = "invalid token kind"
	ReasonInvalidRefresh = "invalid refresh token"
)

// Config holds everything needed to mint and check gate tokens.
type Config struct {
	Secret     []byte
	Algorithm  string // HS256 (default), HS384, HS512
	Issuer     string
	Audience   []string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Leeway     time.Duration

	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

// Service issues, verifies and refreshes signed tokens. It keeps no state
// beyond its configuration.
type Service struct {
	signer     jwtx.Signer
	verifier   jwtx.Verifier
	issuer     string
	audience   []string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func New(cfg Config) (*Service, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = jwtx.DefaultAccessTokenTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = jwtx.DefaultRefreshTokenTTL
	}

	codec, err := jwtx.NewCodec(cfg.Algorithm, cfg.Secret, jwtx.VerifyOptions{
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		Leeway:   cfg.Leeway,
		Now:      cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}

	return &Service{
		signer:     codec,
		verifier:   codec,
		issuer:     cfg.Issuer,
		audience:   slices.Clone(cfg.Audience),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        cfg.Now,
	}, nil
}

// AccessTTL is the lifetime given to access tokens by IssuePair.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// Issue stamps claims with kind, iat, exp (now+ttl), issuer and audience and
// signs them. A non-positive ttl yields a token that is already expired.
func (s *Service) Issue(ctx context.Context, claims jwtx.Claims, kind jwtx.Kind, ttl time.Duration) (string, error) {
	now := s.now()

	c := claims.WithoutTiming()
	c.Kind = kind
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if s.issuer != "" {
		c.Issuer = s.issuer
	}
	if len(s.audience) > 0 {
		c.Audience = slices.Clone(s.audience)
	}

	if err := c.Validate(); err != nil {
		return "", fmt.Errorf("token: issue %s token for %q: %w", kind, c.Subject, err)
	}

	tok, err := s.signer.Sign(c)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}

	slogx.FromContext(ctx).Debug("token issued",
		slog.String("sub", c.Subject),
		slog.String("kind", string(kind)),
		slog.Duration("ttl", ttl),
	)
	return tok, nil
}

// IssuePair mints an access and a refresh token for p.
func (s *Service) IssuePair(ctx context.Context, p *domain.Principal) (*domain.TokenPair, error) {
	claims := p.Claims()

	access, err := s.Issue(ctx, claims, jwtx.KindAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.Issue(ctx, claims, jwtx.KindRefresh, s.refreshTTL)
	if err != nil {
		return nil, err
	}

	return &domain.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL / time.Second),
	}, nil
}

// Verify checks the token and returns its claims. It does not look at the
// kind, see VerifyAccess.
func (s *Service) Verify(tokenStr string) (jwtx.Claims, error) {
	if tokenStr == "" {
		return jwtx.Claims{}, &domain.AuthenticationError{Reason: ReasonMissing}
	}

	claims, err := s.verifier.Verify(tokenStr)
	if err != nil {
		return jwtx.Claims{}, &domain.AuthenticationError{Reason: reasonFor(err), Err: err}
	}
	return claims, nil
}

// VerifyAccess is Verify for routes that need an access token.
func (s *Service) VerifyAccess(tokenStr string) (jwtx.Claims, error) {
	claims, err := s.Verify(tokenStr)
	if err != nil {
		return jwtx.Claims{}, err
	}
	if claims.Kind != jwtx.KindAccess {
		return jwtx.Claims{}, &domain.AuthenticationError{Reason: ReasonWrongKind}
	}
	return claims, nil
}

// Refresh exchanges a refresh token for a new pair built from the same
// identity.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	claims, err := s.Verify(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.Kind != jwtx.KindRefresh {
		slogx.FromContext(ctx).Info("refresh attempted with non-refresh token",
			slog.String("sub", claims.Subject),
			slog.String("kind", string(claims.Kind)),
		)
		return nil, &domain.AuthenticationError{Reason: ReasonInvalidRefresh}
	}

	return s.IssuePair(ctx, domain.PrincipalFromClaims(claims.WithoutTiming()))
}

// DecodeUnsafe returns the claims of tokenStr without checking the
// signature, or nil. Never use the result for an access decision.
func (s *Service) DecodeUnsafe(tokenStr string) *jwtx.Claims {
	c, ok := jwtx.DecodeUnsafe(tokenStr)
	if !ok {
		return nil
	}
	return &c
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, jwtx.ErrExpired):
		return ReasonExpired
	case errors.Is(err, jwtx.ErrInvalidSig):
		return ReasonInvalidSig
	case errors.Is(err, jwtx.ErrMalformed):
		return ReasonMalformed
	case errors.Is(err, jwtx.ErrIssuer):
		return ReasonIssuer
	case errors.Is(err, jwtx.ErrAudience):
		return ReasonAudience
	case errors.Is(err, jwtx.ErrNotYetValid):
		return ReasonNotYetValid
	default:
		return ReasonInvalidClaims
	}
}
