package jwtx

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default token TTL constants for the gate's access/refresh pair.
const (
	// DefaultAccessTokenTTL is the default lifetime for access tokens.
	// Short-lived, typical range is 5m to 1h.
	DefaultAccessTokenTTL = 15 * time.Minute

	// DefaultRefreshTokenTTL is the default lifetime for refresh tokens.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// Role is the coarse-grained role carried by a token.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleViewer Role = "viewer"
	RoleAPI    Role = "api"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleUser, RoleViewer, RoleAPI:
		return true
	}
	return false
}

// Kind separates access tokens from refresh tokens. A refresh token must
// never be accepted where an access token is expected.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Valid reports whether k is a known token kind.
func (k Kind) Valid() bool {
	return k == KindAccess || k == KindRefresh
}

// Claims is the payload carried inside a gate token.
type Claims struct {
	jwt.RegisteredClaims

	// Email of the principal, informational only.
	Email string `json:"email,omitempty"`

	// Role of the principal.
	Role Role `json:"role"`

	// Permissions are fine-grained grants, e.g. "reports:read".
	Permissions []string `json:"permissions,omitempty"`

	// Kind is access or refresh.
	Kind Kind `json:"kind"`
}

// NewClaims builds claims for subject with timing fields left unset, those
// are stamped at issuance.
func NewClaims(subject, email string, role Role, permissions []string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
		Email:            email,
		Role:             role,
		Permissions:      slices.Clone(permissions),
	}
}

// Validate is called by the jwt parser after the registered claims checks,
// so a token with an unknown role or kind never decodes successfully.
func (c Claims) Validate() error {
	if c.Subject == "" {
		return ErrInvalidClaim
	}
	if !c.Role.Valid() || !c.Kind.Valid() {
		return ErrInvalidClaim
	}
	return nil
}

// HasPermission reports whether perm was granted.
func (c *Claims) HasPermission(perm string) bool {
	return slices.Contains(c.Permissions, perm)
}

// WithoutTiming returns a copy with iat/exp/nbf cleared. Used when reissuing
// tokens from a decoded payload.
func (c Claims) WithoutTiming() Claims {
	out := c
	out.IssuedAt = nil
	out.ExpiresAt = nil
	out.NotBefore = nil
	out.Permissions = slices.Clone(c.Permissions)
	out.Audience = slices.Clone(c.Audience)
	return out
}

// ValidateIssuer checks if the issuer matches expected value.
func (c *Claims) ValidateIssuer(expected string) error {
	if expected == "" {
		return nil // nothing to enforce
	}

	if c.Issuer != expected {
		return ErrIssuer
	}

	return nil
}

// ValidateAudience checks if at least one expected audience is present.
func (c *Claims) ValidateAudience(expected []string) error {
	if len(expected) == 0 {
		return nil // nothing to enforce
	}

	for _, want := range expected {
		if slices.Contains(c.Audience, want) {
			return nil
		}
	}

	return ErrAudience
}
