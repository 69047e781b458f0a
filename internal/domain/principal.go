package domain

import (
	"slices"

	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
)

// Principal is the authenticated caller attached to an admitted request.
type Principal struct {
	ID          string    `json:"id"`
	Email       string    `json:"email,omitempty"`
	Role        jwtx.Role `json:"role"`
	Permissions []string  `json:"permissions,omitempty"`
}

// PrincipalFromClaims lifts the identity out of verified claims.
func PrincipalFromClaims(c jwtx.Claims) *Principal {
	return &Principal{
		ID:          c.Subject,
		Email:       c.Email,
		Role:        c.Role,
		Permissions: slices.Clone(c.Permissions),
	}
}

// HasAnyRole reports whether p holds one of roles. An empty list matches.
func (p *Principal) HasAnyRole(roles ...jwtx.Role) bool {
	return len(roles) == 0 || slices.Contains(roles, p.Role)
}

// HasAllPermissions reports whether p holds every permission in perms.
func (p *Principal) HasAllPermissions(perms ...string) bool {
	for _, want := range perms {
		if !slices.Contains(p.Permissions, want) {
			return false
		}
	}
	return true
}

// Claims turns p back into an unsigned, untimed claims set.
func (p *Principal) Claims() jwtx.Claims {
	return jwtx.NewClaims(p.ID, p.Email, p.Role, p.Permissions)
}

// TokenPair is what the token endpoints return: a short-lived access token
// and a long-lived refresh token carrying the same identity.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"` // always "Bearer"
	ExpiresIn    int64  `json:"expires_in"` // seconds until the access token expires
}
