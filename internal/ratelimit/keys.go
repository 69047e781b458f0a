package ratelimit

import (
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Identity is everything a key function may derive a key from.
type Identity struct {
	IP          string
	PrincipalID string // empty when unauthenticated
	APIKey      string // raw X-API-Key value, never stored
}

// KeyFunc maps an identity to a store key.
type KeyFunc func(Identity) string

// KeyStrategy names a KeyFunc in configuration.
type KeyStrategy string

const (
	KeyByIP        KeyStrategy = "ip"
	KeyByPrincipal KeyStrategy = "principal"
	KeyByAPIKey    KeyStrategy = "api_key"
)

// ByIP keys on the client address.
func ByIP(id Identity) string {
	if id.IP == "" {
		return "ip:unknown"
	}
	return "ip:" + id.IP
}

// ByPrincipal keys on the authenticated subject, falling back to the IP.
func ByPrincipal(id Identity) string {
	if id.PrincipalID == "" {
		return ByIP(id)
	}
	return "user:" + id.PrincipalID
}

// ByAPIKey keys on a fingerprint of the presented API key, falling back to
// the IP.
func ByAPIKey(id Identity) string {
	if id.APIKey == "" {
		return ByIP(id)
	}
	return "key:" + Fingerprint(id.APIKey)
}

// Fingerprint returns the unpadded base64url BLAKE2b-256 digest of secret.
func Fingerprint(secret string) string {
	sum := blake2b.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// KeyFuncFor resolves a configured strategy. Empty means by IP.
func KeyFuncFor(s KeyStrategy) (KeyFunc, error) {
	switch s {
	case KeyByIP, "":
		return ByIP, nil
	case KeyByPrincipal:
		return ByPrincipal, nil
	case KeyByAPIKey:
		return ByAPIKey, nil
	default:
		return nil, fmt.Errorf("%w: unknown key strategy %q", ErrInvalidConfig, s)
	}
}
