package jwtx

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Codec signs and verifies gate tokens with a shared HMAC secret. It holds
// no mutable state and is safe for concurrent use.
type Codec struct {
	method *jwt.SigningMethodHMAC
	secret []byte
	opts   VerifyOptions
}

var (
	_ Signer   = (*Codec)(nil)
	_ Verifier = (*Codec)(nil)
)

// NewCodec creates a Codec for the given HMAC algorithm (HS256, HS384,
// HS512). The secret must be at least MinSecretBytes long.
func NewCodec(alg string, secret []byte, opts VerifyOptions) (*Codec, error) {
	var method *jwt.SigningMethodHMAC
	switch alg {
	case AlgorithmHS256, "":
		method = jwt.SigningMethodHS256
	case AlgorithmHS384:
		method = jwt.SigningMethodHS384
	case AlgorithmHS512:
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("jwtx: unsupported algorithm %q", alg)
	}

	if len(secret) < MinSecretBytes {
		return nil, ErrWeakSecret
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Audience = slices.Clone(opts.Audience)

	return &Codec{
		method: method,
		secret: slices.Clone(secret),
		opts:   opts,
	}, nil
}

func (c *Codec) Alg() string { return c.method.Alg() }

// Sign turns claims into a signed token string. Identical claims always
// produce the identical token.
func (c *Codec) Sign(claims Claims) (string, error) {
	t := jwt.NewWithClaims(c.method, claims)
	return t.SignedString(c.secret)
}

// Verify parses tokenStr, checks algorithm, signature, expiry and the
// configured issuer/audience, and returns the claims.
func (c *Codec) Verify(tokenStr string) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(c.opts.Leeway),
		jwt.WithTimeFunc(c.opts.Now),
	)

	var claims Claims
	token, err := parser.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != c.method.Alg() {
			return nil, ErrAlgMismatch
		}
		return c.secret, nil
	})
	if err != nil {
		return Claims{}, translate(err)
	}
	if !token.Valid {
		return Claims{}, ErrInvalidClaim
	}

	// Now check all the claim requirements
	if err := claims.ValidateIssuer(c.opts.Issuer); err != nil {
		return Claims{}, err
	}
	if err := claims.ValidateAudience(c.opts.Audience); err != nil {
		return Claims{}, err
	}

	return claims, nil
}

// translate maps golang-jwt validation errors onto the jwtx sentinels.
// Expiry wins over claim errors so an expired token always says so.
func translate(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, ErrAlgMismatch), errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidSig, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return ErrNotYetValid
	default:
		return fmt.Errorf("%w: %v", ErrInvalidClaim, err)
	}
}

// DecodeUnsafe decodes a token WITHOUT checking its signature. Only for
// logging and diagnostics, never for an authorization decision.
func DecodeUnsafe(tokenStr string) (Claims, bool) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, &claims); err != nil {
		return Claims{}, false
	}
	return claims, true
}
