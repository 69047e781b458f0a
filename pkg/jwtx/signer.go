package jwtx

import "time"

// Supported HMAC signing algorithms.
const (
	AlgorithmHS256 = "HS256"
	AlgorithmHS384 = "HS384"
	AlgorithmHS512 = "HS512"
)

// MinSecretBytes is the shortest HMAC secret NewCodec accepts.
const MinSecretBytes = 32

// Signer turns claims into a signed token.
type Signer interface {
	Alg() string
	Sign(Claims) (string, error)
}

// Verifier checks a token and returns its claims.
type Verifier interface {
	Verify(token string) (Claims, error)
}

// VerifyOptions are the checks a Verifier applies beyond the signature.
// Zero values skip the check.
type VerifyOptions struct {
	Issuer   string
	Audience []string // any one must be present in aud

	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration

	Now func() time.Time
}
