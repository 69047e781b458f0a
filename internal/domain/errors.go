package domain

import (
	"fmt"
	"net/http"
	"time"
)

// Error codes written in the "error" field of deny responses.
const (
	CodeInvalidToken      = "invalid_token"
	CodeInsufficientScope = "insufficient_scope"
	CodeRateLimited       = "rate_limit_exceeded"
	CodeAccessDenied      = "access_denied"
	CodeCORSRejected      = "cors_rejected"
	CodePayloadTooLarge   = "payload_too_large"
	CodeServerError       = "server_error"
)

// GateError is implemented by every error the gate turns into a response.
// Description is safe to show to callers; Error may carry internal detail.
type GateError interface {
	error
	StatusCode() int
	Code() string
	Description() string
}

// AuthenticationError covers missing, malformed, tampered or expired
// credentials.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error       { return e.Err }
func (e *AuthenticationError) StatusCode() int     { return http.StatusUnauthorized }
func (e *AuthenticationError) Code() string        { return CodeInvalidToken }
func (e *AuthenticationError) Description() string { return e.Reason }

// AuthorizationError is a valid credential without the required role or
// permission.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string       { return "authorization failed: " + e.Reason }
func (e *AuthorizationError) StatusCode() int     { return http.StatusForbidden }
func (e *AuthorizationError) Code() string        { return CodeInsufficientScope }
func (e *AuthorizationError) Description() string { return e.Reason }

// RateLimitError is raised when a key has spent its budget.
type RateLimitError struct {
	Key               string
	Limit             int
	ResetAt           time.Time
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: retry after %ds", e.Key, e.RetryAfterSeconds)
}

func (e *RateLimitError) StatusCode() int { return http.StatusTooManyRequests }
func (e *RateLimitError) Code() string    { return CodeRateLimited }
func (e *RateLimitError) Description() string {
	return "Too many requests. Please try again later."
}

// IPBlockedError is raised by the IP filter.
type IPBlockedError struct {
	IP     string
	Reason string // "blocklisted" or "not allowlisted"
}

func (e *IPBlockedError) Error() string       { return fmt.Sprintf("ip %s %s", e.IP, e.Reason) }
func (e *IPBlockedError) StatusCode() int     { return http.StatusForbidden }
func (e *IPBlockedError) Code() string        { return CodeAccessDenied }
func (e *IPBlockedError) Description() string { return "access denied" }

// CORSRejectedError is raised for an origin outside the CORS policy.
type CORSRejectedError struct {
	Origin string
	Reason string
}

func (e *CORSRejectedError) Error() string {
	return fmt.Sprintf("cors rejected origin %q: %s", e.Origin, e.Reason)
}

func (e *CORSRejectedError) StatusCode() int     { return http.StatusForbidden }
func (e *CORSRejectedError) Code() string        { return CodeCORSRejected }
func (e *CORSRejectedError) Description() string { return "origin not allowed" }

// PayloadTooLargeError is raised when the body or header count is over the
// configured ceiling.
type PayloadTooLargeError struct {
	What   string // "body" or "headers"
	Limit  int64
	Actual int64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("%s too large: %d > %d", e.What, e.Actual, e.Limit)
}

func (e *PayloadTooLargeError) StatusCode() int { return http.StatusRequestEntityTooLarge }
func (e *PayloadTooLargeError) Code() string    { return CodePayloadTooLarge }
func (e *PayloadTooLargeError) Description() string {
	return fmt.Sprintf("request %s exceeds the limit of %d", e.What, e.Limit)
}

// InternalGateError wraps anything unexpected inside the gate. The request
// is denied.
type InternalGateError struct {
	Stage string
	Err   error
}

func (e *InternalGateError) Error() string {
	return fmt.Sprintf("internal gate error in %s: %v", e.Stage, e.Err)
}

func (e *InternalGateError) Unwrap() error       { return e.Err }
func (e *InternalGateError) StatusCode() int     { return http.StatusInternalServerError }
func (e *InternalGateError) Code() string        { return CodeServerError }
func (e *InternalGateError) Description() string { return "internal error" }
