package gate

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/aussiebroadwan/gatekeeper/internal/domain"
	"github.com/aussiebroadwan/gatekeeper/pkg/httpx"
)

// Response is a terminal answer produced by the gate instead of the
// business handler.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte // nil for preflight answers

	// Code is the error code of a deny, empty for a preflight.
	Code string
}

// ResponseForError maps err onto its HTTP response. Anything outside the
// domain taxonomy becomes a generic 500 so internal detail never leaks.
// base headers (security, CORS, rate limit) are copied in first.
func ResponseForError(err error, base http.Header) *Response {
	var ge domain.GateError
	if !errors.As(err, &ge) {
		ge = &domain.InternalGateError{Err: err}
	}

	h := base.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")

	// RFC 6750 challenges for bearer auth failures.
	var (
		authn *domain.AuthenticationError
		authz *domain.AuthorizationError
		rl    *domain.RateLimitError
	)
	switch {
	case errors.As(err, &authn):
		h.Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+authn.Reason+`"`)
	case errors.As(err, &authz):
		h.Set("WWW-Authenticate", `Bearer error="insufficient_scope", error_description="`+authz.Reason+`"`)
	case errors.As(err, &rl):
		h.Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds))
	}

	body, mErr := json.Marshal(httpx.ErrorBody{Error: ge.Code(), ErrorDescription: ge.Description()})
	if mErr != nil {
		body = []byte(`{"error":"server_error"}`)
	}

	return &Response{Status: ge.StatusCode(), Headers: h, Body: body, Code: ge.Code()}
}

// Write sends resp on w.
func (resp *Response) Write(w http.ResponseWriter) {
	for k, v := range resp.Headers {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}
