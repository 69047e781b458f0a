package gate

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/aussiebroadwan/gatekeeper/internal/gate"

// Span attribute keys. Token values never go on a span; only whether one
// was presented.
const (
	AttrRoute        = "gate.route"
	AttrAuthMode     = "gate.auth_mode"
	AttrResult       = "gate.result"
	AttrStage        = "gate.stage"
	AttrErrorCode    = "gate.error_code"
	AttrPrincipal    = "gate.principal_id"
	AttrTokenPresent = "gate.token_present"
	AttrLimiter      = "gate.rate_limiter"
	AttrRemaining    = "gate.rate_limit.remaining"
	AttrClientIP     = "security.client_ip"
	AttrHTTPMethod   = "http.method"
	AttrHTTPStatus   = "http.status_code"
)

func recordDeny(span trace.Span, stage string, status int, code string) {
	span.SetAttributes(
		attribute.String(AttrResult, "deny"),
		attribute.String(AttrStage, stage),
		attribute.String(AttrErrorCode, code),
		attribute.Int(AttrHTTPStatus, status),
	)
	span.SetStatus(codes.Error, code)
}
