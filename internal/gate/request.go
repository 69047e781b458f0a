package gate

import (
	"net/http"
	"strings"

	"github.com/aussiebroadwan/gatekeeper/pkg/httpx"
)

// Request is the transport-neutral view of an inbound request.
type Request struct {
	Method string
	Path   string
	Header http.Header

	// IP is the resolved client address.
	IP string

	// BodySize is the declared body length, zero when unknown.
	BodySize int64

	// Secure is true only when the connection is known to be HTTPS.
	Secure bool
}

// NewRequest describes r for the pipeline. Forwarded headers are only
// trusted when the resolver is configured to trust a proxy.
func NewRequest(r *http.Request, resolver httpx.IPResolver) *Request {
	size := r.ContentLength
	if size < 0 {
		size = 0
	}

	secure := r.TLS != nil
	if !secure && resolver.TrustProxy {
		secure = strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	}

	return &Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		Header:   r.Header,
		IP:       resolver.ClientIP(r),
		BodySize: size,
		Secure:   secure,
	}
}
