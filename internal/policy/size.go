package policy

import (
	"net/http"

	"github.com/aussiebroadwan/gatekeeper/internal/domain"
)

// HeaderCount counts every header value, so a repeated header counts once
// per occurrence.
func HeaderCount(h http.Header) int {
	n := 0
	for _, vs := range h {
		n += len(vs)
	}
	return n
}

func (l SizeLimits) check(bodySize int64, h http.Header) error {
	if l.MaxBodyBytes > 0 && bodySize > l.MaxBodyBytes {
		return &domain.PayloadTooLargeError{What: "body", Limit: l.MaxBodyBytes, Actual: bodySize}
	}
	if l.MaxHeaderCount > 0 {
		if n := HeaderCount(h); n > l.MaxHeaderCount {
			return &domain.PayloadTooLargeError{What: "headers", Limit: int64(l.MaxHeaderCount), Actual: int64(n)}
		}
	}
	return nil
}
