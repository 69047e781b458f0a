package domain

import (
	"time"

	"github.com/aussiebroadwan/gatekeeper/pkg/idx"
)

// RequestInfo is the short-lived record the gate keeps for one request.
type RequestInfo struct {
	ID        idx.ID
	IP        string
	UserAgent string
	Method    string
	Path      string
	At        time.Time
}
