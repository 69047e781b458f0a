package httpx

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// IPResolver works out the client address of a request.
//
// Forwarding headers are only read when TrustProxy is set. X-Forwarded-For
// has the form "client, proxy1, proxy2" and every trusted hop appends the
// address it saw, so the client is TrustedHops entries from the right.
type IPResolver struct {
	TrustProxy  bool
	TrustedHops int // defaults to 1
}

// ClientIP returns the normalised client IP, or the raw RemoteAddr host
// when nothing parses.
func (res IPResolver) ClientIP(r *http.Request) string {
	if res.TrustProxy {
		if ip := res.fromXFF(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
		if ip := normalise(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := normalise(host); ip != "" {
		return ip
	}
	return host
}

func (res IPResolver) fromXFF(xff string) string {
	if xff == "" {
		return ""
	}
	ips := strings.Split(xff, ",")

	hops := res.TrustedHops
	if hops <= 0 {
		hops = 1
	}
	idx := len(ips) - hops
	if idx < 0 {
		idx = 0
	}
	return normalise(ips[idx])
}

// NormaliseIP parses s and returns its canonical form with IPv4-mapped IPv6
// addresses unmapped. Zones are dropped. Returns "" when s is not an IP.
func NormaliseIP(s string) string { return normalise(s) }

func normalise(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().WithZone("").String()
}
