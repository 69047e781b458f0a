package policy

import (
	"github.com/aussiebroadwan/gatekeeper/internal/domain"
	"github.com/aussiebroadwan/gatekeeper/pkg/httpx"
)

// ipFilter matches normalised addresses exactly. The block list always
// wins; a non-empty allow list admits only its members.
type ipFilter struct {
	allow map[string]struct{}
	block map[string]struct{}
}

func newIPFilter(cfg IPConfig) ipFilter {
	return ipFilter{
		allow: addrSet(cfg.Allow),
		block: addrSet(cfg.Block),
	}
}

func addrSet(addrs []string) map[string]struct{} {
	if len(addrs) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[httpx.NormaliseIP(a)] = struct{}{}
	}
	return set
}

func (f ipFilter) check(ip string) error {
	norm := httpx.NormaliseIP(ip)

	if _, blocked := f.block[norm]; blocked && norm != "" {
		return &domain.IPBlockedError{IP: norm, Reason: "blocklisted"}
	}
	if f.allow == nil {
		return nil
	}
	if _, ok := f.allow[norm]; !ok || norm == "" {
		return &domain.IPBlockedError{IP: ip, Reason: "not allowlisted"}
	}
	return nil
}
