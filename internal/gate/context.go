package gate

import (
	"context"

	"github.com/aussiebroadwan/gatekeeper/internal/domain"
)

type (
	principalKey struct{}
	admitKey     struct{}
)

func withAdmit(ctx context.Context, a *Admit) context.Context {
	ctx = context.WithValue(ctx, admitKey{}, a)
	if a.Principal != nil {
		ctx = context.WithValue(ctx, principalKey{}, a.Principal)
	}
	return ctx
}

// PrincipalFromContext returns the authenticated caller of an admitted
// request, if there is one.
func PrincipalFromContext(ctx context.Context) (*domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*domain.Principal)
	return p, ok && p != nil
}

// AdmitFromContext returns the full admit result for the request.
func AdmitFromContext(ctx context.Context) (*Admit, bool) {
	a, ok := ctx.Value(admitKey{}).(*Admit)
	return a, ok && a != nil
}
