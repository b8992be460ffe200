package dav

import (
	"context"

	"gitea.jw6.us/james/calserve/internal/auth"
	"gitea.jw6.us/james/calserve/internal/backend"
)

// accessGate funnels every privilege check through one place. Evaluation
// belongs to the backend; the gate owns the call sites and the strict/tolerant
// distinction.
type accessGate struct {
	backend backend.Backend
}

// check evaluates the request principal's privilege on target. In tolerant
// mode the result is returned for the caller to act on; in strict mode a
// denial becomes a forbidden error directly.
func (g *accessGate) check(ctx context.Context, targetPath string, priv backend.Privilege, tolerant bool) (backend.AccessResult, error) {
	principal := auth.PrincipalFromContext(ctx)
	res, err := g.backend.CheckAccess(ctx, targetPath, principal, priv)
	if err != nil {
		return backend.AccessResult{}, mapBackendError(err)
	}
	if !tolerant && !res.Allowed {
		return res, forbidden("")
	}
	return res, nil
}

// require is strict-mode check with the result discarded.
func (g *accessGate) require(ctx context.Context, targetPath string, priv backend.Privilege) error {
	_, err := g.check(ctx, targetPath, priv, false)
	return err
}
