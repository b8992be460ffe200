package auth

import "context"

type contextKey string

const contextKeyPrincipal contextKey = "principal"

// WithPrincipal stamps the authenticated principal path onto the context.
func WithPrincipal(ctx context.Context, principalPath string) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, principalPath)
}

// PrincipalFromContext returns the authenticated principal path, or "" for
// anonymous requests.
func PrincipalFromContext(ctx context.Context) string {
	p, _ := ctx.Value(contextKeyPrincipal).(string)
	return p
}
