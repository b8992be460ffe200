package auth

import (
	"context"
	"net/http"
)

// CredentialStore verifies Basic-auth credentials and maps them to a
// principal path. Backends implement this against their principal records.
type CredentialStore interface {
	VerifyCredentials(ctx context.Context, username, password string) (principalPath string, ok bool, err error)
}

// Service authenticates DAV clients with app passwords.
type Service struct {
	creds CredentialStore
	realm string
}

func NewService(creds CredentialStore, realm string) *Service {
	if realm == "" {
		realm = "calserve"
	}
	return &Service{creds: creds, realm: realm}
}

// RequireDAVAuth enforces Basic auth and stamps the principal onto the
// request context. OPTIONS passes through unauthenticated so clients can
// discover capabilities before prompting for credentials.
func (s *Service) RequireDAVAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if !ok || username == "" || password == "" {
			s.challenge(w)
			return
		}
		principal, ok, err := s.creds.VerifyCredentials(r.Context(), username, password)
		if err != nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		if !ok {
			s.challenge(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func (s *Service) challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+s.realm+`"`)
	http.Error(w, "authentication required", http.StatusUnauthorized)
}
