package memory

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"gitea.jw6.us/james/calserve/internal/backend"
)

// GrantAny is the wildcard principal: grants recorded under it apply to every
// authenticated principal.
const GrantAny = "*"

func (b *Backend) CheckAccess(ctx context.Context, targetPath, principal string, priv backend.Privilege) (backend.AccessResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	res := backend.AccessResult{Principal: principal}
	if principal == "" {
		return res, nil
	}
	// principals always reach their own principal resource
	if targetPath == principal || strings.HasPrefix(targetPath, principal+"/") {
		res.Allowed = true
		return res, nil
	}
	if owner, ok := b.owningPrincipalLocked(targetPath); ok {
		if owner == principal || b.memberOfLocked(principal, owner) {
			res.Allowed = true
			return res, nil
		}
	}
	res.Allowed = b.hasGrantLocked(targetPath, principal, priv)
	return res, nil
}

// owningPrincipalLocked finds the owner of the deepest collection at or above
// targetPath.
func (b *Backend) owningPrincipalLocked(targetPath string) (string, bool) {
	path := targetPath
	for path != "" {
		if rec, ok := b.collections[path]; ok {
			return rec.col.Owner, rec.col.Owner != ""
		}
		idx := strings.LastIndex(path, "/")
		if idx <= 0 {
			break
		}
		path = path[:idx]
	}
	return "", false
}

func (b *Backend) memberOfLocked(principal, group string) bool {
	g, ok := b.principals[group]
	if !ok || !g.Group {
		return false
	}
	for _, m := range g.Members {
		if m == principal {
			return true
		}
	}
	return false
}

func (b *Backend) hasGrantLocked(targetPath, principal string, priv backend.Privilege) bool {
	for _, grantee := range []string{principal, GrantAny} {
		byPath := b.grants[grantee]
		for prefix, privs := range byPath {
			if !privs[priv] {
				continue
			}
			if targetPath == prefix || strings.HasPrefix(targetPath, prefix+"/") {
				return true
			}
		}
	}
	// group grants apply transitively to members
	for gpath, g := range b.principals {
		if !g.Group || !b.memberOfLocked(principal, gpath) {
			continue
		}
		for prefix, privs := range b.grants[gpath] {
			if !privs[priv] {
				continue
			}
			if targetPath == prefix || strings.HasPrefix(targetPath, prefix+"/") {
				return true
			}
		}
	}
	return false
}

// AddPrincipal registers a principal record. Intended for seeding.
func (b *Backend) AddPrincipal(p backend.Principal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.principals[p.Path] = p
}

// Grant records privileges for a principal over a path subtree.
func (b *Backend) Grant(principal, pathPrefix string, privs ...backend.Privilege) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.grants[principal] == nil {
		b.grants[principal] = make(map[string]map[backend.Privilege]bool)
	}
	if b.grants[principal][pathPrefix] == nil {
		b.grants[principal][pathPrefix] = make(map[backend.Privilege]bool)
	}
	for _, p := range privs {
		b.grants[principal][pathPrefix][p] = true
	}
}

// SetPassword stores a bcrypt hash for the principal's app password.
func (b *Backend) SetPassword(principalPath, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.passwords[principalPath] = hash
	return nil
}

// VerifyCredentials checks a Basic-auth pair against stored principals. The
// username may be the principal's leaf name or calendar address.
func (b *Backend) VerifyCredentials(ctx context.Context, username, password string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for path, p := range b.principals {
		leaf := path[strings.LastIndex(path, "/")+1:]
		if !strings.EqualFold(leaf, username) && !strings.EqualFold(p.Email, username) {
			continue
		}
		hash, ok := b.passwords[path]
		if !ok {
			return "", false, nil
		}
		if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
			return "", false, nil
		}
		return path, true, nil
	}
	return "", false, nil
}
