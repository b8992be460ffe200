package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"gitea.jw6.us/james/calserve/internal/backend"
)

// GrantAny is the wildcard principal: grants recorded under it apply to every
// authenticated principal.
const GrantAny = "*"

func (b *Backend) CheckAccess(ctx context.Context, targetPath, principal string, priv backend.Privilege) (backend.AccessResult, error) {
	defer observeDB(ctx, "db.check_access")()
	res := backend.AccessResult{Principal: principal}
	if principal == "" {
		return res, nil
	}
	// principals always reach their own principal resource
	if targetPath == principal || strings.HasPrefix(targetPath, principal+"/") {
		res.Allowed = true
		return res, nil
	}
	owner, err := b.owningPrincipal(ctx, targetPath)
	if err != nil {
		return res, err
	}
	if owner != "" {
		if owner == principal {
			res.Allowed = true
			return res, nil
		}
		member, err := b.memberOf(ctx, principal, owner)
		if err != nil {
			return res, err
		}
		if member {
			res.Allowed = true
			return res, nil
		}
	}
	res.Allowed, err = b.hasGrant(ctx, targetPath, principal, priv)
	return res, err
}

// owningPrincipal finds the owner of the deepest collection at or above
// targetPath.
func (b *Backend) owningPrincipal(ctx context.Context, targetPath string) (string, error) {
	var owner string
	err := b.pool.QueryRow(ctx, `
		SELECT owner FROM collections
		WHERE owner <> '' AND path = ANY($1)
		ORDER BY LENGTH(path) DESC LIMIT 1`, ancestorPaths(targetPath)).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapDBErr(err)
	}
	return owner, nil
}

// ancestorPaths lists targetPath and every prefix up to the root.
func ancestorPaths(targetPath string) []string {
	paths := []string{targetPath}
	path := targetPath
	for {
		idx := strings.LastIndex(path, "/")
		if idx <= 0 {
			break
		}
		path = path[:idx]
		paths = append(paths, path)
	}
	if targetPath != "/" {
		paths = append(paths, "/")
	}
	return paths
}

func (b *Backend) memberOf(ctx context.Context, principal, group string) (bool, error) {
	var member bool
	err := b.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM principals WHERE path=$1 AND is_group AND $2 = ANY(members))`,
		group, principal).Scan(&member)
	if err != nil {
		return false, wrapDBErr(err)
	}
	return member, nil
}

// hasGrant checks direct, wildcard, and group-transitive grants whose path
// prefix covers the target.
func (b *Backend) hasGrant(ctx context.Context, targetPath, principal string, priv backend.Privilege) (bool, error) {
	var granted bool
	err := b.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM access_grants g
			WHERE g.privilege = $3
			  AND (g.principal = $2 OR g.principal = $4
			       OR g.principal IN (SELECT path FROM principals WHERE is_group AND $2 = ANY(members)))
			  AND ($1 = g.path_prefix OR $1 LIKE g.path_prefix || '/%')
		)`, targetPath, principal, int16(priv), GrantAny).Scan(&granted)
	if err != nil {
		return false, wrapDBErr(err)
	}
	return granted, nil
}

// Grant records privileges for a principal over a path subtree.
func (b *Backend) Grant(ctx context.Context, principal, pathPrefix string, privs ...backend.Privilege) error {
	for _, p := range privs {
		_, err := b.pool.Exec(ctx, `
			INSERT INTO access_grants (principal, path_prefix, privilege)
			VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, principal, pathPrefix, int16(p))
		if err != nil {
			return wrapDBErr(err)
		}
	}
	return nil
}

// SetPassword stores a bcrypt hash for the principal's app password.
func (b *Backend) SetPassword(ctx context.Context, principalPath, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO app_passwords (principal_path, hash) VALUES ($1, $2)
		ON CONFLICT (principal_path) DO UPDATE SET hash=EXCLUDED.hash`,
		principalPath, hash)
	if err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// VerifyCredentials checks a Basic-auth pair against stored principals. The
// username may be the principal's leaf name or calendar address.
func (b *Backend) VerifyCredentials(ctx context.Context, username, password string) (string, bool, error) {
	defer observeDB(ctx, "db.verify_credentials")()
	var path string
	var hash []byte
	err := b.pool.QueryRow(ctx, `
		SELECT p.path, a.hash FROM principals p
		JOIN app_passwords a ON a.principal_path = p.path
		WHERE LOWER(p.email) = LOWER($1)
		   OR LOWER(split_part(p.path, '/', -1)) = LOWER($1)
		LIMIT 1`, username).Scan(&path, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapDBErr(err)
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return "", false, nil
	}
	return path, true, nil
}
