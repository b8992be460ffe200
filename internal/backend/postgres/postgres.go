// Package postgres implements the backend interface on PostgreSQL via pgx.
// Filter evaluation and recurrence expansion run in-process over a
// collection's rows, so this backend and the memory backend share one set of
// matching semantics.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/mo"

	"gitea.jw6.us/james/calserve/internal/backend"
	"gitea.jw6.us/james/calserve/internal/metrics"
)

// Backend stores the collection tree in PostgreSQL.
type Backend struct {
	pool            *pgxpool.Pool
	principalPrefix string
	now             func() time.Time
}

// New applies pending migrations and returns a ready backend. The principal
// prefix roots the principal namespace, e.g. "/principals/".
func New(ctx context.Context, pool *pgxpool.Pool, principalPrefix string) (*Backend, error) {
	b := &Backend{pool: pool, principalPrefix: principalPrefix, now: time.Now}
	if err := applyMigrations(ctx, pool); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return b, nil
}

// Ping reports database reachability for readiness probes.
func (b *Backend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

func observeDB(ctx context.Context, operation string) func() {
	start := time.Now()
	return func() {
		metrics.ObserveDBLatency(ctx, operation, start)
	}
}

// wrapDBErr keeps storage failures distinguishable from protocol outcomes.
func wrapDBErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return backend.ErrExists
		case "23503": // foreign_key_violation
			return backend.ErrConflict
		}
	}
	return fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
}

const collectionCols = `path, parent_path, kind, display_name, description, color, timezone_id,
	affects_freebusy, alias, alias_target, owner, ctag, log_id::text, updated_at`

func scanCollection(row pgx.Row) (backend.Collection, string, error) {
	var col backend.Collection
	var logID string
	var kind int16
	err := row.Scan(&col.Path, &col.ParentPath, &kind, &col.DisplayName, &col.Description,
		&col.Color, &col.TimezoneID, &col.AffectsFreeBusy, &col.Alias, &col.AliasTarget,
		&col.Owner, &col.CTag, &logID, &col.UpdatedAt)
	col.Kind = backend.CollectionKind(kind)
	return col, logID, err
}

func (b *Backend) ResolveCollection(ctx context.Context, path string) (mo.Option[backend.Collection], error) {
	defer observeDB(ctx, "db.resolve_collection")()
	row := b.pool.QueryRow(ctx, `SELECT `+collectionCols+` FROM collections WHERE path=$1`, path)
	col, _, err := scanCollection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[backend.Collection](), nil
	}
	if err != nil {
		return mo.None[backend.Collection](), wrapDBErr(err)
	}
	return mo.Some(col), nil
}

const objectCols = `collection_path, name, uid, organizer, recipients, schedule_method,
	etag, schedule_tag, ical, created_at, updated_at`

func scanObject(row pgx.Row) (backend.CalendarObject, error) {
	var obj backend.CalendarObject
	var raw string
	err := row.Scan(&obj.CollectionPath, &obj.Name, &obj.UID, &obj.Organizer, &obj.Recipients,
		&obj.ScheduleMethod, &obj.ETag, &obj.ScheduleTag, &raw, &obj.CreatedAt, &obj.UpdatedAt)
	if err != nil {
		return obj, err
	}
	cal, err := backend.ParseCalendar([]byte(raw))
	if err != nil {
		return obj, fmt.Errorf("stored object %s/%s: %w", obj.CollectionPath, obj.Name, err)
	}
	obj.Data = cal
	return obj, nil
}

func (b *Backend) ResolveCalendarObject(ctx context.Context, collectionPath, name string) (mo.Option[backend.CalendarObject], error) {
	defer observeDB(ctx, "db.resolve_object")()
	row := b.pool.QueryRow(ctx,
		`SELECT `+objectCols+` FROM calendar_objects WHERE collection_path=$1 AND name=$2`,
		collectionPath, name)
	obj, err := scanObject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[backend.CalendarObject](), nil
	}
	if err != nil {
		return mo.None[backend.CalendarObject](), wrapDBErr(err)
	}
	return mo.Some(obj), nil
}

const resourceCols = `collection_path, name, content_type, content, mod_time, seq`

func scanResource(row pgx.Row) (backend.BinaryResource, error) {
	var res backend.BinaryResource
	err := row.Scan(&res.CollectionPath, &res.Name, &res.ContentType, &res.Content, &res.ModTime, &res.Seq)
	return res, err
}

func (b *Backend) ResolveResource(ctx context.Context, collectionPath, name string) (mo.Option[backend.BinaryResource], error) {
	defer observeDB(ctx, "db.resolve_resource")()
	row := b.pool.QueryRow(ctx,
		`SELECT `+resourceCols+` FROM binary_resources WHERE collection_path=$1 AND name=$2`,
		collectionPath, name)
	res, err := scanResource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[backend.BinaryResource](), nil
	}
	if err != nil {
		return mo.None[backend.BinaryResource](), wrapDBErr(err)
	}
	return mo.Some(res), nil
}

func (b *Backend) ListChildren(ctx context.Context, collectionPath string) ([]backend.Child, error) {
	defer observeDB(ctx, "db.list_children")()
	var exists bool
	err := b.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM collections WHERE path=$1)`, collectionPath).Scan(&exists)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	if !exists {
		return nil, backend.ErrNotFound
	}

	var out []backend.Child
	rows, err := b.pool.Query(ctx,
		`SELECT `+collectionCols+` FROM collections WHERE parent_path=$1 AND path<>$1 ORDER BY path`,
		collectionPath)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	for rows.Next() {
		col, _, err := scanCollection(rows)
		if err != nil {
			rows.Close()
			return nil, wrapDBErr(err)
		}
		c := col
		out = append(out, backend.Child{Collection: &c})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(err)
	}

	rows, err = b.pool.Query(ctx,
		`SELECT `+objectCols+` FROM calendar_objects WHERE collection_path=$1 ORDER BY name`,
		collectionPath)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			rows.Close()
			return nil, wrapDBErr(err)
		}
		o := obj
		out = append(out, backend.Child{Object: &o})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(err)
	}

	rows, err = b.pool.Query(ctx,
		`SELECT `+resourceCols+` FROM binary_resources WHERE collection_path=$1 ORDER BY name`,
		collectionPath)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			rows.Close()
			return nil, wrapDBErr(err)
		}
		r := res
		out = append(out, backend.Child{Resource: &r})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(err)
	}
	return out, nil
}

func (b *Backend) LooksLikePrincipal(path string) bool {
	return strings.HasPrefix(path+"/", b.principalPrefix) || path+"/" == b.principalPrefix
}

func (b *Backend) ResolvePrincipal(ctx context.Context, path string) (mo.Option[backend.Principal], error) {
	defer observeDB(ctx, "db.resolve_principal")()
	var p backend.Principal
	err := b.pool.QueryRow(ctx,
		`SELECT path, display_name, email, is_group, members FROM principals WHERE path=$1`, path).
		Scan(&p.Path, &p.DisplayName, &p.Email, &p.Group, &p.Members)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[backend.Principal](), nil
	}
	if err != nil {
		return mo.None[backend.Principal](), wrapDBErr(err)
	}
	return mo.Some(p), nil
}

func (b *Backend) ListHomeCollections(ctx context.Context, principalPath string) ([]backend.Collection, error) {
	defer observeDB(ctx, "db.list_homes")()
	rows, err := b.pool.Query(ctx, `
		SELECT `+collectionCols+` FROM collections c
		WHERE c.owner = $1
		  AND NOT EXISTS (
			SELECT 1 FROM collections p WHERE p.path = c.parent_path AND p.owner = $1
		  )
		ORDER BY c.path`, principalPath)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer rows.Close()
	var out []backend.Collection
	for rows.Next() {
		col, _, err := scanCollection(rows)
		if err != nil {
			return nil, wrapDBErr(err)
		}
		out = append(out, col)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(err)
	}
	return out, nil
}
