package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"gitea.jw6.us/james/calserve/internal/backend"
)

func nextSeq(ctx context.Context, tx pgx.Tx) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx, `SELECT nextval('change_seq')`).Scan(&seq)
	return seq, err
}

// recordChange appends a change-log entry under the parent's log and advances
// the parent's ctag.
func recordChange(ctx context.Context, tx pgx.Tx, parentPath, parentLogID, childPath string, kind backend.SyncItemKind, tombstone bool) error {
	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO changes (log_id, seq, child_path, kind, tombstone) VALUES ($1::uuid, $2, $3, $4, $5)`,
		parentLogID, seq, childPath, int16(kind), tombstone)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE collections SET ctag=$1, updated_at=NOW() WHERE path=$2`, seq, parentPath)
	return err
}

// collectionForUpdate locks one collection row and returns its kind and log id.
func collectionForUpdate(ctx context.Context, tx pgx.Tx, path string) (backend.CollectionKind, string, error) {
	var kind int16
	var logID string
	err := tx.QueryRow(ctx,
		`SELECT kind, log_id::text FROM collections WHERE path=$1 FOR UPDATE`, path).
		Scan(&kind, &logID)
	return backend.CollectionKind(kind), logID, err
}

func leafTaken(ctx context.Context, tx pgx.Tx, path string) (bool, error) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return false, nil
	}
	dir, name := path[:idx], path[idx+1:]
	if dir == "" {
		dir = "/"
	}
	var taken bool
	err := tx.QueryRow(ctx, `SELECT
		EXISTS (SELECT 1 FROM calendar_objects WHERE collection_path=$1 AND name=$2)
		OR EXISTS (SELECT 1 FROM binary_resources WHERE collection_path=$1 AND name=$2)`,
		dir, name).Scan(&taken)
	return taken, err
}

func (b *Backend) MakeCollection(ctx context.Context, col backend.Collection) error {
	defer observeDB(ctx, "db.make_collection")()
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapDBErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM collections WHERE path=$1)`, col.Path).Scan(&exists); err != nil {
		return wrapDBErr(err)
	}
	if exists {
		return backend.ErrExists
	}
	taken, err := leafTaken(ctx, tx, col.Path)
	if err != nil {
		return wrapDBErr(err)
	}
	if taken {
		return backend.ErrExists
	}
	_, parentLogID, err := collectionForUpdate(ctx, tx, col.ParentPath)
	if errors.Is(err, pgx.ErrNoRows) {
		return backend.ErrConflict
	}
	if err != nil {
		return wrapDBErr(err)
	}
	if col.Alias && col.AliasTarget == "" {
		return backend.ErrConflict
	}

	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return wrapDBErr(err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO collections (path, parent_path, kind, display_name, description, color,
			timezone_id, affects_freebusy, alias, alias_target, owner, ctag, log_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::uuid, NOW())`,
		col.Path, col.ParentPath, int16(col.Kind), col.DisplayName, col.Description, col.Color,
		col.TimezoneID, col.AffectsFreeBusy, col.Alias, col.AliasTarget, col.Owner, seq, uuid.NewString())
	if err != nil {
		return wrapDBErr(err)
	}
	if err := recordChange(ctx, tx, col.ParentPath, parentLogID, col.Path, backend.SyncCollection, false); err != nil {
		return wrapDBErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

func (b *Backend) UpdateCollection(ctx context.Context, col backend.Collection) error {
	defer observeDB(ctx, "db.update_collection")()
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapDBErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return wrapDBErr(err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE collections SET display_name=$2, description=$3, color=$4, timezone_id=$5,
			affects_freebusy=$6, alias=$7, alias_target=$8, owner=$9, ctag=$10, updated_at=NOW()
		WHERE path=$1`,
		col.Path, col.DisplayName, col.Description, col.Color, col.TimezoneID,
		col.AffectsFreeBusy, col.Alias, col.AliasTarget, col.Owner, seq)
	if err != nil {
		return wrapDBErr(err)
	}
	if tag.RowsAffected() == 0 {
		return backend.ErrNotFound
	}
	_, parentLogID, err := collectionForUpdate(ctx, tx, col.ParentPath)
	if err == nil {
		if err := recordChange(ctx, tx, col.ParentPath, parentLogID, col.Path, backend.SyncCollection, false); err != nil {
			return wrapDBErr(err)
		}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return wrapDBErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

func (b *Backend) DeleteCollection(ctx context.Context, path string) error {
	defer observeDB(ctx, "db.delete_collection")()
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapDBErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var parentPath string
	err = tx.QueryRow(ctx, `SELECT parent_path FROM collections WHERE path=$1 FOR UPDATE`, path).Scan(&parentPath)
	if errors.Is(err, pgx.ErrNoRows) {
		return backend.ErrNotFound
	}
	if err != nil {
		return wrapDBErr(err)
	}

	// drop the subtree's change logs so tokens minted against deleted
	// collections stop validating
	_, err = tx.Exec(ctx, `
		DELETE FROM changes WHERE log_id IN (
			SELECT log_id FROM collections WHERE path=$1 OR path LIKE $1 || '/%'
		)`, path)
	if err != nil {
		return wrapDBErr(err)
	}
	_, err = tx.Exec(ctx, `DELETE FROM collections WHERE path=$1 OR path LIKE $1 || '/%'`, path)
	if err != nil {
		return wrapDBErr(err)
	}

	_, parentLogID, err := collectionForUpdate(ctx, tx, parentPath)
	if err == nil {
		if err := recordChange(ctx, tx, parentPath, parentLogID, path, backend.SyncCollection, true); err != nil {
			return wrapDBErr(err)
		}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return wrapDBErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

func (b *Backend) PutCalendarObject(ctx context.Context, obj backend.CalendarObject) (backend.CalendarObject, error) {
	defer observeDB(ctx, "db.put_object")()
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return obj, wrapDBErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	kind, logID, err := collectionForUpdate(ctx, tx, obj.CollectionPath)
	if errors.Is(err, pgx.ErrNoRows) {
		return obj, backend.ErrConflict
	}
	if err != nil {
		return obj, wrapDBErr(err)
	}
	if !kind.EntitiesAllowed() {
		return obj, backend.ErrForbidden
	}

	meta, err := backend.ExtractObjectMeta(obj.Data)
	if err != nil {
		return obj, err
	}
	obj.UID = meta.UID
	if obj.Organizer == "" {
		obj.Organizer = meta.Organizer
	}
	if obj.Recipients == nil {
		obj.Recipients = meta.Recipients
	}

	var uidConflict bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM calendar_objects WHERE collection_path=$1 AND uid=$2 AND name<>$3)`,
		obj.CollectionPath, obj.UID, obj.Name).Scan(&uidConflict)
	if err != nil {
		return obj, wrapDBErr(err)
	}
	if uidConflict {
		return obj, backend.ErrUIDConflict
	}

	var prev backend.CalendarObject
	existed := true
	err = tx.QueryRow(ctx,
		`SELECT organizer, recipients, schedule_tag, created_at FROM calendar_objects WHERE collection_path=$1 AND name=$2`,
		obj.CollectionPath, obj.Name).
		Scan(&prev.Organizer, &prev.Recipients, &prev.ScheduleTag, &prev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existed = false
	} else if err != nil {
		return obj, wrapDBErr(err)
	}

	raw, err := backend.SerializeCalendar(obj.Data)
	if err != nil {
		return obj, err
	}
	now := b.now()
	if existed {
		obj.CreatedAt = prev.CreatedAt
	} else {
		obj.CreatedAt = now
	}
	obj.UpdatedAt = now
	obj.ETag = uuid.NewString()
	if !existed || schedulingChanged(prev, obj) {
		obj.ScheduleTag = uuid.NewString()
	} else {
		obj.ScheduleTag = prev.ScheduleTag
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO calendar_objects (collection_path, name, uid, organizer, recipients,
			schedule_method, etag, schedule_tag, ical, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (collection_path, name) DO UPDATE SET
			uid=EXCLUDED.uid, organizer=EXCLUDED.organizer, recipients=EXCLUDED.recipients,
			schedule_method=EXCLUDED.schedule_method, etag=EXCLUDED.etag,
			schedule_tag=EXCLUDED.schedule_tag, ical=EXCLUDED.ical, updated_at=EXCLUDED.updated_at`,
		obj.CollectionPath, obj.Name, obj.UID, obj.Organizer, obj.Recipients,
		obj.ScheduleMethod, obj.ETag, obj.ScheduleTag, string(raw), obj.CreatedAt, obj.UpdatedAt)
	if err != nil {
		return obj, wrapDBErr(err)
	}
	if err := recordChange(ctx, tx, obj.CollectionPath, logID, obj.Path(), backend.SyncEntity, false); err != nil {
		return obj, wrapDBErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return obj, wrapDBErr(err)
	}
	return obj, nil
}

// schedulingChanged reports whether a rewrite moved scheduling-significant
// state, which is what advances the schedule tag.
func schedulingChanged(prev, next backend.CalendarObject) bool {
	if prev.Organizer != next.Organizer || len(prev.Recipients) != len(next.Recipients) {
		return true
	}
	for i := range prev.Recipients {
		if !strings.EqualFold(prev.Recipients[i], next.Recipients[i]) {
			return true
		}
	}
	return false
}

func (b *Backend) DeleteCalendarObject(ctx context.Context, collectionPath, name string) error {
	defer observeDB(ctx, "db.delete_object")()
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapDBErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, logID, err := collectionForUpdate(ctx, tx, collectionPath)
	if errors.Is(err, pgx.ErrNoRows) {
		return backend.ErrNotFound
	}
	if err != nil {
		return wrapDBErr(err)
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM calendar_objects WHERE collection_path=$1 AND name=$2`, collectionPath, name)
	if err != nil {
		return wrapDBErr(err)
	}
	if tag.RowsAffected() == 0 {
		return backend.ErrNotFound
	}
	if err := recordChange(ctx, tx, collectionPath, logID, collectionPath+"/"+name, backend.SyncEntity, true); err != nil {
		return wrapDBErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

func (b *Backend) PutResource(ctx context.Context, res backend.BinaryResource) (backend.BinaryResource, error) {
	defer observeDB(ctx, "db.put_resource")()
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, wrapDBErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	kind, logID, err := collectionForUpdate(ctx, tx, res.CollectionPath)
	if errors.Is(err, pgx.ErrNoRows) {
		return res, backend.ErrConflict
	}
	if err != nil {
		return res, wrapDBErr(err)
	}
	if kind.EntitiesAllowed() {
		return res, backend.ErrForbidden
	}

	res.ModTime = b.now()
	res.Seq, err = nextSeq(ctx, tx)
	if err != nil {
		return res, wrapDBErr(err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO binary_resources (collection_path, name, content_type, content, mod_time, seq)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (collection_path, name) DO UPDATE SET
			content_type=EXCLUDED.content_type, content=EXCLUDED.content,
			mod_time=EXCLUDED.mod_time, seq=EXCLUDED.seq`,
		res.CollectionPath, res.Name, res.ContentType, res.Content, res.ModTime, res.Seq)
	if err != nil {
		return res, wrapDBErr(err)
	}
	if err := recordChange(ctx, tx, res.CollectionPath, logID, res.Path(), backend.SyncResource, false); err != nil {
		return res, wrapDBErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return res, wrapDBErr(err)
	}
	return res, nil
}

func (b *Backend) DeleteResource(ctx context.Context, collectionPath, name string) error {
	defer observeDB(ctx, "db.delete_resource")()
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapDBErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, logID, err := collectionForUpdate(ctx, tx, collectionPath)
	if errors.Is(err, pgx.ErrNoRows) {
		return backend.ErrNotFound
	}
	if err != nil {
		return wrapDBErr(err)
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM binary_resources WHERE collection_path=$1 AND name=$2`, collectionPath, name)
	if err != nil {
		return wrapDBErr(err)
	}
	if tag.RowsAffected() == 0 {
		return backend.ErrNotFound
	}
	if err := recordChange(ctx, tx, collectionPath, logID, collectionPath+"/"+name, backend.SyncResource, true); err != nil {
		return wrapDBErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapDBErr(err)
	}
	return nil
}
