package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"gitea.jw6.us/james/calserve/internal/backend"
)

func (b *Backend) SyncToken(ctx context.Context, collectionPath string) (string, error) {
	defer observeDB(ctx, "db.sync_token")()
	var ctag int64
	var logID string
	err := b.pool.QueryRow(ctx,
		`SELECT ctag, log_id::text FROM collections WHERE path=$1`, collectionPath).
		Scan(&ctag, &logID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", backend.ErrNotFound
	}
	if err != nil {
		return "", wrapDBErr(err)
	}
	return backend.BuildSyncToken(logID, ctag), nil
}

func (b *Backend) SyncReport(ctx context.Context, collectionPath, token string, limit int) (backend.SyncReportData, error) {
	defer observeDB(ctx, "db.sync_report")()
	var ctag int64
	var logID string
	err := b.pool.QueryRow(ctx,
		`SELECT ctag, log_id::text FROM collections WHERE path=$1`, collectionPath).
		Scan(&ctag, &logID)
	if errors.Is(err, pgx.ErrNoRows) {
		return backend.SyncReportData{}, backend.ErrNotFound
	}
	if err != nil {
		return backend.SyncReportData{}, wrapDBErr(err)
	}

	cursor := int64(0)
	if token != "" {
		tokenLog, seq, ok := backend.ParseSyncToken(token)
		if !ok || tokenLog != logID {
			return backend.SyncReportData{TokenValid: false}, nil
		}
		var lastSeq int64
		if err := b.pool.QueryRow(ctx, `SELECT last_value FROM change_seq`).Scan(&lastSeq); err != nil {
			return backend.SyncReportData{}, wrapDBErr(err)
		}
		if seq > lastSeq {
			return backend.SyncReportData{TokenValid: false}, nil
		}
		cursor = seq
	}

	// latest entry per member wins, emitted in seq order so a truncated
	// token resumes without skipping anything
	rows, err := b.pool.Query(ctx, `
		SELECT child_path, seq, kind, tombstone FROM (
			SELECT DISTINCT ON (child_path) child_path, seq, kind, tombstone
			FROM changes WHERE log_id=$1::uuid AND seq>$2
			ORDER BY child_path, seq DESC
		) latest ORDER BY seq`, logID, cursor)
	if err != nil {
		return backend.SyncReportData{}, wrapDBErr(err)
	}
	defer rows.Close()

	data := backend.SyncReportData{TokenValid: true}
	lastSeq := cursor
	emitted := 0
	for rows.Next() {
		var childPath string
		var seq int64
		var kind int16
		var tombstone bool
		if err := rows.Scan(&childPath, &seq, &kind, &tombstone); err != nil {
			return backend.SyncReportData{}, wrapDBErr(err)
		}
		// fresh syncs skip members that no longer exist
		if token == "" && tombstone {
			lastSeq = seq
			continue
		}
		if limit >= 0 && emitted >= limit {
			data.Truncated = true
			break
		}
		item := backend.SyncItem{
			VirtualPath: childPath,
			Token:       backend.BuildSyncToken(logID, seq),
			Kind:        backend.SyncItemKind(kind),
			Tombstoned:  tombstone,
			CanSync:     true,
		}
		if item.Kind == backend.SyncCollection && !tombstone {
			var alias bool
			err := b.pool.QueryRow(ctx, `SELECT alias FROM collections WHERE path=$1`, childPath).Scan(&alias)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return backend.SyncReportData{}, wrapDBErr(err)
			}
			if alias {
				item.CanSync = false
			}
		}
		data.Items = append(data.Items, item)
		lastSeq = seq
		emitted++
	}
	if err := rows.Err(); err != nil {
		return backend.SyncReportData{}, wrapDBErr(err)
	}
	if !data.Truncated && ctag > lastSeq {
		lastSeq = ctag
	}
	data.NextToken = backend.BuildSyncToken(logID, lastSeq)
	return data, nil
}
