package memory

import (
	"context"
	"sort"

	"gitea.jw6.us/james/calserve/internal/backend"
)

// recordChange appends a change-log entry for one member of the collection and
// advances the collection's ctag. Callers hold the write lock.
func (b *Backend) recordChange(rec *collectionRec, childPath string, kind backend.SyncItemKind, tombstone bool) {
	seq := b.nextSeq()
	b.changes[rec.logID] = append(b.changes[rec.logID], changeRec{
		seq:       seq,
		childPath: childPath,
		kind:      kind,
		tombstone: tombstone,
	})
	rec.col.CTag = seq
	rec.col.UpdatedAt = b.now()
}

func (b *Backend) SyncToken(ctx context.Context, collectionPath string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.collections[collectionPath]
	if !ok {
		return "", backend.ErrNotFound
	}
	return backend.BuildSyncToken(rec.logID, rec.col.CTag), nil
}

func (b *Backend) SyncReport(ctx context.Context, collectionPath, token string, limit int) (backend.SyncReportData, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.collections[collectionPath]
	if !ok {
		return backend.SyncReportData{}, backend.ErrNotFound
	}

	cursor := int64(0)
	if token != "" {
		logID, seq, ok := backend.ParseSyncToken(token)
		if !ok || logID != rec.logID || seq > b.seq {
			return backend.SyncReportData{TokenValid: false}, nil
		}
		cursor = seq
	}

	// latest entry per member wins; creations already superseded by a
	// tombstone collapse into the tombstone row
	latest := make(map[string]changeRec)
	for _, ch := range b.changes[rec.logID] {
		if ch.seq <= cursor {
			continue
		}
		latest[ch.childPath] = ch
	}
	// emit in seq order so a truncated token resumes without skipping anything
	pending := make([]changeRec, 0, len(latest))
	for _, ch := range latest {
		pending = append(pending, ch)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	data := backend.SyncReportData{TokenValid: true}
	lastSeq := cursor
	emitted := 0
	for _, ch := range pending {
		// fresh syncs skip members that no longer exist
		if token == "" && ch.tombstone {
			lastSeq = ch.seq
			continue
		}
		if limit >= 0 && emitted >= limit {
			data.Truncated = true
			break
		}
		item := backend.SyncItem{
			VirtualPath: ch.childPath,
			Token:       backend.BuildSyncToken(rec.logID, ch.seq),
			Kind:        ch.kind,
			Tombstoned:  ch.tombstone,
			CanSync:     true,
		}
		if ch.kind == backend.SyncCollection && !ch.tombstone {
			if child, ok := b.collections[ch.childPath]; ok && child.col.Alias {
				item.CanSync = false
			}
		}
		data.Items = append(data.Items, item)
		lastSeq = ch.seq
		emitted++
	}
	if !data.Truncated && rec.col.CTag > lastSeq {
		lastSeq = rec.col.CTag
	}
	data.NextToken = backend.BuildSyncToken(rec.logID, lastSeq)
	return data, nil
}
