package memory

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"gitea.jw6.us/james/calserve/internal/backend"
)

func (b *Backend) MakeCollection(ctx context.Context, col backend.Collection) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.collections[col.Path]; ok {
		return backend.ErrExists
	}
	if b.objectAt(col.Path) || b.resourceAt(col.Path) {
		return backend.ErrExists
	}
	parent, ok := b.collections[col.ParentPath]
	if !ok {
		return backend.ErrConflict
	}
	if col.Alias && col.AliasTarget == "" {
		return backend.ErrConflict
	}
	col.CTag = b.nextSeq()
	col.UpdatedAt = b.now()
	b.collections[col.Path] = &collectionRec{col: col, logID: uuid.NewString()}
	b.objects[col.Path] = make(map[string]backend.CalendarObject)
	b.resources[col.Path] = make(map[string]backend.BinaryResource)
	b.recordChange(parent, col.Path, backend.SyncCollection, false)
	return nil
}

func (b *Backend) UpdateCollection(ctx context.Context, col backend.Collection) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.collections[col.Path]
	if !ok {
		return backend.ErrNotFound
	}
	col.CTag = b.nextSeq()
	col.UpdatedAt = b.now()
	rec.col = col
	if parent, ok := b.collections[col.ParentPath]; ok {
		b.recordChange(parent, col.Path, backend.SyncCollection, false)
	}
	return nil
}

func (b *Backend) DeleteCollection(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.collections[path]
	if !ok {
		return backend.ErrNotFound
	}
	b.deleteTree(path)
	if parent, ok := b.collections[rec.col.ParentPath]; ok {
		b.recordChange(parent, path, backend.SyncCollection, true)
	}
	return nil
}

func (b *Backend) deleteTree(path string) {
	rec := b.collections[path]
	for childPath, childRec := range b.collections {
		if childRec.col.ParentPath == path && childPath != path {
			b.deleteTree(childPath)
		}
	}
	delete(b.objects, path)
	delete(b.resources, path)
	// drop the log so tokens minted against this collection stop validating
	delete(b.changes, rec.logID)
	delete(b.collections, path)
}

func (b *Backend) PutCalendarObject(ctx context.Context, obj backend.CalendarObject) (backend.CalendarObject, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.collections[obj.CollectionPath]
	if !ok {
		return obj, backend.ErrConflict
	}
	if !rec.col.Kind.EntitiesAllowed() {
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
	for name, other := range b.objects[obj.CollectionPath] {
		if name != obj.Name && other.UID == obj.UID {
			return obj, backend.ErrUIDConflict
		}
	}
	now := b.now()
	prev, existed := b.objects[obj.CollectionPath][obj.Name]
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
	b.objects[obj.CollectionPath][obj.Name] = obj
	b.recordChange(rec, obj.Path(), backend.SyncEntity, false)
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
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.collections[collectionPath]
	if !ok {
		return backend.ErrNotFound
	}
	obj, ok := b.objects[collectionPath][name]
	if !ok {
		return backend.ErrNotFound
	}
	delete(b.objects[collectionPath], name)
	b.recordChange(rec, obj.Path(), backend.SyncEntity, true)
	return nil
}

func (b *Backend) PutResource(ctx context.Context, res backend.BinaryResource) (backend.BinaryResource, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.collections[res.CollectionPath]
	if !ok {
		return res, backend.ErrConflict
	}
	if rec.col.Kind.EntitiesAllowed() {
		return res, backend.ErrForbidden
	}
	res.ModTime = b.now()
	res.Seq = b.nextSeq()
	b.resources[res.CollectionPath][res.Name] = res
	b.recordChange(rec, res.Path(), backend.SyncResource, false)
	return res, nil
}

func (b *Backend) DeleteResource(ctx context.Context, collectionPath, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.collections[collectionPath]
	if !ok {
		return backend.ErrNotFound
	}
	res, ok := b.resources[collectionPath][name]
	if !ok {
		return backend.ErrNotFound
	}
	delete(b.resources[collectionPath], name)
	b.recordChange(rec, res.Path(), backend.SyncResource, true)
	return nil
}

func (b *Backend) objectAt(path string) bool {
	dir, name := splitPath(path)
	_, ok := b.objects[dir][name]
	return ok
}

func (b *Backend) resourceAt(path string) bool {
	dir, name := splitPath(path)
	_, ok := b.resources[dir][name]
	return ok
}

func splitPath(path string) (dir, name string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}
