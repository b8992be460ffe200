// Package memory implements the backend interface against in-process maps.
// It backs the test suite and the dev server; the Postgres backend carries the
// same semantics for production.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/mo"

	"gitea.jw6.us/james/calserve/internal/backend"
)

type collectionRec struct {
	col   backend.Collection
	logID string // stable change-log identity, minted at create
}

type changeRec struct {
	seq       int64
	childPath string
	kind      backend.SyncItemKind
	tombstone bool
}

// Backend is an in-memory implementation of backend.Backend.
type Backend struct {
	mu sync.RWMutex

	principalPrefix string
	collections     map[string]*collectionRec
	objects         map[string]map[string]backend.CalendarObject
	resources       map[string]map[string]backend.BinaryResource
	principals      map[string]backend.Principal
	passwords       map[string][]byte // principal path -> bcrypt hash
	grants          map[string]map[string]map[backend.Privilege]bool

	changes map[string][]changeRec // logID -> ordered entries
	seq     int64

	now func() time.Time
}

// New returns an empty backend rooted at the given principal namespace prefix,
// e.g. "/dav/principals/".
func New(principalPrefix string) *Backend {
	return &Backend{
		principalPrefix: principalPrefix,
		collections:     make(map[string]*collectionRec),
		objects:         make(map[string]map[string]backend.CalendarObject),
		resources:       make(map[string]map[string]backend.BinaryResource),
		principals:      make(map[string]backend.Principal),
		passwords:       make(map[string][]byte),
		grants:          make(map[string]map[string]map[backend.Privilege]bool),
		changes:         make(map[string][]changeRec),
		now:             time.Now,
	}
}

func (b *Backend) nextSeq() int64 {
	b.seq++
	return b.seq
}

func (b *Backend) ResolveCollection(ctx context.Context, path string) (mo.Option[backend.Collection], error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if rec, ok := b.collections[path]; ok {
		return mo.Some(rec.col), nil
	}
	return mo.None[backend.Collection](), nil
}

func (b *Backend) ResolveCalendarObject(ctx context.Context, collectionPath, name string) (mo.Option[backend.CalendarObject], error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if obj, ok := b.objects[collectionPath][name]; ok {
		return mo.Some(obj), nil
	}
	return mo.None[backend.CalendarObject](), nil
}

func (b *Backend) ResolveResource(ctx context.Context, collectionPath, name string) (mo.Option[backend.BinaryResource], error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if res, ok := b.resources[collectionPath][name]; ok {
		return mo.Some(res), nil
	}
	return mo.None[backend.BinaryResource](), nil
}

func (b *Backend) ListChildren(ctx context.Context, collectionPath string) ([]backend.Child, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.collections[collectionPath]; !ok {
		return nil, backend.ErrNotFound
	}
	var out []backend.Child
	var colPaths []string
	for path, rec := range b.collections {
		if rec.col.ParentPath == collectionPath && path != collectionPath {
			colPaths = append(colPaths, path)
		}
	}
	sort.Strings(colPaths)
	for _, path := range colPaths {
		col := b.collections[path].col
		out = append(out, backend.Child{Collection: &col})
	}
	var objNames []string
	for name := range b.objects[collectionPath] {
		objNames = append(objNames, name)
	}
	sort.Strings(objNames)
	for _, name := range objNames {
		obj := b.objects[collectionPath][name]
		out = append(out, backend.Child{Object: &obj})
	}
	var resNames []string
	for name := range b.resources[collectionPath] {
		resNames = append(resNames, name)
	}
	sort.Strings(resNames)
	for _, name := range resNames {
		res := b.resources[collectionPath][name]
		out = append(out, backend.Child{Resource: &res})
	}
	return out, nil
}

func (b *Backend) LooksLikePrincipal(path string) bool {
	return strings.HasPrefix(path+"/", b.principalPrefix) || path+"/" == b.principalPrefix
}

func (b *Backend) ResolvePrincipal(ctx context.Context, path string) (mo.Option[backend.Principal], error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.principals[path]; ok {
		return mo.Some(p), nil
	}
	return mo.None[backend.Principal](), nil
}

func (b *Backend) ListHomeCollections(ctx context.Context, principalPath string) ([]backend.Collection, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []backend.Collection
	for _, rec := range b.collections {
		if rec.col.Owner != principalPath {
			continue
		}
		// top of the home: parent is not a collection of the same owner
		if parent, ok := b.collections[rec.col.ParentPath]; !ok || parent.col.Owner != principalPath {
			out = append(out, rec.col)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
