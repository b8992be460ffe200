package backend

import (
	"context"
	"errors"

	"github.com/samber/mo"
)

// Sentinel errors returned by backends. The protocol layer maps them to DAV
// statuses at the boundary; backends never speak HTTP.
var (
	ErrNotFound    = errors.New("backend: not found")
	ErrExists      = errors.New("backend: already exists")
	ErrForbidden   = errors.New("backend: forbidden")
	ErrConflict    = errors.New("backend: conflict")
	ErrUnavailable = errors.New("backend: unavailable")

	// ErrUIDConflict is returned by PutCalendarObject when another object in
	// the same collection already holds the body's UID.
	ErrUIDConflict = errors.New("backend: uid conflict")
)

// Backend is the storage and policy surface the DAV core runs against.
//
// Resolve lookups return mo.Option values: absence of a record is a normal
// outcome ("try the next candidate kind"), not an error. Errors are reserved
// for storage failures and policy denials.
type Backend interface {
	// ResolveCollection looks up the collection stored at path. The alias flag
	// and target are returned as stored; dereferencing is the caller's concern.
	ResolveCollection(ctx context.Context, path string) (mo.Option[Collection], error)

	// ResolveCalendarObject looks up a calendar object by collection path and
	// member name.
	ResolveCalendarObject(ctx context.Context, collectionPath, name string) (mo.Option[CalendarObject], error)

	// ResolveResource looks up a binary resource by collection path and member name.
	ResolveResource(ctx context.Context, collectionPath, name string) (mo.Option[BinaryResource], error)

	// ListChildren returns the direct members of a collection, collections first.
	ListChildren(ctx context.Context, collectionPath string) ([]Child, error)

	// Query returns the calendar objects of a collection matching the filter,
	// with recurrence handling per mode.
	Query(ctx context.Context, collectionPath string, filter *CompFilter, mode RetrievalMode) ([]CalendarObject, error)

	// FreeBusyPeriods returns the typed busy periods of a collection
	// intersecting the range, start-ordered. Only collections whose kind allows
	// free-busy contribute.
	FreeBusyPeriods(ctx context.Context, collectionPath string, rng TimeRange) ([]Period, error)

	// CheckAccess evaluates whether principal holds priv on the target path.
	CheckAccess(ctx context.Context, targetPath, principal string, priv Privilege) (AccessResult, error)

	// LooksLikePrincipal reports whether path lies in the principal namespace.
	LooksLikePrincipal(path string) bool

	// ResolvePrincipal looks up a principal record by path.
	ResolvePrincipal(ctx context.Context, path string) (mo.Option[Principal], error)

	// ListHomeCollections returns the top-level collections of a principal's
	// calendar home.
	ListHomeCollections(ctx context.Context, principalPath string) ([]Collection, error)

	// SyncToken returns the current sync token of a collection.
	SyncToken(ctx context.Context, collectionPath string) (string, error)

	// SyncReport returns the changes to a collection since token. An empty
	// token means full sync. limit < 0 means unlimited.
	SyncReport(ctx context.Context, collectionPath, token string, limit int) (SyncReportData, error)

	// MakeCollection creates a collection. The parent must exist; ErrConflict
	// otherwise. ErrExists when the path is taken.
	MakeCollection(ctx context.Context, col Collection) error

	// UpdateCollection persists mutable collection properties.
	UpdateCollection(ctx context.Context, col Collection) error

	// DeleteCollection removes a collection and its members, recording
	// tombstones for sync.
	DeleteCollection(ctx context.Context, path string) error

	// PutCalendarObject stores an object and returns it with fresh tags.
	PutCalendarObject(ctx context.Context, obj CalendarObject) (CalendarObject, error)

	// DeleteCalendarObject removes one object, recording a tombstone.
	DeleteCalendarObject(ctx context.Context, collectionPath, name string) error

	// PutResource stores a binary resource and returns it with a fresh sequence.
	PutResource(ctx context.Context, res BinaryResource) (BinaryResource, error)

	// DeleteResource removes one binary resource, recording a tombstone.
	DeleteResource(ctx context.Context, collectionPath, name string) error

	// ScheduleDeliver processes a scheduling message posted to an outbox and
	// returns per-recipient outcomes.
	ScheduleDeliver(ctx context.Context, ownerPrincipal string, msg *CalendarObject, rng TimeRange) ([]SchedulingResult, error)
}
