package backend

import (
	"fmt"
	"time"

	"github.com/emersion/go-ical"
)

// CollectionKind distinguishes plain WebDAV collections from the calendar-capable
// collection flavors defined by CalDAV scheduling.
type CollectionKind int

const (
	KindCollection CollectionKind = iota
	KindCalendar
	KindScheduleInbox
	KindScheduleOutbox
)

func (k CollectionKind) String() string {
	switch k {
	case KindCalendar:
		return "calendar"
	case KindScheduleInbox:
		return "schedule-inbox"
	case KindScheduleOutbox:
		return "schedule-outbox"
	default:
		return "collection"
	}
}

// EntitiesAllowed reports whether members of this collection are calendar objects
// rather than opaque binary resources.
func (k CollectionKind) EntitiesAllowed() bool {
	return k != KindCollection
}

// FreeBusyAllowed reports whether the collection contributes to free-busy rollups.
func (k CollectionKind) FreeBusyAllowed() bool {
	return k == KindCalendar
}

// Collection is a container in the DAV namespace.
type Collection struct {
	Path            string
	ParentPath      string
	Kind            CollectionKind
	DisplayName     string
	Description     *string
	Color           string
	TimezoneID      string
	AffectsFreeBusy bool
	Alias           bool
	AliasTarget     string
	Owner           string // principal path
	CTag            int64
	UpdatedAt       time.Time
}

// CalendarObject is an event, task, journal entry, or free-busy entity stored in a
// calendar-capable collection.
type CalendarObject struct {
	CollectionPath string
	Name           string
	UID            string
	Organizer      string
	Recipients     []string
	ScheduleMethod string
	ETag           string
	ScheduleTag    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Data           *ical.Calendar
}

// IsNew reports whether the object has never been stored.
func (o *CalendarObject) IsNew() bool {
	return o.ETag == ""
}

// Path returns the full DAV path of the object.
func (o *CalendarObject) Path() string {
	return o.CollectionPath + "/" + o.Name
}

// BinaryResource is a non-calendar file stored in a plain collection.
type BinaryResource struct {
	CollectionPath string
	Name           string
	ContentType    string
	Content        []byte
	ModTime        time.Time
	Seq            int64
}

// ETag derives the entity tag from the modification time and write sequence.
func (r *BinaryResource) ETag() string {
	return fmt.Sprintf("%x-%x", r.ModTime.UTC().UnixNano(), r.Seq)
}

// Path returns the full DAV path of the resource.
func (r *BinaryResource) Path() string {
	return r.CollectionPath + "/" + r.Name
}

// Principal identifies a calendar user or group.
type Principal struct {
	Path        string
	DisplayName string
	Email       string
	Group       bool
	Members     []string // principal paths, groups only
}

// TimeRange is a half-open [Start, End) interval. Both bounds are UTC.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (tr TimeRange) IsZero() bool {
	return tr.Start.IsZero() && tr.End.IsZero()
}

// Valid reports whether the range is well-formed: a present start strictly before
// a present end. Open-ended ranges leave one bound zero.
func (tr TimeRange) Valid() bool {
	if tr.Start.IsZero() || tr.End.IsZero() {
		return !tr.IsZero()
	}
	return tr.End.After(tr.Start)
}

// Intersects reports whether [start, end) overlaps the range. Touching intervals
// do not intersect.
func (tr TimeRange) Intersects(start, end time.Time) bool {
	if !tr.End.IsZero() && !start.Before(tr.End) {
		return false
	}
	if !tr.Start.IsZero() && !end.After(tr.Start) {
		return false
	}
	return true
}

// RetrievalKind selects the recurrence-retrieval policy of a query.
type RetrievalKind int

const (
	RetrievalNone RetrievalKind = iota
	RetrievalExpand
	RetrievalLimitRecurrenceSet
	RetrievalLimitFreeBusySet
)

// RetrievalMode pairs a retrieval policy with the range it applies to.
// RetrievalNone carries no range.
type RetrievalMode struct {
	Kind  RetrievalKind
	Range TimeRange
}

// PeriodType tags a free-busy period.
type PeriodType int

const (
	PeriodFree PeriodType = iota
	PeriodBusy
	PeriodBusyTentative
	PeriodBusyUnavailable
)

// FBType returns the RFC 5545 FBTYPE parameter value.
func (t PeriodType) FBType() string {
	switch t {
	case PeriodFree:
		return "FREE"
	case PeriodBusyTentative:
		return "BUSY-TENTATIVE"
	case PeriodBusyUnavailable:
		return "BUSY-UNAVAILABLE"
	default:
		return "BUSY"
	}
}

// Period is one typed span of availability. Period collections handed to the
// free-busy engine are kept start-ordered.
type Period struct {
	Start time.Time
	End   time.Time
	Type  PeriodType
}

// Privilege names an access right checked against a target path.
type Privilege int

const (
	PrivRead Privilege = iota
	PrivWrite
	PrivBind
	PrivUnbind
	PrivReadFreeBusy
)

func (p Privilege) String() string {
	switch p {
	case PrivWrite:
		return "write"
	case PrivBind:
		return "bind"
	case PrivUnbind:
		return "unbind"
	case PrivReadFreeBusy:
		return "read-free-busy"
	default:
		return "read"
	}
}

// AccessResult is the outcome of a privilege check.
type AccessResult struct {
	Allowed   bool
	Principal string
}

// SyncItemKind tags a change-feed entry.
type SyncItemKind int

const (
	SyncCollection SyncItemKind = iota
	SyncEntity
	SyncResource
)

// SyncItem is one entry of a synchronization report.
//
// VirtualPath is the path as visible through the queried collection's alias
// chain, which may differ from the physical path the change was recorded under.
type SyncItem struct {
	VirtualPath string
	Token       string
	Kind        SyncItemKind
	Tombstoned  bool
	CanSync     bool
}

// SyncReportData is the backend's answer to a sync-report call.
//
// TokenValid == false means the supplied token was unrecognized or expired and
// the caller must fall back to a full sync rather than trust Items.
type SyncReportData struct {
	Items      []SyncItem
	Truncated  bool
	TokenValid bool
	NextToken  string
}

// Child is one member of a collection listing. Exactly one field is set.
type Child struct {
	Collection *Collection
	Object     *CalendarObject
	Resource   *BinaryResource
}

// SchedulingStatus reports per-recipient outcome of a scheduling POST.
type SchedulingStatus int

const (
	SchedUnprocessed SchedulingStatus = iota
	SchedDeferred
	SchedNoAccess
	SchedOK
	SchedInvalid
)

// RequestStatus returns the iTip request-status code for the outcome.
func (s SchedulingStatus) RequestStatus() string {
	switch s {
	case SchedOK:
		return "2.0;Success"
	case SchedNoAccess:
		return "3.8;No authority"
	case SchedDeferred:
		return "5.1;Service unavailable"
	case SchedInvalid:
		return "3.1;Invalid property value"
	default:
		return "1.0;Pending"
	}
}

// SchedulingResult is the outcome of a scheduling request for one recipient.
type SchedulingResult struct {
	Recipient string
	Status    SchedulingStatus
	FreeBusy  *CalendarObject
}
