package memory

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"gitea.jw6.us/james/calserve/internal/backend"
)

// SeedCollection inserts a collection without parent checks. Intended for
// provisioning roots and homes at startup; regular writes go through
// MakeCollection.
func (b *Backend) SeedCollection(col backend.Collection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.collections[col.Path]; ok {
		return
	}
	col.CTag = b.nextSeq()
	col.UpdatedAt = b.now()
	b.collections[col.Path] = &collectionRec{col: col, logID: uuid.NewString()}
	b.objects[col.Path] = make(map[string]backend.CalendarObject)
	b.resources[col.Path] = make(map[string]backend.BinaryResource)
}

// ProvisionUser registers a principal with a calendar home: a default
// calendar plus scheduling inbox and outbox.
func (b *Backend) ProvisionUser(name, email, password string) (backend.Principal, error) {
	if name == "" {
		return backend.Principal{}, fmt.Errorf("user name required")
	}
	principal := backend.Principal{
		Path:        strings.TrimSuffix(b.principalPrefix, "/") + "/" + name,
		DisplayName: name,
		Email:       email,
	}
	b.AddPrincipal(principal)
	if password != "" {
		if err := b.SetPassword(principal.Path, password); err != nil {
			return principal, err
		}
	}

	home := "/" + name
	b.SeedCollection(backend.Collection{
		Path:        home,
		ParentPath:  "/",
		Kind:        backend.KindCollection,
		DisplayName: name,
		Owner:       principal.Path,
	})
	b.SeedCollection(backend.Collection{
		Path:            home + "/calendar",
		ParentPath:      home,
		Kind:            backend.KindCalendar,
		DisplayName:     "Calendar",
		Owner:           principal.Path,
		AffectsFreeBusy: true,
	})
	b.SeedCollection(backend.Collection{
		Path:        home + "/inbox",
		ParentPath:  home,
		Kind:        backend.KindScheduleInbox,
		DisplayName: "Inbox",
		Owner:       principal.Path,
	})
	b.SeedCollection(backend.Collection{
		Path:        home + "/outbox",
		ParentPath:  home,
		Kind:        backend.KindScheduleOutbox,
		DisplayName: "Outbox",
		Owner:       principal.Path,
	})
	return principal, nil
}
