package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"gitea.jw6.us/james/calserve/internal/backend"
)

// SeedCollection inserts a collection without parent checks. Intended for
// provisioning roots and homes at startup; regular writes go through
// MakeCollection. Existing rows are left untouched.
func (b *Backend) SeedCollection(ctx context.Context, col backend.Collection) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO collections (path, parent_path, kind, display_name, description, color,
			timezone_id, affects_freebusy, alias, alias_target, owner, ctag, log_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, nextval('change_seq'), $12::uuid, NOW())
		ON CONFLICT (path) DO NOTHING`,
		col.Path, col.ParentPath, int16(col.Kind), col.DisplayName, col.Description, col.Color,
		col.TimezoneID, col.AffectsFreeBusy, col.Alias, col.AliasTarget, col.Owner, uuid.NewString())
	if err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// AddPrincipal registers a principal record. Intended for seeding.
func (b *Backend) AddPrincipal(ctx context.Context, p backend.Principal) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO principals (path, display_name, email, is_group, members)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (path) DO UPDATE SET
			display_name=EXCLUDED.display_name, email=EXCLUDED.email,
			is_group=EXCLUDED.is_group, members=EXCLUDED.members`,
		p.Path, p.DisplayName, p.Email, p.Group, p.Members)
	if err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// ProvisionUser registers a principal with a calendar home: a default
// calendar plus scheduling inbox and outbox.
func (b *Backend) ProvisionUser(ctx context.Context, name, email, password string) (backend.Principal, error) {
	if name == "" {
		return backend.Principal{}, fmt.Errorf("user name required")
	}
	principal := backend.Principal{
		Path:        strings.TrimSuffix(b.principalPrefix, "/") + "/" + name,
		DisplayName: name,
		Email:       email,
		Members:     []string{},
	}
	if err := b.AddPrincipal(ctx, principal); err != nil {
		return principal, err
	}
	if password != "" {
		if err := b.SetPassword(ctx, principal.Path, password); err != nil {
			return principal, err
		}
	}

	home := "/" + name
	seeds := []backend.Collection{
		{Path: home, ParentPath: "/", Kind: backend.KindCollection, DisplayName: name, Owner: principal.Path},
		{Path: home + "/calendar", ParentPath: home, Kind: backend.KindCalendar, DisplayName: "Calendar", Owner: principal.Path, AffectsFreeBusy: true},
		{Path: home + "/inbox", ParentPath: home, Kind: backend.KindScheduleInbox, DisplayName: "Inbox", Owner: principal.Path},
		{Path: home + "/outbox", ParentPath: home, Kind: backend.KindScheduleOutbox, DisplayName: "Outbox", Owner: principal.Path},
	}
	for _, col := range seeds {
		if err := b.SeedCollection(ctx, col); err != nil {
			return principal, err
		}
	}
	return principal, nil
}
