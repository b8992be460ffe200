package postgres

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/samber/mo"

	"gitea.jw6.us/james/calserve/internal/backend"
)

func (b *Backend) loadObjects(ctx context.Context, collectionPath string) ([]backend.CalendarObject, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT `+objectCols+` FROM calendar_objects WHERE collection_path=$1 ORDER BY name`,
		collectionPath)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer rows.Close()
	var out []backend.CalendarObject
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, wrapDBErr(err)
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(err)
	}
	return out, nil
}

func (b *Backend) Query(ctx context.Context, collectionPath string, filter *backend.CompFilter, mode backend.RetrievalMode) ([]backend.CalendarObject, error) {
	defer observeDB(ctx, "db.query")()
	var kind int16
	err := b.pool.QueryRow(ctx, `SELECT kind FROM collections WHERE path=$1`, collectionPath).Scan(&kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, wrapDBErr(err)
	}
	if !backend.CollectionKind(kind).EntitiesAllowed() {
		return nil, nil
	}
	if err := backend.ValidateFilter(filter); err != nil {
		return nil, err
	}
	objects, err := b.loadObjects(ctx, collectionPath)
	if err != nil {
		return nil, err
	}
	var out []backend.CalendarObject
	for _, obj := range objects {
		match, err := backend.MatchFilter(filter, obj.Data)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		data, err := backend.ApplyRetrievalMode(obj.Data, mode)
		if err != nil {
			return nil, err
		}
		obj.Data = data
		out = append(out, obj)
	}
	return out, nil
}

func (b *Backend) FreeBusyPeriods(ctx context.Context, collectionPath string, rng backend.TimeRange) ([]backend.Period, error) {
	defer observeDB(ctx, "db.freebusy")()
	var kind int16
	var affects bool
	err := b.pool.QueryRow(ctx,
		`SELECT kind, affects_freebusy FROM collections WHERE path=$1`, collectionPath).
		Scan(&kind, &affects)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, wrapDBErr(err)
	}
	if !backend.CollectionKind(kind).FreeBusyAllowed() || !affects {
		return nil, nil
	}
	objects, err := b.loadObjects(ctx, collectionPath)
	if err != nil {
		return nil, err
	}
	var out []backend.Period
	for _, obj := range objects {
		periods, err := backend.BusyPeriods(obj.Data, rng)
		if err != nil {
			return nil, err
		}
		out = append(out, periods...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// ScheduleDeliver handles a scheduling message posted to an outbox. Only
// free-busy requests are answered synchronously; other methods are deferred.
func (b *Backend) ScheduleDeliver(ctx context.Context, ownerPrincipal string, msg *backend.CalendarObject, rng backend.TimeRange) ([]backend.SchedulingResult, error) {
	if msg.Data == nil {
		return nil, backend.ErrConflict
	}
	if !strings.EqualFold(msg.ScheduleMethod, "REQUEST") || backend.FindComponent(msg.Data, ical.CompFreeBusy) == nil {
		return backend.DeferAll(msg.Recipients), nil
	}
	var out []backend.SchedulingResult
	for _, recipient := range msg.Recipients {
		res := backend.SchedulingResult{Recipient: recipient}
		popt, err := b.principalByCalendarAddress(ctx, recipient)
		if err != nil {
			return nil, err
		}
		principal, ok := popt.Get()
		if !ok {
			res.Status = backend.SchedInvalid
			out = append(out, res)
			continue
		}
		if principal.Path != ownerPrincipal {
			granted, err := b.hasGrant(ctx, principal.Path, ownerPrincipal, backend.PrivReadFreeBusy)
			if err != nil {
				return nil, err
			}
			if !granted {
				res.Status = backend.SchedNoAccess
				out = append(out, res)
				continue
			}
		}
		paths, err := b.ownedCollectionPaths(ctx, principal.Path)
		if err != nil {
			return nil, err
		}
		var periods []backend.Period
		failed := false
		for _, path := range paths {
			p, err := b.FreeBusyPeriods(ctx, path, rng)
			if err != nil {
				failed = true
				break
			}
			periods = append(periods, p...)
		}
		if failed {
			res.Status = backend.SchedDeferred
			out = append(out, res)
			continue
		}
		sort.Slice(periods, func(i, j int) bool { return periods[i].Start.Before(periods[j].Start) })
		res.Status = backend.SchedOK
		res.FreeBusy = &backend.CalendarObject{
			UID:        uuid.NewString(),
			Recipients: []string{recipient},
			Data:       backend.FreeBusyReply(recipient, rng, periods),
		}
		out = append(out, res)
	}
	return out, nil
}

func (b *Backend) principalByCalendarAddress(ctx context.Context, addr string) (mo.Option[backend.Principal], error) {
	needle := strings.TrimPrefix(addr, "mailto:")
	var p backend.Principal
	err := b.pool.QueryRow(ctx, `
		SELECT path, display_name, email, is_group, members FROM principals
		WHERE LOWER(email) = LOWER($1) OR path = $2
		LIMIT 1`, needle, addr).
		Scan(&p.Path, &p.DisplayName, &p.Email, &p.Group, &p.Members)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[backend.Principal](), nil
	}
	if err != nil {
		return mo.None[backend.Principal](), wrapDBErr(err)
	}
	return mo.Some(p), nil
}

func (b *Backend) ownedCollectionPaths(ctx context.Context, principalPath string) ([]string, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT path FROM collections WHERE owner=$1 ORDER BY path`, principalPath)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, wrapDBErr(err)
		}
		out = append(out, path)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(err)
	}
	return out, nil
}
