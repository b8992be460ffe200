package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"gitea.jw6.us/james/calserve/internal/backend"
)

func (b *Backend) Query(ctx context.Context, collectionPath string, filter *backend.CompFilter, mode backend.RetrievalMode) ([]backend.CalendarObject, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.collections[collectionPath]
	if !ok {
		return nil, backend.ErrNotFound
	}
	if !rec.col.Kind.EntitiesAllowed() {
		return nil, nil
	}
	if err := backend.ValidateFilter(filter); err != nil {
		return nil, err
	}
	var names []string
	for name := range b.objects[collectionPath] {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []backend.CalendarObject
	for _, name := range names {
		obj := b.objects[collectionPath][name]
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
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.freeBusyPeriodsLocked(collectionPath, rng)
}

func (b *Backend) freeBusyPeriodsLocked(collectionPath string, rng backend.TimeRange) ([]backend.Period, error) {
	rec, ok := b.collections[collectionPath]
	if !ok {
		return nil, backend.ErrNotFound
	}
	if !rec.col.Kind.FreeBusyAllowed() || !rec.col.AffectsFreeBusy {
		return nil, nil
	}
	var out []backend.Period
	for _, obj := range b.objects[collectionPath] {
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
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []backend.SchedulingResult
	for _, recipient := range msg.Recipients {
		res := backend.SchedulingResult{Recipient: recipient}
		principal, ok := b.principalByCalendarAddress(recipient)
		if !ok {
			res.Status = backend.SchedInvalid
			out = append(out, res)
			continue
		}
		if !b.hasGrantLocked(principal.Path, ownerPrincipal, backend.PrivReadFreeBusy) && principal.Path != ownerPrincipal {
			res.Status = backend.SchedNoAccess
			out = append(out, res)
			continue
		}
		var periods []backend.Period
		failed := false
		for path, rec := range b.collections {
			if rec.col.Owner != principal.Path || !rec.col.Kind.FreeBusyAllowed() {
				continue
			}
			p, err := b.freeBusyPeriodsLocked(path, rng)
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

func (b *Backend) principalByCalendarAddress(addr string) (backend.Principal, bool) {
	needle := strings.ToLower(strings.TrimPrefix(addr, "mailto:"))
	for _, p := range b.principals {
		if strings.ToLower(p.Email) == needle || p.Path == addr {
			return p, true
		}
	}
	return backend.Principal{}, false
}
