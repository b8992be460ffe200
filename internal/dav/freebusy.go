package dav

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"gitea.jw6.us/james/calserve/internal/backend"
)

// FreeTimeStrategy turns the FREE periods reported by a free-time-only source
// into the busy time surrounding them within the queried range. A nil strategy
// passes FREE periods through to the reply untouched.
type FreeTimeStrategy func(rng backend.TimeRange, free []backend.Period) []backend.Period

// ComplementFreePeriods is the default strategy: everything in the range not
// covered by a FREE period is busy, including the stretches before the first
// and after the last free period. The free periods must be sorted by start.
func ComplementFreePeriods(rng backend.TimeRange, free []backend.Period) []backend.Period {
	var busy []backend.Period
	cursor := rng.Start
	for _, p := range free {
		if p.Start.After(cursor) {
			busy = append(busy, backend.Period{Start: cursor, End: p.Start, Type: backend.PeriodBusy})
		}
		if p.End.After(cursor) {
			cursor = p.End
		}
	}
	if cursor.Before(rng.End) {
		busy = append(busy, backend.Period{Start: cursor, End: rng.End, Type: backend.PeriodBusy})
	}
	return busy
}

func (h *Handler) reportFreeBusy(w http.ResponseWriter, r *http.Request, addr *ResourceAddress, body []byte) {
	ctx := r.Context()
	var req freeBusyQueryReq
	if err := safeUnmarshalXML(body, &req); err != nil {
		h.error(w, r, badRequest(""))
		return
	}
	if req.TimeRange == nil {
		h.error(w, r, badRequest("valid-filter"))
		return
	}
	rng, err := parseTimeRangeAttr(req.TimeRange, false)
	if err != nil {
		h.error(w, r, badRequest("valid-filter"))
		return
	}
	if addr.Kind != targetCollection {
		h.error(w, r, &davError{Status: http.StatusForbidden, DAVCondition: "supported-report"})
		return
	}
	n := h.nodeFor(addr)
	access, err := n.CurrentAccess(ctx, backend.PrivReadFreeBusy)
	if err != nil {
		h.error(w, r, err)
		return
	}
	if !access.Allowed {
		h.error(w, r, forbidden(""))
		return
	}

	depth := r.Header.Get("Depth")
	if depth == "" {
		depth = "0"
	}
	periods, err := h.collectFreeBusy(ctx, n, rng, depth)
	if err != nil {
		h.error(w, r, err)
		return
	}

	var busy, free []backend.Period
	for _, p := range periods {
		if p.Type == backend.PeriodFree {
			free = append(free, p)
		} else {
			busy = append(busy, p)
		}
	}
	if h.FreeTime != nil && len(free) > 0 {
		busy = append(busy, h.FreeTime(rng, mergePeriods(free))...)
	} else {
		busy = append(busy, free...)
	}
	merged := mergePeriods(busy)
	cal := freeBusyCalendar(rng, merged)
	data, err := backend.SerializeCalendar(cal)
	if err != nil {
		h.error(w, r, serverError())
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// collectFreeBusy gathers the periods of one collection and, per depth, of its
// nested collections, mirroring the calendar-query traversal. Members the
// principal cannot read are skipped silently; non-calendar collections
// contribute no periods of their own.
func (h *Handler) collectFreeBusy(ctx context.Context, n *node, rng backend.TimeRange, depth string) ([]backend.Period, error) {
	col, err := n.CollectionRecord(ctx, true)
	if err != nil {
		return nil, err
	}
	periods, err := h.backend.FreeBusyPeriods(ctx, col.Path, rng)
	if err != nil {
		return nil, asDAVError(err)
	}
	if depth == "0" {
		return periods, nil
	}
	children, err := n.Children(ctx)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if child.addr.Kind != targetCollection {
			continue
		}
		nested, err := h.collectFreeBusy(ctx, child, rng, nextDepth(depth))
		if err != nil {
			return nil, err
		}
		periods = append(periods, nested...)
	}
	return periods, nil
}

// mergePeriods coalesces overlapping periods. Where periods of different type
// overlap, the more constrained type wins: free < busy < busy-tentative <
// busy-unavailable.
func mergePeriods(periods []backend.Period) []backend.Period {
	if len(periods) == 0 {
		return nil
	}
	type edge struct {
		at    time.Time
		typ   backend.PeriodType
		start bool
	}
	edges := make([]edge, 0, len(periods)*2)
	for _, p := range periods {
		if !p.End.After(p.Start) {
			continue
		}
		edges = append(edges, edge{at: p.Start, typ: p.Type, start: true})
		edges = append(edges, edge{at: p.End, typ: p.Type, start: false})
	}
	sort.Slice(edges, func(i, j int) bool {
		return edges[i].at.Before(edges[j].at)
	})

	active := make(map[backend.PeriodType]int)
	topType := func() (backend.PeriodType, bool) {
		best := backend.PeriodFree
		found := false
		for typ, count := range active {
			if count > 0 && (!found || typ > best) {
				best = typ
				found = true
			}
		}
		return best, found
	}

	var out []backend.Period
	var segStart time.Time
	prevType := backend.PeriodFree
	prevBusy := false

	// edges at the same instant apply together, so touching periods of one
	// type fuse instead of splitting
	for i := 0; i < len(edges); {
		at := edges[i].at
		for i < len(edges) && edges[i].at.Equal(at) {
			if edges[i].start {
				active[edges[i].typ]++
			} else {
				active[edges[i].typ]--
			}
			i++
		}
		top, busy := topType()
		if prevBusy && (!busy || top != prevType) && at.After(segStart) {
			out = append(out, backend.Period{Start: segStart, End: at, Type: prevType})
		}
		if busy && (!prevBusy || top != prevType) {
			segStart = at
		}
		prevType, prevBusy = top, busy
	}
	return out
}

// freeBusyCalendar builds the VFREEBUSY reply body, one FREEBUSY property per
// period type.
func freeBusyCalendar(rng backend.TimeRange, periods []backend.Period) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calserve//freebusy//EN")

	fb := ical.NewComponent(ical.CompFreeBusy)
	fb.Props.SetText(ical.PropUID, uuid.NewString())
	fb.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	fb.Props.SetDateTime(ical.PropDateTimeStart, rng.Start)
	fb.Props.SetDateTime(ical.PropDateTimeEnd, rng.End)

	byType := make(map[backend.PeriodType][]backend.Period)
	var order []backend.PeriodType
	for _, p := range periods {
		if _, seen := byType[p.Type]; !seen {
			order = append(order, p.Type)
		}
		byType[p.Type] = append(byType[p.Type], p)
	}
	for _, typ := range order {
		values := ""
		for i, p := range byType[typ] {
			if i > 0 {
				values += ","
			}
			values += backend.FormatPeriod(p)
		}
		prop := ical.NewProp(ical.PropFreeBusy)
		prop.Params.Set("FBTYPE", typ.FBType())
		prop.Value = values
		fb.Props.Add(prop)
	}
	cal.Children = append(cal.Children, fb)
	return cal
}
