package backend

import (
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// BusyPeriods extracts the typed busy periods a stored calendar object
// contributes within rng. Transparent and cancelled events contribute nothing.
// Stored VFREEBUSY objects contribute their FREEBUSY periods directly.
func BusyPeriods(cal *ical.Calendar, rng TimeRange) ([]Period, error) {
	var out []Period
	overridden := make(map[time.Time]bool)
	for _, child := range cal.Children {
		if rid := child.Props.Get(ical.PropRecurrenceID); rid != nil {
			if t, err := rid.DateTime(nil); err == nil {
				overridden[t.UTC()] = true
			}
		}
	}
	for _, child := range cal.Children {
		switch child.Name {
		case ical.CompEvent:
			periods, err := eventBusyPeriods(child, rng, overridden)
			if err != nil {
				return nil, err
			}
			out = append(out, periods...)
		case ical.CompFreeBusy:
			periods, err := freeBusyComponentPeriods(child, rng)
			if err != nil {
				return nil, err
			}
			out = append(out, periods...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func eventBusyPeriods(comp *ical.Component, rng TimeRange, overridden map[time.Time]bool) ([]Period, error) {
	if transp := comp.Props.Get(ical.PropTransparency); transp != nil &&
		strings.EqualFold(transp.Value, "TRANSPARENT") {
		return nil, nil
	}
	ptype := PeriodBusy
	if status := comp.Props.Get(ical.PropStatus); status != nil {
		switch strings.ToUpper(status.Value) {
		case "CANCELLED":
			return nil, nil
		case "TENTATIVE":
			ptype = PeriodBusyTentative
		}
	}
	span, err := componentSpan(comp)
	if err != nil {
		return nil, err
	}
	if !span.known() || span.duration <= 0 {
		return nil, nil
	}
	isOverride := comp.Props.Get(ical.PropRecurrenceID) != nil
	var out []Period
	for _, occ := range span.occurrences(rng, maxExpandedInstances) {
		if !isOverride && span.rset != nil && overridden[occ.UTC()] {
			continue
		}
		p := clipPeriod(Period{Start: occ.UTC(), End: occ.Add(span.duration).UTC(), Type: ptype}, rng)
		if p.End.After(p.Start) {
			out = append(out, p)
		}
	}
	return out, nil
}

func freeBusyComponentPeriods(comp *ical.Component, rng TimeRange) ([]Period, error) {
	var out []Period
	for _, p := range comp.Props.Values(ical.PropFreeBusy) {
		ptype := fbTypeFromParam(p.Params.Get("FBTYPE"))
		for _, raw := range strings.Split(p.Value, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			start, end, err := parsePeriodValue(raw)
			if err != nil {
				return nil, err
			}
			if !rng.Intersects(start, end) {
				continue
			}
			clipped := clipPeriod(Period{Start: start, End: end, Type: ptype}, rng)
			if clipped.End.After(clipped.Start) {
				out = append(out, clipped)
			}
		}
	}
	return out, nil
}

func fbTypeFromParam(v string) PeriodType {
	switch strings.ToUpper(v) {
	case "FREE":
		return PeriodFree
	case "BUSY-TENTATIVE":
		return PeriodBusyTentative
	case "BUSY-UNAVAILABLE":
		return PeriodBusyUnavailable
	default:
		return PeriodBusy
	}
}

func clipPeriod(p Period, rng TimeRange) Period {
	if !rng.Start.IsZero() && p.Start.Before(rng.Start) {
		p.Start = rng.Start
	}
	if !rng.End.IsZero() && p.End.After(rng.End) {
		p.End = rng.End
	}
	return p
}
