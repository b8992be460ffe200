package backend

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// maxExpandedInstances caps recurrence expansion so an unbounded rule with an
// open-ended range cannot run away.
const maxExpandedInstances = 1000

// ApplyRetrievalMode rewrites a calendar object per the requested recurrence
// retrieval policy. The input calendar is not modified; RetrievalNone returns
// it unchanged.
func ApplyRetrievalMode(cal *ical.Calendar, mode RetrievalMode) (*ical.Calendar, error) {
	switch mode.Kind {
	case RetrievalNone:
		return cal, nil
	case RetrievalExpand:
		return expandRecurrences(cal, mode.Range)
	case RetrievalLimitRecurrenceSet:
		return limitRecurrenceSet(cal, mode.Range)
	case RetrievalLimitFreeBusySet:
		return limitFreeBusySet(cal, mode.Range)
	}
	return nil, fmt.Errorf("unknown retrieval mode %d", mode.Kind)
}

func newShell(src *ical.Calendar) *ical.Calendar {
	out := ical.NewCalendar()
	for name, props := range src.Props {
		out.Props[name] = props
	}
	return out
}

// expandRecurrences flattens recurring components into per-instance copies in
// UTC, dropping VTIMEZONE and the recurrence properties. Overridden instances
// replace the master's occurrence at their recurrence id.
func expandRecurrences(cal *ical.Calendar, rng TimeRange) (*ical.Calendar, error) {
	out := newShell(cal)
	overridden := make(map[time.Time]bool)
	for _, child := range cal.Children {
		if rid := child.Props.Get(ical.PropRecurrenceID); rid != nil {
			t, err := rid.DateTime(nil)
			if err != nil {
				return nil, err
			}
			overridden[t.UTC()] = true
		}
	}
	for _, child := range cal.Children {
		if child.Name == ical.CompTimezone {
			continue
		}
		span, err := componentSpan(child)
		if err != nil {
			return nil, err
		}
		if rid := child.Props.Get(ical.PropRecurrenceID); rid != nil {
			if span.known() && span.intersects(rng) {
				inst := expandedInstance(child, span.start, span.duration)
				t, _ := rid.DateTime(nil)
				inst.Props.SetDateTime(ical.PropRecurrenceID, t.UTC())
				out.Children = append(out.Children, inst)
			}
			continue
		}
		if span.rset == nil {
			if !span.known() || span.intersects(rng) {
				out.Children = append(out.Children, expandedInstance(child, span.start, span.duration))
			}
			continue
		}
		for _, occ := range span.occurrences(rng, maxExpandedInstances) {
			if overridden[occ.UTC()] {
				continue
			}
			inst := expandedInstance(child, occ, span.duration)
			inst.Props.SetDateTime(ical.PropRecurrenceID, occ.UTC())
			out.Children = append(out.Children, inst)
		}
	}
	return out, nil
}

// expandedInstance copies a component with recurrence machinery stripped and
// concrete UTC timing set for one occurrence.
func expandedInstance(src *ical.Component, start time.Time, dur time.Duration) *ical.Component {
	inst := ical.NewComponent(src.Name)
	for name, props := range src.Props {
		switch name {
		case ical.PropRecurrenceRule, ical.PropRecurrenceDates, ical.PropExceptionDates, ical.PropRecurrenceID:
			continue
		}
		inst.Props[name] = props
	}
	inst.Children = src.Children
	if !start.IsZero() {
		inst.Props.SetDateTime(ical.PropDateTimeStart, start.UTC())
		if src.Props.Get(ical.PropDateTimeEnd) != nil {
			inst.Props.Del(ical.PropDuration)
			inst.Props.SetDateTime(ical.PropDateTimeEnd, start.Add(dur).UTC())
		}
	}
	return inst
}

// limitRecurrenceSet keeps the master components but drops overridden
// instances falling entirely outside the range.
func limitRecurrenceSet(cal *ical.Calendar, rng TimeRange) (*ical.Calendar, error) {
	out := newShell(cal)
	for _, child := range cal.Children {
		if child.Props.Get(ical.PropRecurrenceID) == nil {
			out.Children = append(out.Children, child)
			continue
		}
		span, err := componentSpan(child)
		if err != nil {
			return nil, err
		}
		if span.intersects(rng) {
			out.Children = append(out.Children, child)
		}
	}
	return out, nil
}

// limitFreeBusySet drops FREEBUSY period values outside the range from
// VFREEBUSY components.
func limitFreeBusySet(cal *ical.Calendar, rng TimeRange) (*ical.Calendar, error) {
	out := newShell(cal)
	for _, child := range cal.Children {
		if child.Name != ical.CompFreeBusy {
			out.Children = append(out.Children, child)
			continue
		}
		limited := ical.NewComponent(child.Name)
		for name, props := range child.Props {
			if name != ical.PropFreeBusy {
				limited.Props[name] = props
			}
		}
		for _, p := range child.Props.Values(ical.PropFreeBusy) {
			kept, err := filterPeriodValues(p.Value, rng)
			if err != nil {
				return nil, err
			}
			if kept == "" {
				continue
			}
			np := ical.NewProp(ical.PropFreeBusy)
			np.Params = p.Params
			np.Value = kept
			limited.Props.Add(np)
		}
		out.Children = append(out.Children, limited)
	}
	return out, nil
}

func filterPeriodValues(value string, rng TimeRange) (string, error) {
	var kept []string
	for _, raw := range strings.Split(value, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		start, end, err := parsePeriodValue(raw)
		if err != nil {
			return "", err
		}
		if rng.Intersects(start, end) {
			kept = append(kept, raw)
		}
	}
	return strings.Join(kept, ","), nil
}

// parsePeriodValue parses an RFC 5545 period: start/end or start/duration.
func parsePeriodValue(raw string) (time.Time, time.Time, error) {
	startRaw, rest, found := strings.Cut(raw, "/")
	if !found {
		return time.Time{}, time.Time{}, fmt.Errorf("malformed period %q", raw)
	}
	start, err := time.Parse(icalDateTimeUTC, startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("malformed period start %q", raw)
	}
	if strings.HasPrefix(rest, "P") || strings.HasPrefix(rest, "+") || strings.HasPrefix(rest, "-") {
		dur, err := parseICalDuration(rest)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		return start, start.Add(dur), nil
	}
	end, err := time.Parse(icalDateTimeUTC, rest)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("malformed period end %q", raw)
	}
	return start, end, nil
}

// FormatPeriod renders a period in the wire form used by FREEBUSY properties.
func FormatPeriod(p Period) string {
	return p.Start.UTC().Format(icalDateTimeUTC) + "/" + p.End.UTC().Format(icalDateTimeUTC)
}
