package backend

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// ErrInvalidObject marks calendar data that parses but violates the object
// resource rules (mixed UIDs, mixed component types, no components, stray
// METHOD property).
var ErrInvalidObject = errors.New("backend: invalid calendar object resource")

const icalDateTimeUTC = "20060102T150405Z"

// ParseCalendar decodes an iCalendar stream.
func ParseCalendar(data []byte) (*ical.Calendar, error) {
	return ical.NewDecoder(bytes.NewReader(data)).Decode()
}

// SerializeCalendar encodes a calendar back to wire form.
func SerializeCalendar(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ObjectMeta is what a stored calendar object asserts about itself.
type ObjectMeta struct {
	UID           string
	ComponentType string
	Organizer     string
	Recipients    []string
}

// ExtractObjectMeta validates cal as a calendar object resource and pulls out
// its identifying properties. All non-timezone components must share one UID
// and one component type, and stored objects must not carry METHOD.
func ExtractObjectMeta(cal *ical.Calendar) (ObjectMeta, error) {
	var meta ObjectMeta
	if cal.Props.Get(ical.PropMethod) != nil {
		return meta, fmt.Errorf("%w: METHOD on stored object", ErrInvalidObject)
	}
	for _, child := range cal.Children {
		if child.Name == ical.CompTimezone {
			continue
		}
		if meta.ComponentType == "" {
			meta.ComponentType = child.Name
		} else if child.Name != meta.ComponentType {
			return meta, fmt.Errorf("%w: mixed component types", ErrInvalidObject)
		}
		uidProp := child.Props.Get(ical.PropUID)
		if uidProp == nil {
			return meta, fmt.Errorf("%w: component without UID", ErrInvalidObject)
		}
		if meta.UID == "" {
			meta.UID = uidProp.Value
		} else if meta.UID != uidProp.Value {
			return meta, fmt.Errorf("%w: mixed UIDs", ErrInvalidObject)
		}
		if org := child.Props.Get(ical.PropOrganizer); org != nil && meta.Organizer == "" {
			meta.Organizer = org.Value
		}
		for _, att := range child.Props.Values(ical.PropAttendee) {
			meta.Recipients = append(meta.Recipients, att.Value)
		}
	}
	if meta.ComponentType == "" {
		return meta, fmt.Errorf("%w: no components", ErrInvalidObject)
	}
	return meta, nil
}

// compSpan is the effective time occupancy of one component: its first
// occurrence plus an optional recurrence set reusing the same duration.
type compSpan struct {
	start    time.Time
	duration time.Duration
	rset     *rrule.Set
}

func (s compSpan) known() bool { return !s.start.IsZero() }

// intersects reports whether any occurrence of the span overlaps rng.
func (s compSpan) intersects(rng TimeRange) bool {
	if !s.known() {
		return false
	}
	if occurrenceIntersects(s.start, s.duration, rng) {
		return true
	}
	if s.rset == nil || rng.Start.IsZero() {
		return false
	}
	// safe for unbounded rules: walk forward from just before the window
	if t := s.rset.After(rng.Start.Add(-s.duration), false); !t.IsZero() {
		return occurrenceIntersects(t, s.duration, rng)
	}
	return false
}

func occurrenceIntersects(start time.Time, dur time.Duration, rng TimeRange) bool {
	if dur == 0 {
		// zero-length occurrences match when they sit inside the window,
		// including exactly on its start
		if !rng.Start.IsZero() && start.Before(rng.Start) {
			return false
		}
		if !rng.End.IsZero() && !start.Before(rng.End) {
			return false
		}
		return true
	}
	return rng.Intersects(start, start.Add(dur))
}

// occurrences walks the span's instances that intersect rng, at most max.
func (s compSpan) occurrences(rng TimeRange, max int) []time.Time {
	if !s.known() {
		return nil
	}
	var out []time.Time
	if s.rset == nil {
		if occurrenceIntersects(s.start, s.duration, rng) {
			out = append(out, s.start)
		}
		return out
	}
	next := s.rset.Iterator()
	for t, ok := next(); ok; t, ok = next() {
		if !rng.End.IsZero() && !t.Before(rng.End) {
			break
		}
		if occurrenceIntersects(t, s.duration, rng) {
			out = append(out, t)
			if max > 0 && len(out) >= max {
				break
			}
		}
	}
	return out
}

// componentSpan derives a compSpan for a VEVENT, VTODO, or VJOURNAL.
// Components without usable timing yield an unknown span, which matches no
// time-range filter.
func componentSpan(comp *ical.Component) (compSpan, error) {
	switch comp.Name {
	case ical.CompEvent:
		return eventSpan(comp)
	case ical.CompToDo:
		return todoSpan(comp)
	case ical.CompJournal:
		return journalSpan(comp)
	}
	return compSpan{}, nil
}

func eventSpan(comp *ical.Component) (compSpan, error) {
	var s compSpan
	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return s, fmt.Errorf("%w: VEVENT without DTSTART", ErrInvalidObject)
	}
	start, err := startProp.DateTime(nil)
	if err != nil {
		return s, err
	}
	s.start = start

	if durProp := comp.Props.Get(ical.PropDuration); durProp != nil {
		d, err := parseICalDuration(durProp.Value)
		if err != nil {
			return s, err
		}
		s.duration = d
	} else if endProp := comp.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		end, err := endProp.DateTime(nil)
		if err != nil {
			return s, err
		}
		s.duration = end.Sub(start)
	} else if startProp.ValueType() == ical.ValueDate {
		s.duration = 24 * time.Hour
	}

	rset, err := recurrenceSet(comp, start)
	if err != nil {
		return s, err
	}
	s.rset = rset
	return s, nil
}

func todoSpan(comp *ical.Component) (compSpan, error) {
	var s compSpan
	if startProp := comp.Props.Get(ical.PropDateTimeStart); startProp != nil {
		start, err := startProp.DateTime(nil)
		if err != nil {
			return s, err
		}
		s.start = start
	}
	if dueProp := comp.Props.Get(ical.PropDue); dueProp != nil {
		due, err := dueProp.DateTime(nil)
		if err != nil {
			return s, err
		}
		if s.start.IsZero() {
			s.start = due
		} else {
			s.duration = due.Sub(s.start)
		}
	} else if durProp := comp.Props.Get(ical.PropDuration); durProp != nil && !s.start.IsZero() {
		d, err := parseICalDuration(durProp.Value)
		if err != nil {
			return s, err
		}
		s.duration = d
	}
	if s.start.IsZero() {
		return s, nil
	}
	rset, err := recurrenceSet(comp, s.start)
	if err != nil {
		return s, err
	}
	s.rset = rset
	return s, nil
}

func journalSpan(comp *ical.Component) (compSpan, error) {
	var s compSpan
	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return s, nil
	}
	start, err := startProp.DateTime(nil)
	if err != nil {
		return s, err
	}
	s.start = start
	if startProp.ValueType() == ical.ValueDate {
		s.duration = 24 * time.Hour
	}
	return s, nil
}

// recurrenceSet assembles the component's RRULE/RDATE/EXDATE into an rrule set
// anchored at start. Returns nil when the component does not recur.
func recurrenceSet(comp *ical.Component, start time.Time) (*rrule.Set, error) {
	var buf strings.Builder
	recurs := false
	fmt.Fprintf(&buf, "DTSTART:%s\n", start.UTC().Format(icalDateTimeUTC))
	if rr := comp.Props.Get(ical.PropRecurrenceRule); rr != nil {
		fmt.Fprintf(&buf, "RRULE:%s\n", rr.Value)
		recurs = true
	}
	for _, name := range []string{ical.PropRecurrenceDates, ical.PropExceptionDates} {
		for _, p := range comp.Props.Values(name) {
			switch p.ValueType() {
			case ical.ValueDate:
				fmt.Fprintf(&buf, "%s;VALUE=DATE:%s\n", name, p.Value)
			case ical.ValueDateTime:
				if tzid := p.Params.Get(ical.ParamTimezoneID); tzid != "" {
					fmt.Fprintf(&buf, "%s;TZID=%s:%s\n", name, tzid, p.Value)
				} else {
					fmt.Fprintf(&buf, "%s:%s\n", name, p.Value)
				}
			default:
				return nil, fmt.Errorf("%w: %s with unsupported value type", ErrInvalidObject, name)
			}
			if name == ical.PropRecurrenceDates {
				recurs = true
			}
		}
	}
	if !recurs {
		return nil, nil
	}
	set, err := rrule.StrToRRuleSet(buf.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}
	return set, nil
}

// parseICalDuration handles RFC 5545 dur-value, which time.ParseDuration does
// not (weeks, days, leading sign, P/T markers).
func parseICalDuration(val string) (time.Duration, error) {
	if val == "" {
		return 0, fmt.Errorf("empty duration")
	}
	neg := strings.HasPrefix(val, "-")
	s := strings.TrimLeft(val, "+-")
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("malformed duration %q", val)
	}
	s = s[1:]
	var total time.Duration
	var num int64
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int64(r-'0')
		case r == 'T':
			num = 0
		case r == 'W':
			total += time.Duration(num) * 7 * 24 * time.Hour
			num = 0
		case r == 'D':
			total += time.Duration(num) * 24 * time.Hour
			num = 0
		case r == 'H':
			total += time.Duration(num) * time.Hour
			num = 0
		case r == 'M':
			total += time.Duration(num) * time.Minute
			num = 0
		case r == 'S':
			total += time.Duration(num) * time.Second
			num = 0
		default:
			return 0, fmt.Errorf("malformed duration %q", val)
		}
	}
	if neg {
		total = -total
	}
	return total, nil
}
