package dav

import (
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"gitea.jw6.us/james/calserve/internal/backend"
)

// projector turns the calendar-data element of a report into a retrieval mode
// for the backend and a projection applied to each returned object.
type projector struct {
	req  *calendarDataReq
	mode backend.RetrievalMode
}

// newProjector validates the calendar-data request element. A nil element
// means "full serialization". At most one recurrence modifier is allowed, and
// each modifier needs a well-formed range.
func newProjector(req *calendarDataReq) (*projector, error) {
	p := &projector{req: req}
	if req == nil {
		return p, nil
	}
	if req.ContentType != "" && !strings.EqualFold(req.ContentType, ical.MIMEType) {
		return nil, forbidden("supported-calendar-data")
	}
	if req.Version != "" && req.Version != "2.0" {
		return nil, forbidden("supported-calendar-data")
	}
	modifiers := 0
	for _, el := range []*timeRangeAttr{req.Expand, req.LimitRecurrenceSet, req.LimitFreeBusySet} {
		if el != nil {
			modifiers++
		}
	}
	if modifiers > 1 {
		return nil, badRequest("valid-calendar-data")
	}
	switch {
	case req.Expand != nil:
		rng, err := parseTimeRangeAttr(req.Expand, false)
		if err != nil {
			return nil, err
		}
		p.mode = backend.RetrievalMode{Kind: backend.RetrievalExpand, Range: rng}
	case req.LimitRecurrenceSet != nil:
		rng, err := parseTimeRangeAttr(req.LimitRecurrenceSet, false)
		if err != nil {
			return nil, err
		}
		p.mode = backend.RetrievalMode{Kind: backend.RetrievalLimitRecurrenceSet, Range: rng}
	case req.LimitFreeBusySet != nil:
		rng, err := parseTimeRangeAttr(req.LimitFreeBusySet, false)
		if err != nil {
			return nil, err
		}
		p.mode = backend.RetrievalMode{Kind: backend.RetrievalLimitFreeBusySet, Range: rng}
	}
	if req.Comp != nil {
		if err := checkCompReq(req.Comp, true); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func checkCompReq(c *compReq, top bool) error {
	if top && !strings.EqualFold(c.Name, ical.CompCalendar) {
		return badRequest("valid-calendar-data")
	}
	if c.Allprop != nil && len(c.Props) > 0 {
		return badRequest("valid-calendar-data")
	}
	if c.Allcomp != nil && len(c.Comps) > 0 {
		return badRequest("valid-calendar-data")
	}
	seen := make(map[string]bool, len(c.Props))
	for _, p := range c.Props {
		name := strings.ToUpper(p.Name)
		if name == "" || seen[name] {
			return badRequest("valid-calendar-data")
		}
		seen[name] = true
	}
	for i := range c.Comps {
		if err := checkCompReq(&c.Comps[i], false); err != nil {
			return err
		}
	}
	return nil
}

// retrievalMode is what the backend applies before projection.
func (p *projector) retrievalMode() backend.RetrievalMode {
	return p.mode
}

// project serializes a calendar object per the requested component and
// property selection.
func (p *projector) project(cal *ical.Calendar) (string, error) {
	if p.req == nil || p.req.Comp == nil || unrestricted(p.req.Comp) {
		data, err := backend.SerializeCalendar(cal)
		if err != nil {
			return "", serverError()
		}
		return string(data), nil
	}
	partial := projectComponent(cal.Component, p.req.Comp)
	if partial == nil {
		return "", nil
	}
	data, err := backend.SerializeCalendar(&ical.Calendar{Component: partial})
	if err != nil {
		return "", serverError()
	}
	return string(data), nil
}

// unrestricted reports a top-level selection that names no subcomponents but
// asks for all properties: that is "no restriction", not "drop everything".
func unrestricted(sel *compReq) bool {
	return sel.Allprop != nil && sel.Allcomp == nil && len(sel.Comps) == 0
}

// requiredProps are always emitted so the projected object stays encodable;
// the serializer refuses components missing their mandatory properties.
func requiredProps(name string) []string {
	switch name {
	case ical.CompCalendar:
		return []string{ical.PropVersion, ical.PropProductID}
	case ical.CompEvent:
		return []string{ical.PropUID, ical.PropDateTimeStamp, ical.PropDateTimeStart}
	case ical.CompToDo, ical.CompJournal, ical.CompFreeBusy:
		return []string{ical.PropUID, ical.PropDateTimeStamp}
	case ical.CompTimezone:
		return []string{ical.PropTimezoneID}
	case ical.CompAlarm:
		return []string{ical.PropAction, ical.PropTrigger}
	}
	return nil
}

// projectComponent applies one comp selection level: properties in the listed
// order after the required set, then named subcomponents. Subcomponents not
// named are skipped.
func projectComponent(source *ical.Component, sel *compReq) *ical.Component {
	if !strings.EqualFold(source.Name, sel.Name) {
		return nil
	}
	out := ical.NewComponent(source.Name)

	if sel.Allprop != nil {
		out.Props = source.Props
	} else {
		required := requiredProps(source.Name)
		for _, name := range required {
			if p := source.Props.Get(name); p != nil {
				out.Props.Add(p)
			}
		}
		for _, sp := range sel.Props {
			name := strings.ToUpper(sp.Name)
			if containsFold(required, name) {
				continue
			}
			for _, p := range source.Props.Values(name) {
				prop := p
				if sp.NoValue == "yes" {
					prop = ical.Prop{Name: p.Name, Params: p.Params}
				}
				out.Props.Add(&prop)
			}
		}
	}

	if sel.Allcomp != nil {
		out.Children = source.Children
		return out
	}
	for i := range sel.Comps {
		for _, child := range source.Children {
			if projected := projectComponent(child, &sel.Comps[i]); projected != nil {
				out.Children = append(out.Children, projected)
			}
		}
	}
	return out
}

func containsFold(list []string, name string) bool {
	for _, s := range list {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

const reportTimeFormat = "20060102T150405Z"

// parseTimeRangeAttr reads a start/end attribute pair. Modifier elements
// require both bounds; filter time-ranges may leave one open.
func parseTimeRangeAttr(el *timeRangeAttr, openEnded bool) (backend.TimeRange, error) {
	var rng backend.TimeRange
	if el.Start != "" {
		t, err := time.Parse(reportTimeFormat, el.Start)
		if err != nil {
			return rng, badRequest("valid-calendar-data")
		}
		rng.Start = t
	}
	if el.End != "" {
		t, err := time.Parse(reportTimeFormat, el.End)
		if err != nil {
			return rng, badRequest("valid-calendar-data")
		}
		rng.End = t
	}
	if !openEnded && (rng.Start.IsZero() || rng.End.IsZero() || !rng.End.After(rng.Start)) {
		return rng, badRequest("valid-calendar-data")
	}
	if openEnded && !rng.Valid() {
		return rng, badRequest("valid-filter")
	}
	return rng, nil
}
