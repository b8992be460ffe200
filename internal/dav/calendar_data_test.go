package dav

import (
	"net/http"
	"strings"
	"testing"

	"github.com/emersion/go-ical"

	"gitea.jw6.us/james/calserve/internal/backend"
)

func alarmEventCalendar(t *testing.T) *ical.Calendar {
	t.Helper()
	raw := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//calserve//test//EN",
		"BEGIN:VEVENT",
		"UID:proj-1",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240301T090000Z",
		"DTEND:20240301T100000Z",
		"SUMMARY:Projection fixture",
		"LOCATION:Room 4",
		"BEGIN:VALARM",
		"ACTION:DISPLAY",
		"TRIGGER:-PT15M",
		"DESCRIPTION:ping",
		"END:VALARM",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")
	cal, err := backend.ParseCalendar([]byte(raw))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return cal
}

func TestProjectNamedPropsInOrder(t *testing.T) {
	req := &calendarDataReq{Comp: &compReq{
		Name: "VCALENDAR",
		Comps: []compReq{{
			Name:  "VEVENT",
			Props: []propReq{{Name: "SUMMARY"}},
		}},
	}}
	p, err := newProjector(req)
	if err != nil {
		t.Fatalf("newProjector: %v", err)
	}
	out, err := p.project(alarmEventCalendar(t))
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if !strings.Contains(out, "SUMMARY:Projection fixture") {
		t.Fatalf("named property missing:\n%s", out)
	}
	// mandatory properties survive even when unnamed
	for _, want := range []string{"UID:proj-1", "DTSTAMP:", "DTSTART:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("required property %s missing:\n%s", want, out)
		}
	}
	if strings.Contains(out, "LOCATION:") {
		t.Fatalf("unnamed property leaked:\n%s", out)
	}
	if strings.Contains(out, "BEGIN:VALARM") {
		t.Fatalf("unnamed subcomponent leaked:\n%s", out)
	}
}

func TestProjectSkipsUnmatchedComponents(t *testing.T) {
	req := &calendarDataReq{Comp: &compReq{
		Name: "VCALENDAR",
		Comps: []compReq{
			{Name: "VTODO", Props: []propReq{{Name: "SUMMARY"}}},
			{Name: "VEVENT", Allprop: present},
		},
	}}
	p, err := newProjector(req)
	if err != nil {
		t.Fatalf("newProjector: %v", err)
	}
	out, err := p.project(alarmEventCalendar(t))
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if strings.Contains(out, "BEGIN:VTODO") {
		t.Fatalf("unmatched selection produced a component:\n%s", out)
	}
	if strings.Count(out, "BEGIN:VEVENT") != 1 {
		t.Fatalf("expected exactly one projected VEVENT:\n%s", out)
	}
	if !strings.Contains(out, "LOCATION:Room 4") {
		t.Fatalf("allprop selection dropped a property:\n%s", out)
	}
}

func TestProjectAllpropWithoutCompsIsUnrestricted(t *testing.T) {
	req := &calendarDataReq{Comp: &compReq{Name: "VCALENDAR", Allprop: present}}
	p, err := newProjector(req)
	if err != nil {
		t.Fatalf("newProjector: %v", err)
	}
	out, err := p.project(alarmEventCalendar(t))
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	for _, want := range []string{"BEGIN:VEVENT", "SUMMARY:Projection fixture", "LOCATION:Room 4", "BEGIN:VALARM"} {
		if !strings.Contains(out, want) {
			t.Fatalf("unrestricted projection lost %s:\n%s", want, out)
		}
	}
}

func TestProjectorRejectsConflictingModifiers(t *testing.T) {
	req := &calendarDataReq{
		Expand:             &timeRangeAttr{Start: "20240301T000000Z", End: "20240302T000000Z"},
		LimitRecurrenceSet: &timeRangeAttr{Start: "20240301T000000Z", End: "20240302T000000Z"},
	}
	_, err := newProjector(req)
	if err == nil {
		t.Fatal("expected an error for two recurrence modifiers")
	}
	if de := asDAVError(err); de.Status != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", de.Status)
	}
}

func TestProjectorRejectsForeignContentType(t *testing.T) {
	req := &calendarDataReq{ContentType: "application/calendar+json"}
	_, err := newProjector(req)
	if err == nil {
		t.Fatal("expected an error for a non-iCalendar content type")
	}
	if de := asDAVError(err); de.Status != http.StatusForbidden || de.Condition != "supported-calendar-data" {
		t.Fatalf("got %+v", de)
	}
}
