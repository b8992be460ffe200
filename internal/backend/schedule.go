package backend

import (
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
)

// DeferAll marks every recipient deferred; used for scheduling methods that
// are not processed synchronously.
func DeferAll(recipients []string) []SchedulingResult {
	out := make([]SchedulingResult, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, SchedulingResult{Recipient: r, Status: SchedDeferred})
	}
	return out
}

// FindComponent returns the first top-level component with the given name.
func FindComponent(cal *ical.Calendar, name string) *ical.Component {
	for _, child := range cal.Children {
		if child.Name == name {
			return child
		}
	}
	return nil
}

// FreeBusyReply builds the iTIP REPLY body answering a free-busy request for
// one recipient.
func FreeBusyReply(recipient string, rng TimeRange, periods []Period) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calserve//EN")
	cal.Props.SetText(ical.PropMethod, "REPLY")
	fb := ical.NewComponent(ical.CompFreeBusy)
	fb.Props.SetText(ical.PropUID, uuid.NewString())
	fb.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	fb.Props.SetText(ical.PropAttendee, recipient)
	if !rng.Start.IsZero() {
		fb.Props.SetDateTime(ical.PropDateTimeStart, rng.Start.UTC())
	}
	if !rng.End.IsZero() {
		fb.Props.SetDateTime(ical.PropDateTimeEnd, rng.End.UTC())
	}
	for _, p := range periods {
		prop := ical.NewProp(ical.PropFreeBusy)
		prop.Params.Set("FBTYPE", p.Type.FBType())
		prop.Value = FormatPeriod(p)
		fb.Props.Add(prop)
	}
	cal.Children = append(cal.Children, fb)
	return cal
}
