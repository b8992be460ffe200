package dav

import (
	"encoding/xml"
	"net/http"
	"strings"

	"github.com/emersion/go-ical"

	"gitea.jw6.us/james/calserve/internal/backend"
)

// scheduleResponse is the POST reply body for outbox scheduling (RFC 6638).
type scheduleResponse struct {
	XMLName  xml.Name            `xml:"cal:schedule-response"`
	XmlnsD   string              `xml:"xmlns:d,attr"`
	XmlnsC   string              `xml:"xmlns:cal,attr"`
	Response []scheduleRecipient `xml:"cal:response"`
}

type scheduleRecipient struct {
	Recipient     hrefProp    `xml:"cal:recipient"`
	RequestStatus string      `xml:"cal:request-status"`
	CalendarData  cdataString `xml:"cal:calendar-data,omitempty"`
}

// Post handles scheduling messages dropped on an outbox collection.
func (h *Handler) Post(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	addr, err := h.res.resolve(ctx, r.URL.Path, mustExist, resolveHints{})
	if err != nil {
		h.error(w, r, err)
		return
	}
	if addr.Kind != targetCollection || addr.Collection.Kind != backend.KindScheduleOutbox {
		w.Header().Set("Allow", "OPTIONS, PROPFIND, REPORT")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := h.gate.require(ctx, addr.Path, backend.PrivWrite); err != nil {
		h.error(w, r, err)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/calendar") {
		h.error(w, r, forbidden("supported-calendar-data"))
		return
	}
	body, err := readDAVBody(r)
	if err != nil {
		h.error(w, r, badRequest(""))
		return
	}
	cal, err := backend.ParseCalendar(body)
	if err != nil {
		h.error(w, r, forbidden("valid-calendar-data"))
		return
	}
	method := cal.Props.Get(ical.PropMethod)
	if method == nil {
		h.error(w, r, forbidden("valid-calendar-data"))
		return
	}

	msg := &backend.CalendarObject{
		CollectionPath: addr.Path,
		ScheduleMethod: method.Value,
		Recipients:     attendeeAddresses(cal),
		Data:           cal,
	}
	results, err := h.backend.ScheduleDeliver(ctx, addr.Collection.Owner, msg, scheduleRange(cal))
	if err != nil {
		h.error(w, r, err)
		return
	}

	resp := &scheduleResponse{
		XmlnsD: "DAV:",
		XmlnsC: "urn:ietf:params:xml:ns:caldav",
	}
	for _, result := range results {
		row := scheduleRecipient{
			Recipient:     hrefProp{Href: result.Recipient},
			RequestStatus: result.Status.RequestStatus(),
		}
		if result.FreeBusy != nil && result.FreeBusy.Data != nil {
			data, err := backend.SerializeCalendar(result.FreeBusy.Data)
			if err != nil {
				h.error(w, r, serverError())
				return
			}
			row.CalendarData = cdataString(data)
		}
		resp.Response = append(resp.Response, row)
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(resp)
}

// attendeeAddresses collects ATTENDEE calendar addresses across components,
// first occurrence order, deduplicated.
func attendeeAddresses(cal *ical.Calendar) []string {
	seen := make(map[string]bool)
	var out []string
	for _, child := range cal.Children {
		for _, p := range child.Props.Values(ical.PropAttendee) {
			if p.Value == "" || seen[p.Value] {
				continue
			}
			seen[p.Value] = true
			out = append(out, p.Value)
		}
	}
	return out
}

// scheduleRange pulls the query window from the message's VFREEBUSY component.
func scheduleRange(cal *ical.Calendar) backend.TimeRange {
	var rng backend.TimeRange
	for _, child := range cal.Children {
		if child.Name != ical.CompFreeBusy {
			continue
		}
		if p := child.Props.Get(ical.PropDateTimeStart); p != nil {
			if t, err := p.DateTime(nil); err == nil {
				rng.Start = t.UTC()
			}
		}
		if p := child.Props.Get(ical.PropDateTimeEnd); p != nil {
			if t, err := p.DateTime(nil); err == nil {
				rng.End = t.UTC()
			}
		}
		break
	}
	return rng
}
