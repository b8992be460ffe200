package dav

import (
	"encoding/xml"
	"fmt"
	"net/http"

	"gitea.jw6.us/james/calserve/internal/backend"
)

// Shared helpers for building DAV responses.

func httpStatusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}

const (
	httpStatusOK       = "HTTP/1.1 200 OK"
	httpStatusNotFound = "HTTP/1.1 404 Not Found"
)

func quoteETag(etag string) string {
	if etag == "" {
		return ""
	}
	return `"` + etag + `"`
}

func resourceTypeFor(kind backend.CollectionKind) *resourceType {
	rt := &resourceType{Collection: &struct{}{}}
	switch kind {
	case backend.KindCalendar:
		rt.Calendar = &struct{}{}
	case backend.KindScheduleInbox:
		rt.ScheduleInbox = &struct{}{}
	case backend.KindScheduleOutbox:
		rt.ScheduleOutbox = &struct{}{}
	}
	return rt
}

func collectionSupportedReports() *supportedReportSet {
	return &supportedReportSet{
		Reports: []supportedReport{
			{Report: reportType{CalendarQuery: &struct{}{}}},
			{Report: reportType{CalendarMultiGet: &struct{}{}}},
			{Report: reportType{FreeBusyQuery: &struct{}{}}},
			{Report: reportType{SyncCollection: &struct{}{}}},
			{Report: reportType{ExpandProperty: &struct{}{}}},
		},
	}
}

func supportedCalendarComponents() *supportedCalendarComponentSet {
	return &supportedCalendarComponentSet{
		Comps: []comp{
			{Name: "VEVENT"},
			{Name: "VTODO"},
			{Name: "VJOURNAL"},
			{Name: "VFREEBUSY"},
		},
	}
}

func supportedCalendarDataProp() *supportedCalendarData {
	return &supportedCalendarData{
		CalendarData: []calendarDataType{
			{ContentType: "text/calendar", Version: "2.0"},
		},
	}
}

func privilegeSetFor(writable bool) *currentUserPrivilegeSet {
	set := &currentUserPrivilegeSet{
		Privileges: []privilegeEl{
			{Read: &struct{}{}},
			{ReadFreeBusy: &struct{}{}},
		},
	}
	if writable {
		set.Privileges = append(set.Privileges,
			privilegeEl{Write: &struct{}{}},
			privilegeEl{Bind: &struct{}{}},
			privilegeEl{Unbind: &struct{}{}},
		)
	}
	return set
}

func notFoundResponse(href string) response {
	return response{Href: href, Status: httpStatusNotFound}
}

func errStatusResponse(href string, code int) response {
	return response{Href: href, Status: httpStatusLine(code)}
}

func writeMultistatus(w http.ResponseWriter, ms *multistatus) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(ms)
}
