package dav

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gitea.jw6.us/james/calserve/internal/auth"
	"gitea.jw6.us/james/calserve/internal/backend"
	"gitea.jw6.us/james/calserve/internal/backend/memory"
)

const alicePrincipal = "/principals/alice"

func newTestHandler(t *testing.T) (*Handler, *memory.Backend) {
	t.Helper()
	b := memory.New("/principals/")
	b.SeedCollection(backend.Collection{Path: "/", Kind: backend.KindCollection, DisplayName: "root"})
	if _, err := b.ProvisionUser("alice", "alice@example.com", "s3cret"); err != nil {
		t.Fatalf("provision alice: %v", err)
	}
	return NewHandler(b, nil), b
}

func doDAV(t *testing.T, fn http.HandlerFunc, method, path, principal, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if principal != "" {
		req = req.WithContext(auth.WithPrincipal(req.Context(), principal))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	fn(w, req)
	return w
}

func eventICS(uid, dtstart, dtend string) string {
	return strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//calserve//test//EN",
		"BEGIN:VEVENT",
		"UID:" + uid,
		"DTSTAMP:20240101T000000Z",
		"DTSTART:" + dtstart,
		"DTEND:" + dtend,
		"SUMMARY:Fixture event",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")
}

func putFixtureEvent(t *testing.T, h *Handler, path, uid, dtstart, dtend string) {
	t.Helper()
	w := doDAV(t, h.Put, "PUT", path, alicePrincipal,
		eventICS(uid, dtstart, dtend), map[string]string{"Content-Type": "text/calendar"})
	if w.Code != http.StatusCreated && w.Code != http.StatusNoContent {
		t.Fatalf("PUT %s: status %d: %s", path, w.Code, w.Body.String())
	}
}

func TestOptionsAdvertisesCalDAV(t *testing.T) {
	h, _ := newTestHandler(t)
	w := doDAV(t, h.Options, "OPTIONS", "/", "", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if dav := w.Header().Get("DAV"); !strings.Contains(dav, "calendar-access") {
		t.Fatalf("DAV header %q", dav)
	}
}

func TestPutThenGetCalendarObject(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doDAV(t, h.Put, "PUT", "/alice/calendar/one.ics", alicePrincipal,
		eventICS("uid-one", "20240301T090000Z", "20240301T100000Z"),
		map[string]string{"Content-Type": "text/calendar"})
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT status %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("ETag") == "" {
		t.Fatal("PUT response missing ETag")
	}

	g := doDAV(t, h.Get, "GET", "/alice/calendar/one.ics", alicePrincipal, "", nil)
	if g.Code != http.StatusOK {
		t.Fatalf("GET status %d", g.Code)
	}
	if ct := g.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Fatalf("content type %q", ct)
	}
	if !strings.Contains(g.Body.String(), "UID:uid-one") {
		t.Fatalf("GET body missing event: %s", g.Body.String())
	}

	// overwrite answers 204
	w2 := doDAV(t, h.Put, "PUT", "/alice/calendar/one.ics", alicePrincipal,
		eventICS("uid-one", "20240301T090000Z", "20240301T110000Z"),
		map[string]string{"Content-Type": "text/calendar"})
	if w2.Code != http.StatusNoContent {
		t.Fatalf("overwrite status %d", w2.Code)
	}
}

func TestPutRejectsInvalidCalendarData(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doDAV(t, h.Put, "PUT", "/alice/calendar/bad.ics", alicePrincipal,
		"this is not icalendar", map[string]string{"Content-Type": "text/calendar"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "valid-calendar-data") {
		t.Fatalf("missing precondition element: %s", w.Body.String())
	}

	w2 := doDAV(t, h.Put, "PUT", "/alice/calendar/bad.ics", alicePrincipal,
		eventICS("x", "20240301T090000Z", "20240301T100000Z"),
		map[string]string{"Content-Type": "application/json"})
	if w2.Code != http.StatusForbidden || !strings.Contains(w2.Body.String(), "supported-calendar-data") {
		t.Fatalf("wrong content type: status %d body %s", w2.Code, w2.Body.String())
	}

	// parses, but cannot be served back: the encoder demands one DTSTAMP
	noStamp := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//calserve//test//EN",
		"BEGIN:VEVENT",
		"UID:no-stamp",
		"DTSTART:20240301T090000Z",
		"DTEND:20240301T100000Z",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")
	w3 := doDAV(t, h.Put, "PUT", "/alice/calendar/bad.ics", alicePrincipal,
		noStamp, map[string]string{"Content-Type": "text/calendar"})
	if w3.Code != http.StatusForbidden || !strings.Contains(w3.Body.String(), "valid-calendar-data") {
		t.Fatalf("unservable body: status %d body %s", w3.Code, w3.Body.String())
	}
}

func TestPutUIDConflict(t *testing.T) {
	h, _ := newTestHandler(t)
	putFixtureEvent(t, h, "/alice/calendar/one.ics", "dup-uid", "20240301T090000Z", "20240301T100000Z")

	w := doDAV(t, h.Put, "PUT", "/alice/calendar/two.ics", alicePrincipal,
		eventICS("dup-uid", "20240302T090000Z", "20240302T100000Z"),
		map[string]string{"Content-Type": "text/calendar"})
	if w.Code != http.StatusForbidden || !strings.Contains(w.Body.String(), "no-uid-conflict") {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
}

func TestPutPreconditions(t *testing.T) {
	h, _ := newTestHandler(t)
	body := eventICS("pre-1", "20240301T090000Z", "20240301T100000Z")

	w := doDAV(t, h.Put, "PUT", "/alice/calendar/pre.ics", alicePrincipal, body,
		map[string]string{"Content-Type": "text/calendar", "If-Match": `"anything"`})
	if w.Code != http.StatusPreconditionFailed {
		t.Fatalf("If-Match on missing target: status %d", w.Code)
	}

	putFixtureEvent(t, h, "/alice/calendar/pre.ics", "pre-1", "20240301T090000Z", "20240301T100000Z")
	w2 := doDAV(t, h.Put, "PUT", "/alice/calendar/pre.ics", alicePrincipal, body,
		map[string]string{"Content-Type": "text/calendar", "If-None-Match": "*"})
	if w2.Code != http.StatusPreconditionFailed {
		t.Fatalf("If-None-Match * on existing target: status %d", w2.Code)
	}
}

func TestPutMissingParentConflict(t *testing.T) {
	h, _ := newTestHandler(t)
	w := doDAV(t, h.Put, "PUT", "/alice/nope/one.ics", alicePrincipal,
		eventICS("a", "20240301T090000Z", "20240301T100000Z"),
		map[string]string{"Content-Type": "text/calendar"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status %d", w.Code)
	}
}

func TestStrangerCannotWrite(t *testing.T) {
	h, b := newTestHandler(t)
	if _, err := b.ProvisionUser("bob", "bob@example.com", "pw"); err != nil {
		t.Fatal(err)
	}
	w := doDAV(t, h.Put, "PUT", "/alice/calendar/evil.ics", "/principals/bob",
		eventICS("e", "20240301T090000Z", "20240301T100000Z"),
		map[string]string{"Content-Type": "text/calendar"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status %d", w.Code)
	}
}

func TestDeleteCalendarObject(t *testing.T) {
	h, _ := newTestHandler(t)
	putFixtureEvent(t, h, "/alice/calendar/gone.ics", "gone-1", "20240301T090000Z", "20240301T100000Z")

	w := doDAV(t, h.Delete, "DELETE", "/alice/calendar/gone.ics", alicePrincipal, "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("DELETE status %d", w.Code)
	}
	g := doDAV(t, h.Get, "GET", "/alice/calendar/gone.ics", alicePrincipal, "", nil)
	if g.Code != http.StatusNotFound {
		t.Fatalf("GET after DELETE status %d", g.Code)
	}
}

func TestMkcalendar(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doDAV(t, h.Mkcalendar, "MKCALENDAR", "/alice/work", alicePrincipal, "", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("MKCALENDAR status %d: %s", w.Code, w.Body.String())
	}
	putFixtureEvent(t, h, "/alice/work/a.ics", "work-1", "20240301T090000Z", "20240301T100000Z")

	// already exists
	w2 := doDAV(t, h.Mkcalendar, "MKCALENDAR", "/alice/work", alicePrincipal, "", nil)
	if w2.Code != http.StatusMethodNotAllowed {
		t.Fatalf("existing target status %d", w2.Code)
	}

	// calendars never nest
	w3 := doDAV(t, h.Mkcalendar, "MKCALENDAR", "/alice/work/inner", alicePrincipal, "", nil)
	if w3.Code != http.StatusForbidden || !strings.Contains(w3.Body.String(), "calendar-collection-location-ok") {
		t.Fatalf("nested calendar: status %d body %s", w3.Code, w3.Body.String())
	}
}

func TestCopyThenMove(t *testing.T) {
	h, _ := newTestHandler(t)
	putFixtureEvent(t, h, "/alice/calendar/src.ics", "copy-1", "20240301T090000Z", "20240301T100000Z")
	for _, name := range []string{"/alice/work", "/alice/personal"} {
		if w := doDAV(t, h.Mkcalendar, "MKCALENDAR", name, alicePrincipal, "", nil); w.Code != http.StatusCreated {
			t.Fatalf("mkcalendar %s: %d", name, w.Code)
		}
	}

	w := doDAV(t, h.Copy, "COPY", "/alice/calendar/src.ics", alicePrincipal, "",
		map[string]string{"Destination": "/alice/work/dst.ics"})
	if w.Code != http.StatusCreated {
		t.Fatalf("COPY status %d: %s", w.Code, w.Body.String())
	}
	if g := doDAV(t, h.Get, "GET", "/alice/calendar/src.ics", alicePrincipal, "", nil); g.Code != http.StatusOK {
		t.Fatalf("COPY removed the source: %d", g.Code)
	}

	m := doDAV(t, h.Move, "MOVE", "/alice/work/dst.ics", alicePrincipal, "",
		map[string]string{"Destination": "/alice/personal/moved.ics"})
	if m.Code != http.StatusCreated {
		t.Fatalf("MOVE status %d: %s", m.Code, m.Body.String())
	}
	if g := doDAV(t, h.Get, "GET", "/alice/work/dst.ics", alicePrincipal, "", nil); g.Code != http.StatusNotFound {
		t.Fatalf("MOVE left the source: %d", g.Code)
	}
	if g := doDAV(t, h.Get, "GET", "/alice/personal/moved.ics", alicePrincipal, "", nil); g.Code != http.StatusOK {
		t.Fatalf("MOVE target missing: %d", g.Code)
	}
}

func TestPropfindCalendarCollection(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doDAV(t, h.Propfind, "PROPFIND", "/alice/calendar", alicePrincipal, "",
		map[string]string{"Depth": "0"})
	if w.Code != http.StatusMultiStatus {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	for _, want := range []string{"<cal:calendar", "<cs:getctag>", "<d:sync-token>", "supported-report-set"} {
		if !strings.Contains(body, want) {
			t.Fatalf("PROPFIND body missing %q:\n%s", want, body)
		}
	}
}

func TestPropfindDepthOneListsMembers(t *testing.T) {
	h, _ := newTestHandler(t)
	putFixtureEvent(t, h, "/alice/calendar/listed.ics", "list-1", "20240301T090000Z", "20240301T100000Z")

	w := doDAV(t, h.Propfind, "PROPFIND", "/alice/calendar", alicePrincipal, "",
		map[string]string{"Depth": "1"})
	if w.Code != http.StatusMultiStatus {
		t.Fatalf("status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/alice/calendar/listed.ics") {
		t.Fatalf("member missing from depth-1 listing:\n%s", w.Body.String())
	}
}

func TestPropfindInfiniteDepthRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	w := doDAV(t, h.Propfind, "PROPFIND", "/alice/calendar", alicePrincipal, "",
		map[string]string{"Depth": "infinity"})
	if w.Code != http.StatusForbidden || !strings.Contains(w.Body.String(), "propfind-finite-depth") {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
}

func TestPropfindPrincipal(t *testing.T) {
	h, _ := newTestHandler(t)
	w := doDAV(t, h.Propfind, "PROPFIND", "/principals/alice", alicePrincipal, "",
		map[string]string{"Depth": "0"})
	if w.Code != http.StatusMultiStatus {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "calendar-home-set") || !strings.Contains(body, "<d:href>/alice/</d:href>") {
		t.Fatalf("principal PROPFIND missing home set:\n%s", body)
	}
	if !strings.Contains(body, "mailto:alice@example.com") {
		t.Fatalf("principal PROPFIND missing calendar address:\n%s", body)
	}
}

func TestPropfindUnknownPropIs404Propstat(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `<?xml version="1.0" encoding="utf-8"?>
<D:propfind xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop><D:displayname/><C:calendar-timezone/></D:prop>
</D:propfind>`
	w := doDAV(t, h.Propfind, "PROPFIND", "/alice/calendar", alicePrincipal, body,
		map[string]string{"Depth": "0"})
	if w.Code != http.StatusMultiStatus {
		t.Fatalf("status %d", w.Code)
	}
	// no timezone is set on the default calendar, so it lands in a 404 propstat
	if !strings.Contains(w.Body.String(), "404") {
		t.Fatalf("expected a 404 propstat:\n%s", w.Body.String())
	}
}

func TestReportCalendarQueryTimeRange(t *testing.T) {
	h, _ := newTestHandler(t)
	putFixtureEvent(t, h, "/alice/calendar/one.ics", "uid-one", "20240301T090000Z", "20240301T100000Z")
	putFixtureEvent(t, h, "/alice/calendar/two.ics", "uid-two", "20240501T090000Z", "20240501T100000Z")

	body := `<?xml version="1.0" encoding="utf-8"?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop><D:getetag/><C:calendar-data/></D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:time-range start="20240301T000000Z" end="20240302T000000Z"/>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`
	w := doDAV(t, h.Report, "REPORT", "/alice/calendar", alicePrincipal, body,
		map[string]string{"Depth": "1", "Content-Type": "application/xml"})
	if w.Code != http.StatusMultiStatus {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	got := w.Body.String()
	if !strings.Contains(got, "/alice/calendar/one.ics") {
		t.Fatalf("matching event missing:\n%s", got)
	}
	if strings.Contains(got, "/alice/calendar/two.ics") {
		t.Fatalf("out-of-range event leaked:\n%s", got)
	}
	if !strings.Contains(got, "UID:uid-one") {
		t.Fatalf("calendar-data missing:\n%s", got)
	}
}

func TestReportCalendarQueryBadFilter(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `<?xml version="1.0" encoding="utf-8"?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop><D:getetag/></D:prop>
</C:calendar-query>`
	w := doDAV(t, h.Report, "REPORT", "/alice/calendar", alicePrincipal, body, nil)
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "valid-filter") {
		t.Fatalf("missing filter: status %d body %s", w.Code, w.Body.String())
	}
}

func TestReportMultiget(t *testing.T) {
	h, _ := newTestHandler(t)
	putFixtureEvent(t, h, "/alice/calendar/here.ics", "mg-1", "20240301T090000Z", "20240301T100000Z")

	body := `<?xml version="1.0" encoding="utf-8"?>
<C:calendar-multiget xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop><D:getetag/><C:calendar-data/></D:prop>
  <D:href>/alice/calendar/here.ics</D:href>
  <D:href>/alice/calendar/missing.ics</D:href>
</C:calendar-multiget>`
	w := doDAV(t, h.Report, "REPORT", "/alice/calendar", alicePrincipal, body, nil)
	if w.Code != http.StatusMultiStatus {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	got := w.Body.String()
	if !strings.Contains(got, "UID:mg-1") {
		t.Fatalf("existing member missing:\n%s", got)
	}
	if !strings.Contains(got, "404") {
		t.Fatalf("missing member must get a 404 row:\n%s", got)
	}
}

func TestReportFreeBusy(t *testing.T) {
	h, _ := newTestHandler(t)
	putFixtureEvent(t, h, "/alice/calendar/busy.ics", "fb-1", "20240301T090000Z", "20240301T100000Z")

	body := `<?xml version="1.0" encoding="utf-8"?>
<C:free-busy-query xmlns:C="urn:ietf:params:xml:ns:caldav">
  <C:time-range start="20240301T000000Z" end="20240302T000000Z"/>
</C:free-busy-query>`
	w := doDAV(t, h.Report, "REPORT", "/alice/calendar", alicePrincipal, body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Fatalf("content type %q", ct)
	}
	got := w.Body.String()
	if !strings.Contains(got, "BEGIN:VFREEBUSY") {
		t.Fatalf("no VFREEBUSY in reply:\n%s", got)
	}
	if !strings.Contains(got, "20240301T090000Z/20240301T100000Z") {
		t.Fatalf("busy period missing:\n%s", got)
	}
}

func TestReportFreeBusyComplementsFreeTimeSource(t *testing.T) {
	h, _ := newTestHandler(t)
	h.FreeTime = ComplementFreePeriods

	// a stored availability window: free 13-16 and 17-21
	freeICS := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//calserve//test//EN",
		"BEGIN:VFREEBUSY",
		"UID:free-window-1",
		"DTSTAMP:20240228T000000Z",
		"DTSTART:20240301T090000Z",
		"DTEND:20240301T210000Z",
		"FREEBUSY;FBTYPE=FREE:20240301T130000Z/20240301T160000Z,20240301T170000Z/20240301T210000Z",
		"END:VFREEBUSY",
		"END:VCALENDAR",
		"",
	}, "\r\n")
	w := doDAV(t, h.Put, "PUT", "/alice/calendar/avail.ics", alicePrincipal, freeICS,
		map[string]string{"Content-Type": "text/calendar"})
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT availability: status %d: %s", w.Code, w.Body.String())
	}

	body := `<?xml version="1.0" encoding="utf-8"?>
<C:free-busy-query xmlns:C="urn:ietf:params:xml:ns:caldav">
  <C:time-range start="20240301T090000Z" end="20240301T210000Z"/>
</C:free-busy-query>`
	r := doDAV(t, h.Report, "REPORT", "/alice/calendar", alicePrincipal, body, nil)
	if r.Code != http.StatusOK {
		t.Fatalf("status %d: %s", r.Code, r.Body.String())
	}
	got := strings.ReplaceAll(r.Body.String(), "\r\n ", "") // unfold
	if strings.Contains(got, "FBTYPE=FREE") {
		t.Fatalf("free-time source must not surface FREE periods:\n%s", got)
	}
	for _, want := range []string{"20240301T090000Z/20240301T130000Z", "20240301T160000Z/20240301T170000Z"} {
		if !strings.Contains(got, want) {
			t.Fatalf("busy complement missing %s:\n%s", want, got)
		}
	}
	if strings.Contains(got, "20240301T130000Z/20240301T160000Z") {
		t.Fatalf("declared free window reported busy:\n%s", got)
	}
}

func TestReportFreeBusyTraversesChildCollections(t *testing.T) {
	h, _ := newTestHandler(t)
	putFixtureEvent(t, h, "/alice/calendar/busy.ics", "fb-depth", "20240301T090000Z", "20240301T100000Z")

	body := `<?xml version="1.0" encoding="utf-8"?>
<C:free-busy-query xmlns:C="urn:ietf:params:xml:ns:caldav">
  <C:time-range start="20240301T000000Z" end="20240302T000000Z"/>
</C:free-busy-query>`

	// the home itself carries no periods
	w0 := doDAV(t, h.Report, "REPORT", "/alice", alicePrincipal, body, nil)
	if w0.Code != http.StatusOK {
		t.Fatalf("depth 0 status %d: %s", w0.Code, w0.Body.String())
	}
	if strings.Contains(w0.Body.String(), "20240301T090000Z/20240301T100000Z") {
		t.Fatalf("depth 0 must not descend into member calendars:\n%s", w0.Body.String())
	}

	w1 := doDAV(t, h.Report, "REPORT", "/alice", alicePrincipal, body,
		map[string]string{"Depth": "1"})
	if w1.Code != http.StatusOK {
		t.Fatalf("depth 1 status %d: %s", w1.Code, w1.Body.String())
	}
	if !strings.Contains(w1.Body.String(), "20240301T090000Z/20240301T100000Z") {
		t.Fatalf("depth 1 missing member calendar's busy period:\n%s", w1.Body.String())
	}
}

func TestFreeBusyGrantDoesNotLeakReads(t *testing.T) {
	h, b := newTestHandler(t)
	if _, err := b.ProvisionUser("bob", "bob@example.com", "pw"); err != nil {
		t.Fatal(err)
	}
	putFixtureEvent(t, h, "/alice/calendar/busy.ics", "fb-grant", "20240301T090000Z", "20240301T100000Z")
	b.Grant("/principals/bob", "/alice/calendar", backend.PrivReadFreeBusy)

	fbBody := `<?xml version="1.0" encoding="utf-8"?>
<C:free-busy-query xmlns:C="urn:ietf:params:xml:ns:caldav">
  <C:time-range start="20240301T000000Z" end="20240302T000000Z"/>
</C:free-busy-query>`
	w := doDAV(t, h.Report, "REPORT", "/alice/calendar", "/principals/bob", fbBody, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("free-busy with grant: status %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "20240301T090000Z/20240301T100000Z") {
		t.Fatalf("granted free-busy missing period:\n%s", w.Body.String())
	}

	queryBody := `<?xml version="1.0" encoding="utf-8"?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop><D:getetag/></D:prop>
  <C:filter><C:comp-filter name="VCALENDAR"><C:comp-filter name="VEVENT"/></C:comp-filter></C:filter>
</C:calendar-query>`
	w2 := doDAV(t, h.Report, "REPORT", "/alice/calendar", "/principals/bob", queryBody,
		map[string]string{"Depth": "1"})
	if w2.Code != http.StatusForbidden {
		t.Fatalf("free-busy grant must not allow calendar-query: status %d", w2.Code)
	}
}

func TestReportFreeBusyRequiresRange(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `<?xml version="1.0" encoding="utf-8"?>
<C:free-busy-query xmlns:C="urn:ietf:params:xml:ns:caldav"/>`
	w := doDAV(t, h.Report, "REPORT", "/alice/calendar", alicePrincipal, body, nil)
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "valid-filter") {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
}

func TestReportSyncCollectionRoundTrip(t *testing.T) {
	h, _ := newTestHandler(t)

	initial := `<?xml version="1.0" encoding="utf-8"?>
<D:sync-collection xmlns:D="DAV:">
  <D:sync-token/>
  <D:sync-level>1</D:sync-level>
  <D:prop><D:getetag/></D:prop>
</D:sync-collection>`
	w := doDAV(t, h.Report, "REPORT", "/alice/calendar", alicePrincipal, initial, nil)
	if w.Code != http.StatusMultiStatus {
		t.Fatalf("initial sync status %d: %s", w.Code, w.Body.String())
	}
	token := extractSyncToken(t, w.Body.String())

	putFixtureEvent(t, h, "/alice/calendar/new.ics", "sync-1", "20240301T090000Z", "20240301T100000Z")

	followUp := `<?xml version="1.0" encoding="utf-8"?>
<D:sync-collection xmlns:D="DAV:">
  <D:sync-token>` + token + `</D:sync-token>
  <D:sync-level>1</D:sync-level>
  <D:prop><D:getetag/></D:prop>
</D:sync-collection>`
	w2 := doDAV(t, h.Report, "REPORT", "/alice/calendar", alicePrincipal, followUp, nil)
	if w2.Code != http.StatusMultiStatus {
		t.Fatalf("follow-up sync status %d: %s", w2.Code, w2.Body.String())
	}
	if !strings.Contains(w2.Body.String(), "/alice/calendar/new.ics") {
		t.Fatalf("change missing from delta:\n%s", w2.Body.String())
	}
}

func extractSyncToken(t *testing.T, body string) string {
	t.Helper()
	const openTag, closeTag = "<d:sync-token>", "</d:sync-token>"
	i := strings.LastIndex(body, openTag)
	if i < 0 {
		t.Fatalf("no sync token in body:\n%s", body)
	}
	rest := body[i+len(openTag):]
	j := strings.Index(rest, closeTag)
	if j < 0 {
		t.Fatalf("unterminated sync token:\n%s", body)
	}
	return rest[:j]
}

func TestReportSyncCollectionInvalidToken(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `<?xml version="1.0" encoding="utf-8"?>
<D:sync-collection xmlns:D="DAV:">
  <D:sync-token>urn:calserve-sync:not-this-log:3</D:sync-token>
  <D:sync-level>1</D:sync-level>
  <D:prop><D:getetag/></D:prop>
</D:sync-collection>`
	w := doDAV(t, h.Report, "REPORT", "/alice/calendar", alicePrincipal, body, nil)
	if w.Code != http.StatusForbidden || !strings.Contains(w.Body.String(), "valid-sync-token") {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
}

func TestReportUnknownType(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `<?xml version="1.0" encoding="utf-8"?>
<X:made-up-report xmlns:X="urn:example:x"/>`
	w := doDAV(t, h.Report, "REPORT", "/alice/calendar", alicePrincipal, body, nil)
	if w.Code != http.StatusForbidden || !strings.Contains(w.Body.String(), "supported-report") {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
}

func TestPostRequiresOutbox(t *testing.T) {
	h, _ := newTestHandler(t)
	w := doDAV(t, h.Post, "POST", "/alice/calendar", alicePrincipal,
		"BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n",
		map[string]string{"Content-Type": "text/calendar"})
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", w.Code)
	}
}

func TestPostOutboxFreeBusyRequest(t *testing.T) {
	h, _ := newTestHandler(t)
	putFixtureEvent(t, h, "/alice/calendar/busy.ics", "ob-1", "20240301T090000Z", "20240301T100000Z")

	body := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//calserve//test//EN",
		"METHOD:REQUEST",
		"BEGIN:VFREEBUSY",
		"UID:fbreq-1",
		"DTSTAMP:20240228T000000Z",
		"DTSTART:20240301T000000Z",
		"DTEND:20240302T000000Z",
		"ORGANIZER:mailto:alice@example.com",
		"ATTENDEE:mailto:alice@example.com",
		"END:VFREEBUSY",
		"END:VCALENDAR",
		"",
	}, "\r\n")
	w := doDAV(t, h.Post, "POST", "/alice/outbox", alicePrincipal, body,
		map[string]string{"Content-Type": "text/calendar"})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	got := w.Body.String()
	if !strings.Contains(got, "schedule-response") {
		t.Fatalf("no schedule-response element:\n%s", got)
	}
	if !strings.Contains(got, "2.0;Success") {
		t.Fatalf("request-status missing:\n%s", got)
	}
	if !strings.Contains(got, "20240301T090000Z/20240301T100000Z") {
		t.Fatalf("free-busy data missing:\n%s", got)
	}
}

func TestReportCalendarQueryExpandOnObjectURL(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//calserve//test//EN",
		"BEGIN:VEVENT",
		"UID:rec-1",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240301T090000Z",
		"DTEND:20240301T100000Z",
		"RRULE:FREQ=DAILY;COUNT=5",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")
	w := doDAV(t, h.Put, "PUT", "/alice/calendar/rec.ics", alicePrincipal, rec,
		map[string]string{"Content-Type": "text/calendar"})
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT status %d: %s", w.Code, w.Body.String())
	}

	body := `<?xml version="1.0" encoding="utf-8"?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <C:calendar-data><C:expand start="20240301T000000Z" end="20240303T000000Z"/></C:calendar-data>
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:time-range start="20240301T000000Z" end="20240303T000000Z"/>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`
	r := doDAV(t, h.Report, "REPORT", "/alice/calendar/rec.ics", alicePrincipal, body, nil)
	if r.Code != http.StatusMultiStatus {
		t.Fatalf("status %d: %s", r.Code, r.Body.String())
	}
	got := r.Body.String()
	if n := strings.Count(got, "RECURRENCE-ID"); n != 2 {
		t.Fatalf("expected 2 expanded instances, found %d:\n%s", n, got)
	}
	if strings.Contains(got, "RRULE") {
		t.Fatalf("expanded data must not carry recurrence rules:\n%s", got)
	}
}

func TestReportCalendarQueryNumericDepth(t *testing.T) {
	h, _ := newTestHandler(t)
	if w := doDAV(t, h.Mkcol, "MKCOL", "/alice/projects", alicePrincipal, "", nil); w.Code != http.StatusCreated {
		t.Fatalf("mkcol: %d", w.Code)
	}
	if w := doDAV(t, h.Mkcalendar, "MKCALENDAR", "/alice/projects/cal", alicePrincipal, "", nil); w.Code != http.StatusCreated {
		t.Fatalf("mkcalendar: %d", w.Code)
	}
	putFixtureEvent(t, h, "/alice/calendar/top.ics", "depth-top", "20240301T090000Z", "20240301T100000Z")
	putFixtureEvent(t, h, "/alice/projects/cal/deep.ics", "depth-deep", "20240301T090000Z", "20240301T100000Z")

	body := `<?xml version="1.0" encoding="utf-8"?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop><D:getetag/></D:prop>
  <C:filter><C:comp-filter name="VCALENDAR"><C:comp-filter name="VEVENT"/></C:comp-filter></C:filter>
</C:calendar-query>`

	cases := []struct {
		depth    string
		wantTop  bool
		wantDeep bool
	}{
		{"0", false, false},
		{"1", true, false},
		{"2", true, true},
		{"infinity", true, true},
	}
	for _, tc := range cases {
		w := doDAV(t, h.Report, "REPORT", "/alice", alicePrincipal, body,
			map[string]string{"Depth": tc.depth})
		if w.Code != http.StatusMultiStatus {
			t.Fatalf("depth %s: status %d: %s", tc.depth, w.Code, w.Body.String())
		}
		got := w.Body.String()
		if strings.Contains(got, "/alice/calendar/top.ics") != tc.wantTop {
			t.Fatalf("depth %s: top-level match wanted=%v:\n%s", tc.depth, tc.wantTop, got)
		}
		if strings.Contains(got, "/alice/projects/cal/deep.ics") != tc.wantDeep {
			t.Fatalf("depth %s: nested match wanted=%v:\n%s", tc.depth, tc.wantDeep, got)
		}
	}
}

func TestReportSyncCollectionTruncationMarker(t *testing.T) {
	h, _ := newTestHandler(t)
	putFixtureEvent(t, h, "/alice/calendar/a.ics", "trunc-a", "20240301T090000Z", "20240301T100000Z")
	putFixtureEvent(t, h, "/alice/calendar/b.ics", "trunc-b", "20240302T090000Z", "20240302T100000Z")

	body := `<?xml version="1.0" encoding="utf-8"?>
<D:sync-collection xmlns:D="DAV:">
  <D:sync-token/>
  <D:sync-level>1</D:sync-level>
  <D:limit><D:nresults>1</D:nresults></D:limit>
  <D:prop><D:getetag/></D:prop>
</D:sync-collection>`
	w := doDAV(t, h.Report, "REPORT", "/alice/calendar", alicePrincipal, body, nil)
	if w.Code != http.StatusMultiStatus {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	got := w.Body.String()
	if !strings.Contains(got, "number-of-matches-within-limits") {
		t.Fatalf("truncated sync missing overflow marker:\n%s", got)
	}
	// the marker row must carry a full status line, numeric code included
	if !strings.Contains(got, "HTTP/1.1 507 Insufficient Storage") {
		t.Fatalf("malformed truncation status line:\n%s", got)
	}
}

func TestPropfindAliasListsMembersAtAliasPath(t *testing.T) {
	h, b := newTestHandler(t)
	putFixtureEvent(t, h, "/alice/calendar/one.ics", "alias-1", "20240301T090000Z", "20240301T100000Z")
	b.SeedCollection(backend.Collection{
		Path:        "/alice/shared",
		ParentPath:  "/alice",
		Kind:        backend.KindCalendar,
		DisplayName: "Shared view",
		Owner:       alicePrincipal,
		Alias:       true,
		AliasTarget: "/alice/calendar",
	})

	w := doDAV(t, h.Propfind, "PROPFIND", "/alice/shared", alicePrincipal, "",
		map[string]string{"Depth": "1"})
	if w.Code != http.StatusMultiStatus {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	got := w.Body.String()
	if !strings.Contains(got, "/alice/shared/one.ics") {
		t.Fatalf("member not listed from the alias vantage:\n%s", got)
	}
	if strings.Contains(got, "/alice/calendar/one.ics") {
		t.Fatalf("alias listing leaked the physical path:\n%s", got)
	}
}

func TestAliasCycleFailsClosed(t *testing.T) {
	h, b := newTestHandler(t)
	b.SeedCollection(backend.Collection{
		Path: "/alice/loopa", ParentPath: "/alice", Kind: backend.KindCalendar,
		Owner: alicePrincipal, Alias: true, AliasTarget: "/alice/loopb",
	})
	b.SeedCollection(backend.Collection{
		Path: "/alice/loopb", ParentPath: "/alice", Kind: backend.KindCalendar,
		Owner: alicePrincipal, Alias: true, AliasTarget: "/alice/loopa",
	})

	w := doDAV(t, h.Propfind, "PROPFIND", "/alice/loopa", alicePrincipal, "",
		map[string]string{"Depth": "0"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("cyclic alias: status %d: %s", w.Code, w.Body.String())
	}
}

func TestResolveAddressesAreStable(t *testing.T) {
	h, _ := newTestHandler(t)
	putFixtureEvent(t, h, "/alice/calendar/one.ics", "stable-1", "20240301T090000Z", "20240301T100000Z")

	ctx := context.Background()
	for _, raw := range []string{
		"/alice//calendar/",
		"/alice/calendar/one.ics",
		"/alice/calendar/absent.ics",
		"/principals/alice",
	} {
		a1, err := h.res.resolve(ctx, raw, mayExist, resolveHints{})
		if err != nil {
			t.Fatalf("resolve %q: %v", raw, err)
		}
		a2, err := h.res.resolve(ctx, a1.Path, mayExist, resolveHints{})
		if err != nil {
			t.Fatalf("re-resolve %q: %v", a1.Path, err)
		}
		if !a1.Equal(a2) || a1.Exists != a2.Exists {
			t.Fatalf("resolving %q twice diverged: %+v vs %+v", raw, a1, a2)
		}
	}
}
