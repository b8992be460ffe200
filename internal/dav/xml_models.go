package dav

import (
	"encoding/xml"
	"strings"

	"gitea.jw6.us/james/calserve/internal/backend"
)

// XML request and response models for PROPFIND/REPORT/MKCALENDAR bodies.
// Responses marshal with explicit d:/cal: prefixes; requests decode against
// the DAV: and CalDAV namespaces.

type multistatus struct {
	XMLName   xml.Name   `xml:"d:multistatus"`
	XmlnsD    string     `xml:"xmlns:d,attr"`
	XmlnsC    string     `xml:"xmlns:cal,attr"`
	XmlnsCS   string     `xml:"xmlns:cs,attr,omitempty"`
	Response  []response `xml:"d:response"`
	SyncToken string     `xml:"d:sync-token,omitempty"`
}

func newMultistatus(responses ...response) *multistatus {
	return &multistatus{
		XmlnsD:   "DAV:",
		XmlnsC:   "urn:ietf:params:xml:ns:caldav",
		XmlnsCS:  "http://calendarserver.org/ns/",
		Response: responses,
	}
}

type response struct {
	Href     string     `xml:"d:href"`
	Propstat []propstat `xml:"d:propstat,omitempty"`
	Status   string     `xml:"d:status,omitempty"`
	Error    *errorEl   `xml:"d:error,omitempty"`
}

type errorEl struct {
	NumberOfMatchesWithinLimits *struct{} `xml:"d:number-of-matches-within-limits,omitempty"`
	ValidSyncToken              *struct{} `xml:"d:valid-sync-token,omitempty"`
}

// propstat carries either a prop with values (200 rows) or an absentProps
// naming properties without values (404 rows, propname replies).
type propstat struct {
	Prop   any    `xml:"d:prop"`
	Status string `xml:"d:status"`
}

type prop struct {
	DisplayName                   string                         `xml:"d:displayname,omitempty"`
	ResourceType                  *resourceType                  `xml:"d:resourcetype,omitempty"`
	GetETag                       string                         `xml:"d:getetag,omitempty"`
	GetContentType                string                         `xml:"d:getcontenttype,omitempty"`
	GetLastModified               string                         `xml:"d:getlastmodified,omitempty"`
	CalendarData                  cdataString                    `xml:"cal:calendar-data,omitempty"`
	CalendarDescription           string                         `xml:"cal:calendar-description,omitempty"`
	CalendarColor                 string                         `xml:"http://apple.com/ns/ical/ calendar-color,omitempty"`
	CalendarTimezone              *string                        `xml:"cal:calendar-timezone,omitempty"`
	ScheduleTag                   string                         `xml:"cal:schedule-tag,omitempty"`
	SyncToken                     string                         `xml:"d:sync-token,omitempty"`
	CTag                          string                         `xml:"cs:getctag,omitempty"`
	Owner                         *hrefProp                      `xml:"d:owner,omitempty"`
	CurrentUserPrincipal          *hrefProp                      `xml:"d:current-user-principal,omitempty"`
	PrincipalURL                  *hrefProp                      `xml:"d:principal-URL,omitempty"`
	CalendarHomeSet               *hrefListProp                  `xml:"cal:calendar-home-set,omitempty"`
	CalendarUserAddressSet        *hrefListProp                  `xml:"cal:calendar-user-address-set,omitempty"`
	GroupMemberSet                *hrefListProp                  `xml:"d:group-member-set,omitempty"`
	SupportedReportSet            *supportedReportSet            `xml:"d:supported-report-set,omitempty"`
	SupportedCalendarComponentSet *supportedCalendarComponentSet `xml:"cal:supported-calendar-component-set,omitempty"`
	SupportedCalendarData         *supportedCalendarData         `xml:"cal:supported-calendar-data,omitempty"`
	ScheduleCalendarTransp        *scheduleCalendarTransp        `xml:"cal:schedule-calendar-transp,omitempty"`
	CurrentUserPrivilegeSet       *currentUserPrivilegeSet       `xml:"d:current-user-privilege-set,omitempty"`
}

// cdataString wraps string content in CDATA for raw iCalendar output.
type cdataString string

func (c cdataString) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if c == "" {
		return nil
	}
	return e.EncodeElement(struct {
		S string `xml:",cdata"`
	}{S: string(c)}, start)
}

type resourceType struct {
	Collection     *struct{} `xml:"d:collection,omitempty"`
	Calendar       *struct{} `xml:"cal:calendar,omitempty"`
	ScheduleInbox  *struct{} `xml:"cal:schedule-inbox,omitempty"`
	ScheduleOutbox *struct{} `xml:"cal:schedule-outbox,omitempty"`
	Principal      *struct{} `xml:"d:principal,omitempty"`
}

type hrefProp struct {
	Href string `xml:"d:href"`
}

type hrefListProp struct {
	Href []string `xml:"d:href"`
}

type supportedReportSet struct {
	Reports []supportedReport `xml:"d:supported-report"`
}

type supportedReport struct {
	Report reportType `xml:"d:report"`
}

type reportType struct {
	CalendarQuery    *struct{} `xml:"cal:calendar-query,omitempty"`
	CalendarMultiGet *struct{} `xml:"cal:calendar-multiget,omitempty"`
	FreeBusyQuery    *struct{} `xml:"cal:free-busy-query,omitempty"`
	SyncCollection   *struct{} `xml:"d:sync-collection,omitempty"`
	ExpandProperty   *struct{} `xml:"d:expand-property,omitempty"`
}

type supportedCalendarComponentSet struct {
	Comps []comp `xml:"cal:comp"`
}

type comp struct {
	Name string `xml:"name,attr"`
}

type supportedCalendarData struct {
	CalendarData []calendarDataType `xml:"cal:calendar-data"`
}

type calendarDataType struct {
	ContentType string `xml:"content-type,attr"`
	Version     string `xml:"version,attr,omitempty"`
}

type scheduleCalendarTransp struct {
	Opaque      *struct{} `xml:"cal:opaque,omitempty"`
	Transparent *struct{} `xml:"cal:transparent,omitempty"`
}

type currentUserPrivilegeSet struct {
	Privileges []privilegeEl `xml:"d:privilege"`
}

type privilegeEl struct {
	Read         *struct{} `xml:"d:read,omitempty"`
	Write        *struct{} `xml:"d:write,omitempty"`
	Bind         *struct{} `xml:"d:bind,omitempty"`
	Unbind       *struct{} `xml:"d:unbind,omitempty"`
	ReadFreeBusy *struct{} `xml:"cal:read-free-busy,omitempty"`
}

// --- request bodies ---

type propfindRequest struct {
	XMLName  xml.Name
	AllProp  *struct{}          `xml:"DAV: allprop"`
	PropName *struct{}          `xml:"DAV: propname"`
	Prop     *propfindPropQuery `xml:"DAV: prop"`
}

type propfindPropQuery struct {
	DisplayName                   *struct{} `xml:"DAV: displayname"`
	ResourceType                  *struct{} `xml:"DAV: resourcetype"`
	GetETag                       *struct{} `xml:"DAV: getetag"`
	GetContentType                *struct{} `xml:"DAV: getcontenttype"`
	GetLastModified               *struct{} `xml:"DAV: getlastmodified"`
	Owner                         *struct{} `xml:"DAV: owner"`
	CalendarDescription           *struct{} `xml:"urn:ietf:params:xml:ns:caldav calendar-description"`
	CalendarColor                 *struct{} `xml:"http://apple.com/ns/ical/ calendar-color"`
	CalendarTimezone              *struct{} `xml:"urn:ietf:params:xml:ns:caldav calendar-timezone"`
	ScheduleTag                   *struct{} `xml:"urn:ietf:params:xml:ns:caldav schedule-tag"`
	SyncToken                     *struct{} `xml:"DAV: sync-token"`
	CTag                          *struct{} `xml:"http://calendarserver.org/ns/ getctag"`
	CurrentUserPrincipal          *struct{} `xml:"DAV: current-user-principal"`
	PrincipalURL                  *struct{} `xml:"DAV: principal-URL"`
	CalendarHomeSet               *struct{} `xml:"urn:ietf:params:xml:ns:caldav calendar-home-set"`
	CalendarUserAddressSet        *struct{} `xml:"urn:ietf:params:xml:ns:caldav calendar-user-address-set"`
	GroupMemberSet                *struct{} `xml:"DAV: group-member-set"`
	SupportedReportSet            *struct{} `xml:"DAV: supported-report-set"`
	SupportedCalendarComponentSet *struct{} `xml:"urn:ietf:params:xml:ns:caldav supported-calendar-component-set"`
	SupportedCalendarData         *struct{} `xml:"urn:ietf:params:xml:ns:caldav supported-calendar-data"`
	ScheduleCalendarTransp        *struct{} `xml:"urn:ietf:params:xml:ns:caldav schedule-calendar-transp"`
	CurrentUserPrivilegeSet       *struct{} `xml:"DAV: current-user-privilege-set"`
}

// calendarDataReq is the calendar-data element of a report: component and
// property selection plus at most one recurrence modifier.
type calendarDataReq struct {
	ContentType        string         `xml:"content-type,attr"`
	Version            string         `xml:"version,attr"`
	Expand             *timeRangeAttr `xml:"urn:ietf:params:xml:ns:caldav expand"`
	LimitRecurrenceSet *timeRangeAttr `xml:"urn:ietf:params:xml:ns:caldav limit-recurrence-set"`
	LimitFreeBusySet   *timeRangeAttr `xml:"urn:ietf:params:xml:ns:caldav limit-freebusy-set"`
	Comp               *compReq       `xml:"urn:ietf:params:xml:ns:caldav comp"`
}

type compReq struct {
	Name    string    `xml:"name,attr"`
	Allprop *struct{} `xml:"urn:ietf:params:xml:ns:caldav allprop"`
	Allcomp *struct{} `xml:"urn:ietf:params:xml:ns:caldav allcomp"`
	Props   []propReq `xml:"urn:ietf:params:xml:ns:caldav prop"`
	Comps   []compReq `xml:"urn:ietf:params:xml:ns:caldav comp"`
}

type propReq struct {
	Name    string `xml:"name,attr"`
	NoValue string `xml:"novalue,attr"`
}

type timeRangeAttr struct {
	Start string `xml:"start,attr"`
	End   string `xml:"end,attr"`
}

// calendarQueryReq is the calendar-query REPORT body.
type calendarQueryReq struct {
	XMLName  xml.Name      `xml:"urn:ietf:params:xml:ns:caldav calendar-query"`
	Prop     *reportProp   `xml:"DAV: prop"`
	Filter   *filterEl     `xml:"urn:ietf:params:xml:ns:caldav filter"`
	Timezone *cdataContent `xml:"urn:ietf:params:xml:ns:caldav timezone"`
}

// calendarMultigetReq is the calendar-multiget REPORT body.
type calendarMultigetReq struct {
	XMLName xml.Name    `xml:"urn:ietf:params:xml:ns:caldav calendar-multiget"`
	Prop    *reportProp `xml:"DAV: prop"`
	Hrefs   []string    `xml:"DAV: href"`
}

// freeBusyQueryReq is the free-busy-query REPORT body.
type freeBusyQueryReq struct {
	XMLName   xml.Name       `xml:"urn:ietf:params:xml:ns:caldav free-busy-query"`
	TimeRange *timeRangeAttr `xml:"urn:ietf:params:xml:ns:caldav time-range"`
}

// syncCollectionReq is the sync-collection REPORT body (RFC 6578).
type syncCollectionReq struct {
	XMLName   xml.Name    `xml:"DAV: sync-collection"`
	SyncToken string      `xml:"DAV: sync-token"`
	SyncLevel string      `xml:"DAV: sync-level"`
	Limit     *limitEl    `xml:"DAV: limit"`
	Prop      *reportProp `xml:"DAV: prop"`
}

type limitEl struct {
	NResults int `xml:"DAV: nresults"`
}

// expandPropertyReq is the expand-property REPORT body, answered minimally.
type expandPropertyReq struct {
	XMLName    xml.Name         `xml:"DAV: expand-property"`
	Properties []expandPropItem `xml:"DAV: property"`
}

type expandPropItem struct {
	Name string `xml:"name,attr"`
}

type reportProp struct {
	Raw          []rawPropName    `xml:",any"`
	CalendarData *calendarDataReq `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
}

type rawPropName struct {
	XMLName xml.Name
}

// wantsProp reports whether the report asked for a property by local name.
func (rp *reportProp) wantsProp(local string) bool {
	if rp == nil {
		return false
	}
	if local == "calendar-data" && rp.CalendarData != nil {
		return true
	}
	for _, p := range rp.Raw {
		if p.XMLName.Local == local {
			return true
		}
	}
	return false
}

type cdataContent struct {
	Content string `xml:",chardata"`
}

// filterEl is the calendar-query filter element.
type filterEl struct {
	CompFilter *compFilterEl `xml:"urn:ietf:params:xml:ns:caldav comp-filter"`
}

type compFilterEl struct {
	Name         string         `xml:"name,attr"`
	IsNotDefined *struct{}      `xml:"urn:ietf:params:xml:ns:caldav is-not-defined"`
	TimeRange    *timeRangeAttr `xml:"urn:ietf:params:xml:ns:caldav time-range"`
	CompFilters  []compFilterEl `xml:"urn:ietf:params:xml:ns:caldav comp-filter"`
	PropFilters  []propFilterEl `xml:"urn:ietf:params:xml:ns:caldav prop-filter"`
}

type propFilterEl struct {
	Name         string          `xml:"name,attr"`
	IsNotDefined *struct{}       `xml:"urn:ietf:params:xml:ns:caldav is-not-defined"`
	TimeRange    *timeRangeAttr  `xml:"urn:ietf:params:xml:ns:caldav time-range"`
	TextMatch    *textMatchEl    `xml:"urn:ietf:params:xml:ns:caldav text-match"`
	ParamFilters []paramFilterEl `xml:"urn:ietf:params:xml:ns:caldav param-filter"`
}

type paramFilterEl struct {
	Name         string       `xml:"name,attr"`
	IsNotDefined *struct{}    `xml:"urn:ietf:params:xml:ns:caldav is-not-defined"`
	TextMatch    *textMatchEl `xml:"urn:ietf:params:xml:ns:caldav text-match"`
}

type textMatchEl struct {
	Text            string `xml:",chardata"`
	Collation       string `xml:"collation,attr"`
	NegateCondition string `xml:"negate-condition,attr"`
}

// toBackendFilter converts the wire filter into the backend filter tree.
func (f *filterEl) toBackendFilter() (*backend.CompFilter, error) {
	if f == nil || f.CompFilter == nil {
		return nil, badRequest("valid-filter")
	}
	return convertCompFilter(f.CompFilter)
}

func convertCompFilter(el *compFilterEl) (*backend.CompFilter, error) {
	out := &backend.CompFilter{
		Name:         strings.ToUpper(el.Name),
		IsNotDefined: el.IsNotDefined != nil,
	}
	if el.TimeRange != nil {
		rng, err := parseTimeRangeAttr(el.TimeRange, true)
		if err != nil {
			return nil, badRequest("valid-filter")
		}
		out.TimeRange = &rng
	}
	for i := range el.CompFilters {
		nested, err := convertCompFilter(&el.CompFilters[i])
		if err != nil {
			return nil, err
		}
		out.CompFilters = append(out.CompFilters, *nested)
	}
	for i := range el.PropFilters {
		nested, err := convertPropFilter(&el.PropFilters[i])
		if err != nil {
			return nil, err
		}
		out.PropFilters = append(out.PropFilters, *nested)
	}
	return out, nil
}

func convertPropFilter(el *propFilterEl) (*backend.PropFilter, error) {
	out := &backend.PropFilter{
		Name:         strings.ToUpper(el.Name),
		IsNotDefined: el.IsNotDefined != nil,
	}
	if el.TimeRange != nil {
		rng, err := parseTimeRangeAttr(el.TimeRange, true)
		if err != nil {
			return nil, badRequest("valid-filter")
		}
		out.TimeRange = &rng
	}
	if el.TextMatch != nil {
		out.TextMatch = convertTextMatch(el.TextMatch)
	}
	for i := range el.ParamFilters {
		pf := backend.ParamFilter{
			Name:         strings.ToUpper(el.ParamFilters[i].Name),
			IsNotDefined: el.ParamFilters[i].IsNotDefined != nil,
		}
		if tm := el.ParamFilters[i].TextMatch; tm != nil {
			pf.TextMatch = convertTextMatch(tm)
		}
		out.ParamFilters = append(out.ParamFilters, pf)
	}
	return out, nil
}

func convertTextMatch(el *textMatchEl) *backend.TextMatch {
	return &backend.TextMatch{
		Collation:       el.Collation,
		NegateCondition: el.NegateCondition == "yes",
		Text:            el.Text,
	}
}

// mkcalendarReq is the MKCALENDAR body (RFC 4791 section 5.3.1).
type mkcalendarReq struct {
	XMLName xml.Name      `xml:"urn:ietf:params:xml:ns:caldav mkcalendar"`
	Set     *mkcalendarSet `xml:"DAV: set"`
}

type mkcalendarSet struct {
	Prop collectionProps `xml:"DAV: prop"`
}

// proppatchRequest is the PROPPATCH body for collection properties.
type proppatchRequest struct {
	XMLName xml.Name         `xml:"DAV: propertyupdate"`
	Set     *proppatchSet    `xml:"DAV: set"`
	Remove  *proppatchRemove `xml:"DAV: remove"`
}

type proppatchSet struct {
	Prop collectionProps `xml:"DAV: prop"`
}

type proppatchRemove struct {
	Prop collectionProps `xml:"DAV: prop"`
}

type collectionProps struct {
	DisplayName         *string `xml:"DAV: displayname"`
	CalendarDescription *string `xml:"urn:ietf:params:xml:ns:caldav calendar-description"`
	CalendarTimezone    *string `xml:"urn:ietf:params:xml:ns:caldav calendar-timezone"`
	CalendarColor       *string `xml:"http://apple.com/ns/ical/ calendar-color"`
}
