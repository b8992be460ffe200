package dav

import (
	"bytes"
	"context"
	"net/http"

	"gitea.jw6.us/james/calserve/internal/auth"
	"gitea.jw6.us/james/calserve/internal/backend"
)

// absentProps names properties without values. Used for 404 propstat rows and
// for propname replies.
type absentProps struct {
	DisplayName                   *struct{} `xml:"d:displayname,omitempty"`
	ResourceType                  *struct{} `xml:"d:resourcetype,omitempty"`
	GetETag                       *struct{} `xml:"d:getetag,omitempty"`
	GetContentType                *struct{} `xml:"d:getcontenttype,omitempty"`
	GetLastModified               *struct{} `xml:"d:getlastmodified,omitempty"`
	Owner                         *struct{} `xml:"d:owner,omitempty"`
	CalendarDescription           *struct{} `xml:"cal:calendar-description,omitempty"`
	CalendarColor                 *struct{} `xml:"http://apple.com/ns/ical/ calendar-color,omitempty"`
	CalendarTimezone              *struct{} `xml:"cal:calendar-timezone,omitempty"`
	ScheduleTag                   *struct{} `xml:"cal:schedule-tag,omitempty"`
	SyncToken                     *struct{} `xml:"d:sync-token,omitempty"`
	CTag                          *struct{} `xml:"cs:getctag,omitempty"`
	CurrentUserPrincipal          *struct{} `xml:"d:current-user-principal,omitempty"`
	PrincipalURL                  *struct{} `xml:"d:principal-URL,omitempty"`
	CalendarHomeSet               *struct{} `xml:"cal:calendar-home-set,omitempty"`
	CalendarUserAddressSet        *struct{} `xml:"cal:calendar-user-address-set,omitempty"`
	GroupMemberSet                *struct{} `xml:"d:group-member-set,omitempty"`
	SupportedReportSet            *struct{} `xml:"d:supported-report-set,omitempty"`
	SupportedCalendarComponentSet *struct{} `xml:"cal:supported-calendar-component-set,omitempty"`
	SupportedCalendarData         *struct{} `xml:"cal:supported-calendar-data,omitempty"`
	ScheduleCalendarTransp        *struct{} `xml:"cal:schedule-calendar-transp,omitempty"`
	CurrentUserPrivilegeSet       *struct{} `xml:"d:current-user-privilege-set,omitempty"`
}

var present = &struct{}{}

func (h *Handler) Propfind(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	addr, err := h.res.resolve(ctx, r.URL.Path, mustExist, resolveHints{})
	if err != nil {
		h.error(w, r, err)
		return
	}
	n := h.nodeFor(addr)
	access, err := n.CurrentAccess(ctx, backend.PrivRead)
	if err != nil {
		h.error(w, r, err)
		return
	}
	if !access.Allowed {
		h.error(w, r, forbidden(""))
		return
	}

	body, err := readDAVBody(r)
	if err != nil {
		h.error(w, r, badRequest(""))
		return
	}
	var req propfindRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := safeUnmarshalXML(body, &req); err != nil {
			h.error(w, r, badRequest(""))
			return
		}
	}
	// an empty body, or a body naming no query, is allprop
	if req.AllProp == nil && req.PropName == nil && req.Prop == nil {
		req.AllProp = present
	}

	depth := r.Header.Get("Depth")
	if depth != "0" && depth != "1" {
		if addr.IsCollection() {
			h.error(w, r, &davError{Status: http.StatusForbidden, DAVCondition: "propfind-finite-depth"})
			return
		}
		depth = "0"
	}

	resp, err := h.propfindResponse(ctx, n, &req)
	if err != nil {
		h.error(w, r, err)
		return
	}
	responses := []response{resp}
	if depth == "1" && addr.IsCollection() {
		children, err := n.Children(ctx)
		if err != nil {
			h.error(w, r, err)
			return
		}
		for _, child := range children {
			cr, err := h.propfindResponse(ctx, child, &req)
			if err != nil {
				h.error(w, r, err)
				return
			}
			responses = append(responses, cr)
		}
	}
	writeMultistatus(w, newMultistatus(responses...))
}

func (h *Handler) propfindResponse(ctx context.Context, n *node, req *propfindRequest) (response, error) {
	full, err := h.liveProps(ctx, n)
	if err != nil {
		return response{}, err
	}
	href := n.addr.Path
	if n.addr.IsCollection() || n.addr.Kind == targetPrincipal {
		href = collectionHref(href)
	}
	switch {
	case req.PropName != nil:
		return response{
			Href:     href,
			Propstat: []propstat{{Prop: namesOf(full), Status: httpStatusOK}},
		}, nil
	case req.Prop != nil:
		found, absent, anyFound, anyAbsent := selectProps(full, req.Prop)
		var stats []propstat
		if anyFound || !anyAbsent {
			stats = append(stats, propstat{Prop: found, Status: httpStatusOK})
		}
		if anyAbsent {
			stats = append(stats, propstat{Prop: absent, Status: httpStatusNotFound})
		}
		return response{Href: href, Propstat: stats}, nil
	default: // allprop
		return response{
			Href:     href,
			Propstat: []propstat{{Prop: full, Status: httpStatusOK}},
		}, nil
	}
}

// liveProps collects every property defined on the node.
func (h *Handler) liveProps(ctx context.Context, n *node) (prop, error) {
	var out prop
	if principal := auth.PrincipalFromContext(ctx); principal != "" {
		out.CurrentUserPrincipal = &hrefProp{Href: collectionHref(principal)}
	}
	switch n.addr.Kind {
	case targetPrincipal:
		p := n.addr.Principal
		out.DisplayName = p.DisplayName
		out.ResourceType = &resourceType{Collection: present, Principal: present}
		out.PrincipalURL = &hrefProp{Href: collectionHref(p.Path)}
		addresses := []string{collectionHref(p.Path)}
		if p.Email != "" {
			addresses = append([]string{"mailto:" + p.Email}, addresses...)
		}
		out.CalendarUserAddressSet = &hrefListProp{Href: addresses}
		homes, err := h.backend.ListHomeCollections(ctx, p.Path)
		if err != nil {
			return out, mapBackendError(err)
		}
		if len(homes) > 0 {
			set := &hrefListProp{}
			for _, home := range homes {
				set.Href = append(set.Href, collectionHref(home.Path))
			}
			out.CalendarHomeSet = set
		}
		if p.Group && len(p.Members) > 0 {
			set := &hrefListProp{}
			for _, member := range p.Members {
				set.Href = append(set.Href, collectionHref(member))
			}
			out.GroupMemberSet = set
		}
	case targetCollection:
		col, err := n.CollectionRecord(ctx, true)
		if err != nil {
			return out, err
		}
		out.DisplayName = col.DisplayName
		if n.addr.Collection.Alias && n.addr.Collection.DisplayName != "" {
			out.DisplayName = n.addr.Collection.DisplayName
		}
		out.ResourceType = resourceTypeFor(col.Kind)
		if col.Description != nil {
			out.CalendarDescription = *col.Description
		}
		out.CalendarColor = col.Color
		if col.TimezoneID != "" {
			tz := col.TimezoneID
			out.CalendarTimezone = &tz
		}
		if !col.UpdatedAt.IsZero() {
			out.GetLastModified = col.UpdatedAt.UTC().Format(http.TimeFormat)
		}
		if col.Owner != "" {
			out.Owner = &hrefProp{Href: collectionHref(col.Owner)}
		}
		token, err := h.backend.SyncToken(ctx, col.Path)
		if err != nil {
			return out, mapBackendError(err)
		}
		out.SyncToken = token
		out.CTag = token
		out.SupportedReportSet = collectionSupportedReports()
		if col.Kind.EntitiesAllowed() {
			out.SupportedCalendarComponentSet = supportedCalendarComponents()
			out.SupportedCalendarData = supportedCalendarDataProp()
		}
		if col.Kind == backend.KindCalendar {
			transp := &scheduleCalendarTransp{}
			if col.AffectsFreeBusy {
				transp.Opaque = present
			} else {
				transp.Transparent = present
			}
			out.ScheduleCalendarTransp = transp
		}
		write, err := h.gate.check(ctx, col.Path, backend.PrivWrite, true)
		if err != nil {
			return out, err
		}
		out.CurrentUserPrivilegeSet = privilegeSetFor(write.Allowed)
	case targetEntity:
		obj := n.addr.Object
		out.ResourceType = &resourceType{}
		out.GetETag = quoteETag(obj.ETag)
		out.GetContentType = "text/calendar; charset=utf-8"
		out.ScheduleTag = obj.ScheduleTag
		if !obj.UpdatedAt.IsZero() {
			out.GetLastModified = obj.UpdatedAt.UTC().Format(http.TimeFormat)
		}
		owner, err := n.Owner(ctx)
		if err == nil && owner != "" {
			out.Owner = &hrefProp{Href: collectionHref(owner)}
		}
	case targetResource:
		res := n.addr.Resource
		out.ResourceType = &resourceType{}
		out.GetETag = quoteETag(res.ETag())
		out.GetContentType = res.ContentType
		out.GetLastModified = res.ModTime.UTC().Format(http.TimeFormat)
	}
	return out, nil
}

// selectProps splits the query into found values and absent names.
func selectProps(full prop, q *propfindPropQuery) (prop, absentProps, bool, bool) {
	var found prop
	var absent absentProps
	anyFound := false
	anyAbsent := false
	take := func(ok bool, set func(), miss func()) {
		if ok {
			set()
			anyFound = true
		} else {
			miss()
			anyAbsent = true
		}
	}
	if q.DisplayName != nil {
		take(full.DisplayName != "",
			func() { found.DisplayName = full.DisplayName },
			func() { absent.DisplayName = present })
	}
	if q.ResourceType != nil {
		take(full.ResourceType != nil,
			func() { found.ResourceType = full.ResourceType },
			func() { absent.ResourceType = present })
	}
	if q.GetETag != nil {
		take(full.GetETag != "",
			func() { found.GetETag = full.GetETag },
			func() { absent.GetETag = present })
	}
	if q.GetContentType != nil {
		take(full.GetContentType != "",
			func() { found.GetContentType = full.GetContentType },
			func() { absent.GetContentType = present })
	}
	if q.GetLastModified != nil {
		take(full.GetLastModified != "",
			func() { found.GetLastModified = full.GetLastModified },
			func() { absent.GetLastModified = present })
	}
	if q.Owner != nil {
		take(full.Owner != nil,
			func() { found.Owner = full.Owner },
			func() { absent.Owner = present })
	}
	if q.CalendarDescription != nil {
		take(full.CalendarDescription != "",
			func() { found.CalendarDescription = full.CalendarDescription },
			func() { absent.CalendarDescription = present })
	}
	if q.CalendarColor != nil {
		take(full.CalendarColor != "",
			func() { found.CalendarColor = full.CalendarColor },
			func() { absent.CalendarColor = present })
	}
	if q.CalendarTimezone != nil {
		take(full.CalendarTimezone != nil,
			func() { found.CalendarTimezone = full.CalendarTimezone },
			func() { absent.CalendarTimezone = present })
	}
	if q.ScheduleTag != nil {
		take(full.ScheduleTag != "",
			func() { found.ScheduleTag = full.ScheduleTag },
			func() { absent.ScheduleTag = present })
	}
	if q.SyncToken != nil {
		take(full.SyncToken != "",
			func() { found.SyncToken = full.SyncToken },
			func() { absent.SyncToken = present })
	}
	if q.CTag != nil {
		take(full.CTag != "",
			func() { found.CTag = full.CTag },
			func() { absent.CTag = present })
	}
	if q.CurrentUserPrincipal != nil {
		take(full.CurrentUserPrincipal != nil,
			func() { found.CurrentUserPrincipal = full.CurrentUserPrincipal },
			func() { absent.CurrentUserPrincipal = present })
	}
	if q.PrincipalURL != nil {
		take(full.PrincipalURL != nil,
			func() { found.PrincipalURL = full.PrincipalURL },
			func() { absent.PrincipalURL = present })
	}
	if q.CalendarHomeSet != nil {
		take(full.CalendarHomeSet != nil,
			func() { found.CalendarHomeSet = full.CalendarHomeSet },
			func() { absent.CalendarHomeSet = present })
	}
	if q.CalendarUserAddressSet != nil {
		take(full.CalendarUserAddressSet != nil,
			func() { found.CalendarUserAddressSet = full.CalendarUserAddressSet },
			func() { absent.CalendarUserAddressSet = present })
	}
	if q.GroupMemberSet != nil {
		take(full.GroupMemberSet != nil,
			func() { found.GroupMemberSet = full.GroupMemberSet },
			func() { absent.GroupMemberSet = present })
	}
	if q.SupportedReportSet != nil {
		take(full.SupportedReportSet != nil,
			func() { found.SupportedReportSet = full.SupportedReportSet },
			func() { absent.SupportedReportSet = present })
	}
	if q.SupportedCalendarComponentSet != nil {
		take(full.SupportedCalendarComponentSet != nil,
			func() { found.SupportedCalendarComponentSet = full.SupportedCalendarComponentSet },
			func() { absent.SupportedCalendarComponentSet = present })
	}
	if q.SupportedCalendarData != nil {
		take(full.SupportedCalendarData != nil,
			func() { found.SupportedCalendarData = full.SupportedCalendarData },
			func() { absent.SupportedCalendarData = present })
	}
	if q.ScheduleCalendarTransp != nil {
		take(full.ScheduleCalendarTransp != nil,
			func() { found.ScheduleCalendarTransp = full.ScheduleCalendarTransp },
			func() { absent.ScheduleCalendarTransp = present })
	}
	if q.CurrentUserPrivilegeSet != nil {
		take(full.CurrentUserPrivilegeSet != nil,
			func() { found.CurrentUserPrivilegeSet = full.CurrentUserPrivilegeSet },
			func() { absent.CurrentUserPrivilegeSet = present })
	}
	return found, absent, anyFound, anyAbsent
}

// namesOf lists every defined property of full as empty elements.
func namesOf(full prop) absentProps {
	var names absentProps
	if full.DisplayName != "" {
		names.DisplayName = present
	}
	if full.ResourceType != nil {
		names.ResourceType = present
	}
	if full.GetETag != "" {
		names.GetETag = present
	}
	if full.GetContentType != "" {
		names.GetContentType = present
	}
	if full.GetLastModified != "" {
		names.GetLastModified = present
	}
	if full.Owner != nil {
		names.Owner = present
	}
	if full.CalendarDescription != "" {
		names.CalendarDescription = present
	}
	if full.CalendarColor != "" {
		names.CalendarColor = present
	}
	if full.CalendarTimezone != nil {
		names.CalendarTimezone = present
	}
	if full.ScheduleTag != "" {
		names.ScheduleTag = present
	}
	if full.SyncToken != "" {
		names.SyncToken = present
	}
	if full.CTag != "" {
		names.CTag = present
	}
	if full.CurrentUserPrincipal != nil {
		names.CurrentUserPrincipal = present
	}
	if full.PrincipalURL != nil {
		names.PrincipalURL = present
	}
	if full.CalendarHomeSet != nil {
		names.CalendarHomeSet = present
	}
	if full.CalendarUserAddressSet != nil {
		names.CalendarUserAddressSet = present
	}
	if full.GroupMemberSet != nil {
		names.GroupMemberSet = present
	}
	if full.SupportedReportSet != nil {
		names.SupportedReportSet = present
	}
	if full.SupportedCalendarComponentSet != nil {
		names.SupportedCalendarComponentSet = present
	}
	if full.SupportedCalendarData != nil {
		names.SupportedCalendarData = present
	}
	if full.ScheduleCalendarTransp != nil {
		names.ScheduleCalendarTransp = present
	}
	if full.CurrentUserPrivilegeSet != nil {
		names.CurrentUserPrivilegeSet = present
	}
	return names
}
