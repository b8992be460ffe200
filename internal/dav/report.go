package dav

import (
	"context"
	"net/http"
	"strconv"

	"github.com/beevik/etree"

	"gitea.jw6.us/james/calserve/internal/backend"
	"gitea.jw6.us/james/calserve/internal/metrics"
)

// maxQueryResults caps calendar-query result sets. Overflow is reported with a
// number-of-matches-within-limits row rather than an error.
const maxQueryResults = 1000

// Report dispatches on the body's root element. Unknown report types are
// rejected with the supported-report precondition.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	addr, err := h.res.resolve(ctx, r.URL.Path, mustExist, resolveHints{})
	if err != nil {
		h.error(w, r, err)
		return
	}
	body, err := readDAVBody(r)
	if err != nil {
		h.error(w, r, badRequest(""))
		return
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil || doc.Root() == nil {
		h.error(w, r, badRequest(""))
		return
	}
	metrics.ObserveReport(doc.Root().Tag)
	switch doc.Root().Tag {
	case "calendar-query":
		h.reportCalendarQuery(w, r, addr, body)
	case "calendar-multiget":
		h.reportCalendarMultiget(w, r, addr, body)
	case "free-busy-query":
		h.reportFreeBusy(w, r, addr, body)
	case "sync-collection":
		h.reportSyncCollection(w, r, addr, body)
	case "expand-property":
		h.reportExpandProperty(w, r, addr, body)
	default:
		h.error(w, r, &davError{Status: http.StatusForbidden, DAVCondition: "supported-report"})
	}
}

func (h *Handler) reportCalendarQuery(w http.ResponseWriter, r *http.Request, addr *ResourceAddress, body []byte) {
	ctx := r.Context()
	var req calendarQueryReq
	if err := safeUnmarshalXML(body, &req); err != nil {
		h.error(w, r, badRequest(""))
		return
	}
	var calData *calendarDataReq
	if req.Prop != nil {
		calData = req.Prop.CalendarData
	}
	proj, err := newProjector(calData)
	if err != nil {
		h.error(w, r, err)
		return
	}
	if req.Timezone != nil && req.Timezone.Content != "" {
		if _, err := backend.ParseCalendar([]byte(req.Timezone.Content)); err != nil {
			h.error(w, r, badRequest("valid-calendar-data"))
			return
		}
	}
	filter, err := req.Filter.toBackendFilter()
	if err != nil {
		h.error(w, r, err)
		return
	}
	if err := backend.ValidateFilter(filter); err != nil {
		h.error(w, r, badRequest("valid-filter"))
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

	depth := r.Header.Get("Depth")
	if depth == "" {
		depth = "0"
	}

	var responses []response
	truncated := false
	switch addr.Kind {
	case targetCollection:
		responses, truncated, err = h.queryCollection(ctx, n, filter, proj, req.Prop, depth)
		if err != nil {
			h.error(w, r, err)
			return
		}
	case targetEntity:
		match, err := backend.MatchFilter(filter, addr.Object.Data)
		if err != nil {
			h.error(w, r, badRequest("valid-filter"))
			return
		}
		if match {
			obj := addr.Object
			if mode := proj.retrievalMode(); mode.Kind != backend.RetrievalNone {
				projected, err := backend.ApplyRetrievalMode(obj.Data, mode)
				if err != nil {
					h.error(w, r, serverError())
					return
				}
				clone := *obj
				clone.Data = projected
				obj = &clone
			}
			resp, err := h.objectResponse(addr.Path, obj, proj, req.Prop)
			if err != nil {
				h.error(w, r, err)
				return
			}
			responses = append(responses, resp)
		}
	default:
		h.error(w, r, forbidden(""))
		return
	}
	if truncated {
		responses = append(responses, response{
			Href:   collectionHref(addr.Path),
			Status: httpStatusLine(http.StatusInsufficientStorage),
			Error:  &errorEl{NumberOfMatchesWithinLimits: present},
		})
	}
	writeMultistatus(w, newMultistatus(responses...))
}

// queryCollection runs the filter against one collection and, per depth,
// against nested collections. Nested collections the principal cannot read
// are skipped silently.
func (h *Handler) queryCollection(ctx context.Context, n *node, filter *backend.CompFilter, proj *projector, rp *reportProp, depth string) ([]response, bool, error) {
	var responses []response
	col, err := n.CollectionRecord(ctx, true)
	if err != nil {
		return nil, false, err
	}
	if col.Kind.EntitiesAllowed() {
		objects, err := h.backend.Query(ctx, col.Path, filter, proj.retrievalMode())
		if err != nil {
			return nil, false, asDAVError(err)
		}
		for i := range objects {
			if len(responses) >= maxQueryResults {
				return responses, true, nil
			}
			resp, err := h.objectResponse(n.addr.Path+"/"+objects[i].Name, &objects[i], proj, rp)
			if err != nil {
				return nil, false, err
			}
			responses = append(responses, resp)
		}
	}
	if depth == "0" {
		return responses, false, nil
	}
	children, err := n.Children(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, child := range children {
		if child.addr.Kind != targetCollection {
			continue
		}
		nested, truncated, err := h.queryCollection(ctx, child, filter, proj, rp, nextDepth(depth))
		if err != nil {
			return nil, false, err
		}
		responses = append(responses, nested...)
		if truncated || len(responses) >= maxQueryResults {
			return responses, true, nil
		}
	}
	return responses, false, nil
}

// nextDepth is the depth that applies one level down: infinity stays infinite,
// numeric depths count down to 0.
func nextDepth(depth string) string {
	if depth == "infinity" {
		return depth
	}
	if n, err := strconv.Atoi(depth); err == nil && n > 1 {
		return strconv.Itoa(n - 1)
	}
	return "0"
}

// objectResponse renders one matched object with the requested properties.
func (h *Handler) objectResponse(href string, obj *backend.CalendarObject, proj *projector, rp *reportProp) (response, error) {
	var p prop
	if rp == nil || rp.wantsProp("getetag") {
		p.GetETag = quoteETag(obj.ETag)
	}
	if rp.wantsProp("schedule-tag") && obj.ScheduleTag != "" {
		p.ScheduleTag = obj.ScheduleTag
	}
	if rp == nil || rp.wantsProp("calendar-data") {
		data, err := proj.project(obj.Data)
		if err != nil {
			return response{}, err
		}
		p.CalendarData = cdataString(data)
	}
	return response{
		Href:     href,
		Propstat: []propstat{{Prop: p, Status: httpStatusOK}},
	}, nil
}

func (h *Handler) reportCalendarMultiget(w http.ResponseWriter, r *http.Request, _ *ResourceAddress, body []byte) {
	ctx := r.Context()
	var req calendarMultigetReq
	if err := safeUnmarshalXML(body, &req); err != nil {
		h.error(w, r, badRequest(""))
		return
	}
	var calData *calendarDataReq
	if req.Prop != nil {
		calData = req.Prop.CalendarData
	}
	proj, err := newProjector(calData)
	if err != nil {
		h.error(w, r, err)
		return
	}
	if len(req.Hrefs) == 0 {
		h.error(w, r, badRequest(""))
		return
	}

	responses := make([]response, 0, len(req.Hrefs))
	for _, href := range req.Hrefs {
		responses = append(responses, h.multigetResponse(ctx, href, proj, req.Prop))
	}
	writeMultistatus(w, newMultistatus(responses...))
}

// multigetResponse resolves one href; failures become per-row statuses, never
// a failed report.
func (h *Handler) multigetResponse(ctx context.Context, href string, proj *projector, rp *reportProp) response {
	target, err := h.res.resolve(ctx, href, mustExist, resolveHints{})
	if err != nil {
		return notFoundResponse(href)
	}
	if target.Kind != targetEntity {
		return notFoundResponse(href)
	}
	access, err := h.gate.check(ctx, target.Path, backend.PrivRead, true)
	if err != nil {
		return errStatusResponse(href, http.StatusInternalServerError)
	}
	if !access.Allowed {
		return errStatusResponse(href, http.StatusForbidden)
	}
	obj := target.Object
	if mode := proj.retrievalMode(); mode.Kind != backend.RetrievalNone {
		projected, err := backend.ApplyRetrievalMode(obj.Data, mode)
		if err != nil {
			return errStatusResponse(href, http.StatusInternalServerError)
		}
		clone := *obj
		clone.Data = projected
		obj = &clone
	}
	resp, err := h.objectResponse(target.Path, obj, proj, rp)
	if err != nil {
		return errStatusResponse(href, http.StatusInternalServerError)
	}
	return resp
}

func (h *Handler) reportExpandProperty(w http.ResponseWriter, r *http.Request, addr *ResourceAddress, body []byte) {
	ctx := r.Context()
	var req expandPropertyReq
	if err := safeUnmarshalXML(body, &req); err != nil {
		h.error(w, r, badRequest(""))
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
	query := propfindPropQuery{}
	for _, item := range req.Properties {
		switch item.Name {
		case "displayname":
			query.DisplayName = present
		case "resourcetype":
			query.ResourceType = present
		case "owner":
			query.Owner = present
		case "current-user-principal":
			query.CurrentUserPrincipal = present
		case "principal-URL":
			query.PrincipalURL = present
		case "calendar-home-set":
			query.CalendarHomeSet = present
		case "calendar-user-address-set":
			query.CalendarUserAddressSet = present
		case "group-member-set":
			query.GroupMemberSet = present
		}
	}
	resp, err := h.propfindResponse(ctx, n, &propfindRequest{Prop: &query})
	if err != nil {
		h.error(w, r, err)
		return
	}
	writeMultistatus(w, newMultistatus(resp))
}
