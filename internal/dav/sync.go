package dav

import (
	"context"
	"net/http"
	"strings"

	"gitea.jw6.us/james/calserve/internal/backend"
)

func (h *Handler) reportSyncCollection(w http.ResponseWriter, r *http.Request, addr *ResourceAddress, body []byte) {
	ctx := r.Context()
	var req syncCollectionReq
	if err := safeUnmarshalXML(body, &req); err != nil {
		h.error(w, r, badRequest(""))
		return
	}
	if req.SyncLevel != "" && req.SyncLevel != "1" && req.SyncLevel != "infinite" {
		h.error(w, r, badRequest(""))
		return
	}
	if addr.Kind != targetCollection {
		h.error(w, r, &davError{Status: http.StatusForbidden, DAVCondition: "supported-report"})
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
	col, err := n.CollectionRecord(ctx, true)
	if err != nil {
		h.error(w, r, err)
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

	limit := h.maxSyncItems
	if req.Limit != nil && req.Limit.NResults > 0 && req.Limit.NResults < limit {
		limit = req.Limit.NResults
	}
	data, err := h.backend.SyncReport(ctx, col.Path, req.SyncToken, limit)
	if err != nil {
		h.error(w, r, err)
		return
	}
	if !data.TokenValid {
		h.error(w, r, &davError{Status: http.StatusForbidden, DAVCondition: "valid-sync-token"})
		return
	}

	responses := make([]response, 0, len(data.Items))
	for _, item := range data.Items {
		responses = append(responses, h.syncItemResponse(ctx, addr.Path, col.Path, item, proj, req.Prop))
	}
	if data.Truncated {
		responses = append(responses, response{
			Href:   collectionHref(addr.Path),
			Status: httpStatusLine(http.StatusInsufficientStorage),
			Error:  &errorEl{NumberOfMatchesWithinLimits: present},
		})
	}
	ms := newMultistatus(responses...)
	ms.SyncToken = data.NextToken
	writeMultistatus(w, ms)
}

// syncItemResponse renders one changed member. Hrefs keep the vantage of the
// queried path, so members of an aliased collection report alias-rooted hrefs.
func (h *Handler) syncItemResponse(ctx context.Context, viewPath, physicalPath string, item backend.SyncItem, proj *projector, rp *reportProp) response {
	href := item.VirtualPath
	if strings.HasPrefix(item.VirtualPath, physicalPath+"/") {
		href = viewPath + strings.TrimPrefix(item.VirtualPath, physicalPath)
	}
	if item.Tombstoned {
		return notFoundResponse(href)
	}
	name := leafName(item.VirtualPath)
	switch item.Kind {
	case backend.SyncEntity:
		opt, err := h.backend.ResolveCalendarObject(ctx, physicalPath, name)
		if err != nil {
			return errStatusResponse(href, http.StatusInternalServerError)
		}
		obj, ok := opt.Get()
		if !ok {
			return notFoundResponse(href)
		}
		resp, err := h.objectResponse(href, &obj, proj, rp)
		if err != nil {
			return errStatusResponse(href, http.StatusInternalServerError)
		}
		return resp
	case backend.SyncResource:
		opt, err := h.backend.ResolveResource(ctx, physicalPath, name)
		if err != nil {
			return errStatusResponse(href, http.StatusInternalServerError)
		}
		res, ok := opt.Get()
		if !ok {
			return notFoundResponse(href)
		}
		return response{
			Href: href,
			Propstat: []propstat{{
				Prop:   prop{GetETag: quoteETag(res.ETag()), GetContentType: res.ContentType},
				Status: httpStatusOK,
			}},
		}
	default:
		p := prop{ResourceType: &resourceType{Collection: present}}
		return response{
			Href:     collectionHref(href),
			Propstat: []propstat{{Prop: p, Status: httpStatusOK}},
		}
	}
}
