package dav

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"gitea.jw6.us/james/calserve/internal/backend"
)

// maxDAVBodyBytes is the maximum body size for DAV requests.
const maxDAVBodyBytes int64 = 10 * 1024 * 1024

var errRequestTooLarge = errors.New("request body too large")

// Handler serves the DAV protocol surface against one backend.
type Handler struct {
	backend backend.Backend
	res     *resolver
	gate    *accessGate
	log     *slog.Logger

	// maxSyncItems caps sync-collection responses; overflow is reported as a
	// truncated result with a resumable token.
	maxSyncItems int

	// FreeTime, when set, turns FREE periods from stored data into their
	// busy complement in free-busy replies.
	FreeTime FreeTimeStrategy

	// Prefix is the mount point stripped from request paths before the handler
	// sees them. Destination headers still carry it.
	Prefix string
}

// NewHandler wires the DAV handler. A nil logger discards.
func NewHandler(b backend.Backend, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		backend:      b,
		res:          &resolver{backend: b},
		gate:         &accessGate{backend: b},
		log:          log,
		maxSyncItems: 500,
	}
}

// SetMaxSyncItems overrides the sync-collection response cap.
func (h *Handler) SetMaxSyncItems(n int) {
	if n > 0 {
		h.maxSyncItems = n
	}
}

func readDAVBody(r *http.Request) ([]byte, error) {
	if r.ContentLength > maxDAVBodyBytes {
		return nil, errRequestTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDAVBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxDAVBodyBytes {
		return nil, errRequestTooLarge
	}
	return body, nil
}

func (h *Handler) error(w http.ResponseWriter, r *http.Request, err error) {
	de := asDAVError(err)
	if de.Status >= 500 {
		h.log.Error("dav request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeDAVError(w, de)
}

func (h *Handler) Options(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("DAV", "1, 3, calendar-access")
	w.Header().Set("Allow", "OPTIONS, GET, HEAD, PUT, DELETE, COPY, MOVE, POST, PROPFIND, PROPPATCH, MKCOL, MKCALENDAR, REPORT")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	h.serveContent(w, r, true)
}

func (h *Handler) Head(w http.ResponseWriter, r *http.Request) {
	h.serveContent(w, r, false)
}

func (h *Handler) serveContent(w http.ResponseWriter, r *http.Request, withBody bool) {
	ctx := r.Context()
	addr, err := h.res.resolve(ctx, r.URL.Path, mustExist, resolveHints{})
	if err != nil {
		h.error(w, r, err)
		return
	}
	if err := h.gate.require(ctx, addr.Path, backend.PrivRead); err != nil {
		h.error(w, r, err)
		return
	}
	switch addr.Kind {
	case targetEntity:
		data, err := backend.SerializeCalendar(addr.Object.Data)
		if err != nil {
			h.error(w, r, serverError())
			return
		}
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Header().Set("ETag", quoteETag(addr.Object.ETag))
		if addr.Object.ScheduleTag != "" {
			w.Header().Set("Schedule-Tag", quoteETag(addr.Object.ScheduleTag))
		}
		if !addr.Object.UpdatedAt.IsZero() {
			w.Header().Set("Last-Modified", addr.Object.UpdatedAt.UTC().Format(http.TimeFormat))
		}
		if withBody {
			_, _ = w.Write(data)
		}
	case targetResource:
		w.Header().Set("Content-Type", addr.Resource.ContentType)
		w.Header().Set("ETag", quoteETag(addr.Resource.ETag()))
		w.Header().Set("Last-Modified", addr.Resource.ModTime.UTC().Format(http.TimeFormat))
		if withBody {
			_, _ = w.Write(addr.Resource.Content)
		}
	default:
		w.Header().Set("Allow", "OPTIONS, PROPFIND, REPORT")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// checkWritePreconditions enforces If-Match / If-None-Match / the CalDAV
// If-Schedule-Tag-Match header against the current state of the target.
func checkWritePreconditions(r *http.Request, addr *ResourceAddress) error {
	etag := ""
	scheduleTag := ""
	if addr.Object != nil {
		etag = addr.Object.ETag
		scheduleTag = addr.Object.ScheduleTag
	} else if addr.Resource != nil {
		etag = addr.Resource.ETag()
	}
	if match := r.Header.Get("If-Match"); match != "" {
		if !addr.Exists || !etagMatches(match, etag) {
			return &davError{Status: http.StatusPreconditionFailed}
		}
	}
	if noneMatch := r.Header.Get("If-None-Match"); noneMatch != "" {
		if noneMatch == "*" && addr.Exists {
			return &davError{Status: http.StatusPreconditionFailed}
		}
		if noneMatch != "*" && addr.Exists && etagMatches(noneMatch, etag) {
			return &davError{Status: http.StatusPreconditionFailed}
		}
	}
	if stMatch := r.Header.Get("If-Schedule-Tag-Match"); stMatch != "" {
		if !addr.Exists || !etagMatches(stMatch, scheduleTag) {
			return &davError{Status: http.StatusPreconditionFailed}
		}
	}
	return nil
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		candidate = strings.Trim(candidate, `"`)
		if candidate == "*" || (etag != "" && candidate == etag) {
			return true
		}
	}
	return false
}

func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	addr, err := h.res.resolve(ctx, r.URL.Path, mayExist, resolveHints{})
	if err != nil {
		h.error(w, r, err)
		return
	}
	if addr.IsCollection() {
		if addr.Exists {
			w.Header().Set("Allow", "OPTIONS, PROPFIND, PROPPATCH, DELETE, REPORT")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		// leaf of a nonexistent collection chain: missing ancestor
		h.error(w, r, conflict(""))
		return
	}
	if err := checkWritePreconditions(r, addr); err != nil {
		h.error(w, r, err)
		return
	}
	priv := backend.PrivWrite
	if !addr.Exists {
		priv = backend.PrivBind
	}
	if err := h.gate.require(ctx, addr.ParentPath(), priv); err != nil {
		h.error(w, r, err)
		return
	}
	body, err := readDAVBody(r)
	if err != nil {
		if errors.Is(err, errRequestTooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		h.error(w, r, badRequest(""))
		return
	}

	switch addr.Kind {
	case targetEntity:
		if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/calendar") {
			h.error(w, r, forbidden("supported-calendar-data"))
			return
		}
		cal, err := backend.ParseCalendar(body)
		if err != nil {
			h.error(w, r, forbidden("valid-calendar-data"))
			return
		}
		// the encoder enforces stricter rules than the parser (one DTSTAMP
		// per component, etc.); reject bodies we could not serve back
		if _, err := backend.SerializeCalendar(cal); err != nil {
			h.error(w, r, forbidden("valid-calendar-data"))
			return
		}
		stored, err := h.backend.PutCalendarObject(ctx, backend.CalendarObject{
			CollectionPath: addr.ParentPath(),
			Name:           addr.Name(),
			Data:           cal,
		})
		if err != nil {
			h.error(w, r, err)
			return
		}
		w.Header().Set("ETag", quoteETag(stored.ETag))
		if stored.ScheduleTag != "" {
			w.Header().Set("Schedule-Tag", quoteETag(stored.ScheduleTag))
		}
	case targetResource:
		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = mimetype.Detect(body).String()
		}
		stored, err := h.backend.PutResource(ctx, backend.BinaryResource{
			CollectionPath: addr.ParentPath(),
			Name:           addr.Name(),
			ContentType:    contentType,
			Content:        body,
		})
		if err != nil {
			h.error(w, r, err)
			return
		}
		w.Header().Set("ETag", quoteETag(stored.ETag()))
	}
	if addr.Exists {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	addr, err := h.res.resolve(ctx, r.URL.Path, mustExist, resolveHints{})
	if err != nil {
		h.error(w, r, err)
		return
	}
	if err := checkWritePreconditions(r, addr); err != nil {
		h.error(w, r, err)
		return
	}
	switch addr.Kind {
	case targetCollection:
		if err := h.gate.require(ctx, addr.Path, backend.PrivUnbind); err != nil {
			h.error(w, r, err)
			return
		}
		err = h.backend.DeleteCollection(ctx, addr.Path)
	case targetEntity:
		if err := h.gate.require(ctx, addr.ParentPath(), backend.PrivUnbind); err != nil {
			h.error(w, r, err)
			return
		}
		err = h.backend.DeleteCalendarObject(ctx, addr.ParentPath(), addr.Name())
	case targetResource:
		if err := h.gate.require(ctx, addr.ParentPath(), backend.PrivUnbind); err != nil {
			h.error(w, r, err)
			return
		}
		err = h.backend.DeleteResource(ctx, addr.ParentPath(), addr.Name())
	default:
		h.error(w, r, forbidden(""))
		return
	}
	if err != nil {
		h.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Mkcol(w http.ResponseWriter, r *http.Request) {
	h.makeCollection(w, r, backend.KindCollection, nil)
}

func (h *Handler) Mkcalendar(w http.ResponseWriter, r *http.Request) {
	body, err := readDAVBody(r)
	if err != nil {
		h.error(w, r, badRequest(""))
		return
	}
	var props *collectionProps
	if len(body) > 0 {
		var req mkcalendarReq
		if err := safeUnmarshalXML(body, &req); err != nil {
			h.error(w, r, badRequest("valid-calendar-data"))
			return
		}
		if req.Set != nil {
			props = &req.Set.Prop
		}
	}
	h.makeCollection(w, r, backend.KindCalendar, props)
}

func (h *Handler) makeCollection(w http.ResponseWriter, r *http.Request, kind backend.CollectionKind, props *collectionProps) {
	ctx := r.Context()
	addr, err := h.res.resolve(ctx, r.URL.Path, mayExist, resolveHints{})
	if err != nil {
		h.error(w, r, err)
		return
	}
	if addr.Exists {
		w.Header().Set("Allow", "OPTIONS, PROPFIND, PROPPATCH, DELETE, REPORT")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parentOpt, err := h.backend.ResolveCollection(ctx, addr.ParentPath())
	if err != nil {
		h.error(w, r, mapBackendError(err))
		return
	}
	parent, ok := parentOpt.Get()
	if !ok {
		h.error(w, r, conflict(""))
		return
	}
	// calendar collections never contain collections, whatever the access
	if parent.Kind.EntitiesAllowed() {
		h.error(w, r, forbidden("calendar-collection-location-ok"))
		return
	}
	if err := h.gate.require(ctx, parent.Path, backend.PrivBind); err != nil {
		h.error(w, r, err)
		return
	}
	access, err := h.gate.check(ctx, parent.Path, backend.PrivBind, true)
	if err != nil {
		h.error(w, r, err)
		return
	}
	col := backend.Collection{
		Path:            addr.Path,
		ParentPath:      parent.Path,
		Kind:            kind,
		DisplayName:     addr.Name(),
		Owner:           parent.Owner,
		AffectsFreeBusy: kind == backend.KindCalendar,
	}
	if col.Owner == "" {
		col.Owner = access.Principal
	}
	if props != nil {
		if props.DisplayName != nil {
			col.DisplayName = *props.DisplayName
		}
		if props.CalendarDescription != nil {
			col.Description = props.CalendarDescription
		}
		if props.CalendarTimezone != nil {
			col.TimezoneID = *props.CalendarTimezone
		}
		if props.CalendarColor != nil {
			col.Color = *props.CalendarColor
		}
	}
	if err := h.backend.MakeCollection(ctx, col); err != nil {
		if errors.Is(err, backend.ErrExists) {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) Proppatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	addr, err := h.res.resolve(ctx, r.URL.Path, mustExist, resolveHints{})
	if err != nil {
		h.error(w, r, err)
		return
	}
	if !addr.IsCollection() {
		h.error(w, r, forbidden(""))
		return
	}
	if err := h.gate.require(ctx, addr.Path, backend.PrivWrite); err != nil {
		h.error(w, r, err)
		return
	}
	body, err := readDAVBody(r)
	if err != nil {
		h.error(w, r, badRequest(""))
		return
	}
	var req proppatchRequest
	if err := safeUnmarshalXML(body, &req); err != nil {
		h.error(w, r, badRequest(""))
		return
	}
	col := *addr.Collection
	if req.Set != nil {
		p := req.Set.Prop
		if p.DisplayName != nil {
			col.DisplayName = *p.DisplayName
		}
		if p.CalendarDescription != nil {
			col.Description = p.CalendarDescription
		}
		if p.CalendarTimezone != nil {
			col.TimezoneID = *p.CalendarTimezone
		}
		if p.CalendarColor != nil {
			col.Color = *p.CalendarColor
		}
	}
	if req.Remove != nil {
		p := req.Remove.Prop
		if p.CalendarDescription != nil {
			col.Description = nil
		}
		if p.CalendarColor != nil {
			col.Color = ""
		}
	}
	if err := h.backend.UpdateCollection(ctx, col); err != nil {
		h.error(w, r, err)
		return
	}
	ms := newMultistatus(response{
		Href:     collectionHref(addr.Path),
		Propstat: []propstat{{Prop: prop{DisplayName: col.DisplayName}, Status: httpStatusOK}},
	})
	writeMultistatus(w, ms)
}

func (h *Handler) Copy(w http.ResponseWriter, r *http.Request) {
	h.copyMove(w, r, false)
}

func (h *Handler) Move(w http.ResponseWriter, r *http.Request) {
	h.copyMove(w, r, true)
}

func (h *Handler) copyMove(w http.ResponseWriter, r *http.Request, move bool) {
	ctx := r.Context()
	src, err := h.res.resolve(ctx, r.URL.Path, mustExist, resolveHints{})
	if err != nil {
		h.error(w, r, err)
		return
	}
	destPath, err := h.destinationPath(r)
	if err != nil {
		h.error(w, r, err)
		return
	}
	overwrite := !strings.EqualFold(r.Header.Get("Overwrite"), "F")
	req := mustNotExist
	if overwrite {
		req = mayExist
	}
	dst, err := h.res.resolve(ctx, destPath, req, resolveHints{})
	if err != nil {
		h.error(w, r, err)
		return
	}
	if src.Equal(dst) {
		h.error(w, r, forbidden(""))
		return
	}
	// non-collection sources only accept Depth 0 or infinity
	if depth := r.Header.Get("Depth"); depth != "" && depth != "0" && depth != "infinity" {
		h.error(w, r, badRequest(""))
		return
	}
	if err := h.gate.require(ctx, src.Path, backend.PrivRead); err != nil {
		h.error(w, r, err)
		return
	}
	if err := h.gate.require(ctx, dst.ParentPath(), backend.PrivBind); err != nil {
		h.error(w, r, err)
		return
	}

	existedBefore := dst.Exists
	switch src.Kind {
	case targetEntity:
		obj := *src.Object
		obj.CollectionPath = dst.ParentPath()
		obj.Name = dst.Name()
		obj.ETag = ""
		obj.ScheduleTag = ""
		if _, err := h.backend.PutCalendarObject(ctx, obj); err != nil {
			h.error(w, r, err)
			return
		}
	case targetResource:
		res := *src.Resource
		res.CollectionPath = dst.ParentPath()
		res.Name = dst.Name()
		if _, err := h.backend.PutResource(ctx, res); err != nil {
			h.error(w, r, err)
			return
		}
	default:
		h.error(w, r, forbidden(""))
		return
	}
	if move {
		if err := h.gate.require(ctx, src.ParentPath(), backend.PrivUnbind); err != nil {
			h.error(w, r, err)
			return
		}
		var delErr error
		if src.Kind == targetEntity {
			delErr = h.backend.DeleteCalendarObject(ctx, src.ParentPath(), src.Name())
		} else {
			delErr = h.backend.DeleteResource(ctx, src.ParentPath(), src.Name())
		}
		if delErr != nil {
			h.error(w, r, delErr)
			return
		}
	}
	if existedBefore {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
}

// destinationPath extracts the path from the Destination header, rejecting
// cross-host targets and stripping the handler's mount prefix.
func (h *Handler) destinationPath(r *http.Request) (string, error) {
	raw := r.Header.Get("Destination")
	if raw == "" {
		return "", badRequest("")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", badRequest("")
	}
	if u.Host != "" && r.Host != "" && u.Host != r.Host {
		return "", &davError{Status: http.StatusBadGateway}
	}
	path := u.Path
	if h.Prefix != "" && strings.HasPrefix(path, h.Prefix+"/") {
		path = strings.TrimPrefix(path, h.Prefix)
	}
	if path == "" {
		return "", badRequest("")
	}
	return path, nil
}

func collectionHref(path string) string {
	if strings.HasSuffix(path, "/") {
		return path
	}
	return path + "/"
}
