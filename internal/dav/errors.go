package dav

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gitea.jw6.us/james/calserve/internal/backend"
)

// davError is a protocol-level failure: an HTTP status plus an optional
// precondition/postcondition element for the error body. Condition names in
// the CalDAV namespace go in Condition; DAV: namespace ones in DAVCondition.
type davError struct {
	Status       int
	Condition    string
	DAVCondition string
}

func (e *davError) Error() string {
	if e.Condition != "" {
		return fmt.Sprintf("dav: %d %s", e.Status, e.Condition)
	}
	if e.DAVCondition != "" {
		return fmt.Sprintf("dav: %d %s", e.Status, e.DAVCondition)
	}
	return fmt.Sprintf("dav: %d", e.Status)
}

func badRequest(condition string) *davError {
	return &davError{Status: http.StatusBadRequest, Condition: condition}
}

func notFound() *davError {
	return &davError{Status: http.StatusNotFound}
}

func forbidden(condition string) *davError {
	return &davError{Status: http.StatusForbidden, Condition: condition}
}

func conflict(condition string) *davError {
	return &davError{Status: http.StatusConflict, Condition: condition}
}

func serverError() *davError {
	return &davError{Status: http.StatusInternalServerError}
}

// mapBackendError translates backend sentinel errors into protocol errors.
// Unknown errors become 500s so storage failures never leak as protocol
// semantics.
func mapBackendError(err error) *davError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, backend.ErrNotFound):
		return notFound()
	case errors.Is(err, backend.ErrForbidden):
		return forbidden("")
	case errors.Is(err, backend.ErrUIDConflict):
		return forbidden("no-uid-conflict")
	case errors.Is(err, backend.ErrConflict):
		return conflict("")
	case errors.Is(err, backend.ErrExists):
		return &davError{Status: http.StatusPreconditionFailed}
	case errors.Is(err, backend.ErrInvalidObject):
		return forbidden("valid-calendar-object-resource")
	case errors.Is(err, backend.ErrUnavailable):
		return &davError{Status: http.StatusServiceUnavailable}
	default:
		return serverError()
	}
}

// asDAVError normalizes any error into a davError for the response writer.
func asDAVError(err error) *davError {
	var de *davError
	if errors.As(err, &de) {
		return de
	}
	return mapBackendError(err)
}

// isValidConditionName validates a condition element name before it is
// interpolated into the error body: ^[a-z][a-z0-9-]*$.
func isValidConditionName(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i, ch := range s {
		if i == 0 {
			if ch < 'a' || ch > 'z' {
				return false
			}
		} else if !((ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') || ch == '-') {
			return false
		}
	}
	return true
}

// writeDAVError emits the error, with an XML error body when a condition
// element is attached.
func writeDAVError(w http.ResponseWriter, err error) {
	de := asDAVError(err)
	if de.Condition == "" && de.DAVCondition == "" {
		w.WriteHeader(de.Status)
		return
	}
	var el string
	switch {
	case de.Condition != "" && isValidConditionName(de.Condition):
		el = "<C:" + de.Condition + "/>"
	case de.DAVCondition != "" && isValidConditionName(de.DAVCondition):
		el = "<D:" + de.DAVCondition + "/>"
	default:
		w.WriteHeader(de.Status)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(de.Status)
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?><D:error xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">`)
	b.WriteString(el)
	b.WriteString(`</D:error>`)
	_, _ = fmt.Fprint(w, b.String())
}
