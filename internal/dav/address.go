package dav

import (
	"net/url"
	"strings"

	"gitea.jw6.us/james/calserve/internal/backend"
)

// targetKind classifies what an address points at (or would point at, for
// addresses that do not exist yet).
type targetKind int

const (
	targetCollection targetKind = iota
	targetEntity
	targetResource
	targetPrincipal
)

// ResourceAddress is a fully resolved URI: the normalized path, the kind of
// thing living there, and the loaded record when it exists. Addresses are
// snapshots; they do not revalidate on access.
type ResourceAddress struct {
	Path   string
	Kind   targetKind
	Exists bool

	Collection *backend.Collection
	Object     *backend.CalendarObject
	Resource   *backend.BinaryResource
	Principal  *backend.Principal
}

// ParentPath returns the path of the containing collection.
func (a *ResourceAddress) ParentPath() string {
	idx := strings.LastIndex(a.Path, "/")
	if idx <= 0 {
		return "/"
	}
	return a.Path[:idx]
}

// Name returns the leaf segment.
func (a *ResourceAddress) Name() string {
	return a.Path[strings.LastIndex(a.Path, "/")+1:]
}

// IsCollection reports whether the address names a container.
func (a *ResourceAddress) IsCollection() bool {
	return a.Kind == targetCollection
}

// Equal compares by normalized path and kind. Existence and loaded records
// are snapshots, not identity.
func (a *ResourceAddress) Equal(b *ResourceAddress) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Path == b.Path && a.Kind == b.Kind
}

// normalizePath canonicalizes a request path: percent-decoding, slash
// collapsing, and dot-segment removal. Paths that climb above the root are
// malformed.
func normalizePath(raw string) (string, error) {
	if raw == "" || !strings.HasPrefix(raw, "/") {
		return "", badRequest("")
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", badRequest("")
	}
	if strings.ContainsRune(decoded, 0) {
		return "", badRequest("")
	}
	segments := strings.Split(decoded, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				return "", badRequest("")
			}
			out = out[:len(out)-1]
		default:
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return "/", nil
	}
	return "/" + strings.Join(out, "/"), nil
}
