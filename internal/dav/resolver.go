package dav

import (
	"context"

	"gitea.jw6.us/james/calserve/internal/backend"
)

// existenceRequirement states what the caller needs to be true about the
// target before the method logic runs.
type existenceRequirement int

const (
	mayExist existenceRequirement = iota
	mustExist
	mustNotExist
	knownToExist
)

// resolveHints carries facts the caller already established, letting the
// resolver skip lookups. A knownToExist requirement with a hint address is the
// fast path: the hint is trusted as-is.
type resolveHints struct {
	known *ResourceAddress
}

// resolver turns request paths into typed addresses.
type resolver struct {
	backend backend.Backend
}

// resolve normalizes the path, classifies the target, and enforces the
// existence requirement. Lookups run container-first: a collection at the full
// path wins; otherwise the parent collection decides whether the leaf is a
// calendar object or a binary resource.
func (r *resolver) resolve(ctx context.Context, rawPath string, req existenceRequirement, hints resolveHints) (*ResourceAddress, error) {
	if req == knownToExist && hints.known != nil {
		return hints.known, nil
	}
	path, err := normalizePath(rawPath)
	if err != nil {
		return nil, err
	}
	if hints.known != nil && hints.known.Path == path {
		return r.check(hints.known, req)
	}

	if r.backend.LooksLikePrincipal(path) {
		addr := &ResourceAddress{Path: path, Kind: targetPrincipal}
		opt, err := r.backend.ResolvePrincipal(ctx, path)
		if err != nil {
			return nil, mapBackendError(err)
		}
		if p, ok := opt.Get(); ok {
			addr.Exists = true
			addr.Principal = &p
		}
		return r.check(addr, req)
	}

	opt, err := r.backend.ResolveCollection(ctx, path)
	if err != nil {
		return nil, mapBackendError(err)
	}
	if col, ok := opt.Get(); ok {
		return r.check(&ResourceAddress{Path: path, Kind: targetCollection, Exists: true, Collection: &col}, req)
	}

	addr := &ResourceAddress{Path: path}
	parentOpt, err := r.backend.ResolveCollection(ctx, addr.ParentPath())
	if err != nil {
		return nil, mapBackendError(err)
	}
	parent, ok := parentOpt.Get()
	if !ok {
		// no containing collection either: a miss for reads, a missing
		// ancestor for creates
		if req == mustNotExist {
			return nil, conflict("")
		}
		addr.Kind = targetCollection
		return r.check(addr, req)
	}

	if parent.Kind.EntitiesAllowed() {
		addr.Kind = targetEntity
		objOpt, err := r.backend.ResolveCalendarObject(ctx, parent.Path, addr.Name())
		if err != nil {
			return nil, mapBackendError(err)
		}
		if obj, ok := objOpt.Get(); ok {
			addr.Exists = true
			addr.Object = &obj
		}
		return r.check(addr, req)
	}

	addr.Kind = targetResource
	resOpt, err := r.backend.ResolveResource(ctx, parent.Path, addr.Name())
	if err != nil {
		return nil, mapBackendError(err)
	}
	if res, ok := resOpt.Get(); ok {
		addr.Exists = true
		addr.Resource = &res
	}
	return r.check(addr, req)
}

func (r *resolver) check(addr *ResourceAddress, req existenceRequirement) (*ResourceAddress, error) {
	switch req {
	case mustExist, knownToExist:
		if !addr.Exists {
			return nil, notFound()
		}
	case mustNotExist:
		if addr.Exists {
			return nil, &davError{Status: 412}
		}
	}
	return addr, nil
}
