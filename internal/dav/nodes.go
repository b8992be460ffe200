package dav

import (
	"context"

	"gitea.jw6.us/james/calserve/internal/backend"
)

// maxAliasHops bounds alias chains. Deeper chains (and therefore cycles) fail
// closed.
const maxAliasHops = 8

// node is a typed view over one resolved address, carrying the capability
// surface the method handlers work with. Access results are memoized per node
// and privilege; nodes are request-scoped so grants are never cached across
// requests.
type node struct {
	h      *Handler
	addr   *ResourceAddress
	access map[backend.Privilege]backend.AccessResult
}

func (h *Handler) nodeFor(addr *ResourceAddress) *node {
	return &node{h: h, addr: addr}
}

func (n *node) Address() *ResourceAddress { return n.addr }

// Owner returns the principal path owning the node's target. For collection
// aliases the owner of the dereferenced target is authoritative.
func (n *node) Owner(ctx context.Context) (string, error) {
	switch n.addr.Kind {
	case targetPrincipal:
		return n.addr.Path, nil
	case targetCollection:
		col, err := n.CollectionRecord(ctx, true)
		if err != nil {
			return "", err
		}
		return col.Owner, nil
	default:
		parent, err := n.parentCollection(ctx)
		if err != nil {
			return "", err
		}
		return parent.Owner, nil
	}
}

// CurrentAccess evaluates the given privilege for the request principal
// against the dereferenced target, once per node and privilege.
func (n *node) CurrentAccess(ctx context.Context, priv backend.Privilege) (backend.AccessResult, error) {
	if res, ok := n.access[priv]; ok {
		return res, nil
	}
	target := n.addr.Path
	if n.addr.Kind == targetCollection && n.addr.Collection != nil && n.addr.Collection.Alias {
		col, err := n.CollectionRecord(ctx, true)
		if err != nil {
			return backend.AccessResult{}, err
		}
		target = col.Path
	}
	res, err := n.h.gate.check(ctx, target, priv, true)
	if err != nil {
		return backend.AccessResult{}, err
	}
	if n.access == nil {
		n.access = make(map[backend.Privilege]backend.AccessResult)
	}
	n.access[priv] = res
	return res, nil
}

// ETag returns the entity tag for leaf nodes; collections and principals have
// none.
func (n *node) ETag() string {
	switch {
	case n.addr.Object != nil:
		return n.addr.Object.ETag
	case n.addr.Resource != nil:
		return n.addr.Resource.ETag()
	}
	return ""
}

// CollectionRecord returns the node's collection record, dereferencing alias
// chains when deref is set. A chain longer than maxAliasHops fails closed.
func (n *node) CollectionRecord(ctx context.Context, deref bool) (*backend.Collection, error) {
	if n.addr.Kind != targetCollection || n.addr.Collection == nil {
		return nil, notFound()
	}
	if !deref {
		return n.addr.Collection, nil
	}
	return derefCollection(ctx, n.h.backend, n.addr.Collection)
}

func derefCollection(ctx context.Context, b backend.Backend, col *backend.Collection) (*backend.Collection, error) {
	current := col
	for hops := 0; current.Alias; hops++ {
		if hops >= maxAliasHops {
			return nil, forbidden("")
		}
		opt, err := b.ResolveCollection(ctx, current.AliasTarget)
		if err != nil {
			return nil, mapBackendError(err)
		}
		next, ok := opt.Get()
		if !ok {
			return nil, notFound()
		}
		current = &next
	}
	return current, nil
}

// Children lists member nodes of a collection, dereferencing the collection
// first and dropping members the principal cannot read. A denied member is
// filtered, never an error.
func (n *node) Children(ctx context.Context) ([]*node, error) {
	col, err := n.CollectionRecord(ctx, true)
	if err != nil {
		return nil, err
	}
	children, err := n.h.backend.ListChildren(ctx, col.Path)
	if err != nil {
		return nil, mapBackendError(err)
	}
	out := make([]*node, 0, len(children))
	for i := range children {
		child := childAddress(n.addr.Path, col.Path, children[i])
		if child == nil {
			continue
		}
		cn := n.h.nodeFor(child)
		access, err := cn.CurrentAccess(ctx, backend.PrivRead)
		if err != nil {
			return nil, err
		}
		if !access.Allowed {
			continue
		}
		out = append(out, cn)
	}
	return out, nil
}

// childAddress builds the member's address as seen from the queried path, so
// members of an aliased collection keep the alias vantage in their hrefs.
func childAddress(viewPath, physicalPath string, child backend.Child) *ResourceAddress {
	switch {
	case child.Collection != nil:
		col := *child.Collection
		return &ResourceAddress{
			Path:       viewPath + "/" + leafName(col.Path),
			Kind:       targetCollection,
			Exists:     true,
			Collection: &col,
		}
	case child.Object != nil:
		obj := *child.Object
		return &ResourceAddress{
			Path:   viewPath + "/" + obj.Name,
			Kind:   targetEntity,
			Exists: true,
			Object: &obj,
		}
	case child.Resource != nil:
		res := *child.Resource
		return &ResourceAddress{
			Path:     viewPath + "/" + res.Name,
			Kind:     targetResource,
			Exists:   true,
			Resource: &res,
		}
	}
	return nil
}

func leafName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func (n *node) parentCollection(ctx context.Context) (*backend.Collection, error) {
	opt, err := n.h.backend.ResolveCollection(ctx, n.addr.ParentPath())
	if err != nil {
		return nil, mapBackendError(err)
	}
	col, ok := opt.Get()
	if !ok {
		return nil, notFound()
	}
	return &col, nil
}
