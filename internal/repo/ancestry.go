package repo

import (
	"context"

	"github.com/roach88/avm/internal/avm"
)

// Predecessor returns the direct history ancestor of id.
func (v *View) Predecessor(ctx context.Context, id int64) (int64, bool, error) {
	l, err := v.port.GetHistoryLinkByDescendant(ctx, id)
	if avm.IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return l.AncestorID, true, nil
}

// MergeSource returns the node id was merged from.
func (v *View) MergeSource(ctx context.Context, id int64) (int64, bool, error) {
	l, err := v.port.GetMergeLinkByTo(ctx, id)
	if avm.IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return l.FromID, true, nil
}

// Ancestors returns every node reachable from id by following history and
// merge links backwards. id itself is not included.
func (v *View) Ancestors(ctx context.Context, id int64) (map[int64]bool, error) {
	seen := make(map[int64]bool)
	queue := []int64{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		pred, ok, err := v.Predecessor(ctx, cur)
		if err != nil {
			return nil, err
		}
		if ok && !seen[pred] && pred != id {
			seen[pred] = true
			queue = append(queue, pred)
		}

		src, ok, err := v.MergeSource(ctx, cur)
		if err != nil {
			return nil, err
		}
		if ok && !seen[src] && src != id {
			seen[src] = true
			queue = append(queue, src)
		}
	}
	return seen, nil
}

// History returns the node at p followed by up to limit history ancestors,
// newest first. A limit of zero or less returns the whole chain.
func (v *View) History(ctx context.Context, p avm.VersionPath, limit int) ([]*avm.Node, error) {
	r, err := v.LookupDeleted(ctx, p)
	if err != nil {
		return nil, err
	}
	chain := []*avm.Node{r.Node}
	seen := map[int64]bool{r.Node.ID: true}
	cur := r.Node.ID
	for limit <= 0 || len(chain) <= limit {
		pred, ok, err := v.Predecessor(ctx, cur)
		if err != nil {
			return nil, err
		}
		if !ok || seen[pred] {
			break
		}
		n, err := v.cache.Node(ctx, pred)
		if err != nil {
			return nil, err
		}
		seen[pred] = true
		chain = append(chain, n)
		cur = pred
	}
	return chain, nil
}

// CommonAncestor returns the nearest node that both a and b descend from,
// counting a node as its own ancestor.
func (v *View) CommonAncestor(ctx context.Context, a, b avm.VersionPath) (*avm.Node, error) {
	ra, err := v.LookupDeleted(ctx, a)
	if err != nil {
		return nil, err
	}
	rb, err := v.LookupDeleted(ctx, b)
	if err != nil {
		return nil, err
	}
	if ra.Node.ID == rb.Node.ID {
		return ra.Node, nil
	}

	ancB, err := v.Ancestors(ctx, rb.Node.ID)
	if err != nil {
		return nil, err
	}
	ancB[rb.Node.ID] = true

	// Walk a's ancestry breadth first so the nearest match wins.
	seen := map[int64]bool{ra.Node.ID: true}
	queue := []int64{ra.Node.ID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if ancB[cur] {
			return v.cache.Node(ctx, cur)
		}
		pred, ok, err := v.Predecessor(ctx, cur)
		if err != nil {
			return nil, err
		}
		if ok && !seen[pred] {
			seen[pred] = true
			queue = append(queue, pred)
		}
		src, ok, err := v.MergeSource(ctx, cur)
		if err != nil {
			return nil, err
		}
		if ok && !seen[src] {
			seen[src] = true
			queue = append(queue, src)
		}
	}
	return nil, avm.NewNotFoundError(a.String(), "no common ancestor with %s", b)
}

// LayerState reports where the path at p stands in the layering lifecycle.
//
// A path that is only visible through a layer, or a layered node without
// local overrides, is a pure indirection. A layered directory with direct
// entries or opacity is overridden. Plain nodes are concrete.
func (v *View) LayerState(ctx context.Context, p avm.VersionPath) (avm.LayerState, error) {
	r, err := v.Lookup(ctx, p)
	if err != nil {
		return "", err
	}
	if !r.Direct {
		return avm.PureIndirection, nil
	}
	switch r.Node.Type {
	case avm.LayeredFile:
		return avm.PureIndirection, nil
	case avm.LayeredDirectory:
		if r.Node.Opacity {
			return avm.Overridden, nil
		}
		entries, err := v.port.ListChildren(ctx, r.Node.ID, "")
		if err != nil {
			return "", err
		}
		if len(entries) > 0 {
			return avm.Overridden, nil
		}
		return avm.PureIndirection, nil
	default:
		return avm.Concrete, nil
	}
}
