package repo

import (
	"context"
	"sort"

	"github.com/roach88/avm/internal/avm"
)

// MaterializeOptions controls Materialize.
type MaterializeOptions struct {
	// Flatten turns layered files into plain copies of their target and only
	// shares directories whose whole subtree is free of layered nodes.
	Flatten bool

	// Excluder drops matching source paths from copied directories.
	Excluder avm.Excluder
}

// Materialize copies the effective content of src into a new, unattached
// node of this store. Directories become plain directories; their sealed
// plain children are shared by id and everything else is copied in turn.
//
// Copies of sealed nodes are merge-linked to their source. A head node can
// still change in place, so its copy carries no merge link and a later
// compare classifies the pair by history alone.
func (w *Writer) Materialize(ctx context.Context, src *Resolved, opts MaterializeOptions) (*avm.Node, error) {
	st, err := w.current(ctx)
	if err != nil {
		return nil, err
	}
	return w.materialize(ctx, st, src, opts)
}

func (w *Writer) materialize(ctx context.Context, st *avm.Store, src *Resolved, opts MaterializeOptions) (*avm.Node, error) {
	old := src.Node
	n := w.newNode(st.ID, old.Type)
	n.GUID = old.GUID
	n.ACLID = old.ACLID
	if old.Properties != nil {
		n.Properties = old.Clone().Properties
	}

	switch {
	case old.Type == avm.LayeredFile && opts.Flatten:
		target, err := w.FollowFile(ctx, src)
		if err != nil {
			return nil, err
		}
		n.Type = avm.PlainFile
		n.Content = target.Node.Content
	case old.Type.IsFile():
		n.Content = old.Content
		n.Indirection = old.Indirection
		n.IndirectionVersion = old.IndirectionVersion
	case old.Type.IsDirectory():
		n.Type = avm.PlainDirectory
	}

	if err := w.CreateNode(ctx, n); err != nil {
		return nil, err
	}

	if n.Type.IsDirectory() {
		children, err := w.Children(ctx, src, false)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if avm.IsExcluded(opts.Excluder, c.Path.Path) {
				continue
			}
			childID := c.Node.ID
			share, err := w.shareable(ctx, c.Node, opts.Flatten)
			if err != nil {
				return nil, err
			}
			if !share {
				cn, err := w.materialize(ctx, st, c, opts)
				if err != nil {
					return nil, err
				}
				childID = cn.ID
			}
			if err := w.Link(ctx, n.ID, c.Name(), childID); err != nil {
				return nil, err
			}
		}
	}

	if old.Sealed() {
		if err := w.port.CreateMergeLink(ctx, avm.MergeLink{FromID: old.ID, ToID: n.ID}); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// UnsealedStores returns, in name order, the stores owning head nodes that
// a copy of src would read. Snapshotting them first seals everything the
// copy links to. Sealed plain directories are not descended into: they are
// shared by id.
func (v *View) UnsealedStores(ctx context.Context, src *Resolved, excluder avm.Excluder) ([]string, error) {
	owners := make(map[int64]bool)
	if err := v.collectUnsealed(ctx, src, excluder, owners); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(owners))
	for id := range owners {
		st, err := v.port.GetStoreByID(ctx, id)
		if err != nil {
			return nil, err
		}
		names = append(names, st.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (v *View) collectUnsealed(ctx context.Context, r *Resolved, excluder avm.Excluder, owners map[int64]bool) error {
	n := r.Node
	if n.Type.IsDeleted() {
		return nil
	}
	if !n.Sealed() {
		owners[n.StoreID] = true
	}
	if !n.Type.IsDirectory() || (n.Sealed() && !n.Type.IsLayered()) {
		return nil
	}
	children, err := v.Children(ctx, r, false)
	if err != nil {
		return err
	}
	for _, c := range children {
		if avm.IsExcluded(excluder, c.Path.Path) {
			continue
		}
		if err := v.collectUnsealed(ctx, c, excluder, owners); err != nil {
			return err
		}
	}
	return nil
}

// shareable reports whether n may be linked by id into another directory:
// it must be sealed and plain, and when concrete is set its subtree must be
// free of layered nodes as well.
func (w *Writer) shareable(ctx context.Context, n *avm.Node, concrete bool) (bool, error) {
	if !n.Sealed() || n.Type.IsLayered() {
		return false, nil
	}
	if !concrete || n.Type != avm.PlainDirectory {
		return true, nil
	}
	return w.Concrete(ctx, n)
}

// Concrete reports whether the subtree rooted at n contains no layered node.
func (v *View) Concrete(ctx context.Context, n *avm.Node) (bool, error) {
	if n.Type.IsLayered() {
		return false, nil
	}
	if n.Type != avm.PlainDirectory {
		return true, nil
	}
	entries, err := v.port.ListChildren(ctx, n.ID, "")
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		c, err := v.cache.Node(ctx, e.ChildID)
		if err != nil {
			return false, err
		}
		ok, err := v.Concrete(ctx, c)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Replace puts n at p in the head. Whatever p named before, live or ghost,
// direct or inherited, becomes n's history ancestor. The parent directory
// must exist.
func (w *Writer) Replace(ctx context.Context, p string, n *avm.Node) error {
	vp, err := w.headPath(p)
	if err != nil {
		return err
	}
	if vp.IsRoot() {
		st, err := w.current(ctx)
		if err != nil {
			return err
		}
		if err := w.port.SetStoreRoot(ctx, st.ID, n.ID); err != nil {
			return err
		}
		w.cache.forgetStore(w.store)
		return w.linkHistory(ctx, st.RootID, n.ID)
	}

	parent, name, err := w.lookupParentForWrite(ctx, vp.Path)
	if err != nil {
		return err
	}
	existing, err := w.Child(ctx, parent, name, true)
	switch {
	case err == nil:
		if existing.Direct {
			if err := w.port.DeleteChildEntry(ctx, parent.Node.ID, name); err != nil {
				return err
			}
		}
		if err := w.linkHistory(ctx, existing.Node.ID, n.ID); err != nil {
			return err
		}
	case !avm.IsNotFound(err):
		return err
	}
	return w.Link(ctx, parent.Node.ID, name, n.ID)
}

// linkHistory records ancestor -> descendant unless descendant already has
// a history ancestor.
func (w *Writer) linkHistory(ctx context.Context, ancestor, descendant int64) error {
	if ancestor == descendant {
		return nil
	}
	_, ok, err := w.Predecessor(ctx, descendant)
	if err != nil || ok {
		return err
	}
	return w.port.CreateHistoryLink(ctx, avm.HistoryLink{AncestorID: ancestor, DescendantID: descendant})
}
