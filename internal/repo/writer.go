package repo

import (
	"context"
	"strings"

	"github.com/roach88/avm/internal/avm"
)

// Writer mutates the head of one store inside a write transaction.
type Writer struct {
	*View
	store string
}

// StoreName returns the name of the store being written.
func (w *Writer) StoreName() string {
	return w.store
}

func (w *Writer) current(ctx context.Context) (*avm.Store, error) {
	return w.cache.Store(ctx, w.store)
}

// Savepoint runs fn in a nested savepoint. When fn fails its writes are
// rolled back, the cache is dropped and the transaction remains usable.
func (w *Writer) Savepoint(ctx context.Context, fn func() error) error {
	err := w.port.Savepoint(ctx, fn)
	if err != nil {
		w.cache.Reset()
	}
	return err
}

func (w *Writer) newNode(storeID int64, typ avm.NodeType) *avm.Node {
	now := w.repo.clock.Now()
	return &avm.Node{
		Type:               typ,
		StoreID:            storeID,
		Version:            avm.HeadVersion,
		GUID:               w.repo.guids.Generate(),
		IndirectionVersion: avm.HeadVersion,
		IsNew:              true,
		CreatedAt:          now,
		ModifiedAt:         now,
	}
}

// NewNode returns an unsaved head node of this store.
func (w *Writer) NewNode(ctx context.Context, typ avm.NodeType) (*avm.Node, error) {
	st, err := w.current(ctx)
	if err != nil {
		return nil, err
	}
	return w.newNode(st.ID, typ), nil
}

// CreateNode persists n and caches it.
func (w *Writer) CreateNode(ctx context.Context, n *avm.Node) error {
	if _, err := w.port.CreateNode(ctx, n); err != nil {
		return err
	}
	w.cache.putNode(n)
	return nil
}

// Link adds a directory entry.
func (w *Writer) Link(ctx context.Context, parentID int64, name string, childID int64) error {
	return w.port.CreateChildEntry(ctx, avm.ChildEntry{ParentID: parentID, Name: name, ChildID: childID})
}

// ClearEntries removes every direct entry of a directory.
func (w *Writer) ClearEntries(ctx context.Context, dirID int64) error {
	return w.port.DeleteAllChildrenOf(ctx, dirID)
}

// UpdateHead applies fn to a copy of a head node and persists every column.
func (w *Writer) UpdateHead(ctx context.Context, n *avm.Node, fn func(*avm.Node)) (*avm.Node, error) {
	c := n.Clone()
	h, ok := c.Head()
	if !ok {
		return nil, avm.NewSealedError(n.ID)
	}
	fn(c)
	c.ModifiedAt = w.repo.clock.Now()
	if err := w.port.UpdateNode(ctx, h); err != nil {
		return nil, err
	}
	w.cache.putNode(c)
	return c, nil
}

func (w *Writer) headPath(p string) (avm.VersionPath, error) {
	clean, err := avm.CleanPath(p)
	if err != nil {
		return avm.VersionPath{}, err
	}
	return avm.VersionPath{Store: w.store, Version: avm.HeadVersion, Path: clean}, nil
}

// LookupForWrite resolves p in the head of the store, copying every path
// component that is not already a direct head node of this store.
func (w *Writer) LookupForWrite(ctx context.Context, p string) (*Resolved, error) {
	vp, err := w.headPath(p)
	if err != nil {
		return nil, err
	}
	cur, err := w.root(ctx, w.store, avm.HeadVersion)
	if err != nil {
		return nil, err
	}
	if cur, err = w.ensureWritable(ctx, cur, nil); err != nil {
		return nil, err
	}
	for _, name := range vp.Names() {
		c, err := w.Child(ctx, cur, name, false)
		if err != nil {
			return nil, err
		}
		if cur, err = w.ensureWritable(ctx, c, cur.Node); err != nil {
			return nil, err
		}
	}
	return cur, nil
}

func (w *Writer) ensureWritable(ctx context.Context, r *Resolved, parent *avm.Node) (*Resolved, error) {
	st, err := w.current(ctx)
	if err != nil {
		return nil, err
	}
	if r.Direct && r.Node.StoreID == st.ID && !r.Node.Sealed() {
		return r, nil
	}

	n, err := w.copyForWrite(ctx, st, r)
	if err != nil {
		return nil, err
	}
	if err := w.attach(ctx, st, parent, r, n); err != nil {
		return nil, err
	}
	out := &Resolved{Node: n, Path: r.Path, Context: r.Path, Direct: true}
	if parent != nil {
		out.ParentID = parent.ID
	}
	return out, nil
}

// copyForWrite creates the head copy of r.
//
// A directory only visible through a layer becomes a layered directory over
// the location it was found at. A sealed directory keeps its type and gets
// the same direct entries. Files are copied as they are.
func (w *Writer) copyForWrite(ctx context.Context, st *avm.Store, r *Resolved) (*avm.Node, error) {
	old := r.Node
	n := old.Clone()
	n.ID = 0
	n.StoreID = st.ID
	n.Version = avm.HeadVersion
	n.IsNew = true
	n.CreatedAt = w.repo.clock.Now()
	n.ModifiedAt = n.CreatedAt

	copyEntries := false
	switch {
	case old.Type.IsDirectory() && !r.Direct:
		n.Type = avm.LayeredDirectory
		n.Indirection = r.Context.StorePath()
		n.IndirectionVersion = r.Context.Version
		n.Opacity = false
	case old.Type.IsDirectory():
		copyEntries = true
	}

	if err := w.CreateNode(ctx, n); err != nil {
		return nil, err
	}
	if copyEntries {
		entries, err := w.port.ListChildren(ctx, old.ID, "")
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if err := w.Link(ctx, n.ID, e.Name, e.ChildID); err != nil {
				return nil, err
			}
		}
	}
	if err := w.port.CreateHistoryLink(ctx, avm.HistoryLink{AncestorID: old.ID, DescendantID: n.ID}); err != nil {
		return nil, err
	}
	return n, nil
}

// attach makes n take r's place: as the store root when parent is nil,
// otherwise as parent's entry for r's name.
func (w *Writer) attach(ctx context.Context, st *avm.Store, parent *avm.Node, r *Resolved, n *avm.Node) error {
	if parent == nil {
		if err := w.port.SetStoreRoot(ctx, st.ID, n.ID); err != nil {
			return err
		}
		w.cache.forgetStore(w.store)
		return nil
	}
	name := r.Name()
	if r.Direct {
		if err := w.port.DeleteChildEntry(ctx, parent.ID, name); err != nil {
			return err
		}
	}
	return w.Link(ctx, parent.ID, name, n.ID)
}

// lookupParentForWrite returns the writable parent directory of p and the
// final name. The root has no parent.
func (w *Writer) lookupParentForWrite(ctx context.Context, p string) (*Resolved, string, error) {
	vp, err := w.headPath(p)
	if err != nil {
		return nil, "", err
	}
	if vp.IsRoot() {
		return nil, "", avm.NewInvalidPathError(vp.String(), "operation not allowed on the root")
	}
	parentPath, name := vp.Split()
	parent, err := w.LookupForWrite(ctx, parentPath.Path)
	if err != nil {
		return nil, "", err
	}
	if !parent.Node.Type.IsDirectory() {
		return nil, "", avm.NewTypeMismatchError(parentPath.String(), "not a directory")
	}
	return parent, name, nil
}

// create adds a new node named by p. A live entry of that name, direct or
// inherited, is a NameCollision. A ghost is replaced and becomes the new
// node's history ancestor.
func (w *Writer) create(ctx context.Context, p string, n *avm.Node) error {
	parent, name, err := w.lookupParentForWrite(ctx, p)
	if err != nil {
		return err
	}
	existing, err := w.Child(ctx, parent, name, true)
	switch {
	case err == nil && !existing.Node.Type.IsDeleted():
		return avm.NewNameCollisionError(existing.Path.String(), nil)
	case err != nil && !avm.IsNotFound(err):
		return err
	}

	st, err := w.current(ctx)
	if err != nil {
		return err
	}
	n.StoreID = st.ID
	if err := w.CreateNode(ctx, n); err != nil {
		return err
	}
	if existing != nil {
		if err := w.port.DeleteChildEntry(ctx, parent.Node.ID, name); err != nil {
			return err
		}
		if err := w.port.CreateHistoryLink(ctx, avm.HistoryLink{AncestorID: existing.Node.ID, DescendantID: n.ID}); err != nil {
			return err
		}
	}
	return w.Link(ctx, parent.Node.ID, name, n.ID)
}

func (w *Writer) putContent(ctx context.Context, data []byte, mimeType string) (avm.ContentData, error) {
	if len(data) == 0 {
		return avm.ContentData{MimeType: mimeType}, nil
	}
	if w.repo.content == nil {
		return avm.ContentData{}, avm.NewNotFoundError("", "no content store configured")
	}
	return w.repo.content.Put(ctx, data, mimeType)
}

// CreateFile creates a plain file holding data.
func (w *Writer) CreateFile(ctx context.Context, p string, data []byte, mimeType string) (*avm.Node, error) {
	cd, err := w.putContent(ctx, data, mimeType)
	if err != nil {
		return nil, err
	}
	n, err := w.NewNode(ctx, avm.PlainFile)
	if err != nil {
		return nil, err
	}
	n.Content = cd
	if err := w.create(ctx, p, n); err != nil {
		return nil, err
	}
	return n, nil
}

// CreateDirectory creates an empty plain directory.
func (w *Writer) CreateDirectory(ctx context.Context, p string) (*avm.Node, error) {
	n, err := w.NewNode(ctx, avm.PlainDirectory)
	if err != nil {
		return nil, err
	}
	if err := w.create(ctx, p, n); err != nil {
		return nil, err
	}
	return n, nil
}

// CreateLayeredDirectory creates a layered directory over target.
func (w *Writer) CreateLayeredDirectory(ctx context.Context, target avm.VersionPath, p string) (*avm.Node, error) {
	return w.createLayered(ctx, avm.LayeredDirectory, target, p)
}

// CreateLayeredFile creates a layered file whose content is target's.
func (w *Writer) CreateLayeredFile(ctx context.Context, target avm.VersionPath, p string) (*avm.Node, error) {
	return w.createLayered(ctx, avm.LayeredFile, target, p)
}

func (w *Writer) createLayered(ctx context.Context, typ avm.NodeType, target avm.VersionPath, p string) (*avm.Node, error) {
	n, err := w.NewNode(ctx, typ)
	if err != nil {
		return nil, err
	}
	n.Indirection = target.StorePath()
	n.IndirectionVersion = target.Version
	if err := w.create(ctx, p, n); err != nil {
		return nil, err
	}
	return n, nil
}

// WriteFile replaces the content of an existing file. A layered file becomes
// a plain file.
func (w *Writer) WriteFile(ctx context.Context, p string, data []byte, mimeType string) (*avm.Node, error) {
	r, err := w.LookupForWrite(ctx, p)
	if err != nil {
		return nil, err
	}
	if !r.Node.Type.IsFile() {
		return nil, avm.NewTypeMismatchError(r.Path.String(), "not a file")
	}
	cd, err := w.putContent(ctx, data, mimeType)
	if err != nil {
		return nil, err
	}

	if r.Node.Type == avm.LayeredFile {
		return w.UpdateHead(ctx, r.Node, func(n *avm.Node) {
			n.Type = avm.PlainFile
			n.Indirection = ""
			n.IndirectionVersion = avm.HeadVersion
			n.Content = cd
		})
	}

	n := r.Node.Clone()
	n.Content = cd
	n.ModifiedAt = w.repo.clock.Now()
	if err := w.port.UpdateNodeModTimeAndContent(ctx, n.MustHead()); err != nil {
		return nil, err
	}
	w.cache.putNode(n)
	return n, nil
}

// Remove deletes the entry at p.
//
// A ghost is left behind when the removed node is only visible through a
// layer, is sealed, has history, or lives in a layered directory; otherwise
// the entry simply disappears.
func (w *Writer) Remove(ctx context.Context, p string) error {
	parent, name, err := w.lookupParentForWrite(ctx, p)
	if err != nil {
		return err
	}
	c, err := w.Child(ctx, parent, name, false)
	if err != nil {
		return err
	}
	return w.removeEntry(ctx, parent, c)
}

func (w *Writer) removeEntry(ctx context.Context, parent, c *Resolved) error {
	name := c.Name()
	needGhost := !c.Direct || c.Node.Sealed() || parent.Node.Type == avm.LayeredDirectory
	if !needGhost {
		_, hasHistory, err := w.Predecessor(ctx, c.Node.ID)
		if err != nil {
			return err
		}
		needGhost = hasHistory
	}

	if c.Direct {
		if err := w.port.DeleteChildEntry(ctx, parent.Node.ID, name); err != nil {
			return err
		}
	}
	if !needGhost {
		return nil
	}

	g, err := w.NewNode(ctx, c.Node.Type.Ghost())
	if err != nil {
		return err
	}
	g.GUID = c.Node.GUID
	if err := w.CreateNode(ctx, g); err != nil {
		return err
	}
	if err := w.Link(ctx, parent.Node.ID, name, g.ID); err != nil {
		return err
	}
	return w.port.CreateHistoryLink(ctx, avm.HistoryLink{AncestorID: c.Node.ID, DescendantID: g.ID})
}

// Rename moves the entry at from to the unused name to.
func (w *Writer) Rename(ctx context.Context, from, to string) error {
	src, err := w.headPath(from)
	if err != nil {
		return err
	}
	dst, err := w.headPath(to)
	if err != nil {
		return err
	}
	if src.Path == dst.Path {
		return nil
	}
	if strings.HasPrefix(dst.Path+"/", src.Path+"/") {
		return avm.NewInvalidPathError(dst.String(), "cannot move %s below itself", src.Path)
	}

	srcParent, srcName, err := w.lookupParentForWrite(ctx, src.Path)
	if err != nil {
		return err
	}
	moving, err := w.Child(ctx, srcParent, srcName, false)
	if err != nil {
		return err
	}
	dstParent, dstName, err := w.lookupParentForWrite(ctx, dst.Path)
	if err != nil {
		return err
	}
	existing, err := w.Child(ctx, dstParent, dstName, true)
	switch {
	case err == nil && !existing.Node.Type.IsDeleted():
		return avm.NewNameCollisionError(dst.String(), nil)
	case err != nil && !avm.IsNotFound(err):
		return err
	}

	st, err := w.current(ctx)
	if err != nil {
		return err
	}
	moved := moving.Node
	if !(moving.Direct && moved.StoreID == st.ID && !moved.Sealed()) {
		if moved, err = w.copyForWrite(ctx, st, moving); err != nil {
			return err
		}
	}

	if err := w.removeEntry(ctx, srcParent, moving); err != nil {
		return err
	}

	if existing != nil {
		if err := w.port.DeleteChildEntry(ctx, dstParent.Node.ID, dstName); err != nil {
			return err
		}
		if _, linked, err := w.Predecessor(ctx, moved.ID); err != nil {
			return err
		} else if !linked {
			if err := w.port.CreateHistoryLink(ctx, avm.HistoryLink{AncestorID: existing.Node.ID, DescendantID: moved.ID}); err != nil {
				return err
			}
		}
	}
	return w.Link(ctx, dstParent.Node.ID, dstName, moved.ID)
}

// SetOpacity sets the opacity of a layered directory.
func (w *Writer) SetOpacity(ctx context.Context, p string, opaque bool) error {
	r, err := w.LookupForWrite(ctx, p)
	if err != nil {
		return err
	}
	if r.Node.Type != avm.LayeredDirectory {
		return avm.NewTypeMismatchError(r.Path.String(), "not a layered directory")
	}
	_, err = w.UpdateHead(ctx, r.Node, func(n *avm.Node) { n.Opacity = opaque })
	return err
}

// Retarget points the layered directory at p at a new target. Entries of
// its own are kept; only what shows through changes.
func (w *Writer) Retarget(ctx context.Context, p string, target avm.VersionPath) error {
	r, err := w.LookupForWrite(ctx, p)
	if err != nil {
		return err
	}
	if r.Node.Type != avm.LayeredDirectory {
		return avm.NewTypeMismatchError(r.Path.String(), "not a layered directory")
	}
	_, err = w.UpdateHead(ctx, r.Node, func(n *avm.Node) {
		n.Indirection = target.StorePath()
		n.IndirectionVersion = target.Version
	})
	return err
}

// Uncover drops the ghost at p so the entry of that name in the underlying
// directory shows through again. The parent must be a layered directory and
// p must name a direct ghost in it.
func (w *Writer) Uncover(ctx context.Context, p string) error {
	parent, name, err := w.lookupParentForWrite(ctx, p)
	if err != nil {
		return err
	}
	at := parent.Path.Join(name).String()
	if parent.Node.Type != avm.LayeredDirectory {
		return avm.NewTypeMismatchError(parent.Path.String(), "not a layered directory")
	}
	e, err := w.port.GetChildEntry(ctx, parent.Node.ID, name)
	if avm.IsNotFound(err) {
		return avm.NewNotFoundError(at, "no entry to uncover")
	}
	if err != nil {
		return err
	}
	c, err := w.Node(ctx, e.ChildID)
	if err != nil {
		return err
	}
	if !c.Type.IsDeleted() {
		return avm.NewTypeMismatchError(at, "only a deleted entry can be uncovered")
	}
	return w.port.DeleteChildEntry(ctx, parent.Node.ID, name)
}

// SetProperty sets one property. An empty value deletes it.
func (w *Writer) SetProperty(ctx context.Context, p, key, value string) error {
	r, err := w.LookupForWrite(ctx, p)
	if err != nil {
		return err
	}
	_, err = w.UpdateHead(ctx, r.Node, func(n *avm.Node) {
		if value == "" {
			delete(n.Properties, key)
			return
		}
		if n.Properties == nil {
			n.Properties = make(map[string]string)
		}
		n.Properties[key] = value
	})
	return err
}

// SetGUID replaces the stable identity of the node at p.
func (w *Writer) SetGUID(ctx context.Context, p, guid string) error {
	r, err := w.LookupForWrite(ctx, p)
	if err != nil {
		return err
	}
	n := r.Node.Clone()
	n.GUID = guid
	n.ModifiedAt = w.repo.clock.Now()
	if err := w.port.UpdateNodeModTimeAndGUID(ctx, n.MustHead()); err != nil {
		return err
	}
	w.cache.putNode(n)
	return nil
}

// Snapshot seals every new node of the head into the next version and
// returns it. When nothing changed since the last snapshot the last version
// is returned and nothing is recorded.
func (w *Writer) Snapshot(ctx context.Context, tag, description string) (int, error) {
	st, err := w.current(ctx)
	if err != nil {
		return 0, err
	}
	root, err := w.cache.Node(ctx, st.RootID)
	if err != nil {
		return 0, err
	}
	if !root.IsNew && st.NextVersion > 0 {
		return st.NextVersion - 1, nil
	}

	version := st.NextVersion
	sealed, err := w.port.SealNewInStore(ctx, st.ID, version)
	if err != nil {
		return 0, err
	}
	err = w.port.CreateVersion(ctx, avm.Version{
		StoreID:     st.ID,
		Version:     version,
		RootID:      st.RootID,
		Tag:         tag,
		Description: description,
		CreatedAt:   w.repo.clock.Now(),
	})
	if err != nil {
		return 0, err
	}
	w.cache.Reset()
	w.repo.log.Debug("snapshot", "store", w.store, "version", version, "sealed", sealed)
	return version, nil
}
