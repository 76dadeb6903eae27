package repo

import (
	"context"
	"path"
	"sort"

	"github.com/roach88/avm/internal/avm"
)

// Resolved is a node together with the path it was reached by.
type Resolved struct {
	Node *avm.Node

	// Path is the path that was looked up.
	Path avm.VersionPath

	// Context is where the node was found: Path itself for a direct node,
	// otherwise the location inside the immediately underlying namespace.
	Context avm.VersionPath

	// Direct is false when the node is only visible through a layered
	// directory's indirection.
	Direct bool

	// ParentID is the directory node whose entry names the node, 0 for a root.
	ParentID int64

	// Hops counts the indirections followed to reach the node.
	Hops int
}

// Name returns the last path component, "" for a root.
func (r *Resolved) Name() string {
	if r.Path.IsRoot() {
		return ""
	}
	return path.Base(r.Path.Path)
}

// View is a read handle bound to one transaction.
type View struct {
	repo  *Repository
	port  avm.Port
	cache *Cache
}

func newView(r *Repository, port avm.Port) *View {
	return &View{repo: r, port: port, cache: newCache(port)}
}

// Port exposes the underlying persistence transaction for queries that have
// no resolver equivalent, such as the orphan and content URL scans.
func (v *View) Port() avm.Port {
	return v.port
}

// Cache returns the transaction-scoped record cache.
func (v *View) Cache() *Cache {
	return v.cache
}

// Node returns a node by id.
func (v *View) Node(ctx context.Context, id int64) (*avm.Node, error) {
	return v.cache.Node(ctx, id)
}

// Store returns a store record by name.
func (v *View) Store(ctx context.Context, name string) (*avm.Store, error) {
	return v.cache.Store(ctx, name)
}

// Stores lists every store.
func (v *View) Stores(ctx context.Context) ([]avm.Store, error) {
	return v.port.ListStores(ctx)
}

// Versions lists the snapshots of a store.
func (v *View) Versions(ctx context.Context, store string) ([]avm.Version, error) {
	st, err := v.cache.Store(ctx, store)
	if err != nil {
		return nil, err
	}
	return v.port.ListVersions(ctx, st.ID)
}

// root resolves the root directory of store at version.
func (v *View) root(ctx context.Context, store string, version int) (*Resolved, error) {
	st, err := v.cache.Store(ctx, store)
	if err != nil {
		return nil, err
	}
	rootID := st.RootID
	if version != avm.HeadVersion {
		ver, err := v.cache.Version(ctx, st, version)
		if err != nil {
			return nil, err
		}
		rootID = ver.RootID
	}
	n, err := v.cache.Node(ctx, rootID)
	if err != nil {
		return nil, err
	}
	p := avm.VersionPath{Store: store, Version: version, Path: "/"}
	return &Resolved{Node: n, Path: p, Context: p, Direct: true}, nil
}

// Lookup resolves p to a live node. A ghost at any component hides the name.
func (v *View) Lookup(ctx context.Context, p avm.VersionPath) (*Resolved, error) {
	return v.lookup(ctx, p, false, newResolution(v.repo.maxHops))
}

// LookupDeleted is Lookup that also returns a ghost at the final component.
func (v *View) LookupDeleted(ctx context.Context, p avm.VersionPath) (*Resolved, error) {
	return v.lookup(ctx, p, true, newResolution(v.repo.maxHops))
}

func (v *View) lookup(ctx context.Context, p avm.VersionPath, includeDeleted bool, res *resolution) (*Resolved, error) {
	cur, err := v.root(ctx, p.Store, p.Version)
	if err != nil {
		return nil, err
	}
	names := p.Names()
	for i, name := range names {
		last := i == len(names)-1
		cur, err = v.child(ctx, cur, name, includeDeleted && last, res)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// Child resolves one name below an already resolved directory.
func (v *View) Child(ctx context.Context, dir *Resolved, name string, includeDeleted bool) (*Resolved, error) {
	return v.child(ctx, dir, name, includeDeleted, newResolution(v.repo.maxHops))
}

func (v *View) child(ctx context.Context, dir *Resolved, name string, includeDeleted bool, res *resolution) (*Resolved, error) {
	p := dir.Path.Join(name)
	if !dir.Node.Type.IsDirectory() {
		return nil, avm.NewNotFoundError(p.String(), "%s is not a directory", dir.Path)
	}

	e, err := v.port.GetChildEntry(ctx, dir.Node.ID, name)
	if err == nil {
		n, err := v.cache.Node(ctx, e.ChildID)
		if err != nil {
			return nil, err
		}
		if n.Type.IsDeleted() && !includeDeleted {
			return nil, avm.NewNotFoundError(p.String(), "deleted")
		}
		return &Resolved{
			Node:     n,
			Path:     p,
			Context:  dir.Context.Join(name),
			Direct:   dir.Direct,
			ParentID: dir.Node.ID,
			Hops:     dir.Hops,
		}, nil
	}
	if !avm.IsNotFound(err) {
		return nil, err
	}

	if dir.Node.Type != avm.LayeredDirectory || dir.Node.Opacity {
		return nil, avm.NewNotFoundError(p.String(), "no such entry")
	}

	if err := res.enter(dir.Context, dir.Hops+1); err != nil {
		return nil, err
	}
	defer res.leave(dir.Context)

	under, err := v.underlying(ctx, dir, res)
	if err != nil {
		if avm.IsNotFound(err) {
			return nil, avm.NewNotFoundError(p.String(), "no such entry")
		}
		return nil, err
	}
	c, err := v.child(ctx, under, name, false, res)
	if err != nil {
		if avm.IsNotFound(err) {
			return nil, avm.NewNotFoundError(p.String(), "no such entry")
		}
		return nil, err
	}
	return &Resolved{
		Node:     c.Node,
		Path:     p,
		Context:  under.Path.Join(name),
		Direct:   false,
		ParentID: c.ParentID,
		Hops:     c.Hops,
	}, nil
}

// underlying resolves the directory a layered directory overlays.
func (v *View) underlying(ctx context.Context, dir *Resolved, res *resolution) (*Resolved, error) {
	target, err := dir.Node.IndirectionPath()
	if err != nil {
		return nil, err
	}
	under, err := v.lookup(ctx, target, false, res)
	if err != nil {
		return nil, err
	}
	under.Hops += dir.Hops + 1
	if under.Hops > v.repo.maxHops {
		return nil, avm.NewCycleError(target.String(), under.Hops)
	}
	if !under.Node.Type.IsDirectory() {
		return nil, avm.NewNotFoundError(target.String(), "indirection target is not a directory")
	}
	return under, nil
}

// List returns the effective entries of the directory at p in name order.
func (v *View) List(ctx context.Context, p avm.VersionPath, includeDeleted bool) ([]*Resolved, error) {
	dir, err := v.Lookup(ctx, p)
	if err != nil {
		return nil, err
	}
	return v.Children(ctx, dir, includeDeleted)
}

// Children lists an already resolved directory.
//
// Direct entries overlay the underlying listing of a non-opaque layered
// directory. Ghosts remove the name unless includeDeleted is set, in which
// case the ghost itself is listed.
func (v *View) Children(ctx context.Context, dir *Resolved, includeDeleted bool) ([]*Resolved, error) {
	return v.children(ctx, dir, nil, includeDeleted, newResolution(v.repo.maxHops))
}

// Overlay is Children with base standing in for dir's own underlying
// directory. Opacity still hides base.
func (v *View) Overlay(ctx context.Context, dir, base *Resolved, includeDeleted bool) ([]*Resolved, error) {
	return v.children(ctx, dir, base, includeDeleted, newResolution(v.repo.maxHops))
}

func (v *View) children(ctx context.Context, dir, base *Resolved, includeDeleted bool, res *resolution) ([]*Resolved, error) {
	if !dir.Node.Type.IsDirectory() {
		return nil, avm.NewTypeMismatchError(dir.Path.String(), "not a directory")
	}

	byName := make(map[string]*Resolved)

	inherited, under, err := v.inherited(ctx, dir, base, res)
	if err != nil {
		return nil, err
	}
	for _, c := range inherited {
		name := c.Name()
		byName[name] = &Resolved{
			Node:     c.Node,
			Path:     dir.Path.Join(name),
			Context:  under.Path.Join(name),
			Direct:   false,
			ParentID: c.ParentID,
			Hops:     c.Hops,
		}
	}

	entries, err := v.port.ListChildren(ctx, dir.Node.ID, "")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		n, err := v.cache.Node(ctx, e.ChildID)
		if err != nil {
			return nil, err
		}
		if n.Type.IsDeleted() && !includeDeleted {
			delete(byName, e.Name)
			continue
		}
		byName[e.Name] = &Resolved{
			Node:     n,
			Path:     dir.Path.Join(e.Name),
			Context:  dir.Context.Join(e.Name),
			Direct:   dir.Direct,
			ParentID: dir.Node.ID,
			Hops:     dir.Hops,
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Resolved, len(names))
	for i, name := range names {
		out[i] = byName[name]
	}
	return out, nil
}

// inherited lists what a layered directory sees through its indirection,
// or through base when one is given. A missing underlying directory
// contributes nothing.
func (v *View) inherited(ctx context.Context, dir, base *Resolved, res *resolution) ([]*Resolved, *Resolved, error) {
	if dir.Node.Opacity {
		return nil, nil, nil
	}
	if base == nil && dir.Node.Type != avm.LayeredDirectory {
		return nil, nil, nil
	}

	if err := res.enter(dir.Context, dir.Hops+1); err != nil {
		return nil, nil, err
	}
	defer res.leave(dir.Context)

	under := base
	if under == nil {
		var err error
		under, err = v.underlying(ctx, dir, res)
		if avm.IsNotFound(err) {
			return nil, nil, nil
		}
		if err != nil {
			return nil, nil, err
		}
	}
	if !under.Node.Type.IsDirectory() {
		return nil, nil, avm.NewTypeMismatchError(under.Path.String(), "not a directory")
	}
	list, err := v.children(ctx, under, nil, false, res)
	if err != nil {
		return nil, nil, err
	}
	return list, under, nil
}

// Resolve is Lookup that additionally follows layered files to the node
// holding their content.
func (v *View) Resolve(ctx context.Context, p avm.VersionPath) (*Resolved, error) {
	res := newResolution(v.repo.maxHops)
	r, err := v.lookup(ctx, p, false, res)
	if err != nil {
		return nil, err
	}
	return v.followFile(ctx, r, res)
}

// FollowFile follows a resolved layered file to its target.
func (v *View) FollowFile(ctx context.Context, r *Resolved) (*Resolved, error) {
	return v.followFile(ctx, r, newResolution(v.repo.maxHops))
}

func (v *View) followFile(ctx context.Context, r *Resolved, res *resolution) (*Resolved, error) {
	for r.Node.Type == avm.LayeredFile {
		if err := res.enter(r.Context, r.Hops+1); err != nil {
			return nil, err
		}
		target, err := r.Node.IndirectionPath()
		if err != nil {
			return nil, err
		}
		next, err := v.lookup(ctx, target, false, res)
		if err != nil {
			return nil, err
		}
		next.Hops += r.Hops + 1
		if next.Hops > v.repo.maxHops {
			return nil, avm.NewCycleError(target.String(), next.Hops)
		}
		r = next
	}
	return r, nil
}

// ReadFile returns the content of the file at p.
func (v *View) ReadFile(ctx context.Context, p avm.VersionPath) ([]byte, error) {
	r, err := v.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	if !r.Node.Type.IsFile() {
		return nil, avm.NewTypeMismatchError(p.String(), "not a file")
	}
	if r.Node.Content.Empty() {
		return []byte{}, nil
	}
	if v.repo.content == nil {
		return nil, avm.NewNotFoundError(p.String(), "no content store configured")
	}
	return v.repo.content.Get(ctx, r.Node.Content.URL)
}
