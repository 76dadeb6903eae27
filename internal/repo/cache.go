package repo

import (
	"context"

	"github.com/roach88/avm/internal/avm"
)

// Cache memoizes node, store and version records for the lifetime of one
// transaction. It replaces any process-wide lookup cache: nothing survives
// the transaction that filled it.
//
// Returned records are shared and must not be modified by callers.
type Cache struct {
	port     avm.Port
	nodes    map[int64]*avm.Node
	stores   map[string]*avm.Store
	versions map[versionKey]*avm.Version
}

type versionKey struct {
	store   int64
	version int
}

func newCache(port avm.Port) *Cache {
	c := &Cache{port: port}
	c.Reset()
	return c
}

// Reset drops every memoized record.
func (c *Cache) Reset() {
	c.nodes = make(map[int64]*avm.Node)
	c.stores = make(map[string]*avm.Store)
	c.versions = make(map[versionKey]*avm.Version)
}

// Node returns the node with the given id.
func (c *Cache) Node(ctx context.Context, id int64) (*avm.Node, error) {
	if n, ok := c.nodes[id]; ok {
		return n, nil
	}
	n, err := c.port.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	c.nodes[id] = n
	return n, nil
}

func (c *Cache) putNode(n *avm.Node) {
	c.nodes[n.ID] = n
}

// Store returns the store named name.
func (c *Cache) Store(ctx context.Context, name string) (*avm.Store, error) {
	if st, ok := c.stores[name]; ok {
		return st, nil
	}
	st, err := c.port.GetStore(ctx, name)
	if err != nil {
		return nil, err
	}
	c.stores[name] = st
	return st, nil
}

func (c *Cache) forgetStore(name string) {
	delete(c.stores, name)
}

// Version returns one snapshot record of a store.
func (c *Cache) Version(ctx context.Context, st *avm.Store, version int) (*avm.Version, error) {
	key := versionKey{store: st.ID, version: version}
	if v, ok := c.versions[key]; ok {
		return v, nil
	}
	v, err := c.port.GetVersion(ctx, st.ID, version)
	if avm.IsVersionNotFound(err) {
		return nil, avm.NewVersionNotFoundError(st.Name, version)
	}
	if err != nil {
		return nil, err
	}
	c.versions[key] = v
	return v, nil
}
