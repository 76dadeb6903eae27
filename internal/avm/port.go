package avm

import "context"

// NodeStore persists node records.
//
// NodeStore does not enforce copy-on-write beyond refusing updates to sealed
// rows. Callers create a new node, with a HistoryLink, instead of rewriting a
// committed one.
type NodeStore interface {
	CreateNode(ctx context.Context, n *Node) (int64, error)
	GetNode(ctx context.Context, id int64) (*Node, error)

	// UpdateNode rewrites every mutable column of a head node.
	UpdateNode(ctx context.Context, h HeadNode) error
	// UpdateNodeModTimeAndGUID rewrites only modified_at and guid.
	UpdateNodeModTimeAndGUID(ctx context.Context, h HeadNode) error
	// UpdateNodeModTimeAndContent rewrites only modified_at and the content columns.
	UpdateNodeModTimeAndContent(ctx context.Context, h HeadNode) error

	DeleteNode(ctx context.Context, id int64) error

	NewInStore(ctx context.Context, storeID int64) ([]int64, error)
	LayeredNewInStore(ctx context.Context, storeID int64) ([]int64, error)
	// SealNewInStore stamps every new node of the store with version and
	// clears its new flag. It returns the number of sealed nodes.
	SealNewInStore(ctx context.Context, storeID int64, version int) (int64, error)
	Orphans(ctx context.Context, limit int) ([]int64, error)
	LayeredDirectories(ctx context.Context) ([]*Node, error)
	LayeredFiles(ctx context.Context) ([]*Node, error)
	NodeIDsByACL(ctx context.Context, aclID int64) ([]int64, error)

	// ContentURLsForPlainFiles streams the content URL of every plain file to
	// fn. Iteration stops at the first error fn returns.
	ContentURLsForPlainFiles(ctx context.Context, fn func(url string) error) error
}

// LinkStore persists directory edges, history links and merge links.
type LinkStore interface {
	GetChildEntry(ctx context.Context, parentID int64, name string) (*ChildEntry, error)
	GetChildEntryByChild(ctx context.Context, parentID, childID int64) (*ChildEntry, error)
	// ListChildren returns the entries of parentID ordered by name. A non-empty
	// pattern restricts names with shell glob syntax (* and ?).
	ListChildren(ctx context.Context, parentID int64, pattern string) ([]ChildEntry, error)
	ListParents(ctx context.Context, childID int64) ([]ChildEntry, error)
	CreateChildEntry(ctx context.Context, e ChildEntry) error
	DeleteChildEntry(ctx context.Context, parentID int64, name string) error
	DeleteChildEntryByChild(ctx context.Context, parentID, childID int64) error
	DeleteAllChildrenOf(ctx context.Context, parentID int64) error

	CreateHistoryLink(ctx context.Context, l HistoryLink) error
	GetHistoryLinkByDescendant(ctx context.Context, descendantID int64) (*HistoryLink, error)
	GetHistoryLinksByAncestor(ctx context.Context, ancestorID int64) ([]HistoryLink, error)
	DeleteHistoryLink(ctx context.Context, descendantID int64) error

	CreateMergeLink(ctx context.Context, l MergeLink) error
	GetMergeLinkByTo(ctx context.Context, toID int64) (*MergeLink, error)
	GetMergeLinksByFrom(ctx context.Context, fromID int64) ([]MergeLink, error)
	DeleteMergeLink(ctx context.Context, toID int64) error
}

// VersionStore persists stores and their snapshot records.
type VersionStore interface {
	CreateStore(ctx context.Context, name string) (*Store, error)
	GetStore(ctx context.Context, name string) (*Store, error)
	GetStoreByID(ctx context.Context, id int64) (*Store, error)
	ListStores(ctx context.Context) ([]Store, error)
	SetStoreRoot(ctx context.Context, storeID, rootID int64) error
	CreateVersion(ctx context.Context, v Version) error
	GetVersion(ctx context.Context, storeID int64, version int) (*Version, error)
	ListVersions(ctx context.Context, storeID int64) ([]Version, error)
}

// Port is the complete persistence boundary, bound to one transaction.
type Port interface {
	NodeStore
	LinkStore
	VersionStore

	// Savepoint runs fn inside a nested savepoint. When fn fails the work done
	// inside it is rolled back and the enclosing transaction stays usable.
	Savepoint(ctx context.Context, fn func() error) error
}

// Transactor opens transactions on the persistence layer.
//
// Write retries fn on transient serialization failures, so fn must not have
// side effects outside the transaction.
type Transactor interface {
	Read(ctx context.Context, fn func(Port) error) error
	Write(ctx context.Context, fn func(Port) error) error
}

// ContentStore holds immutable file content blobs.
type ContentStore interface {
	Put(ctx context.Context, data []byte, mimeType string) (ContentData, error)
	Get(ctx context.Context, url string) ([]byte, error)
	Exists(ctx context.Context, url string) (bool, error)
	Delete(ctx context.Context, url string) error
}

// Excluder prunes paths from compare and update.
type Excluder interface {
	Excluded(path string) bool
}
