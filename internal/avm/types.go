package avm

import (
	"fmt"
	"time"
)

// HeadVersion is the version number of a store's mutable head.
const HeadVersion = -1

// NodeType enumerates the kinds of nodes the repository stores.
type NodeType string

const (
	PlainFile        NodeType = "PLAIN_FILE"
	PlainDirectory   NodeType = "PLAIN_DIRECTORY"
	LayeredFile      NodeType = "LAYERED_FILE"
	LayeredDirectory NodeType = "LAYERED_DIRECTORY"
	DeletedFile      NodeType = "DELETED_FILE"
	DeletedDirectory NodeType = "DELETED_DIRECTORY"
)

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case PlainFile, PlainDirectory, LayeredFile, LayeredDirectory, DeletedFile, DeletedDirectory:
		return true
	}
	return false
}

// IsDirectory reports whether t is a live directory type.
func (t NodeType) IsDirectory() bool {
	return t == PlainDirectory || t == LayeredDirectory
}

// IsFile reports whether t is a live file type.
func (t NodeType) IsFile() bool {
	return t == PlainFile || t == LayeredFile
}

// IsLayered reports whether t carries an indirection.
func (t NodeType) IsLayered() bool {
	return t == LayeredFile || t == LayeredDirectory
}

// IsDeleted reports whether t is a ghost left behind by a removal.
func (t NodeType) IsDeleted() bool {
	return t == DeletedFile || t == DeletedDirectory
}

// Ghost returns the deleted type that stands in for a removed node of type t.
func (t NodeType) Ghost() NodeType {
	if t.IsDirectory() || t == DeletedDirectory {
		return DeletedDirectory
	}
	return DeletedFile
}

// ContentData points at an immutable blob held by a ContentStore.
type ContentData struct {
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

// Empty reports whether no blob is attached.
func (c ContentData) Empty() bool {
	return c.URL == ""
}

// Node is one record of the node arena.
//
// Nodes with Version == HeadVersion belong to the mutable head of StoreID and
// may be updated through a HeadNode. Any other version is sealed: its content,
// indirection and type never change again.
type Node struct {
	ID      int64    `json:"id"`
	Type    NodeType `json:"type"`
	StoreID int64    `json:"store_id"`
	Version int      `json:"version"`
	GUID    string   `json:"guid"`

	Content ContentData `json:"content"`

	// Indirection is the "store:/path" target of a layered node.
	Indirection        string `json:"indirection,omitempty"`
	IndirectionVersion int    `json:"indirection_version"`

	// Opacity hides the underlying listing of a layered directory.
	Opacity bool `json:"opacity,omitempty"`
	IsNew   bool `json:"is_new"`

	// ACLID is an opaque reference into the permission layer; 0 means none.
	ACLID int64 `json:"acl_id,omitempty"`

	CreatedAt  time.Time         `json:"created_at"`
	ModifiedAt time.Time         `json:"modified_at"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Sealed reports whether the node belongs to a snapshotted version.
func (n *Node) Sealed() bool {
	return n.Version != HeadVersion
}

// Head returns a writable handle when n is still part of a mutable head.
func (n *Node) Head() (HeadNode, bool) {
	if n == nil || n.Sealed() {
		return HeadNode{}, false
	}
	return HeadNode{n: n}, true
}

// MustHead is Head for callers that have already established n is a head node.
// It panics otherwise.
func (n *Node) MustHead() HeadNode {
	h, ok := n.Head()
	if !ok {
		panic(fmt.Sprintf("avm: node %d is sealed at version %d", n.ID, n.Version))
	}
	return h
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	c := *n
	if n.Properties != nil {
		c.Properties = make(map[string]string, len(n.Properties))
		for k, v := range n.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}

// IndirectionPath parses the node's indirection into a VersionPath.
func (n *Node) IndirectionPath() (VersionPath, error) {
	if n.Indirection == "" {
		return VersionPath{}, NewTypeMismatchError(n.Indirection, "node %d has no indirection", n.ID)
	}
	vp, err := ParsePath(n.Indirection)
	if err != nil {
		return VersionPath{}, err
	}
	vp.Version = n.IndirectionVersion
	return vp, nil
}

// HeadNode is a node handle that may be written in place.
//
// The persistence port only accepts HeadNode for updates, so code that tries
// to mutate a sealed node does not type-check without going through Head.
type HeadNode struct {
	n *Node
}

// Node returns the underlying record. Changes to it are persisted by the next
// update call that receives this handle.
func (h HeadNode) Node() *Node {
	return h.n
}

// Valid reports whether the handle wraps a node.
func (h HeadNode) Valid() bool {
	return h.n != nil
}

// ChildEntry is a directory edge.
type ChildEntry struct {
	ParentID int64  `json:"parent_id"`
	Name     string `json:"name"`
	ChildID  int64  `json:"child_id"`
}

// HistoryLink marks Descendant as the time-successor of Ancestor.
type HistoryLink struct {
	AncestorID   int64 `json:"ancestor_id"`
	DescendantID int64 `json:"descendant_id"`
}

// MergeLink marks To as content that arrived from From by an explicit merge.
type MergeLink struct {
	FromID int64 `json:"from_id"`
	ToID   int64 `json:"to_id"`
}

// Store is a named, independently versioned workspace.
type Store struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	RootID      int64     `json:"root_id"`
	NextVersion int       `json:"next_version"`
	CreatedAt   time.Time `json:"created_at"`
}

// Version records one snapshot of a store.
type Version struct {
	StoreID     int64     `json:"store_id"`
	Version     int       `json:"version"`
	RootID      int64     `json:"root_id"`
	Tag         string    `json:"tag,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// DiffCode classifies one difference between two trees.
type DiffCode string

const (
	// Newer: the destination has already advanced past the source.
	Newer DiffCode = "NEWER"
	// Older: the destination lags the source and should receive it.
	Older DiffCode = "OLDER"
	// Same: nothing to do.
	Same DiffCode = "SAME"
	// Conflict: neither side dominates the other.
	Conflict DiffCode = "CONFLICT"
	// Directory: both sides are directories that must be descended.
	Directory DiffCode = "DIRECTORY"
)

// Difference is one entry of a compare result.
type Difference struct {
	SrcVersion int      `json:"src_version"`
	SrcPath    string   `json:"src_path"`
	DstVersion int      `json:"dst_version"`
	DstPath    string   `json:"dst_path"`
	Code       DiffCode `json:"code"`
}

// Source returns the source side as a VersionPath.
func (d Difference) Source() (VersionPath, error) {
	vp, err := ParsePath(d.SrcPath)
	if err != nil {
		return VersionPath{}, err
	}
	vp.Version = d.SrcVersion
	return vp, nil
}

// Destination returns the destination side as a VersionPath.
func (d Difference) Destination() (VersionPath, error) {
	vp, err := ParsePath(d.DstPath)
	if err != nil {
		return VersionPath{}, err
	}
	vp.Version = d.DstVersion
	return vp, nil
}

func (d Difference) String() string {
	return fmt.Sprintf("%s %s:%d:%s %s:%d:%s", d.Code,
		storeOf(d.SrcPath), d.SrcVersion, pathOf(d.SrcPath),
		storeOf(d.DstPath), d.DstVersion, pathOf(d.DstPath))
}

// LayerState describes a layered path's position in the layering lifecycle.
type LayerState string

const (
	PureIndirection LayerState = "PURE_INDIRECTION"
	Overridden      LayerState = "OVERRIDDEN"
	Concrete        LayerState = "CONCRETE"
)
