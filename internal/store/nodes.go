package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/avm/internal/avm"
)

const nodeColumns = `id, type, store_id, version, guid,
	content_url, content_size, content_hash, mime_type, encoding,
	indirection, indirection_version, opacity, is_new, acl_id,
	created_at, modified_at, properties`

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (*avm.Node, error) {
	var (
		n        avm.Node
		typ      string
		acl      sql.NullInt64
		created  int64
		modified int64
		props    []byte
	)
	err := row.Scan(
		&n.ID, &typ, &n.StoreID, &n.Version, &n.GUID,
		&n.Content.URL, &n.Content.Size, &n.Content.Hash, &n.Content.MimeType, &n.Content.Encoding,
		&n.Indirection, &n.IndirectionVersion, &n.Opacity, &n.IsNew, &acl,
		&created, &modified, &props,
	)
	if err != nil {
		return nil, err
	}
	n.Type = avm.NodeType(typ)
	if acl.Valid {
		n.ACLID = acl.Int64
	}
	n.CreatedAt = time.UnixMilli(created).UTC()
	n.ModifiedAt = time.UnixMilli(modified).UTC()
	if n.Properties, err = unmarshalProperties(props); err != nil {
		return nil, err
	}
	return &n, nil
}

func nullACL(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

// CreateNode inserts n and returns the assigned id. n.ID is set as well.
func (t *Tx) CreateNode(ctx context.Context, n *avm.Node) (int64, error) {
	if !n.Type.Valid() {
		return 0, fmt.Errorf("create node: invalid type %q", n.Type)
	}
	props, err := marshalProperties(n.Properties)
	if err != nil {
		return 0, fmt.Errorf("create node: %w", err)
	}

	var id int64
	err = t.queryRow(ctx, `
		INSERT INTO nodes
		(type, store_id, version, guid,
		 content_url, content_size, content_hash, mime_type, encoding,
		 indirection, indirection_version, opacity, is_new, acl_id,
		 created_at, modified_at, properties)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`,
		string(n.Type), n.StoreID, n.Version, n.GUID,
		n.Content.URL, n.Content.Size, n.Content.Hash, n.Content.MimeType, n.Content.Encoding,
		n.Indirection, n.IndirectionVersion, n.Opacity, n.IsNew, nullACL(n.ACLID),
		n.CreatedAt.UnixMilli(), n.ModifiedAt.UnixMilli(), props,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create node: %w", err)
	}

	n.ID = id
	return id, nil
}

// GetNode returns the node with the given id.
func (t *Tx) GetNode(ctx context.Context, id int64) (*avm.Node, error) {
	n, err := scanNode(t.queryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, avm.NewNotFoundError("", "node %d does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get node %d: %w", id, err)
	}
	return n, nil
}

// UpdateNode rewrites every mutable column of a head node.
func (t *Tx) UpdateNode(ctx context.Context, h avm.HeadNode) error {
	n := h.Node()
	props, err := marshalProperties(n.Properties)
	if err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	res, err := t.exec(ctx, `
		UPDATE nodes SET
			type = ?, guid = ?,
			content_url = ?, content_size = ?, content_hash = ?, mime_type = ?, encoding = ?,
			indirection = ?, indirection_version = ?, opacity = ?, acl_id = ?,
			modified_at = ?, properties = ?
		WHERE id = ? AND version = -1
	`,
		string(n.Type), n.GUID,
		n.Content.URL, n.Content.Size, n.Content.Hash, n.Content.MimeType, n.Content.Encoding,
		n.Indirection, n.IndirectionVersion, n.Opacity, nullACL(n.ACLID),
		n.ModifiedAt.UnixMilli(), props,
		n.ID,
	)
	if err != nil {
		return fmt.Errorf("update node %d: %w", n.ID, err)
	}
	return t.checkHeadUpdate(ctx, res, n.ID)
}

// UpdateNodeModTimeAndGUID rewrites only modified_at and guid.
func (t *Tx) UpdateNodeModTimeAndGUID(ctx context.Context, h avm.HeadNode) error {
	n := h.Node()
	res, err := t.exec(ctx, `
		UPDATE nodes SET modified_at = ?, guid = ?
		WHERE id = ? AND version = -1
	`, n.ModifiedAt.UnixMilli(), n.GUID, n.ID)
	if err != nil {
		return fmt.Errorf("update node %d guid: %w", n.ID, err)
	}
	return t.checkHeadUpdate(ctx, res, n.ID)
}

// UpdateNodeModTimeAndContent rewrites only modified_at and the content columns.
func (t *Tx) UpdateNodeModTimeAndContent(ctx context.Context, h avm.HeadNode) error {
	n := h.Node()
	res, err := t.exec(ctx, `
		UPDATE nodes SET
			modified_at = ?,
			content_url = ?, content_size = ?, content_hash = ?, mime_type = ?, encoding = ?
		WHERE id = ? AND version = -1
	`,
		n.ModifiedAt.UnixMilli(),
		n.Content.URL, n.Content.Size, n.Content.Hash, n.Content.MimeType, n.Content.Encoding,
		n.ID,
	)
	if err != nil {
		return fmt.Errorf("update node %d content: %w", n.ID, err)
	}
	return t.checkHeadUpdate(ctx, res, n.ID)
}

// checkHeadUpdate turns a zero-row update into NotFound or Sealed. The head
// handle was valid when it was taken, but the row may have been sealed since.
func (t *Tx) checkHeadUpdate(ctx context.Context, res sql.Result, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update node %d: %w", id, err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := t.GetNode(ctx, id); err != nil {
		return err
	}
	return avm.NewSealedError(id)
}

// DeleteNode removes a node row. History and merge links cascade; child
// entries referencing the node must be removed first.
func (t *Tx) DeleteNode(ctx context.Context, id int64) error {
	res, err := t.exec(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete node %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return avm.NewNotFoundError("", "node %d does not exist", id)
	}
	return nil
}

// NewInStore returns the ids of all unsealed nodes of a store.
func (t *Tx) NewInStore(ctx context.Context, storeID int64) ([]int64, error) {
	rows, err := t.query(ctx, `
		SELECT id FROM nodes WHERE store_id = ? AND is_new = ? ORDER BY id
	`, storeID, true)
	if err != nil {
		return nil, fmt.Errorf("query new nodes: %w", err)
	}
	return collectIDs(rows)
}

// LayeredNewInStore returns the ids of unsealed layered nodes of a store.
func (t *Tx) LayeredNewInStore(ctx context.Context, storeID int64) ([]int64, error) {
	rows, err := t.query(ctx, `
		SELECT id FROM nodes
		WHERE store_id = ? AND is_new = ? AND type IN (?, ?)
		ORDER BY id
	`, storeID, true, string(avm.LayeredDirectory), string(avm.LayeredFile))
	if err != nil {
		return nil, fmt.Errorf("query new layered nodes: %w", err)
	}
	return collectIDs(rows)
}

// SealNewInStore stamps every new node of the store with version.
func (t *Tx) SealNewInStore(ctx context.Context, storeID int64, version int) (int64, error) {
	res, err := t.exec(ctx, `
		UPDATE nodes SET version = ?, is_new = ?
		WHERE store_id = ? AND is_new = ?
	`, version, false, storeID, true)
	if err != nil {
		return 0, fmt.Errorf("seal new nodes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("seal new nodes: %w", err)
	}
	return n, nil
}

// Orphans returns up to limit nodes that no directory, store head or
// version references.
func (t *Tx) Orphans(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := t.query(ctx, `
		SELECT n.id FROM nodes n
		WHERE NOT EXISTS (SELECT 1 FROM child_entries c WHERE c.child_id = n.id)
		  AND NOT EXISTS (SELECT 1 FROM stores s WHERE s.root_id = n.id)
		  AND NOT EXISTS (SELECT 1 FROM versions v WHERE v.root_id = n.id)
		ORDER BY n.id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orphans: %w", err)
	}
	return collectIDs(rows)
}

// LayeredDirectories returns every layered directory node.
func (t *Tx) LayeredDirectories(ctx context.Context) ([]*avm.Node, error) {
	return t.nodesOfType(ctx, avm.LayeredDirectory)
}

// LayeredFiles returns every layered file node.
func (t *Tx) LayeredFiles(ctx context.Context) ([]*avm.Node, error) {
	return t.nodesOfType(ctx, avm.LayeredFile)
}

func (t *Tx) nodesOfType(ctx context.Context, typ avm.NodeType) ([]*avm.Node, error) {
	rows, err := t.query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE type = ? ORDER BY id`, string(typ))
	if err != nil {
		return nil, fmt.Errorf("query %s nodes: %w", typ, err)
	}
	defer rows.Close()

	nodes := []*avm.Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s node: %w", typ, err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s nodes: %w", typ, err)
	}
	return nodes, nil
}

// NodeIDsByACL returns the ids of nodes referencing an ACL.
func (t *Tx) NodeIDsByACL(ctx context.Context, aclID int64) ([]int64, error) {
	rows, err := t.query(ctx, `SELECT id FROM nodes WHERE acl_id = ? ORDER BY id`, aclID)
	if err != nil {
		return nil, fmt.Errorf("query nodes by acl: %w", err)
	}
	return collectIDs(rows)
}

// ContentURLsForPlainFiles streams content URLs of plain files to fn while
// the cursor is open. fn must not use the transaction.
func (t *Tx) ContentURLsForPlainFiles(ctx context.Context, fn func(url string) error) error {
	rows, err := t.query(ctx, `
		SELECT content_url FROM nodes
		WHERE type = ? AND content_url <> ''
		ORDER BY id
	`, string(avm.PlainFile))
	if err != nil {
		return fmt.Errorf("query content urls: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return fmt.Errorf("scan content url: %w", err)
		}
		if err := fn(url); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate content urls: %w", err)
	}
	return nil
}
