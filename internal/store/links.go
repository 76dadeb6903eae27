package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/avm/internal/avm"
)

// GetChildEntry returns the entry named name under parentID.
func (t *Tx) GetChildEntry(ctx context.Context, parentID int64, name string) (*avm.ChildEntry, error) {
	e := avm.ChildEntry{ParentID: parentID, Name: name}
	err := t.queryRow(ctx, `
		SELECT child_id FROM child_entries WHERE parent_id = ? AND name = ?
	`, parentID, name).Scan(&e.ChildID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, avm.NewNotFoundError(name, "no child entry %q under node %d", name, parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("get child entry: %w", err)
	}
	return &e, nil
}

// GetChildEntryByChild returns the entry of parentID pointing at childID.
// When a node is linked under several names the smallest name wins.
func (t *Tx) GetChildEntryByChild(ctx context.Context, parentID, childID int64) (*avm.ChildEntry, error) {
	e := avm.ChildEntry{ParentID: parentID, ChildID: childID}
	err := t.queryRow(ctx, `
		SELECT name FROM child_entries WHERE parent_id = ? AND child_id = ?
		ORDER BY `+t.dialect.byName()+` LIMIT 1
	`, parentID, childID).Scan(&e.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, avm.NewNotFoundError("", "node %d is not a child of node %d", childID, parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("get child entry by child: %w", err)
	}
	return &e, nil
}

// ListChildren returns the entries of parentID in name order, optionally
// restricted to names matching a glob pattern.
func (t *Tx) ListChildren(ctx context.Context, parentID int64, pattern string) ([]avm.ChildEntry, error) {
	query := `SELECT parent_id, name, child_id FROM child_entries WHERE parent_id = ?`
	args := []any{parentID}
	if pattern != "" {
		if t.dialect == sqliteDialect {
			query += ` AND name GLOB ?`
			args = append(args, pattern)
		} else {
			query += ` AND name LIKE ? ESCAPE '\'`
			args = append(args, globToLike(pattern))
		}
	}
	query += ` ORDER BY ` + t.dialect.byName()

	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	return collectEntries(rows)
}

// ListParents returns every entry pointing at childID.
func (t *Tx) ListParents(ctx context.Context, childID int64) ([]avm.ChildEntry, error) {
	rows, err := t.query(ctx, `
		SELECT parent_id, name, child_id FROM child_entries
		WHERE child_id = ?
		ORDER BY parent_id, `+t.dialect.byName()+`
	`, childID)
	if err != nil {
		return nil, fmt.Errorf("list parents: %w", err)
	}
	return collectEntries(rows)
}

// CreateChildEntry inserts an entry. A second entry with the same
// (parent, name) fails with a NameCollision error.
func (t *Tx) CreateChildEntry(ctx context.Context, e avm.ChildEntry) error {
	_, err := t.exec(ctx, `
		INSERT INTO child_entries (parent_id, name, child_id) VALUES (?, ?, ?)
	`, e.ParentID, e.Name, e.ChildID)
	if err != nil {
		if isUniqueViolation(err) {
			return avm.NewNameCollisionError(e.Name, err)
		}
		return fmt.Errorf("create child entry: %w", err)
	}
	return nil
}

// DeleteChildEntry removes the entry named name under parentID.
func (t *Tx) DeleteChildEntry(ctx context.Context, parentID int64, name string) error {
	res, err := t.exec(ctx, `DELETE FROM child_entries WHERE parent_id = ? AND name = ?`, parentID, name)
	if err != nil {
		return fmt.Errorf("delete child entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return avm.NewNotFoundError(name, "no child entry %q under node %d", name, parentID)
	}
	return nil
}

// DeleteChildEntryByChild removes every entry of parentID pointing at childID.
func (t *Tx) DeleteChildEntryByChild(ctx context.Context, parentID, childID int64) error {
	res, err := t.exec(ctx, `DELETE FROM child_entries WHERE parent_id = ? AND child_id = ?`, parentID, childID)
	if err != nil {
		return fmt.Errorf("delete child entry by child: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return avm.NewNotFoundError("", "node %d is not a child of node %d", childID, parentID)
	}
	return nil
}

// DeleteAllChildrenOf removes every entry under parentID.
func (t *Tx) DeleteAllChildrenOf(ctx context.Context, parentID int64) error {
	if _, err := t.exec(ctx, `DELETE FROM child_entries WHERE parent_id = ?`, parentID); err != nil {
		return fmt.Errorf("delete children: %w", err)
	}
	return nil
}

// CreateHistoryLink records that descendant succeeds ancestor. A node has at
// most one direct ancestor.
func (t *Tx) CreateHistoryLink(ctx context.Context, l avm.HistoryLink) error {
	_, err := t.exec(ctx, `
		INSERT INTO history_links (descendant_id, ancestor_id) VALUES (?, ?)
	`, l.DescendantID, l.AncestorID)
	if err != nil {
		return fmt.Errorf("create history link: %w", err)
	}
	return nil
}

// GetHistoryLinkByDescendant returns the direct ancestor link, or NotFound.
func (t *Tx) GetHistoryLinkByDescendant(ctx context.Context, descendantID int64) (*avm.HistoryLink, error) {
	l := avm.HistoryLink{DescendantID: descendantID}
	err := t.queryRow(ctx, `
		SELECT ancestor_id FROM history_links WHERE descendant_id = ?
	`, descendantID).Scan(&l.AncestorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, avm.NewNotFoundError("", "node %d has no history link", descendantID)
	}
	if err != nil {
		return nil, fmt.Errorf("get history link: %w", err)
	}
	return &l, nil
}

// GetHistoryLinksByAncestor returns the direct descendants of ancestorID.
func (t *Tx) GetHistoryLinksByAncestor(ctx context.Context, ancestorID int64) ([]avm.HistoryLink, error) {
	rows, err := t.query(ctx, `
		SELECT ancestor_id, descendant_id FROM history_links
		WHERE ancestor_id = ?
		ORDER BY descendant_id
	`, ancestorID)
	if err != nil {
		return nil, fmt.Errorf("get history links: %w", err)
	}
	defer rows.Close()

	links := []avm.HistoryLink{}
	for rows.Next() {
		var l avm.HistoryLink
		if err := rows.Scan(&l.AncestorID, &l.DescendantID); err != nil {
			return nil, fmt.Errorf("scan history link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// DeleteHistoryLink removes the ancestor link of descendantID.
func (t *Tx) DeleteHistoryLink(ctx context.Context, descendantID int64) error {
	if _, err := t.exec(ctx, `DELETE FROM history_links WHERE descendant_id = ?`, descendantID); err != nil {
		return fmt.Errorf("delete history link: %w", err)
	}
	return nil
}

// CreateMergeLink records that to arrived from from by a merge. A node has
// at most one merge source.
func (t *Tx) CreateMergeLink(ctx context.Context, l avm.MergeLink) error {
	_, err := t.exec(ctx, `
		INSERT INTO merge_links (to_id, from_id) VALUES (?, ?)
	`, l.ToID, l.FromID)
	if err != nil {
		return fmt.Errorf("create merge link: %w", err)
	}
	return nil
}

// GetMergeLinkByTo returns the merge source link of toID, or NotFound.
func (t *Tx) GetMergeLinkByTo(ctx context.Context, toID int64) (*avm.MergeLink, error) {
	l := avm.MergeLink{ToID: toID}
	err := t.queryRow(ctx, `SELECT from_id FROM merge_links WHERE to_id = ?`, toID).Scan(&l.FromID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, avm.NewNotFoundError("", "node %d has no merge link", toID)
	}
	if err != nil {
		return nil, fmt.Errorf("get merge link: %w", err)
	}
	return &l, nil
}

// GetMergeLinksByFrom returns every merge destination of fromID.
func (t *Tx) GetMergeLinksByFrom(ctx context.Context, fromID int64) ([]avm.MergeLink, error) {
	rows, err := t.query(ctx, `
		SELECT from_id, to_id FROM merge_links WHERE from_id = ? ORDER BY to_id
	`, fromID)
	if err != nil {
		return nil, fmt.Errorf("get merge links: %w", err)
	}
	defer rows.Close()

	links := []avm.MergeLink{}
	for rows.Next() {
		var l avm.MergeLink
		if err := rows.Scan(&l.FromID, &l.ToID); err != nil {
			return nil, fmt.Errorf("scan merge link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// DeleteMergeLink removes the merge link of toID.
func (t *Tx) DeleteMergeLink(ctx context.Context, toID int64) error {
	if _, err := t.exec(ctx, `DELETE FROM merge_links WHERE to_id = ?`, toID); err != nil {
		return fmt.Errorf("delete merge link: %w", err)
	}
	return nil
}

func collectEntries(rows *sql.Rows) ([]avm.ChildEntry, error) {
	defer rows.Close()
	entries := []avm.ChildEntry{}
	for rows.Next() {
		var e avm.ChildEntry
		if err := rows.Scan(&e.ParentID, &e.Name, &e.ChildID); err != nil {
			return nil, fmt.Errorf("scan child entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate child entries: %w", err)
	}
	return entries, nil
}

// globToLike translates * and ? to LIKE wildcards, escaping LIKE's own.
func globToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
