package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/avm/internal/avm"
)

// CreateStore inserts an empty store record. The caller attaches a root node
// with SetStoreRoot. A duplicate name fails with NameCollision.
func (t *Tx) CreateStore(ctx context.Context, name string) (*avm.Store, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	st := &avm.Store{Name: name, CreatedAt: now}
	err := t.queryRow(ctx, `
		INSERT INTO stores (name, root_id, next_version, created_at)
		VALUES (?, 0, 0, ?)
		RETURNING id
	`, name, now.UnixMilli()).Scan(&st.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, avm.NewNameCollisionError(name, err)
		}
		return nil, fmt.Errorf("create store: %w", err)
	}
	return st, nil
}

const storeColumns = `id, name, root_id, next_version, created_at`

func scanStore(row scanner) (*avm.Store, error) {
	var st avm.Store
	var created int64
	if err := row.Scan(&st.ID, &st.Name, &st.RootID, &st.NextVersion, &created); err != nil {
		return nil, err
	}
	st.CreatedAt = time.UnixMilli(created).UTC()
	return &st, nil
}

// GetStore looks a store up by name.
func (t *Tx) GetStore(ctx context.Context, name string) (*avm.Store, error) {
	st, err := scanStore(t.queryRow(ctx, `SELECT `+storeColumns+` FROM stores WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, avm.NewStoreNotFoundError(name)
	}
	if err != nil {
		return nil, fmt.Errorf("get store %q: %w", name, err)
	}
	return st, nil
}

// GetStoreByID looks a store up by id.
func (t *Tx) GetStoreByID(ctx context.Context, id int64) (*avm.Store, error) {
	st, err := scanStore(t.queryRow(ctx, `SELECT `+storeColumns+` FROM stores WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, avm.NewStoreNotFoundError(strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, fmt.Errorf("get store %d: %w", id, err)
	}
	return st, nil
}

// ListStores returns all stores ordered by name.
func (t *Tx) ListStores(ctx context.Context) ([]avm.Store, error) {
	rows, err := t.query(ctx, `SELECT `+storeColumns+` FROM stores ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	defer rows.Close()

	stores := []avm.Store{}
	for rows.Next() {
		st, err := scanStore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan store: %w", err)
		}
		stores = append(stores, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stores: %w", err)
	}
	return stores, nil
}

// SetStoreRoot points the store's head at rootID.
func (t *Tx) SetStoreRoot(ctx context.Context, storeID, rootID int64) error {
	res, err := t.exec(ctx, `UPDATE stores SET root_id = ? WHERE id = ?`, rootID, storeID)
	if err != nil {
		return fmt.Errorf("set store root: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return avm.NewStoreNotFoundError(strconv.FormatInt(storeID, 10))
	}
	return nil
}

// CreateVersion records a snapshot and advances the store's next version
// past it.
func (t *Tx) CreateVersion(ctx context.Context, v avm.Version) error {
	_, err := t.exec(ctx, `
		INSERT INTO versions (store_id, version, root_id, tag, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, v.StoreID, v.Version, v.RootID, v.Tag, v.Description, v.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create version: %w", err)
	}
	_, err = t.exec(ctx, `
		UPDATE stores SET next_version = ? WHERE id = ? AND next_version <= ?
	`, v.Version+1, v.StoreID, v.Version)
	if err != nil {
		return fmt.Errorf("advance next version: %w", err)
	}
	return nil
}

const versionColumns = `store_id, version, root_id, tag, description, created_at`

func scanVersion(row scanner) (*avm.Version, error) {
	var v avm.Version
	var created int64
	if err := row.Scan(&v.StoreID, &v.Version, &v.RootID, &v.Tag, &v.Description, &created); err != nil {
		return nil, err
	}
	v.CreatedAt = time.UnixMilli(created).UTC()
	return &v, nil
}

// GetVersion returns one snapshot record.
func (t *Tx) GetVersion(ctx context.Context, storeID int64, version int) (*avm.Version, error) {
	v, err := scanVersion(t.queryRow(ctx, `
		SELECT `+versionColumns+` FROM versions WHERE store_id = ? AND version = ?
	`, storeID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, avm.NewVersionNotFoundError(strconv.FormatInt(storeID, 10), version)
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

// ListVersions returns a store's snapshots in version order.
func (t *Tx) ListVersions(ctx context.Context, storeID int64) ([]avm.Version, error) {
	rows, err := t.query(ctx, `
		SELECT `+versionColumns+` FROM versions WHERE store_id = ? ORDER BY version
	`, storeID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	versions := []avm.Version{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return versions, nil
}
