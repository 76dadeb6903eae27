package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/avm/internal/avm"
)

// createTestStore creates a new file-backed SQLite store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createPostgresStore opens the database named by AVM_TEST_POSTGRES_DSN or
// skips the test.
func createPostgresStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("AVM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AVM_TEST_POSTGRES_DSN not set")
	}
	s, err := OpenWithOptions(Options{Driver: DriverPostgres, DSN: dsn, MaxRetries: 3})
	if err != nil {
		t.Fatalf("OpenWithOptions(postgres) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// inTx runs fn in a write transaction and fails the test on error.
func inTx(t *testing.T, s *Store, fn func(tx *Tx)) {
	t.Helper()
	err := s.Write(context.Background(), func(p avm.Port) error {
		fn(p.(*Tx))
		return nil
	})
	if err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
}

// createTestNode inserts a head node of the given type into storeID.
func createTestNode(t *testing.T, tx *Tx, storeID int64, typ avm.NodeType) *avm.Node {
	t.Helper()
	now := time.UnixMilli(1700000000000).UTC()
	n := &avm.Node{
		Type:               typ,
		StoreID:            storeID,
		Version:            avm.HeadVersion,
		GUID:               "guid",
		IndirectionVersion: avm.HeadVersion,
		IsNew:              true,
		CreatedAt:          now,
		ModifiedAt:         now,
	}
	if _, err := tx.CreateNode(context.Background(), n); err != nil {
		t.Fatalf("CreateNode() failed: %v", err)
	}
	return n
}

// createTestStoreRecord inserts a store row named name.
func createTestStoreRecord(t *testing.T, tx *Tx, name string) *avm.Store {
	t.Helper()
	st, err := tx.CreateStore(context.Background(), name)
	if err != nil {
		t.Fatalf("CreateStore(%q) failed: %v", name, err)
	}
	return st
}
