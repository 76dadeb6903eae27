package store

import (
	"context"
	"testing"
	"time"

	"github.com/roach88/avm/internal/avm"
)

func TestStores_CreateAndLookup(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	inTx(t, s, func(tx *Tx) {
		st := createTestStoreRecord(t, tx, "main")
		if st.ID == 0 || st.NextVersion != 0 {
			t.Errorf("CreateStore() = %+v", st)
		}

		if _, err := tx.CreateStore(ctx, "main"); !avm.IsNameCollision(err) {
			t.Errorf("duplicate CreateStore() error = %v, want NameCollision", err)
		}
	})

	inTx(t, s, func(tx *Tx) {
		if _, err := tx.GetStore(ctx, "nope"); !avm.IsStoreNotFound(err) {
			t.Errorf("GetStore(nope) error = %v", err)
		}
		st, err := tx.GetStore(ctx, "main")
		if err != nil {
			t.Fatalf("GetStore() failed: %v", err)
		}
		byID, err := tx.GetStoreByID(ctx, st.ID)
		if err != nil || byID.Name != "main" {
			t.Errorf("GetStoreByID() = %+v, %v", byID, err)
		}
		if _, err := tx.GetStoreByID(ctx, 999); !avm.IsStoreNotFound(err) {
			t.Errorf("GetStoreByID(999) error = %v", err)
		}
		if err := tx.SetStoreRoot(ctx, 999, 1); !avm.IsStoreNotFound(err) {
			t.Errorf("SetStoreRoot(999) error = %v", err)
		}
	})
}

func TestVersions_CreateAdvancesNextVersion(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	inTx(t, s, func(tx *Tx) {
		st := createTestStoreRecord(t, tx, "S0")
		root := createTestNode(t, tx, st.ID, avm.PlainDirectory)
		now := time.UnixMilli(1700000000000).UTC()

		for v := 0; v < 3; v++ {
			err := tx.CreateVersion(ctx, avm.Version{
				StoreID: st.ID, Version: v, RootID: root.ID,
				Tag: "t", Description: "d", CreatedAt: now,
			})
			if err != nil {
				t.Fatalf("CreateVersion(%d) failed: %v", v, err)
			}
		}

		got, _ := tx.GetStore(ctx, "S0")
		if got.NextVersion != 3 {
			t.Errorf("NextVersion = %d, want 3", got.NextVersion)
		}

		v, err := tx.GetVersion(ctx, st.ID, 1)
		if err != nil || v.RootID != root.ID || v.Tag != "t" || !v.CreatedAt.Equal(now) {
			t.Errorf("GetVersion(1) = %+v, %v", v, err)
		}
		if _, err := tx.GetVersion(ctx, st.ID, 9); !avm.IsVersionNotFound(err) {
			t.Errorf("GetVersion(9) error = %v", err)
		}

		versions, _ := tx.ListVersions(ctx, st.ID)
		if len(versions) != 3 || versions[2].Version != 2 {
			t.Errorf("ListVersions() = %+v", versions)
		}
	})
}
