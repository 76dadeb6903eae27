package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/roach88/avm/internal/avm"
)

// The PostgreSQL dialect runs the same contract checks against a live
// server when AVM_TEST_POSTGRES_DSN is set.
func TestPostgres_ChildEntryContract(t *testing.T) {
	s := createPostgresStore(t)
	ctx := context.Background()
	name := fmt.Sprintf("pg-%d", time.Now().UnixNano())

	err := s.Write(ctx, func(p avm.Port) error {
		tx := p.(*Tx)
		st := createTestStoreRecord(t, tx, name)
		dir := createTestNode(t, tx, st.ID, avm.PlainDirectory)
		c1 := createTestNode(t, tx, st.ID, avm.PlainFile)
		c2 := createTestNode(t, tx, st.ID, avm.PlainFile)

		if err := tx.CreateChildEntry(ctx, avm.ChildEntry{ParentID: dir.ID, Name: "a_b.txt", ChildID: c1.ID}); err != nil {
			return err
		}
		err := tx.Savepoint(ctx, func() error {
			return tx.CreateChildEntry(ctx, avm.ChildEntry{ParentID: dir.ID, Name: "a_b.txt", ChildID: c2.ID})
		})
		if !avm.IsNameCollision(err) {
			t.Errorf("duplicate entry error = %v, want NameCollision", err)
		}

		if err := tx.CreateChildEntry(ctx, avm.ChildEntry{ParentID: dir.ID, Name: "axb.txt", ChildID: c2.ID}); err != nil {
			return err
		}
		entries, err := tx.ListChildren(ctx, dir.ID, "a_b*")
		if err != nil {
			return err
		}
		if len(entries) != 1 || entries[0].ChildID != c1.ID {
			t.Errorf("ListChildren(a_b*) = %+v; underscore must be literal", entries)
		}

		c3 := createTestNode(t, tx, st.ID, avm.PlainFile)
		if err := tx.CreateChildEntry(ctx, avm.ChildEntry{ParentID: dir.ID, Name: "B.txt", ChildID: c3.ID}); err != nil {
			return err
		}
		all, err := tx.ListChildren(ctx, dir.ID, "")
		if err != nil {
			return err
		}
		var names []string
		for _, e := range all {
			names = append(names, e.Name)
		}
		if got, want := strings.Join(names, ","), "B.txt,a_b.txt,axb.txt"; got != want {
			t.Errorf("ListChildren() names = %s, want byte order %s", got, want)
		}

		c1.Properties = map[string]string{"k": "v"}
		if err := tx.UpdateNode(ctx, c1.MustHead()); err != nil {
			return err
		}
		if _, err := tx.SealNewInStore(ctx, st.ID, 0); err != nil {
			return err
		}
		if err := tx.UpdateNode(ctx, c1.MustHead()); !avm.IsSealed(err) {
			t.Errorf("update after seal error = %v, want Sealed", err)
		}
		got, err := tx.GetNode(ctx, c1.ID)
		if err != nil {
			return err
		}
		if got.Properties["k"] != "v" || got.IsNew {
			t.Errorf("node = %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
}
