package store

import (
	"context"
	"testing"
	"time"

	"github.com/roach88/avm/internal/avm"
)

func TestCreateNode_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	inTx(t, s, func(tx *Tx) {
		st := createTestStoreRecord(t, tx, "S0")
		now := time.UnixMilli(1700000000123).UTC()
		n := &avm.Node{
			Type:               avm.LayeredDirectory,
			StoreID:            st.ID,
			Version:            avm.HeadVersion,
			GUID:               "g-1",
			Indirection:        "S1:/a",
			IndirectionVersion: 3,
			Opacity:            true,
			IsNew:              true,
			ACLID:              42,
			CreatedAt:          now,
			ModifiedAt:         now,
			Properties:         map[string]string{"title": "A"},
		}
		id, err := tx.CreateNode(ctx, n)
		if err != nil {
			t.Fatalf("CreateNode() failed: %v", err)
		}
		if id == 0 || n.ID != id {
			t.Fatalf("CreateNode() id = %d, n.ID = %d", id, n.ID)
		}

		got, err := tx.GetNode(ctx, id)
		if err != nil {
			t.Fatalf("GetNode() failed: %v", err)
		}
		if got.Type != avm.LayeredDirectory || got.Indirection != "S1:/a" || got.IndirectionVersion != 3 {
			t.Errorf("layering fields = %+v", got)
		}
		if !got.Opacity || !got.IsNew || got.ACLID != 42 {
			t.Errorf("flags = opacity %v new %v acl %d", got.Opacity, got.IsNew, got.ACLID)
		}
		if !got.CreatedAt.Equal(now) || got.Properties["title"] != "A" {
			t.Errorf("created = %v, props = %v", got.CreatedAt, got.Properties)
		}
	})
}

func TestCreateNode_MonotonicIDs(t *testing.T) {
	s := createTestStore(t)
	inTx(t, s, func(tx *Tx) {
		st := createTestStoreRecord(t, tx, "S0")
		prev := int64(0)
		for i := 0; i < 5; i++ {
			n := createTestNode(t, tx, st.ID, avm.PlainFile)
			if n.ID <= prev {
				t.Fatalf("id %d not greater than %d", n.ID, prev)
			}
			prev = n.ID
		}
	})
}

func TestCreateNode_RejectsInvalidType(t *testing.T) {
	s := createTestStore(t)
	inTx(t, s, func(tx *Tx) {
		st := createTestStoreRecord(t, tx, "S0")
		_, err := tx.CreateNode(context.Background(), &avm.Node{Type: "BOGUS", StoreID: st.ID})
		if err == nil {
			t.Fatal("expected error for invalid type")
		}
	})
}

func TestGetNode_NotFound(t *testing.T) {
	s := createTestStore(t)
	inTx(t, s, func(tx *Tx) {
		_, err := tx.GetNode(context.Background(), 999)
		if !avm.IsNotFound(err) {
			t.Fatalf("GetNode(999) error = %v, want NotFound", err)
		}
	})
}

func TestUpdateNode_HeadOnly(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	inTx(t, s, func(tx *Tx) {
		st := createTestStoreRecord(t, tx, "S0")
		n := createTestNode(t, tx, st.ID, avm.PlainFile)

		n.Content = avm.ContentData{URL: "local:abc", Size: 3, Hash: "abc"}
		n.Properties = map[string]string{"k": "v"}
		if err := tx.UpdateNode(ctx, n.MustHead()); err != nil {
			t.Fatalf("UpdateNode() failed: %v", err)
		}

		if _, err := tx.SealNewInStore(ctx, st.ID, 0); err != nil {
			t.Fatalf("SealNewInStore() failed: %v", err)
		}

		// The handle was taken before sealing; the guard still refuses it.
		stale := n.MustHead()
		stale.Node().Content.URL = "local:def"
		if err := tx.UpdateNode(ctx, stale); !avm.IsSealed(err) {
			t.Fatalf("UpdateNode(sealed) error = %v, want Sealed", err)
		}
		if err := tx.UpdateNodeModTimeAndContent(ctx, stale); !avm.IsSealed(err) {
			t.Fatalf("UpdateNodeModTimeAndContent(sealed) error = %v, want Sealed", err)
		}

		got, err := tx.GetNode(ctx, n.ID)
		if err != nil {
			t.Fatalf("GetNode() failed: %v", err)
		}
		if got.Content.URL != "local:abc" || got.Version != 0 || got.IsNew {
			t.Errorf("sealed node = %+v", got)
		}
		if _, ok := got.Head(); ok {
			t.Error("sealed node must not yield a head handle")
		}
	})
}

func TestUpdateNode_PartialUpdatesLeaveOtherColumns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	inTx(t, s, func(tx *Tx) {
		st := createTestStoreRecord(t, tx, "S0")
		n := createTestNode(t, tx, st.ID, avm.PlainFile)
		n.Content = avm.ContentData{URL: "local:one", Size: 1}
		if err := tx.UpdateNode(ctx, n.MustHead()); err != nil {
			t.Fatalf("UpdateNode() failed: %v", err)
		}

		later := n.ModifiedAt.Add(time.Hour)
		h := n.Clone().MustHead()
		h.Node().GUID = "g-new"
		h.Node().ModifiedAt = later
		h.Node().Content.URL = "local:ignored"
		if err := tx.UpdateNodeModTimeAndGUID(ctx, h); err != nil {
			t.Fatalf("UpdateNodeModTimeAndGUID() failed: %v", err)
		}

		got, _ := tx.GetNode(ctx, n.ID)
		if got.GUID != "g-new" || !got.ModifiedAt.Equal(later) || got.Content.URL != "local:one" {
			t.Errorf("after guid update: %+v", got)
		}

		h = got.MustHead()
		h.Node().GUID = "g-ignored"
		h.Node().Content = avm.ContentData{URL: "local:two", Size: 2, MimeType: "text/plain"}
		if err := tx.UpdateNodeModTimeAndContent(ctx, h); err != nil {
			t.Fatalf("UpdateNodeModTimeAndContent() failed: %v", err)
		}

		got, _ = tx.GetNode(ctx, n.ID)
		if got.GUID != "g-new" || got.Content.URL != "local:two" || got.Content.MimeType != "text/plain" {
			t.Errorf("after content update: %+v", got)
		}
	})
}

func TestDeleteNode(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	inTx(t, s, func(tx *Tx) {
		st := createTestStoreRecord(t, tx, "S0")
		a := createTestNode(t, tx, st.ID, avm.PlainFile)
		b := createTestNode(t, tx, st.ID, avm.PlainFile)
		if err := tx.CreateHistoryLink(ctx, avm.HistoryLink{AncestorID: a.ID, DescendantID: b.ID}); err != nil {
			t.Fatalf("CreateHistoryLink() failed: %v", err)
		}

		if err := tx.DeleteNode(ctx, a.ID); err != nil {
			t.Fatalf("DeleteNode() failed: %v", err)
		}
		if _, err := tx.GetHistoryLinkByDescendant(ctx, b.ID); !avm.IsNotFound(err) {
			t.Errorf("history link should cascade, err = %v", err)
		}
		if err := tx.DeleteNode(ctx, a.ID); !avm.IsNotFound(err) {
			t.Errorf("second DeleteNode() error = %v, want NotFound", err)
		}
	})
}

func TestNodeQueries(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	inTx(t, s, func(tx *Tx) {
		s0 := createTestStoreRecord(t, tx, "S0")
		s1 := createTestStoreRecord(t, tx, "S1")

		root := createTestNode(t, tx, s0.ID, avm.PlainDirectory)
		file := createTestNode(t, tx, s0.ID, avm.PlainFile)
		ldir := createTestNode(t, tx, s0.ID, avm.LayeredDirectory)
		lfile := createTestNode(t, tx, s1.ID, avm.LayeredFile)
		orphan := createTestNode(t, tx, s1.ID, avm.PlainFile)

		if err := tx.SetStoreRoot(ctx, s0.ID, root.ID); err != nil {
			t.Fatalf("SetStoreRoot() failed: %v", err)
		}
		for _, e := range []avm.ChildEntry{
			{ParentID: root.ID, Name: "f", ChildID: file.ID},
			{ParentID: root.ID, Name: "l", ChildID: ldir.ID},
			{ParentID: ldir.ID, Name: "lf", ChildID: lfile.ID},
		} {
			if err := tx.CreateChildEntry(ctx, e); err != nil {
				t.Fatalf("CreateChildEntry() failed: %v", err)
			}
		}

		file.Content = avm.ContentData{URL: "local:f"}
		file.ACLID = 7
		if err := tx.UpdateNode(ctx, file.MustHead()); err != nil {
			t.Fatalf("UpdateNode() failed: %v", err)
		}

		ids, err := tx.NewInStore(ctx, s0.ID)
		if err != nil || len(ids) != 3 {
			t.Errorf("NewInStore(S0) = %v, %v; want 3 ids", ids, err)
		}
		ids, err = tx.LayeredNewInStore(ctx, s1.ID)
		if err != nil || len(ids) != 1 || ids[0] != lfile.ID {
			t.Errorf("LayeredNewInStore(S1) = %v, %v", ids, err)
		}

		ids, err = tx.Orphans(ctx, 10)
		if err != nil || len(ids) != 1 || ids[0] != orphan.ID {
			t.Errorf("Orphans() = %v, %v; want [%d]", ids, err, orphan.ID)
		}

		dirs, err := tx.LayeredDirectories(ctx)
		if err != nil || len(dirs) != 1 || dirs[0].ID != ldir.ID {
			t.Errorf("LayeredDirectories() = %v, %v", dirs, err)
		}
		files, err := tx.LayeredFiles(ctx)
		if err != nil || len(files) != 1 || files[0].ID != lfile.ID {
			t.Errorf("LayeredFiles() = %v, %v", files, err)
		}

		ids, err = tx.NodeIDsByACL(ctx, 7)
		if err != nil || len(ids) != 1 || ids[0] != file.ID {
			t.Errorf("NodeIDsByACL(7) = %v, %v", ids, err)
		}

		var urls []string
		err = tx.ContentURLsForPlainFiles(ctx, func(url string) error {
			urls = append(urls, url)
			return nil
		})
		if err != nil || len(urls) != 1 || urls[0] != "local:f" {
			t.Errorf("ContentURLsForPlainFiles() = %v, %v", urls, err)
		}

		n, err := tx.SealNewInStore(ctx, s0.ID, 0)
		if err != nil || n != 3 {
			t.Errorf("SealNewInStore(S0) = %d, %v; want 3", n, err)
		}
		ids, _ = tx.NewInStore(ctx, s0.ID)
		if len(ids) != 0 {
			t.Errorf("NewInStore after seal = %v", ids)
		}
	})
}

func TestContentURLsForPlainFiles_StopsOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	inTx(t, s, func(tx *Tx) {
		st := createTestStoreRecord(t, tx, "S0")
		for i := 0; i < 3; i++ {
			n := createTestNode(t, tx, st.ID, avm.PlainFile)
			n.Content.URL = "local:x"
			if err := tx.UpdateNode(ctx, n.MustHead()); err != nil {
				t.Fatalf("UpdateNode() failed: %v", err)
			}
		}

		calls := 0
		stop := avm.NewConflictError("stop")
		err := tx.ContentURLsForPlainFiles(ctx, func(string) error {
			calls++
			return stop
		})
		if err != stop || calls != 1 {
			t.Errorf("err = %v, calls = %d; want stop after 1 call", err, calls)
		}
	})
}
