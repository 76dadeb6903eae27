package syncer

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/content"
	"github.com/roach88/avm/internal/diff"
	"github.com/roach88/avm/internal/repo"
	"github.com/roach88/avm/internal/store"
	"github.com/roach88/avm/internal/testutil"
)

func compare(t *testing.T, r *repo.Repository, src, dst string) []avm.Difference {
	t.Helper()
	var diffs []avm.Difference
	err := r.Read(context.Background(), func(v *repo.View) error {
		var err error
		diffs, err = diff.Compare(context.Background(), v, testutil.Path(src), testutil.Path(dst), nil)
		return err
	})
	require.NoError(t, err)
	return diffs
}

func layerState(t *testing.T, r *repo.Repository, p string) avm.LayerState {
	t.Helper()
	var state avm.LayerState
	err := r.Read(context.Background(), func(v *repo.View) error {
		var err error
		state, err = v.LayerState(context.Background(), testutil.Path(p))
		return err
	})
	require.NoError(t, err)
	return state
}

func actions(res *UpdateResult) map[string]Action {
	out := make(map[string]Action, len(res.Outcomes))
	for _, o := range res.Outcomes {
		out[o.Difference.DstPath] = o.Action
	}
	return out
}

// promoteFixture is a live layer over base with one edited, one removed and
// one added file.
func promoteFixture(t *testing.T) *repo.Repository {
	t.Helper()
	ctx := context.Background()
	r := testutil.NewRepository(t)
	testutil.CreateStore(t, r, "base")
	testutil.Seed(t, r, "base", map[string]string{"/a.txt": "a", "/b.txt": "b", "/c.txt": "c"})
	testutil.CreateLayeredStore(t, r, "layer", "base:/")
	testutil.Write(t, r, "layer", func(w *repo.Writer) error {
		if _, err := w.WriteFile(ctx, "/a.txt", []byte("layer a"), ""); err != nil {
			return err
		}
		if err := w.Remove(ctx, "/b.txt"); err != nil {
			return err
		}
		_, err := w.CreateFile(ctx, "/new.txt", []byte("n"), "")
		return err
	})
	return r
}

// divergedFixture pins the layer to base version 1 and then changes both
// sides.
func divergedFixture(t *testing.T) *repo.Repository {
	t.Helper()
	ctx := context.Background()
	r := testutil.NewRepository(t)
	testutil.CreateStore(t, r, "base")
	testutil.Seed(t, r, "base", map[string]string{"/a.txt": "a", "/b.txt": "b", "/c.txt": "c"})
	testutil.Snapshot(t, r, "base")
	testutil.CreateLayeredStore(t, r, "layer", "base:1:/")
	testutil.Write(t, r, "layer", func(w *repo.Writer) error {
		if _, err := w.WriteFile(ctx, "/a.txt", []byte("layer a"), ""); err != nil {
			return err
		}
		return w.Remove(ctx, "/b.txt")
	})
	testutil.Write(t, r, "base", func(w *repo.Writer) error {
		if _, err := w.WriteFile(ctx, "/a.txt", []byte("base a"), ""); err != nil {
			return err
		}
		if _, err := w.WriteFile(ctx, "/c.txt", []byte("c2"), ""); err != nil {
			return err
		}
		_, err := w.CreateFile(ctx, "/d.txt", []byte("d"), "")
		return err
	})
	return r
}

func TestUpdate_PromotesLayerAndConverges(t *testing.T) {
	r := promoteFixture(t)
	e := New(r)
	ctx := context.Background()

	diffs := compare(t, r, "layer:/", "base:/")
	require.Len(t, diffs, 3)

	res, err := e.Update(ctx, diffs, nil, UpdateOptions{Tag: "promote", Description: "layer to base"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count(Applied))
	assert.Equal(t, []string{"base:/a.txt", "base:/b.txt", "base:/new.txt"}, res.Paths())
	assert.Equal(t, 1, res.Versions["base"])

	assert.Equal(t, "layer a", testutil.ReadFile(t, r, "base:/a.txt"))
	assert.Equal(t, "n", testutil.ReadFile(t, r, "base:/new.txt"))
	assert.Equal(t, "a.txt = layer a\nc.txt = c\nnew.txt = n\n", testutil.Tree(t, r, "base:/"))

	assert.Empty(t, compare(t, r, "layer:/", "base:/"))

	err = r.Read(ctx, func(v *repo.View) error {
		versions, err := v.Versions(ctx, "base")
		require.NoError(t, err)
		last := versions[len(versions)-1]
		assert.Equal(t, "promote", last.Tag)
		assert.Equal(t, "layer to base", last.Description)

		layerA, err := v.Lookup(ctx, testutil.Path("layer:/a.txt"))
		require.NoError(t, err)
		assert.True(t, layerA.Node.Sealed(), "sources are snapshotted before copying")

		baseA, err := v.Lookup(ctx, testutil.Path("base:/a.txt"))
		require.NoError(t, err)
		from, ok, err := v.MergeSource(ctx, baseA.Node.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, layerA.Node.ID, from)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdate_SealsHeadNodesReadThroughLayering(t *testing.T) {
	ctx := context.Background()
	r := testutil.NewRepository(t)
	testutil.CreateStore(t, r, "base")
	testutil.Seed(t, r, "base", map[string]string{"/f.txt": "v1"})
	testutil.Snapshot(t, r, "base")
	testutil.Write(t, r, "base", func(w *repo.Writer) error {
		_, err := w.WriteFile(ctx, "/f.txt", []byte("v2"), "")
		return err
	})
	testutil.CreateLayeredStore(t, r, "layer", "base:/")
	testutil.CreateStore(t, r, "target")

	diffs := compare(t, r, "layer:/", "target:/")
	require.Len(t, diffs, 1)
	require.Equal(t, avm.Older, diffs[0].Code)

	res, err := New(r).Update(ctx, diffs, nil, UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(Applied))
	assert.Equal(t, "v2", testutil.ReadFile(t, r, "target:/f.txt"))
	assert.Empty(t, compare(t, r, "layer:/", "target:/"))

	err = r.Read(ctx, func(v *repo.View) error {
		versions, err := v.Versions(ctx, "base")
		require.NoError(t, err)
		assert.Len(t, versions, 3, "base is snapshotted before its head node is copied")

		f, err := v.Lookup(ctx, testutil.Path("base:/f.txt"))
		require.NoError(t, err)
		assert.True(t, f.Node.Sealed())
		return nil
	})
	require.NoError(t, err)

	// A later head edit of the underlying store shows up as a difference.
	testutil.Write(t, r, "base", func(w *repo.Writer) error {
		_, err := w.WriteFile(ctx, "/f.txt", []byte("v3"), "")
		return err
	})
	assert.Equal(t, "v3", testutil.ReadFile(t, r, "layer:/f.txt"))
	diffs = compare(t, r, "layer:/", "target:/")
	require.Len(t, diffs, 1)
	assert.Equal(t, avm.Older, diffs[0].Code)
	assert.Equal(t, "target:/f.txt", diffs[0].DstPath)
}

func TestMaterialize_HeadSourceIsNotMergeLinked(t *testing.T) {
	ctx := context.Background()
	r := testutil.NewRepository(t)
	testutil.CreateStore(t, r, "base")
	testutil.Seed(t, r, "base", map[string]string{"/f.txt": "head"})
	testutil.CreateStore(t, r, "target")

	testutil.Write(t, r, "target", func(w *repo.Writer) error {
		src, err := w.Lookup(ctx, testutil.Path("base:/f.txt"))
		require.NoError(t, err)
		require.False(t, src.Node.Sealed())

		n, err := w.Materialize(ctx, src, repo.MaterializeOptions{})
		require.NoError(t, err)
		_, merged, err := w.MergeSource(ctx, n.ID)
		require.NoError(t, err)
		assert.False(t, merged)
		return w.Replace(ctx, "/f.txt", n)
	})

	// Without a merge link the pair has no ancestry in common.
	diffs := compare(t, r, "base:/f.txt", "target:/f.txt")
	require.Len(t, diffs, 1)
	assert.Equal(t, avm.Conflict, diffs[0].Code)
}

// collidingDB fails child-entry inserts of one name once armed.
type collidingDB struct {
	*store.Store
	name  string
	armed *atomic.Bool
}

func (d collidingDB) Write(ctx context.Context, fn func(avm.Port) error) error {
	return d.Store.Write(ctx, func(p avm.Port) error {
		if d.armed.Load() {
			p = collidingPort{Port: p, name: d.name}
		}
		return fn(p)
	})
}

type collidingPort struct {
	avm.Port
	name string
}

func (p collidingPort) CreateChildEntry(ctx context.Context, e avm.ChildEntry) error {
	if e.Name == p.name {
		return avm.NewNameCollisionError(e.Name, nil)
	}
	return p.Port.CreateChildEntry(ctx, e)
}

func TestUpdate_NameCollisionSkipsOnlyThatEntry(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "avm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	armed := &atomic.Bool{}
	r := repo.New(collidingDB{Store: s, name: "new.txt", armed: armed}, content.NewMemory(),
		repo.WithGUIDGenerator(avm.NewSequenceGenerator("g")),
		repo.WithClock(repo.NewStepClock(testutil.Epoch, time.Millisecond)),
	)
	testutil.CreateStore(t, r, "base")
	testutil.Seed(t, r, "base", map[string]string{"/a.txt": "a"})
	testutil.Snapshot(t, r, "base")
	testutil.CreateLayeredStore(t, r, "layer", "base:1:/")
	testutil.Write(t, r, "layer", func(w *repo.Writer) error {
		if _, err := w.WriteFile(ctx, "/a.txt", []byte("layer a"), ""); err != nil {
			return err
		}
		_, err := w.CreateFile(ctx, "/new.txt", []byte("n"), "")
		return err
	})

	diffs := compare(t, r, "layer:/", "base:/")
	require.Len(t, diffs, 2)

	armed.Store(true)
	res, err := New(r).Update(ctx, diffs, nil, UpdateOptions{})
	require.NoError(t, err)
	armed.Store(false)

	assert.Equal(t, map[string]Action{"base:/a.txt": Applied, "base:/new.txt": Skipped}, actions(res))
	for _, o := range res.Outcomes {
		if o.Action == Skipped {
			assert.Contains(t, o.Reason, "NAME_COLLISION")
		}
	}
	assert.Equal(t, 2, res.Versions["base"])
	assert.Equal(t, "layer a", testutil.ReadFile(t, r, "base:/a.txt"))
	assert.Equal(t, "a.txt = layer a\n", testutil.Tree(t, r, "base:/"))
}

func TestUpdate_SkipsConflictsAndNewerByDefault(t *testing.T) {
	r := divergedFixture(t)
	e := New(r)

	diffs := compare(t, r, "layer:/", "base:/")
	res, err := e.Update(context.Background(), diffs, nil, UpdateOptions{})
	require.NoError(t, err)

	assert.Equal(t, map[string]Action{
		"base:/a.txt": Skipped,
		"base:/b.txt": Applied,
		"base:/c.txt": Skipped,
		"base:/d.txt": Skipped,
	}, actions(res))
	for _, o := range res.Outcomes {
		if o.Difference.DstPath == "base:/a.txt" {
			assert.True(t, strings.Contains(o.Reason, string(avm.ErrCodeConflict)), o.Reason)
		}
	}

	assert.Equal(t, "base a", testutil.ReadFile(t, r, "base:/a.txt"))
	assert.Equal(t, "a.txt = base a\nb.txt (deleted)\nc.txt = c2\nd.txt = d\n", testutil.Tree(t, r, "base:/"))
}

func TestUpdate_IgnoreWinsOverOverride(t *testing.T) {
	r := divergedFixture(t)
	e := New(r)

	diffs := compare(t, r, "layer:/", "base:/")
	res, err := e.Update(context.Background(), diffs, nil, UpdateOptions{
		IgnoreConflicts:   true,
		OverrideConflicts: true,
		IgnoreOlder:       true,
	})
	require.NoError(t, err)

	got := actions(res)
	assert.Equal(t, Ignored, got["base:/a.txt"])
	assert.Equal(t, Ignored, got["base:/c.txt"])
	assert.Equal(t, "base a", testutil.ReadFile(t, r, "base:/a.txt"))
}

func TestUpdate_OverridesConvergeBothWays(t *testing.T) {
	r := divergedFixture(t)
	e := New(r)

	diffs := compare(t, r, "layer:/", "base:/")
	res, err := e.Update(context.Background(), diffs, nil, UpdateOptions{OverrideConflicts: true, OverrideOlder: true})
	require.NoError(t, err)
	assert.Equal(t, len(diffs), res.Count(Applied))

	assert.Equal(t, "layer a", testutil.ReadFile(t, r, "base:/a.txt"))
	assert.Equal(t, "c", testutil.ReadFile(t, r, "base:/c.txt"))
	assert.Empty(t, compare(t, r, "layer:/", "base:/"))
}

func TestUpdate_ExcluderPrunesCopiedDirectories(t *testing.T) {
	r := testutil.NewRepository(t)
	testutil.CreateStore(t, r, "src")
	testutil.CreateStore(t, r, "dst")
	testutil.Seed(t, r, "src", map[string]string{"/pkg/main.go": "m", "/pkg/main.o": "o"})

	excluder, err := avm.NewGlobExcluder("*.o")
	require.NoError(t, err)

	diffs := compare(t, r, "src:/pkg", "dst:/pkg")
	_, err = New(r).Update(context.Background(), diffs, excluder, UpdateOptions{})
	require.NoError(t, err)

	assert.Equal(t, "pkg/\n  main.go = m\n", testutil.Tree(t, r, "dst:/"))
}

func TestUpdate_RejectsSealedDestination(t *testing.T) {
	r := promoteFixture(t)
	diffs := []avm.Difference{{
		SrcVersion: avm.HeadVersion, SrcPath: "layer:/a.txt",
		DstVersion: 0, DstPath: "base:/a.txt",
		Code: avm.Older,
	}}
	_, err := New(r).Update(context.Background(), diffs, nil, UpdateOptions{})
	assert.Equal(t, avm.ErrCodeInvalidPath, avm.CodeOf(err))
}

func TestFlatten_MakesLayerConcrete(t *testing.T) {
	r := promoteFixture(t)
	e := New(r)
	ctx := context.Background()

	diffs := compare(t, r, "layer:/", "base:/")
	_, err := e.Update(ctx, diffs, nil, UpdateOptions{})
	require.NoError(t, err)

	changed, err := e.Flatten(ctx, testutil.Path("layer:/"), testutil.Path("base:/"))
	require.NoError(t, err)
	assert.Equal(t, []string{"/"}, changed)
	assert.Equal(t, avm.Concrete, layerState(t, r, "layer:/"))
	assert.Equal(t, "a.txt = layer a\nb.txt (deleted)\nc.txt = c\nnew.txt = n\n", testutil.Tree(t, r, "layer:/"))
	assert.Empty(t, compare(t, r, "layer:/", "base:/"))

	again, err := e.Flatten(ctx, testutil.Path("layer:/"), testutil.Path("base:/"))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestFlatten_NestedLayers(t *testing.T) {
	ctx := context.Background()
	r := testutil.NewRepository(t)
	testutil.CreateStore(t, r, "base")
	testutil.Seed(t, r, "base", map[string]string{"/docs/a.txt": "a", "/docs/sub/b.txt": "b", "/top.txt": "t"})
	testutil.CreateLayeredStore(t, r, "layer", "base:/")
	testutil.Seed(t, r, "layer", map[string]string{"/docs/own.txt": "o"})
	testutil.Write(t, r, "layer", func(w *repo.Writer) error {
		_, err := w.CreateLayeredFile(ctx, testutil.Path("base:/top.txt"), "/link.txt")
		return err
	})

	e := New(r)
	changed, err := e.Flatten(ctx, testutil.Path("layer:/"), testutil.Path("base:/"))
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/docs", "/link.txt"}, changed)

	want := "docs/\n  a.txt = a\n  own.txt = o\n  sub/\n    b.txt = b\nlink.txt = t\ntop.txt = t\n"
	assert.Equal(t, want, testutil.Tree(t, r, "layer:/"))
	for _, p := range []string{"layer:/", "layer:/docs", "layer:/docs/sub", "layer:/link.txt"} {
		assert.Equal(t, avm.Concrete, layerState(t, r, p), p)
	}

	testutil.Write(t, r, "base", func(w *repo.Writer) error {
		_, err := w.WriteFile(ctx, "/docs/a.txt", []byte("changed"), "")
		return err
	})
	assert.Equal(t, "a", testutil.ReadFile(t, r, "layer:/docs/a.txt"))
}

func TestFlatten_RequiresHead(t *testing.T) {
	r := promoteFixture(t)
	_, err := New(r).Flatten(context.Background(), testutil.Path("layer:0:/"), testutil.Path("base:/"))
	assert.Equal(t, avm.ErrCodeInvalidPath, avm.CodeOf(err))
}

func TestResetLayer(t *testing.T) {
	ctx := context.Background()
	r := testutil.NewRepository(t)
	testutil.CreateStore(t, r, "base")
	testutil.Seed(t, r, "base", map[string]string{"/docs/a.txt": "a"})
	testutil.CreateLayeredStore(t, r, "layer", "base:/")
	testutil.Seed(t, r, "layer", map[string]string{"/docs/own.txt": "o"})
	testutil.Write(t, r, "layer", func(w *repo.Writer) error {
		return w.SetOpacity(ctx, "/docs", true)
	})
	require.Equal(t, avm.Overridden, layerState(t, r, "layer:/docs"))

	e := New(r)
	require.NoError(t, e.ResetLayer(ctx, testutil.Path("layer:/docs")))
	assert.Equal(t, avm.PureIndirection, layerState(t, r, "layer:/docs"))
	assert.Equal(t, "a.txt = a\n", testutil.Tree(t, r, "layer:/docs"))

	require.NoError(t, e.ResetLayer(ctx, testutil.Path("layer:/docs")))

	err := e.ResetLayer(ctx, testutil.Path("base:/docs"))
	assert.True(t, avm.IsTypeMismatch(err), "got %v", err)
}
