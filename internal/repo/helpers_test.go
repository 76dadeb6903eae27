package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/content"
	"github.com/roach88/avm/internal/store"
)

func newTestRepo(t *testing.T, opts ...Option) *Repository {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "avm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	base := []Option{
		WithGUIDGenerator(avm.NewSequenceGenerator("g")),
		WithClock(NewStepClock(time.UnixMilli(1700000000000), time.Millisecond)),
	}
	return New(s, content.NewMemory(), append(base, opts...)...)
}

func vp(s string) avm.VersionPath {
	return avm.MustParsePath(s)
}

func mustCreateStore(t *testing.T, r *Repository, name string) {
	t.Helper()
	_, err := r.CreateStore(context.Background(), name)
	require.NoError(t, err)
}

func mustCreateLayeredStore(t *testing.T, r *Repository, name, target string) {
	t.Helper()
	_, err := r.CreateLayeredStore(context.Background(), name, vp(target))
	require.NoError(t, err)
}

func mustWrite(t *testing.T, r *Repository, store string, fn func(w *Writer) error) {
	t.Helper()
	require.NoError(t, r.Write(context.Background(), store, fn))
}

func mustRead(t *testing.T, r *Repository, fn func(v *View) error) {
	t.Helper()
	require.NoError(t, r.Read(context.Background(), fn))
}

func mustSnapshot(t *testing.T, r *Repository, store string) int {
	t.Helper()
	v, err := r.Snapshot(context.Background(), store, "", "")
	require.NoError(t, err)
	return v
}

// seedFiles creates every file in files, with parent directories, in the
// head of store.
func seedFiles(t *testing.T, r *Repository, store string, files map[string]string) {
	t.Helper()
	ctx := context.Background()
	mustWrite(t, r, store, func(w *Writer) error {
		for p, body := range files {
			if err := ensureDirs(ctx, w, p); err != nil {
				return err
			}
			if _, err := w.CreateFile(ctx, p, []byte(body), "text/plain"); err != nil {
				return err
			}
		}
		return nil
	})
}

func ensureDirs(ctx context.Context, w *Writer, p string) error {
	dir := vp(w.StoreName() + ":" + p)
	var missing []string
	for {
		parent, _ := dir.Split()
		if parent.IsRoot() {
			break
		}
		if _, err := w.Lookup(ctx, parent); err == nil {
			break
		}
		missing = append([]string{parent.Path}, missing...)
		dir = parent
	}
	for _, m := range missing {
		if _, err := w.CreateDirectory(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func readString(t *testing.T, r *Repository, p string) string {
	t.Helper()
	var data []byte
	mustRead(t, r, func(v *View) error {
		var err error
		data, err = v.ReadFile(context.Background(), vp(p))
		return err
	})
	return string(data)
}

func listNames(t *testing.T, r *Repository, p string, includeDeleted bool) []string {
	t.Helper()
	names := []string{}
	mustRead(t, r, func(v *View) error {
		entries, err := v.List(context.Background(), vp(p), includeDeleted)
		if err != nil {
			return err
		}
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return nil
	})
	return names
}

func lookupErr(r *Repository, p string) error {
	return r.Read(context.Background(), func(v *View) error {
		_, err := v.Lookup(context.Background(), vp(p))
		return err
	})
}
