// Package testutil builds deterministic repositories for tests in packages
// layered above repo.
package testutil

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/content"
	"github.com/roach88/avm/internal/repo"
	"github.com/roach88/avm/internal/store"
)

// Epoch is the first timestamp of every test repository's clock.
var Epoch = time.UnixMilli(1700000000000).UTC()

// NewRepository opens a repository over a fresh SQLite file and an
// in-memory content store. GUIDs are "g-1", "g-2", ... and the clock steps
// one millisecond per reading from Epoch.
func NewRepository(t testing.TB, opts ...repo.Option) *repo.Repository {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "avm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	base := []repo.Option{
		repo.WithGUIDGenerator(avm.NewSequenceGenerator("g")),
		repo.WithClock(repo.NewStepClock(Epoch, time.Millisecond)),
	}
	return repo.New(s, content.NewMemory(), append(base, opts...)...)
}

// Path parses a version path literal.
func Path(s string) avm.VersionPath {
	return avm.MustParsePath(s)
}

// CreateStore creates a plain store.
func CreateStore(t testing.TB, r *repo.Repository, name string) {
	t.Helper()
	_, err := r.CreateStore(context.Background(), name)
	require.NoError(t, err)
}

// CreateLayeredStore creates a store whose root is layered over target.
func CreateLayeredStore(t testing.TB, r *repo.Repository, name, target string) {
	t.Helper()
	_, err := r.CreateLayeredStore(context.Background(), name, Path(target))
	require.NoError(t, err)
}

// Write runs fn against the head of store and fails the test on error.
func Write(t testing.TB, r *repo.Repository, store string, fn func(w *repo.Writer) error) {
	t.Helper()
	require.NoError(t, r.Write(context.Background(), store, fn))
}

// Snapshot seals the head of store.
func Snapshot(t testing.TB, r *repo.Repository, store string) int {
	t.Helper()
	v, err := r.Snapshot(context.Background(), store, "", "")
	require.NoError(t, err)
	return v
}

// Seed creates files, and any missing parent directories, in the head of
// store. Keys are store paths; values are file bodies.
func Seed(t testing.TB, r *repo.Repository, store string, files map[string]string) {
	t.Helper()
	ctx := context.Background()
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	Write(t, r, store, func(w *repo.Writer) error {
		for _, p := range paths {
			if err := MkdirAll(ctx, w, parentOf(p)); err != nil {
				return err
			}
			if _, err := w.CreateFile(ctx, p, []byte(files[p]), "text/plain"); err != nil {
				return err
			}
		}
		return nil
	})
}

// MkdirAll creates every missing directory along p.
func MkdirAll(ctx context.Context, w *repo.Writer, p string) error {
	cur := ""
	for _, name := range strings.Split(strings.Trim(p, "/"), "/") {
		if name == "" {
			continue
		}
		cur += "/" + name
		_, err := w.Lookup(ctx, Path(w.StoreName()+":"+cur))
		if err == nil {
			continue
		}
		if !avm.IsNotFound(err) {
			return err
		}
		if _, err := w.CreateDirectory(ctx, cur); err != nil {
			return err
		}
	}
	return nil
}

func parentOf(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// ReadFile returns the body of the file at p.
func ReadFile(t testing.TB, r *repo.Repository, p string) string {
	t.Helper()
	var data []byte
	err := r.Read(context.Background(), func(v *repo.View) error {
		var err error
		data, err = v.ReadFile(context.Background(), Path(p))
		return err
	})
	require.NoError(t, err)
	return string(data)
}

// Tree renders the effective subtree at p, one entry per line, indented two
// spaces per level. Directories end in "/", ghosts are marked "(deleted)",
// layered entries "(layered)" and files show their body.
func Tree(t testing.TB, r *repo.Repository, p string) string {
	t.Helper()
	ctx := context.Background()
	var b strings.Builder
	err := r.Read(ctx, func(v *repo.View) error {
		dir, err := v.Lookup(ctx, Path(p))
		if err != nil {
			return err
		}
		return renderTree(ctx, v, dir, 0, &b)
	})
	require.NoError(t, err)
	return b.String()
}

func renderTree(ctx context.Context, v *repo.View, dir *repo.Resolved, depth int, b *strings.Builder) error {
	children, err := v.Children(ctx, dir, true)
	if err != nil {
		return err
	}
	indent := strings.Repeat("  ", depth)
	for _, c := range children {
		b.WriteString(indent)
		b.WriteString(c.Name())
		switch {
		case c.Node.Type.IsDeleted():
			b.WriteString(" (deleted)\n")
			continue
		case c.Node.Type.IsDirectory():
			b.WriteString("/")
		}
		if c.Node.Type.IsLayered() {
			b.WriteString(" (layered)")
		}
		if c.Node.Type.IsFile() {
			data, err := v.ReadFile(ctx, c.Path)
			if err != nil {
				return err
			}
			b.WriteString(" = " + string(data))
		}
		b.WriteString("\n")
		if c.Node.Type.IsDirectory() {
			if err := renderTree(ctx, v, c, depth+1, b); err != nil {
				return err
			}
		}
	}
	return nil
}
