// Package content implements avm.ContentStore backends.
//
// Blobs are content addressed: the URL embeds the keyed BLAKE3 digest of the
// uncompressed bytes, so identical content written twice shares one blob.
package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/metrics"
)

// Local stores blobs under a root directory with a two-level fan-out.
type Local struct {
	root string
	hash hasher
}

var _ avm.ContentStore = (*Local)(nil)

// NewLocal creates the root directory if needed.
func NewLocal(root string, key [32]byte) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create content root: %w", err)
	}
	return &Local{root: root, hash: hasher{key: key}}, nil
}

func (l *Local) path(digest string) string {
	return filepath.Join(l.root, digest[:2], digest[2:4], digest)
}

// Put writes data and returns its descriptor.
func (l *Local) Put(ctx context.Context, data []byte, mimeType string) (cd avm.ContentData, err error) {
	start := time.Now()
	defer func() { metrics.RecordContentOperation("local", "put", time.Since(start), err == nil) }()

	if err := ctx.Err(); err != nil {
		return avm.ContentData{}, err
	}
	digest := l.hash.sum(data)
	cd = avm.ContentData{URL: "local:" + digest, Size: int64(len(data)), Hash: digest, MimeType: mimeType}

	p := l.path(digest)
	if _, err := os.Stat(p); err == nil {
		return cd, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return avm.ContentData{}, fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return avm.ContentData{}, fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encode(data)); err != nil {
		tmp.Close()
		return avm.ContentData{}, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return avm.ContentData{}, fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return avm.ContentData{}, fmt.Errorf("commit blob: %w", err)
	}
	return cd, nil
}

// Get returns the uncompressed bytes of url.
func (l *Local) Get(ctx context.Context, url string) (data []byte, err error) {
	start := time.Now()
	defer func() { metrics.RecordContentOperation("local", "get", time.Since(start), err == nil) }()

	digest, err := splitURL(url, "local")
	if err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(l.path(digest))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, avm.NewNotFoundError(url, "no content blob")
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return decode(blob)
}

// Exists reports whether url is stored.
func (l *Local) Exists(ctx context.Context, url string) (bool, error) {
	digest, err := splitURL(url, "local")
	if err != nil {
		return false, err
	}
	_, err = os.Stat(l.path(digest))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return true, nil
}

// Delete removes url. Deleting a missing blob is not an error.
func (l *Local) Delete(ctx context.Context, url string) error {
	digest, err := splitURL(url, "local")
	if err != nil {
		return err
	}
	if err := os.Remove(l.path(digest)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
