package content

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/avm/internal/avm"
)

// Backend names accepted by Open.
const (
	BackendLocal  = "local"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Config selects and configures a content backend.
type Config struct {
	Backend string   `yaml:"backend" json:"backend"`
	Root    string   `yaml:"root" json:"root,omitempty"`
	HashKey string   `yaml:"hash_key" json:"hash_key,omitempty"`
	S3      S3Config `yaml:"s3" json:"s3"`
}

// Open returns the backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (avm.ContentStore, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	key, err := ParseHashKey(cfg.HashKey)
	if err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendLocal, "":
		if cfg.Root == "" {
			return nil, fmt.Errorf("content: local backend needs a root directory")
		}
		return NewLocal(cfg.Root, key)
	case BackendS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("content: s3 backend needs a bucket")
		}
		return NewS3(ctx, cfg.S3, key, log)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("content: unknown backend %q", cfg.Backend)
	}
}
