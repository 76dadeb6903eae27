// Package syncer applies differences between stores and collapses layers.
//
// The engine is the write side of synchronization: diff.Compare finds what
// differs, Update pushes selected differences into destination stores,
// Flatten turns a layer into concrete content and ResetLayer discards a
// layer's local overrides.
package syncer

import (
	"io"
	"log/slog"

	"github.com/roach88/avm/internal/repo"
)

// Engine runs sync operations against a repository.
//
// Thread-safety: Engine is safe for concurrent use. Each destination store is
// written under its repository lock.
type Engine struct {
	repo *repo.Repository
	log  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to the repository's.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// New creates an Engine over r.
func New(r *repo.Repository, opts ...Option) *Engine {
	e := &Engine{repo: r, log: r.Logger()}
	if e.log == nil {
		e.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Repository returns the repository the engine writes to.
func (e *Engine) Repository() *repo.Repository {
	return e.repo
}
