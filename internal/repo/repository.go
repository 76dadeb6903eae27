package repo

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/metrics"
)

// Repository is the entry point to the versioned node store.
//
// Thread-safety: Repository is safe for concurrent use. Read transactions run
// concurrently; Write serializes writers per store.
type Repository struct {
	db      avm.Transactor
	content avm.ContentStore
	log     *slog.Logger
	guids   avm.GUIDGenerator
	clock   Clock
	maxHops int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) {
		r.log = l
	}
}

// WithGUIDGenerator sets the generator for new node GUIDs.
//
// Default: UUIDv7. Use avm.NewSequenceGenerator for reproducible tests.
func WithGUIDGenerator(g avm.GUIDGenerator) Option {
	return func(r *Repository) {
		r.guids = g
	}
}

// WithClock sets the time source for node timestamps.
func WithClock(c Clock) Option {
	return func(r *Repository) {
		r.clock = c
	}
}

// WithMaxHops bounds the indirections a single resolution may follow.
func WithMaxHops(n int) Option {
	return func(r *Repository) {
		r.maxHops = n
	}
}

// New creates a Repository over a persistence layer and a content store.
// content may be nil when file bodies are never read or written.
func New(db avm.Transactor, content avm.ContentStore, opts ...Option) *Repository {
	r := &Repository{
		db:      db,
		content: content,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		guids:   avm.UUIDv7Generator{},
		clock:   systemClock{},
		maxHops: DefaultMaxHops,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Content returns the content store.
func (r *Repository) Content() avm.ContentStore {
	return r.content
}

// Logger returns the repository logger.
func (r *Repository) Logger() *slog.Logger {
	return r.log
}

// Lock acquires the in-process lock of a store and returns its release
// function.
func (r *Repository) Lock(store string) func() {
	r.mu.Lock()
	l, ok := r.locks[store]
	if !ok {
		l = &sync.Mutex{}
		r.locks[store] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Read runs fn against a read-only View.
func (r *Repository) Read(ctx context.Context, fn func(*View) error) error {
	return r.db.Read(ctx, func(p avm.Port) error {
		return fn(newView(r, p))
	})
}

// Write runs fn against a Writer for store while holding the store lock.
// fn may be invoked more than once when the transaction is retried.
func (r *Repository) Write(ctx context.Context, store string, fn func(*Writer) error) error {
	unlock := r.Lock(store)
	defer unlock()
	return r.db.Write(ctx, func(p avm.Port) error {
		w := &Writer{View: newView(r, p), store: store}
		if _, err := w.Store(ctx, store); err != nil {
			return err
		}
		return fn(w)
	})
}

// CreateStore creates a store with an empty plain root and takes its first
// snapshot, version 0.
func (r *Repository) CreateStore(ctx context.Context, name string) (*avm.Store, error) {
	return r.createStore(ctx, name, avm.PlainDirectory, avm.VersionPath{})
}

// CreateLayeredStore creates a store whose root is layered over target.
func (r *Repository) CreateLayeredStore(ctx context.Context, name string, target avm.VersionPath) (*avm.Store, error) {
	return r.createStore(ctx, name, avm.LayeredDirectory, target)
}

func (r *Repository) createStore(ctx context.Context, name string, rootType avm.NodeType, target avm.VersionPath) (st *avm.Store, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("create_store", time.Since(start), err) }()

	if !validStoreName(name) {
		return nil, avm.NewInvalidPathError(name, "bad store name")
	}

	unlock := r.Lock(name)
	defer unlock()

	err = r.db.Write(ctx, func(p avm.Port) error {
		created, err := p.CreateStore(ctx, name)
		if err != nil {
			return err
		}
		w := &Writer{View: newView(r, p), store: name}
		root := w.newNode(created.ID, rootType)
		if rootType == avm.LayeredDirectory {
			root.Indirection = target.StorePath()
			root.IndirectionVersion = target.Version
		}
		if _, err := p.CreateNode(ctx, root); err != nil {
			return err
		}
		if err := p.SetStoreRoot(ctx, created.ID, root.ID); err != nil {
			return err
		}
		if _, err := w.Snapshot(ctx, "", "created"); err != nil {
			return err
		}
		st, err = p.GetStore(ctx, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("store created", "store", name, "root_type", string(rootType))
	return st, nil
}

func validStoreName(name string) bool {
	vp, err := avm.ParsePath(name + ":/")
	return err == nil && vp.Store == name && vp.Version == avm.HeadVersion
}

// Snapshot seals the head of store; see Writer.Snapshot.
func (r *Repository) Snapshot(ctx context.Context, store, tag, description string) (int, error) {
	var version int
	err := r.Write(ctx, store, func(w *Writer) error {
		v, err := w.Snapshot(ctx, tag, description)
		version = v
		return err
	})
	return version, err
}
