// Package submit promotes the changes of a layered workspace into the store
// it is layered over.
//
// A submit compares the workspace with its target, forces the workspace's
// view onto the target and flattens the workspace so it no longer differs.
// When the workspace was itself branched from a sandbox, the sandbox is
// brought up to date and flattened as well.
package submit

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/diff"
	"github.com/roach88/avm/internal/metrics"
	"github.com/roach88/avm/internal/repo"
	"github.com/roach88/avm/internal/syncer"
)

// Request describes one submit.
type Request struct {
	// Source is the workspace path, read at its head.
	Source avm.VersionPath `json:"source"`

	// Target receives the changes. When empty it defaults to the
	// indirection of the layered directory at Source.
	Target avm.VersionPath `json:"target"`

	// From is the sandbox Source was branched from, if any. It is updated
	// without overriding its own newer work and then flattened against
	// Target.
	From avm.VersionPath `json:"from"`

	Tag         string `json:"tag,omitempty"`
	Description string `json:"description,omitempty"`

	Excluder avm.Excluder `json:"-"`
}

// Result reports a completed submit.
type Result struct {
	Target     avm.VersionPath      `json:"target"`
	Update     *syncer.UpdateResult `json:"update"`
	Flattened  []string             `json:"flattened"`
	FromUpdate *syncer.UpdateResult `json:"from_update,omitempty"`
	FromFlat   []string             `json:"from_flattened,omitempty"`
	Changes    []Change             `json:"changes"`
}

// Handler runs submits.
type Handler struct {
	repo     *repo.Repository
	engine   *syncer.Engine
	notifier Notifier
	log      *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithNotifier sets the change notifier. The default notifies nobody.
func WithNotifier(n Notifier) Option {
	return func(h *Handler) {
		h.notifier = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.log = l
	}
}

// NewHandler creates a Handler that syncs through engine.
func NewHandler(engine *syncer.Engine, opts ...Option) *Handler {
	h := &Handler{
		repo:     engine.Repository(),
		engine:   engine,
		notifier: nopNotifier{},
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Submit runs req. The steps are not atomic across stores: when a later step
// fails, the returned result holds what was already committed.
func (h *Handler) Submit(ctx context.Context, req Request) (result *Result, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("submit", time.Since(start), err) }()

	if req.Source.Version != avm.HeadVersion {
		return nil, avm.NewInvalidPathError(req.Source.String(), "submit source must be a head path")
	}
	target, err := h.Target(ctx, req)
	if err != nil {
		return nil, err
	}
	result = &Result{Target: target, Changes: []Change{}}

	h.log.Debug("submitting", "source", req.Source.String(), "target", target.String(), "from", req.From.String())

	diffs, err := h.compare(ctx, req.Source, target, req.Excluder)
	if err != nil {
		return result, err
	}
	result.Update, err = h.engine.Update(ctx, diffs, req.Excluder, syncer.UpdateOptions{
		OverrideConflicts: true,
		OverrideOlder:     true,
		Tag:               req.Tag,
		Description:       req.Description,
	})
	if err != nil {
		return result, err
	}
	result.Changes = append(result.Changes, changes(result.Update)...)

	if result.Flattened, err = h.engine.Flatten(ctx, req.Source, target); err != nil {
		return result, err
	}

	if req.From.Store != "" {
		fromDiffs, err := h.compare(ctx, req.Source, req.From, req.Excluder)
		if err != nil {
			return result, err
		}
		result.FromUpdate, err = h.engine.Update(ctx, fromDiffs, req.Excluder, syncer.UpdateOptions{
			IgnoreConflicts: true,
			IgnoreOlder:     true,
			Tag:             req.Tag,
			Description:     req.Description,
		})
		if err != nil {
			return result, err
		}
		if result.FromFlat, err = h.engine.Flatten(ctx, req.From, target); err != nil {
			return result, err
		}
	}

	for _, c := range result.Changes {
		if err := h.notifier.Notify(ctx, c); err != nil {
			h.log.Warn("change notification failed", "store", c.Store, "version", c.Version, "error", err)
		}
	}
	h.log.Info("submitted",
		"source", req.Source.String(),
		"target", target.String(),
		"applied", result.Update.Count(syncer.Applied),
		"flattened", len(result.Flattened),
	)
	return result, nil
}

func (h *Handler) compare(ctx context.Context, src, dst avm.VersionPath, excluder avm.Excluder) ([]avm.Difference, error) {
	var diffs []avm.Difference
	err := h.repo.Read(ctx, func(v *repo.View) error {
		var err error
		diffs, err = diff.Compare(ctx, v, src, dst, excluder)
		return err
	})
	return diffs, err
}

// Target returns the store path req promotes into: req.Target when set,
// otherwise the indirection of the layered directory at req.Source.
func (h *Handler) Target(ctx context.Context, req Request) (avm.VersionPath, error) {
	if req.Target.Store != "" {
		return req.Target, nil
	}
	source := req.Source
	var target avm.VersionPath
	err := h.repo.Read(ctx, func(v *repo.View) error {
		r, err := v.Lookup(ctx, source)
		if err != nil {
			return err
		}
		if r.Node.Type != avm.LayeredDirectory {
			return avm.NewTypeMismatchError(source.String(), "no target given and source is not layered")
		}
		target, err = r.Node.IndirectionPath()
		return err
	})
	return target, err
}

// changes turns an update result into one change per destination store.
func changes(res *syncer.UpdateResult) []Change {
	byStore := make(map[string][]string)
	for _, o := range res.Outcomes {
		if o.Action != syncer.Applied {
			continue
		}
		dst, err := o.Difference.Destination()
		if err != nil {
			continue
		}
		byStore[dst.Store] = append(byStore[dst.Store], dst.Path)
	}
	out := []Change{}
	for store, paths := range byStore {
		out = append(out, Change{Store: store, Version: res.Versions[store], Paths: paths})
	}
	sortChanges(out)
	return out
}
