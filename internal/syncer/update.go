package syncer

import (
	"context"
	"time"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/metrics"
	"github.com/roach88/avm/internal/repo"
)

// UpdateOptions selects how NEWER and CONFLICT differences are treated.
// Ignore flags take precedence over override flags.
type UpdateOptions struct {
	IgnoreConflicts   bool   `json:"ignore_conflicts"`
	IgnoreOlder       bool   `json:"ignore_older"`
	OverrideConflicts bool   `json:"override_conflicts"`
	OverrideOlder     bool   `json:"override_older"`
	Tag               string `json:"tag,omitempty"`
	Description       string `json:"description,omitempty"`
}

// Action is what Update did with one difference.
type Action string

const (
	Applied   Action = "APPLIED"
	Ignored   Action = "IGNORED"
	Skipped   Action = "SKIPPED"
	Unchanged Action = "UNCHANGED"
)

// Outcome reports one difference of an update.
type Outcome struct {
	Difference avm.Difference `json:"difference"`
	Action     Action         `json:"action"`
	Reason     string         `json:"reason,omitempty"`
}

// UpdateResult itemizes an update.
type UpdateResult struct {
	Outcomes []Outcome `json:"outcomes"`

	// Versions maps each destination store to the snapshot that sealed it.
	Versions map[string]int `json:"versions"`
}

// Count returns how many outcomes took action a.
func (r *UpdateResult) Count(a Action) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Action == a {
			n++
		}
	}
	return n
}

// Paths returns the destination paths of applied outcomes.
func (r *UpdateResult) Paths() []string {
	paths := []string{}
	for _, o := range r.Outcomes {
		if o.Action == Applied {
			paths = append(paths, o.Difference.DstPath)
		}
	}
	return paths
}

type pending struct {
	diff avm.Difference
	src  avm.VersionPath
	dst  avm.VersionPath
}

// Update applies diffs to their destination stores.
//
// Source stores read at their head are snapshotted first, together with
// every store owning a head node the copies would read through layering, so
// that everything copied is sealed. These snapshots commit on their own and
// survive a failed update. Each destination store is then written in one
// transaction: every difference runs in its own savepoint, a NameCollision
// skips only that entry and any other error aborts the call. The
// destination is snapshotted with opts.Tag and opts.Description before the
// transaction commits. Stores already committed stay committed when a later
// store fails.
func (e *Engine) Update(ctx context.Context, diffs []avm.Difference, excluder avm.Excluder, opts UpdateOptions) (result *UpdateResult, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("update", time.Since(start), err) }()

	var order []string
	groups := make(map[string][]pending)
	sources := make(map[string]bool)
	var sourceOrder []string
	for _, d := range diffs {
		src, err := d.Source()
		if err != nil {
			return nil, err
		}
		dst, err := d.Destination()
		if err != nil {
			return nil, err
		}
		if dst.Version != avm.HeadVersion {
			return nil, avm.NewInvalidPathError(dst.String(), "update destination must be a head path")
		}
		if _, ok := groups[dst.Store]; !ok {
			order = append(order, dst.Store)
		}
		groups[dst.Store] = append(groups[dst.Store], pending{diff: d, src: src, dst: dst})
		if src.Version == avm.HeadVersion && !sources[src.Store] {
			sources[src.Store] = true
			sourceOrder = append(sourceOrder, src.Store)
		}
	}

	owners, err := e.unsealedOwners(ctx, order, groups, excluder, opts)
	if err != nil {
		return nil, err
	}
	for _, store := range owners {
		if !sources[store] {
			sources[store] = true
			sourceOrder = append(sourceOrder, store)
		}
	}

	for _, store := range sourceOrder {
		v, err := e.repo.Snapshot(ctx, store, "", "update source")
		if err != nil {
			return nil, err
		}
		e.log.Debug("source snapshotted", "store", store, "version", v)
	}

	result = &UpdateResult{Outcomes: []Outcome{}, Versions: make(map[string]int)}
	for _, store := range order {
		outcomes, version, err := e.updateStore(ctx, store, groups[store], excluder, opts)
		if err != nil {
			return result, err
		}
		result.Outcomes = append(result.Outcomes, outcomes...)
		result.Versions[store] = version
		for _, o := range outcomes {
			metrics.RecordUpdateEntry(string(o.Action))
		}
		e.log.Info("update applied",
			"store", store,
			"version", version,
			"entries", len(outcomes),
			"applied", countAction(outcomes, Applied),
			"skipped", countAction(outcomes, Skipped),
		)
	}
	return result, nil
}

// unsealedOwners returns the stores owning head nodes reachable from the
// sources of the differences that will be applied.
func (e *Engine) unsealedOwners(ctx context.Context, order []string, groups map[string][]pending, excluder avm.Excluder, opts UpdateOptions) ([]string, error) {
	var owners []string
	seen := make(map[string]bool)
	err := e.repo.Read(ctx, func(v *repo.View) error {
		for _, store := range order {
			for _, p := range groups[store] {
				if action, _ := decide(p, opts); action != Applied {
					continue
				}
				src, err := v.LookupDeleted(ctx, p.src)
				if avm.IsNotFound(err) {
					continue
				}
				if err != nil {
					return err
				}
				names, err := v.UnsealedStores(ctx, src, excluder)
				if err != nil {
					return err
				}
				for _, name := range names {
					if !seen[name] {
						seen[name] = true
						owners = append(owners, name)
					}
				}
			}
		}
		return nil
	})
	return owners, err
}

func countAction(outcomes []Outcome, a Action) int {
	r := UpdateResult{Outcomes: outcomes}
	return r.Count(a)
}

func (e *Engine) updateStore(ctx context.Context, store string, entries []pending, excluder avm.Excluder, opts UpdateOptions) ([]Outcome, int, error) {
	var outcomes []Outcome
	var version int
	err := e.repo.Write(ctx, store, func(w *repo.Writer) error {
		outcomes = make([]Outcome, 0, len(entries))
		for _, p := range entries {
			action, reason := decide(p, opts)
			if action == Applied {
				err := w.Savepoint(ctx, func() error {
					return apply(ctx, w, p, excluder)
				})
				if avm.IsNameCollision(err) {
					action, reason = Skipped, err.Error()
				} else if err != nil {
					return err
				}
			}
			outcomes = append(outcomes, Outcome{Difference: p.diff, Action: action, Reason: reason})
		}

		v, err := w.Snapshot(ctx, opts.Tag, opts.Description)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return outcomes, version, nil
}

// decide maps a difference code and the options to an action.
func decide(p pending, opts UpdateOptions) (Action, string) {
	switch p.diff.Code {
	case avm.Older:
		return Applied, ""
	case avm.Newer:
		switch {
		case opts.IgnoreOlder:
			return Ignored, ""
		case opts.OverrideOlder:
			return Applied, ""
		}
		return Skipped, "destination is newer than source"
	case avm.Conflict:
		switch {
		case opts.IgnoreConflicts:
			return Ignored, ""
		case opts.OverrideConflicts:
			return Applied, ""
		}
		return Skipped, avm.NewConflictError(p.dst.String()).Error()
	default:
		return Unchanged, ""
	}
}

// apply makes the destination match the source. A missing or deleted source
// removes the destination name; anything else is materialized in the
// destination store and merge-linked to its sealed source.
func apply(ctx context.Context, w *repo.Writer, p pending, excluder avm.Excluder) error {
	src, err := w.LookupDeleted(ctx, p.src)
	if err != nil && !avm.IsNotFound(err) {
		return err
	}

	if src == nil || src.Node.Type.IsDeleted() {
		if _, err := w.Lookup(ctx, p.dst); err != nil {
			if avm.IsNotFound(err) {
				return nil
			}
			return err
		}
		return w.Remove(ctx, p.dst.Path)
	}

	n, err := w.Materialize(ctx, src, repo.MaterializeOptions{Excluder: excluder})
	if err != nil {
		return err
	}
	return w.Replace(ctx, p.dst.Path, n)
}
