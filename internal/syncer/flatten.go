package syncer

import (
	"context"
	"time"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/metrics"
	"github.com/roach88/avm/internal/repo"
)

// Flatten makes the head subtree at layer concrete and returns the paths it
// converted.
//
// Layered directories become plain directories holding their effective
// entries. The directory at layer itself takes its inherited entries from
// underlying; nested layered directories use their own indirection.
// Inherited sealed subtrees without layered nodes are shared by id, anything
// else is copied. Layered files become plain copies of their target.
// Subtrees without layered nodes are left alone, so flattening twice changes
// nothing the second time.
func (e *Engine) Flatten(ctx context.Context, layer, underlying avm.VersionPath) (changed []string, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("flatten", time.Since(start), err) }()

	if layer.Version != avm.HeadVersion {
		return nil, avm.NewInvalidPathError(layer.String(), "flatten target must be a head path")
	}

	err = e.repo.Write(ctx, layer.Store, func(w *repo.Writer) error {
		f := &flattener{w: w, changed: []string{}}
		r, err := w.Lookup(ctx, layer)
		if err != nil {
			return err
		}
		var base *repo.Resolved
		if underlying.Store != "" {
			base, err = w.Lookup(ctx, underlying)
			if err != nil && !avm.IsNotFound(err) {
				return err
			}
			if base != nil && !base.Node.Type.IsDirectory() {
				base = nil
			}
		}
		if err := f.flatten(ctx, r, base); err != nil {
			return err
		}
		changed = f.changed
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordFlattened(len(changed))
	e.log.Info("flattened", "layer", layer.String(), "underlying", underlying.String(), "changed", len(changed))
	return changed, nil
}

type flattener struct {
	w       *repo.Writer
	changed []string
}

func (f *flattener) flatten(ctx context.Context, r *repo.Resolved, base *repo.Resolved) error {
	switch r.Node.Type {
	case avm.LayeredFile:
		return f.flattenFile(ctx, r)
	case avm.LayeredDirectory:
		return f.flattenDirectory(ctx, r, base)
	case avm.PlainDirectory:
		concrete, err := f.w.Concrete(ctx, r.Node)
		if err != nil || concrete {
			return err
		}
		if !r.Direct {
			head, err := f.w.LookupForWrite(ctx, r.Path.Path)
			if err != nil {
				return err
			}
			return f.flatten(ctx, head, nil)
		}
		children, err := f.w.Children(ctx, r, false)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := f.flatten(ctx, c, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *flattener) flattenFile(ctx context.Context, r *repo.Resolved) error {
	target, err := f.w.FollowFile(ctx, r)
	if err != nil {
		return err
	}
	head, err := f.w.LookupForWrite(ctx, r.Path.Path)
	if err != nil {
		return err
	}
	_, err = f.w.UpdateHead(ctx, head.Node, func(n *avm.Node) {
		n.Type = avm.PlainFile
		n.Content = target.Node.Content
		n.Indirection = ""
		n.IndirectionVersion = avm.HeadVersion
	})
	if err != nil {
		return err
	}
	f.changed = append(f.changed, r.Path.Path)
	return nil
}

func (f *flattener) flattenDirectory(ctx context.Context, r, base *repo.Resolved) error {
	var entries []*repo.Resolved
	var err error
	if base != nil {
		entries, err = f.w.Overlay(ctx, r, base, true)
	} else {
		entries, err = f.w.Children(ctx, r, true)
	}
	if err != nil {
		return err
	}

	head, err := f.w.LookupForWrite(ctx, r.Path.Path)
	if err != nil {
		return err
	}

	var nested []*repo.Resolved
	for _, c := range entries {
		if c.Direct {
			if !c.Node.Type.IsDeleted() {
				nested = append(nested, c)
			}
			continue
		}
		id, err := f.inherit(ctx, c)
		if err != nil {
			return err
		}
		if err := f.w.Link(ctx, head.Node.ID, c.Name(), id); err != nil {
			return err
		}
	}

	_, err = f.w.UpdateHead(ctx, head.Node, func(n *avm.Node) {
		n.Type = avm.PlainDirectory
		n.Indirection = ""
		n.IndirectionVersion = avm.HeadVersion
		n.Opacity = false
	})
	if err != nil {
		return err
	}
	f.changed = append(f.changed, r.Path.Path)

	for _, c := range nested {
		if err := f.flatten(ctx, c, nil); err != nil {
			return err
		}
	}
	return nil
}

// inherit returns the node id an inherited entry should be linked as.
func (f *flattener) inherit(ctx context.Context, c *repo.Resolved) (int64, error) {
	if c.Node.Sealed() && !c.Node.Type.IsLayered() {
		concrete, err := f.w.Concrete(ctx, c.Node)
		if err != nil {
			return 0, err
		}
		if concrete {
			return c.Node.ID, nil
		}
	}
	n, err := f.w.Materialize(ctx, c, repo.MaterializeOptions{Flatten: true})
	if err != nil {
		return 0, err
	}
	return n.ID, nil
}
