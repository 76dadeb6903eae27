package syncer

import (
	"context"
	"time"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/metrics"
	"github.com/roach88/avm/internal/repo"
)

// ResetLayer discards the direct entries and the opacity of the layered
// directory at layer, so it again shows exactly its underlying directory.
// A layer without overrides is left untouched.
func (e *Engine) ResetLayer(ctx context.Context, layer avm.VersionPath) (err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("reset_layer", time.Since(start), err) }()

	if layer.Version != avm.HeadVersion {
		return avm.NewInvalidPathError(layer.String(), "reset target must be a head path")
	}
	return e.repo.Write(ctx, layer.Store, func(w *repo.Writer) error {
		r, err := w.Lookup(ctx, layer)
		if err != nil {
			return err
		}
		if r.Node.Type != avm.LayeredDirectory {
			return avm.NewTypeMismatchError(layer.String(), "not a layered directory")
		}
		if !r.Direct {
			return nil
		}
		entries, err := w.Port().ListChildren(ctx, r.Node.ID, "")
		if err != nil {
			return err
		}
		if len(entries) == 0 && !r.Node.Opacity {
			return nil
		}

		head, err := w.LookupForWrite(ctx, layer.Path)
		if err != nil {
			return err
		}
		if err := w.ClearEntries(ctx, head.Node.ID); err != nil {
			return err
		}
		_, err = w.UpdateHead(ctx, head.Node, func(n *avm.Node) { n.Opacity = false })
		if err != nil {
			return err
		}
		e.log.Info("layer reset", "layer", layer.String(), "dropped", len(entries))
		return nil
	})
}
