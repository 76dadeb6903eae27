package harness

import (
	"context"
	"fmt"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/diff"
	"github.com/roach88/avm/internal/repo"
	"github.com/roach88/avm/internal/submit"
	"github.com/roach88/avm/internal/syncer"
)

type operation func(ctx context.Context, h *Harness, a args) (map[string]any, error)

var operations = map[string]operation{
	"create_store":         opCreateStore,
	"create_layered_store": opCreateLayeredStore,
	"mkdir":                opMkdir,
	"create":               opCreate,
	"write":                opWrite,
	"rm":                   opRemove,
	"rename":               opRename,
	"layer":                opLayer,
	"layer_file":           opLayerFile,
	"set_opacity":          opSetOpacity,
	"uncover":              opUncover,
	"retarget":             opRetarget,
	"snapshot":             opSnapshot,
	"compare":              opCompare,
	"update":               opUpdate,
	"flatten":              opFlatten,
	"reset_layer":          opResetLayer,
	"submit":               opSubmit,
}

// args wraps a step's argument map with typed accessors.
type args map[string]any

func (a args) str(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", fmt.Errorf("missing arg %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("arg %q: want string, got %T", key, v)
	}
	return s, nil
}

func (a args) optStr(key string) string {
	s, _ := a[key].(string)
	return s
}

func (a args) flag(key string) bool {
	b, _ := a[key].(bool)
	return b
}

func (a args) path(key string) (avm.VersionPath, error) {
	s, err := a.str(key)
	if err != nil {
		return avm.VersionPath{}, err
	}
	return avm.ParsePath(s)
}

func (a args) optPath(key string) (avm.VersionPath, error) {
	s := a.optStr(key)
	if s == "" {
		return avm.VersionPath{}, nil
	}
	return avm.ParsePath(s)
}

func (a args) excluder() (avm.Excluder, error) {
	raw, ok := a["exclude"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("arg \"exclude\": want list, got %T", raw)
	}
	patterns := make([]string, 0, len(list))
	for _, p := range list {
		s, ok := p.(string)
		if !ok {
			return nil, fmt.Errorf("arg \"exclude\": want strings, got %T", p)
		}
		patterns = append(patterns, s)
	}
	return avm.NewGlobExcluder(patterns...)
}

// write runs fn against the head of the store named by the path arg key.
func (h *Harness) write(ctx context.Context, a args, key string, fn func(w *repo.Writer, p avm.VersionPath) error) error {
	p, err := a.path(key)
	if err != nil {
		return err
	}
	return h.repo.Write(ctx, p.Store, func(w *repo.Writer) error {
		return fn(w, p)
	})
}

func opCreateStore(ctx context.Context, h *Harness, a args) (map[string]any, error) {
	name, err := a.str("name")
	if err != nil {
		return nil, err
	}
	_, err = h.repo.CreateStore(ctx, name)
	return nil, err
}

func opCreateLayeredStore(ctx context.Context, h *Harness, a args) (map[string]any, error) {
	name, err := a.str("name")
	if err != nil {
		return nil, err
	}
	target, err := a.path("target")
	if err != nil {
		return nil, err
	}
	_, err = h.repo.CreateLayeredStore(ctx, name, target)
	return nil, err
}

func opMkdir(ctx context.Context, h *Harness, a args) (map[string]any, error) {
	return nil, h.write(ctx, a, "path", func(w *repo.Writer, p avm.VersionPath) error {
		_, err := w.CreateDirectory(ctx, p.Path)
		return err
	})
}

func opCreate(ctx context.Context, h *Harness, a args) (map[string]any, error) {
	return nil, h.write(ctx, a, "path", func(w *repo.Writer, p avm.VersionPath) error {
		_, err := w.CreateFile(ctx, p.Path, []byte(a.optStr("content")), a.optStr("mime_type"))
		return err
	})
}

func opWrite(ctx context.Context, h *Harness, a args) (map[string]any, error) {
	return nil, h.write(ctx, a, "path", func(w *repo.Writer, p avm.VersionPath) error {
		_, err := w.WriteFile(ctx, p.Path, []byte(a.optStr("content")), a.optStr("mime_type"))
		return err
	})
}

func opRemove(ctx context.Context, h *Harness, a args) (map[string]any, error) {
	return nil, h.write(ctx, a, "path", func(w *repo.Writer, p avm.VersionPath) error {
		return w.Remove(ctx, p.Path)
	})
}

func opRename(ctx context.Context, h *Harness, a args) (map[string]any, error) {
	to, err := a.str("to")
	if err != nil {
		return nil, err
	}
	return nil, h.write(ctx, a, "from", func(w *repo.Writer, p avm.VersionPath) error {
		return w.Rename(ctx, p.Path, to)
	})
}

func opLayer(ctx context.Context, h *Harness, a args) (map[string]any, error) {
	target, err := a.path("target")
	if err != nil {
		return nil, err
	}
	return nil, h.write(ctx, a, "path", func(w *repo.Writer, p avm.VersionPath) error {
		_, err := w.CreateLayeredDirectory(ctx, target, p.Path)
		return err
	})
}

func opLayerFile(ctx context.Context, h *Harness, a args) (map[string]any, error) {
	target, err := a.path("target")
	if err != nil {
		return nil, err
	}
	return nil, h.write(ctx, a, "path", func(w *repo.Writer, p avm.VersionPath) error {
		_, err := w.CreateLayeredFile(ctx, target, p.Path)
		return err
	})
}

func opSetOpacity(ctx context.Context, h *Harness, a args) (map[string]any, error) {
	return nil, h.write(ctx, a, "path", func(w *repo.Writer, p avm.VersionPath) error {
		return w.SetOpacity(ctx, p.Path, a.flag("opaque"))
	})
}

func opUncover(ctx context.Context, h *Harness, a args) (map[string]any, error) {
	return nil, h.write(ctx, a, "path", func(w *repo.Writer, p avm.VersionPath) error {
		return w.Uncover(ctx, p.Path)
	})
}

func opRetarget(ctx context.Context, h *Harness, a args) (map[string]any, error) {
	target, err := a.path("target")
	if err != nil {
		return nil, err
	}
	return nil, h.write(ctx, a, "path", func(w *repo.Writer, p avm.VersionPath) error {
		return w.Retarget(ctx, p.Path, target)
	})
}

func opSnapshot(ctx context.Context, h *Harness, a args) (map[string]any, error) {
	store, err := a.str("store")
	if err != nil {
		return nil, err
	}
	v, err := h.repo.Snapshot(ctx, store, a.optStr("tag"), a.optStr("description"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"version": v}, nil
}

func (h *Harness) compare(ctx context.Context, a args) ([]avm.Difference, avm.Excluder, error) {
	src, err := a.path("src")
	if err != nil {
		return nil, nil, err
	}
	dst, err := a.path("dst")
	if err != nil {
		return nil, nil, err
	}
	ex, err := a.excluder()
	if err != nil {
		return nil, nil, err
	}
	var diffs []avm.Difference
	err = h.repo.Read(ctx, func(v *repo.View) error {
		var err error
		diffs, err = diff.Compare(ctx, v, src, dst, ex)
		return err
	})
	return diffs, ex, err
}

// FormatDifference renders d as "CODE src dst".
func FormatDifference(d avm.Difference) string {
	return fmt.Sprintf("%s %s %s", d.Code, d.SrcPath, d.DstPath)
}

func opCompare(ctx context.Context, h *Harness, a args) (map[string]any, error) {
	diffs, _, err := h.compare(ctx, a)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(diffs))
	for _, d := range diffs {
		lines = append(lines, FormatDifference(d))
	}
	return map[string]any{"differences": lines}, nil
}

func opUpdate(ctx context.Context, h *Harness, a args) (map[string]any, error) {
	diffs, ex, err := h.compare(ctx, a)
	if err != nil {
		return nil, err
	}
	res, err := h.engine.Update(ctx, diffs, ex, syncer.UpdateOptions{
		IgnoreConflicts:   a.flag("ignore_conflicts"),
		IgnoreOlder:       a.flag("ignore_older"),
		OverrideConflicts: a.flag("override_conflicts"),
		OverrideOlder:     a.flag("override_older"),
		Tag:               a.optStr("tag"),
		Description:       a.optStr("description"),
	})
	if err != nil {
		return nil, err
	}
	return updateSummary(res), nil
}

func updateSummary(res *syncer.UpdateResult) map[string]any {
	return map[string]any{
		"applied":  res.Count(syncer.Applied),
		"ignored":  res.Count(syncer.Ignored),
		"skipped":  res.Count(syncer.Skipped),
		"versions": res.Versions,
	}
}

func opFlatten(ctx context.Context, h *Harness, a args) (map[string]any, error) {
	layer, err := a.path("layer")
	if err != nil {
		return nil, err
	}
	underlying, err := a.optPath("underlying")
	if err != nil {
		return nil, err
	}
	changed, err := h.engine.Flatten(ctx, layer, underlying)
	if err != nil {
		return nil, err
	}
	return map[string]any{"changed": changed}, nil
}

func opResetLayer(ctx context.Context, h *Harness, a args) (map[string]any, error) {
	layer, err := a.path("layer")
	if err != nil {
		return nil, err
	}
	return nil, h.engine.ResetLayer(ctx, layer)
}

func opSubmit(ctx context.Context, h *Harness, a args) (map[string]any, error) {
	var req submit.Request
	var err error
	if req.Source, err = a.path("source"); err != nil {
		return nil, err
	}
	if req.Target, err = a.optPath("target"); err != nil {
		return nil, err
	}
	if req.From, err = a.optPath("from"); err != nil {
		return nil, err
	}
	if req.Excluder, err = a.excluder(); err != nil {
		return nil, err
	}
	req.Tag = a.optStr("tag")

	res, err := h.submitter.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	out := updateSummary(res.Update)
	out["target"] = res.Target.String()
	out["flattened"] = res.Flattened
	return out, nil
}
