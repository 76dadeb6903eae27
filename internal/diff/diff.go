// Package diff compares two trees of the repository and classifies every
// difference by node ancestry.
package diff

import (
	"context"
	"sort"
	"time"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/metrics"
	"github.com/roach88/avm/internal/repo"
)

// Compare walks src and dst in parallel and returns their differences in a
// deterministic depth-first, name-ordered sequence.
//
// src must exist. A missing dst yields a single OLDER difference. SAME pairs
// are omitted, so comparing a path with itself returns an empty list.
func Compare(ctx context.Context, v *repo.View, src, dst avm.VersionPath, excluder avm.Excluder) (diffs []avm.Difference, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("compare", time.Since(start), err) }()

	s, err := v.LookupDeleted(ctx, src)
	if err != nil {
		return nil, err
	}
	c := &comparer{view: v, excluder: excluder, ancestors: make(map[int64]map[int64]bool)}
	if avm.IsExcluded(excluder, src.Path) {
		return []avm.Difference{}, nil
	}

	d, err := v.LookupDeleted(ctx, dst)
	if err != nil && !avm.IsNotFound(err) {
		return nil, err
	}
	if d == nil {
		if s.Node.Type.IsDeleted() {
			return []avm.Difference{}, nil
		}
		return []avm.Difference{difference(src, dst, avm.Older)}, nil
	}

	c.out = []avm.Difference{}
	if err := c.compare(ctx, s, d); err != nil {
		return nil, err
	}
	return c.out, nil
}

type comparer struct {
	view      *repo.View
	excluder  avm.Excluder
	ancestors map[int64]map[int64]bool
	out       []avm.Difference
}

func difference(src, dst avm.VersionPath, code avm.DiffCode) avm.Difference {
	return avm.Difference{
		SrcVersion: src.Version,
		SrcPath:    src.StorePath(),
		DstVersion: dst.Version,
		DstPath:    dst.StorePath(),
		Code:       code,
	}
}

func (c *comparer) emit(src, dst avm.VersionPath, code avm.DiffCode) {
	c.out = append(c.out, difference(src, dst, code))
}

// compare handles a pair where both sides have an entry, live or ghost.
func (c *comparer) compare(ctx context.Context, s, d *repo.Resolved) error {
	sDeleted, dDeleted := s.Node.Type.IsDeleted(), d.Node.Type.IsDeleted()
	if sDeleted && dDeleted {
		return nil
	}

	code, err := c.classify(ctx, s.Node.ID, d.Node.ID)
	if err != nil {
		return err
	}
	if code == avm.Same {
		return nil
	}

	switch {
	case s.Node.Type.IsDirectory() && d.Node.Type.IsDirectory():
		return c.descend(ctx, s, d)
	case !sDeleted && !dDeleted && s.Node.Type.IsDirectory() != d.Node.Type.IsDirectory():
		c.emit(s.Path, d.Path, avm.Conflict)
	default:
		c.emit(s.Path, d.Path, code)
	}
	return nil
}

// descend compares the children of two directories by name.
func (c *comparer) descend(ctx context.Context, s, d *repo.Resolved) error {
	sChildren, err := c.view.Children(ctx, s, true)
	if err != nil {
		return err
	}
	dChildren, err := c.view.Children(ctx, d, true)
	if err != nil {
		return err
	}

	sByName := make(map[string]*repo.Resolved, len(sChildren))
	dByName := make(map[string]*repo.Resolved, len(dChildren))
	names := make([]string, 0, len(sChildren)+len(dChildren))
	for _, r := range sChildren {
		sByName[r.Name()] = r
		names = append(names, r.Name())
	}
	for _, r := range dChildren {
		if _, ok := sByName[r.Name()]; !ok {
			names = append(names, r.Name())
		}
		dByName[r.Name()] = r
	}
	sort.Strings(names)

	for _, name := range names {
		sc, dc := sByName[name], dByName[name]
		sp, dp := s.Path.Join(name), d.Path.Join(name)
		if avm.IsExcluded(c.excluder, sp.Path) {
			continue
		}
		switch {
		case sc != nil && dc != nil:
			if err := c.compare(ctx, sc, dc); err != nil {
				return err
			}
		case sc != nil && !sc.Node.Type.IsDeleted():
			c.emit(sp, dp, avm.Older)
		case dc != nil && !dc.Node.Type.IsDeleted():
			c.emit(sp, dp, avm.Newer)
		}
	}
	return nil
}

// classify decides how src relates to dst.
//
// Let E(n) be n together with its merge source and anc(n) everything n
// descends from through history and merge links. The pair is SAME when
// E(src) and E(dst) intersect, NEWER when E(src) meets anc(dst), OLDER when
// E(dst) meets anc(src) and a CONFLICT otherwise.
func (c *comparer) classify(ctx context.Context, src, dst int64) (avm.DiffCode, error) {
	if src == dst {
		return avm.Same, nil
	}
	eSrc, err := c.equivalents(ctx, src)
	if err != nil {
		return "", err
	}
	eDst, err := c.equivalents(ctx, dst)
	if err != nil {
		return "", err
	}
	for _, a := range eSrc {
		for _, b := range eDst {
			if a == b {
				return avm.Same, nil
			}
		}
	}

	ancDst, err := c.ancestorsOf(ctx, dst)
	if err != nil {
		return "", err
	}
	for _, a := range eSrc {
		if ancDst[a] {
			return avm.Newer, nil
		}
	}

	ancSrc, err := c.ancestorsOf(ctx, src)
	if err != nil {
		return "", err
	}
	for _, b := range eDst {
		if ancSrc[b] {
			return avm.Older, nil
		}
	}
	return avm.Conflict, nil
}

func (c *comparer) equivalents(ctx context.Context, id int64) ([]int64, error) {
	src, ok, err := c.view.MergeSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		return []int64{id, src}, nil
	}
	return []int64{id}, nil
}

func (c *comparer) ancestorsOf(ctx context.Context, id int64) (map[int64]bool, error) {
	if anc, ok := c.ancestors[id]; ok {
		return anc, nil
	}
	anc, err := c.view.Ancestors(ctx, id)
	if err != nil {
		return nil, err
	}
	c.ancestors[id] = anc
	return anc, nil
}
