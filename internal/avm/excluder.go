package avm

import (
	"path"
	"strings"
)

// GlobExcluder excludes paths matching any of its shell glob patterns.
//
// A pattern containing a slash is matched against the full store path;
// any other pattern is matched against the last component only.
type GlobExcluder struct {
	patterns []string
}

// NewGlobExcluder validates patterns and returns an excluder for them.
func NewGlobExcluder(patterns ...string) (*GlobExcluder, error) {
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return nil, NewInvalidPathError(p, "bad exclude pattern: %v", err)
		}
	}
	return &GlobExcluder{patterns: patterns}, nil
}

// Excluded reports whether p matches one of the patterns.
func (g *GlobExcluder) Excluded(p string) bool {
	if g == nil {
		return false
	}
	base := path.Base(p)
	for _, pattern := range g.patterns {
		target := base
		if strings.Contains(pattern, "/") {
			target = p
		}
		if ok, _ := path.Match(pattern, target); ok {
			return true
		}
	}
	return false
}

// Patterns returns the configured patterns.
func (g *GlobExcluder) Patterns() []string {
	if g == nil {
		return []string{}
	}
	return append([]string(nil), g.patterns...)
}

// IsExcluded treats a nil excluder as excluding nothing.
func IsExcluded(e Excluder, p string) bool {
	return e != nil && e.Excluded(p)
}
