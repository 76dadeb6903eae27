package avm

import (
	"path"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// VersionPath addresses a path inside one version of a store.
//
// The string form is "store:/abs/path" for the head and
// "store:version:/abs/path" for any explicit version.
type VersionPath struct {
	Store   string `json:"store"`
	Version int    `json:"version"`
	Path    string `json:"path"`
}

// ParsePath parses "store:/path" or "store:version:/path".
// Paths are cleaned and each component is NFC-normalized.
func ParsePath(s string) (VersionPath, error) {
	i := strings.Index(s, ":/")
	if i <= 0 {
		return VersionPath{}, NewInvalidPathError(s, "expected store:/path")
	}
	prefix, rest := s[:i], s[i+1:]

	vp := VersionPath{Store: prefix, Version: HeadVersion}
	if j := strings.LastIndexByte(prefix, ':'); j >= 0 {
		v, err := strconv.Atoi(prefix[j+1:])
		if err != nil {
			return VersionPath{}, NewInvalidPathError(s, "bad version %q", prefix[j+1:])
		}
		if v < HeadVersion {
			return VersionPath{}, NewInvalidPathError(s, "version %d out of range", v)
		}
		vp.Store, vp.Version = prefix[:j], v
	}
	if vp.Store == "" || strings.ContainsAny(vp.Store, ":/") {
		return VersionPath{}, NewInvalidPathError(s, "bad store name %q", vp.Store)
	}

	clean, err := CleanPath(rest)
	if err != nil {
		return VersionPath{}, err
	}
	vp.Path = clean
	return vp, nil
}

// MustParsePath is ParsePath for literals in tests and defaults.
func MustParsePath(s string) VersionPath {
	vp, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return vp
}

// CleanPath returns the canonical absolute form of p.
func CleanPath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", NewInvalidPathError(p, "path must be absolute")
	}
	cleaned := path.Clean(p)
	if cleaned == "/" {
		return cleaned, nil
	}
	parts := strings.Split(cleaned[1:], "/")
	for i, part := range parts {
		name, err := NormalizeName(part)
		if err != nil {
			return "", err
		}
		parts[i] = name
	}
	return "/" + strings.Join(parts, "/"), nil
}

// NormalizeName validates a single child name and returns its NFC form.
// Canonically equivalent spellings must map to the same child entry.
func NormalizeName(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return "", NewInvalidPathError(name, "invalid child name")
	}
	return norm.NFC.String(name), nil
}

func (p VersionPath) String() string {
	if p.Version == HeadVersion {
		return p.Store + ":" + p.Path
	}
	return p.Store + ":" + strconv.Itoa(p.Version) + ":" + p.Path
}

// StorePath is the version-less "store:/path" form used for indirections
// and difference paths.
func (p VersionPath) StorePath() string {
	return p.Store + ":" + p.Path
}

// IsRoot reports whether p names the store root.
func (p VersionPath) IsRoot() bool {
	return p.Path == "/"
}

// Names returns the path components below the root.
func (p VersionPath) Names() []string {
	if p.IsRoot() {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p.Path, "/"), "/")
}

// Join returns the child path name below p. name must already be normalized.
func (p VersionPath) Join(name string) VersionPath {
	if p.IsRoot() {
		p.Path = "/" + name
	} else {
		p.Path = p.Path + "/" + name
	}
	return p
}

// Split returns the parent of p and the last component. Split of the root
// returns the root and "".
func (p VersionPath) Split() (VersionPath, string) {
	if p.IsRoot() {
		return p, ""
	}
	dir, name := path.Split(p.Path)
	parent := p
	parent.Path = path.Clean(dir)
	return parent, name
}

// AtVersion returns p addressed at version v.
func (p VersionPath) AtVersion(v int) VersionPath {
	p.Version = v
	return p
}

// Head returns p addressed at the mutable head.
func (p VersionPath) Head() VersionPath {
	return p.AtVersion(HeadVersion)
}

// Rel returns p's path relative to base, or "" when p is base itself.
// ok is false when p is not at or below base.
func (p VersionPath) Rel(base VersionPath) (string, bool) {
	if p.Store != base.Store {
		return "", false
	}
	if p.Path == base.Path {
		return "", true
	}
	prefix := base.Path
	if prefix != "/" {
		prefix += "/"
	}
	if !strings.HasPrefix(p.Path, prefix) {
		return "", false
	}
	return strings.TrimPrefix(p.Path, prefix), true
}

// JoinRel appends a slash-separated relative path to p.
func (p VersionPath) JoinRel(rel string) VersionPath {
	if rel == "" {
		return p
	}
	for _, name := range strings.Split(rel, "/") {
		p = p.Join(name)
	}
	return p
}

func storeOf(storePath string) string {
	if i := strings.Index(storePath, ":/"); i >= 0 {
		return storePath[:i]
	}
	return storePath
}

func pathOf(storePath string) string {
	if i := strings.Index(storePath, ":/"); i >= 0 {
		return storePath[i+1:]
	}
	return storePath
}
