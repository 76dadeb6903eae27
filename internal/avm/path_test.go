package avm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		in      string
		store   string
		version int
		path    string
	}{
		{"S0:/", "S0", HeadVersion, "/"},
		{"S0:/a/b.txt", "S0", HeadVersion, "/a/b.txt"},
		{"S0:3:/a", "S0", 3, "/a"},
		{"S0:-1:/a", "S0", HeadVersion, "/a"},
		{"main:/a//b/./c/", "main", HeadVersion, "/a/b/c"},
		{"main:/a/../b", "main", HeadVersion, "/b"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			vp, err := ParsePath(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.store, vp.Store)
			assert.Equal(t, tt.version, vp.Version)
			assert.Equal(t, tt.path, vp.Path)
		})
	}
}

func TestParsePath_Invalid(t *testing.T) {
	for _, in := range []string{"", "/a", "S0", "S0:a", ":/a", "S0:x:/a", "S0:-2:/a", "a/b:/c"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParsePath(in)
			require.Error(t, err)
			assert.Equal(t, ErrCodeInvalidPath, CodeOf(err))
		})
	}
}

func TestVersionPath_StringRoundTrip(t *testing.T) {
	for _, in := range []string{"S0:/", "S0:/a/b", "S0:7:/a"} {
		vp := MustParsePath(in)
		assert.Equal(t, in, vp.String())
	}
	assert.Equal(t, "S0:/a", MustParsePath("S0:7:/a").StorePath())
}

func TestNormalizeName_NFC(t *testing.T) {
	decomposed := "cafe\u0301"
	composed := "caf\u00e9"

	got, err := NormalizeName(decomposed)
	require.NoError(t, err)
	assert.Equal(t, composed, got)

	vp := MustParsePath("S0:/" + decomposed + "/x")
	assert.Equal(t, "/"+composed+"/x", vp.Path)
}

func TestNormalizeName_Rejects(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b", "nul\x00"} {
		_, err := NormalizeName(name)
		assert.Error(t, err, "name %q", name)
	}
}

func TestVersionPath_JoinSplit(t *testing.T) {
	root := MustParsePath("S0:2:/")
	a := root.Join("a")
	assert.Equal(t, "S0:2:/a", a.String())
	b := a.Join("b")
	assert.Equal(t, "/a/b", b.Path)
	assert.Equal(t, []string{"a", "b"}, b.Names())
	assert.Nil(t, root.Names())

	parent, name := b.Split()
	assert.Equal(t, "/a", parent.Path)
	assert.Equal(t, 2, parent.Version)
	assert.Equal(t, "b", name)

	parent, name = a.Split()
	assert.True(t, parent.IsRoot())
	assert.Equal(t, "a", name)

	parent, name = root.Split()
	assert.True(t, parent.IsRoot())
	assert.Equal(t, "", name)
}

func TestVersionPath_Rel(t *testing.T) {
	base := MustParsePath("S0:/a")

	rel, ok := MustParsePath("S0:/a/b/c").Rel(base)
	assert.True(t, ok)
	assert.Equal(t, "b/c", rel)

	rel, ok = base.Rel(base)
	assert.True(t, ok)
	assert.Equal(t, "", rel)

	_, ok = MustParsePath("S0:/ab").Rel(base)
	assert.False(t, ok)
	_, ok = MustParsePath("S1:/a/b").Rel(base)
	assert.False(t, ok)

	rel, ok = MustParsePath("S0:/x").Rel(MustParsePath("S0:/"))
	assert.True(t, ok)
	assert.Equal(t, "x", rel)

	assert.Equal(t, "/a/b/c", base.JoinRel("b/c").Path)
	assert.Equal(t, "/a", base.JoinRel("").Path)
}

func TestDifference_String(t *testing.T) {
	d := Difference{
		SrcVersion: -1, SrcPath: "S1:/x.txt",
		DstVersion: 2, DstPath: "S0:/x.txt",
		Code: Older,
	}
	assert.Equal(t, "OLDER S1:-1:/x.txt S0:2:/x.txt", d.String())

	src, err := d.Source()
	require.NoError(t, err)
	assert.Equal(t, "S1:/x.txt", src.String())
	dst, err := d.Destination()
	require.NoError(t, err)
	assert.Equal(t, 2, dst.Version)
}
