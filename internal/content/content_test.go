package content

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/avm/internal/avm"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		tag  compressionTag
	}{
		{"empty", []byte{}, compressionNone},
		{"short", []byte("hi"), compressionNone},
		{"repetitive", bytes.Repeat([]byte("layered "), 512), compressionZstd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob := encode(tt.data)
			assert.Equal(t, tt.tag, compressionTag(blob[0]))
			got, err := decode(blob)
			require.NoError(t, err)
			assert.Equal(t, len(tt.data), len(got))
			assert.True(t, bytes.Equal(tt.data, got))
		})
	}

	_, err := decode([]byte{9, 1, 2})
	assert.Error(t, err)
	_, err = decode(nil)
	assert.Error(t, err)
}

func TestParseHashKey(t *testing.T) {
	key, err := ParseHashKey("")
	require.NoError(t, err)
	assert.Equal(t, DefaultHashKey, key)

	key, err = ParseHashKey(strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), key[31])

	_, err = ParseHashKey("abcd")
	assert.Error(t, err)
	_, err = ParseHashKey(strings.Repeat("zz", 32))
	assert.Error(t, err)
}

func TestHasher_KeySeparatesDigests(t *testing.T) {
	other := DefaultHashKey
	other[31] = 1
	data := []byte("same bytes")
	assert.NotEqual(t, hasher{key: DefaultHashKey}.sum(data), hasher{key: other}.sum(data))
	assert.Len(t, hasher{key: DefaultHashKey}.sum(data), 64)
}

func TestLocal_PutGet(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	l, err := NewLocal(root, DefaultHashKey)
	require.NoError(t, err)

	data := bytes.Repeat([]byte("content "), 100)
	cd, err := l.Put(ctx, data, "text/plain")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cd.URL, "local:"))
	assert.Equal(t, int64(len(data)), cd.Size)
	assert.Equal(t, "text/plain", cd.MimeType)

	onDisk := filepath.Join(root, cd.Hash[:2], cd.Hash[2:4], cd.Hash)
	info, err := os.Stat(onDisk)
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(data)), "blob should be compressed")

	again, err := l.Put(ctx, data, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, cd, again)

	got, err := l.Get(ctx, cd.URL)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := l.Exists(ctx, cd.URL)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Delete(ctx, cd.URL))
	require.NoError(t, l.Delete(ctx, cd.URL))
	ok, err = l.Exists(ctx, cd.URL)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.Get(ctx, cd.URL)
	assert.True(t, avm.IsNotFound(err))

	_, err = l.Get(ctx, "s3:"+cd.Hash)
	assert.Error(t, err)
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a, err := m.Put(ctx, []byte("a"), "")
	require.NoError(t, err)
	_, err = m.Put(ctx, []byte("a"), "")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	got, err := m.Get(ctx, a.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got)

	require.NoError(t, m.Delete(ctx, a.URL))
	_, err = m.Get(ctx, a.URL)
	assert.True(t, avm.IsNotFound(err))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	cs, err := Open(ctx, Config{Backend: BackendMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, cs)

	cs, err = Open(ctx, Config{Backend: BackendLocal, Root: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Local{}, cs)

	_, err = Open(ctx, Config{Backend: BackendLocal}, nil)
	assert.Error(t, err)
	_, err = Open(ctx, Config{Backend: BackendS3}, nil)
	assert.Error(t, err)
	_, err = Open(ctx, Config{Backend: "ftp"}, nil)
	assert.Error(t, err)
	_, err = Open(ctx, Config{Backend: BackendMemory, HashKey: "xx"}, nil)
	assert.Error(t, err)
}
