package content

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// compressionTag is the first byte of every stored blob.
type compressionTag uint8

const (
	compressionNone compressionTag = 0
	compressionZstd compressionTag = 2
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("content: zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("content: zstd decoder: %v", err))
	}
}

// DefaultHashKey is the BLAKE3 key used when none is configured.
var DefaultHashKey = [32]byte{
	'a', 'v', 'm', '.', 'c', 'o', 'n', 't', 'e', 'n', 't', 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// ParseHashKey decodes a 64-character hex key. An empty string selects
// DefaultHashKey.
func ParseHashKey(s string) ([32]byte, error) {
	if s == "" {
		return DefaultHashKey, nil
	}
	var key [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("parse hash key: %w", err)
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("parse hash key: want %d bytes, got %d", len(key), len(b))
	}
	copy(key[:], b)
	return key, nil
}

// hasher names blobs by the keyed BLAKE3 digest of their uncompressed bytes.
type hasher struct {
	key [32]byte
}

func (h hasher) sum(data []byte) string {
	k, err := blake3.NewKeyed(h.key[:])
	if err != nil {
		// NewKeyed only fails for keys that are not 32 bytes.
		panic(err)
	}
	k.Write(data)
	return hex.EncodeToString(k.Sum(nil))
}

// encode frames data with a compression tag, compressing only when that
// makes the blob smaller.
func encode(data []byte) []byte {
	compressed := zstdEncoder.EncodeAll(data, make([]byte, 1, len(data)/2+1))
	if len(compressed) < len(data)+1 {
		compressed[0] = byte(compressionZstd)
		return compressed
	}
	out := make([]byte, len(data)+1)
	out[0] = byte(compressionNone)
	copy(out[1:], data)
	return out
}

func decode(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("decode blob: empty")
	}
	switch compressionTag(blob[0]) {
	case compressionNone:
		return blob[1:], nil
	case compressionZstd:
		data, err := zstdDecoder.DecodeAll(blob[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decode blob: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("decode blob: unknown compression tag %d", blob[0])
	}
}

// splitURL returns the hex digest of a "scheme:<hex>" URL.
func splitURL(url, scheme string) (string, error) {
	digest, ok := strings.CutPrefix(url, scheme+":")
	if !ok || len(digest) != 64 {
		return "", fmt.Errorf("bad %s content url %q", scheme, url)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("bad %s content url %q", scheme, url)
	}
	return digest, nil
}
