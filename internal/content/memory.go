package content

import (
	"context"
	"sync"

	"github.com/roach88/avm/internal/avm"
)

// Memory keeps blobs in a map. It is used by tests and the scenario harness.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	hash  hasher
}

var _ avm.ContentStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte), hash: hasher{key: DefaultHashKey}}
}

func (m *Memory) Put(_ context.Context, data []byte, mimeType string) (avm.ContentData, error) {
	digest := m.hash.sum(data)
	url := "mem:" + digest

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[url]; !ok {
		m.blobs[url] = append([]byte(nil), data...)
	}
	return avm.ContentData{URL: url, Size: int64(len(data)), Hash: digest, MimeType: mimeType}, nil
}

func (m *Memory) Get(_ context.Context, url string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[url]
	if !ok {
		return nil, avm.NewNotFoundError(url, "no content blob")
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Exists(_ context.Context, url string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[url]
	return ok, nil
}

func (m *Memory) Delete(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, url)
	return nil
}

// Len returns the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
