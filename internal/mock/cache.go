package mock

import (
	"context"
	"sync"
)

// MockCache implements core.ICache with an in-memory map and optional
// injected failure
type MockCache struct {
	mu     sync.Mutex
	Data   map[string]string
	SetErr error
}

func NewMockCache() *MockCache {
	return &MockCache{Data: make(map[string]string)}
}

func (m *MockCache) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetErr != nil {
		return m.SetErr
	}
	m.Data[key] = value
	return nil
}

// Get reads a key back, for assertions
func (m *MockCache) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.Data[key]
	return v, ok
}
