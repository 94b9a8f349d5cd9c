package sink

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) URI(key string) string { return "mem://" + strings.TrimLeft(key, "/") }

func (m *Memory) Write(_ context.Context, req WriteRequest) error {
	if req.Key == "" {
		return fmt.Errorf("empty key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[strings.TrimLeft(req.Key, "/")] = append([]byte(nil), req.Data...)
	return nil
}

func (m *Memory) WriteIfAbsent(_ context.Context, req WriteRequest) error {
	if req.Key == "" {
		return fmt.Errorf("empty key")
	}
	k := strings.TrimLeft(req.Key, "/")
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[k]; ok {
		return fmt.Errorf("%w: %s", ErrExists, k)
	}
	m.objects[k] = append([]byte(nil), req.Data...)
	return nil
}

func (m *Memory) Read(_ context.Context, key string) ([]byte, error) {
	k := strings.TrimLeft(key, "/")
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Delete removes key. Tests use it to simulate lost objects.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, strings.TrimLeft(key, "/"))
}
