package status

import (
	"context"
	"sync"
)

// MemoryKV is an in-process KV. Err, when set, is returned by every call
type MemoryKV struct {
	mu     sync.Mutex
	values map[string]string
	Err    error
	Writes int
}

// NewMemoryKV creates a store seeded with values
func NewMemoryKV(values map[string]string) *MemoryKV {
	m := &MemoryKV{values: make(map[string]string, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", false, m.Err
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.values[key] = value
	m.Writes++
	return nil
}

func (m *MemoryKV) SetMany(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	for k, v := range values {
		m.values[k] = v
	}
	m.Writes++
	return nil
}

func (m *MemoryKV) Update(_ context.Context, key string, fn func(string) (string, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	next, err := fn(m.values[key])
	if err != nil {
		return err
	}
	m.values[key] = next
	m.Writes++
	return nil
}

// Value returns the raw stored value for key
func (m *MemoryKV) Value(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

// Scoped hands out one MemoryKV per scope, for multi-user tests and the
// single-process CLI
type Scoped struct {
	mu     sync.Mutex
	scopes map[string]*MemoryKV
}

// NewScoped creates an empty scoped store
func NewScoped() *Scoped {
	return &Scoped{scopes: make(map[string]*MemoryKV)}
}

// Scope returns the KV for scope, creating it on first use
func (s *Scoped) Scope(scope string) KV {
	s.mu.Lock()
	defer s.mu.Unlock()
	kv, ok := s.scopes[scope]
	if !ok {
		kv = NewMemoryKV(nil)
		s.scopes[scope] = kv
	}
	return kv
}
