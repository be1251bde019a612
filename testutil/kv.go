package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/attrstream/natsclient"
)

// MockKVStore is an in-memory key-value bucket with per-key revisions
type MockKVStore struct {
	mu       sync.Mutex
	values   map[string]*natsclient.KVEntry
	revision uint64
	err      error
}

// NewMockKVStore creates an empty bucket
func NewMockKVStore() *MockKVStore {
	return &MockKVStore{values: make(map[string]*natsclient.KVEntry)}
}

// Fail makes every later operation return err. A nil err clears it.
func (m *MockKVStore) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Get returns the entry of key or natsclient.ErrKVKeyNotFound
func (m *MockKVStore) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	entry, ok := m.values[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	cp := *entry
	cp.Value = append([]byte(nil), entry.Value...)
	return &cp, nil
}

// Put stores value and returns its revision
func (m *MockKVStore) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.put(key, value), nil
}

func (m *MockKVStore) put(key string, value []byte) uint64 {
	m.revision++
	m.values[key] = &natsclient.KVEntry{
		Key:      key,
		Value:    append([]byte(nil), value...),
		Revision: m.revision,
	}
	return m.revision
}

// Delete removes key
func (m *MockKVStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.values, key)
	return nil
}

// UpdateWithRetry applies updateFn atomically. A missing key is passed as nil.
func (m *MockKVStore) UpdateWithRetry(_ context.Context, key string, updateFn func(current []byte) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}

	var current []byte
	if entry, ok := m.values[key]; ok {
		current = entry.Value
	}
	next, err := updateFn(current)
	if err != nil {
		return fmt.Errorf("update function error: %w", err)
	}
	m.put(key, next)
	return nil
}

// Set writes value directly, bypassing injected errors
func (m *MockKVStore) Set(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(key, value)
}

// Value returns the raw value of key, or nil
func (m *MockKVStore) Value(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.values[key]; ok {
		return append([]byte(nil), entry.Value...)
	}
	return nil
}
