package storage

import (
	"encoding/json"
	"sync"
)

// MockStore is an in-memory Store for tests.
type MockStore struct {
	mu      sync.RWMutex
	records map[string][]byte

	// FailPuts makes every Put return this error when set.
	FailPuts error
}

// Ensure MockStore implements Store at compile time.
var _ Store = (*MockStore)(nil)

// NewMockStore returns an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{records: make(map[string][]byte)}
}

// Get unmarshals the stored record into out.
func (m *MockStore) Get(namespace string, out interface{}) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.records[namespace]
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(data, out)
}

// Put stores v under namespace.
func (m *MockStore) Put(namespace string, v interface{}) error {
	if m.FailPuts != nil {
		return m.FailPuts
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[namespace] = data
	return nil
}

// Delete removes the record.
func (m *MockStore) Delete(namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, namespace)
	return nil
}
