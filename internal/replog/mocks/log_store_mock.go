package mocks

import (
	"sync"

	"replicated-log/internal/replog"
	"replicated-log/internal/replog/storage"
)

// Operations whose failure can be injected into MockLogStore
const (
	OpAppend      = "append"
	OpRead        = "read"
	OpRemoveAfter = "removeAfter"
	OpLastIndex   = "lastIndex"
	OpTermAt      = "termAt"
	OpSetTerm     = "setCurrentTerm"
)

// MockLogStore is an in-memory replog.LogStore with error injection for testing. Injected errors are returned wrapped
// in a *replog.StorageError, the way the real stores report failures.
type MockLogStore struct {
	*storage.MemoryLogStore

	mu       sync.RWMutex
	failures map[string]error
	calls    map[string]int
}

// NewMockLogStore creates a mock log store seeded with entries
func NewMockLogStore(entries ...replog.LogEntry) *MockLogStore {
	return &MockLogStore{
		MemoryLogStore: storage.NewMemoryLogStore(entries...),
		failures:       make(map[string]error),
		calls:          make(map[string]int),
	}
}

// FailOn makes every subsequent call of op return err. A nil err clears the injection.
func (m *MockLogStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times op was invoked
func (m *MockLogStore) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

func (m *MockLogStore) check(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	if err, ok := m.failures[op]; ok {
		return &replog.StorageError{Op: op, Err: err}
	}
	return nil
}

func (m *MockLogStore) Append(entries []replog.LogEntry) error {
	if err := m.check(OpAppend); err != nil {
		return err
	}
	return m.MemoryLogStore.Append(entries)
}

func (m *MockLogStore) Read(from, to replog.LogIndex) ([]replog.LogEntry, error) {
	if err := m.check(OpRead); err != nil {
		return nil, err
	}
	return m.MemoryLogStore.Read(from, to)
}

func (m *MockLogStore) RemoveAfter(index replog.LogIndex) error {
	if err := m.check(OpRemoveAfter); err != nil {
		return err
	}
	return m.MemoryLogStore.RemoveAfter(index)
}

func (m *MockLogStore) LastIndex() (replog.LogIndex, error) {
	if err := m.check(OpLastIndex); err != nil {
		return 0, err
	}
	return m.MemoryLogStore.LastIndex()
}

func (m *MockLogStore) TermAt(index replog.LogIndex) (replog.LogTerm, bool, error) {
	if err := m.check(OpTermAt); err != nil {
		return 0, false, err
	}
	return m.MemoryLogStore.TermAt(index)
}

func (m *MockLogStore) SetCurrentTerm(term replog.LogTerm) error {
	if err := m.check(OpSetTerm); err != nil {
		return err
	}
	return m.MemoryLogStore.SetCurrentTerm(term)
}
