package storage

import (
	"fmt"
	"sync"

	"replicated-log/internal/replog"
)

// MemoryLogStore is a replog.LogStore kept entirely in memory. It is used by tests and by followers that do not need
// durability across restarts.
type MemoryLogStore struct {
	mu      sync.RWMutex
	entries []replog.LogEntry
	term    replog.LogTerm
}

// NewMemoryLogStore creates an empty in-memory log, optionally seeded with entries.
func NewMemoryLogStore(entries ...replog.LogEntry) *MemoryLogStore {
	s := &MemoryLogStore{}
	if len(entries) > 0 {
		if err := s.Append(entries); err != nil {
			panic(fmt.Sprintf("invalid seed entries: %v", err))
		}
	}
	return s
}

func (s *MemoryLogStore) Append(entries []replog.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkContiguous(replog.LogIndex(len(s.entries)), entries); err != nil {
		return replog.NewStorageError("append", err)
	}
	s.entries = append(s.entries, replog.CloneEntries(entries)...)
	return nil
}

func (s *MemoryLogStore) Read(from, to replog.LogIndex) ([]replog.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if from == 0 {
		from = 1
	}
	last := replog.LogIndex(len(s.entries))
	if to > last {
		to = last
	}
	if from > to {
		return nil, nil
	}
	return replog.CloneEntries(s.entries[from-1 : to]), nil
}

func (s *MemoryLogStore) RemoveAfter(index replog.LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < replog.LogIndex(len(s.entries)) {
		// Clear the tail so the removed payloads can be collected
		clear(s.entries[index:])
		s.entries = s.entries[:index]
	}
	return nil
}

func (s *MemoryLogStore) LastIndex() (replog.LogIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return replog.LogIndex(len(s.entries)), nil
}

func (s *MemoryLogStore) TermAt(index replog.LogIndex) (replog.LogTerm, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index == 0 || index > replog.LogIndex(len(s.entries)) {
		return 0, false, nil
	}
	return s.entries[index-1].Term, true, nil
}

func (s *MemoryLogStore) CurrentTerm() (replog.LogTerm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.term, nil
}

func (s *MemoryLogStore) SetCurrentTerm(term replog.LogTerm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
	return nil
}

// Entries returns a copy of the whole log.
func (s *MemoryLogStore) Entries() []replog.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return replog.CloneEntries(s.entries)
}

// checkContiguous verifies that entries continue a log whose last index is last, without gaps.
func checkContiguous(last replog.LogIndex, entries []replog.LogEntry) error {
	for i, e := range entries {
		if want := last + replog.LogIndex(i) + 1; e.Index != want {
			return fmt.Errorf("entry index %d does not continue the log, expected %d", e.Index, want)
		}
	}
	return nil
}
