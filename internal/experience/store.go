package experience

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Store is an ordered, append-only collection of records. Insertion order is
// the tiebreak order for retrieval, so it is part of the contract: All and
// ByCategory always return records in the order they were admitted.
//
// Records are never removed or mutated. Readers get snapshot slices that stay
// valid while writers keep appending.
type Store struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{byID: make(map[string]int)}
}

// Add validates and appends a record. The ID must be unique; an empty
// CreatedAt is stamped with the current time. On any error the store is left
// unchanged.
func (s *Store) Add(r Record) error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrEmptyID
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("validating record %q: %w", r.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[r.ID]; exists {
		return fmt.Errorf("record %q: %w", r.ID, ErrDuplicateID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.byID[r.ID] = len(s.records)
	s.records = append(s.records, r)
	return nil
}

// All returns a snapshot of every record in insertion order. The returned
// slice is owned by the caller's view: appends by concurrent writers
// reallocate rather than overwrite, so it never changes underneath the
// caller.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[:len(s.records):len(s.records)]
}

// ByCategory returns the insertion-order subsequence of records whose
// Category equals category.
func (s *Store) ByCategory(category string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.Category == category {
			out = append(out, r)
		}
	}
	return out
}

// Get returns the record with the given ID.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return Record{}, false
	}
	return s.records[idx], true
}

// Count returns the number of records admitted so far.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
