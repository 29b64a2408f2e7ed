// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps audit entries in a bounded in-process ring.
// When the ring is full, the oldest tenth of entries is evicted in one
// batch so appends stay O(1) amortized rather than shifting per entry.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    []*Entry
	byID       map[string]*Entry
	maxEntries int
}

// NewMemoryStore creates a ring bounded to maxEntries.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryStore{
		entries:    make([]*Entry, 0, maxEntries),
		byID:       make(map[string]*Entry, maxEntries),
		maxEntries: maxEntries,
	}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) >= s.maxEntries {
		evict := s.maxEntries / 10
		if evict < 1 {
			evict = 1
		}
		for _, old := range s.entries[:evict] {
			delete(s.byID, old.ID)
		}
		s.entries = append(s.entries[:0], s.entries[evict:]...)
	}

	cp := *e
	s.entries = append(s.entries, &cp)
	s.byID[cp.ID] = &cp
	return nil
}

// Query implements Store. Entries are scanned newest first.
func (s *MemoryStore) Query(_ context.Context, q Query) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	skipped := 0
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !q.Matches(e) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		cp := *e
		out = append(out, &cp)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

// PurgeOlderThan implements Store.
func (s *MemoryStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if e.StartTime.Before(cutoff) {
			delete(s.byID, e.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

// Len returns the current entry count.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
