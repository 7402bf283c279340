package healing

import (
	"sync"
	"time"

	"testheal/internal/capture"
)

// FailCounter counts failed attempts per test identity.
type FailCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewFailCounter() *FailCounter {
	return &FailCounter{counts: make(map[string]int)}
}

// Increment records one more failure for id and returns the new count. An
// attempt number reported by the runner that is ahead of the count is
// adopted; the count never goes down.
func (c *FailCounter) Increment(id string, attempt int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.counts[id] + 1
	if attempt > n {
		n = attempt
	}
	c.counts[id] = n
	return n
}

func (c *FailCounter) Get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[id]
}

func (c *FailCounter) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, id)
}

func (c *FailCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.counts)
}

// PendingEntry is the latest captured failure of a test awaiting its final
// verdict.
type PendingEntry struct {
	Context  capture.FailureContext
	Source   string
	Attempt  int
	StoredAt time.Time
}

// PendingStore keeps one entry per test identity; a later attempt
// overwrites the earlier one.
type PendingStore struct {
	mu      sync.Mutex
	entries map[string]PendingEntry
}

func NewPendingStore() *PendingStore {
	return &PendingStore{entries: make(map[string]PendingEntry)}
}

func (s *PendingStore) Put(id string, e PendingEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = e
}

func (s *PendingStore) Get(id string) (PendingEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *PendingStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

func (s *PendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
