package store

import (
	"sort"
	"sync"
	"time"
)

// Record is the freshness state of one monitored camera, as returned by the
// most recent successful fetch.
type Record struct {
	ID  int
	URL string

	// ETag is the content fingerprint (unquoted).
	ETag string

	IssuedAt     time.Time
	LastModified time.Time
	ExpiresAt    time.Time

	// UpdatedAt is when the record was installed.
	UpdatedAt time.Time
}

// Delta returns ExpiresAt - now. A negative value means the record is stale.
func (r Record) Delta(now time.Time) time.Duration {
	return r.ExpiresAt.Sub(now)
}

// Stale reports whether the freshness window has ended at now.
func (r Record) Stale(now time.Time) bool {
	return r.Delta(now) < 0
}

// Store is a thread-safe in-memory record store keyed by camera ID.
// The freshness scheduler is its only writer; HTTP handlers read from it.
// Records are stored and returned by value, so a reader never sees a
// partially updated record.
type Store struct {
	mu   sync.RWMutex
	data map[int]Record
	now  func() time.Time // injectable for deterministic tests
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		data: make(map[int]Record),
		now:  time.Now,
	}
}

// Put installs rec, replacing any previous record for rec.ID.
func (s *Store) Put(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = s.now()
	s.data[rec.ID] = rec
}

// Get returns the record for id and whether one exists.
func (s *Store) Get(id int) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[id]
	return rec, ok
}

// List returns a copy of all records sorted by camera ID.
func (s *Store) List() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.data))
	for _, rec := range s.data {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the monitored camera IDs in ascending order.
func (s *Store) IDs() []int {
	s.mu.RLock()
	out := make([]int, 0, len(s.data))
	for id := range s.data {
		out = append(out, id)
	}
	s.mu.RUnlock()

	sort.Ints(out)
	return out
}

// Len returns the number of monitored cameras.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
