// Package stats keeps per-camera counters: broadcast hits and a sliding
// window of fetch outcomes.
package stats

import (
	"sort"
	"sync"
	"time"
)

// uptimeWindow is the number of recent fetch outcomes tracked for uptime %.
const uptimeWindow = 20

// Entry is a point-in-time copy of one camera's counters.
type Entry struct {
	ID int `json:"id"`

	// Hits counts how many times this camera's image became the broadcast frame.
	Hits uint64 `json:"hits"`

	Fetches  uint64 `json:"fetches"`
	Failures uint64 `json:"failures"`

	// UptimePct is the share of successful fetches over the last 20 attempts.
	UptimePct float64 `json:"uptime_pct"`

	LastChange time.Time `json:"last_change,omitempty"`
}

// Registry is safe for concurrent use. The scheduler writes; handlers read.
type Registry struct {
	mu      sync.RWMutex
	cameras map[int]*cameraState
}

type cameraState struct {
	hits       uint64
	fetches    uint64
	failures   uint64
	lastChange time.Time
	history    []bool // circular buffer of fetch outcomes, newest last
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{cameras: make(map[int]*cameraState)}
}

// Hit records that camera id produced the broadcast frame at time at.
func (r *Registry) Hit(id int, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateFor(id)
	st.hits++
	st.lastChange = at
}

// Observe records the outcome of one fetch of camera id.
func (r *Registry) Observe(id int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateFor(id)
	st.fetches++
	if !ok {
		st.failures++
	}
	if len(st.history) >= uptimeWindow {
		st.history = st.history[1:]
	}
	st.history = append(st.history, ok)
}

// Get returns the entry for id. Unknown cameras report zero counters.
func (r *Registry) Get(id int) Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.cameras[id]
	if !ok {
		return Entry{ID: id, UptimePct: 100}
	}
	return st.entry(id)
}

// Snapshot returns every known entry sorted by camera ID.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.cameras))
	for id, st := range r.cameras {
		out = append(out, st.entry(id))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TotalHits returns the sum of hits over all cameras.
func (r *Registry) TotalHits() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n uint64
	for _, st := range r.cameras {
		n += st.hits
	}
	return n
}

func (r *Registry) stateFor(id int) *cameraState {
	if st, ok := r.cameras[id]; ok {
		return st
	}
	st := &cameraState{}
	r.cameras[id] = st
	return st
}

func (st *cameraState) entry(id int) Entry {
	return Entry{
		ID:         id,
		Hits:       st.hits,
		Fetches:    st.fetches,
		Failures:   st.failures,
		UptimePct:  st.uptimePct(),
		LastChange: st.lastChange,
	}
}

func (st *cameraState) uptimePct() float64 {
	if len(st.history) == 0 {
		return 100 // assume up before first observation
	}
	var ok int
	for _, s := range st.history {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(st.history)) * 100
}
