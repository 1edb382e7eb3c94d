// Package hub is the broadcast point between the freshness scheduler and
// viewers: a single-slot, version-stamped frame cell with any number of
// subscribers.
//
// Publish replaces the frame, bumps the version and wakes every waiting
// subscriber by closing the current notification channel. A subscriber keeps
// the last version it returned and only ever moves forward; publishes that
// happen between two reads are coalesced into the newest one.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned by Next after the subscription or the hub is closed.
var ErrClosed = errors.New("hub: subscription closed")

// Frame is one published image. Data must not be modified after Publish.
type Frame struct {
	Data     []byte
	Version  uint64
	SourceID int
}

// Empty reports whether the frame carries no image.
func (f Frame) Empty() bool { return len(f.Data) == 0 }

// Hub is safe for concurrent use. There must be a single publisher.
type Hub struct {
	mu      sync.RWMutex
	frame   Frame
	changed chan struct{} // closed and replaced on every publish
	subs    map[string]*Subscription

	done      chan struct{}
	closeOnce sync.Once
}

// New returns a Hub at version 0. A non-empty initial frame (a placeholder
// image) is handed to new subscribers until the first publish.
func New(initial []byte) *Hub {
	return &Hub{
		frame:   Frame{Data: initial},
		changed: make(chan struct{}),
		subs:    make(map[string]*Subscription),
		done:    make(chan struct{}),
	}
}

// Publish installs data as the current frame and returns its version.
func (h *Hub) Publish(data []byte, sourceID int) uint64 {
	h.mu.Lock()
	h.frame = Frame{Data: data, Version: h.frame.Version + 1, SourceID: sourceID}
	v := h.frame.Version
	close(h.changed)
	h.changed = make(chan struct{})
	n := len(h.subs)
	h.mu.Unlock()

	slog.Debug("hub: published", "version", v, "camera", sourceID, "bytes", len(data), "subscribers", n)
	return v
}

// Current returns the frame as of the latest publish.
func (h *Hub) Current() Frame {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.frame
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Subscribe opens a new subscription positioned at the current version.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		id:   uuid.NewString(),
		hub:  h,
		done: make(chan struct{}),
	}

	h.mu.Lock()
	s.seen = h.frame.Version
	s.primed = !h.frame.Empty()
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()

	slog.Debug("hub: subscribed", "subscription", s.id, "version", s.seen, "subscribers", n)
	return s
}

// Close ends every subscription. Pending and future Next calls return
// ErrClosed. Publishing after Close is allowed but nobody is woken.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	n := len(h.subs)
	h.mu.Unlock()
	slog.Debug("hub: unsubscribed", "subscription", id, "subscribers", n)
}

// Subscription is one viewer's cursor into the hub. Next must not be called
// concurrently on the same Subscription; Close may be called from anywhere.
type Subscription struct {
	id     string
	hub    *Hub
	seen   uint64
	primed bool

	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// Next returns the frame that was current at subscribe time on the first
// call, if there was one. After that it blocks until a version newer than
// the last one returned is published and returns the latest frame.
func (s *Subscription) Next(ctx context.Context) (Frame, error) {
	for {
		select {
		case <-s.done:
			return Frame{}, ErrClosed
		case <-s.hub.done:
			return Frame{}, ErrClosed
		default:
		}

		s.hub.mu.RLock()
		f := s.hub.frame
		changed := s.hub.changed
		s.hub.mu.RUnlock()

		if s.primed {
			s.primed = false
			s.seen = f.Version
			return f, nil
		}
		if f.Version > s.seen {
			s.seen = f.Version
			return f, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-s.done:
			return Frame{}, ErrClosed
		case <-s.hub.done:
			return Frame{}, ErrClosed
		}
	}
}

// Close releases the subscription. It never blocks the publisher.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.remove(s.id)
	})
}
