// Package events fans out per-camera diagnostics to interested listeners.
package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrHubClosed          = errors.New("events: hub closed")
	ErrSubscriberExists   = errors.New("events: subscriber already exists")
	ErrSubscriberNotFound = errors.New("events: subscriber not found")
)

// Kind classifies an event
type Kind string

const (
	KindState           Kind = "state"
	KindFrameIncomplete Kind = "frame_incomplete"
	KindTransportError  Kind = "transport_error"
	KindEncodeError     Kind = "encode_error"
	KindTransformError  Kind = "transform_error"
	KindSegmentWritten  Kind = "segment_written"
	KindFrameInfo       Kind = "frame_info"
	KindSyncFailure     Kind = "sync_failure"
	KindWorkerDone      Kind = "worker_done"
)

// Event is one diagnostic emitted by a camera worker
type Event struct {
	Time    time.Time `json:"time"`
	Serial  string    `json:"serial"`
	Kind    Kind      `json:"kind"`
	Message string    `json:"message,omitempty"`
	FrameID uint64    `json:"frame_id,omitempty"`
}

// Publisher accepts events
type Publisher interface {
	Publish(e Event)
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(Event) {}

// SubscriberStats counts deliveries to one subscriber
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriber struct {
	ch    chan Event
	stats SubscriberStats
}

// Hub delivers every published event to all subscribers. A subscriber that
// is not keeping up loses events instead of slowing the publisher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool

	historyMu sync.Mutex
	history   []Event
	keep      int

	published atomic.Uint64
}

// NewHub creates a hub that remembers the last keep events
func NewHub(keep int) *Hub {
	return &Hub{
		subscribers: make(map[string]*subscriber),
		keep:        keep,
	}
}

// Publish stamps and distributes an event
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.published.Add(1)

	if h.keep > 0 {
		h.historyMu.Lock()
		h.history = append(h.history, e)
		if len(h.history) > h.keep {
			h.history = h.history[len(h.history)-h.keep:]
		}
		h.historyMu.Unlock()
	}

	for _, sub := range h.subscribers {
		select {
		case sub.ch <- e:
			atomic.AddUint64(&sub.stats.Sent, 1)
		default:
			atomic.AddUint64(&sub.stats.Dropped, 1)
		}
	}
}

// Subscribe registers a listener with the given channel buffer
func (h *Hub) Subscribe(id string, buffer int) (<-chan Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if _, ok := h.subscribers[id]; ok {
		return nil, ErrSubscriberExists
	}
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	h.subscribers[id] = sub
	return sub.ch, nil
}

// Unsubscribe removes a listener and closes its channel
func (h *Hub) Unsubscribe(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subscribers[id]
	if !ok {
		return ErrSubscriberNotFound
	}
	close(sub.ch)
	delete(h.subscribers, id)
	return nil
}

// Stats returns delivery counters for a subscriber
func (h *Hub) Stats(id string) (SubscriberStats, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sub, ok := h.subscribers[id]
	if !ok {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{
		Sent:    atomic.LoadUint64(&sub.stats.Sent),
		Dropped: atomic.LoadUint64(&sub.stats.Dropped),
	}, nil
}

// Recent returns the remembered events, oldest first
func (h *Hub) Recent() []Event {
	h.historyMu.Lock()
	defer h.historyMu.Unlock()
	return append([]Event(nil), h.history...)
}

// Published returns the number of events accepted so far
func (h *Hub) Published() uint64 {
	return h.published.Load()
}

// Close closes every subscriber channel; later publishes are ignored
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subscribers {
		close(sub.ch)
		delete(h.subscribers, id)
	}
}
