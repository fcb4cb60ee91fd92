// Package progress fans pipeline events out to per-collection subscribers.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/snonux/hanzirecall/internal/domain"
)

// EventType names what changed.
type EventType string

const (
	EventConnected  EventType = "connected"
	EventStage      EventType = "stage"
	EventCard       EventType = "card"
	EventCollection EventType = "collection"
)

// Event is one progress notification.
type Event struct {
	Type         EventType                  `json:"type"`
	CollectionID string                     `json:"collectionId"`
	CardID       string                     `json:"cardId,omitempty"`
	Symbol       string                     `json:"symbol,omitempty"`
	Stage        string                     `json:"stage,omitempty"`
	Status       string                     `json:"status,omitempty"`
	Message      string                     `json:"message,omitempty"`
	Progress     *domain.CollectionProgress `json:"progress,omitempty"`
	Time         time.Time                  `json:"time"`
}

// Terminal reports whether the event ends the collection's stream.
func (e Event) Terminal() bool {
	return e.Type == EventCollection && domain.CollectionStatus(e.Status).IsTerminal()
}

// Hub keeps the subscriptions. Publishing never blocks: a subscriber whose
// buffer is full misses the event and is expected to poll the collection.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	buffer  int
	dropped atomic.Int64
	log     *slog.Logger
}

// Subscription receives the events of one collection until it is closed,
// either by the subscriber or when the collection reaches a terminal status.
type Subscription struct {
	collectionID string
	events       chan Event
	hub          *Hub
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer < 1 {
		buffer = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		log:    logger.With("component", "progress"),
	}
}

// Subscribe registers a subscriber for collectionID. The first event on the
// channel is always EventConnected.
func (h *Hub) Subscribe(collectionID string) *Subscription {
	sub := &Subscription{
		collectionID: collectionID,
		events:       make(chan Event, h.buffer),
		hub:          h,
	}
	sub.events <- Event{Type: EventConnected, CollectionID: collectionID, Time: time.Now()}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[collectionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[collectionID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Events returns the event channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.remove(s)
}

// remove must be called with h.mu held.
func (h *Hub) remove(s *Subscription) {
	set := h.subs[s.collectionID]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.collectionID)
	}
	close(s.events)
}

// Publish delivers ev to the subscribers of its collection.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[ev.CollectionID] {
		select {
		case sub.events <- ev:
		default:
			h.dropped.Add(1)
			h.log.Debug("subscriber too slow, event dropped",
				"collection_id", ev.CollectionID, "type", ev.Type)
		}
		if ev.Terminal() {
			h.remove(sub)
		}
	}
}

// Subscribers returns the number of open subscriptions for collectionID.
func (h *Hub) Subscribers(collectionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[collectionID])
}

// Dropped returns how many events slow subscribers missed.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Run publishes everything received on in until in is closed or ctx is done.
func (h *Hub) Run(ctx context.Context, in <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			h.Publish(ev)
		}
	}
}
