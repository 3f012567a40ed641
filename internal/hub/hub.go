package hub

import (
	"context"
	"sync"

	"github.com/admp-io/relay/internal/metrics"
)

// Hub routes published events to the subscribers of a topic. Register and
// unregister are serialized through the Run loop via channels; Publish holds
// a read-lock only long enough to copy the target set, then sends outside
// the lock so a slow subscriber cannot stall the event loop.
type Hub struct {
	// subs maps each connected subscriber to its topics; topics is the
	// inverse index. The two maps are always updated together.
	subs   map[*Subscriber]struct{}
	topics map[string]map[*Subscriber]struct{}

	// mu protects subs and topics during Publish, which reads them from
	// outside the Run goroutine.
	mu sync.RWMutex

	register   chan *Subscriber
	unregister chan *Subscriber

	// stopped is closed when Run exits; no frames are delivered after.
	stopped chan struct{}
}

// New creates an idle Hub. Call Run in a goroutine to start it.
func New() *Hub {
	return &Hub{
		subs:       make(map[*Subscriber]struct{}),
		topics:     make(map[string]map[*Subscriber]struct{}),
		register:   make(chan *Subscriber, 16),
		unregister: make(chan *Subscriber, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. Call it exactly once, in its own
// goroutine; it exits when ctx is cancelled during graceful shutdown.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.subs[sub] = struct{}{}
			for _, topic := range sub.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Subscriber]struct{})
				}
				h.topics[topic][sub] = struct{}{}
			}
			h.mu.Unlock()
			metrics.InboxPushSubscribers.Inc()

		case sub := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subs[sub]; ok {
				delete(h.subs, sub)
				for _, topic := range sub.topics {
					delete(h.topics[topic], sub)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				// Signals the subscriber's writePump to drain and exit.
				close(sub.send)
				metrics.InboxPushSubscribers.Dec()
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for sub := range h.subs {
				close(sub.send)
			}
			metrics.InboxPushSubscribers.Set(0)
			h.subs = make(map[*Subscriber]struct{})
			h.topics = make(map[string]map[*Subscriber]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends ev to every subscriber of topic. Safe to call from any
// goroutine. A subscriber whose send buffer is full is disconnected so it
// cannot backpressure other subscribers on the same topic; it will learn
// about the message on its next pull anyway.
func (h *Hub) Publish(topic string, ev Event) {
	h.mu.RLock()
	targets := h.topics[topic]
	subs := make([]*Subscriber, 0, len(targets))
	for s := range targets {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.send <- ev:
		default:
			h.unregister <- s
		}
	}
}

// Subscribe registers sub with the hub and adds it to all its topics.
func (h *Hub) Subscribe(sub *Subscriber) {
	h.register <- sub
}

// Unsubscribe removes sub from the hub and all its topics.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.unregister <- sub
}

// SubscriberCount returns the number of open subscriptions, for /healthz.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
