package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"job-scoring-pipeline/internal/logger"
)

const defaultSubscriberBuffer = 32

var subscriberIDs atomic.Int64

type subscriber struct {
	id       int64
	tenantID string
	events   chan Event
	closed   bool
}

// Hub is the in-process subscriber registry. A subscriber only ever sees events
// stamped with its own tenant; one that cannot keep up is disconnected.
type Hub struct {
	logger logger.Logger
	buffer int

	mu     sync.Mutex
	subs   map[int64]*subscriber
	closed bool
}

func NewHub(log logger.Logger) *Hub {
	return &Hub{
		logger: log,
		buffer: defaultSubscriberBuffer,
		subs:   make(map[int64]*subscriber),
	}
}

// Subscribe registers a listener for one tenant. The returned channel is closed when
// cancel is called, when ctx ends, or when the subscriber is dropped as slow.
func (h *Hub) Subscribe(ctx context.Context, tenantID string) (<-chan Event, func()) {
	s := &subscriber{
		id:       subscriberIDs.Add(1),
		tenantID: tenantID,
		events:   make(chan Event, h.buffer),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.events)
		return s.events, func() {}
	}
	h.subs[s.id] = s
	h.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { h.remove(s.id) })
	cancel := func() {
		stop()
		h.remove(s.id)
	}
	return s.events, cancel
}

// Publish delivers ev to the tenant's subscribers without blocking.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	if ev.TenantID == "" {
		return fmt.Errorf("event %s has no tenant", ev.Type)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		if s.tenantID != ev.TenantID {
			continue
		}
		select {
		case s.events <- ev:
		default:
			h.logger.Warn("subscriber buffer full, disconnecting",
				logger.String("tenant_id", s.tenantID),
				logger.String("event_type", string(ev.Type)),
			)
			h.closeLocked(id)
		}
	}
	return nil
}

// Close disconnects every subscriber and refuses new ones. Open event streams see
// their channel close and return, which lets the HTTP server drain.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id := range h.subs {
		h.closeLocked(id)
	}
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked(id)
}

func (h *Hub) closeLocked(id int64) {
	s, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}
