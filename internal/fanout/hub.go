package fanout

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var hubMeter = otel.Meter("github.com/Additional-Code/cellar/fanout")

// Hub delivers events to the subscribers of a winery. Delivery never blocks the
// publisher: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu      sync.Mutex
	scopes  map[string]map[*Subscription]struct{}
	buffer  int
	logger  *zap.Logger
	dropped metric.Int64Counter
}

// Subscription is one viewer's stream of events for a winery.
type Subscription struct {
	hub      *Hub
	wineryID string
	events   chan Event
	// last delivered version per order; guarded by hub.mu
	last   map[string]int64
	closed bool
}

// NewHub builds a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dropped, err := hubMeter.Int64Counter("cellar.fanout.dropped",
		metric.WithDescription("Order events not delivered because a subscriber buffer was full"))
	if err != nil {
		logger.Warn("fanout dropped counter unavailable", zap.Error(err))
	}
	return &Hub{
		scopes:  make(map[string]map[*Subscription]struct{}),
		buffer:  buffer,
		logger:  logger,
		dropped: dropped,
	}
}

// Subscribe opens a stream of events for wineryID. Only events published after the
// call are delivered; callers fetch current state separately.
func (h *Hub) Subscribe(wineryID string) *Subscription {
	sub := &Subscription{
		hub:      h,
		wineryID: wineryID,
		events:   make(chan Event, h.buffer),
		last:     make(map[string]int64),
	}

	h.mu.Lock()
	subs, ok := h.scopes[wineryID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.scopes[wineryID] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

// Publish hands e to every subscriber of its winery. Events for an order whose version
// is not newer than the last one a subscriber received are skipped, so duplicates and
// late arrivals never reorder a subscriber's view of an order.
func (h *Hub) Publish(_ context.Context, e Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.scopes[e.WineryID] {
		if v, seen := sub.last[e.OrderID]; seen && e.Version <= v {
			continue
		}
		select {
		case sub.events <- e:
			sub.last[e.OrderID] = e.Version
		default:
			if h.dropped != nil {
				h.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("winery.id", e.WineryID)))
			}
			h.logger.Warn("fanout subscriber lagging; event dropped",
				zap.String("winery.id", e.WineryID),
				zap.String("order.id", e.OrderID),
				zap.Int64("order.version", e.Version),
			)
		}
	}
	return nil
}

// Observe records that the subscriber already holds version of orderID, typically from
// a snapshot, so older events for that order are no longer delivered to it.
func (s *Subscription) Observe(orderID string, version int64) {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, seen := s.last[orderID]; !seen || version > v {
		s.last[orderID] = version
	}
}

// Subscribers returns how many streams are open for wineryID.
func (h *Hub) Subscribers(wineryID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.scopes[wineryID])
}

// Events is the receive side of the subscription; it is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// WineryID returns the scope the subscription listens to.
func (s *Subscription) WineryID() string {
	return s.wineryID
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if subs, ok := h.scopes[s.wineryID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.scopes, s.wineryID)
		}
	}
	close(s.events)
}
