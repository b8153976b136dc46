package fanout

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Additional-Code/cellar/internal/entity"
)

// EventType names an order change announced to subscribers.
type EventType string

const (
	EventOrderCreated EventType = "order-created"
	EventOrderUpdated EventType = "order-updated"
)

// Event carries the full order state after a committed change.
type Event struct {
	Type       EventType     `json:"type"`
	WineryID   string        `json:"winery_id"`
	OrderID    string        `json:"order_id"`
	Version    int64         `json:"version"`
	Order      *entity.Order `json:"order"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// NewEvent snapshots order into an event of type t.
func NewEvent(t EventType, order *entity.Order) Event {
	return Event{
		Type:       t,
		WineryID:   order.WineryID,
		OrderID:    order.ID,
		Version:    order.Version,
		Order:      order.Clone(),
		OccurredAt: time.Now().UTC(),
	}
}

// Encode serialises e for the message bus.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a bus payload back into an Event.
func Decode(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("decode order event: %w", err)
	}
	if e.OrderID == "" || e.WineryID == "" {
		return Event{}, fmt.Errorf("decode order event: missing order or winery id")
	}
	return e, nil
}
