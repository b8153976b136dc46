package entity

import (
	"sort"
	"time"

	"github.com/uptrace/bun"
)

// DefaultWineryID scopes orders submitted without a winery.
const DefaultWineryID = "default"

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderActive    OrderStatus = "active"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

// Valid reports whether s is a known lifecycle state.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderActive, OrderCompleted, OrderCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// Only active orders move, and only forward to a terminal state.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return s == OrderActive && (next == OrderCompleted || next == OrderCancelled)
}

// ServingStatus is the serving state of a single wine selection.
type ServingStatus string

const (
	ServingPending   ServingStatus = "pending"
	ServingServed    ServingStatus = "servi"
	ServingNotServed ServingStatus = "non-servi"
)

// Valid reports whether s is a known serving state.
func (s ServingStatus) Valid() bool {
	switch s {
	case ServingPending, ServingServed, ServingNotServed:
		return true
	}
	return false
}

// Toggled returns the status a staff toggle moves s to: served selections become
// not-served, everything else (pending included) becomes served.
func (s ServingStatus) Toggled() ServingStatus {
	if s == ServingServed {
		return ServingNotServed
	}
	return ServingServed
}

// Selection is one guest's claim on one wine.
type Selection struct {
	WineReference string        `json:"wine_reference" dynamodbav:"wine_reference"`
	Status        ServingStatus `json:"status" dynamodbav:"status"`
}

// Order is a guest group's tasting submission.
type Order struct {
	bun.BaseModel `bun:"table:orders" json:"-" dynamodbav:"-"`

	ID         string                 `bun:"id,pk" json:"id" dynamodbav:"order_id"`
	GroupName  string                 `bun:"group_name,notnull" json:"group_name" dynamodbav:"group_name"`
	GroupSlug  string                 `bun:"group_slug,notnull" json:"group_slug" dynamodbav:"group_slug"`
	WineryID   string                 `bun:"winery_id,notnull" json:"winery_id" dynamodbav:"winery_id"`
	GuestNames map[string]string      `bun:"guest_names" json:"guest_names" dynamodbav:"guest_names"`
	Selections map[string][]Selection `bun:"selections" json:"selections" dynamodbav:"selections"`
	Status     OrderStatus            `bun:"status,notnull" json:"status" dynamodbav:"status"`
	Version    int64                  `bun:"version,notnull" json:"version" dynamodbav:"version"`
	CreatedAt  time.Time              `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP" json:"created_at" dynamodbav:"created_at"`
	UpdatedAt  time.Time              `bun:"updated_at,nullzero" json:"updated_at" dynamodbav:"updated_at"`
}

// IsActive reports whether the order still accepts mutations.
func (o *Order) IsActive() bool {
	return o != nil && o.Status == OrderActive
}

// GuestKeys returns the guest keys in lexical order.
func (o *Order) GuestKeys() []string {
	keys := make([]string, 0, len(o.GuestNames))
	for k := range o.GuestNames {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Selection returns the selection at index for guest.
func (o *Order) Selection(guest string, index int) (Selection, bool) {
	if _, ok := o.GuestNames[guest]; !ok {
		return Selection{}, false
	}
	list := o.Selections[guest]
	if index < 0 || index >= len(list) {
		return Selection{}, false
	}
	return list[index], true
}

// Clone returns a deep copy so callers can stage a write without touching o.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.GuestNames = make(map[string]string, len(o.GuestNames))
	for k, v := range o.GuestNames {
		c.GuestNames[k] = v
	}
	c.Selections = make(map[string][]Selection, len(o.Selections))
	for k, v := range o.Selections {
		c.Selections[k] = append([]Selection(nil), v...)
	}
	return &c
}
