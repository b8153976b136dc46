package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// MutationMode tells how a selection status was computed.
type MutationMode string

const (
	MutationSet    MutationMode = "set"
	MutationToggle MutationMode = "toggle"
)

// Mutation records a client request that changed a selection. It is written in the
// same atomic step as the order so a replayed request id can be recognised.
type Mutation struct {
	bun.BaseModel `bun:"table:order_mutations" json:"-" dynamodbav:"-"`

	RequestID      string        `bun:"request_id,pk" json:"request_id" dynamodbav:"request_id"`
	OrderID        string        `bun:"order_id,notnull" json:"order_id" dynamodbav:"order_id"`
	GuestKey       string        `bun:"guest_key,notnull" json:"guest_key" dynamodbav:"guest_key"`
	SelectionIndex int           `bun:"selection_index,notnull" json:"selection_index" dynamodbav:"selection_index"`
	Mode           MutationMode  `bun:"mode,notnull" json:"mode" dynamodbav:"mode"`
	ResultStatus   ServingStatus `bun:"result_status,notnull" json:"result_status" dynamodbav:"result_status"`
	OrderVersion   int64         `bun:"order_version,notnull" json:"order_version" dynamodbav:"order_version"`
	CreatedAt      time.Time     `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP" json:"created_at" dynamodbav:"created_at"`
}

// Targets reports whether m addressed the same selection in the same mode.
func (m *Mutation) Targets(orderID, guest string, index int, mode MutationMode) bool {
	return m.OrderID == orderID && m.GuestKey == guest && m.SelectionIndex == index && m.Mode == mode
}
