package dto

import (
	"time"

	"github.com/Additional-Code/cellar/internal/entity"
)

// SelectionPayload is one wine a guest asked for.
type SelectionPayload struct {
	WineReference string `json:"wine_reference" validate:"required,max=128"`
	Status        string `json:"status,omitempty" validate:"omitempty,oneof=pending servi non-servi"`
}

// CreateOrderRequest is the body of a new order submission.
type CreateOrderRequest struct {
	GroupName  string                        `json:"group_name" validate:"required,max=200"`
	WineryID   string                        `json:"winery_id,omitempty" validate:"omitempty,max=100"`
	GuestNames map[string]string             `json:"guest_names" validate:"required"`
	Selections map[string][]SelectionPayload `json:"selections" validate:"dive,dive"`
}

// UpdateSelectionRequest changes one selection, either to an explicit status or by toggling.
type UpdateSelectionRequest struct {
	Status    string `json:"status,omitempty" validate:"omitempty,oneof=pending servi non-servi"`
	Toggle    bool   `json:"toggle,omitempty"`
	From      string `json:"from,omitempty" validate:"omitempty,oneof=pending servi non-servi"`
	RequestID string `json:"request_id,omitempty" validate:"omitempty,max=128"`
}

// SetOrderStatusRequest moves an order through its lifecycle.
type SetOrderStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active completed cancelled"`
}

// SelectionResponse is a selection as exposed via transport layers.
type SelectionResponse struct {
	WineReference string `json:"wine_reference"`
	Status        string `json:"status"`
}

// OrderResponse represents an order as exposed via transport layers.
type OrderResponse struct {
	ID         string                         `json:"id"`
	GroupName  string                         `json:"group_name"`
	GroupSlug  string                         `json:"group_slug"`
	WineryID   string                         `json:"winery_id"`
	GuestNames map[string]string              `json:"guest_names"`
	Selections map[string][]SelectionResponse `json:"selections"`
	Status     string                         `json:"status"`
	Version    int64                          `json:"version"`
	CreatedAt  time.Time                      `json:"created_at"`
	UpdatedAt  time.Time                      `json:"updated_at"`
}

// SummaryResponse is the derived group view of an order.
type SummaryResponse struct {
	OrderID        string         `json:"order_id"`
	GroupName      string         `json:"group_name"`
	GroupSlug      string         `json:"group_slug"`
	WineryID       string         `json:"winery_id"`
	Status         string         `json:"status"`
	GuestCount     int            `json:"guest_count"`
	WineCount      int            `json:"wine_count"`
	HasAnyResponse bool           `json:"has_any_response"`
	ByStatus       map[string]int `json:"by_status"`
}

// NewOrderResponse maps an order to its transport form.
func NewOrderResponse(o *entity.Order) OrderResponse {
	selections := make(map[string][]SelectionResponse, len(o.Selections))
	for guest, list := range o.Selections {
		out := make([]SelectionResponse, len(list))
		for i, s := range list {
			out[i] = SelectionResponse{WineReference: s.WineReference, Status: string(s.Status)}
		}
		selections[guest] = out
	}
	return OrderResponse{
		ID:         o.ID,
		GroupName:  o.GroupName,
		GroupSlug:  o.GroupSlug,
		WineryID:   o.WineryID,
		GuestNames: o.GuestNames,
		Selections: selections,
		Status:     string(o.Status),
		Version:    o.Version,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
}
