package order

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/cellar/internal/entity"
)

// Summary is the group view of an order. It is derived on every read and never stored.
type Summary struct {
	OrderID        string                       `json:"order_id"`
	GroupName      string                       `json:"group_name"`
	GroupSlug      string                       `json:"group_slug"`
	WineryID       string                       `json:"winery_id"`
	Status         entity.OrderStatus           `json:"status"`
	GuestCount     int                          `json:"guest_count"`
	WineCount      int                          `json:"wine_count"`
	HasAnyResponse bool                         `json:"has_any_response"`
	ByStatus       map[entity.ServingStatus]int `json:"by_status"`
}

// Summarize counts named guests and selections of order.
func Summarize(order *entity.Order) Summary {
	sum := Summary{
		OrderID:   order.ID,
		GroupName: order.GroupName,
		GroupSlug: order.GroupSlug,
		WineryID:  order.WineryID,
		Status:    order.Status,
		ByStatus: map[entity.ServingStatus]int{
			entity.ServingPending:   0,
			entity.ServingServed:    0,
			entity.ServingNotServed: 0,
		},
	}
	for _, name := range order.GuestNames {
		if name != "" {
			sum.GuestCount++
		}
	}
	for _, list := range order.Selections {
		sum.WineCount += len(list)
		for _, sel := range list {
			sum.ByStatus[sel.Status]++
		}
	}
	sum.HasAnyResponse = sum.WineCount > 0
	return sum
}

// Summary resolves identifier and summarizes the order it denotes.
func (s *Service) Summary(ctx context.Context, identifier string) (Summary, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Summary", trace.WithAttributes(attribute.String("order.identifier", identifier)))
	defer span.End()

	order, err := s.Resolve(ctx, identifier)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(order), nil
}
