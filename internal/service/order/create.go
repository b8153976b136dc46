package order

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Additional-Code/cellar/internal/entity"
	"github.com/Additional-Code/cellar/internal/fanout"
	"github.com/Additional-Code/cellar/internal/slug"
	"github.com/Additional-Code/cellar/pkg/errorbank"
)

// CreateInput is a guest group's submission.
type CreateInput struct {
	GroupName  string
	WineryID   string
	GuestNames map[string]string
	Selections map[string][]entity.Selection
}

// Create persists a new active order. It fails with a conflict when an active order
// already owns the slug of GroupName.
func (s *Service) Create(ctx context.Context, in CreateInput) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Create", trace.WithAttributes(attribute.String("order.group_name", in.GroupName)))
	defer span.End()

	order, err := s.buildOrder(in)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", order.ID), attribute.String("order.group_slug", order.GroupSlug))

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.store.Create(ctx, order); err != nil {
		appErr := s.mapError(span, err)
		if errorbank.IsKind(appErr, errorbank.KindConflict) {
			return nil, errorbank.Conflict("an active order already uses this group name",
				errorbank.WithCause(err),
				errorbank.WithDetail("group_slug", order.GroupSlug),
			)
		}
		return nil, appErr
	}

	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("group_slug", order.GroupSlug),
		zap.String("winery_id", order.WineryID),
	)
	s.count(ctx, s.mutations, attribute.String("kind", "create"))
	s.refreshCache(ctx, order)
	s.announce(ctx, fanout.EventOrderCreated, order)
	return order, nil
}

func (s *Service) buildOrder(in CreateInput) (*entity.Order, error) {
	name := strings.TrimSpace(in.GroupName)
	if name == "" {
		return nil, errorbank.BadRequest("group name is required")
	}
	groupSlug := slug.Make(name)
	if groupSlug == "" {
		return nil, errorbank.BadRequest("group name must contain letters or digits", errorbank.WithDetail("group_name", name))
	}

	winery := strings.TrimSpace(in.WineryID)
	if winery == "" {
		winery = s.opts.defaultWinery
	}

	guests := make(map[string]string, len(in.GuestNames))
	for key, display := range in.GuestNames {
		if key == "" {
			return nil, errorbank.BadRequest("guest key must not be empty")
		}
		guests[key] = strings.TrimSpace(display)
	}

	selections := make(map[string][]entity.Selection, len(in.Selections))
	for key, list := range in.Selections {
		if _, ok := guests[key]; !ok {
			return nil, errorbank.BadRequest("selection references an unknown guest", errorbank.WithDetail("guest_key", key))
		}
		out := make([]entity.Selection, len(list))
		for i, sel := range list {
			if strings.TrimSpace(sel.WineReference) == "" {
				return nil, errorbank.BadRequest("wine reference is required",
					errorbank.WithDetail("guest_key", key),
					errorbank.WithDetail("index", i),
				)
			}
			status := sel.Status
			if status == "" {
				status = entity.ServingPending
			}
			if !status.Valid() {
				return nil, errorbank.BadRequest("unknown serving status",
					errorbank.WithDetail("guest_key", key),
					errorbank.WithDetail("index", i),
					errorbank.WithDetail("status", sel.Status),
				)
			}
			out[i] = entity.Selection{WineReference: strings.TrimSpace(sel.WineReference), Status: status}
		}
		selections[key] = out
	}

	now := time.Now().UTC()
	return &entity.Order{
		ID:         uuid.NewString(),
		GroupName:  name,
		GroupSlug:  groupSlug,
		WineryID:   winery,
		GuestNames: guests,
		Selections: selections,
		Status:     entity.OrderActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}
