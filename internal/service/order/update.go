package order

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Additional-Code/cellar/internal/entity"
	"github.com/Additional-Code/cellar/internal/fanout"
	repo "github.com/Additional-Code/cellar/internal/repository/order"
	"github.com/Additional-Code/cellar/pkg/errorbank"
)

// SelectionUpdate addresses one selection and says how its status changes. Exactly one
// of Status and Toggle must be set.
type SelectionUpdate struct {
	GuestKey string
	Index    int
	// Status is the explicit status to reach.
	Status entity.ServingStatus
	// Toggle computes the status from the stored one.
	Toggle bool
	// From is the status the caller saw before toggling. When set, the toggle becomes
	// a set to From.Toggled() so a replay cannot flip the selection back.
	From entity.ServingStatus
	// RequestID deduplicates retried requests.
	RequestID string
}

func (u SelectionUpdate) validate() error {
	switch {
	case u.Toggle && u.Status != "":
		return errorbank.BadRequest("status and toggle are mutually exclusive")
	case !u.Toggle && u.Status == "":
		return errorbank.BadRequest("either status or toggle is required")
	case u.Status != "" && !u.Status.Valid():
		return errorbank.BadRequest("unknown serving status", errorbank.WithDetail("status", u.Status))
	case u.From != "" && !u.Toggle:
		return errorbank.BadRequest("from is only accepted with toggle")
	case u.From != "" && !u.From.Valid():
		return errorbank.BadRequest("unknown serving status", errorbank.WithDetail("from", u.From))
	}
	return nil
}

func (u SelectionUpdate) mode() entity.MutationMode {
	if u.Toggle {
		return entity.MutationToggle
	}
	return entity.MutationSet
}

// target returns the status the update moves current to and how it was computed.
func (u SelectionUpdate) target(current entity.ServingStatus) (entity.ServingStatus, entity.MutationMode) {
	switch {
	case !u.Toggle:
		return u.Status, u.mode()
	case u.From != "":
		return u.From.Toggled(), u.mode()
	default:
		return current.Toggled(), u.mode()
	}
}

// UpdateSelection changes the status of one selection of the order identifier denotes.
// Writes go through a version compare-and-swap so concurrent updates to other selections
// of the same order are never lost.
func (s *Service) UpdateSelection(ctx context.Context, identifier string, upd SelectionUpdate) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.UpdateSelection", trace.WithAttributes(
		attribute.String("order.identifier", identifier),
		attribute.String("order.guest_key", upd.GuestKey),
		attribute.Int("order.selection_index", upd.Index),
		attribute.Bool("order.toggle", upd.Toggle),
	))
	defer span.End()

	if err := upd.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.resolver.Resolve(ctx, identifier)
	if err != nil {
		return nil, s.mapError(span, err)
	}
	orderID := res.Order.ID

	order, changed, err := s.mutate(ctx, orderID, func(ctx context.Context, current *entity.Order) (*entity.Order, *entity.Mutation, error) {
		if upd.RequestID != "" {
			seen, err := s.store.GetMutation(ctx, upd.RequestID)
			switch {
			case err == nil:
				if !seen.Targets(orderID, upd.GuestKey, upd.Index, upd.mode()) {
					return nil, nil, errorbank.BadRequest("request id was already used for another selection or mode",
						errorbank.WithDetail("request_id", upd.RequestID))
				}
				return nil, nil, nil
			case !errors.Is(err, repo.ErrNotFound):
				return nil, nil, err
			}
		}

		if !current.IsActive() {
			return nil, nil, errorbank.InvalidTarget("order no longer accepts selection updates",
				errorbank.WithDetail("order_id", current.ID),
				errorbank.WithDetail("status", current.Status),
			)
		}
		sel, ok := current.Selection(upd.GuestKey, upd.Index)
		if !ok {
			return nil, nil, errorbank.InvalidTarget("selection does not exist",
				errorbank.WithDetail("guest_key", upd.GuestKey),
				errorbank.WithDetail("index", upd.Index),
			)
		}

		status, mode := upd.target(sel.Status)
		if sel.Status == status {
			return nil, nil, nil
		}

		next := current.Clone()
		next.Selections[upd.GuestKey][upd.Index].Status = status

		var mutation *entity.Mutation
		if upd.RequestID != "" {
			mutation = &entity.Mutation{
				RequestID:      upd.RequestID,
				OrderID:        orderID,
				GuestKey:       upd.GuestKey,
				SelectionIndex: upd.Index,
				Mode:           mode,
				ResultStatus:   status,
			}
		}
		return next, mutation, nil
	})
	if err != nil {
		return nil, s.mapError(span, err)
	}

	if changed {
		s.count(ctx, s.mutations, attribute.String("kind", "selection"))
		s.refreshCache(ctx, order)
		s.announce(ctx, fanout.EventOrderUpdated, order)
	}
	return order, nil
}

// SetStatus moves an active order to a terminal lifecycle state.
func (s *Service) SetStatus(ctx context.Context, identifier string, status entity.OrderStatus) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.SetStatus", trace.WithAttributes(
		attribute.String("order.identifier", identifier),
		attribute.String("order.status", string(status)),
	))
	defer span.End()

	if !status.Valid() {
		return nil, errorbank.BadRequest("unknown order status", errorbank.WithDetail("status", status))
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.resolver.Resolve(ctx, identifier)
	if err != nil {
		return nil, s.mapError(span, err)
	}

	order, _, err := s.mutate(ctx, res.Order.ID, func(_ context.Context, current *entity.Order) (*entity.Order, *entity.Mutation, error) {
		if !current.Status.CanTransitionTo(status) {
			return nil, nil, errorbank.InvalidTransition("order status cannot change",
				errorbank.WithDetail("from", current.Status),
				errorbank.WithDetail("to", status),
			)
		}
		next := current.Clone()
		next.Status = status
		return next, nil, nil
	})
	if err != nil {
		return nil, s.mapError(span, err)
	}

	s.logger.Info("order status changed", zap.String("order_id", order.ID), zap.String("status", string(order.Status)))
	s.count(ctx, s.mutations, attribute.String("kind", "status"))
	s.refreshCache(ctx, order)
	s.announce(ctx, fanout.EventOrderUpdated, order)
	return order, nil
}

// applyFunc stages the next version of current. A nil order means nothing to write.
type applyFunc func(ctx context.Context, current *entity.Order) (*entity.Order, *entity.Mutation, error)

// mutate runs apply against the stored order and saves the result under a version
// check, retrying with exponential backoff when a concurrent writer got there first.
// It reports whether a write happened.
func (s *Service) mutate(ctx context.Context, id string, apply applyFunc) (*entity.Order, bool, error) {
	var (
		result  *entity.Order
		changed bool
	)
	start := time.Now()
	defer func() {
		if s.writes == nil {
			return
		}
		outcome := "unchanged"
		switch {
		case result == nil:
			outcome = "failed"
		case changed:
			outcome = "written"
		}
		s.writes.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
	}()
	backoff := retry.WithMaxRetries(s.opts.maxRetries, retry.NewExponential(s.opts.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		current, err := s.store.GetByID(ctx, id)
		if err != nil {
			return err
		}
		next, mutation, err := apply(ctx, current)
		if err != nil {
			return err
		}
		if next == nil {
			result, changed = current, false
			return nil
		}

		next.UpdatedAt = time.Now().UTC()
		if mutation != nil {
			mutation.OrderVersion = current.Version + 1
			mutation.CreatedAt = next.UpdatedAt
		}
		if err := s.store.Save(ctx, next, current.Version, mutation); err != nil {
			switch {
			case errors.Is(err, repo.ErrVersionConflict):
				s.count(ctx, s.conflicts)
				return retry.RetryableError(err)
			case errors.Is(err, repo.ErrDuplicateMutation):
				// the next attempt finds the recorded mutation and returns the stored order
				return retry.RetryableError(err)
			}
			return err
		}
		result, changed = next, true
		return nil
	})
	if err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			return nil, false, errorbank.Unavailable("order is under heavy concurrent update; retry later", errorbank.WithCause(err))
		}
		return nil, false, err
	}
	return result, changed, nil
}
