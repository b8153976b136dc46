package order

import (
	"context"
	"errors"

	"github.com/Additional-Code/cellar/internal/entity"
)

var (
	// ErrNotFound is returned when an order or mutation record is missing.
	ErrNotFound = errors.New("order not found")
	// ErrConflict is returned when an active order already owns the group slug.
	ErrConflict = errors.New("active order with the same group slug exists")
	// ErrVersionConflict is returned when a compare-and-swap write lost against a concurrent writer.
	ErrVersionConflict = errors.New("order version changed concurrently")
	// ErrDuplicateMutation is returned when a request id was already recorded.
	ErrDuplicateMutation = errors.New("mutation request already recorded")
)

// ListFilter narrows List results.
type ListFilter struct {
	WineryID string
	Status   entity.OrderStatus
	Limit    int
}

// Store is the durable order repository. Implementations must make Save an atomic
// compare-and-swap on the order version.
type Store interface {
	// Create persists a new order, failing with ErrConflict when an active order shares its slug.
	Create(ctx context.Context, order *entity.Order) error
	GetByID(ctx context.Context, id string) (*entity.Order, error)
	// FindBySlug prefers the active order owning slug, then the most recent one.
	FindBySlug(ctx context.Context, slug string) (*entity.Order, error)
	List(ctx context.Context, filter ListFilter) ([]*entity.Order, error)
	// Save writes next if the stored version still equals expectedVersion, bumping
	// next.Version. A non-nil mutation is recorded in the same atomic step.
	Save(ctx context.Context, next *entity.Order, expectedVersion int64, mutation *entity.Mutation) error
	GetMutation(ctx context.Context, requestID string) (*entity.Mutation, error)
}
