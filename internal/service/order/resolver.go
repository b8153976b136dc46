package order

import (
	"context"
	"errors"
	"strings"

	"github.com/Additional-Code/cellar/internal/entity"
	repo "github.com/Additional-Code/cellar/internal/repository/order"
	"github.com/Additional-Code/cellar/internal/slug"
)

// maxKnownIdentifiers bounds the ids/slugs attached to a NotFound error.
const maxKnownIdentifiers = 50

// Strategy interprets a caller supplied identifier one way. It returns
// repo.ErrNotFound to let the next strategy try.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, identifier string) (*entity.Order, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc struct {
	Label string
	Fn    func(ctx context.Context, identifier string) (*entity.Order, error)
}

// Name implements Strategy.
func (f StrategyFunc) Name() string { return f.Label }

// Resolve implements Strategy.
func (f StrategyFunc) Resolve(ctx context.Context, identifier string) (*entity.Order, error) {
	return f.Fn(ctx, identifier)
}

// Resolver tries its strategies in order and returns the first match.
type Resolver struct {
	strategies []Strategy
	known      func(ctx context.Context) ([]*entity.Order, error)
}

// Resolution is a successful lookup and the strategy that produced it.
type Resolution struct {
	Order    *entity.Order
	Strategy string
}

// NotFoundError reports an identifier no strategy could interpret.
type NotFoundError struct {
	Identifier string
	KnownIDs   []string
	KnownSlugs []string
}

func (e *NotFoundError) Error() string {
	return "no order matches identifier " + e.Identifier
}

// NewResolver builds a resolver over strategies; known lists orders for NotFound diagnostics.
func NewResolver(known func(ctx context.Context) ([]*entity.Order, error), strategies ...Strategy) *Resolver {
	return &Resolver{strategies: strategies, known: known}
}

// DefaultStrategies returns the id, slug and group-name lookups in precedence order.
func DefaultStrategies(store repo.Store, byID func(ctx context.Context, id string) (*entity.Order, error)) []Strategy {
	return []Strategy{
		StrategyFunc{Label: "id", Fn: byID},
		StrategyFunc{Label: "slug", Fn: store.FindBySlug},
		StrategyFunc{Label: "group_name", Fn: groupNameLookup(store)},
	}
}

// groupNameLookup treats identifier as a raw group name. Every order's slug is derived
// from its group name on create, so slugging the identifier and looking that up covers
// all stored orders, active ones first.
func groupNameLookup(store repo.Store) func(ctx context.Context, identifier string) (*entity.Order, error) {
	return func(ctx context.Context, identifier string) (*entity.Order, error) {
		wanted := slug.Make(identifier)
		if wanted == "" || wanted == identifier {
			return nil, repo.ErrNotFound
		}
		return store.FindBySlug(ctx, wanted)
	}
}

// Resolve returns the order identifier denotes. Store failures abort the chain; a full
// miss yields *NotFoundError.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (Resolution, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier != "" {
		for _, s := range r.strategies {
			order, err := s.Resolve(ctx, identifier)
			if err == nil && order != nil {
				return Resolution{Order: order, Strategy: s.Name()}, nil
			}
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return Resolution{}, err
			}
		}
	}

	nf := &NotFoundError{Identifier: identifier}
	if r.known != nil {
		if orders, err := r.known(ctx); err == nil {
			for i, o := range orders {
				if i == maxKnownIdentifiers {
					break
				}
				nf.KnownIDs = append(nf.KnownIDs, o.ID)
				nf.KnownSlugs = append(nf.KnownSlugs, o.GroupSlug)
			}
		}
	}
	return Resolution{}, nf
}
