package order

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/cellar/internal/cache"
	"github.com/Additional-Code/cellar/internal/config"
	"github.com/Additional-Code/cellar/internal/entity"
	"github.com/Additional-Code/cellar/internal/fanout"
	"github.com/Additional-Code/cellar/internal/observability"
	repo "github.com/Additional-Code/cellar/internal/repository/order"
	"github.com/Additional-Code/cellar/pkg/errorbank"
)

var (
	serviceTracer = otel.Tracer("github.com/Additional-Code/cellar/service/order")
	serviceMeter  = otel.Meter("github.com/Additional-Code/cellar/service/order")
)

// Service owns the order lifecycle: creation, lookup, selection updates and summaries.
type Service struct {
	store     repo.Store
	cache     cache.Store
	cacheTTL  time.Duration
	logger    *zap.Logger
	publisher fanout.Publisher
	resolver  *Resolver
	opts      options

	mutations metric.Int64Counter
	conflicts metric.Int64Counter
	writes    metric.Float64Histogram
}

type options struct {
	defaultWinery string
	timeout       time.Duration
	maxRetries    uint64
	retryBase     time.Duration
	listLimit     int
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Store     repo.Store
	Cache     cache.Store `optional:"true"`
	Config    config.Config
	Logger    *zap.Logger
	Publisher fanout.Publisher `optional:"true"`
}

// NewService wires a new Service instance.
func NewService(p Params) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:     p.Store,
		cache:     p.Cache,
		cacheTTL:  p.Config.Cache.DefaultTTL,
		logger:    logger,
		publisher: p.Publisher,
		opts: options{
			defaultWinery: p.Config.Fanout.DefaultWineryID,
			timeout:       p.Config.Store.OperationTimeout,
			maxRetries:    p.Config.Store.MaxRetries,
			retryBase:     p.Config.Store.RetryBase,
			listLimit:     p.Config.Store.ListLimit,
		},
	}
	if s.opts.defaultWinery == "" {
		s.opts.defaultWinery = entity.DefaultWineryID
	}
	if s.opts.retryBase <= 0 {
		s.opts.retryBase = 10 * time.Millisecond
	}

	var err error
	if s.mutations, err = serviceMeter.Int64Counter("cellar.order.mutations",
		metric.WithDescription("Committed order mutations by kind.")); err != nil {
		logger.Warn("create mutations counter", zap.Error(err))
	}
	if s.conflicts, err = serviceMeter.Int64Counter("cellar.order.version_conflicts",
		metric.WithDescription("Compare-and-swap attempts lost to a concurrent writer.")); err != nil {
		logger.Warn("create conflicts counter", zap.Error(err))
	}
	if s.writes, err = serviceMeter.Float64Histogram(observability.OrderWriteDuration,
		metric.WithUnit("s"),
		metric.WithDescription("Version-guarded order writes including contention retries.")); err != nil {
		logger.Warn("create write duration histogram", zap.Error(err))
	}

	s.resolver = NewResolver(
		func(ctx context.Context) ([]*entity.Order, error) {
			return s.store.List(ctx, repo.ListFilter{Limit: maxKnownIdentifiers})
		},
		DefaultStrategies(s.store, s.getByID)...,
	)
	return s
}

// Resolve returns the order an identifier denotes (id, slug, then group name).
func (s *Service) Resolve(ctx context.Context, identifier string) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Resolve", trace.WithAttributes(attribute.String("order.identifier", identifier)))
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.resolver.Resolve(ctx, identifier)
	if err != nil {
		return nil, s.mapError(span, err)
	}
	span.SetAttributes(attribute.String("order.id", res.Order.ID), attribute.String("order.resolved_by", res.Strategy))
	return res.Order, nil
}

// Get loads an order by id, consulting the cache first.
func (s *Service) Get(ctx context.Context, id string) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Get", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	order, err := s.getByID(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, errorbank.NotFound("order not found", errorbank.WithDetail("identifier", id))
		}
		return nil, s.mapError(span, err)
	}
	return order, nil
}

// List returns the orders of a winery, newest first.
func (s *Service) List(ctx context.Context, wineryID string, status entity.OrderStatus) ([]*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.List", trace.WithAttributes(attribute.String("order.winery_id", wineryID)))
	defer span.End()

	if status != "" && !status.Valid() {
		return nil, errorbank.BadRequest("unknown order status", errorbank.WithDetail("status", status))
	}
	if wineryID == "" {
		wineryID = s.opts.defaultWinery
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	orders, err := s.store.List(ctx, repo.ListFilter{WineryID: wineryID, Status: status, Limit: s.opts.listLimit})
	if err != nil {
		return nil, s.mapError(span, err)
	}
	return orders, nil
}

func (s *Service) getByID(ctx context.Context, id string) (*entity.Order, error) {
	if order, err := s.getFromCache(ctx, id); err == nil {
		return order, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("orders cache read failed", zap.String("id", id), zap.Error(err))
	}

	order, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.refreshCache(ctx, order)
	return order, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.timeout)
}

// mapError converts store and resolver failures into application errors. Anything not
// recognised is reported as an unavailable store: the caller may retry.
func (s *Service) mapError(span trace.Span, err error) error {
	var appErr *errorbank.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var nf *NotFoundError
	switch {
	case errors.As(err, &nf):
		return errorbank.NotFound("order not found",
			errorbank.WithDetail("identifier", nf.Identifier),
			errorbank.WithDetail("known_ids", nf.KnownIDs),
			errorbank.WithDetail("known_slugs", nf.KnownSlugs),
		)
	case errors.Is(err, repo.ErrNotFound):
		return errorbank.NotFound("order not found")
	case errors.Is(err, repo.ErrConflict):
		return errorbank.Conflict("an active order already uses this group name", errorbank.WithCause(err))
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "store error")
	if errors.Is(err, context.DeadlineExceeded) {
		return errorbank.Unavailable("order store timed out", errorbank.WithCause(err))
	}
	return errorbank.Unavailable("order store unavailable", errorbank.WithCause(err))
}

func (s *Service) announce(ctx context.Context, t fanout.EventType, order *entity.Order) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, fanout.NewEvent(t, order)); err != nil {
		s.logger.Warn("publish order event",
			zap.String("event", string(t)),
			zap.String("order_id", order.ID),
			zap.Int64("version", order.Version),
			zap.Error(err),
		)
	}
}

func (s *Service) count(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func cacheKey(id string) string {
	return "orders:" + id
}

func (s *Service) getFromCache(ctx context.Context, id string) (*entity.Order, error) {
	if s.cache == nil {
		return nil, cache.ErrCacheMiss
	}
	bytes, err := s.cache.Get(ctx, cacheKey(id))
	if err != nil {
		return nil, err
	}
	var order entity.Order
	if err := json.Unmarshal(bytes, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// refreshCache stores order unless the cache already holds the same or a newer version,
// so refreshes finishing out of commit order never roll the cached view back. A failed
// write evicts the key instead of leaving an older entry in place.
func (s *Service) refreshCache(ctx context.Context, order *entity.Order) {
	if s.cache == nil || order == nil {
		return
	}
	bytes, err := json.Marshal(order)
	if err == nil {
		err = s.cache.Set(ctx, cacheKey(order.ID), order.Version, bytes, s.cacheTTL)
	}
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrStale):
		s.logger.Debug("orders cache already newer",
			zap.String("id", order.ID),
			zap.Int64("version", order.Version),
		)
	default:
		s.logger.Warn("orders cache write failed", zap.String("id", order.ID), zap.Error(err))
		if err := s.cache.Delete(ctx, cacheKey(order.ID)); err != nil {
			s.logger.Warn("orders cache evict failed", zap.String("id", order.ID), zap.Error(err))
		}
	}
}
