package order

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Additional-Code/cellar/internal/entity"
)

var repoTracer = otel.Tracer("github.com/Additional-Code/cellar/repository/order")

// Repository is the relational Store backed by bun.
type Repository struct {
	writer *bun.DB
	reader *bun.DB
}

// NewRepository wires a repository over writer and reader pools.
func NewRepository(writer, reader *bun.DB) *Repository {
	if reader == nil {
		reader = writer
	}
	return &Repository{
		writer: writer,
		reader: reader,
	}
}

// Create persists a new order using the write connection.
func (r *Repository) Create(ctx context.Context, order *entity.Order) error {
	if order == nil {
		return errors.New("nil order")
	}
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Create", trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("order.slug", order.GroupSlug),
	))
	defer span.End()

	err := r.writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		taken, err := tx.NewSelect().
			Model((*entity.Order)(nil)).
			Where("group_slug = ?", order.GroupSlug).
			Where("status = ?", entity.OrderActive).
			Exists(ctx)
		if err != nil {
			return err
		}
		if taken {
			return ErrConflict
		}
		_, err = tx.NewInsert().Model(order).Exec(ctx)
		return err
	})
	if isUniqueViolation(err) {
		err = ErrConflict
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}

// GetByID fetches an order by primary key using the read replica when available.
func (r *Repository) GetByID(ctx context.Context, id string) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.GetByID", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	order := new(entity.Order)
	err := r.reader.NewSelect().Model(order).Where("id = ?", id).Scan(ctx)
	return r.scanned(span, order, err)
}

// FindBySlug returns the active order owning slug, falling back to the newest one.
func (r *Repository) FindBySlug(ctx context.Context, slug string) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.FindBySlug", trace.WithAttributes(attribute.String("order.slug", slug)))
	defer span.End()

	order := new(entity.Order)
	err := r.reader.NewSelect().
		Model(order).
		Where("group_slug = ?", slug).
		OrderExpr("CASE WHEN status = ? THEN 0 ELSE 1 END", entity.OrderActive).
		OrderExpr("created_at DESC").
		Limit(1).
		Scan(ctx)
	return r.scanned(span, order, err)
}

// List returns orders newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.List", trace.WithAttributes(
		attribute.String("winery.id", filter.WineryID),
		attribute.String("order.status", string(filter.Status)),
	))
	defer span.End()

	var orders []*entity.Order
	q := r.reader.NewSelect().Model(&orders).OrderExpr("created_at DESC")
	if filter.WineryID != "" {
		q = q.Where("winery_id = ?", filter.WineryID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return orders, nil
}

// Save performs the version-guarded write and records mutation atomically.
func (r *Repository) Save(ctx context.Context, next *entity.Order, expectedVersion int64, mutation *entity.Mutation) error {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Save", trace.WithAttributes(
		attribute.String("order.id", next.ID),
		attribute.Int64("order.expected_version", expectedVersion),
	))
	defer span.End()

	next.Version = expectedVersion + 1
	err := r.writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model(next).
			Column("selections", "status", "version", "updated_at").
			Where("id = ?", next.ID).
			Where("version = ?", expectedVersion).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrVersionConflict
		}
		if mutation == nil {
			return nil
		}
		mutation.OrderVersion = next.Version
		if _, err := tx.NewInsert().Model(mutation).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateMutation
			}
			return err
		}
		return nil
	})
	if err != nil {
		next.Version = expectedVersion
		if !errors.Is(err, ErrVersionConflict) && !errors.Is(err, ErrDuplicateMutation) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "update failed")
		}
	}
	return err
}

// GetMutation loads a recorded mutation by request id.
func (r *Repository) GetMutation(ctx context.Context, requestID string) (*entity.Mutation, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.GetMutation", trace.WithAttributes(attribute.String("mutation.request_id", requestID)))
	defer span.End()

	m := new(entity.Mutation)
	err := r.writer.NewSelect().Model(m).Where("request_id = ?", requestID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return m, nil
}

func (r *Repository) scanned(span trace.Span, order *entity.Order, err error) (*entity.Order, error) {
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return order, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
