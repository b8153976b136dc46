package order

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/cellar/internal/dto"
	"github.com/Additional-Code/cellar/internal/entity"
	"github.com/Additional-Code/cellar/internal/presentation/http/request"
	"github.com/Additional-Code/cellar/internal/presentation/http/response"
	service "github.com/Additional-Code/cellar/internal/service/order"
	"github.com/Additional-Code/cellar/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/Additional-Code/cellar/transport/http/order")

// IdempotencyHeader carries a request id when the body does not.
const IdempotencyHeader = "Idempotency-Key"

// OrderService is the slice of the order service the HTTP layer uses.
type OrderService interface {
	Create(ctx context.Context, in service.CreateInput) (*entity.Order, error)
	Resolve(ctx context.Context, identifier string) (*entity.Order, error)
	Summary(ctx context.Context, identifier string) (service.Summary, error)
	UpdateSelection(ctx context.Context, identifier string, upd service.SelectionUpdate) (*entity.Order, error)
	SetStatus(ctx context.Context, identifier string, status entity.OrderStatus) (*entity.Order, error)
	List(ctx context.Context, wineryID string, status entity.OrderStatus) ([]*entity.Order, error)
}

// Handler exposes order endpoints over HTTP.
type Handler struct {
	svc OrderService
}

// NewHandler constructs an order Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// Register routes with provided Echo group.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/orders")
	g.POST("", h.create)
	g.GET("/:identifier", h.get)
	g.GET("/:identifier/summary", h.summary)
	g.PATCH("/:identifier/guests/:guest/selections/:index", h.updateSelection)
	g.POST("/:identifier/status", h.setStatus)

	e.GET("/wineries/:winery/orders", h.listByWinery)
}

func (h *Handler) create(c echo.Context) error {
	b := response.New(c)

	var payload dto.CreateOrderRequest
	if err := request.Bind(c, &payload); err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.create", trace.WithAttributes(
		attribute.String("order.group_name", payload.GroupName),
	))
	defer span.End()

	in := service.CreateInput{
		GroupName:  payload.GroupName,
		WineryID:   payload.WineryID,
		GuestNames: payload.GuestNames,
		Selections: make(map[string][]entity.Selection, len(payload.Selections)),
	}
	for guest, list := range payload.Selections {
		sels := make([]entity.Selection, len(list))
		for i, s := range list {
			sels[i] = entity.Selection{WineReference: s.WineReference, Status: entity.ServingStatus(s.Status)}
		}
		in.Selections[guest] = sels
	}

	order, err := h.svc.Create(ctx, in)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithStatus(http.StatusCreated).WithData(toDTO(order)).Build()
}

func (h *Handler) get(c echo.Context) error {
	b := response.New(c)
	identifier := c.Param("identifier")

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.get", trace.WithAttributes(attribute.String("order.identifier", identifier)))
	defer span.End()

	order, err := h.svc.Resolve(ctx, identifier)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(toDTO(order)).Build()
}

func (h *Handler) summary(c echo.Context) error {
	b := response.New(c)
	identifier := c.Param("identifier")

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.summary", trace.WithAttributes(attribute.String("order.identifier", identifier)))
	defer span.End()

	sum, err := h.svc.Summary(ctx, identifier)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(toSummaryDTO(sum)).Build()
}

func (h *Handler) updateSelection(c echo.Context) error {
	b := response.New(c)
	identifier := c.Param("identifier")

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return b.WithError(errorbank.BadRequest("invalid selection index", errorbank.WithCause(err))).Build()
	}

	var payload dto.UpdateSelectionRequest
	if err := request.Bind(c, &payload); err != nil {
		return b.WithError(err).Build()
	}
	if payload.RequestID == "" {
		payload.RequestID = c.Request().Header.Get(IdempotencyHeader)
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.updateSelection", trace.WithAttributes(
		attribute.String("order.identifier", identifier),
		attribute.String("order.guest_key", c.Param("guest")),
		attribute.Int("order.selection_index", index),
	))
	defer span.End()

	order, err := h.svc.UpdateSelection(ctx, identifier, service.SelectionUpdate{
		GuestKey:  c.Param("guest"),
		Index:     index,
		Status:    entity.ServingStatus(payload.Status),
		Toggle:    payload.Toggle,
		From:      entity.ServingStatus(payload.From),
		RequestID: payload.RequestID,
	})
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(toDTO(order)).Build()
}

func (h *Handler) setStatus(c echo.Context) error {
	b := response.New(c)
	identifier := c.Param("identifier")

	var payload dto.SetOrderStatusRequest
	if err := request.Bind(c, &payload); err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.setStatus", trace.WithAttributes(
		attribute.String("order.identifier", identifier),
		attribute.String("order.status", payload.Status),
	))
	defer span.End()

	order, err := h.svc.SetStatus(ctx, identifier, entity.OrderStatus(payload.Status))
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(toDTO(order)).Build()
}

func (h *Handler) listByWinery(c echo.Context) error {
	b := response.New(c)
	winery := c.Param("winery")

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.listByWinery", trace.WithAttributes(attribute.String("order.winery_id", winery)))
	defer span.End()

	orders, err := h.svc.List(ctx, winery, entity.OrderStatus(c.QueryParam("status")))
	if err != nil {
		return b.WithError(err).Build()
	}

	out := make([]dto.OrderResponse, len(orders))
	for i, o := range orders {
		out[i] = toDTO(o)
	}
	return b.WithData(out).WithMeta("count", len(out)).Build()
}

func toDTO(order *entity.Order) dto.OrderResponse {
	return dto.NewOrderResponse(order)
}

func toSummaryDTO(sum service.Summary) dto.SummaryResponse {
	byStatus := make(map[string]int, len(sum.ByStatus))
	for status, n := range sum.ByStatus {
		byStatus[string(status)] = n
	}
	return dto.SummaryResponse{
		OrderID:        sum.OrderID,
		GroupName:      sum.GroupName,
		GroupSlug:      sum.GroupSlug,
		WineryID:       sum.WineryID,
		Status:         string(sum.Status),
		GuestCount:     sum.GuestCount,
		WineCount:      sum.WineCount,
		HasAnyResponse: sum.HasAnyResponse,
		ByStatus:       byStatus,
	}
}
