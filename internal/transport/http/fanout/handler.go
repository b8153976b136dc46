package fanout

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/Additional-Code/cellar/internal/dto"
	"github.com/Additional-Code/cellar/internal/entity"
	"github.com/Additional-Code/cellar/internal/fanout"
	service "github.com/Additional-Code/cellar/internal/service/order"
)

var httpTracer = otel.Tracer("github.com/Additional-Code/cellar/transport/http/fanout")

const (
	// FrameHello is the first frame of a stream: the winery's active orders.
	FrameHello   = "hello"
	writeTimeout = 10 * time.Second
)

// Frame is one websocket message.
type Frame struct {
	Type       string              `json:"type"`
	WineryID   string              `json:"winery_id"`
	OrderID    string              `json:"order_id,omitempty"`
	Version    int64               `json:"version,omitempty"`
	Order      *dto.OrderResponse  `json:"order,omitempty"`
	Orders     []dto.OrderResponse `json:"orders,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// Lister returns the current orders of a winery.
type Lister interface {
	List(ctx context.Context, wineryID string, status entity.OrderStatus) ([]*entity.Order, error)
}

// Handler streams order events of a winery over websocket.
type Handler struct {
	hub    *fanout.Hub
	orders Lister
	logger *zap.Logger
}

// NewHandler constructs a fanout Handler.
func NewHandler(hub *fanout.Hub, svc *service.Service, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, orders: svc, logger: logger}
}

// Module wires the websocket endpoint.
var Module = fx.Options(
	fx.Provide(NewHandler),
	fx.Invoke(Register),
)

// Register mounts the subscription endpoint.
func Register(e *echo.Echo, h *Handler) {
	e.GET("/wineries/:winery/events", h.subscribe)
}

func (h *Handler) subscribe(c echo.Context) error {
	winery := c.Param("winery")

	// websocket.Server skips the Origin check of websocket.Handler.
	srv := websocket.Server{Handler: func(ws *websocket.Conn) {
		defer ws.Close()
		h.stream(c.Request().Context(), ws, winery)
	}}
	srv.ServeHTTP(c.Response(), c.Request())
	return nil
}

// stream subscribes before taking the snapshot so no commit falls between the two, then
// drops events the snapshot already covers.
func (h *Handler) stream(ctx context.Context, ws *websocket.Conn, winery string) {
	ctx, span := httpTracer.Start(ctx, "fanout.subscribe", trace.WithAttributes(attribute.String("winery.id", winery)))
	defer span.End()

	sub := h.hub.Subscribe(winery)
	defer sub.Close()

	logger := h.logger.With(zap.String("winery.id", winery))
	logger.Info("fanout subscriber connected", zap.Int("subscribers", h.hub.Subscribers(winery)))
	defer logger.Info("fanout subscriber disconnected")

	orders, err := h.orders.List(ctx, winery, entity.OrderActive)
	if err != nil {
		logger.Warn("fanout snapshot failed", zap.Error(err))
		span.RecordError(err)
		return
	}
	hello := Frame{Type: FrameHello, WineryID: winery, OccurredAt: time.Now().UTC(), Orders: make([]dto.OrderResponse, len(orders))}
	snapshot := make(map[string]int64, len(orders))
	for i, o := range orders {
		hello.Orders[i] = dto.NewOrderResponse(o)
		snapshot[o.ID] = o.Version
		sub.Observe(o.ID, o.Version)
	}
	if err := send(ws, hello); err != nil {
		logger.Debug("fanout hello not delivered", zap.Error(err))
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		var discard string
		for websocket.Message.Receive(ws, &discard) == nil {
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			// queued before the snapshot was taken and already reflected in hello
			if v, seen := snapshot[e.OrderID]; seen && e.Version <= v {
				continue
			}
			frame := Frame{
				Type:       string(e.Type),
				WineryID:   e.WineryID,
				OrderID:    e.OrderID,
				Version:    e.Version,
				OccurredAt: e.OccurredAt,
			}
			if e.Order != nil {
				o := dto.NewOrderResponse(e.Order)
				frame.Order = &o
			}
			if err := send(ws, frame); err != nil {
				logger.Debug("fanout frame not delivered", zap.Error(err))
				return
			}
		}
	}
}

func send(ws *websocket.Conn, f Frame) error {
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return websocket.JSON.Send(ws, f)
}
