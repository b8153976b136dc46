package order

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/cellar/internal/config"
	"github.com/Additional-Code/cellar/internal/fanout"
	"github.com/Additional-Code/cellar/internal/messaging"
	"github.com/Additional-Code/cellar/internal/worker"
)

// Module registers the order activity handler for the standalone worker.
var Module = fx.Module("worker_order",
	fx.Provide(
		fx.Annotate(
			NewActivityHandler,
			fx.ResultTags(`group:"worker.handlers"`),
		),
	),
)

// NewActivityHandler records every committed order change in the service log and
// counts them per winery and event type.
func NewActivityHandler(logger *zap.Logger, cfg config.Config) worker.HandlerRegistration {
	events, err := otel.Meter("github.com/Additional-Code/cellar/worker/order").Int64Counter("cellar.order.events",
		metric.WithDescription("Order events consumed from the bus."))
	if err != nil {
		logger.Warn("create order events counter", zap.Error(err))
	}

	handler := func(ctx context.Context, msg messaging.Message) error {
		ctx, span := workerTracer.Start(ctx, "worker.orders.activity", trace.WithAttributes(
			attribute.String("messaging.topic", msg.Topic),
		))
		defer span.End()

		event, err := fanout.Decode(msg.Value)
		if err != nil {
			logger.Error("discarding malformed order event", zap.Int64("offset", msg.Offset), zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "decode error")
			return nil
		}

		fields := []zap.Field{
			zap.String("event", string(event.Type)),
			zap.String("order_id", event.OrderID),
			zap.String("winery_id", event.WineryID),
			zap.Int64("version", event.Version),
			zap.Time("occurred_at", event.OccurredAt),
		}
		if event.Order != nil {
			fields = append(fields,
				zap.String("group_slug", event.Order.GroupSlug),
				zap.String("status", string(event.Order.Status)),
			)
		}
		logger.Info("order event processed", fields...)

		if events != nil {
			events.Add(ctx, 1, metric.WithAttributes(
				attribute.String("event", string(event.Type)),
				attribute.String("winery.id", event.WineryID),
			))
		}
		return nil
	}

	return worker.HandlerRegistration{
		Topic:   cfg.Messaging.Kafka.Topic,
		Handler: handler,
	}
}
