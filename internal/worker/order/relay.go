package order

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/cellar/internal/config"
	"github.com/Additional-Code/cellar/internal/fanout"
	"github.com/Additional-Code/cellar/internal/messaging"
	"github.com/Additional-Code/cellar/internal/worker"
)

var workerTracer = otel.Tracer("github.com/Additional-Code/cellar/worker/order")

// RelayModule registers the handler feeding bus events into the local fanout hub.
// It belongs in processes serving websocket subscribers.
var RelayModule = fx.Module("worker_order_relay",
	fx.Provide(
		fx.Annotate(
			NewEventRelayHandler,
			fx.ResultTags(`group:"worker.handlers"`),
		),
	),
)

// NewEventRelayHandler relays order events published by other instances into the local
// hub. Events stamped with this instance's origin were delivered locally at commit time.
func NewEventRelayHandler(logger *zap.Logger, cfg config.Config, hub *fanout.Hub) worker.HandlerRegistration {
	if !cfg.Fanout.Relay {
		logger.Info("fanout relay disabled")
		return worker.HandlerRegistration{}
	}

	handler := func(ctx context.Context, msg messaging.Message) error {
		ctx, span := workerTracer.Start(ctx, "worker.orders.relay", trace.WithAttributes(
			attribute.String("messaging.topic", msg.Topic),
			attribute.Int64("messaging.offset", msg.Offset),
		))
		defer span.End()

		if origin := msg.Headers[messaging.HeaderOrigin]; origin != "" && origin == cfg.Fanout.InstanceID {
			span.SetAttributes(attribute.Bool("fanout.local_origin", true))
			return nil
		}

		event, err := fanout.Decode(msg.Value)
		if err != nil {
			// a malformed event can never succeed; ack it
			logger.Error("discarding malformed order event", zap.Int64("offset", msg.Offset), zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "decode error")
			return nil
		}
		span.SetAttributes(
			attribute.String("order.id", event.OrderID),
			attribute.Int64("order.version", event.Version),
		)

		if err := hub.Publish(ctx, event); err != nil {
			logger.Debug("relayed order event partially delivered",
				zap.String("order_id", event.OrderID),
				zap.Error(err),
			)
		}
		logger.Debug("order event relayed",
			zap.String("event", string(event.Type)),
			zap.String("order_id", event.OrderID),
			zap.String("winery_id", event.WineryID),
			zap.Int64("version", event.Version),
		)
		return nil
	}

	return worker.HandlerRegistration{
		Topic:   cfg.Messaging.Kafka.Topic,
		Handler: handler,
	}
}
