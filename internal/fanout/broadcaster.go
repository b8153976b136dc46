package fanout

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/cellar/internal/config"
	"github.com/Additional-Code/cellar/internal/messaging"
)

const busPublishTimeout = 5 * time.Second

// Publisher announces committed order changes.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Module provides the hub and the broadcaster used by the order service.
var Module = fx.Options(
	fx.Provide(NewHubFromConfig),
	fx.Provide(fx.Annotate(NewBroadcaster, fx.As(new(Publisher)))),
)

// NewHubFromConfig sizes the hub from the fanout configuration.
func NewHubFromConfig(cfg config.Config, logger *zap.Logger) *Hub {
	return NewHub(cfg.Fanout.SubscriberBuffer, logger)
}

// Broadcaster delivers events to local subscribers and to the message bus so other
// instances can relay them to theirs.
type Broadcaster struct {
	hub    *Hub
	bus    messaging.Client
	logger *zap.Logger
}

// NewBroadcaster wires the local hub with the bus client.
func NewBroadcaster(hub *Hub, bus messaging.Client, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{hub: hub, bus: bus, logger: logger}
}

// Publish delivers e locally, then to the bus keyed by order id so per-order ordering
// holds within a partition. Errors are returned for logging only.
func (b *Broadcaster) Publish(ctx context.Context, e Event) error {
	var errs error
	if b.hub != nil {
		errs = errors.Join(errs, b.hub.Publish(ctx, e))
	}
	if b.bus == nil {
		return errs
	}

	payload, err := Encode(e)
	if err != nil {
		return errors.Join(errs, err)
	}
	busCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), busPublishTimeout)
	defer cancel()
	if err := b.bus.Publish(busCtx, []byte(e.OrderID), payload); err != nil {
		errs = errors.Join(errs, err)
	}
	return errs
}
