package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Additional-Code/cellar/internal/config"
	"github.com/Additional-Code/cellar/internal/messaging"
)

// onceClient delivers its messages to the first Consume call, then blocks.
type onceClient struct {
	msgs []messaging.Message
	once sync.Once
	errs chan error
}

func (c *onceClient) Publish(context.Context, []byte, []byte) error { return nil }
func (c *onceClient) Topic() string                                 { return "orders" }

func (c *onceClient) Consume(ctx context.Context, handler messaging.Handler) error {
	c.once.Do(func() {
		for _, m := range c.msgs {
			c.errs <- handler(ctx, m)
		}
	})
	<-ctx.Done()
	return ctx.Err()
}

func enabledConfig() config.Config {
	var cfg config.Config
	cfg.Messaging.Enabled = true
	cfg.Messaging.Workers.Enabled = true
	cfg.Messaging.Workers.Concurrency = 1
	return cfg
}

func TestEngine_DispatchesToEveryHandler(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	record := func(name string, err error) messaging.Handler {
		return func(context.Context, messaging.Message) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name)
			return err
		}
	}

	boom := errors.New("boom")
	client := &onceClient{msgs: []messaging.Message{{Topic: "orders"}, {Topic: "unknown"}}, errs: make(chan error, 2)}
	engine := NewEngine(Params{
		Client: client,
		Logger: zap.NewNop(),
		Config: enabledConfig(),
		Registrations: []HandlerRegistration{
			{Topic: "orders", Handler: record("relay", nil)},
			{Topic: "orders", Handler: record("activity", boom)},
			{Topic: "", Handler: record("ignored", nil)},
			{Topic: "orders"},
		},
	})

	require.NoError(t, engine.start(context.Background()))
	defer func() { require.NoError(t, engine.stop(context.Background())) }()

	select {
	case err := <-client.errs:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("message was not dispatched")
	}
	select {
	case err := <-client.errs:
		assert.NoError(t, err, "unknown topics are acknowledged")
	case <-time.After(time.Second):
		t.Fatal("second message was not dispatched")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"relay", "activity"}, calls)
}

func TestEngine_DisabledDoesNotConsume(t *testing.T) {
	cfg := enabledConfig()
	cfg.Messaging.Workers.Enabled = false
	client := &onceClient{msgs: []messaging.Message{{Topic: "orders"}}, errs: make(chan error, 1)}
	engine := NewEngine(Params{
		Client:        client,
		Logger:        zap.NewNop(),
		Config:        cfg,
		Registrations: []HandlerRegistration{{Topic: "orders", Handler: func(context.Context, messaging.Message) error { return nil }}},
	})

	require.NoError(t, engine.start(context.Background()))
	require.NoError(t, engine.stop(context.Background()))
	assert.Empty(t, client.errs)
}
