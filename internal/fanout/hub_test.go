package fanout

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Additional-Code/cellar/internal/entity"
	"github.com/Additional-Code/cellar/internal/messaging"
)

func testEvent(winery, order string, version int64) Event {
	return Event{Type: EventOrderUpdated, WineryID: winery, OrderID: order, Version: version}
}

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case e := <-sub.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestHub_ScopesByWinery(t *testing.T) {
	hub := NewHub(8, zap.NewNop())
	a := hub.Subscribe("w1")
	b := hub.Subscribe("w2")
	defer a.Close()
	defer b.Close()

	require.NoError(t, hub.Publish(context.Background(), testEvent("w1", "o1", 1)))

	assert.Len(t, drain(a), 1)
	assert.Empty(t, drain(b))
}

func TestHub_LateSubscriberMissesEarlierEvents(t *testing.T) {
	hub := NewHub(8, zap.NewNop())
	require.NoError(t, hub.Publish(context.Background(), testEvent("w1", "o1", 1)))

	sub := hub.Subscribe("w1")
	defer sub.Close()
	assert.Empty(t, drain(sub))
}

func TestHub_PerOrderOrdering(t *testing.T) {
	testCases := map[string]struct {
		versions []int64
		expected []int64
	}{
		"should deliver increasing versions": {
			versions: []int64{0, 1, 2},
			expected: []int64{0, 1, 2},
		},
		"should drop duplicates": {
			versions: []int64{1, 1, 2, 2},
			expected: []int64{1, 2},
		},
		"should drop versions older than the last delivered": {
			versions: []int64{3, 2, 4},
			expected: []int64{3, 4},
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			hub := NewHub(16, zap.NewNop())
			sub := hub.Subscribe("w1")
			defer sub.Close()

			for _, v := range tc.versions {
				require.NoError(t, hub.Publish(context.Background(), testEvent("w1", "o1", v)))
			}

			var got []int64
			for _, e := range drain(sub) {
				got = append(got, e.Version)
			}
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestHub_FullBufferDropsWithoutBlocking(t *testing.T) {
	hub := NewHub(1, zap.NewNop())
	sub := hub.Subscribe("w1")
	defer sub.Close()

	require.NoError(t, hub.Publish(context.Background(), testEvent("w1", "o1", 1)))
	require.NoError(t, hub.Publish(context.Background(), testEvent("w1", "o2", 1)))

	events := drain(sub)
	require.Len(t, events, 1)
	assert.Equal(t, "o1", events[0].OrderID)

	// o2 was never delivered, so a later version still gets through.
	require.NoError(t, hub.Publish(context.Background(), testEvent("w1", "o2", 2)))
	events = drain(sub)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Version)
}

func TestSubscription_Close(t *testing.T) {
	hub := NewHub(4, zap.NewNop())
	sub := hub.Subscribe("w1")
	assert.Equal(t, 1, hub.Subscribers("w1"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Subscribers("w1"))

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.NoError(t, hub.Publish(context.Background(), testEvent("w1", "o1", 1)))
}

type recordingBus struct {
	keys     [][]byte
	payloads [][]byte
	err      error
}

func (r *recordingBus) Publish(_ context.Context, key, value []byte) error {
	r.keys = append(r.keys, key)
	r.payloads = append(r.payloads, value)
	return r.err
}

func (r *recordingBus) Consume(ctx context.Context, _ messaging.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (r *recordingBus) Topic() string { return "test" }

func TestBroadcaster_Publish(t *testing.T) {
	hub := NewHub(4, zap.NewNop())
	sub := hub.Subscribe("w1")
	defer sub.Close()
	bus := &recordingBus{}
	b := NewBroadcaster(hub, bus, zap.NewNop())

	order := &entity.Order{ID: "o1", WineryID: "w1", Version: 3, Status: entity.OrderActive}
	require.NoError(t, b.Publish(context.Background(), NewEvent(EventOrderUpdated, order)))

	require.Len(t, drain(sub), 1)
	require.Len(t, bus.payloads, 1)
	assert.Equal(t, []byte("o1"), bus.keys[0])

	decoded, err := Decode(bus.payloads[0])
	require.NoError(t, err)
	assert.Equal(t, EventOrderUpdated, decoded.Type)
	assert.Equal(t, int64(3), decoded.Version)
	assert.Equal(t, "o1", decoded.Order.ID)
}

func TestBroadcaster_BusFailureStillDeliversLocally(t *testing.T) {
	hub := NewHub(4, zap.NewNop())
	sub := hub.Subscribe("w1")
	defer sub.Close()
	b := NewBroadcaster(hub, &recordingBus{err: errors.New("broker down")}, zap.NewNop())

	err := b.Publish(context.Background(), NewEvent(EventOrderCreated, &entity.Order{ID: "o1", WineryID: "w1"}))
	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, drain(sub), 1)
}

func TestDecode_RejectsIncompleteEvents(t *testing.T) {
	_, err := Decode([]byte(`{"type":"order-updated"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestSubscription_Observe(t *testing.T) {
	hub := NewHub(8, zap.NewNop())
	sub := hub.Subscribe("w1")
	defer sub.Close()

	sub.Observe("o1", 5)
	sub.Observe("o1", 2)

	for _, v := range []int64{4, 5, 6} {
		require.NoError(t, hub.Publish(context.Background(), testEvent("w1", "o1", v)))
	}

	events := drain(sub)
	require.Len(t, events, 1)
	assert.Equal(t, int64(6), events[0].Version)
}
