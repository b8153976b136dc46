package fanout

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/Additional-Code/cellar/internal/entity"
	"github.com/Additional-Code/cellar/internal/fanout"
)

type staticLister []*entity.Order

func (l staticLister) List(_ context.Context, wineryID string, _ entity.OrderStatus) ([]*entity.Order, error) {
	var out []*entity.Order
	for _, o := range l {
		if o.WineryID == wineryID {
			out = append(out, o)
		}
	}
	return out, nil
}

func dial(t *testing.T, hub *fanout.Hub, orders staticLister, winery string) *websocket.Conn {
	t.Helper()

	e := echo.New()
	Register(e, &Handler{hub: hub, orders: orders, logger: zap.NewNop()})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/wineries/" + winery + "/events"
	ws, err := websocket.Dial(url, "", srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	return ws
}

func TestHandler_HelloThenEvents(t *testing.T) {
	hub := fanout.NewHub(8, zap.NewNop())
	active := &entity.Order{ID: "o1", GroupSlug: "table_5", WineryID: "clos", Status: entity.OrderActive, Version: 1}
	ws := dial(t, hub, staticLister{active, {ID: "o2", WineryID: "elsewhere", Status: entity.OrderActive}}, "clos")

	var hello Frame
	require.NoError(t, websocket.JSON.Receive(ws, &hello))
	assert.Equal(t, FrameHello, hello.Type)
	require.Len(t, hello.Orders, 1)
	assert.Equal(t, "o1", hello.Orders[0].ID)

	updated := active.Clone()
	updated.Version = 2
	updated.Status = entity.OrderCompleted
	require.Eventually(t, func() bool { return hub.Subscribers("clos") == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Publish(context.Background(), fanout.NewEvent(fanout.EventOrderUpdated, updated)))

	var frame Frame
	require.NoError(t, websocket.JSON.Receive(ws, &frame))
	assert.Equal(t, string(fanout.EventOrderUpdated), frame.Type)
	assert.Equal(t, "o1", frame.OrderID)
	assert.Equal(t, int64(2), frame.Version)
	require.NotNil(t, frame.Order)
	assert.Equal(t, "completed", frame.Order.Status)
}

func TestHandler_UnsubscribesOnClose(t *testing.T) {
	hub := fanout.NewHub(8, zap.NewNop())
	ws := dial(t, hub, staticLister{}, "clos")

	var hello Frame
	require.NoError(t, websocket.JSON.Receive(ws, &hello))
	assert.Empty(t, hello.Orders)
	require.Equal(t, 1, hub.Subscribers("clos"))

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return hub.Subscribers("clos") == 0 }, 2*time.Second, 10*time.Millisecond)
}

// racingLister publishes an event older than its snapshot while the snapshot is taken,
// the way a commit that lands between subscribe and list would.
type racingLister struct {
	hub   *fanout.Hub
	stale *entity.Order
	fresh *entity.Order
}

func (l racingLister) List(ctx context.Context, _ string, _ entity.OrderStatus) ([]*entity.Order, error) {
	if err := l.hub.Publish(ctx, fanout.NewEvent(fanout.EventOrderUpdated, l.stale)); err != nil {
		return nil, err
	}
	return []*entity.Order{l.fresh}, nil
}

func TestHandler_SkipsEventsCoveredByHello(t *testing.T) {
	hub := fanout.NewHub(8, zap.NewNop())
	fresh := &entity.Order{ID: "o1", GroupSlug: "table_5", WineryID: "clos", Status: entity.OrderActive, Version: 2}
	stale := fresh.Clone()
	stale.Version = 1

	e := echo.New()
	Register(e, &Handler{hub: hub, orders: racingLister{hub: hub, stale: stale, fresh: fresh}, logger: zap.NewNop()})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	ws, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/wineries/clos/events", "", srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello Frame
	require.NoError(t, websocket.JSON.Receive(ws, &hello))
	require.Len(t, hello.Orders, 1)
	assert.Equal(t, int64(2), hello.Orders[0].Version)

	next := fresh.Clone()
	next.Version = 3
	require.NoError(t, hub.Publish(context.Background(), fanout.NewEvent(fanout.EventOrderUpdated, next)))

	var frame Frame
	require.NoError(t, websocket.JSON.Receive(ws, &frame))
	assert.Equal(t, int64(3), frame.Version, "an event older than hello reached the client")
}
