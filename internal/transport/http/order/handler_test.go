package order

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Additional-Code/cellar/internal/entity"
	"github.com/Additional-Code/cellar/internal/presentation/http/request"
	service "github.com/Additional-Code/cellar/internal/service/order"
	"github.com/Additional-Code/cellar/pkg/errorbank"
)

type fakeService struct {
	order      *entity.Order
	err        error
	lastCreate service.CreateInput
	lastUpdate service.SelectionUpdate
	lastStatus entity.OrderStatus
	lastWinery string
}

func (f *fakeService) Create(_ context.Context, in service.CreateInput) (*entity.Order, error) {
	f.lastCreate = in
	return f.order, f.err
}

func (f *fakeService) Resolve(context.Context, string) (*entity.Order, error) {
	return f.order, f.err
}

func (f *fakeService) Summary(context.Context, string) (service.Summary, error) {
	if f.err != nil {
		return service.Summary{}, f.err
	}
	return service.Summarize(f.order), nil
}

func (f *fakeService) UpdateSelection(_ context.Context, _ string, upd service.SelectionUpdate) (*entity.Order, error) {
	f.lastUpdate = upd
	return f.order, f.err
}

func (f *fakeService) SetStatus(_ context.Context, _ string, status entity.OrderStatus) (*entity.Order, error) {
	f.lastStatus = status
	return f.order, f.err
}

func (f *fakeService) List(_ context.Context, wineryID string, _ entity.OrderStatus) ([]*entity.Order, error) {
	f.lastWinery = wineryID
	if f.err != nil {
		return nil, f.err
	}
	return []*entity.Order{f.order}, nil
}

func sampleOrder() *entity.Order {
	return &entity.Order{
		ID:         "o1",
		GroupName:  "Table 5",
		GroupSlug:  "table_5",
		WineryID:   entity.DefaultWineryID,
		GuestNames: map[string]string{"a": "Ana", "b": ""},
		Selections: map[string][]entity.Selection{
			"a": {{WineReference: "chablis-2021", Status: entity.ServingServed}},
		},
		Status: entity.OrderActive,
	}
}

func newTestServer(svc OrderService) *echo.Echo {
	e := echo.New()
	e.Validator = request.NewValidator()
	Register(e, &Handler{svc: svc})
	return e
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Kind    string         `json:"kind"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func do(t *testing.T, e *echo.Echo, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestHandler_Create(t *testing.T) {
	testCases := map[string]struct {
		body           string
		svcErr         error
		expectedStatus int
		expectedKind   string
	}{
		"should create an order": {
			body:           `{"group_name":"Table 5","guest_names":{"a":"Ana"},"selections":{"a":[{"wine_reference":"chablis-2021"}]}}`,
			expectedStatus: http.StatusCreated,
		},
		"should reject a missing group name": {
			body:           `{"guest_names":{"a":"Ana"}}`,
			expectedStatus: http.StatusBadRequest,
			expectedKind:   string(errorbank.KindBadRequest),
		},
		"should reject an unknown selection status": {
			body:           `{"group_name":"Table 5","guest_names":{"a":"Ana"},"selections":{"a":[{"wine_reference":"x","status":"poured"}]}}`,
			expectedStatus: http.StatusBadRequest,
			expectedKind:   string(errorbank.KindBadRequest),
		},
		"should surface a slug conflict": {
			body:           `{"group_name":"Table 5","guest_names":{"a":"Ana"}}`,
			svcErr:         errorbank.Conflict("an active order already uses this group name"),
			expectedStatus: http.StatusConflict,
			expectedKind:   string(errorbank.KindConflict),
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			svc := &fakeService{order: sampleOrder(), err: tc.svcErr}
			rec, env := do(t, newTestServer(svc), http.MethodPost, "/orders", tc.body, nil)

			assert.Equal(t, tc.expectedStatus, rec.Code)
			assert.Equal(t, tc.expectedKind, env.Error.Kind)
		})
	}
}

func TestHandler_CreateMapsSelections(t *testing.T) {
	svc := &fakeService{order: sampleOrder()}
	body := `{"group_name":"Table 5","winery_id":"clos","guest_names":{"a":"Ana"},"selections":{"a":[{"wine_reference":"w1","status":"servi"},{"wine_reference":"w2"}]}}`
	rec, _ := do(t, newTestServer(svc), http.MethodPost, "/orders", body, nil)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "clos", svc.lastCreate.WineryID)
	assert.Equal(t, []entity.Selection{
		{WineReference: "w1", Status: entity.ServingServed},
		{WineReference: "w2"},
	}, svc.lastCreate.Selections["a"])
}

func TestHandler_GetNotFound(t *testing.T) {
	svc := &fakeService{err: errorbank.NotFound("order not found",
		errorbank.WithDetail("identifier", "nope"),
		errorbank.WithDetail("known_slugs", []string{"table_5"}),
	)}
	rec, env := do(t, newTestServer(svc), http.MethodGet, "/orders/nope", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "nope", env.Error.Details["identifier"])
	assert.Equal(t, []any{"table_5"}, env.Error.Details["known_slugs"])
}

func TestHandler_Summary(t *testing.T) {
	svc := &fakeService{order: sampleOrder()}
	rec, env := do(t, newTestServer(svc), http.MethodGet, "/orders/table_5/summary", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var sum struct {
		GuestCount int            `json:"guest_count"`
		WineCount  int            `json:"wine_count"`
		ByStatus   map[string]int `json:"by_status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sum))
	assert.Equal(t, 1, sum.GuestCount)
	assert.Equal(t, 1, sum.WineCount)
	assert.Equal(t, 1, sum.ByStatus["servi"])
}

func TestHandler_UpdateSelection(t *testing.T) {
	testCases := map[string]struct {
		path           string
		body           string
		headers        map[string]string
		svcErr         error
		expectedStatus int
		expectedUpdate service.SelectionUpdate
	}{
		"should set an explicit status": {
			path:           "/orders/o1/guests/a/selections/0",
			body:           `{"status":"servi"}`,
			expectedStatus: http.StatusOK,
			expectedUpdate: service.SelectionUpdate{GuestKey: "a", Index: 0, Status: entity.ServingServed},
		},
		"should take the request id from the idempotency header": {
			path:           "/orders/o1/guests/b/selections/2",
			body:           `{"toggle":true,"from":"pending"}`,
			headers:        map[string]string{IdempotencyHeader: "req-1"},
			expectedStatus: http.StatusOK,
			expectedUpdate: service.SelectionUpdate{GuestKey: "b", Index: 2, Toggle: true, From: entity.ServingPending, RequestID: "req-1"},
		},
		"should reject a non numeric index": {
			path:           "/orders/o1/guests/a/selections/first",
			body:           `{"status":"servi"}`,
			expectedStatus: http.StatusBadRequest,
		},
		"should map invalid targets to 422": {
			path:           "/orders/o1/guests/zz/selections/0",
			body:           `{"status":"servi"}`,
			svcErr:         errorbank.InvalidTarget("selection does not exist"),
			expectedStatus: http.StatusUnprocessableEntity,
			expectedUpdate: service.SelectionUpdate{GuestKey: "zz", Index: 0, Status: entity.ServingServed},
		},
		"should map an unavailable store to 503": {
			path:           "/orders/o1/guests/a/selections/0",
			body:           `{"toggle":true}`,
			svcErr:         errorbank.Unavailable("order store timed out"),
			expectedStatus: http.StatusServiceUnavailable,
			expectedUpdate: service.SelectionUpdate{GuestKey: "a", Index: 0, Toggle: true},
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			svc := &fakeService{order: sampleOrder(), err: tc.svcErr}
			rec, _ := do(t, newTestServer(svc), http.MethodPatch, tc.path, tc.body, tc.headers)

			assert.Equal(t, tc.expectedStatus, rec.Code)
			assert.Equal(t, tc.expectedUpdate, svc.lastUpdate)
		})
	}
}

func TestHandler_SetStatus(t *testing.T) {
	svc := &fakeService{order: sampleOrder(), err: errorbank.InvalidTransition("order status cannot change")}
	rec, env := do(t, newTestServer(svc), http.MethodPost, "/orders/o1/status", `{"status":"cancelled"}`, nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(errorbank.KindInvalidTransition), env.Error.Kind)
	assert.Equal(t, entity.OrderCancelled, svc.lastStatus)

	rec, _ = do(t, newTestServer(svc), http.MethodPost, "/orders/o1/status", `{"status":"archived"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_ListByWinery(t *testing.T) {
	svc := &fakeService{order: sampleOrder()}
	rec, env := do(t, newTestServer(svc), http.MethodGet, "/wineries/clos/orders?status=active", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "clos", svc.lastWinery)

	var orders []struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, "o1", orders[0].ID)
}
