package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stock_reservation/internal/compensation"
	"stock_reservation/internal/ledger"
	"stock_reservation/internal/metrics"
	"stock_reservation/internal/model"
	"stock_reservation/internal/order"
	"stock_reservation/internal/reservation"
	rediskey "stock_reservation/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminToken = "secret"

type testServer struct {
	engine *gin.Engine
	ledger *ledger.MemoryLedger
	mgr    *reservation.Manager
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	l := ledger.NewMemoryLedger()
	mgr := reservation.NewManager(l, compensation.NewMemoryLog(), reservation.Options{Metrics: m})
	coord := order.NewCoordinator(mgr, l, order.NewMemoryStore(), order.Options{Metrics: m, ReservationTTL: time.Minute})

	r := gin.New()
	Setup(r, Deps{
		Orders:       coord,
		Ledger:       l,
		Reservations: mgr,
		Idempotency:  rediskey.NewIdempotency(rdb, time.Hour),
		Metrics:      metrics.Handler(reg),
		AdminToken:   adminToken,
		Logger:       zerolog.Nop(),
	})
	return &testServer{engine: r, ledger: l, mgr: mgr}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w.Code, env
}

func (s *testServer) restock(t *testing.T, productID string, qty int64) {
	t.Helper()
	code, _ := s.do(t, http.MethodPost, "/api/admin/stock/"+productID+"/restock",
		gin.H{"quantity": qty}, map[string]string{"X-Admin-Token": adminToken})
	require.Equal(t, http.StatusOK, code)
}

type orderJSON struct {
	ID                  string `json:"order_id"`
	Status              string `json:"status"`
	NeedsReconciliation bool   `json:"needs_reconciliation"`
	Total               string `json:"total"`
	Lines               []struct {
		ProductID     string `json:"product_id"`
		Quantity      int64  `json:"quantity"`
		ReservationID string `json:"reservation_id"`
	} `json:"lines"`
}

func decodeOrder(t *testing.T, env envelope) orderJSON {
	t.Helper()
	var o orderJSON
	require.NoError(t, json.Unmarshal(env.Data, &o))
	return o
}

func orderBody(lines ...gin.H) gin.H { return gin.H{"lines": lines} }

func TestPing(t *testing.T) {
	s := setupServer(t)
	code, env := s.do(t, http.MethodGet, "/ping", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pong", env.Msg)
}

func TestOrderLifecycle(t *testing.T) {
	s := setupServer(t)
	s.restock(t, "P1", 10)

	code, env := s.do(t, http.MethodPost, "/api/orders",
		orderBody(gin.H{"product_id": "P1", "quantity": 3, "unit_price": "2.50"}), nil)
	require.Equal(t, http.StatusOK, code, env.Msg)
	o := decodeOrder(t, env)
	assert.Equal(t, "pending", o.Status)
	assert.Equal(t, "7.5", o.Total)
	require.Len(t, o.Lines, 1)

	code, env = s.do(t, http.MethodGet, "/api/reservations/"+o.Lines[0].ReservationID, nil, nil)
	require.Equal(t, http.StatusOK, code)
	var r model.Reservation
	require.NoError(t, json.Unmarshal(env.Data, &r))
	assert.Equal(t, model.ReservationPending, r.State)

	for _, step := range []struct{ action, status string }{
		{"confirm", "confirmed"},
		{"confirm", "confirmed"},
		{"fulfill", "fulfilled"},
	} {
		code, env = s.do(t, http.MethodPost, "/api/orders/"+o.ID+"/"+step.action, nil, nil)
		require.Equal(t, http.StatusOK, code, env.Msg)
		assert.Equal(t, step.status, decodeOrder(t, env).Status)
	}

	code, env = s.do(t, http.MethodPost, "/api/orders/"+o.ID+"/return",
		gin.H{"lines": []gin.H{{"product_id": "P1", "quantity": 1}}}, nil)
	require.Equal(t, http.StatusOK, code, env.Msg)
	assert.Equal(t, "fulfilled", decodeOrder(t, env).Status, "partial return")

	code, env = s.do(t, http.MethodGet, "/api/stock/P1", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var rec model.StockRecord
	require.NoError(t, json.Unmarshal(env.Data, &rec))
	assert.Equal(t, int64(8), rec.Available)
	assert.Equal(t, int64(0), rec.Reserved)
	assert.Equal(t, int64(3), rec.Sold)

	code, env = s.do(t, http.MethodPost, "/api/orders/"+o.ID+"/return", nil, nil)
	require.Equal(t, http.StatusOK, code, env.Msg)
	assert.Equal(t, "returned", decodeOrder(t, env).Status)

	code, _ = s.do(t, http.MethodPost, "/api/orders/"+o.ID+"/return",
		gin.H{"lines": []gin.H{{"product_id": "P1", "quantity": 1}}}, nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestReturnWholeOrderWithoutBody(t *testing.T) {
	s := setupServer(t)
	s.restock(t, "P", 5)
	_, env := s.do(t, http.MethodPost, "/api/orders", orderBody(gin.H{"product_id": "P", "quantity": 2, "unit_price": 1}), nil)
	id := decodeOrder(t, env).ID
	s.do(t, http.MethodPost, "/api/orders/"+id+"/confirm", nil, nil)
	s.do(t, http.MethodPost, "/api/orders/"+id+"/fulfill", nil, nil)

	code, env := s.do(t, http.MethodPost, "/api/orders/"+id+"/return", nil, nil)
	require.Equal(t, http.StatusOK, code, env.Msg)
	rec, err := s.ledger.Snapshot(context.Background(), "P")
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.Available)
}

func TestPlaceOrder_InsufficientStockIsConflict(t *testing.T) {
	s := setupServer(t)
	s.restock(t, "P1", 10)
	s.restock(t, "P2", 3)

	code, env := s.do(t, http.MethodPost, "/api/orders", orderBody(
		gin.H{"product_id": "P1", "quantity": 5, "unit_price": "1"},
		gin.H{"product_id": "P2", "quantity": 1000000, "unit_price": "1"},
	), nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, 409, env.Code)
	var data struct {
		ProductID string `json:"product_id"`
		Available int64  `json:"available"`
		LineIndex int    `json:"line_index"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "P2", data.ProductID)
	assert.Equal(t, int64(3), data.Available)
	assert.Equal(t, 1, data.LineIndex)

	rec, err := s.ledger.Snapshot(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.Available)
}

func TestErrorMapping(t *testing.T) {
	s := setupServer(t)
	s.restock(t, "P", 5)
	_, env := s.do(t, http.MethodPost, "/api/orders", orderBody(gin.H{"product_id": "P", "quantity": 1, "unit_price": 1}), nil)
	id := decodeOrder(t, env).ID

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"bad json", http.MethodPost, "/api/orders", "nope", http.StatusBadRequest},
		{"no lines", http.MethodPost, "/api/orders", gin.H{"lines": []gin.H{}}, http.StatusBadRequest},
		{"zero quantity", http.MethodPost, "/api/orders", orderBody(gin.H{"product_id": "P", "quantity": 0}), http.StatusBadRequest},
		{"unknown product", http.MethodPost, "/api/orders", orderBody(gin.H{"product_id": "Z", "quantity": 1}), http.StatusNotFound},
		{"unknown order", http.MethodGet, "/api/orders/missing", nil, http.StatusNotFound},
		{"unknown reservation", http.MethodGet, "/api/reservations/missing", nil, http.StatusNotFound},
		{"unknown stock", http.MethodGet, "/api/stock/missing", nil, http.StatusNotFound},
		{"fulfill pending", http.MethodPost, "/api/orders/" + id + "/fulfill", nil, http.StatusConflict},
		{"return pending", http.MethodPost, "/api/orders/" + id + "/return", nil, http.StatusConflict},
		{"restock without token", http.MethodPost, "/api/admin/stock/P/restock", gin.H{"quantity": 1}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := s.do(t, tc.method, tc.path, tc.body, nil)
			assert.Equal(t, tc.want, code)
		})
	}

	code, _ := s.do(t, http.MethodPost, "/api/admin/stock/P/restock", gin.H{"quantity": 0},
		map[string]string{"X-Admin-Token": adminToken})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPartialConfirmationReportsReconcile(t *testing.T) {
	s := setupServer(t)
	s.restock(t, "A", 5)
	s.restock(t, "B", 5)
	_, env := s.do(t, http.MethodPost, "/api/orders", orderBody(
		gin.H{"product_id": "A", "quantity": 1, "unit_price": 1},
		gin.H{"product_id": "B", "quantity": 1, "unit_price": 1},
	), nil)
	o := decodeOrder(t, env)
	require.NoError(t, s.mgr.ReleaseLine(context.Background(), o.Lines[1].ReservationID))

	code, env := s.do(t, http.MethodPost, "/api/orders/"+o.ID+"/confirm", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	var data struct {
		Reconcile bool     `json:"reconcile"`
		Confirmed []string `json:"confirmed"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.True(t, data.Reconcile)
	assert.Equal(t, []string{o.Lines[0].ReservationID}, data.Confirmed)

	code, env = s.do(t, http.MethodGet, "/api/admin/reconciliation", nil, map[string]string{"X-Admin-Token": adminToken})
	require.Equal(t, http.StatusOK, code)
	var list []orderJSON
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.True(t, list[0].NeedsReconciliation)
}

func TestPlaceOrder_IdempotencyKey(t *testing.T) {
	s := setupServer(t)
	s.restock(t, "P", 10)
	headers := map[string]string{IdempotencyHeader: "req-1"}
	body := orderBody(gin.H{"product_id": "P", "quantity": 4, "unit_price": 1})

	code, env := s.do(t, http.MethodPost, "/api/orders", body, headers)
	require.Equal(t, http.StatusOK, code)
	first := decodeOrder(t, env)

	code, env = s.do(t, http.MethodPost, "/api/orders", body, headers)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, first.ID, decodeOrder(t, env).ID)

	rec, err := s.ledger.Snapshot(context.Background(), "P")
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.Reserved, "replayed request must not reserve again")

	// 失败的请求释放幂等键，可以用同一个 key 重试
	failing := map[string]string{IdempotencyHeader: "req-2"}
	code, _ = s.do(t, http.MethodPost, "/api/orders", orderBody(gin.H{"product_id": "P", "quantity": 100, "unit_price": 1}), failing)
	require.Equal(t, http.StatusConflict, code)
	code, _ = s.do(t, http.MethodPost, "/api/orders", orderBody(gin.H{"product_id": "P", "quantity": 1, "unit_price": 1}), failing)
	assert.Equal(t, http.StatusOK, code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupServer(t)
	s.restock(t, "P", 1)
	s.do(t, http.MethodPost, "/api/orders", orderBody(gin.H{"product_id": "P", "quantity": 1, "unit_price": 1}), nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `stock_reservation_reservations_total{outcome="reserved"} 1`)
}

type failingOrders struct {
	Orders
}

func (failingOrders) GetOrder(context.Context, string) (*model.Order, error) {
	return nil, errors.New("db down")
}

func TestUnexpectedErrorIs500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	Setup(r, Deps{Orders: failingOrders{}, Logger: zerolog.Nop()})

	req := httptest.NewRequest(http.MethodGet, "/api/orders/x", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// cancellingOrders 模拟下单过程中客户端断开。
type cancellingOrders struct {
	Orders
	cancel context.CancelFunc
}

func (o cancellingOrders) PlaceOrder(ctx context.Context, _ []order.LineRequest) (*model.Order, error) {
	o.cancel()
	return nil, ctx.Err()
}

func TestPlaceOrder_ClientGoneReleasesIdempotencyKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	idem := rediskey.NewIdempotency(rdb, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := gin.New()
	Setup(r, Deps{Orders: cancellingOrders{cancel: cancel}, Idempotency: idem, Logger: zerolog.Nop()})

	b, err := json.Marshal(orderBody(gin.H{"product_id": "P", "quantity": 1, "unit_price": 1}))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(b)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, "req-gone")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	_, claimed, err := idem.Claim(context.Background(), "req-gone")
	require.NoError(t, err)
	assert.True(t, claimed, "key must not stay pending after the client went away")
}
