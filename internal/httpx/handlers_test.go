package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-atomic-orders/internal/memstore"
	"github.com/ariefcatur/go-atomic-orders/internal/orders"
	"github.com/ariefcatur/go-atomic-orders/internal/redisx"
)

type published struct {
	key     []byte
	value   []byte
	headers []kafkago.Header
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) Publish(key, value []byte, headers ...kafkago.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{key: key, value: value, headers: headers})
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type app struct {
	store *memstore.Store
	cache *redisx.MemCache
	pub   *fakePublisher
	mux   *chi.Mux
}

func setupApp(t *testing.T) *app {
	t.Helper()
	a := &app{store: memstore.New(time.Second), cache: redisx.NewMemCache(), pub: &fakePublisher{}}
	a.mux = a.router(orders.NewService(a.store, zap.NewNop(), 2*time.Second))
	return a
}

func (a *app) router(placer Placer) *chi.Mux {
	mux := NewRouter(zap.NewNop())
	oh := &OrdersHandler{Orders: placer, Catalog: a.store, Ledger: a.store, Cache: a.cache, Producer: a.pub, Service: "order-api"}
	oh.Register(mux)
	ph := &ProductsHandler{Catalog: a.store, Cache: a.cache}
	ph.Register(mux)
	return mux
}

func (a *app) product(t *testing.T, price string, qty int) orders.Product {
	t.Helper()
	p, err := a.store.CreateProduct(context.Background(), orders.Product{Name: "p" + price, Price: decimal.RequireFromString(price), Quantity: qty})
	require.NoError(t, err)
	return p
}

func (a *app) stock(t *testing.T, id string) int {
	t.Helper()
	p, err := a.store.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Quantity
}

func (a *app) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	a.mux.ServeHTTP(rr, req)
	return rr
}

func orderBody(lines ...any) string {
	items := make([]map[string]any, 0, len(lines)/2)
	for i := 0; i+1 < len(lines); i += 2 {
		items = append(items, map[string]any{"product_id": lines[i], "quantity": lines[i+1]})
	}
	b, _ := json.Marshal(map[string]any{"items": items})
	return string(b)
}

func decodeReceipt(t *testing.T, rr *httptest.ResponseRecorder) ReceiptResp {
	t.Helper()
	var r ReceiptResp
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &r), rr.Body.String())
	return r
}

func decodeValidation(t *testing.T, rr *httptest.ResponseRecorder) validationResp {
	t.Helper()
	var v validationResp
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestCreateOrder_OneItem(t *testing.T) {
	a := setupApp(t)
	p := a.product(t, "100.00", 10)

	rr := a.do(http.MethodPost, "/orders", orderBody(p.ID, 3))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	r := decodeReceipt(t, rr)
	assert.NotEmpty(t, r.OrderID)
	assert.Equal(t, "300.00", r.Total)
	require.Len(t, r.Items, 1)
	assert.Equal(t, ReceiptLineResp{ProductID: p.ID, Quantity: 3, Price: "100.00"}, r.Items[0])
	assert.Equal(t, 7, a.stock(t, p.ID))

	_, items, err := a.store.GetOrder(context.Background(), r.OrderID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, p.ID, items[0].ProductID)
}

func TestCreateOrder_TwoItems(t *testing.T) {
	a := setupApp(t)
	p1 := a.product(t, "50.00", 20)
	p2 := a.product(t, "75.00", 15)

	rr := a.do(http.MethodPost, "/orders", orderBody(p1.ID, 2, p2.ID, 3))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	r := decodeReceipt(t, rr)
	assert.Equal(t, "325.00", r.Total)
	require.Len(t, r.Items, 2)
	assert.Equal(t, "50.00", r.Items[0].Price)
	assert.Equal(t, "75.00", r.Items[1].Price)
	assert.Equal(t, 18, a.stock(t, p1.ID))
	assert.Equal(t, 12, a.stock(t, p2.ID))
}

func TestCreateOrder_InsufficientStock(t *testing.T) {
	a := setupApp(t)
	p := a.product(t, "10.00", 5)

	rr := a.do(http.MethodPost, "/orders", orderBody(p.ID, 10))
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"error":"Insufficient stock for product ID %s"}`, p.ID), rr.Body.String())
	assert.Equal(t, 5, a.stock(t, p.ID))
	nOrders, _ := a.store.Counts()
	assert.Zero(t, nOrders)
	assert.Zero(t, a.pub.count())
}

func TestCreateOrder_ValidationErrors(t *testing.T) {
	a := setupApp(t)
	p := a.product(t, "1.00", 5)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"empty items", `{"items":[]}`, "items"},
		{"missing items", `{}`, "items"},
		{"unknown product", orderBody("999", 1), "items.0.product_id"},
		{"zero quantity", orderBody(p.ID, 0), "items.0.quantity"},
		{"negative quantity on second line", orderBody(p.ID, 1, p.ID, -1), "items.1.quantity"},
		{"quantity beyond column range", orderBody(p.ID, int64(orders.MaxQuantity)+1), "items.0.quantity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(http.MethodPost, "/orders", tt.body)
			require.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())
			assert.Contains(t, decodeValidation(t, rr).Errors, tt.field)
		})
	}
	assert.Equal(t, 5, a.stock(t, p.ID))
}

func TestCreateOrder_InvalidJSON(t *testing.T) {
	a := setupApp(t)
	rr := a.do(http.MethodPost, "/orders", `{"items":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

type brokenPlacer struct{ err error }

func (b brokenPlacer) PlaceOrder(context.Context, []orders.ItemInput) (orders.Receipt, error) {
	return orders.Receipt{}, b.err
}

func TestCreateOrder_InfrastructureFailureIsOpaque(t *testing.T) {
	a := setupApp(t)
	p := a.product(t, "1.00", 5)
	a.mux = a.router(brokenPlacer{err: fmt.Errorf("%w: dial tcp 10.0.0.7:5432: connection refused", orders.ErrStoreUnavailable)})

	rr := a.do(http.MethodPost, "/orders", orderBody(p.ID, 1), "Idempotency-Key", "k-broken")
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"error":"Failed to create order"}`, rr.Body.String())
	assert.NotContains(t, rr.Body.String(), "10.0.0.7")

	// the key is released so the client can retry
	_, ok, _ := a.cache.Get(context.Background(), fmt.Sprintf(redisx.KeyIdemOrderCreate, "k-broken"))
	assert.False(t, ok)
}

func TestCreateOrder_PublishesOrderPlaced(t *testing.T) {
	a := setupApp(t)
	p := a.product(t, "2.00", 5)

	rr := a.do(http.MethodPost, "/orders", orderBody(p.ID, 2))
	require.Equal(t, http.StatusCreated, rr.Code)
	r := decodeReceipt(t, rr)

	require.Equal(t, 1, a.pub.count())
	msg := a.pub.msgs[0]
	assert.Equal(t, r.OrderID, string(msg.key))

	var env orders.Envelope
	require.NoError(t, json.Unmarshal(msg.value, &env))
	assert.Equal(t, orders.EventOrderPlaced, env.EventType)
	assert.Equal(t, r.OrderID, env.CorrelationID)
	var payload orders.OrderPlacedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "4.00", payload.Total)
}

func TestCreateOrder_IdempotentReplay(t *testing.T) {
	a := setupApp(t)
	p := a.product(t, "5.00", 10)

	first := a.do(http.MethodPost, "/orders", orderBody(p.ID, 4), "Idempotency-Key", "abc")
	require.Equal(t, http.StatusCreated, first.Code)
	second := a.do(http.MethodPost, "/orders", orderBody(p.ID, 4), "Idempotency-Key", "abc")
	require.Equal(t, http.StatusCreated, second.Code)

	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, decodeReceipt(t, first), decodeReceipt(t, second))
	assert.Equal(t, 6, a.stock(t, p.ID))
	nOrders, _ := a.store.Counts()
	assert.Equal(t, 1, nOrders)
	assert.Equal(t, 1, a.pub.count())
}

func TestCreateOrder_IdempotencyKeyInFlight(t *testing.T) {
	a := setupApp(t)
	p := a.product(t, "5.00", 10)
	_ = a.cache.Set(context.Background(), fmt.Sprintf(redisx.KeyIdemOrderCreate, "busy"), redisx.IdemPending, time.Minute)

	rr := a.do(http.MethodPost, "/orders", orderBody(p.ID, 1), "Idempotency-Key", "busy")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, 10, a.stock(t, p.ID))
}

func TestCreateOrder_ConcurrentRequestsOneWinner(t *testing.T) {
	a := setupApp(t)
	p := a.product(t, "1.00", 10)

	codes := make([]int, 2)
	var g errgroup.Group
	for i := range codes {
		i := i
		g.Go(func() error {
			codes[i] = a.do(http.MethodPost, "/orders", orderBody(p.ID, 6)).Code
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.ElementsMatch(t, []int{http.StatusCreated, http.StatusConflict}, codes)
	assert.Equal(t, 4, a.stock(t, p.ID))
}

func TestGetOrder(t *testing.T) {
	a := setupApp(t)
	p := a.product(t, "3.30", 10)

	created := decodeReceipt(t, a.do(http.MethodPost, "/orders", orderBody(p.ID, 3)))

	// drop the cached copy to read through the ledger
	_ = a.cache.Del(context.Background(), fmt.Sprintf(redisx.KeyOrderReceipt, created.OrderID))
	rr := a.do(http.MethodGet, "/orders/"+created.OrderID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, created, decodeReceipt(t, rr))
	assert.Equal(t, "9.90", created.Total)

	rr = a.do(http.MethodGet, "/orders/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPriceChangeKeepsOrderSnapshot(t *testing.T) {
	a := setupApp(t)
	p := a.product(t, "100.00", 10)
	created := decodeReceipt(t, a.do(http.MethodPost, "/orders", orderBody(p.ID, 1)))

	rr := a.do(http.MethodPut, "/products/"+p.ID+"/price", `{"price":"120.50"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var pr ProductResp
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pr))
	assert.Equal(t, "120.50", pr.Price)

	_ = a.cache.Del(context.Background(), fmt.Sprintf(redisx.KeyOrderReceipt, created.OrderID))
	got := decodeReceipt(t, a.do(http.MethodGet, "/orders/"+created.OrderID, ""))
	assert.Equal(t, "100.00", got.Items[0].Price)
	assert.Equal(t, "100.00", got.Total)
}

func TestUpdatePriceValidation(t *testing.T) {
	a := setupApp(t)
	p := a.product(t, "1.00", 1)

	assert.Equal(t, http.StatusUnprocessableEntity, a.do(http.MethodPut, "/products/"+p.ID+"/price", `{"price":-1}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, a.do(http.MethodPut, "/products/"+p.ID+"/price", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPut, "/products/nope/price", `{"price":2}`).Code)
}

func TestProducts(t *testing.T) {
	a := setupApp(t)
	p := a.product(t, "249.99", 50)

	rr := a.do(http.MethodGet, "/products", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list []ProductResp
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "249.99", list[0].Price)

	rr = a.do(http.MethodGet, "/products/"+p.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	_, cached, _ := a.cache.Get(context.Background(), fmt.Sprintf(redisx.KeyProduct, p.ID))
	assert.True(t, cached)

	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/products/missing", "").Code)
}

func TestHealthz(t *testing.T) {
	a := setupApp(t)
	rr := a.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

// ctxCache fails like go-redis does once the caller's context is done.
type ctxCache struct{ *redisx.MemCache }

func (c ctxCache) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	return c.MemCache.Get(ctx, key)
}

func (c ctxCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.MemCache.Set(ctx, key, value, ttl)
}

func (c ctxCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.MemCache.SetNX(ctx, key, value, ttl)
}

func (c ctxCache) Del(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.MemCache.Del(ctx, keys...)
}

// hangUpPlacer places the order and then cancels the request, as a client
// disconnecting right after the commit would.
type hangUpPlacer struct {
	Placer
	cancel context.CancelFunc
}

func (p hangUpPlacer) PlaceOrder(ctx context.Context, items []orders.ItemInput) (orders.Receipt, error) {
	r, err := p.Placer.PlaceOrder(ctx, items)
	p.cancel()
	return r, err
}

func TestCreateOrder_ClientGoneAfterCommitStillRecordsIdempotencyKey(t *testing.T) {
	a := setupApp(t)
	p := a.product(t, "1.00", 10)
	cache := ctxCache{a.cache}
	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := NewRouter(zap.NewNop())
	oh := &OrdersHandler{
		Orders:   hangUpPlacer{Placer: orders.NewService(a.store, zap.NewNop(), 0), cancel: cancel},
		Catalog:  a.store,
		Ledger:   a.store,
		Cache:    cache,
		Producer: a.pub,
	}
	oh.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(orderBody(p.ID, 1))).WithContext(reqCtx)
	req.Header.Set("Idempotency-Key", "gone")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)
	placed := decodeReceipt(t, rr)

	v, ok, _ := a.cache.Get(context.Background(), fmt.Sprintf(redisx.KeyIdemOrderCreate, "gone"))
	require.True(t, ok)
	assert.Equal(t, placed.OrderID, v)

	// the retry replays instead of reporting the key as in flight
	retry := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(orderBody(p.ID, 1)))
	retry.Header.Set("Idempotency-Key", "gone")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, retry)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "true", rr.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, placed.OrderID, decodeReceipt(t, rr).OrderID)
	assert.Equal(t, 9, a.stock(t, p.ID))
}

func TestCreateOrder_InvalidatesCachedProducts(t *testing.T) {
	a := setupApp(t)
	p := a.product(t, "1.00", 10)
	other := a.product(t, "2.00", 10)

	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/products/"+p.ID, "").Code)
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/products/"+other.ID, "").Code)

	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/orders", orderBody(p.ID, 3)).Code)

	_, cached, _ := a.cache.Get(context.Background(), fmt.Sprintf(redisx.KeyProduct, p.ID))
	assert.False(t, cached)
	_, cached, _ = a.cache.Get(context.Background(), fmt.Sprintf(redisx.KeyProduct, other.ID))
	assert.True(t, cached)

	rr := a.do(http.MethodGet, "/products/"+p.ID, "")
	var pr ProductResp
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pr))
	assert.Equal(t, 7, pr.Quantity)
}
