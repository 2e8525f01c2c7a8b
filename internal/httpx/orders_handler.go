package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-atomic-orders/internal/kafka"
	"github.com/ariefcatur/go-atomic-orders/internal/orders"
	"github.com/ariefcatur/go-atomic-orders/internal/redisx"
)

const msgCreateFailed = "Failed to create order"

type Placer interface {
	PlaceOrder(ctx context.Context, items []orders.ItemInput) (orders.Receipt, error)
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type OrdersHandler struct {
	Orders   Placer
	Catalog  orders.Catalog
	Ledger   orders.Ledger
	Cache    redisx.Cache // optional
	Producer Publisher    // optional
	Log      *zap.Logger
	Service  string

	IdempotencyTTL time.Duration
}

type CreateOrderReq struct {
	Items []orders.ItemInput `json:"items"`
}

type ReceiptLineResp struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price"`
}

type ReceiptResp struct {
	OrderID string            `json:"order_id"`
	Items   []ReceiptLineResp `json:"items"`
	Total   string            `json:"total"`
}

func toReceiptResp(r orders.Receipt) ReceiptResp {
	out := ReceiptResp{OrderID: r.OrderID, Total: r.Total.StringFixed(2), Items: make([]ReceiptLineResp, 0, len(r.Items))}
	for _, it := range r.Items {
		out.Items = append(out.Items, ReceiptLineResp{ProductID: it.ProductID, Quantity: it.Quantity, Price: it.Price.StringFixed(2)})
	}
	return out
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
}

func (h *OrdersHandler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx := r.Context()

	if err := h.validate(ctx, req.Items); err != nil {
		h.writeFailure(w, err, msgCreateFailed)
		return
	}

	idemKey := ""
	if key := r.Header.Get("Idempotency-Key"); key != "" && h.Cache != nil {
		idemKey = fmt.Sprintf(redisx.KeyIdemOrderCreate, key)
		fresh, err := h.Cache.SetNX(ctx, idemKey, redisx.IdemPending, h.idemTTL())
		switch {
		case err != nil:
			// cache down: serve the request without replay protection
			h.log().Warn("idempotency reserve failed", zap.String("key", key), zap.Error(err))
			idemKey = ""
		case !fresh:
			h.replay(w, r, idemKey)
			return
		}
	}

	receipt, err := h.Orders.PlaceOrder(ctx, req.Items)
	if err != nil {
		if idemKey != "" {
			_ = h.Cache.Del(context.WithoutCancel(ctx), idemKey)
		}
		h.writeFailure(w, err, msgCreateFailed)
		return
	}

	// The order is committed: the bookkeeping below must survive a client
	// that hangs up now.
	after := context.WithoutCancel(ctx)
	resp := toReceiptResp(receipt)
	if h.Cache != nil {
		if idemKey != "" {
			if err := h.Cache.Set(after, idemKey, receipt.OrderID, h.idemTTL()); err != nil {
				h.log().Error("idempotency record failed", zap.String("order_id", receipt.OrderID), zap.Error(err))
			}
		}
		h.cacheReceipt(after, resp)
		h.invalidateProducts(after, receipt)
	}
	h.publish(receipt, middleware.GetReqID(ctx))

	writeJSON(w, http.StatusCreated, resp)
}

// validate runs the boundary checks: request shape first, then product
// existence as of now.
func (h *OrdersHandler) validate(ctx context.Context, items []orders.ItemInput) error {
	if err := orders.ValidateItems(items); err != nil {
		return err
	}
	found, err := h.Catalog.FindProducts(ctx, orders.DistinctProductIDs(items))
	if err != nil {
		return err
	}
	return orders.ValidateExistence(items, found)
}

func (h *OrdersHandler) replay(w http.ResponseWriter, r *http.Request, idemKey string) {
	v, ok, err := h.Cache.Get(r.Context(), idemKey)
	if err != nil {
		h.writeFailure(w, err, msgCreateFailed)
		return
	}
	if !ok || v == redisx.IdemPending {
		writeError(w, http.StatusConflict, "a request with this Idempotency-Key is still in progress")
		return
	}
	resp, err := h.loadReceipt(r.Context(), v)
	if err != nil {
		h.writeFailure(w, err, msgCreateFailed)
		return
	}
	w.Header().Set("Idempotent-Replayed", "true")
	writeJSON(w, http.StatusCreated, resp)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	resp, err := h.loadReceipt(r.Context(), orderID)
	if err != nil {
		h.writeFailure(w, err, "Failed to load order")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// loadReceipt reads the receipt cache, falling back to the ledger.
func (h *OrdersHandler) loadReceipt(ctx context.Context, orderID string) (ReceiptResp, error) {
	if h.Cache != nil {
		key := fmt.Sprintf(redisx.KeyOrderReceipt, orderID)
		if s, ok, err := h.Cache.Get(ctx, key); err == nil && ok {
			var resp ReceiptResp
			if err := json.Unmarshal([]byte(s), &resp); err == nil {
				return resp, nil
			}
		}
	}
	o, items, err := h.Ledger.GetOrder(ctx, orderID)
	if err != nil {
		return ReceiptResp{}, err
	}
	resp := toReceiptResp(orders.BuildReceipt(o, items))
	h.cacheReceipt(ctx, resp)
	return resp, nil
}

func (h *OrdersHandler) cacheReceipt(ctx context.Context, resp ReceiptResp) {
	if h.Cache == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyOrderReceipt, resp.OrderID)
	if err := h.Cache.Set(ctx, key, string(kafkax.MustMarshal(resp)), redisx.TTLReceiptCache); err != nil {
		h.log().Warn("receipt cache write failed", zap.String("order_id", resp.OrderID), zap.Error(err))
	}
}

// invalidateProducts drops the read-cache entries of every product whose
// stock the order just moved. The projector does the same from the event.
func (h *OrdersHandler) invalidateProducts(ctx context.Context, r orders.Receipt) {
	keys := make([]string, 0, len(r.Items))
	seen := make(map[string]struct{}, len(r.Items))
	for _, it := range r.Items {
		if _, ok := seen[it.ProductID]; ok {
			continue
		}
		seen[it.ProductID] = struct{}{}
		keys = append(keys, fmt.Sprintf(redisx.KeyProduct, it.ProductID))
	}
	if err := h.Cache.Del(ctx, keys...); err != nil {
		h.log().Warn("product cache invalidation failed", zap.String("order_id", r.OrderID), zap.Error(err))
	}
}

func (h *OrdersHandler) publish(r orders.Receipt, traceID string) {
	if h.Producer == nil {
		return
	}
	ev, err := orders.NewOrderPlaced(h.Service, traceID, r)
	if err != nil {
		h.log().Error("build order event", zap.String("order_id", r.OrderID), zap.Error(err))
		return
	}
	h.Producer.Publish(orders.PartitionKey(r.OrderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderPlaced)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (h *OrdersHandler) idemTTL() time.Duration {
	if h.IdempotencyTTL > 0 {
		return h.IdempotencyTTL
	}
	return redisx.TTLIdempotency
}

// writeFailure maps the error taxonomy onto status codes. Infrastructure
// detail stays in the logs.
func (h *OrdersHandler) writeFailure(w http.ResponseWriter, err error, infraMsg string) {
	var verr *orders.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, validationResp{Message: "The given data was invalid.", Errors: verr.Fields})
	case orders.IsBusiness(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orders.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		h.log().Error("order request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, infraMsg)
	}
}
