package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-atomic-orders/internal/kafka"
	"github.com/ariefcatur/go-atomic-orders/internal/orders"
	"github.com/ariefcatur/go-atomic-orders/internal/redisx"
)

// ProductsHandler serves the catalogue. It never writes stock.
type ProductsHandler struct {
	Catalog orders.Catalog
	Cache   redisx.Cache // optional read cache
	Log     *zap.Logger
}

type ProductResp struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Price       string    `json:"price"`
	Quantity    int       `json:"quantity"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type UpdatePriceReq struct {
	Price *decimal.Decimal `json:"price"`
}

func toProductResp(p orders.Product) ProductResp {
	return ProductResp{ID: p.ID, Name: p.Name, Description: p.Description, Price: p.Price.StringFixed(2), Quantity: p.Quantity, UpdatedAt: p.UpdatedAt}
}

func (h *ProductsHandler) Register(r chi.Router) {
	r.Get("/products", h.listProducts)
	r.Get("/products/{id}", h.getProduct)
	r.Put("/products/{id}/price", h.updatePrice)
}

func (h *ProductsHandler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h *ProductsHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Catalog.ListProducts(r.Context())
	if err != nil {
		h.log().Error("list products", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to list products")
		return
	}
	out := make([]ProductResp, 0, len(ps))
	for _, p := range ps {
		out = append(out, toProductResp(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ProductsHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	key := fmt.Sprintf(redisx.KeyProduct, id)

	// 1) cache
	if h.Cache != nil {
		if s, ok, err := h.Cache.Get(ctx, key); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(s))
			return
		}
	}

	// 2) store
	p, err := h.Catalog.GetProduct(ctx, id)
	if errors.Is(err, orders.ErrProductNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		h.log().Error("get product", zap.String("product_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load product")
		return
	}
	resp := toProductResp(p)
	if h.Cache != nil {
		_ = h.Cache.Set(ctx, key, string(kafkax.MustMarshal(resp)), redisx.TTLProductCache)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ProductsHandler) updatePrice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req UpdatePriceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Price == nil || req.Price.IsNegative() {
		writeJSON(w, http.StatusUnprocessableEntity, validationResp{
			Message: "The given data was invalid.",
			Errors:  map[string][]string{"price": {"The price must be a number of at least 0."}},
		})
		return
	}

	p, err := h.Catalog.UpdatePrice(r.Context(), id, req.Price.Round(2))
	if errors.Is(err, orders.ErrProductNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		h.log().Error("update price", zap.String("product_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to update price")
		return
	}
	if h.Cache != nil {
		_ = h.Cache.Del(r.Context(), fmt.Sprintf(redisx.KeyProduct, id))
	}
	writeJSON(w, http.StatusOK, toProductResp(p))
}
