package orders

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-atomic-orders/internal/orders")

type Service struct {
	Store     Store
	Log       *zap.Logger
	TxTimeout time.Duration // zero means the caller's deadline only
	Now       func() time.Time
}

func NewService(store Store, log *zap.Logger, txTimeout time.Duration) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{Store: store, Log: log, TxTimeout: txTimeout, Now: time.Now}
}

// PlaceOrder reserves stock for every line and records the order in one
// transaction. Either all lines are applied or none is.
//
// Lines are checked in input order; the first missing product yields a
// *StockError wrapping ErrProductNotFound, the first line whose cumulative
// demand exceeds the locked stock yields one wrapping ErrInsufficientStock.
// A product listed on several lines stays several lines, each with its own
// price snapshot. Any other failure is wrapped in ErrStoreUnavailable.
func (s *Service) PlaceOrder(ctx context.Context, items []ItemInput) (Receipt, error) {
	ctx, span := tracer.Start(ctx, "orders.PlaceOrder", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(attribute.Int("order.lines", len(items)))

	if err := ValidateItems(items); err != nil {
		span.SetStatus(codes.Error, "invalid order")
		return Receipt{}, err
	}

	if s.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.TxTimeout)
		defer cancel()
	}

	ids := DistinctProductIDs(items)
	span.SetAttributes(attribute.Int("order.products", len(ids)))

	var receipt Receipt
	err := s.Store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		locked, err := tx.LockProducts(ctx, ids)
		if err != nil {
			return err
		}
		if err := checkStock(items, locked); err != nil {
			return err
		}

		now := s.now()
		order := Order{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}

		receipt = Receipt{OrderID: order.ID, CreatedAt: now, Items: make([]ReceiptLine, 0, len(items)), Total: decimal.Zero}
		for i, it := range items {
			p := locked[it.ProductID]
			item := OrderItem{
				ID:        uuid.NewString(),
				OrderID:   order.ID,
				ProductID: p.ID,
				Line:      i,
				Quantity:  it.Quantity,
				Price:     p.Price,
				CreatedAt: now,
			}
			if err := tx.InsertOrderItem(ctx, item); err != nil {
				return err
			}
			if err := tx.DecrementStock(ctx, p.ID, it.Quantity); err != nil {
				return err
			}
			line := ReceiptLine{ProductID: p.ID, Quantity: it.Quantity, Price: p.Price}
			receipt.Items = append(receipt.Items, line)
			receipt.Total = receipt.Total.Add(line.LineTotal())
		}
		return nil
	})

	switch {
	case err == nil:
		span.SetAttributes(attribute.String("order.id", receipt.OrderID))
		s.Log.Info("order placed",
			zap.String("order_id", receipt.OrderID),
			zap.Int("lines", len(receipt.Items)),
			zap.String("total", receipt.Total.StringFixed(2)),
		)
		return receipt, nil
	case IsBusiness(err):
		var se *StockError
		if errors.As(err, &se) {
			s.Log.Info("order rejected",
				zap.String("product_id", se.ProductID),
				zap.Int("requested", se.Requested),
				zap.Int("available", se.Available),
				zap.Error(se.Kind),
			)
		}
		span.SetStatus(codes.Error, err.Error())
		return Receipt{}, err
	default:
		s.Log.Error("order transaction failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
		return Receipt{}, unavailable(err)
	}
}

// checkStock runs the existence pass and then the sufficiency pass, both in
// input order. Demand for a product is cumulative across its lines.
func checkStock(items []ItemInput, locked map[string]Product) error {
	for _, it := range items {
		if _, ok := locked[it.ProductID]; !ok {
			return &StockError{Kind: ErrProductNotFound, ProductID: it.ProductID, Requested: it.Quantity}
		}
	}
	demand := make(map[string]int, len(locked))
	for _, it := range items {
		p := locked[it.ProductID]
		prior := demand[it.ProductID]
		// compare against what is left so the running sum never overflows
		if it.Quantity > p.Quantity-prior {
			requested := math.MaxInt
			if it.Quantity <= math.MaxInt-prior {
				requested = prior + it.Quantity
			}
			return &StockError{
				Kind:      ErrInsufficientStock,
				ProductID: it.ProductID,
				Requested: requested,
				Available: p.Quantity,
			}
		}
		demand[it.ProductID] = prior + it.Quantity
	}
	return nil
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}
