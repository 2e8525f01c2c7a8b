package orders

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store runs a unit of work atomically. If fn returns an error every write
// made through tx is discarded and all row locks are released.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the only path that may change product quantities.
type Tx interface {
	// LockProducts takes an exclusive lock on each existing product in ids
	// and returns the locked rows keyed by id. Missing ids are absent from
	// the map. Blocks while another transaction holds any of the rows.
	LockProducts(ctx context.Context, ids []string) (map[string]Product, error)
	InsertOrder(ctx context.Context, o Order) error
	InsertOrderItem(ctx context.Context, it OrderItem) error
	// DecrementStock subtracts qty from a product locked by this transaction.
	DecrementStock(ctx context.Context, productID string, qty int) error
}

// Catalog holds the non-locking read side and administrative writes.
type Catalog interface {
	ListProducts(ctx context.Context) ([]Product, error)
	GetProduct(ctx context.Context, id string) (Product, error)
	// FindProducts returns the subset of ids that exist right now. Used by
	// request validation only; the answer can be stale by the time a
	// transaction locks the rows.
	FindProducts(ctx context.Context, ids []string) (map[string]Product, error)
	CreateProduct(ctx context.Context, p Product) (Product, error)
	// UpdatePrice changes the unit price. Existing order items keep their
	// snapshot.
	UpdatePrice(ctx context.Context, id string, price decimal.Decimal) (Product, error)
}

type Ledger interface {
	GetOrder(ctx context.Context, id string) (Order, []OrderItem, error)
}
