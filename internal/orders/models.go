package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Order is a ledger header. It carries no state of its own: the lines and
// the derived total live in OrderItem rows.
type Order struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type OrderItem struct {
	ID        string
	OrderID   string
	ProductID string
	Line      int // position in the request, 0-based
	Quantity  int
	Price     decimal.Decimal // unit price snapshot taken under the row lock
	CreatedAt time.Time
}

// ItemInput is one requested line: which product and how many units.
type ItemInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type ReceiptLine struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// Receipt is the priced result of a placed order. Lines keep the caller's
// input order.
type Receipt struct {
	OrderID   string          `json:"order_id"`
	Items     []ReceiptLine   `json:"items"`
	Total     decimal.Decimal `json:"total"`
	CreatedAt time.Time       `json:"created_at"`
}

// LineTotal returns price * quantity for one line.
func (l ReceiptLine) LineTotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// BuildReceipt assembles a receipt from stored ledger rows, summing the
// total in row order.
func BuildReceipt(o Order, items []OrderItem) Receipt {
	r := Receipt{OrderID: o.ID, CreatedAt: o.CreatedAt, Items: make([]ReceiptLine, 0, len(items)), Total: decimal.Zero}
	for _, it := range items {
		line := ReceiptLine{ProductID: it.ProductID, Quantity: it.Quantity, Price: it.Price}
		r.Items = append(r.Items, line)
		r.Total = r.Total.Add(line.LineTotal())
	}
	return r
}
