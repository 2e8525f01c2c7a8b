package orders

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// Validation: rejected before any store access.
	ErrInvalidOrder = errors.New("invalid order")

	// Business rule failures, safe to report with the product id.
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrProductNotFound   = errors.New("product not found")

	// Infrastructure failures. The cause is kept for logs only.
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrLockTimeout      = errors.New("lock wait timeout")

	ErrOrderNotFound = errors.New("order not found")
)

// StockError reports which product stopped the order. Kind is either
// ErrInsufficientStock or ErrProductNotFound.
type StockError struct {
	Kind      error
	ProductID string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	if errors.Is(e.Kind, ErrProductNotFound) {
		return fmt.Sprintf("Product ID %s not found", e.ProductID)
	}
	return fmt.Sprintf("Insufficient stock for product ID %s", e.ProductID)
}

func (e *StockError) Unwrap() error { return e.Kind }

// ValidationError maps field paths (items, items.0.quantity, ...) to messages.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string][]string{}
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

func (e *ValidationError) Empty() bool { return len(e.Fields) == 0 }

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], ", "))
	}
	return "invalid order: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidOrder }

// IsBusiness reports whether err is an expected, caller-recoverable failure.
func IsBusiness(err error) bool {
	return errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrProductNotFound)
}

func unavailable(err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
