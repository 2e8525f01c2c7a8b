// Package memstore is an in-process implementation of the order stores.
// Each product row has its own lock; a transaction stages its writes and
// applies them on commit while it still holds every lock it took.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-atomic-orders/internal/orders"
)

type row struct {
	lock chan struct{} // 1-slot: held while a transaction owns the row
	p    orders.Product
}

type Store struct {
	mu       sync.RWMutex
	products map[string]*row
	orders   map[string]orders.Order
	items    map[string][]orders.OrderItem

	// LockTimeout bounds the wait for a single row lock. Zero waits until
	// the context is done.
	LockTimeout time.Duration
}

func New(lockTimeout time.Duration) *Store {
	return &Store{
		products:    make(map[string]*row),
		orders:      make(map[string]orders.Order),
		items:       make(map[string][]orders.OrderItem),
		LockTimeout: lockTimeout,
	}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	t := &tx{s: s, held: map[string]*row{}, decrements: map[string]int{}}
	defer t.release()
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(t)
	return nil
}

func (s *Store) commit(t *tx) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, n := range t.decrements {
		r := t.held[id]
		r.p.Quantity -= n
		r.p.UpdatedAt = now
	}
	for _, o := range t.orders {
		s.orders[o.ID] = o
	}
	for _, it := range t.items {
		s.items[it.OrderID] = append(s.items[it.OrderID], it)
	}
}

// acquire waits for the row lock, honoring LockTimeout and ctx.
func (s *Store) acquire(ctx context.Context, r *row) error {
	var timeout <-chan time.Time
	if s.LockTimeout > 0 {
		timer := time.NewTimer(s.LockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case r.lock <- struct{}{}:
		return nil
	case <-timeout:
		return orders.ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) lookup(id string) *row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.products[id]
}

type tx struct {
	s          *Store
	held       map[string]*row
	decrements map[string]int
	orders     []orders.Order
	items      []orders.OrderItem
}

func (t *tx) release() {
	for _, r := range t.held {
		<-r.lock
	}
	t.held = nil
}

func (t *tx) LockProducts(ctx context.Context, ids []string) (map[string]orders.Product, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	out := make(map[string]orders.Product, len(sorted))
	for _, id := range sorted {
		if _, ok := t.held[id]; ok {
			continue
		}
		r := t.s.lookup(id)
		if r == nil {
			continue
		}
		if err := t.s.acquire(ctx, r); err != nil {
			return nil, err
		}
		// deleted while we were waiting
		if t.s.lookup(id) != r {
			<-r.lock
			continue
		}
		t.held[id] = r
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, id := range sorted {
		if r, ok := t.held[id]; ok {
			p := r.p
			p.Quantity -= t.decrements[id]
			out[id] = p
		}
	}
	return out, nil
}

func (t *tx) InsertOrder(_ context.Context, o orders.Order) error {
	t.orders = append(t.orders, o)
	return nil
}

func (t *tx) InsertOrderItem(_ context.Context, it orders.OrderItem) error {
	for _, o := range t.orders {
		if o.ID == it.OrderID {
			t.items = append(t.items, it)
			return nil
		}
	}
	return fmt.Errorf("order item %s: unknown order %s", it.ID, it.OrderID)
}

func (t *tx) DecrementStock(_ context.Context, productID string, qty int) error {
	r, ok := t.held[productID]
	if !ok {
		return fmt.Errorf("decrement %s: row not locked by this transaction", productID)
	}
	t.s.mu.RLock()
	left := r.p.Quantity - t.decrements[productID]
	t.s.mu.RUnlock()
	if qty > left {
		return fmt.Errorf("decrement %s by %d: only %d left", productID, qty, left)
	}
	t.decrements[productID] += qty
	return nil
}

func (s *Store) ListProducts(_ context.Context) ([]orders.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]orders.Product, 0, len(s.products))
	for _, r := range s.products {
		out = append(out, r.p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (orders.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.products[id]
	if !ok {
		return orders.Product{}, orders.ErrProductNotFound
	}
	return r.p, nil
}

func (s *Store) FindProducts(_ context.Context, ids []string) (map[string]orders.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]orders.Product, len(ids))
	for _, id := range ids {
		if r, ok := s.products[id]; ok {
			out[id] = r.p
		}
	}
	return out, nil
}

func (s *Store) CreateProduct(_ context.Context, p orders.Product) (orders.Product, error) {
	if p.Quantity < 0 || p.Price.IsNegative() {
		return orders.Product{}, fmt.Errorf("create product %q: negative price or quantity", p.Name)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[p.ID]; ok {
		return orders.Product{}, fmt.Errorf("create product %s: already exists", p.ID)
	}
	s.products[p.ID] = &row{lock: make(chan struct{}, 1), p: p}
	return p, nil
}

func (s *Store) UpdatePrice(ctx context.Context, id string, price decimal.Decimal) (orders.Product, error) {
	r := s.lookup(id)
	if r == nil {
		return orders.Product{}, orders.ErrProductNotFound
	}
	if err := s.acquire(ctx, r); err != nil {
		return orders.Product{}, err
	}
	defer func() { <-r.lock }()

	s.mu.Lock()
	defer s.mu.Unlock()
	r.p.Price = price
	r.p.UpdatedAt = time.Now().UTC()
	return r.p, nil
}

// DeleteProduct removes a product row. Orders never delete products; this
// exists for administration and tests.
func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	r := s.lookup(id)
	if r == nil {
		return orders.ErrProductNotFound
	}
	if err := s.acquire(ctx, r); err != nil {
		return err
	}
	defer func() { <-r.lock }()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.products, id)
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (orders.Order, []orders.OrderItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, nil, orders.ErrOrderNotFound
	}
	return o, append([]orders.OrderItem(nil), s.items[id]...), nil
}

// Counts reports ledger sizes.
func (s *Store) Counts() (nOrders, nItems int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, its := range s.items {
		nItems += len(its)
	}
	return len(s.orders), nItems
}
