package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-atomic-orders/internal/orders"
)

const (
	sqlstateLockNotAvailable = "55P03"
	sqlstateUniqueViolation  = "23505"
)

// Store implements orders.Store, orders.Catalog and orders.Ledger on
// PostgreSQL. Row locks are SELECT ... FOR UPDATE inside a READ COMMITTED
// transaction.
type Store struct {
	DB          *pgxpool.Pool
	LockTimeout time.Duration // SET LOCAL lock_timeout; zero keeps the server default
}

func NewStore(db *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{DB: db, LockTimeout: lockTimeout}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if s.LockTimeout > 0 {
		// SET does not take bind parameters; the value is an integer we own.
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.LockTimeout.Milliseconds())); err != nil {
			return errors.Wrap(err, "set lock_timeout")
		}
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit")
}

type pgTx struct{ tx pgx.Tx }

const productColumns = `id, name, description, price::text, quantity, created_at, updated_at`

func (t *pgTx) LockProducts(ctx context.Context, ids []string) (map[string]orders.Product, error) {
	// One statement, ascending id: overlapping transactions queue on the
	// same first row instead of deadlocking.
	rows, err := t.tx.Query(ctx, `SELECT `+productColumns+`
		FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, translate(err, "lock products")
	}
	ps, err := collectProducts(rows)
	if err != nil {
		return nil, translate(err, "lock products")
	}
	out := make(map[string]orders.Product, len(ps))
	for _, p := range ps {
		out[p.ID] = p
	}
	return out, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o orders.Order) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO orders(id, created_at, updated_at) VALUES ($1, $2, $3)`,
		o.ID, o.CreatedAt, o.UpdatedAt)
	return translate(err, "insert order")
}

func (t *pgTx) InsertOrderItem(ctx context.Context, it orders.OrderItem) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO order_items(id, order_id, product_id, line_no, quantity, price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $7)`,
		it.ID, it.OrderID, it.ProductID, it.Line, it.Quantity, it.Price.String(), it.CreatedAt,
	)
	return translate(err, "insert order item")
}

func (t *pgTx) DecrementStock(ctx context.Context, productID string, qty int) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE products SET quantity = quantity - $2, updated_at = now()
		WHERE id = $1 AND quantity >= $2`, productID, qty)
	if err != nil {
		return translate(err, "decrement stock")
	}
	if ct.RowsAffected() != 1 {
		return errors.Errorf("decrement stock %s by %d: no row updated", productID, qty)
	}
	return nil
}

func (s *Store) ListProducts(ctx context.Context) ([]orders.Product, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY name, id`)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	ps, err := collectProducts(rows)
	return ps, errors.Wrap(err, "list products")
}

func (s *Store) GetProduct(ctx context.Context, id string) (orders.Product, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if err != nil {
		return orders.Product{}, errors.Wrap(err, "get product")
	}
	ps, err := collectProducts(rows)
	if err != nil {
		return orders.Product{}, errors.Wrap(err, "get product")
	}
	if len(ps) == 0 {
		return orders.Product{}, orders.ErrProductNotFound
	}
	return ps[0], nil
}

func (s *Store) FindProducts(ctx context.Context, ids []string) (map[string]orders.Product, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "find products")
	}
	ps, err := collectProducts(rows)
	if err != nil {
		return nil, errors.Wrap(err, "find products")
	}
	out := make(map[string]orders.Product, len(ps))
	for _, p := range ps {
		out[p.ID] = p
	}
	return out, nil
}

func (s *Store) CreateProduct(ctx context.Context, p orders.Product) (orders.Product, error) {
	if p.ID == "" {
		return orders.Product{}, errors.New("create product: id is required")
	}
	err := s.DB.QueryRow(ctx, `
		INSERT INTO products(id, name, description, price, quantity)
		VALUES ($1, $2, $3, $4::numeric, $5)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Description, p.Price.String(), p.Quantity,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlstateUniqueViolation {
		return orders.Product{}, errors.Errorf("create product %s: already exists", p.ID)
	}
	if err != nil {
		return orders.Product{}, errors.Wrap(err, "create product")
	}
	return p, nil
}

func (s *Store) UpdatePrice(ctx context.Context, id string, price decimal.Decimal) (orders.Product, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE products SET price = $2::numeric, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns, id, price.String())
	if err != nil {
		return orders.Product{}, translate(err, "update price")
	}
	ps, err := collectProducts(rows)
	if err != nil {
		return orders.Product{}, translate(err, "update price")
	}
	if len(ps) == 0 {
		return orders.Product{}, orders.ErrProductNotFound
	}
	return ps[0], nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.Order, []orders.OrderItem, error) {
	oid, err := uuid.Parse(id)
	if err != nil {
		return orders.Order{}, nil, orders.ErrOrderNotFound
	}
	var o orders.Order
	err = s.DB.QueryRow(ctx, `SELECT id::text, created_at, updated_at FROM orders WHERE id = $1::uuid`, oid.String()).
		Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, nil, orders.ErrOrderNotFound
	}
	if err != nil {
		return orders.Order{}, nil, errors.Wrap(err, "get order")
	}

	rows, err := s.DB.Query(ctx, `
		SELECT id::text, order_id::text, product_id, line_no, quantity, price::text, created_at
		FROM order_items WHERE order_id = $1::uuid ORDER BY line_no`, o.ID)
	if err != nil {
		return orders.Order{}, nil, errors.Wrap(err, "get order items")
	}
	defer rows.Close()

	var items []orders.OrderItem
	for rows.Next() {
		var it orders.OrderItem
		var price string
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Line, &it.Quantity, &price, &it.CreatedAt); err != nil {
			return orders.Order{}, nil, errors.Wrap(err, "scan order item")
		}
		if it.Price, err = decimal.NewFromString(price); err != nil {
			return orders.Order{}, nil, errors.Wrap(err, "parse item price")
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return orders.Order{}, nil, errors.Wrap(err, "get order items")
	}
	return o, items, nil
}

func collectProducts(rows pgx.Rows) ([]orders.Product, error) {
	defer rows.Close()
	var out []orders.Product
	for rows.Next() {
		var p orders.Product
		var price string
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &price, &p.Quantity, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(price)
		if err != nil {
			return nil, err
		}
		p.Price = d
		out = append(out, p)
	}
	return out, rows.Err()
}

// translate maps driver errors onto the orders error set and adds a stack.
func translate(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlstateLockNotAvailable {
		return fmt.Errorf("%s: %w: %w", op, orders.ErrLockTimeout, err)
	}
	return errors.Wrap(err, op)
}
