package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-atomic-orders/internal/orders"
)

var (
	pgOnce      sync.Once
	pgContainer testcontainers.Container
	pgDSN       string
	pgErr       error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if pgContainer != nil {
		_ = pgContainer.Terminate(context.Background())
	}
	os.Exit(code)
}

// startPostgres runs a throwaway server shared by every test in the package.
func startPostgres(ctx context.Context) (string, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "app",
				"POSTGRES_PASSWORD": "secret",
				"POSTGRES_DB":       "orders_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return "", err
	}
	pgContainer = c
	host, err := c.Host(ctx)
	if err != nil {
		return "", err
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("postgres://app:secret@%s:%s/orders_test?sslmode=disable", host, port.Port()), nil
}

// testPool connects to TEST_POSTGRES_DSN when set, otherwise to a container.
// Without a Docker daemon the test is skipped.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
		pgOnce.Do(func() { pgDSN, pgErr = startPostgres(context.Background()) })
		require.NoError(t, pgErr)
		dsn = pgDSN
	}
	ctx := context.Background()
	pool, err := Connect(ctx, Options{DSN: dsn, MaxConns: 16, Retries: 5}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func newProduct(t *testing.T, s *Store, price string, qty int) orders.Product {
	t.Helper()
	p, err := s.CreateProduct(context.Background(), orders.Product{
		ID: "test-" + uuid.NewString(), Name: "test product", Price: decimal.RequireFromString(price), Quantity: qty,
	})
	require.NoError(t, err)
	return p
}

func stockOf(t *testing.T, s *Store, id string) int {
	t.Helper()
	p, err := s.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Quantity
}

func TestPlaceOrderPostgres(t *testing.T) {
	s := NewStore(testPool(t), time.Second)
	svc := orders.NewService(s, zap.NewNop(), 5*time.Second)
	ctx := context.Background()

	t.Run("two items", func(t *testing.T) {
		p1 := newProduct(t, s, "50.00", 20)
		p2 := newProduct(t, s, "75.00", 15)

		r, err := svc.PlaceOrder(ctx, []orders.ItemInput{{ProductID: p1.ID, Quantity: 2}, {ProductID: p2.ID, Quantity: 3}})
		require.NoError(t, err)
		assert.Equal(t, "325.00", r.Total.StringFixed(2))
		assert.Equal(t, 18, stockOf(t, s, p1.ID))
		assert.Equal(t, 12, stockOf(t, s, p2.ID))

		o, items, err := s.GetOrder(ctx, r.OrderID)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, p1.ID, items[0].ProductID)
		assert.Equal(t, "325.00", orders.BuildReceipt(o, items).Total.StringFixed(2))
	})

	t.Run("insufficient stock rolls back", func(t *testing.T) {
		ok := newProduct(t, s, "1.00", 10)
		short := newProduct(t, s, "1.00", 5)

		_, err := svc.PlaceOrder(ctx, []orders.ItemInput{{ProductID: ok.ID, Quantity: 1}, {ProductID: short.ID, Quantity: 10}})
		require.ErrorIs(t, err, orders.ErrInsufficientStock)
		assert.Equal(t, 10, stockOf(t, s, ok.ID))
		assert.Equal(t, 5, stockOf(t, s, short.ID))
	})

	t.Run("price snapshot", func(t *testing.T) {
		p := newProduct(t, s, "19.99", 3)
		r, err := svc.PlaceOrder(ctx, []orders.ItemInput{{ProductID: p.ID, Quantity: 1}})
		require.NoError(t, err)

		_, err = s.UpdatePrice(ctx, p.ID, decimal.RequireFromString("99.00"))
		require.NoError(t, err)

		_, items, err := s.GetOrder(ctx, r.OrderID)
		require.NoError(t, err)
		assert.True(t, items[0].Price.Equal(decimal.RequireFromString("19.99")))
	})

	t.Run("no oversell", func(t *testing.T) {
		p := newProduct(t, s, "1.00", 10)
		var wins atomic.Int32
		var g errgroup.Group
		for i := 0; i < 8; i++ {
			g.Go(func() error {
				_, err := svc.PlaceOrder(ctx, []orders.ItemInput{{ProductID: p.ID, Quantity: 6}})
				if err == nil {
					wins.Add(1)
					return nil
				}
				if errors.Is(err, orders.ErrInsufficientStock) {
					return nil
				}
				return err
			})
		}
		require.NoError(t, g.Wait())
		assert.EqualValues(t, 1, wins.Load())
		assert.Equal(t, 4, stockOf(t, s, p.ID))
	})
}

func TestLockTimeoutPostgres(t *testing.T) {
	pool := testPool(t)
	s := NewStore(pool, 100*time.Millisecond)
	svc := orders.NewService(s, zap.NewNop(), 0)
	ctx := context.Background()
	p := newProduct(t, s, "1.00", 5)

	holder, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = holder.Rollback(ctx) }()
	_, err = holder.Exec(ctx, `SELECT id FROM products WHERE id = $1 FOR UPDATE`, p.ID)
	require.NoError(t, err)

	_, err = svc.PlaceOrder(ctx, []orders.ItemInput{{ProductID: p.ID, Quantity: 1}})
	require.ErrorIs(t, err, orders.ErrStoreUnavailable)
	require.ErrorIs(t, err, orders.ErrLockTimeout)
}

func TestSeedIsIdempotent(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	_, err := Seed(ctx, pool, DemoCatalogue())
	require.NoError(t, err)
	added, err := Seed(ctx, pool, DemoCatalogue())
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestGetOrderPostgres(t *testing.T) {
	s := NewStore(testPool(t), time.Second)
	ctx := context.Background()

	_, _, err := s.GetOrder(ctx, "not-a-uuid")
	require.ErrorIs(t, err, orders.ErrOrderNotFound)
	_, _, err = s.GetOrder(ctx, uuid.NewString())
	require.ErrorIs(t, err, orders.ErrOrderNotFound)

	p := newProduct(t, s, "3.00", 4)
	r, err := orders.NewService(s, zap.NewNop(), 0).PlaceOrder(ctx, []orders.ItemInput{
		{ProductID: p.ID, Quantity: 1},
		{ProductID: p.ID, Quantity: 2},
	})
	require.NoError(t, err)

	o, items, err := s.GetOrder(ctx, r.OrderID)
	require.NoError(t, err)
	assert.Equal(t, r.OrderID, o.ID)
	require.Len(t, items, 2)
	assert.Equal(t, []int{0, 1}, []int{items[0].Line, items[1].Line})
	assert.Equal(t, []int{1, 2}, []int{items[0].Quantity, items[1].Quantity})
}

func TestDecrementStockNeverGoesNegativePostgres(t *testing.T) {
	s := NewStore(testPool(t), time.Second)
	ctx := context.Background()
	p := newProduct(t, s, "1.00", 2)

	err := s.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		if _, err := tx.LockProducts(ctx, []string{p.ID}); err != nil {
			return err
		}
		return tx.DecrementStock(ctx, p.ID, 3)
	})
	require.Error(t, err)
	assert.Equal(t, 2, stockOf(t, s, p.ID))
}
