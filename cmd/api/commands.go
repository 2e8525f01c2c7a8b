package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-atomic-orders/internal/config"
	"github.com/ariefcatur/go-atomic-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-atomic-orders/internal/kafka"
	"github.com/ariefcatur/go-atomic-orders/internal/orders"
	"github.com/ariefcatur/go-atomic-orders/internal/postgres"
	"github.com/ariefcatur/go-atomic-orders/internal/redisx"
)

// disabled turns an optional dependency off when its address is "none".
const disabled = "none"

func connect(ctx context.Context, cfg config.Config, log *zap.Logger) (*pgxpool.Pool, error) {
	return postgres.Connect(ctx, postgres.Options{
		DSN:      cfg.PostgresDSN,
		MaxConns: cfg.DBMaxConns,
		Retries:  cfg.DBConnectRetries,
	}, log)
}

func migrate(cfg config.Config, log *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "create tables if missing",
		Action: func(c *cli.Context) error {
			db, err := connect(c.Context, cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := postgres.Migrate(c.Context, db); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
}

func seed(cfg config.Config, log *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "seed",
		Usage: "insert the demo catalogue",
		Action: func(c *cli.Context) error {
			db, err := connect(c.Context, cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := postgres.Migrate(c.Context, db); err != nil {
				return err
			}
			n, err := postgres.Seed(c.Context, db, postgres.DemoCatalogue())
			if err != nil {
				return err
			}
			log.Info("catalogue seeded", zap.Int("inserted", n))
			return nil
		},
	}
}

func serve(cfg config.Config, log *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API (default)",
		Action: func(c *cli.Context) error {
			ctx := c.Context

			// DB
			db, err := connect(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()
			store := postgres.NewStore(db, cfg.LockTimeout)

			// Redis
			var cache redisx.Cache
			if strings.EqualFold(cfg.RedisAddr, disabled) {
				log.Warn("redis disabled, using in-process cache")
				cache = redisx.NewMemCache()
			} else {
				rdb := redisx.New(cfg.RedisAddr)
				defer rdb.Close()
				cache = redisx.RedisCache{R: rdb}
			}

			// Kafka producer
			var pub httpx.Publisher
			if len(cfg.KafkaBrokers) == 0 || strings.EqualFold(cfg.KafkaBrokers[0], disabled) {
				log.Warn("kafka disabled, order events are not published")
			} else {
				prod := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderPlaced, 1024, log)
				prod.Start()
				defer func() {
					prod.Close()
					prod.WaitClosed()
				}()
				pub = prod
			}

			router := httpx.NewRouter(log)
			oh := &httpx.OrdersHandler{
				Orders:         orders.NewService(store, log, cfg.TxTimeout),
				Catalog:        store,
				Ledger:         store,
				Cache:          cache,
				Producer:       pub,
				Log:            log,
				Service:        cfg.ServiceName,
				IdempotencyTTL: cfg.IdempotencyTTL,
			}
			oh.Register(router)
			ph := &httpx.ProductsHandler{Catalog: store, Cache: cache, Log: log}
			ph.Register(router)

			srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				log.Info("shutting down")
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			return g.Wait()
		},
	}
}
