package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-atomic-orders/internal/config"
	"github.com/ariefcatur/go-atomic-orders/internal/logx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logx.New(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:   "order-api",
		Usage:  "atomic order placement over HTTP",
		Action: serve(cfg, log).Action,
		Commands: []*cli.Command{
			serve(cfg, log),
			migrate(cfg, log),
			seed(cfg, log),
		},
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Error("exit", zap.Error(err))
		stop()
		os.Exit(1)
	}
}
