package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-atomic-orders/internal/config"
	kafkax "github.com/ariefcatur/go-atomic-orders/internal/kafka"
	"github.com/ariefcatur/go-atomic-orders/internal/logx"
	"github.com/ariefcatur/go-atomic-orders/internal/orders"
	"github.com/ariefcatur/go-atomic-orders/internal/projector"
	"github.com/ariefcatur/go-atomic-orders/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logx.New(cfg.LogLevel, cfg.ServiceName+"-projector")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if strings.EqualFold(cfg.RedisAddr, "none") {
		log.Fatal("projector needs redis; REDIS_ADDR is none")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &projector.Service{Cache: redisx.RedisCache{R: rdb}, Log: log}

	// Consumer
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ProjectorGroup, orders.TopicOrderPlaced, cfg.ProjectorWorkers, log)
	log.Info("projector started",
		zap.String("group", cfg.ProjectorGroup),
		zap.String("topic", orders.TopicOrderPlaced),
		zap.Int("workers", cfg.ProjectorWorkers),
	)
	if err := cons.Start(ctx, svc.HandleOrderPlaced); err != nil {
		log.Error("consumer exit", zap.Error(err))
		return
	}
	log.Info("projector stopped")
}
