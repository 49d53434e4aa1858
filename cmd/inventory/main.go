package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/go-fulfillment-saga/internal/config"
	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
	"github.com/ariefcatur/go-fulfillment-saga/internal/httpx"
	"github.com/ariefcatur/go-fulfillment-saga/internal/inventory"
	kafkax "github.com/ariefcatur/go-fulfillment-saga/internal/kafka"
	"github.com/ariefcatur/go-fulfillment-saga/internal/outbox"
	"github.com/ariefcatur/go-fulfillment-saga/internal/postgres"
	"github.com/ariefcatur/go-fulfillment-saga/internal/redisx"
	"github.com/ariefcatur/go-fulfillment-saga/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load("catalog")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := telemetry.InitLogger(cfg.ServiceName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.SetupTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("tracer: %v", err)
	}

	// DB
	pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()
	db := postgres.OpenDB(pool)
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	// Redis
	rdb, err := redisx.New(ctx, cfg.RedisAddr)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rdb.Close()
	dedup := redisx.NewDeduper(rdb, cfg.DedupTTL, logger)

	// Reservation answers go out directly; catalog changes go through the outbox.
	prod := kafkax.NewProducer(cfg.KafkaBrokers)
	relay := outbox.NewRelay(db, prod, inventory.Producer, cfg.OutboxInterval, cfg.OutboxBatch, logger)
	go relay.Run(ctx)

	svc := inventory.NewService(inventory.NewPostgresCatalog(db), prod, logger)

	topics := []string{events.TopicInventoryCommands, events.TopicOrderLifecycle}
	cons := kafkax.NewConsumer(kafkax.ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		Group:   cfg.ConsumerGroup,
		Topics:  topics,
		Workers: cfg.ConsumerWorkers,
		Retry: kafkax.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		Logger: logger,
	})
	go func() {
		logger.Info("inventory consumer started", "group", cfg.ConsumerGroup, "topics", topics, "workers", cfg.ConsumerWorkers)
		if err := cons.Start(ctx, dedup.Wrap(cfg.ConsumerGroup, svc.Handle)); err != nil && ctx.Err() == nil {
			logger.Error("consumer exit", "error", err)
			cancel()
		}
	}()

	// Catalog admin HTTP
	router := httpx.NewRouter()
	(&httpx.ProductsHandler{Inventory: svc}).Register(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("HTTP listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	cancel()
	if _, err := relay.Drain(ctx2); err != nil {
		logger.Warn("final outbox drain failed", "error", err)
	}
	_ = prod.Close()
	_ = shutdownTracer(ctx2)
}
