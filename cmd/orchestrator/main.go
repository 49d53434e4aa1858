package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/go-fulfillment-saga/internal/config"
	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
	kafkax "github.com/ariefcatur/go-fulfillment-saga/internal/kafka"
	"github.com/ariefcatur/go-fulfillment-saga/internal/outbox"
	"github.com/ariefcatur/go-fulfillment-saga/internal/postgres"
	"github.com/ariefcatur/go-fulfillment-saga/internal/redisx"
	"github.com/ariefcatur/go-fulfillment-saga/internal/saga"
	"github.com/ariefcatur/go-fulfillment-saga/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load("fulfillment-saga")
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
		log.Fatalf("db connect: %v", err)
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

	// Kafka producer, fed by the outbox relay only
	prod := kafkax.NewProducer(cfg.KafkaBrokers)
	relay := outbox.NewRelay(db, prod, saga.Producer, cfg.OutboxInterval, cfg.OutboxBatch, logger)
	go relay.Run(ctx)

	orch := saga.NewOrchestrator(saga.NewPostgresStore(db), logger,
		saga.WithDeadline(cfg.SagaDeadline),
		saga.WithSweepBatch(cfg.SagaSweepBatch))
	if cfg.SagaDeadline > 0 {
		go orch.RunSweeper(ctx, cfg.SagaSweepInterval)
	}

	topics := []string{events.TopicOrdersMade, events.TopicCustomerResults, events.TopicInventoryResults}
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
		logger.Info("saga consumer started", "group", cfg.ConsumerGroup, "topics", topics, "workers", cfg.ConsumerWorkers)
		if err := cons.Start(ctx, dedup.Wrap(cfg.ConsumerGroup, orch.Handle)); err != nil && ctx.Err() == nil {
			logger.Error("consumer exit", "error", err)
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
	cancel()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if _, err := relay.Drain(ctx2); err != nil {
		logger.Warn("final outbox drain failed", "error", err)
	}
	_ = prod.Close()
	_ = shutdownTracer(ctx2)
}
