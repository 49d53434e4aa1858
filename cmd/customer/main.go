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
	"github.com/ariefcatur/go-fulfillment-saga/internal/customer"
	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
	kafkax "github.com/ariefcatur/go-fulfillment-saga/internal/kafka"
	"github.com/ariefcatur/go-fulfillment-saga/internal/postgres"
	"github.com/ariefcatur/go-fulfillment-saga/internal/redisx"
	"github.com/ariefcatur/go-fulfillment-saga/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load("identity")
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

	rdb, err := redisx.New(ctx, cfg.RedisAddr)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rdb.Close()
	dedup := redisx.NewDeduper(rdb, cfg.DedupTTL, logger)

	// answers are published directly: checking a customer changes no state
	prod := kafkax.NewProducer(cfg.KafkaBrokers)
	h := customer.NewHandler(customer.NewPostgresDirectory(db), prod, logger)

	cons := kafkax.NewConsumer(kafkax.ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		Group:   cfg.ConsumerGroup,
		Topics:  []string{events.TopicCustomerCommands},
		Workers: cfg.ConsumerWorkers,
		Retry: kafkax.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		Logger: logger,
	})
	go func() {
		logger.Info("customer consumer started", "group", cfg.ConsumerGroup, "workers", cfg.ConsumerWorkers)
		if err := cons.Start(ctx, dedup.Wrap(cfg.ConsumerGroup, h.Handle)); err != nil && ctx.Err() == nil {
			logger.Error("consumer exit", "error", err)
			cancel()
		}
	}()

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
	_ = prod.Close()
	_ = shutdownTracer(ctx2)
}
