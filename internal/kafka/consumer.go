package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

// Handler must return nil only when the message was fully processed and its
// offset may be committed.
type Handler func(ctx context.Context, env events.Envelope) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers []string
	Group   string
	Topics  []string
	Workers int
	Retry   RetryPolicy
	Logger  *slog.Logger
}

type Consumer struct {
	r       messageReader
	name    string
	workers int
	retry   RetryPolicy
	log     *slog.Logger
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.Group,
		GroupTopics:    cfg.Topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, cfg)
}

func newConsumer(r messageReader, cfg ConsumerConfig) *Consumer {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{r: r, name: cfg.Group, workers: workers, retry: cfg.Retry, log: logger}
}

// Start fetches messages until ctx ends or a message keeps failing after all
// retries. Messages are sharded to workers by topic partition, so offsets of
// one partition are handled and committed strictly in order and one order's
// events never overtake each other. A failed message is never committed and
// neither is anything behind it on its partition; Start returns its error so
// the process resumes from the failed offset.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	ctx, cancel := context.WithCancel(ctx)
	jobs := make([]chan kafka.Message, c.workers)
	errs := make(chan error, c.workers)
	var wg sync.WaitGroup

	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				if err := c.process(ctx, m, h); err != nil {
					if ctx.Err() == nil {
						errs <- err
					}
					cancel()
					return
				}
			}
		}(jobs[i])
	}
	defer func() {
		cancel()
		for _, ch := range jobs {
			close(ch)
		}
		wg.Wait()
	}()

	stopped := func() error {
		select {
		case err := <-errs:
			return err
		default:
			return nil
		}
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return stopped()
			}
			return fmt.Errorf("fetch: %w", err)
		}
		select {
		case jobs[c.shard(m)] <- m:
		case <-ctx.Done():
			return stopped()
		}
	}
}

// shard keeps a partition on one worker. A group commit marks every lower
// offset of the partition as done, so two workers must never commit it.
func (c *Consumer) shard(m kafka.Message) int {
	h := xxhash.Sum64String(m.Topic) + uint64(m.Partition)
	return int(h % uint64(c.workers))
}

func (c *Consumer) process(ctx context.Context, m kafka.Message, h Handler) error {
	env, err := DecodeMessage(m)
	if err != nil {
		c.log.ErrorContext(ctx, "dropping undecodable message",
			"consumer", c.name, "topic", m.Topic, "offset", m.Offset, "error", err)
		return c.r.CommitMessages(ctx, m)
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier{Headers: &m.Headers})
	ctx, span := otel.Tracer("kafka").Start(ctx, "consume "+env.EventType,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", m.Topic),
			attribute.String("messaging.consumer.group.name", c.name),
			attribute.String("order.id", env.CorrelationID),
		))
	defer span.End()

	err = c.retry.Do(ctx, func() error { return h(ctx, env) })
	switch {
	case err == nil:
	case errors.Is(err, events.ErrMalformedPayload):
		c.log.ErrorContext(ctx, "dropping malformed event",
			"consumer", c.name, "event_type", env.EventType, "event_id", env.EventID, "error", err)
	default:
		span.RecordError(err)
		c.log.ErrorContext(ctx, "handler failed, leaving message uncommitted",
			"consumer", c.name, "event_type", env.EventType, "event_id", env.EventID,
			"order_id", env.CorrelationID, "error", err)
		return fmt.Errorf("%s %s: %w", env.EventType, env.EventID, err)
	}
	return c.r.CommitMessages(ctx, m)
}
