package redisx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

// Deduper remembers which event ids a consumer already processed. Markers
// are written only after the handler succeeded, so a crash mid-handler still
// leads to a redelivery.
type Deduper struct {
	rdb redis.Cmdable
	ttl time.Duration
	log *slog.Logger
}

func NewDeduper(rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) *Deduper {
	if ttl <= 0 {
		ttl = TTLDedup
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduper{rdb: rdb, ttl: ttl, log: logger}
}

func (d *Deduper) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	return Exists(ctx, d.rdb, fmt.Sprintf(KeyDedup, consumer, eventID))
}

func (d *Deduper) Mark(ctx context.Context, consumer, eventID string) error {
	return d.rdb.Set(ctx, fmt.Sprintf(KeyDedup, consumer, eventID), 1, d.ttl).Err()
}

// Wrap skips events consumer has already processed and marks the ones h
// handles successfully.
func (d *Deduper) Wrap(consumer string, h func(context.Context, events.Envelope) error) func(context.Context, events.Envelope) error {
	return func(ctx context.Context, env events.Envelope) error {
		if env.EventID == "" {
			return h(ctx, env)
		}
		seen, err := d.Seen(ctx, consumer, env.EventID)
		if err != nil {
			return fmt.Errorf("dedup lookup %s: %w", env.EventID, err)
		}
		if seen {
			d.log.InfoContext(ctx, "duplicate event skipped",
				"consumer", consumer, "event_type", env.EventType, "event_id", env.EventID)
			return nil
		}
		if err := h(ctx, env); err != nil {
			return err
		}
		if err := d.Mark(ctx, consumer, env.EventID); err != nil {
			// handlers are idempotent, a missing marker only costs a repeat
			d.log.WarnContext(ctx, "dedup mark failed",
				"consumer", consumer, "event_id", env.EventID, "error", err)
		}
		return nil
	}
}
