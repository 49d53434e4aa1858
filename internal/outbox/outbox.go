package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

// Execer is satisfied by *sql.Tx and *sql.DB.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append queues env for publication. Call it inside the transaction that
// commits the state change the event describes.
func Append(ctx context.Context, ex Execer, env events.Envelope) error {
	topic := events.TopicFor(env.EventType)
	if topic == "" {
		return fmt.Errorf("outbox: no topic for event type %q", env.EventType)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("outbox: encode %s: %w", env.EventType, err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO outbox (producer, topic, msg_key, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		env.Producer, topic, env.CorrelationID, env.EventType, b,
	)
	if err != nil {
		return fmt.Errorf("outbox: append %s: %w", env.EventType, err)
	}
	return nil
}

type Publisher interface {
	Publish(ctx context.Context, env events.Envelope) error
}

// Relay drains pending outbox rows written by one producer to the broker.
type Relay struct {
	db       *sql.DB
	pub      Publisher
	producer string
	interval time.Duration
	batch    int
	log      *slog.Logger
}

func NewRelay(db *sql.DB, pub Publisher, producer string, interval time.Duration, batch int, logger *slog.Logger) *Relay {
	if interval <= 0 {
		interval = 400 * time.Millisecond
	}
	if batch <= 0 {
		batch = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{db: db, pub: pub, producer: producer, interval: interval, batch: batch, log: logger}
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				r.log.ErrorContext(ctx, "outbox drain failed", "producer", r.producer, "error", err)
			}
		}
	}
}

type row struct {
	id      int64
	payload []byte
}

// Drain publishes one batch in insertion order and reports how many rows were
// sent. It stops at the first publish failure so later events never overtake
// an earlier one.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, payload FROM outbox
		WHERE producer = $1 AND published_at IS NULL
		ORDER BY id ASC
		LIMIT $2`, r.producer, r.batch)
	if err != nil {
		return 0, fmt.Errorf("outbox: query pending: %w", err)
	}
	var batch []row
	for rows.Next() {
		var x row
		if err := rows.Scan(&x.id, &x.payload); err != nil {
			rows.Close()
			return 0, err
		}
		batch = append(batch, x)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	sent := 0
	for _, x := range batch {
		var env events.Envelope
		if err := json.Unmarshal(x.payload, &env); err != nil {
			// unreadable rows are parked so they don't block the queue
			r.log.ErrorContext(ctx, "outbox row undecodable, skipping", "id", x.id, "error", err)
		} else if err := r.pub.Publish(ctx, env); err != nil {
			return sent, fmt.Errorf("outbox: publish row %d: %w", x.id, err)
		}
		if _, err := r.db.ExecContext(ctx, `UPDATE outbox SET published_at = NOW() WHERE id = $1`, x.id); err != nil {
			return sent, fmt.Errorf("outbox: mark row %d: %w", x.id, err)
		}
		sent++
	}
	return sent, nil
}
