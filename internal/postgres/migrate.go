package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS outbox (
		id           BIGSERIAL PRIMARY KEY,
		producer     TEXT NOT NULL,
		topic        TEXT NOT NULL,
		msg_key      TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		payload      JSONB NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		published_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (producer, id) WHERE published_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS saga_instances (
		correlation_id   TEXT PRIMARY KEY,
		customer_id      TEXT NOT NULL,
		state            TEXT NOT NULL,
		pending_products JSONB NOT NULL DEFAULT '[]',
		version          BIGINT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS saga_instances_updated_idx ON saga_instances (updated_at)`,
	`CREATE TABLE IF NOT EXISTS saga_archive (
		correlation_id TEXT PRIMARY KEY,
		customer_id    TEXT NOT NULL,
		outcome        TEXT NOT NULL,
		reason         TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL,
		finished_at    TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS customers (
		id     TEXT PRIMARY KEY,
		name   TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS products (
		id          TEXT PRIMARY KEY,
		title       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		price_cents BIGINT NOT NULL CHECK (price_cents >= 0),
		stock       INTEGER NOT NULL CHECK (stock >= 0),
		version     BIGINT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		order_id    TEXT NOT NULL,
		line_no     INTEGER NOT NULL,
		product_id  TEXT NOT NULL,
		title       TEXT NOT NULL,
		description TEXT NOT NULL,
		quantity    INTEGER NOT NULL CHECK (quantity > 0),
		unit_price  BIGINT NOT NULL,
		status      TEXT NOT NULL,
		PRIMARY KEY (order_id, line_no)
	)`,
	`CREATE TABLE IF NOT EXISTS reservation_failures (
		order_id TEXT PRIMARY KEY,
		reason   TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id             TEXT PRIMARY KEY,
		customer_id    TEXT NOT NULL,
		status         TEXT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		amount_cents   BIGINT NOT NULL DEFAULT 0,
		street         TEXT NOT NULL DEFAULT '',
		city           TEXT NOT NULL DEFAULT '',
		zip_code       TEXT NOT NULL DEFAULT '',
		country        TEXT NOT NULL DEFAULT '',
		cancel_reason  TEXT NOT NULL DEFAULT '',
		version        BIGINT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		order_id    TEXT NOT NULL REFERENCES orders (id) ON DELETE CASCADE,
		line_no     INTEGER NOT NULL,
		product_id  TEXT NOT NULL,
		title       TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		quantity    INTEGER NOT NULL CHECK (quantity > 0),
		unit_price  BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (order_id, line_no)
	)`,
	`CREATE INDEX IF NOT EXISTS order_items_product_idx ON order_items (product_id)`,
	`CREATE TABLE IF NOT EXISTS catalog_products (
		id          TEXT PRIMARY KEY,
		title       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		price_cents BIGINT NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates every table the services use. It is safe to run from each
// service on start.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return tx.Commit()
}
