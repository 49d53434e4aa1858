package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
	"github.com/ariefcatur/go-fulfillment-saga/internal/outbox"
)

type Repo struct{ DB *sql.DB }

func NewRepo(db *sql.DB) *Repo { return &Repo{DB: db} }

func (r *Repo) Create(ctx context.Context, o Order, out events.Envelope) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, status, payment_method, amount_cents,
		                    street, city, zip_code, country, cancel_reason, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '', 1, $10, $10)
		ON CONFLICT (id) DO NOTHING`,
		o.ID, o.CustomerID, string(o.Status), o.Payment.Method, o.Payment.AmountCents,
		o.DestinationAddress.Street, o.DestinationAddress.City, o.DestinationAddress.ZipCode,
		o.DestinationAddress.Country, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrAlreadyExists
	}
	if err := insertItems(ctx, tx, o.ID, o.Items); err != nil {
		return err
	}
	if err := outbox.Append(ctx, tx, out); err != nil {
		return err
	}
	return tx.Commit()
}

func insertItems(ctx context.Context, tx *sql.Tx, orderID string, items []Item) error {
	for i, it := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, line_no, product_id, title, description, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			orderID, i, it.ProductID, it.Title, it.Description, it.Quantity, it.UnitPrice,
		); err != nil {
			return fmt.Errorf("insert item %d of order %s: %w", i, orderID, err)
		}
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, orderID string) (Order, error) {
	o := Order{ID: orderID}
	var status string
	err := r.DB.QueryRowContext(ctx, `
		SELECT customer_id, status, payment_method, amount_cents, street, city, zip_code, country,
		       cancel_reason, version, created_at, updated_at
		FROM orders WHERE id = $1`, orderID,
	).Scan(&o.CustomerID, &status, &o.Payment.Method, &o.Payment.AmountCents,
		&o.DestinationAddress.Street, &o.DestinationAddress.City, &o.DestinationAddress.ZipCode,
		&o.DestinationAddress.Country, &o.CancelReason, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("get order %s: %w", orderID, err)
	}
	o.Status = Status(status)

	rows, err := r.DB.QueryContext(ctx, `
		SELECT product_id, title, description, quantity, unit_price
		FROM order_items WHERE order_id = $1 ORDER BY line_no`, orderID)
	if err != nil {
		return Order{}, fmt.Errorf("get items of order %s: %w", orderID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ProductID, &it.Title, &it.Description, &it.Quantity, &it.UnitPrice); err != nil {
			return Order{}, err
		}
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

func (r *Repo) Save(ctx context.Context, o Order, out ...events.Envelope) (Order, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return Order{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, payment_method = $3, amount_cents = $4, cancel_reason = $5,
		    version = version + 1, updated_at = $6
		WHERE id = $1 AND version = $7`,
		o.ID, string(o.Status), o.Payment.Method, o.Payment.AmountCents, o.CancelReason, o.UpdatedAt, o.Version)
	if err != nil {
		return Order{}, fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Order{}, err
	} else if n == 0 {
		return Order{}, ErrConcurrentUpdate
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = $1`, o.ID); err != nil {
		return Order{}, fmt.Errorf("replace items of order %s: %w", o.ID, err)
	}
	if err := insertItems(ctx, tx, o.ID, o.Items); err != nil {
		return Order{}, err
	}
	for _, env := range out {
		if err := outbox.Append(ctx, tx, env); err != nil {
			return Order{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Order{}, err
	}
	o.Version++
	return o, nil
}

func (r *Repo) CancelByProduct(ctx context.Context, productID, reason string, at time.Time) ([]Order, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		WITH hit AS (
			SELECT id, status FROM orders
			WHERE status IN ('NotStarted', 'InProgress')
			  AND id IN (SELECT order_id FROM order_items WHERE product_id = $1)
			FOR UPDATE
		)
		UPDATE orders o
		SET status = 'Cancelled', cancel_reason = $2, version = o.version + 1, updated_at = $3
		FROM hit
		WHERE o.id = hit.id
		RETURNING o.id, o.customer_id, hit.status, o.version`,
		productID, reason, at)
	if err != nil {
		return nil, fmt.Errorf("cancel orders of product %s: %w", productID, err)
	}
	var cancelled []Order
	var debited []string
	for rows.Next() {
		o := Order{Status: StatusCancelled, CancelReason: reason, UpdatedAt: at}
		var prev string
		if err := rows.Scan(&o.ID, &o.CustomerID, &prev, &o.Version); err != nil {
			rows.Close()
			return nil, err
		}
		if Status(prev) == StatusInProgress {
			debited = append(debited, o.ID)
		}
		cancelled = append(cancelled, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_products WHERE id = $1`, productID); err != nil {
		return nil, fmt.Errorf("drop catalog product %s: %w", productID, err)
	}
	for _, id := range debited {
		env, err := cancelledEvent(id, reason)
		if err != nil {
			return nil, err
		}
		if err := outbox.Append(ctx, tx, env); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (r *Repo) RefreshProduct(ctx context.Context, p CatalogProduct) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO catalog_products (id, title, description, price_cents, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, description = EXCLUDED.description,
		    price_cents = EXCLUDED.price_cents, updated_at = EXCLUDED.updated_at`,
		p.ID, p.Title, p.Description, p.PriceCents, p.UpdatedAt); err != nil {
		return 0, fmt.Errorf("upsert catalog product %s: %w", p.ID, err)
	}

	// bump the owning orders so a concurrent Save cannot write stale lines back
	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET version = version + 1, updated_at = $2
		WHERE id IN (SELECT order_id FROM order_items WHERE product_id = $1)`,
		p.ID, p.UpdatedAt); err != nil {
		return 0, fmt.Errorf("touch orders of product %s: %w", p.ID, err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE order_items SET title = $2, description = $3, unit_price = $4
		WHERE product_id = $1`,
		p.ID, p.Title, p.Description, p.PriceCents)
	if err != nil {
		return 0, fmt.Errorf("refresh lines of product %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}
