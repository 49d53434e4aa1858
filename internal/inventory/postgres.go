package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
	"github.com/ariefcatur/go-fulfillment-saga/internal/outbox"
)

type PostgresCatalog struct{ DB *sql.DB }

func NewPostgresCatalog(db *sql.DB) *PostgresCatalog { return &PostgresCatalog{DB: db} }

const productCols = `id, title, description, price_cents, stock, version, created_at, updated_at`

type scanner interface{ Scan(dest ...any) error }

func scanProduct(s scanner) (Product, error) {
	var p Product
	err := s.Scan(&p.ID, &p.Title, &p.Description, &p.PriceCents, &p.Stock, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (c *PostgresCatalog) Get(ctx context.Context, productID string) (Product, error) {
	p, err := scanProduct(c.DB.QueryRowContext(ctx,
		`SELECT `+productCols+` FROM products WHERE id = $1`, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, fmt.Errorf("get product %s: %w", productID, err)
	}
	return p, nil
}

// Reserve locks every requested product, plans against that snapshot and
// only then debits. A rejected plan commits nothing but the rejection record.
func (c *PostgresCatalog) Reserve(ctx context.Context, orderID string, items []events.ProductQuantity) (ReserveResult, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReserveResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockOrder(ctx, tx, orderID); err != nil {
		return ReserveResult{}, err
	}
	if res, ok, err := replay(ctx, tx, orderID); err != nil || ok {
		return res, err
	}

	products, err := lockProducts(ctx, tx, uniqueIDs(items))
	if err != nil {
		return ReserveResult{}, err
	}

	plan, reason := PlanReservation(products, items)
	if reason != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reservation_failures (order_id, reason) VALUES ($1, $2)
			ON CONFLICT (order_id) DO NOTHING`, orderID, reason); err != nil {
			return ReserveResult{}, fmt.Errorf("record rejected reservation %s: %w", orderID, err)
		}
		if err := tx.Commit(); err != nil {
			return ReserveResult{}, err
		}
		return ReserveResult{Reason: reason}, nil
	}

	for _, d := range plan.Debits {
		res, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $2, version = version + 1, updated_at = NOW()
			WHERE id = $1 AND version = $3 AND stock >= $2`,
			d.ProductID, d.Quantity, d.Version)
		if err != nil {
			return ReserveResult{}, fmt.Errorf("debit product %s: %w", d.ProductID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return ReserveResult{}, err
		} else if n != 1 {
			return ReserveResult{}, fmt.Errorf("debit product %s: %w", d.ProductID, ErrConcurrentUpdate)
		}
	}
	for i, it := range plan.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reservations (order_id, line_no, product_id, title, description, quantity, unit_price, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'RESERVED')`,
			orderID, i, it.ProductID, it.Title, it.Description, it.Quantity, it.UnitPrice); err != nil {
			return ReserveResult{}, fmt.Errorf("record reservation %s: %w", orderID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return ReserveResult{}, err
	}
	return ReserveResult{OK: true, Items: plan.Items}, nil
}

// lockOrder serializes Reserve and Release of one order until the
// transaction ends. Concurrent deliveries of the same command would otherwise
// both miss the recorded outcome.
func lockOrder(ctx context.Context, tx *sql.Tx, orderID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, orderID); err != nil {
		return fmt.Errorf("lock order %s: %w", orderID, err)
	}
	return nil
}

func replay(ctx context.Context, tx *sql.Tx, orderID string) (ReserveResult, bool, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, title, description, quantity, unit_price
		FROM reservations WHERE order_id = $1 ORDER BY line_no`, orderID)
	if err != nil {
		return ReserveResult{}, false, fmt.Errorf("load reservation %s: %w", orderID, err)
	}
	var items []events.ReservedItem
	for rows.Next() {
		var it events.ReservedItem
		if err := rows.Scan(&it.ProductID, &it.Title, &it.Description, &it.Quantity, &it.UnitPrice); err != nil {
			rows.Close()
			return ReserveResult{}, false, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return ReserveResult{}, false, err
	}
	rows.Close()
	if len(items) > 0 {
		return ReserveResult{OK: true, Items: items, Replayed: true}, true, nil
	}

	var reason string
	err = tx.QueryRowContext(ctx, `SELECT reason FROM reservation_failures WHERE order_id = $1`, orderID).Scan(&reason)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ReserveResult{}, false, nil
	case err != nil:
		return ReserveResult{}, false, fmt.Errorf("load rejected reservation %s: %w", orderID, err)
	}
	return ReserveResult{Reason: reason, Replayed: true}, true, nil
}

func lockProducts(ctx context.Context, tx *sql.Tx, ids []string) (map[string]Product, error) {
	out := make(map[string]Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	params := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT `+productCols+` FROM products WHERE id IN (`+strings.Join(params, ",")+`) ORDER BY id FOR UPDATE`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// Release puts an order's reserved stock back. Lines of products deleted in
// the meantime are marked released without a credit. An order that was never
// reserved gets a rejection record, so a late ReserveProducts debits nothing.
func (c *PostgresCatalog) Release(ctx context.Context, orderID string) (int, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockOrder(ctx, tx, orderID); err != nil {
		return 0, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, quantity FROM reservations
		WHERE order_id = $1 AND status = 'RESERVED'
		ORDER BY line_no FOR UPDATE`, orderID)
	if err != nil {
		return 0, fmt.Errorf("load reservation %s: %w", orderID, err)
	}
	type line struct {
		productID string
		qty       int
	}
	var lines []line
	for rows.Next() {
		var x line
		if err := rows.Scan(&x.productID, &x.qty); err != nil {
			rows.Close()
			return 0, err
		}
		lines = append(lines, x)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()
	if len(lines) == 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reservation_failures (order_id, reason)
			SELECT $1::text, $2::text
			WHERE NOT EXISTS (SELECT 1 FROM reservations WHERE order_id = $1)
			ON CONFLICT (order_id) DO NOTHING`, orderID, ReasonOrderCancelled); err != nil {
			return 0, fmt.Errorf("record cancelled reservation %s: %w", orderID, err)
		}
		return 0, tx.Commit()
	}

	for _, x := range lines {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock + $2, version = version + 1, updated_at = NOW()
			WHERE id = $1`, x.productID, x.qty); err != nil {
			return 0, fmt.Errorf("credit product %s: %w", x.productID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE reservations SET status = 'RELEASED'
		WHERE order_id = $1 AND status = 'RESERVED'`, orderID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(lines), nil
}

// Save creates or updates a product. A non-zero Version must match the stored
// one.
func (c *PostgresCatalog) Save(ctx context.Context, p Product, out events.Envelope) (Product, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return Product{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var saved Product
	if p.Version == 0 {
		saved, err = scanProduct(tx.QueryRowContext(ctx, `
			INSERT INTO products (id, title, description, price_cents, stock, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, NOW(), NOW())
			ON CONFLICT (id) DO UPDATE
			SET title = EXCLUDED.title, description = EXCLUDED.description,
			    price_cents = EXCLUDED.price_cents, stock = EXCLUDED.stock,
			    version = products.version + 1, updated_at = NOW()
			RETURNING `+productCols,
			p.ID, p.Title, p.Description, p.PriceCents, p.Stock))
	} else {
		saved, err = scanProduct(tx.QueryRowContext(ctx, `
			UPDATE products
			SET title = $2, description = $3, price_cents = $4, stock = $5,
			    version = version + 1, updated_at = NOW()
			WHERE id = $1 AND version = $6
			RETURNING `+productCols,
			p.ID, p.Title, p.Description, p.PriceCents, p.Stock, p.Version))
		if errors.Is(err, sql.ErrNoRows) {
			return Product{}, ErrConcurrentUpdate
		}
	}
	if err != nil {
		return Product{}, fmt.Errorf("save product %s: %w", p.ID, err)
	}
	if err := outbox.Append(ctx, tx, out); err != nil {
		return Product{}, err
	}
	if err := tx.Commit(); err != nil {
		return Product{}, err
	}
	return saved, nil
}

func (c *PostgresCatalog) Delete(ctx context.Context, productID string, out events.Envelope) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	if err != nil {
		return fmt.Errorf("delete product %s: %w", productID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	if err := outbox.Append(ctx, tx, out); err != nil {
		return err
	}
	return tx.Commit()
}
