package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-fulfillment-saga/internal/outbox"
)

type PostgresStore struct{ DB *sql.DB }

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{DB: db} }

func (s *PostgresStore) Load(ctx context.Context, correlationID string) (Instance, error) {
	inst := Instance{CorrelationID: correlationID}
	var pending []byte
	err := s.DB.QueryRowContext(ctx, `
		SELECT customer_id, state, pending_products, version, created_at, updated_at
		FROM saga_instances WHERE correlation_id = $1`, correlationID,
	).Scan(&inst.CustomerID, &inst.State, &pending, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, fmt.Errorf("load saga %s: %w", correlationID, err)
	}
	if err := json.Unmarshal(pending, &inst.PendingProducts); err != nil {
		return Instance{}, fmt.Errorf("decode pending products of saga %s: %w", correlationID, err)
	}
	return inst, nil
}

func (s *PostgresStore) Commit(ctx context.Context, c Change) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	inst := c.Instance
	switch c.Op {
	case OpCreate:
		pending, err := json.Marshal(inst.PendingProducts)
		if err != nil {
			return err
		}
		// archived ids stay dead so a late OrderMade cannot restart the saga
		res, err := tx.ExecContext(ctx, `
			INSERT INTO saga_instances (correlation_id, customer_id, state, pending_products, version, created_at, updated_at)
			SELECT $1, $2, $3, $4, 1, $5, $5
			WHERE NOT EXISTS (SELECT 1 FROM saga_archive WHERE correlation_id = $1)
			ON CONFLICT (correlation_id) DO NOTHING`,
			inst.CorrelationID, inst.CustomerID, string(inst.State), pending, inst.CreatedAt)
		if err != nil {
			return fmt.Errorf("create saga %s: %w", inst.CorrelationID, err)
		}
		if err := expectOne(res, ErrAlreadyExists); err != nil {
			return err
		}

	case OpUpdate:
		pending, err := json.Marshal(inst.PendingProducts)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE saga_instances
			SET state = $2, pending_products = $3, version = version + 1, updated_at = $4
			WHERE correlation_id = $1 AND version = $5`,
			inst.CorrelationID, string(inst.State), pending, inst.UpdatedAt, inst.Version)
		if err != nil {
			return fmt.Errorf("update saga %s: %w", inst.CorrelationID, err)
		}
		if err := expectOne(res, ErrConcurrentUpdate); err != nil {
			return err
		}

	case OpDelete:
		res, err := tx.ExecContext(ctx, `
			DELETE FROM saga_instances WHERE correlation_id = $1 AND version = $2`,
			inst.CorrelationID, inst.Version)
		if err != nil {
			return fmt.Errorf("finish saga %s: %w", inst.CorrelationID, err)
		}
		if err := expectOne(res, ErrConcurrentUpdate); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO saga_archive (correlation_id, customer_id, outcome, reason, created_at, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (correlation_id) DO NOTHING`,
			inst.CorrelationID, inst.CustomerID, string(c.Outcome), c.Reason, inst.CreatedAt, inst.UpdatedAt,
		); err != nil {
			return fmt.Errorf("archive saga %s: %w", inst.CorrelationID, err)
		}

	default:
		return fmt.Errorf("commit saga %s: unsupported op %s", inst.CorrelationID, c.Op)
	}

	for _, env := range c.Outbound {
		if err := outbox.Append(ctx, tx, env); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ListStale(ctx context.Context, before time.Time, limit int) ([]Instance, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT correlation_id, customer_id, state, pending_products, version, created_at, updated_at
		FROM saga_instances
		WHERE updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale sagas: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var inst Instance
		var pending []byte
		if err := rows.Scan(&inst.CorrelationID, &inst.CustomerID, &inst.State, &pending,
			&inst.Version, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(pending, &inst.PendingProducts); err != nil {
			return nil, fmt.Errorf("decode pending products of saga %s: %w", inst.CorrelationID, err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Archived returns the terminal record of a finished saga.
func (s *PostgresStore) Archived(ctx context.Context, correlationID string) (Archived, error) {
	a := Archived{CorrelationID: correlationID}
	var outcome string
	err := s.DB.QueryRowContext(ctx, `
		SELECT customer_id, outcome, reason, created_at, finished_at
		FROM saga_archive WHERE correlation_id = $1`, correlationID,
	).Scan(&a.CustomerID, &outcome, &a.Reason, &a.CreatedAt, &a.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Archived{}, ErrNotFound
	}
	if err != nil {
		return Archived{}, fmt.Errorf("load archived saga %s: %w", correlationID, err)
	}
	a.Outcome = Outcome(outcome)
	return a, nil
}

func expectOne(res sql.Result, conflict error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return conflict
	}
	return nil
}
