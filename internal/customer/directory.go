package customer

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Directory answers whether a customer may place orders.
type Directory interface {
	Exists(ctx context.Context, customerID string) (bool, error)
}

type PostgresDirectory struct{ DB *sql.DB }

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory { return &PostgresDirectory{DB: db} }

func (d *PostgresDirectory) Exists(ctx context.Context, customerID string) (bool, error) {
	var ok bool
	err := d.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM customers WHERE id = $1 AND active)`, customerID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("lookup customer %s: %w", customerID, err)
	}
	return ok, nil
}

type MemoryDirectory struct {
	mu  sync.RWMutex
	ids map[string]bool
}

func NewMemoryDirectory(ids ...string) *MemoryDirectory {
	d := &MemoryDirectory{ids: map[string]bool{}}
	for _, id := range ids {
		d.ids[id] = true
	}
	return d
}

func (d *MemoryDirectory) Exists(_ context.Context, customerID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ids[customerID], nil
}
