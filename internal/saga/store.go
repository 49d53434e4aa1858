package saga

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

var (
	ErrNotFound         = errors.New("saga instance not found")
	ErrAlreadyExists    = errors.New("saga instance already exists")
	ErrConcurrentUpdate = errors.New("saga instance was modified concurrently")
)

// Change is one decision ready to be persisted. Instance.Version holds the
// version the decision was computed from; the store bumps it.
type Change struct {
	Op       Op
	Instance Instance
	Outbound []events.Envelope
	Outcome  Outcome
	Reason   string
}

func changeOf(d Decision) Change {
	return Change{Op: d.Op, Instance: d.Next, Outbound: d.Outbound, Outcome: d.Outcome, Reason: d.Reason}
}

// Store persists saga instances together with the messages they emit. Commit
// is atomic: either the instance change and every outbound envelope are stored,
// or nothing is.
//
// Create fails with ErrAlreadyExists when the correlation id is live or was
// already archived. Update and delete fail with ErrConcurrentUpdate when the
// stored version differs from Instance.Version.
type Store interface {
	Load(ctx context.Context, correlationID string) (Instance, error)
	Commit(ctx context.Context, c Change) error
	ListStale(ctx context.Context, before time.Time, limit int) ([]Instance, error)
}
