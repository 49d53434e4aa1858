package inventory

import (
	"context"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

// ReserveResult is the recorded answer to one ReserveProducts command.
// Replayed is set when the answer comes from an earlier delivery.
type ReserveResult struct {
	OK       bool
	Items    []events.ReservedItem
	Reason   string
	Replayed bool
}

// Catalog owns product stock. Every method runs as one unit of work.
//
// Reserve is all or nothing and remembers its answer per order, so a
// redelivered command gets the same answer without touching stock again.
// Release re-credits an order's reserved lines once and reports how many
// lines it released. Save and Delete write the given catalog event in the
// same unit of work as the product change.
type Catalog interface {
	Reserve(ctx context.Context, orderID string, items []events.ProductQuantity) (ReserveResult, error)
	Release(ctx context.Context, orderID string) (int, error)
	Get(ctx context.Context, productID string) (Product, error)
	Save(ctx context.Context, p Product, out events.Envelope) (Product, error)
	Delete(ctx context.Context, productID string, out events.Envelope) error
}
