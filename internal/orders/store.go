package orders

import (
	"context"
	"time"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

const Producer = "ordering"

// Store persists orders. Every write is one unit of work together with the
// events it is given or derives, and every single-order write is guarded by
// Order.Version.
type Store interface {
	// Create inserts a NotStarted order and queues out (its OrderMade).
	Create(ctx context.Context, o Order, out events.Envelope) error
	Get(ctx context.Context, orderID string) (Order, error)
	// Save writes status, items, payment and cancel reason when the stored
	// version equals o.Version, and returns the order with its new version.
	Save(ctx context.Context, o Order, out ...events.Envelope) (Order, error)
	// CancelByProduct cancels every non-terminal order that references the
	// product and drops the product from the local catalog. Orders that were
	// InProgress also get an OrderCancelled queued so their stock is released.
	CancelByProduct(ctx context.Context, productID, reason string, at time.Time) ([]Order, error)
	// RefreshProduct upserts the local catalog row and rewrites the snapshot
	// of every order line referencing it. It reports how many lines changed.
	RefreshProduct(ctx context.Context, p CatalogProduct) (int, error)
}

func cancelledEvent(orderID, reason string) (events.Envelope, error) {
	return events.New(events.TypeOrderCancelled, Producer, orderID,
		events.OrderCancelled{OrderID: orderID, Reason: reason})
}
