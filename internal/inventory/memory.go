package inventory

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

type memReservation struct {
	items  []events.ReservedItem
	status ReservationStatus
}

// MemoryCatalog is the in-process Catalog used by tests and local runs.
type MemoryCatalog struct {
	mu       sync.Mutex
	products map[string]Product
	reserved map[string]*memReservation
	rejected map[string]string
	outboxed []events.Envelope
}

func NewMemoryCatalog(products ...Product) *MemoryCatalog {
	c := &MemoryCatalog{
		products: map[string]Product{},
		reserved: map[string]*memReservation{},
		rejected: map[string]string{},
	}
	for _, p := range products {
		if p.Version == 0 {
			p.Version = 1
		}
		c.products[p.ID] = p
	}
	return c
}

func (c *MemoryCatalog) Get(_ context.Context, productID string) (Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[productID]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

func (c *MemoryCatalog) Reserve(_ context.Context, orderID string, items []events.ProductQuantity) (ReserveResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.reserved[orderID]; ok {
		return ReserveResult{OK: true, Items: append([]events.ReservedItem(nil), r.items...), Replayed: true}, nil
	}
	if reason, ok := c.rejected[orderID]; ok {
		return ReserveResult{Reason: reason, Replayed: true}, nil
	}

	snapshot := map[string]Product{}
	for _, id := range uniqueIDs(items) {
		if p, ok := c.products[id]; ok {
			snapshot[id] = p
		}
	}
	plan, reason := PlanReservation(snapshot, items)
	if reason != "" {
		c.rejected[orderID] = reason
		return ReserveResult{Reason: reason}, nil
	}

	now := time.Now().UTC()
	for _, d := range plan.Debits {
		p := c.products[d.ProductID]
		p.Stock -= d.Quantity
		p.Version++
		p.UpdatedAt = now
		c.products[d.ProductID] = p
	}
	c.reserved[orderID] = &memReservation{items: plan.Items, status: StatusReserved}
	return ReserveResult{OK: true, Items: append([]events.ReservedItem(nil), plan.Items...)}, nil
}

func (c *MemoryCatalog) Release(_ context.Context, orderID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.reserved[orderID]
	if !ok {
		if _, rejected := c.rejected[orderID]; !rejected {
			c.rejected[orderID] = ReasonOrderCancelled
		}
		return 0, nil
	}
	if r.status != StatusReserved {
		return 0, nil
	}
	for _, it := range r.items {
		if p, ok := c.products[it.ProductID]; ok {
			p.Stock += it.Quantity
			p.Version++
			c.products[it.ProductID] = p
		}
	}
	r.status = StatusReleased
	return len(r.items), nil
}

func (c *MemoryCatalog) Save(_ context.Context, p Product, out events.Envelope) (Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	cur, exists := c.products[p.ID]
	switch {
	case p.Version != 0 && (!exists || cur.Version != p.Version):
		return Product{}, ErrConcurrentUpdate
	case exists:
		p.CreatedAt = cur.CreatedAt
		p.Version = cur.Version + 1
	default:
		p.CreatedAt = now
		p.Version = 1
	}
	p.UpdatedAt = now
	c.products[p.ID] = p
	c.outboxed = append(c.outboxed, out)
	return p, nil
}

func (c *MemoryCatalog) Delete(_ context.Context, productID string, out events.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.products[productID]; !ok {
		return ErrNotFound
	}
	delete(c.products, productID)
	c.outboxed = append(c.outboxed, out)
	return nil
}

// Drain hands over every catalog event written since the last call.
func (c *MemoryCatalog) Drain() []events.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outboxed
	c.outboxed = nil
	return out
}
