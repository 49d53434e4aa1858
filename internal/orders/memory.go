package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

// MemoryStore is the in-process Store used by tests and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	orders   map[string]Order
	catalog  map[string]CatalogProduct
	outboxed []events.Envelope
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: map[string]Order{}, catalog: map[string]CatalogProduct{}}
}

func cloneOrder(o Order) Order {
	o.Items = append([]Item(nil), o.Items...)
	return o
}

func (m *MemoryStore) Create(_ context.Context, o Order, out events.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrAlreadyExists
	}
	o.Version = 1
	o.UpdatedAt = o.CreatedAt
	m.orders[o.ID] = cloneOrder(o)
	m.outboxed = append(m.outboxed, out)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, orderID string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryStore) Save(_ context.Context, o Order, out ...events.Envelope) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.ID]
	if !ok || cur.Version != o.Version {
		return Order{}, ErrConcurrentUpdate
	}
	o.Version++
	m.orders[o.ID] = cloneOrder(o)
	m.outboxed = append(m.outboxed, out...)
	return cloneOrder(o), nil
}

func (m *MemoryStore) CancelByProduct(_ context.Context, productID, reason string, at time.Time) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cancelled []Order
	var queued []events.Envelope
	for id, o := range m.orders {
		if o.Status.Terminal() || !o.References(productID) {
			continue
		}
		if o.Status == StatusInProgress {
			env, err := cancelledEvent(id, reason)
			if err != nil {
				return nil, err
			}
			queued = append(queued, env)
		}
		o.Status = StatusCancelled
		o.CancelReason = reason
		o.UpdatedAt = at
		o.Version++
		m.orders[id] = o
		cancelled = append(cancelled, cloneOrder(o))
	}
	delete(m.catalog, productID)
	m.outboxed = append(m.outboxed, queued...)
	sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].ID < cancelled[j].ID })
	return cancelled, nil
}

func (m *MemoryStore) RefreshProduct(_ context.Context, p CatalogProduct) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.catalog[p.ID] = p
	lines := 0
	for id, o := range m.orders {
		touched := false
		for i := range o.Items {
			if o.Items[i].ProductID != p.ID {
				continue
			}
			o.Items[i].Title = p.Title
			o.Items[i].Description = p.Description
			o.Items[i].UnitPrice = p.PriceCents
			touched = true
			lines++
		}
		if touched {
			o.Version++
			o.UpdatedAt = p.UpdatedAt
			m.orders[id] = o
		}
	}
	return lines, nil
}

// CatalogProduct returns the local copy of a catalog product.
func (m *MemoryStore) CatalogProduct(productID string) (CatalogProduct, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.catalog[productID]
	return p, ok
}

// Drain hands over every event queued since the last call.
func (m *MemoryStore) Drain() []events.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.outboxed
	m.outboxed = nil
	return out
}
