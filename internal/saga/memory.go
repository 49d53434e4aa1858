package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

// MemoryStore keeps instances and their outbox in process. Used by tests and
// by local runs without Postgres.
type MemoryStore struct {
	mu       sync.Mutex
	live     map[string]Instance
	archive  map[string]Archived
	outboxed []events.Envelope
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{live: map[string]Instance{}, archive: map[string]Archived{}}
}

func (m *MemoryStore) Load(_ context.Context, correlationID string) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.live[correlationID]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return clone(inst), nil
}

func (m *MemoryStore) Commit(_ context.Context, c Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst := clone(c.Instance)
	id := inst.CorrelationID
	cur, live := m.live[id]

	switch c.Op {
	case OpCreate:
		if _, done := m.archive[id]; live || done {
			return ErrAlreadyExists
		}
		inst.Version = 1
		m.live[id] = inst
	case OpUpdate:
		if !live || cur.Version != inst.Version {
			return ErrConcurrentUpdate
		}
		inst.Version++
		m.live[id] = inst
	case OpDelete:
		if !live || cur.Version != inst.Version {
			return ErrConcurrentUpdate
		}
		delete(m.live, id)
		m.archive[id] = Archived{
			CorrelationID: id,
			CustomerID:    inst.CustomerID,
			Outcome:       c.Outcome,
			Reason:        c.Reason,
			CreatedAt:     inst.CreatedAt,
			FinishedAt:    inst.UpdatedAt,
		}
	default:
		return fmt.Errorf("commit saga %s: unsupported op %s", id, c.Op)
	}
	m.outboxed = append(m.outboxed, c.Outbound...)
	return nil
}

func (m *MemoryStore) ListStale(_ context.Context, before time.Time, limit int) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Instance
	for _, inst := range m.live {
		if inst.UpdatedAt.Before(before) {
			out = append(out, clone(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Archived(_ context.Context, correlationID string) (Archived, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.archive[correlationID]
	if !ok {
		return Archived{}, ErrNotFound
	}
	return a, nil
}

// Drain hands over every envelope committed since the last call.
func (m *MemoryStore) Drain() []events.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.outboxed
	m.outboxed = nil
	return out
}

func (m *MemoryStore) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func clone(inst Instance) Instance {
	inst.PendingProducts = append([]events.ProductQuantity(nil), inst.PendingProducts...)
	return inst
}
