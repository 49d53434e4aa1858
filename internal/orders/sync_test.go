package orders

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recorder struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (r *recorder) OrderChanged(_ context.Context, c StatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) last(t *testing.T) StatusChange {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		t.Fatal("no status change was published")
	}
	return r.changes[len(r.changes)-1]
}

func mustEvent(t *testing.T, typ, correlationID string, payload any) events.Envelope {
	t.Helper()
	env, err := events.New(typ, "test", correlationID, payload)
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	return env
}

func seed(t *testing.T, store *MemoryStore, o Order) {
	t.Helper()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = t0
	}
	out := mustEvent(t, events.TypeOrderMade, o.ID, events.OrderMade{OrderID: o.ID, CustomerID: o.CustomerID})
	if err := store.Create(context.Background(), o, out); err != nil {
		t.Fatalf("seed %s: %v", o.ID, err)
	}
	store.Drain()
}

func setStatus(t *testing.T, store *MemoryStore, id string, s Status) {
	t.Helper()
	o, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	o.Status = s
	if _, err := store.Save(context.Background(), o); err != nil {
		t.Fatalf("save %s: %v", id, err)
	}
}

func newTestSync() (*Sync, *MemoryStore, *recorder) {
	store := NewMemoryStore()
	rec := &recorder{}
	s := NewSync(store, rec, quietLogger())
	s.now = func() time.Time { return t0.Add(time.Minute) }
	return s, store, rec
}

func typesOf(envs []events.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.EventType)
	}
	return out
}

func TestSync_ApprovedStartsOrderWithSnapshots(t *testing.T) {
	s, store, rec := newTestSync()
	ctx := context.Background()
	seed(t, store, Order{ID: "O1", CustomerID: "C1", Status: StatusNotStarted,
		Items: []Item{{ProductID: "P1", Quantity: 2}}})

	err := s.Handle(ctx, mustEvent(t, events.TypeApproved, "O1", events.Approved{
		OrderID: "O1",
		Items:   []events.ReservedItem{{ProductID: "P1", Title: "Mug", Description: "blue", Quantity: 2, UnitPrice: 1250}},
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	o, _ := store.Get(ctx, "O1")
	if o.Status != StatusInProgress {
		t.Fatalf("status = %s, want InProgress", o.Status)
	}
	if o.Payment.AmountCents != 2500 {
		t.Fatalf("amount = %d, want 2500", o.Payment.AmountCents)
	}
	if len(o.Items) != 1 || o.Items[0].Title != "Mug" || o.Items[0].UnitPrice != 1250 {
		t.Fatalf("items = %+v", o.Items)
	}
	if c := rec.last(t); c.Status != StatusInProgress || c.Version != 2 {
		t.Fatalf("change = %+v", c)
	}
	if got := store.Drain(); len(got) != 0 {
		t.Fatalf("approval must not queue events, got %v", typesOf(got))
	}
}

func TestSync_ApprovedTwiceIsNoop(t *testing.T) {
	s, store, _ := newTestSync()
	ctx := context.Background()
	seed(t, store, Order{ID: "O1", CustomerID: "C1", Status: StatusNotStarted})

	env := mustEvent(t, events.TypeApproved, "O1", events.Approved{OrderID: "O1",
		Items: []events.ReservedItem{{ProductID: "P1", Quantity: 1, UnitPrice: 100}}})
	for i := 0; i < 2; i++ {
		if err := s.Handle(ctx, env); err != nil {
			t.Fatalf("Handle #%d: %v", i, err)
		}
	}
	o, _ := store.Get(ctx, "O1")
	if o.Version != 2 {
		t.Fatalf("version = %d, want 2", o.Version)
	}
}

func TestSync_ApprovedAfterCancelReleasesStock(t *testing.T) {
	s, store, rec := newTestSync()
	ctx := context.Background()
	seed(t, store, Order{ID: "O1", CustomerID: "C1", Status: StatusNotStarted})
	setStatus(t, store, "O1", StatusCancelled)

	err := s.Handle(ctx, mustEvent(t, events.TypeApproved, "O1", events.Approved{OrderID: "O1",
		Items: []events.ReservedItem{{ProductID: "P1", Quantity: 1, UnitPrice: 100}}}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	o, _ := store.Get(ctx, "O1")
	if o.Status != StatusCancelled {
		t.Fatalf("status = %s, want Cancelled", o.Status)
	}
	out := store.Drain()
	if len(out) != 1 || out[0].EventType != events.TypeOrderCancelled {
		t.Fatalf("queued = %v, want one OrderCancelled", typesOf(out))
	}
	if len(rec.changes) != 0 {
		t.Fatalf("no status change expected, got %+v", rec.changes)
	}
}

func TestSync_CanceledCancelsNotStartedOrder(t *testing.T) {
	s, store, rec := newTestSync()
	ctx := context.Background()
	seed(t, store, Order{ID: "O1", CustomerID: "C1", Status: StatusNotStarted})

	err := s.Handle(ctx, mustEvent(t, events.TypeCanceled, "O1",
		events.Canceled{OrderID: "O1", Reason: "insufficient stock for product P1"}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	o, _ := store.Get(ctx, "O1")
	if o.Status != StatusCancelled || o.CancelReason != "insufficient stock for product P1" {
		t.Fatalf("order = %+v", o)
	}
	if c := rec.last(t); c.Status != StatusCancelled || c.Reason != o.CancelReason {
		t.Fatalf("change = %+v", c)
	}
	if got := store.Drain(); len(got) != 0 {
		t.Fatalf("saga cancellation must not queue events, got %v", typesOf(got))
	}
}

func TestSync_CanceledIgnoredForTerminalOrder(t *testing.T) {
	s, store, _ := newTestSync()
	ctx := context.Background()
	seed(t, store, Order{ID: "O1", CustomerID: "C1", Status: StatusNotStarted})
	setStatus(t, store, "O1", StatusInProgress)
	setStatus(t, store, "O1", StatusCompleted)

	if err := s.Handle(ctx, mustEvent(t, events.TypeCanceled, "O1", events.Canceled{OrderID: "O1", Reason: "late"})); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	o, _ := store.Get(ctx, "O1")
	if o.Status != StatusCompleted {
		t.Fatalf("status = %s, want Completed", o.Status)
	}
}

func TestSync_OutcomeForUnknownOrderIsDropped(t *testing.T) {
	s, _, _ := newTestSync()
	err := s.Handle(context.Background(), mustEvent(t, events.TypeCanceled, "nope", events.Canceled{OrderID: "nope"}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func TestSync_ProductDeletedCancelsReferencingOrders(t *testing.T) {
	s, store, rec := newTestSync()
	ctx := context.Background()

	seed(t, store, Order{ID: "A", CustomerID: "C1", Status: StatusNotStarted,
		Items: []Item{{ProductID: "X", Quantity: 1}, {ProductID: "Y", Quantity: 1}}})
	seed(t, store, Order{ID: "B", CustomerID: "C1", Status: StatusNotStarted,
		Items: []Item{{ProductID: "Y", Quantity: 3}}})
	seed(t, store, Order{ID: "C", CustomerID: "C2", Status: StatusNotStarted,
		Items: []Item{{ProductID: "X", Quantity: 2}}})
	setStatus(t, store, "C", StatusInProgress)
	if _, err := store.RefreshProduct(ctx, CatalogProduct{ID: "X", Title: "Lamp", PriceCents: 900}); err != nil {
		t.Fatal(err)
	}

	if err := s.Handle(ctx, mustEvent(t, events.TypeProductDeleted, "X", events.ProductDeleted{ProductID: "X"})); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	for _, id := range []string{"A", "C"} {
		o, _ := store.Get(ctx, id)
		if o.Status != StatusCancelled || o.CancelReason != "product X deleted" {
			t.Fatalf("order %s = %s %q, want Cancelled", id, o.Status, o.CancelReason)
		}
	}
	if b, _ := store.Get(ctx, "B"); b.Status != StatusNotStarted {
		t.Fatalf("order B = %s, want NotStarted", b.Status)
	}
	if _, ok := store.CatalogProduct("X"); ok {
		t.Fatal("X still in the local catalog")
	}

	out := store.Drain()
	if len(out) != 1 || out[0].EventType != events.TypeOrderCancelled || out[0].CorrelationID != "C" {
		t.Fatalf("queued = %+v, want one OrderCancelled for C", out)
	}
	if len(rec.changes) != 2 || rec.changes[0].OrderID != "A" || rec.changes[1].OrderID != "C" {
		t.Fatalf("changes = %+v", rec.changes)
	}
}

func TestSync_ProductUpdatedRefreshesLines(t *testing.T) {
	s, store, _ := newTestSync()
	ctx := context.Background()
	seed(t, store, Order{ID: "O1", CustomerID: "C1", Status: StatusNotStarted,
		Items: []Item{{ProductID: "P1", Title: "Mug", Quantity: 2, UnitPrice: 1250}}})

	err := s.Handle(ctx, mustEvent(t, events.TypeProductUpdated, "P1", events.ProductUpdated{
		ProductID: "P1", Title: "Big mug", Description: "now larger", Price: 1500,
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	o, _ := store.Get(ctx, "O1")
	if o.Items[0].Title != "Big mug" || o.Items[0].UnitPrice != 1500 {
		t.Fatalf("line = %+v", o.Items[0])
	}
	if o.Version != 2 {
		t.Fatalf("version = %d, want 2", o.Version)
	}
	if p, ok := store.CatalogProduct("P1"); !ok || p.PriceCents != 1500 {
		t.Fatalf("catalog = %+v, %v", p, ok)
	}
}

func TestSync_CatalogEventWithoutProductIsMalformed(t *testing.T) {
	s, _, _ := newTestSync()
	err := s.Handle(context.Background(), mustEvent(t, events.TypeProductDeleted, "", events.ProductDeleted{}))
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestSync_IgnoresOtherEvents(t *testing.T) {
	s, _, _ := newTestSync()
	if err := s.Handle(context.Background(), events.Envelope{EventType: events.TypeCheckCustomer}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}
