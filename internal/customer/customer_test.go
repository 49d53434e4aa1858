package customer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

type capturePublisher struct {
	sent []events.Envelope
	err  error
}

func (c *capturePublisher) Publish(_ context.Context, env events.Envelope) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, env)
	return nil
}

type failingDirectory struct{}

func (failingDirectory) Exists(context.Context, string) (bool, error) {
	return false, errors.New("connection reset")
}

func checkCustomer(t *testing.T, orderID, customerID string) events.Envelope {
	t.Helper()
	env, err := events.New(events.TypeCheckCustomer, "fulfillment-saga", orderID,
		events.CheckCustomer{OrderID: orderID, CustomerID: customerID})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func newHandler(dir Directory, pub Publisher) *Handler {
	return NewHandler(dir, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name     string
		customer string
		want     string
		reason   string
	}{
		{"known customer", "c-1", events.TypeCheckedCustomer, ""},
		{"unknown customer", "c-404", events.TypeCheckingCustomerFailed, "customer c-404 not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &capturePublisher{}
			h := newHandler(NewMemoryDirectory("c-1"), pub)

			if err := h.Handle(context.Background(), checkCustomer(t, "o-1", tt.customer)); err != nil {
				t.Fatalf("not-found must not be an error: %v", err)
			}
			if len(pub.sent) != 1 || pub.sent[0].EventType != tt.want || pub.sent[0].CorrelationID != "o-1" {
				t.Fatalf("unexpected output: %+v", pub.sent)
			}
			if tt.reason != "" {
				failed, _ := events.Decode[events.CheckingCustomerFailed](pub.sent[0])
				if failed.Reason != tt.reason || failed.OrderID != "o-1" {
					t.Fatalf("unexpected payload: %+v", failed)
				}
			}
		})
	}
}

func TestHandler_DirectoryErrorIsRetryable(t *testing.T) {
	pub := &capturePublisher{}
	err := newHandler(failingDirectory{}, pub).Handle(context.Background(), checkCustomer(t, "o-1", "c-1"))
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(pub.sent) != 0 {
		t.Fatalf("nothing may be emitted on infrastructure failure")
	}
}

func TestHandler_PublishError(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	if err := newHandler(NewMemoryDirectory("c-1"), pub).Handle(context.Background(), checkCustomer(t, "o-1", "c-1")); err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestHandler_IgnoresOtherEvents(t *testing.T) {
	pub := &capturePublisher{}
	env, _ := events.New(events.TypeReserveProducts, "fulfillment-saga", "o-1", events.ReserveProducts{OrderID: "o-1"})
	if err := newHandler(NewMemoryDirectory(), pub).Handle(context.Background(), env); err != nil || len(pub.sent) != 0 {
		t.Fatalf("got %v, %+v", err, pub.sent)
	}
}

func TestHandler_Malformed(t *testing.T) {
	env := events.Envelope{EventType: events.TypeCheckCustomer, Payload: []byte(`"x"`)}
	err := newHandler(NewMemoryDirectory(), &capturePublisher{}).Handle(context.Background(), env)
	if !errors.Is(err, events.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestPostgresDirectory_Exists(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("c-2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	dir := NewPostgresDirectory(db)
	if ok, err := dir.Exists(context.Background(), "c-1"); err != nil || !ok {
		t.Fatalf("c-1: %v %v", ok, err)
	}
	if ok, err := dir.Exists(context.Background(), "c-2"); err != nil || ok {
		t.Fatalf("c-2: %v %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
