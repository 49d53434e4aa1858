package orders

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		mock.ExpectClose()
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	})
	return db, mock
}

func TestRepo_CreateWritesOrderItemsAndOutbox(t *testing.T) {
	db, mock := newMockDB(t)
	o := Order{ID: "O1", CustomerID: "C1", Status: StatusNotStarted, CreatedAt: t0,
		Payment:            Payment{Method: "card"},
		DestinationAddress: Address{City: "Jakarta"},
		Items:              []Item{{ProductID: "P1", Quantity: 2}}}
	out := mustEvent(t, events.TypeOrderMade, "O1", events.OrderMade{OrderID: "O1", CustomerID: "C1"})
	out.Producer = Producer

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").
		WithArgs("O1", "C1", "NotStarted", "card", int64(0), "", "Jakarta", "", "", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_items").
		WithArgs("O1", 0, "P1", "", "", 2, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(Producer, events.TopicOrdersMade, "O1", events.TypeOrderMade, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := NewRepo(db).Create(context.Background(), o, out); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestRepo_CreateExisting(t *testing.T) {
	db, mock := newMockDB(t)
	out := mustEvent(t, events.TypeOrderMade, "O1", events.OrderMade{OrderID: "O1"})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := NewRepo(db).Create(context.Background(), Order{ID: "O1", Status: StatusNotStarted}, out)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestRepo_Get(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("FROM orders WHERE id").
		WithArgs("O1").
		WillReturnRows(sqlmock.NewRows([]string{
			"customer_id", "status", "payment_method", "amount_cents", "street", "city", "zip_code", "country",
			"cancel_reason", "version", "created_at", "updated_at",
		}).AddRow("C1", "InProgress", "card", int64(2500), "", "Jakarta", "", "ID", "", int64(2), t0, t0))
	mock.ExpectQuery("FROM order_items WHERE order_id").
		WithArgs("O1").
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "title", "description", "quantity", "unit_price"}).
			AddRow("P1", "Mug", "blue", int64(2), int64(1250)))

	o, err := NewRepo(db).Get(context.Background(), "O1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if o.Status != StatusInProgress || o.Version != 2 || len(o.Items) != 1 || o.Items[0].UnitPrice != 1250 {
		t.Fatalf("order = %+v", o)
	}
}

func TestRepo_GetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("FROM orders WHERE id").WithArgs("nope").WillReturnError(sql.ErrNoRows)

	if _, err := NewRepo(db).Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRepo_SaveStaleVersion(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE orders").
		WithArgs("O1", "Cancelled", "card", int64(0), "late", t0, int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	o := Order{ID: "O1", Status: StatusCancelled, Payment: Payment{Method: "card"}, CancelReason: "late", Version: 4, UpdatedAt: t0}
	if _, err := NewRepo(db).Save(context.Background(), o); !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("err = %v, want ErrConcurrentUpdate", err)
	}
}

func TestRepo_SaveWithCompensation(t *testing.T) {
	db, mock := newMockDB(t)
	release, err := cancelledEvent("O1", "changed my mind")
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM order_items").WithArgs("O1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_items").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(Producer, events.TopicOrderLifecycle, "O1", events.TypeOrderCancelled, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	o := Order{ID: "O1", Status: StatusCancelled, Version: 2, Items: []Item{{ProductID: "P1", Quantity: 1}}}
	saved, err := NewRepo(db).Save(context.Background(), o, release)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.Version != 3 {
		t.Fatalf("version = %d, want 3", saved.Version)
	}
}

func TestRepo_CancelByProduct(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE orders o").
		WithArgs("X", "product X deleted", t0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "status", "version"}).
			AddRow("A", "C1", "NotStarted", int64(2)).
			AddRow("C", "C2", "InProgress", int64(4)))
	mock.ExpectExec("DELETE FROM catalog_products").WithArgs("X").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(Producer, events.TopicOrderLifecycle, "C", events.TypeOrderCancelled, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := NewRepo(db).CancelByProduct(context.Background(), "X", "product X deleted", t0)
	if err != nil {
		t.Fatalf("CancelByProduct: %v", err)
	}
	if len(got) != 2 || got[0].Status != StatusCancelled || got[1].ID != "C" || got[1].Version != 4 {
		t.Fatalf("cancelled = %+v", got)
	}
}

func TestRepo_RefreshProduct(t *testing.T) {
	db, mock := newMockDB(t)
	p := CatalogProduct{ID: "P1", Title: "Big mug", Description: "larger", PriceCents: 1500, UpdatedAt: t0}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO catalog_products").
		WithArgs("P1", "Big mug", "larger", int64(1500), t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET version").
		WithArgs("P1", t0).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE order_items").
		WithArgs("P1", "Big mug", "larger", int64(1500)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	n, err := NewRepo(db).RefreshProduct(context.Background(), p)
	if err != nil {
		t.Fatalf("RefreshProduct: %v", err)
	}
	if n != 3 {
		t.Fatalf("lines = %d, want 3", n)
	}
}
