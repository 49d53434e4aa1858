package inventory

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

var ts = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

var (
	productColumns     = []string{"id", "title", "description", "price_cents", "stock", "version", "created_at", "updated_at"}
	reservationColumns = []string{"product_id", "title", "description", "quantity", "unit_price"}
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

func expectOrderLock(mock sqlmock.Sqlmock, orderID string) {
	mock.ExpectExec("SELECT pg_advisory_xact_lock\\(hashtext\\(\\$1\\)\\)").
		WithArgs(orderID).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectNoPriorOutcome(mock sqlmock.Sqlmock, orderID string) {
	mock.ExpectQuery("FROM reservations WHERE order_id").
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows(reservationColumns))
	mock.ExpectQuery("SELECT reason FROM reservation_failures").
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows([]string{"reason"}))
}

func TestPostgresCatalog_ReserveDebitsAllInOneTx(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	expectOrderLock(mock, "o-1")
	expectNoPriorOutcome(mock, "o-1")
	mock.ExpectQuery("FROM products WHERE id IN").
		WithArgs("p1", "p2").
		WillReturnRows(sqlmock.NewRows(productColumns).
			AddRow("p1", "Mug", "blue", int64(1250), int64(5), int64(3), ts, ts).
			AddRow("p2", "Tea", "", int64(800), int64(2), int64(1), ts, ts))
	mock.ExpectExec("UPDATE products").
		WithArgs("p1", 2, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE products").
		WithArgs("p2", 1, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO reservations").
		WithArgs("o-1", 0, "p1", "Mug", "blue", 2, int64(1250)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO reservations").
		WithArgs("o-1", 1, "p2", "Tea", "", 1, int64(800)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := NewPostgresCatalog(db).Reserve(context.Background(), "o-1", []events.ProductQuantity{pq("p1", 2), pq("p2", 1)})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !res.OK || res.Replayed || len(res.Items) != 2 || res.Items[0].UnitPrice != 1250 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPostgresCatalog_RejectWritesNoStock(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	expectOrderLock(mock, "o-1")
	expectNoPriorOutcome(mock, "o-1")
	mock.ExpectQuery("FROM products WHERE id IN").
		WithArgs("p1", "p2", "p3").
		WillReturnRows(sqlmock.NewRows(productColumns).
			AddRow("p3", "Lamp", "", int64(4500), int64(9), int64(1), ts, ts))
	mock.ExpectExec("INSERT INTO reservation_failures").
		WithArgs("o-1", "missing products: p1, p2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := NewPostgresCatalog(db).Reserve(context.Background(), "o-1",
		[]events.ProductQuantity{pq("p1", 1), pq("p2", 1), pq("p3", 1)})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.OK || res.Reason != "missing products: p1, p2" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPostgresCatalog_ReserveReplaysRecordedLines(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	expectOrderLock(mock, "o-1")
	mock.ExpectQuery("FROM reservations WHERE order_id").
		WithArgs("o-1").
		WillReturnRows(sqlmock.NewRows(reservationColumns).AddRow("p1", "Mug", "blue", int64(2), int64(1250)))
	mock.ExpectRollback()

	res, err := NewPostgresCatalog(db).Reserve(context.Background(), "o-1", []events.ProductQuantity{pq("p1", 2)})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !res.OK || !res.Replayed || res.Items[0].Quantity != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPostgresCatalog_ReserveReplaysRejection(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	expectOrderLock(mock, "o-1")
	mock.ExpectQuery("FROM reservations WHERE order_id").
		WithArgs("o-1").
		WillReturnRows(sqlmock.NewRows(reservationColumns))
	mock.ExpectQuery("SELECT reason FROM reservation_failures").
		WithArgs("o-1").
		WillReturnRows(sqlmock.NewRows([]string{"reason"}).AddRow("insufficient stock for product p1"))
	mock.ExpectRollback()

	res, err := NewPostgresCatalog(db).Reserve(context.Background(), "o-1", []events.ProductQuantity{pq("p1", 2)})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.OK || !res.Replayed || res.Reason != "insufficient stock for product p1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPostgresCatalog_VersionConflictRollsBack(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	expectOrderLock(mock, "o-1")
	expectNoPriorOutcome(mock, "o-1")
	mock.ExpectQuery("FROM products WHERE id IN").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(productColumns).AddRow("p1", "Mug", "", int64(1250), int64(5), int64(3), ts, ts))
	mock.ExpectExec("UPDATE products").
		WithArgs("p1", 2, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := NewPostgresCatalog(db).Reserve(context.Background(), "o-1", []events.ProductQuantity{pq("p1", 2)})
	if !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}
}

func TestPostgresCatalog_Release(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	expectOrderLock(mock, "o-1")
	mock.ExpectQuery("SELECT product_id, quantity FROM reservations").
		WithArgs("o-1").
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity"}).
			AddRow("p1", int64(2)).
			AddRow("p2", int64(1)))
	mock.ExpectExec("UPDATE products SET stock = stock \\+").
		WithArgs("p1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE products SET stock = stock \\+").
		WithArgs("p2", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE reservations SET status = 'RELEASED'").
		WithArgs("o-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := NewPostgresCatalog(db).Release(context.Background(), "o-1")
	if err != nil || n != 2 {
		t.Fatalf("Release = %d, %v", n, err)
	}
}

func TestPostgresCatalog_ReleaseNothingReserved(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	expectOrderLock(mock, "o-1")
	mock.ExpectQuery("SELECT product_id, quantity FROM reservations").
		WithArgs("o-1").
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity"}))
	mock.ExpectExec("INSERT INTO reservation_failures").
		WithArgs("o-1", ReasonOrderCancelled).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if n, err := NewPostgresCatalog(db).Release(context.Background(), "o-1"); err != nil || n != 0 {
		t.Fatalf("Release = %d, %v", n, err)
	}
}

func TestPostgresCatalog_ReserveLocksOrderBeforeReplay(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("o-1").
		WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	_, err := NewPostgresCatalog(db).Reserve(context.Background(), "o-1", []events.ProductQuantity{pq("p1", 2)})
	if err == nil {
		t.Fatalf("expected lock error")
	}
}

func TestPostgresCatalog_DeleteWritesOutbox(t *testing.T) {
	db, mock := newMockDB(t)
	out, _ := events.New(events.TypeProductDeleted, Producer, "p1", events.ProductDeleted{ProductID: "p1"})

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM products").
		WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(Producer, events.TopicCatalog, "p1", events.TypeProductDeleted, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := NewPostgresCatalog(db).Delete(context.Background(), "p1", out); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestPostgresCatalog_DeleteMissing(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM products").WithArgs("p9").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if err := NewPostgresCatalog(db).Delete(context.Background(), "p9", events.Envelope{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresCatalog_SaveStaleVersion(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE products").
		WithArgs("p1", "Mug", "", int64(1300), 4, int64(2)).
		WillReturnRows(sqlmock.NewRows(productColumns))
	mock.ExpectRollback()

	_, err := NewPostgresCatalog(db).Save(context.Background(),
		Product{ID: "p1", Title: "Mug", PriceCents: 1300, Stock: 4, Version: 2}, events.Envelope{})
	if !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}
}

func TestPostgresCatalog_Upsert(t *testing.T) {
	db, mock := newMockDB(t)
	out, _ := events.New(events.TypeProductUpdated, Producer, "p1", events.ProductUpdated{ProductID: "p1", Title: "Mug"})

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO products").
		WithArgs("p1", "Mug", "", int64(1300), 4).
		WillReturnRows(sqlmock.NewRows(productColumns).AddRow("p1", "Mug", "", int64(1300), int64(4), int64(1), ts, ts))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(Producer, events.TopicCatalog, "p1", events.TypeProductUpdated, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	p, err := NewPostgresCatalog(db).Save(context.Background(), Product{ID: "p1", Title: "Mug", PriceCents: 1300, Stock: 4}, out)
	if err != nil || p.Version != 1 {
		t.Fatalf("Save = %+v, %v", p, err)
	}
}
