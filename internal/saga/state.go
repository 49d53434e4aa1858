package saga

import (
	"time"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

// Producer is the envelope producer name for everything the orchestrator emits.
const Producer = "fulfillment-saga"

type State string

const (
	StateCheckingCustomer  State = "CheckingCustomer"
	StateReservingProducts State = "ReservingProducts"
	// StateCompleted is only ever written to the archive; a live instance never
	// holds it.
	StateCompleted State = "Completed"
)

// expects lists the single event type each live state acts on for the happy
// path and for the failure path.
var expects = map[State][2]string{
	StateCheckingCustomer:  {events.TypeCheckedCustomer, events.TypeCheckingCustomerFailed},
	StateReservingProducts: {events.TypeReservedProducts, events.TypeReservationFailed},
}

type Outcome string

const (
	OutcomeApproved Outcome = "Approved"
	OutcomeCanceled Outcome = "Canceled"
)

// Instance is the persisted progress of one order's saga.
type Instance struct {
	CorrelationID   string
	CustomerID      string
	State           State
	PendingProducts []events.ProductQuantity
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Archived is what remains of an instance after it reached a terminal outcome.
type Archived struct {
	CorrelationID string
	CustomerID    string
	Outcome       Outcome
	Reason        string
	CreatedAt     time.Time
	FinishedAt    time.Time
}
