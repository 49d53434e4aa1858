package saga

import (
	"fmt"
	"time"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

// ReasonCustomerCheckFailed is the cancel reason for a rejected customer. The
// participant's own detail stays in its logs.
const ReasonCustomerCheckFailed = "customer check failed"

// ReasonDeadlineExceeded cancels instances that waited longer than the
// configured saga deadline.
const ReasonDeadlineExceeded = "saga deadline exceeded"

type Op int

const (
	OpIgnore Op = iota
	OpCreate
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "ignore"
	}
}

// Decision is the result of applying one event to one instance. It carries
// everything the store needs to persist atomically.
type Decision struct {
	Op       Op
	Next     Instance
	Outbound []events.Envelope
	Outcome  Outcome
	Reason   string
	// Ignored explains an OpIgnore decision for logging.
	Ignored string
}

func ignore(why string) Decision { return Decision{Op: OpIgnore, Ignored: why} }

// Transition applies env to current (nil when no live instance exists). It
// performs no I/O. Duplicate, late and out-of-order events yield OpIgnore; a
// payload that cannot be decoded yields an error wrapping
// events.ErrMalformedPayload.
func Transition(current *Instance, env events.Envelope, now time.Time) (Decision, error) {
	_, step := terminalOrStep[env.EventType]
	if !step && env.EventType != events.TypeOrderMade {
		return ignore("event type not handled by saga"), nil
	}
	orderID, err := events.OrderIDOf(env)
	if err != nil {
		return Decision{}, err
	}

	if env.EventType == events.TypeOrderMade {
		if current != nil {
			return ignore("saga already started"), nil
		}
		return start(orderID, env, now)
	}

	if current == nil {
		return ignore("no live saga for order"), nil
	}
	exp, ok := expects[current.State]
	if !ok || (env.EventType != exp[0] && env.EventType != exp[1]) {
		return ignore(fmt.Sprintf("event not expected in state %s", current.State)), nil
	}

	next := *current
	next.UpdatedAt = now

	switch env.EventType {
	case events.TypeCheckedCustomer:
		if _, err := events.Decode[events.CheckedCustomer](env); err != nil {
			return Decision{}, err
		}
		cmd, err := events.New(events.TypeReserveProducts, Producer, orderID, events.ReserveProducts{
			OrderID: orderID,
			Items:   next.PendingProducts,
		})
		if err != nil {
			return Decision{}, err
		}
		next.State = StateReservingProducts
		return Decision{Op: OpUpdate, Next: next, Outbound: []events.Envelope{cmd}}, nil

	case events.TypeCheckingCustomerFailed:
		if _, err := events.Decode[events.CheckingCustomerFailed](env); err != nil {
			return Decision{}, err
		}
		return cancel(next, ReasonCustomerCheckFailed)

	case events.TypeReservedProducts:
		p, err := events.Decode[events.ReservedProducts](env)
		if err != nil {
			return Decision{}, err
		}
		out, err := events.New(events.TypeApproved, Producer, orderID, events.Approved{
			OrderID: orderID,
			Items:   p.Items,
		})
		if err != nil {
			return Decision{}, err
		}
		next.State = StateCompleted
		return Decision{Op: OpDelete, Next: next, Outbound: []events.Envelope{out}, Outcome: OutcomeApproved}, nil

	default: // ReservationFailed
		p, err := events.Decode[events.ReservationFailed](env)
		if err != nil {
			return Decision{}, err
		}
		return cancel(next, p.Reason)
	}
}

// Timeout force-cancels a live instance whose participant never answered.
// An instance waiting on inventory also emits OrderCancelled: the reservation
// may have been debited with its answer still in flight, and inventory either
// releases it or refuses the late command.
func Timeout(current Instance, reason string, now time.Time) (Decision, error) {
	if _, live := expects[current.State]; !live {
		return ignore("saga already finished"), nil
	}
	reserving := current.State == StateReservingProducts
	current.UpdatedAt = now
	d, err := cancel(current, reason)
	if err != nil || !reserving {
		return d, err
	}
	release, err := events.New(events.TypeOrderCancelled, Producer, current.CorrelationID, events.OrderCancelled{
		OrderID: current.CorrelationID,
		Reason:  reason,
	})
	if err != nil {
		return Decision{}, err
	}
	d.Outbound = append(d.Outbound, release)
	return d, nil
}

var terminalOrStep = map[string]struct{}{
	events.TypeCheckedCustomer:        {},
	events.TypeCheckingCustomerFailed: {},
	events.TypeReservedProducts:       {},
	events.TypeReservationFailed:      {},
}

func start(orderID string, env events.Envelope, now time.Time) (Decision, error) {
	p, err := events.Decode[events.OrderMade](env)
	if err != nil {
		return Decision{}, err
	}
	if p.CustomerID == "" {
		return Decision{}, fmt.Errorf("%w: OrderMade %s has no customer id", events.ErrMalformedPayload, orderID)
	}
	cmd, err := events.New(events.TypeCheckCustomer, Producer, orderID, events.CheckCustomer{
		OrderID:    orderID,
		CustomerID: p.CustomerID,
	})
	if err != nil {
		return Decision{}, err
	}
	inst := Instance{
		CorrelationID:   orderID,
		CustomerID:      p.CustomerID,
		State:           StateCheckingCustomer,
		PendingProducts: append([]events.ProductQuantity(nil), p.Items...),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return Decision{Op: OpCreate, Next: inst, Outbound: []events.Envelope{cmd}}, nil
}

func cancel(next Instance, reason string) (Decision, error) {
	out, err := events.New(events.TypeCanceled, Producer, next.CorrelationID, events.Canceled{
		OrderID: next.CorrelationID,
		Reason:  reason,
	})
	if err != nil {
		return Decision{}, err
	}
	next.State = StateCompleted
	return Decision{
		Op:       OpDelete,
		Next:     next,
		Outbound: []events.Envelope{out},
		Outcome:  OutcomeCanceled,
		Reason:   reason,
	}, nil
}
