package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	TypeOrderMade              = "OrderMade"
	TypeCheckCustomer          = "CheckCustomer"
	TypeCheckedCustomer        = "CheckedCustomer"
	TypeCheckingCustomerFailed = "CheckingCustomerFailed"
	TypeReserveProducts        = "ReserveProducts"
	TypeReservedProducts       = "ReservedProducts"
	TypeReservationFailed      = "ReservationFailed"
	TypeApproved               = "Approved"
	TypeCanceled               = "Canceled"
	TypeProductDeleted         = "ProductDeleted"
	TypeProductUpdated         = "ProductUpdated"
	TypeOrderCancelled         = "OrderCancelled"
)

// ErrMalformedPayload marks a message that can never be processed, no matter
// how often it is redelivered.
var ErrMalformedPayload = errors.New("malformed event payload")

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id, or product id for catalog events
	Payload       json.RawMessage `json:"payload"`
}

// New wraps payload in a fresh envelope.
func New(eventType, producer, correlationID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       b,
	}, nil
}

// Decode unwraps the payload of env into T.
func Decode[T any](env Envelope) (T, error) {
	var t T
	if err := json.Unmarshal(env.Payload, &t); err != nil {
		return t, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.EventType, err)
	}
	return t, nil
}

// OrderIDOf returns the order an event belongs to. The payload wins over the
// envelope correlation id when both are present.
func OrderIDOf(env Envelope) (string, error) {
	var ref struct {
		OrderID string `json:"order_id"`
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &ref); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.EventType, err)
		}
	}
	if ref.OrderID != "" {
		return ref.OrderID, nil
	}
	if env.CorrelationID != "" {
		return env.CorrelationID, nil
	}
	return "", fmt.Errorf("%w: %s carries no order id", ErrMalformedPayload, env.EventType)
}

// ---- payloads ----

type ProductQuantity struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// ReservedItem is the product snapshot taken at reservation time. It carries
// everything the order needs to be finalized without asking the catalog again.
type ReservedItem struct {
	ProductID   string `json:"product_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

type OrderMade struct {
	OrderID    string            `json:"order_id"`
	CustomerID string            `json:"customer_id"`
	Items      []ProductQuantity `json:"items"`
}

type CheckCustomer struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
}

type CheckedCustomer struct {
	OrderID string `json:"order_id"`
}

type CheckingCustomerFailed struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

type ReserveProducts struct {
	OrderID string            `json:"order_id"`
	Items   []ProductQuantity `json:"items"`
}

type ReservedProducts struct {
	OrderID string         `json:"order_id"`
	Items   []ReservedItem `json:"items"`
}

type ReservationFailed struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type Approved struct {
	OrderID string         `json:"order_id"`
	Items   []ReservedItem `json:"items"`
}

type Canceled struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type ProductDeleted struct {
	ProductID string `json:"product_id"`
}

type ProductUpdated struct {
	ProductID   string `json:"product_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
}

// OrderCancelled asks inventory to release an order's reservation. The
// ordering service emits it when a debited order gets cancelled, the saga when
// it gives up on an order while inventory may still be reserving.
type OrderCancelled struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}
