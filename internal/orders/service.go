package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

type ItemInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type PlaceOrderInput struct {
	// OrderID is optional. Supplying it makes PlaceOrder idempotent.
	OrderID            string      `json:"order_id"`
	CustomerID         string      `json:"customer_id"`
	Items              []ItemInput `json:"items"`
	PaymentMethod      string      `json:"payment_method"`
	DestinationAddress Address     `json:"destination_address"`
}

// Service is the command side of the ordering service.
type Service struct {
	store  Store
	notify Notifier
	log    *slog.Logger
	now    func() time.Time
}

func NewService(store Store, notify Notifier, logger *slog.Logger) *Service {
	if notify == nil {
		notify = nopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, notify: notify, log: logger, now: func() time.Time { return time.Now().UTC() }}
}

func validate(in PlaceOrderInput) error {
	if strings.TrimSpace(in.CustomerID) == "" {
		return fmt.Errorf("%w: customer_id is required", ErrInvalidOrder)
	}
	if len(in.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	}
	for i, it := range in.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return fmt.Errorf("%w: item %d has no product_id", ErrInvalidOrder, i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: item %d must have a positive quantity", ErrInvalidOrder, i)
		}
	}
	return nil
}

// PlaceOrder stores a NotStarted order and queues its OrderMade in the same
// unit of work. Placing an existing order id returns the stored order and
// created=false.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (o Order, created bool, err error) {
	if err := validate(in); err != nil {
		return Order{}, false, err
	}
	if in.OrderID == "" {
		in.OrderID = uuid.NewString()
	}

	now := s.now()
	o = Order{
		ID:                 in.OrderID,
		CustomerID:         in.CustomerID,
		Status:             StatusNotStarted,
		Payment:            Payment{Method: in.PaymentMethod},
		DestinationAddress: in.DestinationAddress,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	made := events.OrderMade{OrderID: o.ID, CustomerID: o.CustomerID}
	for _, it := range in.Items {
		o.Items = append(o.Items, Item{ProductID: it.ProductID, Quantity: it.Quantity})
		made.Items = append(made.Items, events.ProductQuantity{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	out, err := events.New(events.TypeOrderMade, Producer, o.ID, made)
	if err != nil {
		return Order{}, false, err
	}

	err = s.store.Create(ctx, o, out)
	if errors.Is(err, ErrAlreadyExists) {
		existing, gerr := s.store.Get(ctx, o.ID)
		return existing, false, gerr
	}
	if err != nil {
		return Order{}, false, err
	}
	s.log.InfoContext(ctx, "order placed", "order_id", o.ID, "customer_id", o.CustomerID, "lines", len(o.Items))
	s.notify.OrderChanged(ctx, o.Change())
	return o, true, nil
}

func (s *Service) Get(ctx context.Context, orderID string) (Order, error) {
	return s.store.Get(ctx, orderID)
}

// Cancel cancels a non-terminal order on request. Stock already debited for
// an InProgress order is handed back through OrderCancelled.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if !CanTransition(o.Status, StatusCancelled) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, StatusCancelled)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by customer"
	}

	var out []events.Envelope
	if o.Status == StatusInProgress {
		env, err := cancelledEvent(o.ID, reason)
		if err != nil {
			return Order{}, err
		}
		out = append(out, env)
	}
	o.Status = StatusCancelled
	o.CancelReason = reason
	o.UpdatedAt = s.now()
	saved, err := s.store.Save(ctx, o, out...)
	if err != nil {
		return Order{}, err
	}
	s.log.InfoContext(ctx, "order cancelled", "order_id", o.ID, "reason", reason)
	s.notify.OrderChanged(ctx, saved.Change())
	return saved, nil
}

func (s *Service) Complete(ctx context.Context, orderID string) (Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if !CanTransition(o.Status, StatusCompleted) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, StatusCompleted)
	}
	o.Status = StatusCompleted
	o.UpdatedAt = s.now()
	saved, err := s.store.Save(ctx, o)
	if err != nil {
		return Order{}, err
	}
	s.log.InfoContext(ctx, "order completed", "order_id", o.ID)
	s.notify.OrderChanged(ctx, saved.Change())
	return saved, nil
}
