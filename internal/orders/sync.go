package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

// Notifier is told about every committed status change.
type Notifier interface {
	OrderChanged(ctx context.Context, c StatusChange)
}

type nopNotifier struct{}

func (nopNotifier) OrderChanged(context.Context, StatusChange) {}

// Notifiers fans one change out to several notifiers.
type Notifiers []Notifier

func (ns Notifiers) OrderChanged(ctx context.Context, c StatusChange) {
	for _, n := range ns {
		n.OrderChanged(ctx, c)
	}
}

// Sync applies saga outcomes and catalog events to orders.
type Sync struct {
	store  Store
	notify Notifier
	log    *slog.Logger
	now    func() time.Time
}

func NewSync(store Store, notify Notifier, logger *slog.Logger) *Sync {
	if notify == nil {
		notify = nopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sync{store: store, notify: notify, log: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Sync) Handle(ctx context.Context, env events.Envelope) error {
	switch env.EventType {
	case events.TypeApproved:
		return s.HandleApproved(ctx, env)
	case events.TypeCanceled:
		return s.HandleCanceled(ctx, env)
	case events.TypeProductDeleted:
		return s.HandleProductDeleted(ctx, env)
	case events.TypeProductUpdated:
		return s.HandleProductUpdated(ctx, env)
	default:
		return nil
	}
}

func (s *Sync) load(ctx context.Context, env events.Envelope) (Order, bool, error) {
	id, err := events.OrderIDOf(env)
	if err != nil {
		return Order{}, false, err
	}
	o, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		s.log.WarnContext(ctx, "outcome for unknown order dropped", "order_id", id, "event_type", env.EventType)
		return Order{}, false, nil
	}
	if err != nil {
		return Order{}, false, err
	}
	return o, true, nil
}

// HandleApproved attaches the reserved snapshots and starts the order. An
// order cancelled while the saga was running hands its stock back instead.
func (s *Sync) HandleApproved(ctx context.Context, env events.Envelope) error {
	p, err := events.Decode[events.Approved](env)
	if err != nil {
		return err
	}
	o, ok, err := s.load(ctx, env)
	if err != nil || !ok {
		return err
	}

	switch o.Status {
	case StatusNotStarted:
		o.Items = make([]Item, 0, len(p.Items))
		for _, it := range p.Items {
			o.Items = append(o.Items, Item{
				ProductID:   it.ProductID,
				Title:       it.Title,
				Description: it.Description,
				Quantity:    it.Quantity,
				UnitPrice:   it.UnitPrice,
			})
		}
		o.Payment.AmountCents = o.total()
		o.Status = StatusInProgress
		o.UpdatedAt = s.now()
		saved, err := s.store.Save(ctx, o)
		if err != nil {
			return fmt.Errorf("approve order %s: %w", o.ID, err)
		}
		s.log.InfoContext(ctx, "order approved", "order_id", o.ID, "amount_cents", saved.Payment.AmountCents)
		s.notify.OrderChanged(ctx, saved.Change())
		return nil

	case StatusCancelled:
		release, err := cancelledEvent(o.ID, o.CancelReason)
		if err != nil {
			return err
		}
		o.UpdatedAt = s.now()
		if _, err := s.store.Save(ctx, o, release); err != nil {
			return fmt.Errorf("release cancelled order %s: %w", o.ID, err)
		}
		s.log.InfoContext(ctx, "approval for cancelled order, releasing stock", "order_id", o.ID)
		return nil

	default:
		return nil
	}
}

// HandleCanceled cancels an order the saga gave up on. The saga itself asks
// inventory to release anything reserved on this path, so no compensation is
// queued here.
func (s *Sync) HandleCanceled(ctx context.Context, env events.Envelope) error {
	p, err := events.Decode[events.Canceled](env)
	if err != nil {
		return err
	}
	o, ok, err := s.load(ctx, env)
	if err != nil || !ok {
		return err
	}
	if !CanTransition(o.Status, StatusCancelled) {
		return nil
	}
	if o.Status != StatusNotStarted {
		s.log.WarnContext(ctx, "saga cancellation for started order ignored", "order_id", o.ID, "status", string(o.Status))
		return nil
	}

	o.Status = StatusCancelled
	o.CancelReason = p.Reason
	o.UpdatedAt = s.now()
	saved, err := s.store.Save(ctx, o)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", o.ID, err)
	}
	s.log.InfoContext(ctx, "order cancelled", "order_id", o.ID, "reason", p.Reason)
	s.notify.OrderChanged(ctx, saved.Change())
	return nil
}

func (s *Sync) HandleProductDeleted(ctx context.Context, env events.Envelope) error {
	p, err := events.Decode[events.ProductDeleted](env)
	if err != nil {
		return err
	}
	if p.ProductID == "" {
		return fmt.Errorf("%w: ProductDeleted without product id", events.ErrMalformedPayload)
	}
	reason := fmt.Sprintf("product %s deleted", p.ProductID)
	cancelled, err := s.store.CancelByProduct(ctx, p.ProductID, reason, s.now())
	if err != nil {
		return err
	}
	s.log.InfoContext(ctx, "product deleted", "product_id", p.ProductID, "orders_cancelled", len(cancelled))
	for _, o := range cancelled {
		s.notify.OrderChanged(ctx, o.Change())
	}
	return nil
}

func (s *Sync) HandleProductUpdated(ctx context.Context, env events.Envelope) error {
	p, err := events.Decode[events.ProductUpdated](env)
	if err != nil {
		return err
	}
	if p.ProductID == "" {
		return fmt.Errorf("%w: ProductUpdated without product id", events.ErrMalformedPayload)
	}
	n, err := s.store.RefreshProduct(ctx, CatalogProduct{
		ID:          p.ProductID,
		Title:       p.Title,
		Description: p.Description,
		PriceCents:  p.Price,
		UpdatedAt:   s.now(),
	})
	if err != nil {
		return err
	}
	s.log.InfoContext(ctx, "product snapshot refreshed", "product_id", p.ProductID, "lines", n)
	return nil
}
