package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

const Producer = "catalog"

type Publisher interface {
	Publish(ctx context.Context, env events.Envelope) error
}

// Service is the inventory side of the saga plus the catalog admin surface.
type Service struct {
	catalog Catalog
	pub     Publisher
	log     *slog.Logger
}

func NewService(catalog Catalog, pub Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{catalog: catalog, pub: pub, log: logger}
}

// Handle routes the inventory commands consumed from the bus.
func (s *Service) Handle(ctx context.Context, env events.Envelope) error {
	switch env.EventType {
	case events.TypeReserveProducts:
		return s.HandleReserveProducts(ctx, env)
	case events.TypeOrderCancelled:
		return s.HandleOrderCancelled(ctx, env)
	default:
		return nil
	}
}

// HandleReserveProducts answers with ReservedProducts or ReservationFailed.
// A redelivered command is answered from the recorded outcome.
func (s *Service) HandleReserveProducts(ctx context.Context, env events.Envelope) error {
	cmd, err := events.Decode[events.ReserveProducts](env)
	if err != nil {
		return err
	}
	if cmd.OrderID == "" {
		cmd.OrderID = env.CorrelationID
	}
	if cmd.OrderID == "" {
		return fmt.Errorf("%w: ReserveProducts without order id", events.ErrMalformedPayload)
	}

	res, err := s.catalog.Reserve(ctx, cmd.OrderID, cmd.Items)
	if err != nil {
		return fmt.Errorf("reserve products for order %s: %w", cmd.OrderID, err)
	}

	if res.OK {
		s.log.InfoContext(ctx, "products reserved",
			"order_id", cmd.OrderID, "lines", len(res.Items), "replayed", res.Replayed)
		return s.publish(ctx, events.TypeReservedProducts, cmd.OrderID,
			events.ReservedProducts{OrderID: cmd.OrderID, Items: res.Items})
	}
	s.log.InfoContext(ctx, "reservation rejected",
		"order_id", cmd.OrderID, "reason", res.Reason, "replayed", res.Replayed)
	return s.publish(ctx, events.TypeReservationFailed, cmd.OrderID,
		events.ReservationFailed{OrderID: cmd.OrderID, Reason: res.Reason})
}

// HandleOrderCancelled gives back the stock of an order cancelled after its
// reservation succeeded.
func (s *Service) HandleOrderCancelled(ctx context.Context, env events.Envelope) error {
	p, err := events.Decode[events.OrderCancelled](env)
	if err != nil {
		return err
	}
	if p.OrderID == "" {
		p.OrderID = env.CorrelationID
	}
	n, err := s.catalog.Release(ctx, p.OrderID)
	if err != nil {
		return fmt.Errorf("release order %s: %w", p.OrderID, err)
	}
	if n > 0 {
		s.log.InfoContext(ctx, "reservation released", "order_id", p.OrderID, "lines", n, "reason", p.Reason)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, eventType, orderID string, payload any) error {
	out, err := events.New(eventType, Producer, orderID, payload)
	if err != nil {
		return err
	}
	if err := s.pub.Publish(ctx, out); err != nil {
		return fmt.Errorf("publish %s for order %s: %w", eventType, orderID, err)
	}
	return nil
}

func (s *Service) GetProduct(ctx context.Context, productID string) (Product, error) {
	return s.catalog.Get(ctx, productID)
}

// SaveProduct creates or updates a product and announces it with
// ProductUpdated.
func (s *Service) SaveProduct(ctx context.Context, p Product) (Product, error) {
	p.ID = strings.TrimSpace(p.ID)
	p.Title = strings.TrimSpace(p.Title)
	switch {
	case p.ID == "":
		return Product{}, fmt.Errorf("%w: id is required", ErrInvalidProduct)
	case p.Title == "":
		return Product{}, fmt.Errorf("%w: title is required", ErrInvalidProduct)
	case p.PriceCents < 0:
		return Product{}, fmt.Errorf("%w: price must not be negative", ErrInvalidProduct)
	case p.Stock < 0:
		return Product{}, fmt.Errorf("%w: stock must not be negative", ErrInvalidProduct)
	}

	out, err := events.New(events.TypeProductUpdated, Producer, p.ID, events.ProductUpdated{
		ProductID:   p.ID,
		Title:       p.Title,
		Description: p.Description,
		Price:       p.PriceCents,
	})
	if err != nil {
		return Product{}, err
	}
	saved, err := s.catalog.Save(ctx, p, out)
	if err != nil {
		return Product{}, err
	}
	s.log.InfoContext(ctx, "product saved", "product_id", saved.ID, "version", saved.Version)
	return saved, nil
}

// DeleteProduct removes a product and announces it with ProductDeleted.
func (s *Service) DeleteProduct(ctx context.Context, productID string) error {
	out, err := events.New(events.TypeProductDeleted, Producer, productID, events.ProductDeleted{ProductID: productID})
	if err != nil {
		return err
	}
	if err := s.catalog.Delete(ctx, productID, out); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "product deleted", "product_id", productID)
	return nil
}
