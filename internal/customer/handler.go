package customer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

const Producer = "identity"

type Publisher interface {
	Publish(ctx context.Context, env events.Envelope) error
}

// Handler answers CheckCustomer commands. It never changes state, so a
// redelivered command simply yields the same answer again.
type Handler struct {
	dir Directory
	pub Publisher
	log *slog.Logger
}

func NewHandler(dir Directory, pub Publisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{dir: dir, pub: pub, log: logger}
}

func (h *Handler) Handle(ctx context.Context, env events.Envelope) error {
	if env.EventType != events.TypeCheckCustomer {
		return nil
	}
	cmd, err := events.Decode[events.CheckCustomer](env)
	if err != nil {
		return err
	}
	if cmd.OrderID == "" {
		cmd.OrderID = env.CorrelationID
	}

	found, err := h.dir.Exists(ctx, cmd.CustomerID)
	if err != nil {
		return err
	}

	var out events.Envelope
	if found {
		out, err = events.New(events.TypeCheckedCustomer, Producer, cmd.OrderID,
			events.CheckedCustomer{OrderID: cmd.OrderID})
	} else {
		reason := fmt.Sprintf("customer %s not found", cmd.CustomerID)
		h.log.InfoContext(ctx, "customer check failed", "order_id", cmd.OrderID, "reason", reason)
		out, err = events.New(events.TypeCheckingCustomerFailed, Producer, cmd.OrderID,
			events.CheckingCustomerFailed{OrderID: cmd.OrderID, Reason: reason})
	}
	if err != nil {
		return err
	}
	if err := h.pub.Publish(ctx, out); err != nil {
		return fmt.Errorf("publish %s for order %s: %w", out.EventType, cmd.OrderID, err)
	}
	return nil
}
