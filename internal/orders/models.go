package orders

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrAlreadyExists     = errors.New("order already exists")
	ErrConcurrentUpdate  = errors.New("order was modified concurrently")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrInvalidOrder      = errors.New("invalid order")
)

// Item is one order line. Title, Description and UnitPrice are the product
// snapshot attached when the order is approved.
type Item struct {
	ProductID   string `json:"product_id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

type Payment struct {
	Method      string `json:"method"`
	AmountCents int64  `json:"amount_cents"`
}

type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	ZipCode string `json:"zip_code"`
	Country string `json:"country"`
}

type Order struct {
	ID                 string    `json:"id"`
	CustomerID         string    `json:"customer_id"`
	Status             Status    `json:"status"`
	Items              []Item    `json:"items"`
	Payment            Payment   `json:"payment"`
	DestinationAddress Address   `json:"destination_address"`
	CancelReason       string    `json:"cancel_reason,omitempty"`
	Version            int64     `json:"version"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (o Order) References(productID string) bool {
	for _, it := range o.Items {
		if it.ProductID == productID {
			return true
		}
	}
	return false
}

func (o Order) total() int64 {
	var sum int64
	for _, it := range o.Items {
		sum += it.UnitPrice * int64(it.Quantity)
	}
	return sum
}

// CatalogProduct is the ordering service's local copy of a catalog product.
type CatalogProduct struct {
	ID          string
	Title       string
	Description string
	PriceCents  int64
	UpdatedAt   time.Time
}

// StatusChange is what subscribers learn about an order.
type StatusChange struct {
	OrderID string    `json:"order_id"`
	Status  Status    `json:"status"`
	Reason  string    `json:"reason,omitempty"`
	Version int64     `json:"version"`
	At      time.Time `json:"at"`
}

func (o Order) Change() StatusChange {
	return StatusChange{OrderID: o.ID, Status: o.Status, Reason: o.CancelReason, Version: o.Version, At: o.UpdatedAt}
}
