package inventory

import (
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("product not found")
	ErrConcurrentUpdate = errors.New("product was modified concurrently")
	ErrInvalidProduct   = errors.New("invalid product")
)

type Product struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	PriceCents  int64     `json:"price_cents"`
	Stock       int       `json:"stock"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ReasonOrderCancelled answers a ReserveProducts command that arrives after
// its order was already released.
const ReasonOrderCancelled = "order cancelled before reservation"

// ReservationStatus of one reserved line.
type ReservationStatus string

const (
	StatusReserved ReservationStatus = "RESERVED"
	StatusReleased ReservationStatus = "RELEASED"
)
