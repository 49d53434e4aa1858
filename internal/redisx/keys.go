package redisx

import "time"

const (
	// Processed event marker: dedup:{consumer}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Cached order status: order_status:{order_id} -> hash {body, version}
	KeyOrderStatus = "order_status:%s"
)

var (
	TTLDedup       = 48 * time.Hour
	TTLStatusCache = 5 * time.Minute
)
