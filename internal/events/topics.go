package events

const (
	TopicOrdersMade        = "orders.made"
	TopicCustomerCommands  = "customers.commands"
	TopicCustomerResults   = "customers.results"
	TopicInventoryCommands = "inventory.commands"
	TopicInventoryResults  = "inventory.results"
	TopicOrderOutcomes     = "orders.outcomes"
	TopicCatalog           = "catalog.events"
	TopicOrderLifecycle    = "orders.lifecycle"
)

var topicByType = map[string]string{
	TypeOrderMade:              TopicOrdersMade,
	TypeCheckCustomer:          TopicCustomerCommands,
	TypeCheckedCustomer:        TopicCustomerResults,
	TypeCheckingCustomerFailed: TopicCustomerResults,
	TypeReserveProducts:        TopicInventoryCommands,
	TypeReservedProducts:       TopicInventoryResults,
	TypeReservationFailed:      TopicInventoryResults,
	TypeApproved:               TopicOrderOutcomes,
	TypeCanceled:               TopicOrderOutcomes,
	TypeProductDeleted:         TopicCatalog,
	TypeProductUpdated:         TopicCatalog,
	TypeOrderCancelled:         TopicOrderLifecycle,
}

// TopicFor returns the topic an event type is published on, or "" if unknown.
func TopicFor(eventType string) string { return topicByType[eventType] }

// Partition key = correlation id, so every event of one order lands on the
// same partition and keeps its relative order.
func PartitionKey(correlationID string) []byte { return []byte(correlationID) }
