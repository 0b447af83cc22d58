package orders

const (
	TopicOrderCreated          = "order.created"
	TopicOrderStatusChanged    = "order.status.changed"
	TopicCancellationRequested = "order.cancellation.requested"
	TopicCancellationResolved  = "order.cancellation.resolved"
	TopicStockReserved         = "stock.reserved"
	TopicStockReleased         = "stock.released"
	TopicStockLow              = "stock.low"
	TopicPaymentResult         = "payment.result"
)

var topicByEvent = map[string]string{
	EventOrderCreated:          TopicOrderCreated,
	EventOrderStatusChanged:    TopicOrderStatusChanged,
	EventCancellationRequested: TopicCancellationRequested,
	EventCancellationResolved:  TopicCancellationResolved,
	EventStockReserved:         TopicStockReserved,
	EventStockReleased:         TopicStockReleased,
	EventStockLow:              TopicStockLow,
	EventPaymentResult:         TopicPaymentResult,
}

// TopicFor returns the topic an event type is published on.
func TopicFor(eventType string) (string, bool) {
	t, ok := topicByEvent[eventType]
	return t, ok
}

// PartitionKey keys messages by order id so one order's events stay ordered.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
