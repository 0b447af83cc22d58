package orders

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

type FulfillmentStatus string

const (
	FulfillmentProcessing FulfillmentStatus = "processing"
	FulfillmentShipped    FulfillmentStatus = "shipped"
	FulfillmentDelivered  FulfillmentStatus = "delivered"
	FulfillmentCompleted  FulfillmentStatus = "completed"
	// FulfillmentCancelled is the frozen state an approved cancellation forces.
	FulfillmentCancelled FulfillmentStatus = "cancelled"
)

type CancellationStatus string

const (
	CancellationNone      CancellationStatus = "none"
	CancellationRequested CancellationStatus = "requested"
	CancellationApproved  CancellationStatus = "approved"
	CancellationRejected  CancellationStatus = "rejected"
)

type Resolution string

const (
	ResolutionPending  Resolution = "pending"
	ResolutionApproved Resolution = "approved"
	ResolutionRejected Resolution = "rejected"
)

var validPayment = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentPending:   {PaymentCompleted: true, PaymentFailed: true},
	PaymentCompleted: {},
	PaymentFailed:    {},
}

var validFulfillment = map[FulfillmentStatus]map[FulfillmentStatus]bool{
	FulfillmentProcessing: {FulfillmentShipped: true, FulfillmentCancelled: true},
	FulfillmentShipped:    {FulfillmentDelivered: true, FulfillmentCompleted: true},
	FulfillmentDelivered:  {FulfillmentCompleted: true},
	FulfillmentCompleted:  {},
	FulfillmentCancelled:  {},
}

var validCancellation = map[CancellationStatus]map[CancellationStatus]bool{
	CancellationNone:      {CancellationRequested: true, CancellationApproved: true},
	CancellationRequested: {CancellationApproved: true, CancellationRejected: true},
	CancellationRejected:  {CancellationRequested: true, CancellationApproved: true},
	CancellationApproved:  {},
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	return validPayment[from][to]
}

func CanTransitionFulfillment(from, to FulfillmentStatus) bool {
	return validFulfillment[from][to]
}

func CanTransitionCancellation(from, to CancellationStatus) bool {
	return validCancellation[from][to]
}

func ValidFulfillment(s FulfillmentStatus) bool {
	_, ok := validFulfillment[s]
	return ok
}
