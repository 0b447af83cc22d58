package orders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ariefcatur/go-marketplace-orders/internal/stock"
)

const (
	EventOrderCreated          = "OrderCreated"
	EventOrderStatusChanged    = "OrderStatusChanged"
	EventCancellationRequested = "CancellationRequested"
	EventCancellationResolved  = "CancellationResolved"
	EventStockReserved         = "StockReserved"
	EventStockReleased         = "StockReleased"
	EventStockLow              = "StockLow"
	EventPaymentResult         = "PaymentResult"
)

// Envelope is the wire format of every event on the bus.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Event is a domain event before it is wrapped into an Envelope.
type Event struct {
	Type       string
	OrderID    string
	OccurredAt time.Time
	Payload    any
}

// Publisher hands events to the bus. Events are published after the state
// change they describe has been stored.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ...Event) error { return nil }

type ItemPrice struct {
	ProductID      string `json:"product_id"`
	VariationID    string `json:"variation_id,omitempty"`
	OptionID       string `json:"option_id,omitempty"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type OrderCreatedPayload struct {
	OrderID          string      `json:"order_id"`
	BuyerID          string      `json:"buyer_id"`
	SellerID         string      `json:"seller_id"`
	PaymentRef       string      `json:"payment_ref"`
	PaymentKind      string      `json:"payment_kind"`
	Items            []ItemPrice `json:"items"`
	SubtotalCents    int64       `json:"subtotal_cents"`
	ShippingFeeCents int64       `json:"shipping_fee_cents"`
	TotalCents       int64       `json:"total_cents"`
}

type StatusChangedPayload struct {
	OrderID            string             `json:"order_id"`
	BuyerID            string             `json:"buyer_id"`
	SellerID           string             `json:"seller_id"`
	Change             string             `json:"change"`
	PaymentStatus      PaymentStatus      `json:"payment_status"`
	FulfillmentStatus  FulfillmentStatus  `json:"fulfillment_status"`
	CancellationStatus CancellationStatus `json:"cancellation_status"`
	Reason             string             `json:"reason,omitempty"`
	Actor              Actor              `json:"actor"`
}

type CancellationPayload struct {
	OrderID         string     `json:"order_id"`
	RequestID       string     `json:"request_id"`
	BuyerID         string     `json:"buyer_id"`
	SellerID        string     `json:"seller_id"`
	Reason          string     `json:"reason"`
	Resolution      Resolution `json:"resolution"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
}

type StockPayload struct {
	OrderID string       `json:"order_id"`
	Lines   []stock.Line `json:"lines"`
}

type StockLowPayload struct {
	SKU           string `json:"sku"`
	Quantity      int    `json:"quantity"`
	LowStockAlert int    `json:"low_stock_alert"`
}

const (
	PaymentResultCompleted = "completed"
	PaymentResultFailed    = "failed"
)

// PaymentResultPayload is produced by the payment processor.
type PaymentResultPayload struct {
	OrderID    string `json:"order_id"`
	Status     string `json:"status"`
	PaymentRef string `json:"payment_ref,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Status change names carried in StatusChangedPayload.Change.
const (
	ChangePaid          = "paid"
	ChangePaymentFailed = "payment_failed"
	ChangeShipped       = "shipped"
	ChangeDelivered     = "delivered"
	ChangeCompleted     = "completed"
	ChangeCancelled     = "cancelled"
)

func statusChanged(o Order, change, reason string, actor Actor, at time.Time) Event {
	return Event{
		Type:       EventOrderStatusChanged,
		OrderID:    o.ID,
		OccurredAt: at,
		Payload: StatusChangedPayload{
			OrderID:            o.ID,
			BuyerID:            o.BuyerID,
			SellerID:           o.SellerID,
			Change:             change,
			PaymentStatus:      o.PaymentStatus,
			FulfillmentStatus:  o.FulfillmentStatus,
			CancellationStatus: o.CancellationStatus,
			Reason:             reason,
			Actor:              actor,
		},
	}
}

func cancellationEvent(typ string, o Order, req CancellationRequest, at time.Time) Event {
	return Event{
		Type:       typ,
		OrderID:    o.ID,
		OccurredAt: at,
		Payload: CancellationPayload{
			OrderID:         o.ID,
			RequestID:       req.ID,
			BuyerID:         o.BuyerID,
			SellerID:        o.SellerID,
			Reason:          req.Reason,
			Resolution:      req.Resolution,
			RejectionReason: req.RejectionReason,
		},
	}
}

func orderCreated(o Order) Event {
	items := make([]ItemPrice, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, ItemPrice{
			ProductID:      it.ProductID,
			VariationID:    it.VariationID,
			OptionID:       it.OptionID,
			Qty:            it.Quantity,
			UnitPriceCents: it.UnitPriceCents,
		})
	}
	return Event{
		Type:       EventOrderCreated,
		OrderID:    o.ID,
		OccurredAt: o.CreatedAt,
		Payload: OrderCreatedPayload{
			OrderID:          o.ID,
			BuyerID:          o.BuyerID,
			SellerID:         o.SellerID,
			PaymentRef:       o.PaymentMethod.Ref,
			PaymentKind:      o.PaymentMethod.Kind,
			Items:            items,
			SubtotalCents:    o.SubtotalCents,
			ShippingFeeCents: o.ShippingFeeCents,
			TotalCents:       o.TotalCents,
		},
	}
}

func stockEvent(typ, orderID string, lines []stock.Line, at time.Time) Event {
	return Event{
		Type:       typ,
		OrderID:    orderID,
		OccurredAt: at,
		Payload:    StockPayload{OrderID: orderID, Lines: lines},
	}
}
