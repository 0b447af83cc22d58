package orders

import (
	"time"

	"github.com/ariefcatur/go-marketplace-orders/internal/stock"
)

type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor is the authenticated principal driving an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

var SystemActor = Actor{ID: "system", Role: RoleSystem}

const (
	PaymentKindCard   = "card"
	PaymentKindPayPal = "paypal"
	PaymentKindCOD    = "cod"
)

type PaymentMethod struct {
	Ref  string `json:"ref"`
	Kind string `json:"kind"`
}

func (p PaymentMethod) CashOnDelivery() bool { return p.Kind == PaymentKindCOD }

// Address is copied into the order at creation and never re-read from the
// buyer's address book.
type Address struct {
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country"`
}

type LineItem struct {
	ID             string `json:"id"`
	CartLineID     string `json:"cart_line_id,omitempty"`
	ProductID      string `json:"product_id"`
	VariationID    string `json:"variation_id,omitempty"`
	OptionID       string `json:"option_id,omitempty"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

func (li LineItem) SKU() stock.SKU {
	return stock.SKU{ProductID: li.ProductID, VariationID: li.VariationID, OptionID: li.OptionID}
}

type CancellationRequest struct {
	ID              string     `json:"id"`
	OrderID         string     `json:"order_id"`
	BuyerID         string     `json:"buyer_id"`
	Reason          string     `json:"reason"`
	RequestedAt     time.Time  `json:"requested_at"`
	Resolution      Resolution `json:"resolution"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
}

// Order is immutable after creation except for status fields, timestamps
// and its cancellation request history.
type Order struct {
	ID                 string                `json:"id"`
	BuyerID            string                `json:"buyer_id"`
	SellerID           string                `json:"seller_id"`
	ShippingAddress    Address               `json:"shipping_address"`
	PaymentMethod      PaymentMethod         `json:"payment_method"`
	Items              []LineItem            `json:"items"`
	SubtotalCents      int64                 `json:"subtotal_cents"`
	ShippingFeeCents   int64                 `json:"shipping_fee_cents"`
	TotalCents         int64                 `json:"total_cents"`
	PaymentStatus      PaymentStatus         `json:"payment_status"`
	FulfillmentStatus  FulfillmentStatus     `json:"fulfillment_status"`
	CancellationStatus CancellationStatus    `json:"cancellation_status"`
	CancelReason       string                `json:"cancel_reason,omitempty"`
	CancelledBy        Role                  `json:"cancelled_by,omitempty"`
	Cancellations      []CancellationRequest `json:"cancellations,omitempty"`

	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
	PaidAt                  *time.Time `json:"paid_at,omitempty"`
	ShippedAt               *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt             *time.Time `json:"delivered_at,omitempty"`
	CompletedAt             *time.Time `json:"completed_at,omitempty"`
	CancelledAt             *time.Time `json:"cancelled_at,omitempty"`
	CancellationRequestedAt *time.Time `json:"cancellation_requested_at,omitempty"`
	StockReleasedAt         *time.Time `json:"stock_released_at,omitempty"`

	Version int64 `json:"version"`
}

// ActiveCancellation returns the pending request, if any.
func (o *Order) ActiveCancellation() *CancellationRequest {
	for i := range o.Cancellations {
		if o.Cancellations[i].Resolution == ResolutionPending {
			return &o.Cancellations[i]
		}
	}
	return nil
}

// LatestCancellation returns the most recent request regardless of resolution.
func (o *Order) LatestCancellation() *CancellationRequest {
	if len(o.Cancellations) == 0 {
		return nil
	}
	return &o.Cancellations[len(o.Cancellations)-1]
}

func (o *Order) Cancelled() bool { return o.CancellationStatus == CancellationApproved }

func (o Order) StockLines() []stock.Line {
	out := make([]stock.Line, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, stock.Line{LineID: it.CartLineID, SKU: it.SKU(), Qty: it.Quantity})
	}
	return out
}

// Clone deep-copies the slices and timestamp pointers.
func (o Order) Clone() Order {
	o.Items = append([]LineItem(nil), o.Items...)
	if o.Cancellations != nil {
		cs := make([]CancellationRequest, len(o.Cancellations))
		for i, c := range o.Cancellations {
			c.ResolvedAt = cloneTime(c.ResolvedAt)
			cs[i] = c
		}
		o.Cancellations = cs
	}
	o.PaidAt = cloneTime(o.PaidAt)
	o.ShippedAt = cloneTime(o.ShippedAt)
	o.DeliveredAt = cloneTime(o.DeliveredAt)
	o.CompletedAt = cloneTime(o.CompletedAt)
	o.CancelledAt = cloneTime(o.CancelledAt)
	o.CancellationRequestedAt = cloneTime(o.CancellationRequestedAt)
	o.StockReleasedAt = cloneTime(o.StockReleasedAt)
	return o
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StatusView is the compact status projection cached for polling clients.
type StatusView struct {
	OrderID            string             `json:"order_id"`
	BuyerID            string             `json:"buyer_id"`
	SellerID           string             `json:"seller_id"`
	PaymentStatus      PaymentStatus      `json:"payment_status"`
	FulfillmentStatus  FulfillmentStatus  `json:"fulfillment_status"`
	CancellationStatus CancellationStatus `json:"cancellation_status"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

func (o Order) Status() StatusView {
	return StatusView{
		OrderID:            o.ID,
		BuyerID:            o.BuyerID,
		SellerID:           o.SellerID,
		PaymentStatus:      o.PaymentStatus,
		FulfillmentStatus:  o.FulfillmentStatus,
		CancellationStatus: o.CancellationStatus,
		UpdatedAt:          o.UpdatedAt,
	}
}
