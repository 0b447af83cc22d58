package orders

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/cart"
	"github.com/ariefcatur/go-marketplace-orders/internal/catalog"
)

// CheckoutInput is a buyer's request to turn selected cart lines into orders.
// ShippingFees overrides ShippingFeeCents per seller.
type CheckoutInput struct {
	BuyerID          string           `json:"buyer_id"`
	LineIDs          []string         `json:"line_ids"`
	ShippingAddress  Address          `json:"shipping_address"`
	PaymentMethod    PaymentMethod    `json:"payment_method"`
	ShippingFeeCents int64            `json:"shipping_fee_cents"`
	ShippingFees     map[string]int64 `json:"shipping_fees,omitempty"`
}

func (in *CheckoutInput) normalize() {
	in.BuyerID = strings.TrimSpace(in.BuyerID)
	in.PaymentMethod.Ref = strings.TrimSpace(in.PaymentMethod.Ref)
	in.PaymentMethod.Kind = strings.ToLower(strings.TrimSpace(in.PaymentMethod.Kind))
	if in.PaymentMethod.Kind == "" {
		in.PaymentMethod.Kind = PaymentKindCard
	}
}

func (in CheckoutInput) validate() error {
	if in.BuyerID == "" {
		return apperr.Validation("buyer id is required")
	}
	if len(in.LineIDs) == 0 {
		return apperr.Validation("no cart lines selected")
	}
	a := in.ShippingAddress
	if strings.TrimSpace(a.Name) == "" || strings.TrimSpace(a.Line1) == "" ||
		strings.TrimSpace(a.City) == "" || strings.TrimSpace(a.Country) == "" {
		return apperr.Validation("shipping address needs name, line1, city and country")
	}
	if in.PaymentMethod.Ref == "" {
		return apperr.Validation("payment method is required")
	}
	switch in.PaymentMethod.Kind {
	case PaymentKindCard, PaymentKindPayPal, PaymentKindCOD:
	default:
		return apperr.Validation("unknown payment method kind %q", in.PaymentMethod.Kind)
	}
	if in.ShippingFeeCents < 0 {
		return apperr.Validation("shipping fee must not be negative")
	}
	for seller, fee := range in.ShippingFees {
		if fee < 0 {
			return apperr.Validation("shipping fee for seller %s must not be negative", seller)
		}
	}
	return nil
}

func (in CheckoutInput) feeFor(sellerID string) int64 {
	if fee, ok := in.ShippingFees[sellerID]; ok {
		return fee
	}
	return in.ShippingFeeCents
}

// CreateOrder turns cart lines of a single seller into one order. Either the
// order exists with its stock reserved or nothing changed.
func (s *Service) CreateOrder(ctx context.Context, in CheckoutInput) (Order, error) {
	placed, err := s.place(ctx, in, true)
	if err != nil {
		return Order{}, err
	}
	return placed[0], nil
}

// Checkout is CreateOrder for lines spanning several sellers: one order per
// seller, all reserved and stored together or none at all.
func (s *Service) Checkout(ctx context.Context, in CheckoutInput) ([]Order, error) {
	return s.place(ctx, in, false)
}

func (s *Service) place(ctx context.Context, in CheckoutInput, singleSeller bool) ([]Order, error) {
	in.normalize()
	if err := in.validate(); err != nil {
		return nil, err
	}

	lines, err := s.carts.SelectForCheckout(ctx, in.BuyerID, in.LineIDs)
	if err != nil {
		return nil, err
	}

	drafts, err := s.draft(ctx, in, lines)
	if err != nil {
		return nil, err
	}
	if singleSeller && len(drafts) > 1 {
		return nil, apperr.Validation("selected lines span %d sellers", len(drafts))
	}

	for i := range drafts {
		if err := s.ledger.ReserveOrder(ctx, drafts[i].ID, drafts[i].StockLines()); err != nil {
			s.unreserve(ctx, drafts[:i])
			// the order never came to exist; keep only the line and sku
			if e, ok := apperr.As(err); ok {
				return nil, e.WithOrder("")
			}
			return nil, err
		}
	}

	// Lines leave the cart under its version check; a concurrent checkout of
	// the same lines loses here and gives its stock back.
	if err := s.carts.ClaimLines(ctx, in.BuyerID, lines); err != nil {
		s.unreserve(ctx, drafts)
		return nil, err
	}

	if err := s.store.Insert(ctx, drafts...); err != nil {
		s.unreserve(ctx, drafts)
		if rerr := s.carts.RestoreLines(context.WithoutCancel(ctx), in.BuyerID, lines); rerr != nil {
			s.logger.Error("restore claimed cart lines failed",
				zap.String("buyer_id", in.BuyerID), zap.Strings("line_ids", in.LineIDs), zap.Error(rerr))
		}
		return nil, err
	}

	events := make([]Event, 0, 2*len(drafts))
	for _, o := range drafts {
		s.cacheStatus(ctx, o)
		events = append(events, orderCreated(o), stockEvent(EventStockReserved, o.ID, o.StockLines(), o.CreatedAt))
		s.logger.Info("order created",
			zap.String("order_id", o.ID),
			zap.String("buyer_id", o.BuyerID),
			zap.String("seller_id", o.SellerID),
			zap.Int64("total_cents", o.TotalCents))
	}
	s.publish(ctx, events...)
	return drafts, nil
}

// draft re-resolves every line against the catalog and groups the frozen
// items by seller, keeping the order in which sellers first appear.
func (s *Service) draft(ctx context.Context, in CheckoutInput, lines []cart.Line) ([]Order, error) {
	now := s.now()
	bySeller := make(map[string]int)
	var drafts []Order

	for _, ln := range lines {
		snap, err := s.resolver.Resolve(ctx, ln.Ref())
		if err != nil {
			if e, ok := apperr.As(err); ok {
				return nil, e.WithLine(ln.ID)
			}
			return nil, err
		}
		if ln.Quantity < 1 {
			return nil, apperr.New(apperr.KindInvalidQuantity, "quantity must be at least 1").WithLine(ln.ID)
		}

		idx, ok := bySeller[snap.SellerID]
		if !ok {
			idx = len(drafts)
			bySeller[snap.SellerID] = idx
			drafts = append(drafts, Order{
				ID:                 s.newID(),
				BuyerID:            in.BuyerID,
				SellerID:           snap.SellerID,
				ShippingAddress:    in.ShippingAddress,
				PaymentMethod:      in.PaymentMethod,
				ShippingFeeCents:   in.feeFor(snap.SellerID),
				PaymentStatus:      PaymentPending,
				FulfillmentStatus:  FulfillmentProcessing,
				CancellationStatus: CancellationNone,
				CreatedAt:          now,
				UpdatedAt:          now,
				Version:            1,
			})
		}
		o := &drafts[idx]
		item := lineItem(s.newID(), ln, snap)
		o.Items = append(o.Items, item)
		o.SubtotalCents += item.SubtotalCents
	}

	for i := range drafts {
		drafts[i].TotalCents = drafts[i].SubtotalCents + drafts[i].ShippingFeeCents
	}
	return drafts, nil
}

func lineItem(id string, ln cart.Line, snap catalog.Snapshot) LineItem {
	return LineItem{
		ID:             id,
		CartLineID:     ln.ID,
		ProductID:      snap.SKU.ProductID,
		VariationID:    snap.SKU.VariationID,
		OptionID:       snap.SKU.OptionID,
		Name:           snap.Name,
		Quantity:       ln.Quantity,
		UnitPriceCents: snap.UnitPriceCents,
		SubtotalCents:  snap.UnitPriceCents * int64(ln.Quantity),
	}
}

func (s *Service) unreserve(ctx context.Context, drafts []Order) {
	for _, o := range drafts {
		if _, err := s.ledger.ReleaseOrder(ctx, o.ID); err != nil {
			s.logger.Error("compensating release failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
}
