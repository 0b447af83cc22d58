package orders

import (
	"context"
	"strings"
	"time"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
)

// MarkPaid records a completed payment. Repeating it is a no-op.
func (s *Service) MarkPaid(ctx context.Context, orderID string) (Order, error) {
	o, _, err := s.mutate(ctx, orderID, func(o *Order, now time.Time) (*effect, error) {
		switch o.PaymentStatus {
		case PaymentCompleted:
			return nil, nil
		case PaymentFailed:
			return nil, apperr.InvalidTransition("payment already failed")
		}
		if !CanTransitionPayment(o.PaymentStatus, PaymentCompleted) {
			return nil, apperr.InvalidTransition("payment %s -> completed", o.PaymentStatus)
		}
		completePayment(o, now)
		return &effect{events: []Event{statusChanged(*o, ChangePaid, "", SystemActor, now)}}, nil
	})
	return o, err
}

// MarkPaymentFailed records a failed payment. An order still being processed
// is cancelled and its stock released.
func (s *Service) MarkPaymentFailed(ctx context.Context, orderID, reason string) (Order, error) {
	o, eff, err := s.mutate(ctx, orderID, func(o *Order, now time.Time) (*effect, error) {
		switch o.PaymentStatus {
		case PaymentFailed:
			return nil, nil
		case PaymentCompleted:
			return nil, apperr.InvalidTransition("payment already completed")
		}
		o.PaymentStatus = PaymentFailed
		eff := &effect{events: []Event{statusChanged(*o, ChangePaymentFailed, reason, SystemActor, now)}}

		if o.FulfillmentStatus == FulfillmentProcessing && !o.Cancelled() {
			resolved := cancel(o, RoleSystem, SystemActor.ID, "payment_failed", now)
			eff.events = append(eff.events, statusChanged(*o, ChangeCancelled, "payment_failed", SystemActor, now))
			if resolved != nil {
				eff.events = append(eff.events, cancellationEvent(EventCancellationResolved, *o, *resolved, now))
			}
			eff.release = true
		}
		return eff, nil
	})
	if err != nil {
		return Order{}, err
	}
	if eff != nil && eff.release {
		o = s.settleRelease(ctx, o)
	}
	return o, nil
}

// MarkShipped needs a completed payment (pending is enough for cash on
// delivery) and no pending or approved cancellation.
func (s *Service) MarkShipped(ctx context.Context, actor Actor, orderID string) (Order, error) {
	o, _, err := s.mutate(ctx, orderID, func(o *Order, now time.Time) (*effect, error) {
		if err := authorizeSeller(actor, *o); err != nil {
			return nil, err
		}
		if o.FulfillmentStatus == FulfillmentShipped {
			return nil, nil
		}
		switch o.CancellationStatus {
		case CancellationRequested:
			return nil, apperr.InvalidTransition("cancellation request pending")
		case CancellationApproved:
			return nil, apperr.InvalidTransition("order is cancelled")
		}
		paid := o.PaymentStatus == PaymentCompleted ||
			(o.PaymentMethod.CashOnDelivery() && o.PaymentStatus == PaymentPending)
		if !paid {
			return nil, apperr.InvalidTransition("payment is %s", o.PaymentStatus)
		}
		if !CanTransitionFulfillment(o.FulfillmentStatus, FulfillmentShipped) {
			return nil, apperr.InvalidTransition("fulfillment %s -> shipped", o.FulfillmentStatus)
		}
		o.FulfillmentStatus = FulfillmentShipped
		o.ShippedAt = &now
		return &effect{events: []Event{statusChanged(*o, ChangeShipped, "", actor, now)}}, nil
	})
	return o, err
}

// MarkDelivered moves a shipped order to delivered. Cash on delivery
// payments complete here.
func (s *Service) MarkDelivered(ctx context.Context, actor Actor, orderID string) (Order, error) {
	o, _, err := s.mutate(ctx, orderID, func(o *Order, now time.Time) (*effect, error) {
		if err := authorizeSeller(actor, *o); err != nil {
			return nil, err
		}
		if o.FulfillmentStatus == FulfillmentDelivered {
			return nil, nil
		}
		if !CanTransitionFulfillment(o.FulfillmentStatus, FulfillmentDelivered) {
			return nil, apperr.InvalidTransition("fulfillment %s -> delivered", o.FulfillmentStatus)
		}
		o.FulfillmentStatus = FulfillmentDelivered
		o.DeliveredAt = &now
		eff := &effect{}
		if o.PaymentMethod.CashOnDelivery() && o.PaymentStatus == PaymentPending {
			completePayment(o, now)
			eff.events = append(eff.events, statusChanged(*o, ChangePaid, "", actor, now))
		}
		eff.events = append(eff.events, statusChanged(*o, ChangeDelivered, "", actor, now))
		return eff, nil
	})
	return o, err
}

// MarkReceivedByBuyer completes a shipped or delivered order and commits its
// stock reservation.
func (s *Service) MarkReceivedByBuyer(ctx context.Context, actor Actor, orderID string) (Order, error) {
	o, _, err := s.mutate(ctx, orderID, func(o *Order, now time.Time) (*effect, error) {
		if err := authorizeBuyer(actor, *o); err != nil {
			return nil, err
		}
		if o.FulfillmentStatus == FulfillmentCompleted {
			return nil, nil
		}
		if !CanTransitionFulfillment(o.FulfillmentStatus, FulfillmentCompleted) {
			return nil, apperr.InvalidTransition("fulfillment %s -> completed", o.FulfillmentStatus)
		}
		eff := &effect{commit: true}
		if o.PaymentMethod.CashOnDelivery() && o.PaymentStatus == PaymentPending {
			completePayment(o, now)
			eff.events = append(eff.events, statusChanged(*o, ChangePaid, "", actor, now))
		}
		if o.DeliveredAt == nil {
			o.DeliveredAt = &now
		}
		o.FulfillmentStatus = FulfillmentCompleted
		o.CompletedAt = &now
		eff.events = append(eff.events, statusChanged(*o, ChangeCompleted, "", actor, now))
		return eff, nil
	})
	return o, err
}

// UpdateStatus is the seller's fulfillment entry point.
func (s *Service) UpdateStatus(ctx context.Context, actor Actor, orderID string, status FulfillmentStatus) (Order, error) {
	switch status {
	case FulfillmentShipped:
		return s.MarkShipped(ctx, actor, orderID)
	case FulfillmentDelivered:
		return s.MarkDelivered(ctx, actor, orderID)
	}
	return Order{}, apperr.Validation("status must be shipped or delivered, got %q", status).WithOrder(orderID)
}

// CancelDirect cancels an order that has not shipped without going through a
// request. Buyers may only do so before payment completes; sellers any time
// while processing. A pending request is approved along the way.
func (s *Service) CancelDirect(ctx context.Context, actor Actor, orderID, reason string) (Order, error) {
	reason, err := s.checkReason(reason, "cancellation reason")
	if err != nil {
		return Order{}, err.WithOrder(orderID)
	}

	o, eff, mErr := s.mutate(ctx, orderID, func(o *Order, now time.Time) (*effect, error) {
		var role Role
		switch {
		case authorizeSeller(actor, *o) == nil:
			role = RoleSeller
		case authorizeBuyer(actor, *o) == nil:
			role = RoleBuyer
		default:
			return nil, apperr.Unauthorized("actor %s cannot cancel this order", actor.ID)
		}
		if actor.Role == RoleAdmin {
			role = RoleAdmin
		}
		if o.Cancelled() {
			return nil, nil
		}
		if !CanTransitionFulfillment(o.FulfillmentStatus, FulfillmentCancelled) {
			return nil, apperr.InvalidTransition("order already %s", o.FulfillmentStatus)
		}
		if role == RoleBuyer && o.PaymentStatus == PaymentCompleted {
			return nil, apperr.InvalidTransition("order is paid; request a cancellation instead")
		}
		resolved := cancel(o, role, actor.ID, reason, now)
		eff := &effect{release: true, events: []Event{statusChanged(*o, ChangeCancelled, reason, actor, now)}}
		if resolved != nil {
			eff.events = append(eff.events, cancellationEvent(EventCancellationResolved, *o, *resolved, now))
		}
		return eff, nil
	})
	if mErr != nil {
		return Order{}, mErr
	}
	if eff != nil || o.StockReleasedAt == nil {
		o = s.settleRelease(ctx, o)
	}
	return o, nil
}

func completePayment(o *Order, now time.Time) {
	o.PaymentStatus = PaymentCompleted
	o.PaidAt = &now
}

// cancel freezes the order as cancelled. A pending request, if any, is
// approved and returned.
func cancel(o *Order, by Role, actorID, reason string, now time.Time) *CancellationRequest {
	o.CancellationStatus = CancellationApproved
	o.FulfillmentStatus = FulfillmentCancelled
	o.CancelledAt = &now
	o.CancelReason = reason
	o.CancelledBy = by

	req := o.ActiveCancellation()
	if req == nil {
		return nil
	}
	req.Resolution = ResolutionApproved
	req.ResolvedAt = &now
	req.ResolvedBy = actorID
	out := *req
	return &out
}

func (s *Service) checkReason(reason, what string) (string, *apperr.Error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", apperr.Validation("%s is required", what)
	}
	if n := len([]rune(reason)); n > s.reasonMax {
		return "", apperr.Validation("%s is %d characters, max %d", what, n, s.reasonMax)
	}
	return reason, nil
}
