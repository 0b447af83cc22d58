package orders

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) resolution() Resolution {
	if d == DecisionApprove {
		return ResolutionApproved
	}
	return ResolutionRejected
}

// RequestCancellation records a buyer's request to cancel an order that has
// not shipped. At most one request may be pending per order.
func (s *Service) RequestCancellation(ctx context.Context, actor Actor, orderID, reason string) (CancellationRequest, error) {
	reason, rErr := s.checkReason(reason, "cancellation reason")
	if rErr != nil {
		return CancellationRequest{}, rErr.WithOrder(orderID)
	}

	var created CancellationRequest
	_, _, err := s.mutate(ctx, orderID, func(o *Order, now time.Time) (*effect, error) {
		if err := authorizeBuyer(actor, *o); err != nil {
			return nil, err
		}
		if o.ActiveCancellation() != nil {
			return nil, apperr.New(apperr.KindConflict, "a cancellation request is already pending")
		}
		if o.Cancelled() {
			return nil, apperr.New(apperr.KindInvalidState, "order is already cancelled")
		}
		if o.FulfillmentStatus != FulfillmentProcessing {
			return nil, apperr.New(apperr.KindInvalidState, "order is already %s", o.FulfillmentStatus)
		}
		if !CanTransitionCancellation(o.CancellationStatus, CancellationRequested) {
			return nil, apperr.New(apperr.KindInvalidState, "cancellation %s -> requested", o.CancellationStatus)
		}

		created = CancellationRequest{
			ID:          s.newID(),
			OrderID:     o.ID,
			BuyerID:     o.BuyerID,
			Reason:      reason,
			RequestedAt: now,
			Resolution:  ResolutionPending,
		}
		o.Cancellations = append(o.Cancellations, created)
		o.CancellationStatus = CancellationRequested
		o.CancellationRequestedAt = &now
		return &effect{events: []Event{cancellationEvent(EventCancellationRequested, *o, created, now)}}, nil
	})
	if err != nil {
		return CancellationRequest{}, err
	}
	s.logger.Info("cancellation requested", zap.String("order_id", orderID), zap.String("request_id", created.ID))
	return created, nil
}

// ResolveCancellation applies the seller's decision to the pending request.
// Approval cancels the order and releases its stock; rejection needs a
// reason and returns the order to normal processing. Repeating the decision
// that resolved the latest request is a no-op.
func (s *Service) ResolveCancellation(ctx context.Context, actor Actor, orderID string, decision Decision, rejectionReason string) (Order, error) {
	decision = Decision(strings.ToLower(strings.TrimSpace(string(decision))))
	switch decision {
	case DecisionApprove:
		rejectionReason = ""
	case DecisionReject:
		r, err := s.checkReason(rejectionReason, "rejection reason")
		if err != nil {
			return Order{}, err.WithOrder(orderID)
		}
		rejectionReason = r
	default:
		return Order{}, apperr.Validation("decision must be approve or reject, got %q", decision).WithOrder(orderID)
	}

	o, eff, err := s.mutate(ctx, orderID, func(o *Order, now time.Time) (*effect, error) {
		if err := authorizeSeller(actor, *o); err != nil {
			return nil, err
		}
		req := o.ActiveCancellation()
		if req == nil {
			if last := o.LatestCancellation(); last != nil && last.Resolution == decision.resolution() {
				return nil, nil
			}
			return nil, apperr.New(apperr.KindInvalidState, "no pending cancellation request")
		}

		if decision == DecisionReject {
			req.Resolution = ResolutionRejected
			req.RejectionReason = rejectionReason
			req.ResolvedAt = &now
			req.ResolvedBy = actor.ID
			o.CancellationStatus = CancellationRejected
			return &effect{events: []Event{cancellationEvent(EventCancellationResolved, *o, *req, now)}}, nil
		}

		if !CanTransitionFulfillment(o.FulfillmentStatus, FulfillmentCancelled) {
			return nil, apperr.InvalidTransition("order already %s", o.FulfillmentStatus)
		}
		resolved := cancel(o, RoleBuyer, actor.ID, req.Reason, now)
		return &effect{
			release: true,
			events: []Event{
				cancellationEvent(EventCancellationResolved, *o, *resolved, now),
				statusChanged(*o, ChangeCancelled, resolved.Reason, actor, now),
			},
		}, nil
	})
	if err != nil {
		return Order{}, err
	}
	if eff != nil {
		s.logger.Info("cancellation resolved",
			zap.String("order_id", orderID), zap.String("decision", string(decision)))
	}
	return s.settleRelease(ctx, o), nil
}
