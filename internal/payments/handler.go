// Package payments applies payment processor results to orders.
package payments

import (
	"context"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	kafkax "github.com/ariefcatur/go-marketplace-orders/internal/kafka"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/redisx"
)

const dedupScope = "payments"

type Orders interface {
	MarkPaid(ctx context.Context, orderID string) (orders.Order, error)
	MarkPaymentFailed(ctx context.Context, orderID, reason string) (orders.Order, error)
}

type Handler struct {
	Orders Orders
	Redis  *redis.Client
	Logger *zap.Logger
}

func NewHandler(o Orders, rdb *redis.Client, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Orders: o, Redis: rdb, Logger: log}
}

// HandlePaymentResult is installed as the payment.result consumer handler.
// Results for unknown orders or that the state machine rejects are logged and
// acknowledged; only infrastructure failures leave the message uncommitted.
func (h *Handler) HandlePaymentResult(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.UnmarshalEnvelope(m)
	if err != nil {
		h.Logger.Warn("dropping undecodable payment result", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventPaymentResult {
		return nil
	}
	p, err := kafkax.UnwrapPayload[orders.PaymentResultPayload](env.Payload)
	if err != nil {
		h.Logger.Warn("dropping bad payment payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	if h.Redis != nil && env.EventID != "" {
		seen, err := redisx.Seen(ctx, h.Redis, dedupScope, env.EventID)
		if err != nil {
			return err
		}
		if seen {
			return nil
		}
	}

	log := h.Logger.With(zap.String("event_id", env.EventID), zap.String("order_id", p.OrderID), zap.String("status", p.Status))
	switch p.Status {
	case orders.PaymentResultCompleted:
		_, err = h.Orders.MarkPaid(ctx, p.OrderID)
	case orders.PaymentResultFailed:
		_, err = h.Orders.MarkPaymentFailed(ctx, p.OrderID, p.Reason)
	default:
		log.Warn("unknown payment status")
		return nil
	}

	switch {
	case err == nil:
		log.Info("payment result applied")
	case apperr.IsKind(err, apperr.KindNotFound), apperr.IsKind(err, apperr.KindInvalidTransition):
		log.Warn("payment result rejected", zap.Error(err))
	default:
		return err
	}
	h.markSeen(ctx, log, env.EventID)
	return nil
}

// markSeen runs after the result took effect. A failed mark only means a
// redelivery is applied again, which MarkPaid and MarkPaymentFailed tolerate.
func (h *Handler) markSeen(ctx context.Context, log *zap.Logger, eventID string) {
	if h.Redis == nil || eventID == "" {
		return
	}
	if err := redisx.MarkSeen(ctx, h.Redis, dedupScope, eventID); err != nil {
		log.Warn("mark payment result seen", zap.Error(err))
	}
}
