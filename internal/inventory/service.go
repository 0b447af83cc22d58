// Package inventory follows stock movements on the bus and keeps the Redis
// display copy of stock levels, raising a single StockLow alert each time a
// SKU crosses its threshold.
package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-marketplace-orders/internal/kafka"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/redisx"
	"github.com/ariefcatur/go-marketplace-orders/internal/stock"
)

const dedupScope = "inventory"

type Service struct {
	Ledger    stock.Ledger
	Redis     *redis.Client
	Levels    *redisx.StockLevels
	Publisher orders.Publisher
	Logger    *zap.Logger
	Clock     func() time.Time
}

func NewService(ledger stock.Ledger, rdb *redis.Client, pub orders.Publisher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if pub == nil {
		pub = orders.NopPublisher{}
	}
	return &Service{
		Ledger:    ledger,
		Redis:     rdb,
		Levels:    &redisx.StockLevels{RDB: rdb},
		Publisher: pub,
		Logger:    log,
		Clock:     time.Now,
	}
}

// Topics lists what the watcher subscribes to.
func Topics() []string {
	return []string{orders.TopicStockReserved, orders.TopicStockReleased}
}

// HandleStockMoved is installed as the consumer handler.
func (s *Service) HandleStockMoved(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.UnmarshalEnvelope(m)
	if err != nil {
		// poison message, nothing to retry
		s.Logger.Warn("dropping undecodable message", zap.String("topic", m.Topic), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventStockReserved && env.EventType != orders.EventStockReleased {
		return nil
	}

	seen, err := redisx.Seen(ctx, s.Redis, dedupScope, env.EventID)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.StockPayload](env.Payload)
	if err != nil {
		s.Logger.Warn("dropping bad stock payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	if err := s.Refresh(ctx, p.OrderID, p.Lines); err != nil {
		return err
	}
	return redisx.MarkSeen(ctx, s.Redis, dedupScope, env.EventID)
}

// Refresh re-reads the ledger for every SKU touched by an order and updates
// the display copy and the low-stock flag.
func (s *Service) Refresh(ctx context.Context, orderID string, lines []stock.Line) error {
	for _, l := range stock.Aggregate(lines) {
		rec, err := s.Ledger.Peek(ctx, l.SKU)
		if err != nil {
			return fmt.Errorf("peek %s: %w", l.SKU, err)
		}
		if err := s.Levels.Put(ctx, rec); err != nil {
			return fmt.Errorf("store level %s: %w", l.SKU, err)
		}
		if !rec.Low() {
			if err := s.Levels.ClearLow(ctx, rec.SKU); err != nil {
				return err
			}
			continue
		}
		first, err := s.Levels.MarkLow(ctx, rec.SKU)
		if err != nil {
			return err
		}
		if !first {
			continue
		}
		s.Logger.Info("stock low",
			zap.String("sku", rec.SKU.Key()),
			zap.Int("quantity", rec.Quantity),
			zap.Int("low_stock_alert", rec.LowStockAlert))
		ev := orders.Event{
			Type:       orders.EventStockLow,
			OrderID:    orderID,
			OccurredAt: s.Clock().UTC(),
			Payload: orders.StockLowPayload{
				SKU:           rec.SKU.Key(),
				Quantity:      rec.Quantity,
				LowStockAlert: rec.LowStockAlert,
			},
		}
		if err := s.Publisher.Publish(ctx, ev); err != nil {
			_ = s.Levels.ClearLow(ctx, rec.SKU)
			return fmt.Errorf("publish stock low: %w", err)
		}
	}
	return nil
}
