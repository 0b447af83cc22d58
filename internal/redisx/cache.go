package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/stock"
)

// StatusCache caches order status views for polling clients.
type StatusCache struct {
	RDB *redis.Client
}

var _ orders.StatusCache = (*StatusCache)(nil)

func (c *StatusCache) PutStatus(ctx context.Context, v orders.StatusView) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.RDB.Set(ctx, fmt.Sprintf(KeyOrderStatus, v.OrderID), b, TTLStatusCache).Err()
}

func (c *StatusCache) GetStatus(ctx context.Context, orderID string) (orders.StatusView, bool, error) {
	var v orders.StatusView
	ok, err := getJSON(ctx, c.RDB, fmt.Sprintf(KeyOrderStatus, orderID), &v)
	return v, ok, err
}

// StockLevels is the display copy of stock quantities maintained by the
// stock watcher. Checkout never reads it.
type StockLevels struct {
	RDB *redis.Client
}

func (s *StockLevels) Put(ctx context.Context, rec stock.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.RDB.Set(ctx, fmt.Sprintf(KeyStockLevel, rec.SKU.Key()), b, TTLStockLevel).Err()
}

func (s *StockLevels) Get(ctx context.Context, sku stock.SKU) (stock.Record, bool, error) {
	var rec stock.Record
	ok, err := getJSON(ctx, s.RDB, fmt.Sprintf(KeyStockLevel, sku.Key()), &rec)
	return rec, ok, err
}

// MarkLow sets the outstanding-alert flag and reports whether it was newly set.
func (s *StockLevels) MarkLow(ctx context.Context, sku stock.SKU) (bool, error) {
	return s.RDB.SetNX(ctx, fmt.Sprintf(KeyStockLow, sku.Key()), "1", TTLStockLow).Result()
}

func (s *StockLevels) ClearLow(ctx context.Context, sku stock.SKU) error {
	return s.RDB.Del(ctx, fmt.Sprintf(KeyStockLow, sku.Key())).Err()
}

func getJSON(ctx context.Context, rdb *redis.Client, key string, out any) (bool, error) {
	b, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
