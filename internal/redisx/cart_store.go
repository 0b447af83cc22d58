package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/cart"
)

// CartStore keeps each cart as one JSON value. Saves run under WATCH so a
// concurrent writer turns into a Conflict. A zero TTL keeps carts forever.
type CartStore struct {
	RDB *redis.Client
	TTL time.Duration
}

var _ cart.Store = (*CartStore)(nil)

func (s *CartStore) Load(ctx context.Context, buyerID string) (cart.Cart, error) {
	c, _, err := getCart(ctx, s.RDB, buyerID)
	return c, err
}

func (s *CartStore) Save(ctx context.Context, c cart.Cart, expectedVersion int64) error {
	key := fmt.Sprintf(KeyCart, c.BuyerID)
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}

	err = s.RDB.Watch(ctx, func(tx *redis.Tx) error {
		cur, _, err := getCart(ctx, tx, c.BuyerID)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return apperr.New(apperr.KindConflict, "cart modified concurrently")
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, s.TTL)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return apperr.Wrap(apperr.KindConflict, err, "cart modified concurrently")
	}
	return err
}

// Clear empties the cart and bumps its version so stale writers conflict.
func (s *CartStore) Clear(ctx context.Context, buyerID string) error {
	key := fmt.Sprintf(KeyCart, buyerID)
	err := s.RDB.Watch(ctx, func(tx *redis.Tx) error {
		cur, found, err := getCart(ctx, tx, buyerID)
		if err != nil || !found {
			return err
		}
		cur.Lines = []cart.Line{}
		cur.Version++
		b, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("encode cart: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, s.TTL)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return apperr.Wrap(apperr.KindConflict, err, "cart modified concurrently")
	}
	return err
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getCart(ctx context.Context, rdb getter, buyerID string) (cart.Cart, bool, error) {
	b, err := rdb.Get(ctx, fmt.Sprintf(KeyCart, buyerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return cart.Cart{BuyerID: buyerID, Lines: []cart.Line{}}, false, nil
	}
	if err != nil {
		return cart.Cart{}, false, fmt.Errorf("load cart %s: %w", buyerID, err)
	}
	var c cart.Cart
	if err := json.Unmarshal(b, &c); err != nil {
		return cart.Cart{}, false, fmt.Errorf("decode cart %s: %w", buyerID, err)
	}
	if c.Lines == nil {
		c.Lines = []cart.Line{}
	}
	return c, true, nil
}
