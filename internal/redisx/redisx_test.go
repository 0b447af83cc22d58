package redisx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/cart"
	"github.com/ariefcatur/go-marketplace-orders/internal/catalog"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/stock"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := New(mr.Addr())
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, Ping(context.Background(), rdb))
	return mr, rdb
}

func TestCartStoreVersionCheck(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	store := &CartStore{RDB: rdb, TTL: time.Hour}

	c, err := store.Load(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, c.Lines)
	assert.Zero(t, c.Version)

	c.Lines = append(c.Lines, cart.Line{ID: "l1", ProductID: "p", Quantity: 2})
	c.Version = 1
	require.NoError(t, store.Save(ctx, c, 0))
	assert.Equal(t, time.Hour, mr.TTL("cart:b1"))

	err = store.Save(ctx, c, 0)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	got, err := store.Load(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, got.Lines, 1)
	assert.Equal(t, 2, got.Lines[0].Quantity)

	require.NoError(t, store.Clear(ctx, "b1"))
	got, err = store.Load(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, got.Lines)
	assert.EqualValues(t, 2, got.Version)

	require.NoError(t, store.Clear(ctx, "nobody"))
}

func TestCartServiceOverRedisMergesConcurrentAdds(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)

	src := catalog.NewMemorySource(catalog.Product{ID: "p", SellerID: "s", Name: "P", PriceCents: 100, Active: true})
	ledger := stock.NewMemoryLedger()
	ledger.Put(stock.Record{SKU: stock.SKU{ProductID: "p"}, Quantity: 1})
	svc, err := cart.NewService(cart.ServiceDeps{
		Store:      &CartStore{RDB: rdb},
		Resolver:   catalog.NewResolver(src, ledger),
		MaxRetries: 100,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AddLine(ctx, "b1", catalog.Ref{ProductID: "p"}, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c, err := svc.GetCart(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, c.Lines, 1)
	assert.Equal(t, 10, c.Lines[0].Quantity)
}

func TestIdempotency(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	idem := &Idempotency{RDB: rdb}

	stored, claimed, err := idem.Begin(ctx, "checkout", "b1", "k1", "fp-a")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Nil(t, stored)

	_, _, err = idem.Begin(ctx, "checkout", "b1", "k1", "fp-a")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	// another buyer's identical key is independent
	_, claimed, err = idem.Begin(ctx, "checkout", "b2", "k1", "fp-b")
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, idem.Complete(ctx, "checkout", "b1", "k1", "fp-a", []byte(`{"orders":[]}`)))
	stored, claimed, err = idem.Begin(ctx, "checkout", "b1", "k1", "fp-a")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.JSONEq(t, `{"orders":[]}`, string(stored))

	require.NoError(t, idem.Abandon(ctx, "checkout", "b2", "k1"))
	_, claimed, err = idem.Begin(ctx, "checkout", "b2", "k1", "fp-c")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestIdempotencyKeyReusedWithDifferentRequest(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	idem := &Idempotency{RDB: rdb}

	_, claimed, err := idem.Begin(ctx, "checkout", "b1", "k1", "fp-a")
	require.NoError(t, err)
	require.True(t, claimed)

	_, _, err = idem.Begin(ctx, "checkout", "b1", "k1", "fp-b")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	require.NoError(t, idem.Complete(ctx, "checkout", "b1", "k1", "fp-a", []byte(`{"orders":[{"id":"o1"}]}`)))
	stored, claimed, err := idem.Begin(ctx, "checkout", "b1", "k1", "fp-b")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.False(t, claimed)
	assert.Nil(t, stored)
}

func TestStatusCacheAndStockLevels(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)

	cache := &StatusCache{RDB: rdb}
	_, ok, err := cache.GetStatus(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, ok)

	v := orders.StatusView{OrderID: "o1", BuyerID: "b1", PaymentStatus: orders.PaymentCompleted}
	require.NoError(t, cache.PutStatus(ctx, v))
	got, ok, err := cache.GetStatus(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, orders.PaymentCompleted, got.PaymentStatus)
	mr.FastForward(TTLStatusCache + time.Second)
	_, ok, _ = cache.GetStatus(ctx, "o1")
	assert.False(t, ok)

	levels := &StockLevels{RDB: rdb}
	sku := stock.SKU{ProductID: "p", VariationID: "v"}
	require.NoError(t, levels.Put(ctx, stock.Record{SKU: sku, Quantity: 3, LowStockAlert: 5}))
	rec, ok, err := levels.Get(ctx, sku)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, rec.Low())

	first, err := levels.MarkLow(ctx, sku)
	require.NoError(t, err)
	assert.True(t, first)
	again, err := levels.MarkLow(ctx, sku)
	require.NoError(t, err)
	assert.False(t, again)
	require.NoError(t, levels.ClearLow(ctx, sku))
	first, err = levels.MarkLow(ctx, sku)
	require.NoError(t, err)
	assert.True(t, first)
}

func TestSeenAndMarkSeen(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)

	seen, err := Seen(ctx, rdb, "payments", "e1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, MarkSeen(ctx, rdb, "payments", "e1"))
	seen, err = Seen(ctx, rdb, "payments", "e1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = Seen(ctx, rdb, "inventory", "e1")
	require.NoError(t, err)
	assert.False(t, seen)

	ok, err := Exists(ctx, rdb, "dedup:payments:e1")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(TTLDedup + time.Second)
	seen, err = Seen(ctx, rdb, "payments", "e1")
	require.NoError(t, err)
	assert.False(t, seen)
}
