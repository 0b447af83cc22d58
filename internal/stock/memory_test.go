package stock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
)

func seeded(t *testing.T, recs ...Record) *MemoryLedger {
	t.Helper()
	l := NewMemoryLedger()
	for _, r := range recs {
		l.Put(r)
	}
	return l
}

func qty(t *testing.T, l Ledger, sku SKU) int {
	t.Helper()
	rec, err := l.Peek(context.Background(), sku)
	require.NoError(t, err)
	return rec.Quantity
}

func TestSKUKeyRoundTrip(t *testing.T) {
	for _, sku := range []SKU{
		{ProductID: "p1"},
		{ProductID: "p1", VariationID: "v1"},
		{ProductID: "p1", VariationID: "v1", OptionID: "o1"},
	} {
		got, err := ParseKey(sku.Key())
		require.NoError(t, err)
		assert.Equal(t, sku, got)
	}

	_, err := ParseKey("")
	assert.Error(t, err)
	_, err = ParseKey("a/b/c/d")
	assert.Error(t, err)
}

func TestAggregateMergesAndSorts(t *testing.T) {
	b := SKU{ProductID: "b"}
	a := SKU{ProductID: "a", VariationID: "v"}
	out := Aggregate([]Line{
		{LineID: "l1", SKU: b, Qty: 1},
		{LineID: "l2", SKU: a, Qty: 2},
		{LineID: "l3", SKU: b, Qty: 4},
	})
	require.Len(t, out, 2)
	assert.Equal(t, a, out[0].SKU)
	assert.Equal(t, 2, out[0].Qty)
	assert.Equal(t, b, out[1].SKU)
	assert.Equal(t, 5, out[1].Qty)
	assert.Equal(t, "l1", out[1].LineID)
}

func TestReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	sku := SKU{ProductID: "p1"}
	l := seeded(t, Record{SKU: sku, Quantity: 3, LowStockAlert: 1})

	require.NoError(t, l.Reserve(ctx, sku, 2))
	assert.Equal(t, 1, qty(t, l, sku))

	err := l.Reserve(ctx, sku, 2)
	assert.Equal(t, apperr.KindInsufficientStock, apperr.KindOf(err))
	assert.Equal(t, 1, qty(t, l, sku))

	rec, _ := l.Peek(ctx, sku)
	assert.True(t, rec.Low())

	require.NoError(t, l.Release(ctx, sku, 2))
	assert.Equal(t, 3, qty(t, l, sku))

	assert.Equal(t, apperr.KindInvalidQuantity, apperr.KindOf(l.Reserve(ctx, sku, 0)))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(l.Reserve(ctx, SKU{ProductID: "missing"}, 1)))
}

func TestConcurrentReserveNeverOversells(t *testing.T) {
	ctx := context.Background()
	sku := SKU{ProductID: "p1", VariationID: "v1", OptionID: "o1"}
	const available = 37
	l := seeded(t, Record{SKU: sku, Quantity: available})

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Reserve(ctx, sku, 1); err == nil {
				wins.Add(1)
			} else if !apperr.IsKind(err, apperr.KindInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, available, wins.Load())
	assert.Equal(t, 0, qty(t, l, sku))
}

func TestConcurrentReserveOrderRandomized(t *testing.T) {
	ctx := context.Background()
	skus := []SKU{{ProductID: "a"}, {ProductID: "b"}, {ProductID: "c"}}
	l := NewMemoryLedger()
	for _, s := range skus {
		l.Put(Record{SKU: s, Quantity: 50})
	}

	rng := rand.New(rand.NewSource(7))
	orders := make([][]Line, 120)
	for i := range orders {
		n := 1 + rng.Intn(3)
		perm := rng.Perm(len(skus))[:n]
		for _, p := range perm {
			orders[i] = append(orders[i], Line{SKU: skus[p], Qty: 1 + rng.Intn(3)})
		}
	}

	var mu sync.Mutex
	reserved := map[string]int{}
	var wg sync.WaitGroup
	for i, lines := range orders {
		wg.Add(1)
		go func(id string, lines []Line) {
			defer wg.Done()
			if err := l.ReserveOrder(ctx, id, lines); err != nil {
				return
			}
			mu.Lock()
			for _, ln := range lines {
				reserved[ln.SKU.Key()] += ln.Qty
			}
			mu.Unlock()
		}(fmt.Sprintf("o-%d", i), lines)
	}
	wg.Wait()

	for _, s := range skus {
		q := qty(t, l, s)
		assert.GreaterOrEqual(t, q, 0)
		assert.Equal(t, 50-reserved[s.Key()], q, s.Key())
	}
}

func TestReserveOrderIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	a, b, c := SKU{ProductID: "a"}, SKU{ProductID: "b"}, SKU{ProductID: "c"}
	l := seeded(t,
		Record{SKU: a, Quantity: 5},
		Record{SKU: b, Quantity: 1},
		Record{SKU: c, Quantity: 5},
	)

	err := l.ReserveOrder(ctx, "o-1", []Line{
		{LineID: "la", SKU: a, Qty: 2},
		{LineID: "lb", SKU: b, Qty: 2},
		{LineID: "lc", SKU: c, Qty: 2},
	})
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindInsufficientStock, e.Kind)
	assert.Equal(t, "lb", e.LineID)
	assert.Equal(t, "b", e.SKU)

	assert.Equal(t, 5, qty(t, l, a))
	assert.Equal(t, 1, qty(t, l, b))
	assert.Equal(t, 5, qty(t, l, c))
	assert.Empty(t, l.ReservationStatus("o-1"))

	// the order id is free again after a failed attempt
	require.NoError(t, l.ReserveOrder(ctx, "o-1", []Line{{SKU: a, Qty: 1}}))
}

func TestReleaseOrderHappensOnce(t *testing.T) {
	ctx := context.Background()
	a := SKU{ProductID: "a"}
	l := seeded(t, Record{SKU: a, Quantity: 4})

	require.NoError(t, l.ReserveOrder(ctx, "o-1", []Line{{SKU: a, Qty: 3}}))
	assert.Equal(t, 1, qty(t, l, a))

	err := l.ReserveOrder(ctx, "o-1", []Line{{SKU: a, Qty: 1}})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	var wg sync.WaitGroup
	var released atomic.Int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lines, err := l.ReleaseOrder(ctx, "o-1")
			assert.NoError(t, err)
			if len(lines) > 0 {
				released.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, released.Load())
	assert.Equal(t, 4, qty(t, l, a))
	assert.Equal(t, ReservationReleased, l.ReservationStatus("o-1"))

	_, err = l.ReleaseOrder(ctx, "unknown")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestCommitOrderConsumesReservation(t *testing.T) {
	ctx := context.Background()
	a := SKU{ProductID: "a"}
	l := seeded(t, Record{SKU: a, Quantity: 4})

	require.NoError(t, l.ReserveOrder(ctx, "o-1", []Line{{SKU: a, Qty: 3}}))
	require.NoError(t, l.CommitOrder(ctx, "o-1"))
	require.NoError(t, l.CommitOrder(ctx, "o-1"))

	lines, err := l.ReleaseOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.Equal(t, 1, qty(t, l, a))

	require.NoError(t, l.ReserveOrder(ctx, "o-2", []Line{{SKU: a, Qty: 1}}))
	_, err = l.ReleaseOrder(ctx, "o-2")
	require.NoError(t, err)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(l.CommitOrder(ctx, "o-2")))
}
