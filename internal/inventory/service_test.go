package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kafkax "github.com/ariefcatur/go-marketplace-orders/internal/kafka"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/redisx"
	"github.com/ariefcatur/go-marketplace-orders/internal/stock"
)

type recorder struct {
	mu     sync.Mutex
	events []orders.Event
	fail   error
}

func (r *recorder) Publish(_ context.Context, evs ...orders.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, evs...)
	return nil
}

func (r *recorder) lows() []orders.StockLowPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []orders.StockLowPayload
	for _, ev := range r.events {
		if ev.Type == orders.EventStockLow {
			out = append(out, ev.Payload.(orders.StockLowPayload))
		}
	}
	return out
}

var mug = stock.SKU{ProductID: "mug"}

func setup(t *testing.T) (*Service, *stock.MemoryLedger, *recorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redisx.New(mr.Addr())
	t.Cleanup(func() { _ = rdb.Close() })

	ledger := stock.NewMemoryLedger()
	ledger.Put(stock.Record{SKU: mug, Quantity: 10, LowStockAlert: 3})
	rec := &recorder{}
	return NewService(ledger, rdb, rec, nil), ledger, rec
}

func message(t *testing.T, eventID, typ, orderID string, lines []stock.Line) kafkago.Message {
	t.Helper()
	pub := kafkax.NewEventPublisher(nil, "test")
	pub.NewID = func() string { return eventID }
	env, err := pub.Envelope(orders.Event{
		Type:    typ,
		OrderID: orderID,
		Payload: orders.StockPayload{OrderID: orderID, Lines: lines},
	})
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return kafkago.Message{Topic: orders.TopicStockReserved, Value: b}
}

func TestLowStockAlertFiresOncePerCrossing(t *testing.T) {
	ctx := context.Background()
	svc, ledger, rec := setup(t)

	reserve := func(orderID string, qty int) {
		lines := []stock.Line{{SKU: mug, Qty: qty}}
		require.NoError(t, ledger.ReserveOrder(ctx, orderID, lines))
		require.NoError(t, svc.HandleStockMoved(ctx, message(t, "e-"+orderID, orders.EventStockReserved, orderID, lines)))
	}

	reserve("o1", 5)
	assert.Empty(t, rec.lows())
	level, ok, err := svc.Levels.Get(ctx, mug)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, level.Quantity)

	reserve("o2", 3)
	reserve("o3", 1)
	lows := rec.lows()
	require.Len(t, lows, 1)
	assert.Equal(t, orders.StockLowPayload{SKU: "mug", Quantity: 2, LowStockAlert: 3}, lows[0])

	released, err := ledger.ReleaseOrder(ctx, "o1")
	require.NoError(t, err)
	require.NoError(t, svc.HandleStockMoved(ctx, message(t, "e-r1", orders.EventStockReleased, "o1", released)))
	assert.Len(t, rec.lows(), 1)

	reserve("o4", 5)
	assert.Len(t, rec.lows(), 2)
}

func TestDuplicateDeliveryIsSkipped(t *testing.T) {
	ctx := context.Background()
	svc, ledger, rec := setup(t)

	lines := []stock.Line{{SKU: mug, Qty: 8}}
	require.NoError(t, ledger.ReserveOrder(ctx, "o1", lines))
	m := message(t, "e1", orders.EventStockReserved, "o1", lines)
	require.NoError(t, svc.HandleStockMoved(ctx, m))
	require.NoError(t, svc.Levels.ClearLow(ctx, mug))
	require.NoError(t, svc.HandleStockMoved(ctx, m))

	assert.Len(t, rec.lows(), 1)
}

func TestFailedPublishAllowsRedelivery(t *testing.T) {
	ctx := context.Background()
	svc, ledger, rec := setup(t)
	rec.fail = errors.New("bus down")

	lines := []stock.Line{{SKU: mug, Qty: 9}}
	require.NoError(t, ledger.ReserveOrder(ctx, "o1", lines))
	m := message(t, "e1", orders.EventStockReserved, "o1", lines)
	require.Error(t, svc.HandleStockMoved(ctx, m))
	seen, err := redisx.Seen(ctx, svc.Redis, dedupScope, "e1")
	require.NoError(t, err)
	assert.False(t, seen)

	rec.fail = nil
	require.NoError(t, svc.HandleStockMoved(ctx, m))
	assert.Len(t, rec.lows(), 1)
}

func TestIgnoresForeignAndBrokenMessages(t *testing.T) {
	ctx := context.Background()
	svc, _, rec := setup(t)

	assert.NoError(t, svc.HandleStockMoved(ctx, kafkago.Message{Value: []byte("{not json")}))
	other := message(t, "e1", orders.EventOrderCreated, "o1", nil)
	assert.NoError(t, svc.HandleStockMoved(ctx, other))
	assert.Empty(t, rec.events)

	unknown := message(t, "e2", orders.EventStockReserved, "o1", []stock.Line{{SKU: stock.SKU{ProductID: "ghost"}, Qty: 1}})
	assert.Error(t, svc.HandleStockMoved(ctx, unknown))
}
