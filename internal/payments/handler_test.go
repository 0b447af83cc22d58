package payments

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

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	kafkax "github.com/ariefcatur/go-marketplace-orders/internal/kafka"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/redisx"
)

type fakeOrders struct {
	mu     sync.Mutex
	paid   []string
	failed map[string]string
	err    error
}

func (f *fakeOrders) MarkPaid(_ context.Context, id string) (orders.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return orders.Order{}, f.err
	}
	f.paid = append(f.paid, id)
	return orders.Order{ID: id}, nil
}

func (f *fakeOrders) MarkPaymentFailed(_ context.Context, id, reason string) (orders.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return orders.Order{}, f.err
	}
	if f.failed == nil {
		f.failed = map[string]string{}
	}
	f.failed[id] = reason
	return orders.Order{ID: id}, nil
}

func result(t *testing.T, eventID string, p orders.PaymentResultPayload) kafkago.Message {
	t.Helper()
	pub := kafkax.NewEventPublisher(nil, "payment-gateway")
	pub.NewID = func() string { return eventID }
	env, err := pub.Envelope(orders.Event{Type: orders.EventPaymentResult, OrderID: p.OrderID, Payload: p})
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return kafkago.Message{Topic: orders.TopicPaymentResult, Value: b}
}

func newHandler(t *testing.T, o Orders) *Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redisx.New(mr.Addr())
	t.Cleanup(func() { _ = rdb.Close() })
	return NewHandler(o, rdb, nil)
}

func TestAppliesResults(t *testing.T) {
	ctx := context.Background()
	fake := &fakeOrders{}
	h := newHandler(t, fake)

	require.NoError(t, h.HandlePaymentResult(ctx, result(t, "e1", orders.PaymentResultPayload{OrderID: "o1", Status: orders.PaymentResultCompleted})))
	require.NoError(t, h.HandlePaymentResult(ctx, result(t, "e2", orders.PaymentResultPayload{OrderID: "o2", Status: orders.PaymentResultFailed, Reason: "card declined"})))
	// redelivery of e1
	require.NoError(t, h.HandlePaymentResult(ctx, result(t, "e1", orders.PaymentResultPayload{OrderID: "o1", Status: orders.PaymentResultCompleted})))

	assert.Equal(t, []string{"o1"}, fake.paid)
	assert.Equal(t, map[string]string{"o2": "card declined"}, fake.failed)
}

func TestDomainRejectionsAreAcknowledged(t *testing.T) {
	ctx := context.Background()
	for _, err := range []error{
		apperr.NotFound("order %s not found", "o1"),
		apperr.InvalidTransition("payment already failed"),
	} {
		h := newHandler(t, &fakeOrders{err: err})
		assert.NoError(t, h.HandlePaymentResult(ctx, result(t, "e1", orders.PaymentResultPayload{OrderID: "o1", Status: orders.PaymentResultCompleted})))
	}
}

func TestInfrastructureFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	fake := &fakeOrders{err: errors.New("db down")}
	h := newHandler(t, fake)
	m := result(t, "e1", orders.PaymentResultPayload{OrderID: "o1", Status: orders.PaymentResultCompleted})

	require.Error(t, h.HandlePaymentResult(ctx, m))
	seen, err := redisx.Seen(ctx, h.Redis, dedupScope, "e1")
	require.NoError(t, err)
	assert.False(t, seen, "a result that did not apply must stay deliverable")

	fake.err = nil
	require.NoError(t, h.HandlePaymentResult(ctx, m))
	assert.Equal(t, []string{"o1"}, fake.paid)
	seen, err = redisx.Seen(ctx, h.Redis, dedupScope, "e1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSkipsJunk(t *testing.T) {
	ctx := context.Background()
	fake := &fakeOrders{}
	h := newHandler(t, fake)

	assert.NoError(t, h.HandlePaymentResult(ctx, kafkago.Message{Value: []byte("nope")}))
	assert.NoError(t, h.HandlePaymentResult(ctx, result(t, "e1", orders.PaymentResultPayload{OrderID: "o1", Status: "refunded"})))
	assert.Empty(t, fake.paid)
	assert.Empty(t, fake.failed)
}
