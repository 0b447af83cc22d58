package orders

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/stock"
)

func TestRequestThenApproveRestoresStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mug := f.addLine(t, "b1", refMug, 4)
	tee := f.addLine(t, "b1", refTee, 2)
	o, err := f.svc.CreateOrder(ctx, checkoutInput("b1", mug, tee))
	require.NoError(t, err)
	require.Equal(t, 6, f.quantity(t, skuMug))
	require.Equal(t, 3, f.quantity(t, skuTee))

	req, err := f.svc.RequestCancellation(ctx, buyer, o.ID, "found it cheaper")
	require.NoError(t, err)
	assert.Equal(t, ResolutionPending, req.Resolution)
	assert.Equal(t, o.ID, req.OrderID)

	pending, _ := f.store.Get(ctx, o.ID)
	assert.Equal(t, CancellationRequested, pending.CancellationStatus)
	assert.NotNil(t, pending.CancellationRequestedAt)

	approved, err := f.svc.ResolveCancellation(ctx, seller, o.ID, DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, CancellationApproved, approved.CancellationStatus)
	assert.Equal(t, FulfillmentCancelled, approved.FulfillmentStatus)
	assert.Equal(t, "found it cheaper", approved.CancelReason)
	assert.Equal(t, ResolutionApproved, approved.Cancellations[0].Resolution)
	assert.Equal(t, "s1", approved.Cancellations[0].ResolvedBy)
	assert.NotNil(t, approved.StockReleasedAt)

	assert.Equal(t, 10, f.quantity(t, skuMug))
	assert.Equal(t, 5, f.quantity(t, skuTee))
	assert.Equal(t, stock.ReservationReleased, f.ledger.ReservationStatus(o.ID))

	// a retried approval changes nothing
	again, err := f.svc.ResolveCancellation(ctx, seller, o.ID, DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, approved.Version, again.Version)
	assert.Equal(t, 10, f.quantity(t, skuMug))
	assert.Equal(t, 1, f.pub.count(EventStockReleased))
}

func TestApproveNeedsNoReasonRejectDoes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.placeOrder(t, 1, PaymentKindCard)
	_, err := f.svc.RequestCancellation(ctx, buyer, o.ID, "duplicate order")
	require.NoError(t, err)

	_, err = f.svc.ResolveCancellation(ctx, seller, o.ID, DecisionReject, "  ")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = f.svc.ResolveCancellation(ctx, seller, o.ID, DecisionReject, strings.Repeat("r", 201))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = f.svc.ResolveCancellation(ctx, seller, o.ID, "maybe", "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	still, _ := f.store.Get(ctx, o.ID)
	assert.Equal(t, CancellationRequested, still.CancellationStatus)

	approved, err := f.svc.ResolveCancellation(ctx, seller, o.ID, DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, CancellationApproved, approved.CancellationStatus)
}

func TestRejectReturnsOrderToProcessing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.placeOrder(t, 2, PaymentKindCard)
	_, err := f.svc.RequestCancellation(ctx, buyer, o.ID, "too slow")
	require.NoError(t, err)

	rejected, err := f.svc.ResolveCancellation(ctx, seller, o.ID, DecisionReject, "already packed")
	require.NoError(t, err)
	assert.Equal(t, CancellationRejected, rejected.CancellationStatus)
	assert.Equal(t, FulfillmentProcessing, rejected.FulfillmentStatus)
	assert.Equal(t, "already packed", rejected.Cancellations[0].RejectionReason)
	assert.Nil(t, rejected.StockReleasedAt)
	assert.Equal(t, 3, f.quantity(t, skuTee))

	// the buyer may ask again after a rejection
	second, err := f.svc.RequestCancellation(ctx, buyer, o.ID, "still too slow")
	require.NoError(t, err)
	assert.NotEqual(t, rejected.Cancellations[0].ID, second.ID)

	// approving with no pending request left over is a state error
	_, err = f.svc.ResolveCancellation(ctx, seller, o.ID, DecisionReject, "no")
	require.NoError(t, err)
	_, err = f.svc.ResolveCancellation(ctx, seller, o.ID, DecisionApprove, "")
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
}

func TestRequestCancellationGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate pending", func(t *testing.T) {
		f := newFixture(t)
		o := f.placeOrder(t, 1, PaymentKindCard)
		_, err := f.svc.RequestCancellation(ctx, buyer, o.ID, "first")
		require.NoError(t, err)
		_, err = f.svc.RequestCancellation(ctx, buyer, o.ID, "second")
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	})

	t.Run("shipped", func(t *testing.T) {
		f := newFixture(t)
		o := f.placeOrder(t, 1, PaymentKindCard)
		_, err := f.svc.MarkPaid(ctx, o.ID)
		require.NoError(t, err)
		_, err = f.svc.MarkShipped(ctx, seller, o.ID)
		require.NoError(t, err)
		_, err = f.svc.RequestCancellation(ctx, buyer, o.ID, "too late")
		e, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, apperr.KindInvalidState, e.Kind)
		assert.Equal(t, o.ID, e.OrderID)
	})

	t.Run("cancelled", func(t *testing.T) {
		f := newFixture(t)
		o := f.placeOrder(t, 1, PaymentKindCard)
		_, err := f.svc.CancelDirect(ctx, buyer, o.ID, "mistake")
		require.NoError(t, err)
		_, err = f.svc.RequestCancellation(ctx, buyer, o.ID, "again")
		assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
	})

	t.Run("not the buyer", func(t *testing.T) {
		f := newFixture(t)
		o := f.placeOrder(t, 1, PaymentKindCard)
		_, err := f.svc.RequestCancellation(ctx, stranger, o.ID, "mine")
		assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
		_, err = f.svc.RequestCancellation(ctx, seller, o.ID, "mine")
		assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	})

	t.Run("reason length", func(t *testing.T) {
		f := newFixture(t)
		o := f.placeOrder(t, 1, PaymentKindCard)
		_, err := f.svc.RequestCancellation(ctx, buyer, o.ID, strings.Repeat("é", 200))
		assert.NoError(t, err)
	})
}

func TestResolveCancellationOnlyBySeller(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.placeOrder(t, 1, PaymentKindCard)
	_, err := f.svc.RequestCancellation(ctx, buyer, o.ID, "please")
	require.NoError(t, err)

	_, err = f.svc.ResolveCancellation(ctx, buyer, o.ID, DecisionApprove, "")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	_, err = f.svc.ResolveCancellation(ctx, Actor{ID: "s2", Role: RoleSeller}, o.ID, DecisionApprove, "")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	_, err = f.svc.ResolveCancellation(ctx, Actor{ID: "ops", Role: RoleAdmin}, o.ID, DecisionApprove, "")
	assert.NoError(t, err)
}

func TestConcurrentApprovalsReleaseExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.placeOrder(t, 4, PaymentKindCard)
	require.Equal(t, 1, f.quantity(t, skuTee))
	_, err := f.svc.RequestCancellation(ctx, buyer, o.ID, "please")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var failures int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.svc.ResolveCancellation(ctx, seller, o.ID, DecisionApprove, "")
			} else {
				_, err = f.svc.CancelDirect(ctx, seller, o.ID, "closing shop")
			}
			if err != nil {
				atomic.AddInt32(&failures, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&failures))
	assert.Equal(t, 5, f.quantity(t, skuTee))
	assert.Equal(t, 1, f.pub.count(EventStockReleased))
	final, _ := f.store.Get(ctx, o.ID)
	assert.Equal(t, CancellationApproved, final.CancellationStatus)
	assert.NotNil(t, final.StockReleasedAt)
}

// failingLedger fails ReleaseOrder until healed, as if the ledger's database
// were briefly unreachable.
type failingLedger struct {
	*stock.MemoryLedger
	broken atomic.Bool
}

func (l *failingLedger) ReleaseOrder(ctx context.Context, orderID string) ([]stock.Line, error) {
	if l.broken.Load() {
		return nil, apperr.New(apperr.KindInternal, "ledger unavailable")
	}
	return l.MemoryLedger.ReleaseOrder(ctx, orderID)
}

func TestReconcileReleasesFinishesInterruptedRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ledger := &failingLedger{MemoryLedger: f.ledger}
	svc, err := NewService(Deps{
		Store: f.store, Ledger: ledger, Resolver: f.svc.resolver, Carts: f.carts,
		Publisher: f.pub, Clock: func() time.Time { return time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)

	o := f.placeOrder(t, 3, PaymentKindCard)
	require.Equal(t, 2, f.quantity(t, skuTee))

	ledger.broken.Store(true)
	cancelled, err := svc.CancelDirect(ctx, seller, o.ID, "warehouse fire")
	require.NoError(t, err)
	assert.Equal(t, CancellationApproved, cancelled.CancellationStatus)
	assert.Nil(t, cancelled.StockReleasedAt)
	assert.Equal(t, 2, f.quantity(t, skuTee))

	n, err := svc.ReconcileReleases(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	ledger.broken.Store(false)
	n, err = svc.ReconcileReleases(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 5, f.quantity(t, skuTee))

	n, err = svc.ReconcileReleases(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 5, f.quantity(t, skuTee))
}
