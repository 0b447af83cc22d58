// Package orders owns the order aggregate: creation from cart lines, the
// payment/fulfillment/cancellation state machine and the cancellation
// request workflow.
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/cart"
	"github.com/ariefcatur/go-marketplace-orders/internal/catalog"
	"github.com/ariefcatur/go-marketplace-orders/internal/stock"
)

const (
	DefaultCancelReasonMax = 200
	defaultMaxRetries      = 5
)

type Resolver interface {
	Resolve(ctx context.Context, ref catalog.Ref) (catalog.Snapshot, error)
}

// Carts is the slice of the cart service checkout needs.
type Carts interface {
	SelectForCheckout(ctx context.Context, buyerID string, lineIDs []string) ([]cart.Line, error)
	ClaimLines(ctx context.Context, buyerID string, lines []cart.Line) error
	RestoreLines(ctx context.Context, buyerID string, lines []cart.Line) error
}

type Deps struct {
	Store           Store
	Ledger          stock.Ledger
	Resolver        Resolver
	Carts           Carts
	Publisher       Publisher
	StatusCache     StatusCache
	Logger          *zap.Logger
	Clock           func() time.Time
	IDGenerator     func() string
	CancelReasonMax int
	MaxRetries      int
}

type Service struct {
	store      Store
	ledger     stock.Ledger
	resolver   Resolver
	carts      Carts
	publisher  Publisher
	cache      StatusCache
	logger     *zap.Logger
	clock      func() time.Time
	newID      func() string
	reasonMax  int
	maxRetries int
}

func NewService(deps Deps) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orders service: store is required")
	case deps.Ledger == nil:
		return nil, errors.New("orders service: ledger is required")
	case deps.Resolver == nil:
		return nil, errors.New("orders service: resolver is required")
	case deps.Carts == nil:
		return nil, errors.New("orders service: carts is required")
	}
	s := &Service{
		store:      deps.Store,
		ledger:     deps.Ledger,
		resolver:   deps.Resolver,
		carts:      deps.Carts,
		publisher:  deps.Publisher,
		cache:      deps.StatusCache,
		logger:     deps.Logger,
		clock:      deps.Clock,
		newID:      deps.IDGenerator,
		reasonMax:  deps.CancelReasonMax,
		maxRetries: deps.MaxRetries,
	}
	if s.publisher == nil {
		s.publisher = NopPublisher{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.reasonMax <= 0 {
		s.reasonMax = DefaultCancelReasonMax
	}
	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxRetries
	}
	return s, nil
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// GetOrder returns the order if the actor is its buyer, its seller, an admin
// or the system.
func (s *Service) GetOrder(ctx context.Context, actor Actor, orderID string) (Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := authorizeParty(actor, o); err != nil {
		return Order{}, err
	}
	return o, nil
}

// GetStatus serves the compact status view, from the cache when it has one.
func (s *Service) GetStatus(ctx context.Context, actor Actor, orderID string) (StatusView, error) {
	if s.cache != nil {
		v, ok, err := s.cache.GetStatus(ctx, orderID)
		if err != nil {
			s.logger.Warn("status cache read failed", zap.String("order_id", orderID), zap.Error(err))
		}
		if ok {
			if err := authorizeParty(actor, Order{BuyerID: v.BuyerID, SellerID: v.SellerID}); err != nil {
				return StatusView{}, err.WithOrder(orderID)
			}
			return v, nil
		}
	}
	o, err := s.GetOrder(ctx, actor, orderID)
	if err != nil {
		return StatusView{}, err
	}
	s.cacheStatus(ctx, o)
	return o.Status(), nil
}

// ListOrders scopes buyers and sellers to their own orders. Admins may filter
// freely.
func (s *Service) ListOrders(ctx context.Context, actor Actor, f ListFilter) ([]Order, error) {
	switch actor.Role {
	case RoleBuyer:
		f.BuyerID, f.SellerID = actor.ID, ""
	case RoleSeller:
		f.SellerID, f.BuyerID = actor.ID, ""
	case RoleAdmin, RoleSystem:
	default:
		return nil, apperr.Unauthorized("role %q cannot list orders", actor.Role)
	}
	if actor.ID == "" {
		return nil, apperr.Unauthorized("missing actor")
	}
	return s.store.List(ctx, f)
}

// effect is what a successful transition asks for once it has been stored.
type effect struct {
	events  []Event
	release bool
	commit  bool
}

// mutate loads the order, applies fn and stores the result under the version
// check, retrying on write conflicts. A nil effect means fn found nothing to
// do and the order is returned unchanged.
func (s *Service) mutate(ctx context.Context, orderID string, fn func(o *Order, now time.Time) (*effect, error)) (Order, *effect, error) {
	for attempt := 1; ; attempt++ {
		o, err := s.store.Get(ctx, orderID)
		if err != nil {
			return Order{}, nil, err
		}
		expected := o.Version
		now := s.now()
		eff, err := fn(&o, now)
		if err != nil {
			return Order{}, nil, withOrder(err, orderID)
		}
		if eff == nil {
			return o, nil, nil
		}
		o.Version = expected + 1
		o.UpdatedAt = now

		err = s.store.Update(ctx, o, expected)
		if err == nil {
			s.afterWrite(ctx, o, eff)
			return o, eff, nil
		}
		if !apperr.IsKind(err, apperr.KindConflict) || attempt >= s.maxRetries {
			return Order{}, nil, err
		}
		s.logger.Debug("order write conflict, retrying",
			zap.String("order_id", orderID), zap.Int("attempt", attempt))
	}
}

func (s *Service) afterWrite(ctx context.Context, o Order, eff *effect) {
	s.cacheStatus(ctx, o)
	s.publish(ctx, eff.events...)
	if eff.commit {
		if err := s.ledger.CommitOrder(ctx, o.ID); err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
			s.logger.Error("commit reservation failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
}

func (s *Service) publish(ctx context.Context, events ...Event) {
	if len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, events...); err != nil {
		s.logger.Error("publish events failed", zap.Int("count", len(events)), zap.Error(err))
	}
}

func (s *Service) cacheStatus(ctx context.Context, o Order) {
	if s.cache == nil {
		return
	}
	if err := s.cache.PutStatus(ctx, o.Status()); err != nil {
		s.logger.Warn("status cache write failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

// settleRelease gives a cancelled order's stock back and stamps
// StockReleasedAt. The ledger releases an order's reservation at most once,
// so calling this again after a crash or a lost write is harmless.
func (s *Service) settleRelease(ctx context.Context, o Order) Order {
	if !o.Cancelled() || o.StockReleasedAt != nil {
		return o
	}
	lines, err := s.ledger.ReleaseOrder(ctx, o.ID)
	if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		s.logger.Error("release stock failed, left for reconciliation",
			zap.String("order_id", o.ID), zap.Error(err))
		return o
	}

	updated, _, err := s.mutate(ctx, o.ID, func(cur *Order, now time.Time) (*effect, error) {
		if cur.StockReleasedAt != nil {
			return nil, nil
		}
		cur.StockReleasedAt = &now
		return &effect{}, nil
	})
	if err != nil {
		s.logger.Error("mark stock released failed", zap.String("order_id", o.ID), zap.Error(err))
		return o
	}
	if len(lines) > 0 {
		s.publish(ctx, stockEvent(EventStockReleased, o.ID, lines, s.now()))
		s.logger.Info("stock released", zap.String("order_id", o.ID), zap.Int("lines", len(lines)))
	}
	return updated
}

// ReconcileReleases finishes releases interrupted between the cancellation
// write and the ledger call. It returns how many orders were settled.
func (s *Service) ReconcileReleases(ctx context.Context, limit int) (int, error) {
	pending, err := s.store.ListPendingReleases(ctx, limit)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, o := range pending {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if s.settleRelease(ctx, o).StockReleasedAt != nil {
			settled++
		}
	}
	if settled > 0 {
		s.logger.Info("reconciled stock releases", zap.Int("settled", settled), zap.Int("pending", len(pending)))
	}
	return settled, nil
}

func withOrder(err error, orderID string) error {
	if e, ok := apperr.As(err); ok && e.OrderID == "" {
		return e.WithOrder(orderID)
	}
	return err
}

func authorizeBuyer(actor Actor, o Order) *apperr.Error {
	switch {
	case actor.Role == RoleAdmin:
		return nil
	case actor.Role == RoleBuyer && actor.ID != "" && actor.ID == o.BuyerID:
		return nil
	}
	return apperr.Unauthorized("actor %s is not the buyer of this order", actor.ID).WithOrder(o.ID)
}

func authorizeSeller(actor Actor, o Order) *apperr.Error {
	switch {
	case actor.Role == RoleAdmin:
		return nil
	case actor.Role == RoleSeller && actor.ID != "" && actor.ID == o.SellerID:
		return nil
	}
	return apperr.Unauthorized("actor %s is not the seller of this order", actor.ID).WithOrder(o.ID)
}

func authorizeParty(actor Actor, o Order) *apperr.Error {
	if actor.Role == RoleSystem {
		return nil
	}
	if authorizeBuyer(actor, o) == nil || authorizeSeller(actor, o) == nil {
		return nil
	}
	return apperr.Unauthorized("actor %s is not a party to this order", actor.ID).WithOrder(o.ID)
}
