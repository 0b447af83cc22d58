package cart

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/catalog"
)

const defaultMaxRetries = 5

// Store persists carts. Load returns an empty cart for unknown buyers. Save
// must fail with a Conflict error when the stored version differs from
// expectedVersion.
type Store interface {
	Load(ctx context.Context, buyerID string) (Cart, error)
	Save(ctx context.Context, c Cart, expectedVersion int64) error
	Clear(ctx context.Context, buyerID string) error
}

type Resolver interface {
	Resolve(ctx context.Context, ref catalog.Ref) (catalog.Snapshot, error)
}

type ServiceDeps struct {
	Store       Store
	Resolver    Resolver
	Logger      *zap.Logger
	Clock       func() time.Time
	IDGenerator func() string
	MaxRetries  int
}

type Service struct {
	store      Store
	resolver   Resolver
	logger     *zap.Logger
	clock      func() time.Time
	newID      func() string
	maxRetries int
}

func NewService(deps ServiceDeps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("cart service: store is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("cart service: resolver is required")
	}
	s := &Service{
		store:      deps.Store,
		resolver:   deps.Resolver,
		logger:     deps.Logger,
		clock:      deps.Clock,
		newID:      deps.IDGenerator,
		maxRetries: deps.MaxRetries,
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
	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxRetries
	}
	return s, nil
}

func (s *Service) GetCart(ctx context.Context, buyerID string) (Cart, error) {
	if strings.TrimSpace(buyerID) == "" {
		return Cart{}, apperr.Validation("buyer id is required")
	}
	return s.store.Load(ctx, buyerID)
}

// AddLine validates the reference against the catalog and merges it into the
// buyer's cart.
func (s *Service) AddLine(ctx context.Context, buyerID string, ref catalog.Ref, qty int) (Cart, error) {
	if qty < 1 {
		return Cart{}, apperr.New(apperr.KindInvalidQuantity, "quantity must be at least 1")
	}
	snap, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return Cart{}, err
	}
	line := Line{
		ID:             s.newID(),
		ProductID:      snap.Ref.ProductID,
		VariationID:    snap.Ref.VariationID,
		OptionID:       snap.Ref.OptionID,
		SellerID:       snap.SellerID,
		Name:           snap.Name,
		Quantity:       qty,
		UnitPriceCents: snap.UnitPriceCents,
		AddedAt:        s.clock().UTC(),
	}
	return s.mutate(ctx, buyerID, func(c *Cart) error {
		c.Add(line)
		return nil
	})
}

func (s *Service) UpdateLine(ctx context.Context, buyerID, lineID string, qty int) (Cart, error) {
	return s.mutate(ctx, buyerID, func(c *Cart) error {
		return c.SetQuantity(lineID, qty)
	})
}

func (s *Service) RemoveLine(ctx context.Context, buyerID, lineID string) (Cart, error) {
	return s.mutate(ctx, buyerID, func(c *Cart) error {
		return c.Remove(lineID)
	})
}

// SelectForCheckout returns the chosen lines without touching the cart.
func (s *Service) SelectForCheckout(ctx context.Context, buyerID string, lineIDs []string) ([]Line, error) {
	c, err := s.GetCart(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	return c.Select(lineIDs)
}

// ClaimLines removes lines consumed by an order in one versioned write. It
// fails with Conflict when any line is gone or no longer matches what was
// selected, so of several checkouts racing for the same line only one wins.
func (s *Service) ClaimLines(ctx context.Context, buyerID string, lines []Line) error {
	_, err := s.mutate(ctx, buyerID, func(c *Cart) error {
		return c.Claim(lines)
	})
	return err
}

// RestoreLines puts claimed lines back after a checkout that did not commit.
func (s *Service) RestoreLines(ctx context.Context, buyerID string, lines []Line) error {
	_, err := s.mutate(ctx, buyerID, func(c *Cart) error {
		c.Restore(lines)
		return nil
	})
	return err
}

// Clear empties the cart, e.g. on session invalidation.
func (s *Service) Clear(ctx context.Context, buyerID string) error {
	if strings.TrimSpace(buyerID) == "" {
		return apperr.Validation("buyer id is required")
	}
	return s.store.Clear(ctx, buyerID)
}

func (s *Service) mutate(ctx context.Context, buyerID string, fn func(*Cart) error) (Cart, error) {
	if strings.TrimSpace(buyerID) == "" {
		return Cart{}, apperr.Validation("buyer id is required")
	}
	for attempt := 1; ; attempt++ {
		c, err := s.store.Load(ctx, buyerID)
		if err != nil {
			return Cart{}, err
		}
		expected := c.Version
		if err := fn(&c); err != nil {
			return Cart{}, err
		}
		c.BuyerID = buyerID
		c.Version = expected + 1
		c.UpdatedAt = s.clock().UTC()

		err = s.store.Save(ctx, c, expected)
		if err == nil {
			return c, nil
		}
		if !apperr.IsKind(err, apperr.KindConflict) || attempt >= s.maxRetries {
			return Cart{}, err
		}
		s.logger.Debug("cart write conflict, retrying",
			zap.String("buyer_id", buyerID), zap.Int("attempt", attempt))
	}
}

// MemoryStore keeps carts in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	carts map[string]Cart
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{carts: make(map[string]Cart)}
}

func (m *MemoryStore) Load(_ context.Context, buyerID string) (Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[buyerID]
	if !ok {
		return Cart{BuyerID: buyerID, Lines: []Line{}}, nil
	}
	return clone(c), nil
}

func (m *MemoryStore) Save(_ context.Context, c Cart, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.carts[c.BuyerID]; cur.Version != expectedVersion {
		return apperr.New(apperr.KindConflict, "cart modified concurrently")
	}
	m.carts[c.BuyerID] = clone(c)
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, buyerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.carts[buyerID]; ok {
		cur.Lines = []Line{}
		cur.Version++
		m.carts[buyerID] = cur
	}
	return nil
}

func clone(c Cart) Cart {
	c.Lines = append([]Line{}, c.Lines...)
	return c
}
