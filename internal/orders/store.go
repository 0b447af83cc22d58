package orders

import (
	"context"
	"sort"
	"sync"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
)

// Store persists orders. Insert is atomic across all given orders. Update
// must fail with a Conflict error when the stored version differs from
// expectedVersion.
type Store interface {
	Insert(ctx context.Context, orders ...Order) error
	Get(ctx context.Context, orderID string) (Order, error)
	Update(ctx context.Context, o Order, expectedVersion int64) error
	List(ctx context.Context, f ListFilter) ([]Order, error)
	// ListPendingReleases returns cancelled orders whose stock has not been
	// given back yet.
	ListPendingReleases(ctx context.Context, limit int) ([]Order, error)
}

// StatusCache holds compact status views for polling clients. It is never
// authoritative.
type StatusCache interface {
	PutStatus(ctx context.Context, v StatusView) error
	GetStatus(ctx context.Context, orderID string) (StatusView, bool, error)
}

type ListFilter struct {
	BuyerID  string
	SellerID string
	Limit    int
}

const defaultListLimit = 50

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return defaultListLimit
	}
	return f.Limit
}

// MemoryStore keeps orders in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]Order)}
}

func (m *MemoryStore) Insert(_ context.Context, orders ...Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range orders {
		if _, ok := m.orders[o.ID]; ok {
			return apperr.New(apperr.KindConflict, "order already exists").WithOrder(o.ID)
		}
	}
	for _, o := range orders {
		m.orders[o.ID] = o.Clone()
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, orderID string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return Order{}, apperr.NotFound("order").WithOrder(orderID)
	}
	return o.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, o Order, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.ID]
	if !ok {
		return apperr.NotFound("order").WithOrder(o.ID)
	}
	if cur.Version != expectedVersion {
		return apperr.New(apperr.KindConflict, "order modified concurrently").WithOrder(o.ID)
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]Order, error) {
	m.mu.RLock()
	out := make([]Order, 0)
	for _, o := range m.orders {
		if f.BuyerID != "" && o.BuyerID != f.BuyerID {
			continue
		}
		if f.SellerID != "" && o.SellerID != f.SellerID {
			continue
		}
		out = append(out, o.Clone())
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *MemoryStore) ListPendingReleases(_ context.Context, limit int) ([]Order, error) {
	m.mu.RLock()
	out := make([]Order, 0)
	for _, o := range m.orders {
		if o.Cancelled() && o.StockReleasedAt == nil {
			out = append(out, o.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(os []Order) {
	sort.Slice(os, func(i, j int) bool {
		if os[i].CreatedAt.Equal(os[j].CreatedAt) {
			return os[i].ID < os[j].ID
		}
		return os[i].CreatedAt.After(os[j].CreatedAt)
	})
}
