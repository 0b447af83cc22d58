package stock

import (
	"context"
	"sync"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
)

type memoryEntry struct {
	mu  sync.Mutex
	rec Record
}

type memoryReservation struct {
	status string
	lines  []Line
}

// MemoryLedger is an in-process Ledger. Each SKU has its own lock; multi-SKU
// reservations take those locks in ascending key order so concurrent
// checkouts over overlapping SKUs cannot deadlock.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry

	resMu        sync.Mutex
	reservations map[string]*memoryReservation
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries:      make(map[string]*memoryEntry),
		reservations: make(map[string]*memoryReservation),
	}
}

// Put creates or overwrites the record for rec.SKU (seeding, restock).
func (l *MemoryLedger) Put(rec Record) {
	k := rec.SKU.Key()
	l.mu.Lock()
	e, ok := l.entries[k]
	if !ok {
		e = &memoryEntry{}
		l.entries[k] = e
	}
	l.mu.Unlock()

	e.mu.Lock()
	e.rec = rec
	e.mu.Unlock()
}

func (l *MemoryLedger) entry(sku SKU) (*memoryEntry, error) {
	l.mu.RLock()
	e, ok := l.entries[sku.Key()]
	l.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("no stock record").WithSKU(sku.Key())
	}
	return e, nil
}

func (l *MemoryLedger) Reserve(_ context.Context, sku SKU, qty int) error {
	if qty <= 0 {
		return apperr.New(apperr.KindInvalidQuantity, "reserve quantity must be positive").WithSKU(sku.Key())
	}
	e, err := l.entry(sku)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.Quantity < qty {
		return apperr.New(apperr.KindInsufficientStock, "requested %d, available %d", qty, e.rec.Quantity).WithSKU(sku.Key())
	}
	e.rec.Quantity -= qty
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, sku SKU, qty int) error {
	if qty <= 0 {
		return apperr.New(apperr.KindInvalidQuantity, "release quantity must be positive").WithSKU(sku.Key())
	}
	e, err := l.entry(sku)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rec.Quantity += qty
	e.mu.Unlock()
	return nil
}

func (l *MemoryLedger) Peek(_ context.Context, sku SKU) (Record, error) {
	e, err := l.entry(sku)
	if err != nil {
		return Record{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, nil
}

func (l *MemoryLedger) ReserveOrder(_ context.Context, orderID string, lines []Line) error {
	if orderID == "" {
		return apperr.Validation("order id is required")
	}
	if len(lines) == 0 {
		return apperr.Validation("no lines to reserve").WithOrder(orderID)
	}
	for _, ln := range lines {
		if ln.Qty <= 0 {
			return apperr.New(apperr.KindInvalidQuantity, "reserve quantity must be positive").
				WithOrder(orderID).WithLine(ln.LineID).WithSKU(ln.SKU.Key())
		}
	}

	l.resMu.Lock()
	if _, exists := l.reservations[orderID]; exists {
		l.resMu.Unlock()
		return apperr.New(apperr.KindConflict, "order already holds a reservation").WithOrder(orderID)
	}
	placeholder := &memoryReservation{}
	l.reservations[orderID] = placeholder
	l.resMu.Unlock()

	agg := Aggregate(lines)
	if err := l.reserveAll(orderID, agg); err != nil {
		l.resMu.Lock()
		delete(l.reservations, orderID)
		l.resMu.Unlock()
		return err
	}

	l.resMu.Lock()
	placeholder.status = ReservationReserved
	placeholder.lines = agg
	l.resMu.Unlock()
	return nil
}

// reserveAll expects lines aggregated and sorted by key.
func (l *MemoryLedger) reserveAll(orderID string, lines []Line) error {
	entries := make([]*memoryEntry, 0, len(lines))
	for _, ln := range lines {
		e, err := l.entry(ln.SKU)
		if err != nil {
			return apperr.NotFound("no stock record").WithOrder(orderID).WithLine(ln.LineID).WithSKU(ln.SKU.Key())
		}
		entries = append(entries, e)
	}

	for _, e := range entries {
		e.mu.Lock()
	}
	defer func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
	}()

	for i, ln := range lines {
		if avail := entries[i].rec.Quantity; avail < ln.Qty {
			return apperr.New(apperr.KindInsufficientStock, "requested %d, available %d", ln.Qty, avail).
				WithOrder(orderID).WithLine(ln.LineID).WithSKU(ln.SKU.Key())
		}
	}
	for i, ln := range lines {
		entries[i].rec.Quantity -= ln.Qty
	}
	return nil
}

func (l *MemoryLedger) ReleaseOrder(_ context.Context, orderID string) ([]Line, error) {
	l.resMu.Lock()
	r, ok := l.reservations[orderID]
	if !ok || r.status == "" {
		l.resMu.Unlock()
		return nil, apperr.NotFound("no reservation").WithOrder(orderID)
	}
	if r.status != ReservationReserved {
		l.resMu.Unlock()
		return nil, nil
	}
	r.status = ReservationReleased
	lines := append([]Line(nil), r.lines...)
	l.resMu.Unlock()

	for _, ln := range lines {
		e, err := l.entry(ln.SKU)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.rec.Quantity += ln.Qty
		e.mu.Unlock()
	}
	return lines, nil
}

func (l *MemoryLedger) CommitOrder(_ context.Context, orderID string) error {
	l.resMu.Lock()
	defer l.resMu.Unlock()
	r, ok := l.reservations[orderID]
	if !ok || r.status == "" {
		return apperr.NotFound("no reservation").WithOrder(orderID)
	}
	switch r.status {
	case ReservationCommitted:
		return nil
	case ReservationReleased:
		return apperr.New(apperr.KindInvalidState, "reservation already released").WithOrder(orderID)
	}
	r.status = ReservationCommitted
	return nil
}

// ReservationStatus reports the state of an order's reservation, "" when none.
func (l *MemoryLedger) ReservationStatus(orderID string) string {
	l.resMu.Lock()
	defer l.resMu.Unlock()
	if r, ok := l.reservations[orderID]; ok {
		return r.status
	}
	return ""
}
