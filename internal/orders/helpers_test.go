package orders

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-marketplace-orders/internal/cart"
	"github.com/ariefcatur/go-marketplace-orders/internal/catalog"
	"github.com/ariefcatur/go-marketplace-orders/internal/stock"
)

var (
	skuTee   = stock.SKU{ProductID: "tee", VariationID: "red", OptionID: "m"}
	skuMug   = stock.SKU{ProductID: "mug"}
	skuLamp  = stock.SKU{ProductID: "lamp"}
	refTee   = catalog.Ref{ProductID: "tee", VariationID: "red", OptionID: "m"}
	refMug   = catalog.Ref{ProductID: "mug"}
	refLamp  = catalog.Ref{ProductID: "lamp"}
	buyer    = Actor{ID: "b1", Role: RoleBuyer}
	seller   = Actor{ID: "s1", Role: RoleSeller}
	stranger = Actor{ID: "b2", Role: RoleBuyer}
	address  = Address{Name: "Ann", Line1: "1 Main St", City: "Jakarta", Country: "ID"}
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, events ...Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func (p *recordingPublisher) count(typ string) int {
	n := 0
	for _, t := range p.types() {
		if t == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	svc    *Service
	carts  *cart.Service
	ledger *stock.MemoryLedger
	store  *MemoryStore
	src    *catalog.MemorySource
	pub    *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	src := catalog.NewMemorySource(
		catalog.Product{ID: "tee", SellerID: "s1", Name: "Tee", PriceCents: 1000, Active: true,
			Variations: []catalog.Variation{{ID: "red", Name: "Red", Active: true,
				Options: []catalog.Option{{ID: "m", Name: "M", PriceCents: 1200, Active: true}}}}},
		catalog.Product{ID: "mug", SellerID: "s1", Name: "Mug", PriceCents: 500, Active: true},
		catalog.Product{ID: "lamp", SellerID: "s2", Name: "Lamp", PriceCents: 3000, Active: true},
	)
	ledger := stock.NewMemoryLedger()
	ledger.Put(stock.Record{SKU: skuTee, Quantity: 5, LowStockAlert: 1})
	ledger.Put(stock.Record{SKU: skuMug, Quantity: 10})
	ledger.Put(stock.Record{SKU: skuLamp, Quantity: 2})

	resolver := catalog.NewResolver(src, ledger)
	clock := func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) }

	var mu sync.Mutex
	n := 0
	ids := func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%03d", n)
	}

	carts, err := cart.NewService(cart.ServiceDeps{
		Store: cart.NewMemoryStore(), Resolver: resolver, Clock: clock, IDGenerator: ids, MaxRetries: 50,
	})
	require.NoError(t, err)

	store := NewMemoryStore()
	pub := &recordingPublisher{}
	svc, err := NewService(Deps{
		Store:       store,
		Ledger:      ledger,
		Resolver:    resolver,
		Carts:       carts,
		Publisher:   pub,
		Clock:       clock,
		IDGenerator: ids,
		MaxRetries:  50,
	})
	require.NoError(t, err)
	return &fixture{svc: svc, carts: carts, ledger: ledger, store: store, src: src, pub: pub}
}

func (f *fixture) addLine(t *testing.T, buyerID string, ref catalog.Ref, qty int) string {
	t.Helper()
	c, err := f.carts.AddLine(context.Background(), buyerID, ref, qty)
	require.NoError(t, err)
	for _, l := range c.Lines {
		if l.Ref() == ref {
			return l.ID
		}
	}
	t.Fatalf("line for %v not in cart", ref)
	return ""
}

func (f *fixture) quantity(t *testing.T, sku stock.SKU) int {
	t.Helper()
	rec, err := f.ledger.Peek(context.Background(), sku)
	require.NoError(t, err)
	return rec.Quantity
}

func checkoutInput(buyerID string, lineIDs ...string) CheckoutInput {
	return CheckoutInput{
		BuyerID:          buyerID,
		LineIDs:          lineIDs,
		ShippingAddress:  address,
		PaymentMethod:    PaymentMethod{Ref: "pm-1", Kind: PaymentKindCard},
		ShippingFeeCents: 250,
	}
}

// placeOrder checks out one tee line of qty for b1.
func (f *fixture) placeOrder(t *testing.T, qty int, kind string) Order {
	t.Helper()
	id := f.addLine(t, "b1", refTee, qty)
	in := checkoutInput("b1", id)
	in.PaymentMethod.Kind = kind
	o, err := f.svc.CreateOrder(context.Background(), in)
	require.NoError(t, err)
	return o
}
