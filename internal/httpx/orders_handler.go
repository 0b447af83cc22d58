package httpx

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/cart"
	"github.com/ariefcatur/go-marketplace-orders/internal/catalog"
	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/stock"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	idemScopeCheckout    = "checkout"
)

type CartService interface {
	GetCart(ctx context.Context, buyerID string) (cart.Cart, error)
	AddLine(ctx context.Context, buyerID string, ref catalog.Ref, qty int) (cart.Cart, error)
	UpdateLine(ctx context.Context, buyerID, lineID string, qty int) (cart.Cart, error)
	RemoveLine(ctx context.Context, buyerID, lineID string) (cart.Cart, error)
}

type OrderService interface {
	Checkout(ctx context.Context, in orders.CheckoutInput) ([]orders.Order, error)
	GetOrder(ctx context.Context, actor orders.Actor, orderID string) (orders.Order, error)
	GetStatus(ctx context.Context, actor orders.Actor, orderID string) (orders.StatusView, error)
	ListOrders(ctx context.Context, actor orders.Actor, f orders.ListFilter) ([]orders.Order, error)
	CancelDirect(ctx context.Context, actor orders.Actor, orderID, reason string) (orders.Order, error)
	RequestCancellation(ctx context.Context, actor orders.Actor, orderID, reason string) (orders.CancellationRequest, error)
	ResolveCancellation(ctx context.Context, actor orders.Actor, orderID string, decision orders.Decision, rejectionReason string) (orders.Order, error)
	UpdateStatus(ctx context.Context, actor orders.Actor, orderID string, status orders.FulfillmentStatus) (orders.Order, error)
	MarkReceivedByBuyer(ctx context.Context, actor orders.Actor, orderID string) (orders.Order, error)
}

type StockReader interface {
	Peek(ctx context.Context, sku stock.SKU) (stock.Record, error)
}

// StockLevels is the display cache kept warm by the stock watcher.
type StockLevels interface {
	Get(ctx context.Context, sku stock.SKU) (stock.Record, bool, error)
	Put(ctx context.Context, rec stock.Record) error
}

type Idempotency interface {
	Begin(ctx context.Context, scope, actor, key, fingerprint string) ([]byte, bool, error)
	Complete(ctx context.Context, scope, actor, key, fingerprint string, response []byte) error
	Abandon(ctx context.Context, scope, actor, key string) error
}

// Handler serves the cart, checkout, order and seller routes. Levels and Idem
// are optional.
type Handler struct {
	Carts  CartService
	Orders OrderService
	Stock  StockReader
	Levels StockLevels
	Idem   Idempotency
	Logger *zap.Logger
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/stock/*", h.getStock)

	r.Group(func(r chi.Router) {
		r.Use(Identity)

		r.Get("/cart", h.getCart)
		r.Post("/cart/add", h.addToCart)
		r.Put("/cart/update/{id}", h.updateCartLine)
		r.Delete("/cart/remove/{id}", h.removeCartLine)

		r.Post("/checkout/process", h.checkout)
		r.Post("/checkout/cancel-order", h.buyerCancel)

		r.Get("/orders", h.listBuyerOrders)
		r.Get("/orders/{id}", h.getOrder)
		r.Get("/orders/{id}/status", h.getStatus)
		r.Post("/orders/{id}/request-cancellation", h.requestCancellation)
		r.Post("/orders/{id}/receive", h.receive)

		r.Get("/seller/orders", h.listSellerOrders)
		r.Post("/seller/orders/{id}/handle-cancellation", h.handleCancellation)
		r.Post("/seller/orders/{id}/update-status", h.updateStatus)
		r.Post("/seller/orders/{id}/cancel", h.sellerCancel)
	})
}

func (h *Handler) log(r *http.Request) *zap.Logger {
	return logging.FromContext(r.Context(), h.Logger)
}

type addToCartReq struct {
	ProductID      string `json:"product_uuid"`
	VariationID    string `json:"variation_uuid,omitempty"`
	SelectedOption string `json:"selected_option,omitempty"`
	Quantity       int    `json:"quantity"`
}

type updateCartReq struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if err := requireRole(actor, orders.RoleBuyer); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Carts.GetCart(r.Context(), actor.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) addToCart(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if err := requireRole(actor, orders.RoleBuyer); err != nil {
		writeError(w, r, err)
		return
	}
	var req addToCartReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		writeError(w, r, apperr.Validation("product_uuid is required"))
		return
	}
	ref := catalog.Ref{ProductID: req.ProductID, VariationID: req.VariationID, OptionID: req.SelectedOption}
	c, err := h.Carts.AddLine(r.Context(), actor.ID, ref, req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) updateCartLine(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if err := requireRole(actor, orders.RoleBuyer); err != nil {
		writeError(w, r, err)
		return
	}
	var req updateCartReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Carts.UpdateLine(r.Context(), actor.ID, chi.URLParam(r, "id"), req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) removeCartLine(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if err := requireRole(actor, orders.RoleBuyer); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Carts.RemoveLine(r.Context(), actor.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// checkoutReq carries money in cents. ShippingFees overrides ShippingFee per
// seller id when a checkout spans sellers.
type checkoutReq struct {
	Items             []string         `json:"items"`
	ShippingAddress   orders.Address   `json:"shipping_address"`
	PaymentMethodID   string           `json:"payment_method_uuid"`
	PaymentMethodKind string           `json:"payment_method_kind,omitempty"`
	ShippingFee       int64            `json:"shipping_fee"`
	ShippingFees      map[string]int64 `json:"shipping_fees,omitempty"`
}

type checkoutResp struct {
	Orders []orders.Order `json:"orders"`
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if err := requireRole(actor, orders.RoleBuyer); err != nil {
		writeError(w, r, err)
		return
	}
	var req checkoutReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	fingerprint := fingerprintOf(req)
	if h.Idem != nil && idemKey != "" {
		stored, claimed, err := h.Idem.Begin(r.Context(), idemScopeCheckout, actor.ID, idemKey, fingerprint)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !claimed {
			w.Header().Set("Idempotent-Replayed", "true")
			writeJSON(w, http.StatusCreated, json.RawMessage(stored))
			return
		}
	}

	placed, err := h.Orders.Checkout(r.Context(), orders.CheckoutInput{
		BuyerID:          actor.ID,
		LineIDs:          req.Items,
		ShippingAddress:  req.ShippingAddress,
		PaymentMethod:    orders.PaymentMethod{Ref: req.PaymentMethodID, Kind: req.PaymentMethodKind},
		ShippingFeeCents: req.ShippingFee,
		ShippingFees:     req.ShippingFees,
	})
	if err != nil {
		if h.Idem != nil && idemKey != "" {
			if aerr := h.Idem.Abandon(context.WithoutCancel(r.Context()), idemScopeCheckout, actor.ID, idemKey); aerr != nil {
				h.log(r).Warn("abandon idempotency key", zap.Error(aerr))
			}
		}
		writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(checkoutResp{Orders: placed})
	if h.Idem != nil && idemKey != "" {
		if err := h.Idem.Complete(context.WithoutCancel(r.Context()), idemScopeCheckout, actor.ID, idemKey, fingerprint, buf.Bytes()); err != nil {
			h.log(r).Warn("store idempotent response", zap.Error(err))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(buf.Bytes())
}

// fingerprintOf hashes the decoded request, so formatting differences in the
// body do not count as a different request.
func fingerprintOf(req checkoutReq) string {
	b, _ := json.Marshal(req)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type buyerCancelReq struct {
	OrderID string `json:"order_uuid"`
	Reason  string `json:"reason"`
}

type reasonReq struct {
	Reason string `json:"reason"`
}

func (h *Handler) buyerCancel(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if err := requireRole(actor, orders.RoleBuyer, orders.RoleAdmin); err != nil {
		writeError(w, r, err)
		return
	}
	var req buyerCancelReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		writeError(w, r, apperr.Validation("order_uuid is required"))
		return
	}
	o, err := h.Orders.CancelDirect(r.Context(), actor, req.OrderID, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.GetOrder(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	v, err := h.Orders.GetStatus(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) listBuyerOrders(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if err := requireRole(actor, orders.RoleBuyer, orders.RoleAdmin); err != nil {
		writeError(w, r, err)
		return
	}
	h.list(w, r, orders.ListFilter{BuyerID: r.URL.Query().Get("buyer_id")})
}

func (h *Handler) listSellerOrders(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if err := requireRole(actor, orders.RoleSeller, orders.RoleAdmin); err != nil {
		writeError(w, r, err)
		return
	}
	h.list(w, r, orders.ListFilter{SellerID: r.URL.Query().Get("seller_id")})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, f orders.ListFilter) {
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, r, apperr.Validation("limit must be a positive integer"))
			return
		}
		f.Limit = n
	}
	list, err := h.Orders.ListOrders(r.Context(), actorFrom(r.Context()), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": list})
}

func (h *Handler) requestCancellation(w http.ResponseWriter, r *http.Request) {
	var req reasonReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	cr, err := h.Orders.RequestCancellation(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cr)
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.MarkReceivedByBuyer(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type handleCancellationReq struct {
	Action          string `json:"action"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

type updateStatusReq struct {
	Status string `json:"status"`
}

func (h *Handler) handleCancellation(w http.ResponseWriter, r *http.Request) {
	var req handleCancellationReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	decision := orders.Decision(strings.ToLower(strings.TrimSpace(req.Action)))
	o, err := h.Orders.ResolveCancellation(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), decision, req.RejectionReason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	status := orders.FulfillmentStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	o, err := h.Orders.UpdateStatus(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) sellerCancel(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if err := requireRole(actor, orders.RoleSeller, orders.RoleAdmin); err != nil {
		writeError(w, r, err)
		return
	}
	var req reasonReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.Orders.CancelDirect(r.Context(), actor, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type stockResp struct {
	SKU           string `json:"sku"`
	Quantity      int    `json:"quantity"`
	LowStockAlert int    `json:"low_stock_alert"`
	Low           bool   `json:"low"`
}

// getStock serves display stock levels, from the watcher's cache when warm.
func (h *Handler) getStock(w http.ResponseWriter, r *http.Request) {
	sku, err := stock.ParseKey(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, r, apperr.Validation("%v", err))
		return
	}
	ctx := r.Context()
	if h.Levels != nil {
		rec, ok, err := h.Levels.Get(ctx, sku)
		if err != nil {
			h.log(r).Warn("stock level cache read", zap.String("sku", sku.Key()), zap.Error(err))
		}
		if ok {
			writeJSON(w, http.StatusOK, toStockResp(rec))
			return
		}
	}
	rec, err := h.Stock.Peek(ctx, sku)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if h.Levels != nil {
		if err := h.Levels.Put(ctx, rec); err != nil {
			h.log(r).Warn("stock level cache write", zap.String("sku", sku.Key()), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, toStockResp(rec))
}

func toStockResp(rec stock.Record) stockResp {
	return stockResp{SKU: rec.SKU.Key(), Quantity: rec.Quantity, LowStockAlert: rec.LowStockAlert, Low: rec.Low()}
}
