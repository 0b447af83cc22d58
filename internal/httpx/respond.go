package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
)

const maxBody = 1 << 20

type errorBody struct {
	Error     apperr.Kind `json:"error"`
	Message   string      `json:"message"`
	Status    int         `json:"status"`
	RequestID string      `json:"request_id,omitempty"`
	OrderID   string      `json:"order_id,omitempty"`
	LineID    string      `json:"line_id,omitempty"`
	SKU       string      `json:"sku,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInsufficientStock, apperr.KindInvalidTransition, apperr.KindConflict, apperr.KindInvalidState:
		return http.StatusConflict
	case apperr.KindInvalidQuantity, apperr.KindValidation:
		return http.StatusUnprocessableEntity
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{
		Error:     apperr.KindOf(err),
		RequestID: middleware.GetReqID(r.Context()),
	}
	body.Status = statusFor(body.Error)
	if e, ok := apperr.As(err); ok {
		body.Message = e.Msg
		body.OrderID, body.LineID, body.SKU = e.OrderID, e.LineID, e.SKU
	}
	if body.Status == http.StatusInternalServerError {
		logging.FromContext(r.Context(), nil).Error("request failed", zap.Error(err))
		body.Message = "internal error"
	}
	if body.Message == "" {
		body.Message = err.Error()
	}
	writeJSON(w, body.Status, body)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("invalid json: %v", err)
	}
	return nil
}
