// Package apperr carries the engine's structured error taxonomy. Every error
// surfaced by the stock ledger, catalog resolver, cart and order services is
// an *Error with a Kind the transport layer can map to a response.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindInsufficientStock Kind = "insufficient_stock"
	KindInvalidQuantity   Kind = "invalid_quantity"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindConflict          Kind = "conflict"
	KindInvalidState      Kind = "invalid_state"
	KindUnauthorized      Kind = "unauthorized"
	KindValidation        Kind = "validation"
	KindInternal          Kind = "internal"
)

// Error is a kind plus the identifiers the caller needs to render a message.
type Error struct {
	Kind    Kind
	Msg     string
	OrderID string
	LineID  string
	SKU     string
	Err     error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.OrderID != "" {
		b.WriteString(" order=")
		b.WriteString(e.OrderID)
	}
	if e.LineID != "" {
		b.WriteString(" line=")
		b.WriteString(e.LineID)
	}
	if e.SKU != "" {
		b.WriteString(" sku=")
		b.WriteString(e.SKU)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.OrderID == "" && t.LineID == "" && t.SKU == ""
}

func (e *Error) WithOrder(orderID string) *Error {
	c := *e
	c.OrderID = orderID
	return &c
}

func (e *Error) WithLine(lineID string) *Error {
	c := *e
	c.LineID = lineID
	return &c
}

func (e *Error) WithSKU(sku string) *Error {
	c := *e
	c.SKU = sku
	return &c
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func InvalidTransition(format string, args ...any) *Error {
	return New(KindInvalidTransition, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return New(KindUnauthorized, format, args...)
}
