package engine

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/exchange/pkg/app/core/orderbook"
)

var (
	ErrEngineClosed      = errors.New("engine closed")
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrNotTradable       = errors.New("instrument not tradable")
	ErrMarketHalted      = errors.New("market halted after invariant violation")
	ErrBookNotEmpty      = errors.New("book already has orders")
)

// ValidationError rejects a request before it reaches the book.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid order: " + e.Reason
	}
	return fmt.Sprintf("invalid order: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

type NotFoundError struct {
	OrderID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("order %s not found", e.OrderID) }

// InvalidStateError is returned when cancelling an order that is already
// terminal. It is an expected outcome.
type InvalidStateError struct {
	OrderID string
	Status  orderbook.Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("order %s is %s", e.OrderID, e.Status)
}

type PermissionError struct {
	OrderID  string
	TraderID string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("trader %q may not act on order %s", e.TraderID, e.OrderID)
}

// InvariantViolation means the matching contract was broken. Committed
// reports whether book state was already changed; a committed violation
// halts the instrument.
type InvariantViolation struct {
	Instrument string
	OrderID    string
	Detail     string
	Committed  bool
	Err        error
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation on %s: %s", e.Instrument, e.Detail)
}

func (e *InvariantViolation) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsInvalidState(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}

func IsPermission(err error) bool {
	var e *PermissionError
	return errors.As(err, &e)
}

func IsInvariant(err error) bool {
	var e *InvariantViolation
	return errors.As(err, &e)
}

func invariantFrom(symbol string, err error) *InvariantViolation {
	var ie *orderbook.InvariantError
	if errors.As(err, &ie) {
		return &InvariantViolation{
			Instrument: symbol,
			OrderID:    ie.OrderID,
			Detail:     ie.Detail,
			Committed:  ie.Committed,
			Err:        err,
		}
	}
	return &InvariantViolation{Instrument: symbol, Detail: err.Error(), Committed: true, Err: err}
}
