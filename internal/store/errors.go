package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrOverRefund        = errors.New("refund exceeds remaining quantity")
	ErrAlreadyRefunded   = errors.New("transaction already refunded")
	ErrValidation        = errors.New("validation failed")
	ErrStaleStock        = fmt.Errorf("%w: stale previous stock", ErrValidation)

	// ErrDuplicateIdempotencyKey is returned by InsertSale when another sale
	// already owns the key. Callers look the existing sale up instead.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

type InsufficientStockError struct {
	VariantID string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: available %d, requested %d", e.VariantID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

type OverRefundError struct {
	SaleItemID string
	Remaining  int
	Requested  int
}

func (e *OverRefundError) Error() string {
	return fmt.Sprintf("refund exceeds remaining quantity for item %s: remaining %d, requested %d", e.SaleItemID, e.Remaining, e.Requested)
}

func (e *OverRefundError) Unwrap() error {
	return ErrOverRefund
}

type AlreadyRefundedError struct {
	TransactionID string
}

func (e *AlreadyRefundedError) Error() string {
	return fmt.Sprintf("transaction %s already refunded", e.TransactionID)
}

func (e *AlreadyRefundedError) Unwrap() error {
	return ErrAlreadyRefunded
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// StaleStockError is returned by AppendMovement when the movement was built
// from a stock value that is no longer current.
type StaleStockError struct {
	VariantID string
	Expected  int
	Recorded  int
}

func (e *StaleStockError) Error() string {
	return fmt.Sprintf("stale previous stock for variant %s: movement has %d, store has %d", e.VariantID, e.Expected, e.Recorded)
}

func (e *StaleStockError) Unwrap() error {
	return ErrStaleStock
}

func Invalid(field string, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func NotFound(entity string, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// IsClientError reports whether err is a rejection of caller input rather
// than an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrOverRefund) ||
		errors.Is(err, ErrAlreadyRefunded) ||
		errors.Is(err, ErrValidation)
}
