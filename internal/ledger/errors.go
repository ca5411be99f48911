package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientStock indicates a debit larger than the stock on hand.
	ErrInsufficientStock = errors.New("ledger: insufficient stock")
	// ErrInvalidQuantity indicates a zero or negative movement quantity.
	ErrInvalidQuantity = errors.New("ledger: quantity must be positive")
	// ErrMissingDescription indicates a movement without an item name.
	ErrMissingDescription = errors.New("ledger: item description is required")
	// ErrMissingLocation indicates a movement without a source or destination.
	ErrMissingLocation = errors.New("ledger: location is required")
	// ErrSameLocation indicates a transfer whose source and destination match.
	ErrSameLocation = errors.New("ledger: transfer source and destination are the same")

	errMissingStore = errors.New("record store is required")
	errNotInventory = errors.New("record is not an inventory item")
)

// InsufficientStockError reports the stock available when a debit was refused.
type InsufficientStockError struct {
	ItemName   string
	LocationID string
	Available  decimal.Decimal
	Requested  decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("ledger: insufficient stock of %q at %s: available %s, requested %s",
		e.ItemName, e.LocationID, e.Available.String(), e.Requested.String())
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// Shortfall is how much more stock the debit needed.
func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// EngineError carries the failing operation and reason.
type EngineError struct {
	code string
	err  error
}

func (e *EngineError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *EngineError) Unwrap() error {
	return e.err
}

func (e *EngineError) Code() string {
	return e.code
}

func newEngineError(operation, reason string, cause error) error {
	return &EngineError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
