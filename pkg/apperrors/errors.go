// Package apperrors defines the standardized error values shared across layers
package apperrors

import (
	"errors"
	"fmt"
)

// Standardized gateway errors
var (
	ErrConnection    = errors.New("broker connection error")
	ErrValidation    = errors.New("broker payload validation error")
	ErrInvalidBypass = errors.New("invalid startup bypass")
	ErrOrderNotFound = errors.New("order not found")
	ErrStoreClosed   = errors.New("store is closed")
)

// RecalculationError identifies the trade group whose P&L recalculation
// failed inside a backfill transaction
type RecalculationError struct {
	StrategyID string
	Symbol     string
	Err        error
}

func (e *RecalculationError) Error() string {
	return fmt.Sprintf("pnl recalculation failed for %s:%s: %v", e.StrategyID, e.Symbol, e.Err)
}

func (e *RecalculationError) Unwrap() error {
	return e.Err
}

// IsConnection reports whether err is a broker connectivity failure
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}
