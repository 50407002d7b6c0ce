package inventory

import (
	"fmt"
	"strings"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// Shortage is one stock key that cannot cover its requested quantity
type Shortage struct {
	Key       inventory.StockKey `json:"key"`
	Requested decimal.Decimal    `json:"requested"`
	Available decimal.Decimal    `json:"available"`
}

// InsufficientStockError lists every key that failed the availability check.
// It matches shared.ErrInsufficientStock with errors.Is.
type InsufficientStockError struct {
	ReservationID string
	Shortages     []Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s requested %s available %s",
			s.Key, s.Requested.String(), s.Available.String()))
	}
	return fmt.Sprintf("insufficient stock for reservation %s: %s", e.ReservationID, strings.Join(parts, "; "))
}

func (e *InsufficientStockError) Unwrap() error {
	return shared.ErrInsufficientStock
}

// LockTimeoutError reports a per-key lock that could not be taken in time.
// It matches shared.ErrConcurrencyConflict, so callers may retry.
type LockTimeoutError struct {
	Key    string
	Holder string
}

func (e *LockTimeoutError) Error() string {
	if e.Holder == "" {
		return "timed out acquiring lock " + e.Key
	}
	return fmt.Sprintf("timed out acquiring lock %s held by %s", e.Key, e.Holder)
}

func (e *LockTimeoutError) Unwrap() error {
	return shared.ErrConcurrencyConflict
}
