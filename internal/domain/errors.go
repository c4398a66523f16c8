package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// InsufficientStockError reports the exact shortfall so the caller can adjust
// the requested quantity instead of guessing.
type InsufficientStockError struct {
	ProductID string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %s, available %s (short %s)",
		e.ProductID, e.Requested, e.Available, e.Shortfall())
}

func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

type InsufficientCreditError struct {
	CustomerID  string
	CreditLimit decimal.Decimal
	CurrentDebt decimal.Decimal
	Requested   decimal.Decimal
}

func (e *InsufficientCreditError) Error() string {
	available := e.CreditLimit.Sub(e.CurrentDebt)
	return fmt.Sprintf("insufficient credit for customer %s: limit %s, outstanding %s, available %s, requested %s",
		e.CustomerID, e.CreditLimit, e.CurrentDebt, available, e.Requested)
}

type PriceDeviationError struct {
	ProductID    string
	CatalogPrice decimal.Decimal
	GivenPrice   decimal.Decimal
	DeviationPct decimal.Decimal
}

func (e *PriceDeviationError) Error() string {
	return fmt.Sprintf("price for product %s deviates %s%% from catalog price %s (given %s); owner or admin authorization required",
		e.ProductID, e.DeviationPct.StringFixed(2), e.CatalogPrice, e.GivenPrice)
}

type PaymentRejectedError struct {
	Method string
	Reason string
}

func (e *PaymentRejectedError) Error() string {
	return fmt.Sprintf("payment method %s rejected: %s", e.Method, e.Reason)
}
