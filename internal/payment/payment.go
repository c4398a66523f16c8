package payment

import (
	"github.com/shopspring/decimal"

	"bodegapos/backend/internal/domain"
)

// splitTolerance absorbs the cent-level difference a client can introduce
// when it rounds split amounts independently.
var splitTolerance = decimal.RequireFromString("0.01")

// Authorize validates a single payment method against the store's per-method
// configuration. An unknown method (no configuration row) is rejected the
// same way a disabled one is.
func Authorize(method string, amountBs, amountUSD decimal.Decimal, configs map[string]domain.PaymentMethodConfig, role string) error {
	cfg, ok := configs[method]
	if !ok || !cfg.Enabled {
		return &domain.PaymentRejectedError{Method: method, Reason: "method is disabled"}
	}
	if cfg.RequiresAuthorization && role != domain.RoleOwner {
		return &domain.PaymentRejectedError{Method: method, Reason: "method requires owner authorization"}
	}
	if err := checkBounds(method, "bs", amountBs, cfg.MinBs, cfg.MaxBs); err != nil {
		return err
	}
	if err := checkBounds(method, "usd", amountUSD, cfg.MinUSD, cfg.MaxUSD); err != nil {
		return err
	}
	return nil
}

// AuthorizeSplit validates every distinct method in a split payment and
// checks that the split amounts sum to the order total in both currencies.
// If any method in the split requires authorization, the whole payment is
// rejected for non-owners.
func AuthorizeSplit(splits []domain.PaymentSplit, totalBs, totalUSD decimal.Decimal, configs map[string]domain.PaymentMethodConfig, role string) error {
	if len(splits) == 0 {
		return &domain.PaymentRejectedError{Method: domain.PaymentSplitMethod, Reason: "split payment has no entries"}
	}

	sumBs, sumUSD := decimal.Zero, decimal.Zero
	perMethodBs := make(map[string]decimal.Decimal, len(splits))
	perMethodUSD := make(map[string]decimal.Decimal, len(splits))
	for _, split := range splits {
		if split.AmountBs.IsNegative() || split.AmountUSD.IsNegative() {
			return &domain.PaymentRejectedError{Method: split.Method, Reason: "split amount must not be negative"}
		}
		sumBs = sumBs.Add(split.AmountBs)
		sumUSD = sumUSD.Add(split.AmountUSD)
		perMethodBs[split.Method] = perMethodBs[split.Method].Add(split.AmountBs)
		perMethodUSD[split.Method] = perMethodUSD[split.Method].Add(split.AmountUSD)
	}

	if sumBs.Sub(totalBs).Abs().GreaterThan(splitTolerance) || sumUSD.Sub(totalUSD).Abs().GreaterThan(splitTolerance) {
		return &domain.PaymentRejectedError{Method: domain.PaymentSplitMethod, Reason: "split amounts do not sum to the sale total"}
	}

	for method := range perMethodBs {
		if err := Authorize(method, perMethodBs[method], perMethodUSD[method], configs, role); err != nil {
			return err
		}
	}
	return nil
}

// CheckCredit enforces the FIAO boundary: outstanding debt plus the new sale
// amount must not exceed the customer's credit limit. A customer without a
// strictly positive limit has no credit at all.
func CheckCredit(customer *domain.Customer, currentDebt, requestedUSD decimal.Decimal) error {
	if customer == nil || !customer.Active {
		return &domain.PaymentRejectedError{Method: domain.PaymentFiao, Reason: "credit sale requires a registered customer"}
	}
	if !customer.CreditLimitUSD.IsPositive() {
		return &domain.PaymentRejectedError{Method: domain.PaymentFiao, Reason: "customer has no credit line"}
	}
	if currentDebt.Add(requestedUSD).GreaterThan(customer.CreditLimitUSD) {
		return &domain.InsufficientCreditError{
			CustomerID:  customer.ID,
			CreditLimit: customer.CreditLimitUSD,
			CurrentDebt: currentDebt,
			Requested:   requestedUSD,
		}
	}
	return nil
}

// HasMethod reports whether a payment (single or split) involves the given
// method.
func HasMethod(method string, splits []domain.PaymentSplit, target string) bool {
	if method == target {
		return true
	}
	for _, split := range splits {
		if split.Method == target {
			return true
		}
	}
	return false
}

// FiaoAmountUSD returns the USD amount carried by the fiao method: the full
// total for a plain fiao sale, or the fiao slice of a split.
func FiaoAmountUSD(method string, splits []domain.PaymentSplit, totalUSD decimal.Decimal) decimal.Decimal {
	if method == domain.PaymentFiao {
		return totalUSD
	}
	amount := decimal.Zero
	for _, split := range splits {
		if split.Method == domain.PaymentFiao {
			amount = amount.Add(split.AmountUSD)
		}
	}
	return amount
}

// checkBounds applies the configured per-currency limits. A zero amount means
// the sale does not use this currency for this method; a zero bound means the
// bound is not configured.
func checkBounds(method, currency string, amount, minAmount, maxAmount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if minAmount.IsPositive() && amount.LessThan(minAmount) {
		return &domain.PaymentRejectedError{Method: method, Reason: "amount below configured minimum (" + currency + ")"}
	}
	if maxAmount.IsPositive() && amount.GreaterThan(maxAmount) {
		return &domain.PaymentRejectedError{Method: method, Reason: "amount above configured maximum (" + currency + ")"}
	}
	return nil
}
