package inventory

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"bodegapos/backend/internal/domain"
)

// LotAllocation is one slice of a FIFO allocation plan: consume Quantity
// units from the given lot at the lot's recorded unit cost.
type LotAllocation struct {
	LotID       string
	Quantity    decimal.Decimal
	UnitCostBs  decimal.Decimal
	UnitCostUSD decimal.Decimal
}

// AllocateFIFO builds a deterministic allocation plan for the requested
// quantity out of the candidate lots. Lots are consumed oldest-usable-first:
// soonest expiration first, lots without expiration last, ties broken by
// reception time. Expired lots and lots with nothing remaining are skipped.
// The input slice is not modified; ordering of the input does not affect the
// result.
//
// The returned allocations sum to exactly the requested quantity. If the
// eligible lots cannot cover it, the error reports the shortfall.
func AllocateFIFO(productID string, requested decimal.Decimal, lots []domain.ProductLot, now time.Time) ([]LotAllocation, error) {
	if !requested.IsPositive() {
		return nil, &domain.InsufficientStockError{ProductID: productID, Requested: requested, Available: decimal.Zero}
	}

	today := dateUTC(now)
	eligible := make([]domain.ProductLot, 0, len(lots))
	for _, lot := range lots {
		if !lot.RemainingQty.IsPositive() {
			continue
		}
		if lot.ExpirationDate != nil && dateUTC(*lot.ExpirationDate).Before(today) {
			continue
		}
		eligible = append(eligible, lot)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		switch {
		case a.ExpirationDate == nil && b.ExpirationDate != nil:
			return false
		case a.ExpirationDate != nil && b.ExpirationDate == nil:
			return true
		case a.ExpirationDate != nil && b.ExpirationDate != nil && !a.ExpirationDate.Equal(*b.ExpirationDate):
			return a.ExpirationDate.Before(*b.ExpirationDate)
		}
		return a.ReceivedAt.Before(b.ReceivedAt)
	})

	available := decimal.Zero
	for _, lot := range eligible {
		available = available.Add(lot.RemainingQty)
	}
	if available.LessThan(requested) {
		return nil, &domain.InsufficientStockError{ProductID: productID, Requested: requested, Available: available}
	}

	allocations := make([]LotAllocation, 0, len(eligible))
	remaining := requested
	for _, lot := range eligible {
		if remaining.IsZero() {
			break
		}
		take := lot.RemainingQty
		if take.GreaterThan(remaining) {
			take = remaining
		}
		allocations = append(allocations, LotAllocation{
			LotID:       lot.ID,
			Quantity:    take,
			UnitCostBs:  lot.UnitCostBs,
			UnitCostUSD: lot.UnitCostUSD,
		})
		remaining = remaining.Sub(take)
	}

	return allocations, nil
}

func dateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}
