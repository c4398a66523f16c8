package pricing

import (
	"github.com/shopspring/decimal"

	"bodegapos/backend/internal/domain"
)

// Price carries the two order currencies in parallel. They are independent
// snapshots, never derived from each other at commit time.
type Price struct {
	Bs  decimal.Decimal
	USD decimal.Decimal
}

func (p Price) Add(o Price) Price {
	return Price{Bs: p.Bs.Add(o.Bs), USD: p.USD.Add(o.USD)}
}

func (p Price) Sub(o Price) Price {
	return Price{Bs: p.Bs.Sub(o.Bs), USD: p.USD.Sub(o.USD)}
}

func (p Price) MulQty(qty decimal.Decimal) Price {
	return Price{Bs: p.Bs.Mul(qty), USD: p.USD.Mul(qty)}
}

// RoundTwo rounds half away from zero to 2 decimal places. It is applied
// exactly once per order total, after summation across lines.
func RoundTwo(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

// Resolver yields a unit price or nil when this source has no answer.
type Resolver func() *Price

// ResolveUnitPrice walks the resolvers in order and returns the first price
// found. The precedence chain for a sale line is variant override, then
// price-list entry, then product base price.
func ResolveUnitPrice(resolvers ...Resolver) (Price, bool) {
	for _, resolve := range resolvers {
		if p := resolve(); p != nil {
			return *p, true
		}
	}
	return Price{}, false
}

// VariantPrice resolves only when the variant carries an explicit price in
// both currencies.
func VariantPrice(variant *domain.ProductVariant) Resolver {
	return func() *Price {
		if variant == nil || variant.PriceBs == nil || variant.PriceUSD == nil {
			return nil
		}
		return &Price{Bs: *variant.PriceBs, USD: *variant.PriceUSD}
	}
}

// ListPrice resolves from the best matching price-list entry: same product,
// matching variant (entries without a variant apply to all variants), and the
// highest MinQuantity tier not exceeding the requested quantity.
func ListPrice(entries []domain.PriceListEntry, productID string, variantID string, qty decimal.Decimal) Resolver {
	return func() *Price {
		var best *domain.PriceListEntry
		for i := range entries {
			e := &entries[i]
			if e.ProductID != productID {
				continue
			}
			if e.VariantID != "" && e.VariantID != variantID {
				continue
			}
			if e.MinQuantity.GreaterThan(qty) {
				continue
			}
			if best == nil || e.MinQuantity.GreaterThan(best.MinQuantity) {
				best = e
			}
		}
		if best == nil {
			return nil
		}
		return &Price{Bs: best.PriceBs, USD: best.PriceUSD}
	}
}

func BasePrice(product domain.Product) Resolver {
	return func() *Price {
		return &Price{Bs: product.PriceBs, USD: product.PriceUSD}
	}
}

// WeightPriceTolerancePct is the allowed deviation between a caller-supplied
// price-per-weight and the catalog price before elevated authorization is
// required.
var WeightPriceTolerancePct = decimal.NewFromInt(5)

// DeviationPct returns the absolute deviation of given from catalog as a
// percentage of catalog. A zero catalog price with a nonzero given price is
// treated as a 100% deviation.
func DeviationPct(catalog, given decimal.Decimal) decimal.Decimal {
	if catalog.IsZero() {
		if given.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(100)
	}
	return given.Sub(catalog).Abs().Div(catalog).Mul(decimal.NewFromInt(100))
}

// CheckWeightPrice validates a caller-supplied price-per-weight against the
// catalog price. Within tolerance it passes for any role; beyond tolerance it
// passes only for owner or admin, and fails with a PriceDeviationError
// otherwise. The returned deviation lets the caller audit every attempt,
// approved or blocked.
func CheckWeightPrice(productID string, catalog, given decimal.Decimal, role string) (decimal.Decimal, error) {
	pct := DeviationPct(catalog, given)
	if pct.LessThanOrEqual(WeightPriceTolerancePct) {
		return pct, nil
	}
	if role == domain.RoleOwner || role == domain.RoleAdmin {
		return pct, nil
	}
	return pct, &domain.PriceDeviationError{
		ProductID:    productID,
		CatalogPrice: catalog,
		GivenPrice:   given,
		DeviationPct: pct,
	}
}

// Line is one priced sale line before order-level aggregation.
type Line struct {
	Quantity decimal.Decimal
	Unit     Price
	Discount Price
}

func (l Line) Gross() Price {
	return l.Unit.MulQty(l.Quantity)
}

// Totals are the order-level aggregates. Each field is rounded to 2 decimals
// exactly once, after summation; Total is derived from the rounded subtotal
// and discount so that re-deriving it from persisted values is exact.
type Totals struct {
	Subtotal Price
	Discount Price
	Total    Price
}

// OrderTotals sums the lines, applies the promotion discount on top of the
// line discounts, and rounds once at the order level.
func OrderTotals(lines []Line, promoDiscount Price) Totals {
	subtotal := Price{Bs: decimal.Zero, USD: decimal.Zero}
	discount := promoDiscount
	for _, line := range lines {
		subtotal = subtotal.Add(line.Gross())
		discount = discount.Add(line.Discount)
	}

	subtotal = Price{Bs: RoundTwo(subtotal.Bs), USD: RoundTwo(subtotal.USD)}
	discount = Price{Bs: RoundTwo(discount.Bs), USD: RoundTwo(discount.USD)}
	total := Price{
		Bs:  RoundTwo(subtotal.Bs.Sub(discount.Bs)),
		USD: RoundTwo(subtotal.USD.Sub(discount.USD)),
	}

	return Totals{Subtotal: subtotal, Discount: discount, Total: total}
}
