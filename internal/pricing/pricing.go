// Package pricing holds the money rules shared by sales, refunds and the
// customer aggregate. Every monetary result is rounded to two decimal places
// at the point it is computed.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/medhatjachour/electron-app-sub007/internal/domain"
	"github.com/medhatjachour/electron-app-sub007/internal/store"
)

var hundred = decimal.NewFromInt(100)

func Round2(value decimal.Decimal) decimal.Decimal {
	return value.Round(2)
}

// RateFromPercent turns 8 into 0.08.
func RateFromPercent(percent decimal.Decimal) decimal.Decimal {
	return percent.Div(hundred)
}

func ValidateDiscount(discount *domain.Discount) error {
	if discount == nil {
		return nil
	}
	if discount.Value.IsNegative() {
		return store.Invalid("discount.value", "must not be negative")
	}
	switch discount.Type {
	case domain.DiscountPercentage:
		if discount.Value.GreaterThan(hundred) {
			return store.Invalid("discount.value", "percentage must be between 0 and 100")
		}
	case domain.DiscountFixed:
	default:
		return store.Invalid("discount.type", "must be percentage or fixed")
	}
	return nil
}

// FinalPrice applies a line discount to a unit price. Fixed discounts larger
// than the price floor at zero.
func FinalPrice(price decimal.Decimal, discount *domain.Discount) decimal.Decimal {
	if discount == nil {
		return Round2(price)
	}
	switch discount.Type {
	case domain.DiscountPercentage:
		return Round2(price.Sub(price.Mul(discount.Value).Div(hundred)))
	case domain.DiscountFixed:
		return Round2(decimal.Max(decimal.Zero, price.Sub(discount.Value)))
	default:
		return Round2(price)
	}
}

func LineTotal(finalPrice decimal.Decimal, qty int) decimal.Decimal {
	return Round2(finalPrice.Mul(decimal.NewFromInt(int64(qty))))
}

type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

func ComputeTotals(lineTotals []decimal.Decimal, taxRate decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for _, line := range lineTotals {
		subtotal = subtotal.Add(line)
	}
	subtotal = Round2(subtotal)
	tax := Round2(subtotal.Mul(taxRate))
	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    Round2(subtotal.Add(tax)),
	}
}

// RefundedValue is the money already returned on a sale: final price times
// refunded quantity, per line.
func RefundedValue(sale domain.SaleTransaction) decimal.Decimal {
	value := decimal.Zero
	for _, item := range sale.Items {
		if item.RefundedQuantity <= 0 {
			continue
		}
		value = value.Add(LineTotal(item.FinalPrice, item.RefundedQuantity))
	}
	return Round2(value)
}

// NetContribution is what one sale adds to its customer's total spent.
func NetContribution(sale domain.SaleTransaction) decimal.Decimal {
	switch sale.Status {
	case domain.SaleStatusCompleted:
		return sale.Total
	case domain.SaleStatusPartiallyRefunded:
		return decimal.Max(decimal.Zero, Round2(sale.Total.Sub(RefundedValue(sale))))
	default:
		return decimal.Zero
	}
}

func NetSpend(sales []domain.SaleTransaction) decimal.Decimal {
	total := decimal.Zero
	for _, sale := range sales {
		total = total.Add(NetContribution(sale))
	}
	return Round2(total)
}

// RefundStatus derives the status a sale should have from its items.
func RefundStatus(items []domain.SaleItem) string {
	if len(items) == 0 {
		return domain.SaleStatusCompleted
	}
	all, some := true, false
	for _, item := range items {
		if item.RefundedQuantity > 0 {
			some = true
		}
		if item.RefundedQuantity < item.Quantity {
			all = false
		}
	}
	switch {
	case all:
		return domain.SaleStatusRefunded
	case some:
		return domain.SaleStatusPartiallyRefunded
	default:
		return domain.SaleStatusCompleted
	}
}

func statusRank(status string) int {
	switch status {
	case domain.SaleStatusPartiallyRefunded:
		return 1
	case domain.SaleStatusRefunded:
		return 2
	default:
		return 0
	}
}

// NextStatus returns the later of current and derived so a status never
// moves backwards.
func NextStatus(current string, derived string) string {
	if statusRank(derived) < statusRank(current) {
		return current
	}
	return derived
}
