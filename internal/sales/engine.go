// Package sales commits checkouts and refunds. Both run as a single unit of
// work: every line, stock movement and customer update lands together or not
// at all.
package sales

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/medhatjachour/electron-app-sub007/internal/ledger"
	"github.com/medhatjachour/electron-app-sub007/internal/store"
)

type Engine struct {
	repo    store.Repository
	mutator *ledger.Mutator
	taxRate decimal.Decimal
	now     func() time.Time
}

// NewEngine builds an engine that charges taxRate (a fraction, 0.08 for 8%)
// on every sale subtotal.
func NewEngine(repo store.Repository, mutator *ledger.Mutator, taxRate decimal.Decimal) *Engine {
	if taxRate.IsNegative() {
		taxRate = decimal.Zero
	}
	return &Engine{
		repo:    repo,
		mutator: mutator,
		taxRate: taxRate,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) TaxRate() decimal.Decimal {
	return e.taxRate
}

func IsSupportedPaymentMethod(method string) bool {
	switch method {
	case "cash", "card", "qris", "ewallet", "transfer":
		return true
	default:
		return false
	}
}
