package sales

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/medhatjachour/electron-app-sub007/internal/domain"
	"github.com/medhatjachour/electron-app-sub007/internal/pricing"
	"github.com/medhatjachour/electron-app-sub007/internal/store"
	"github.com/medhatjachour/electron-app-sub007/internal/xid"
)

// CreateSale validates a cart and commits it. A request carrying an
// idempotency key that was already used returns the original sale.
func (e *Engine) CreateSale(ctx context.Context, req domain.SaleRequest) (*domain.SaleTransaction, error) {
	req = normalizeSaleRequest(req)
	if err := validateSaleRequest(req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := e.repo.FindSaleByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	var created *domain.SaleTransaction
	err := e.repo.WithinTx(ctx, func(tx store.Tx) error {
		sale, err := e.commitSale(ctx, tx, req)
		if err != nil {
			return err
		}
		created = sale
		return nil
	})
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		return e.repo.FindSaleByIdempotencyKey(ctx, req.IdempotencyKey)
	}
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (e *Engine) commitSale(ctx context.Context, tx store.Tx, req domain.SaleRequest) (*domain.SaleTransaction, error) {
	ids := make([]string, 0, len(req.Items))
	for _, line := range req.Items {
		ids = append(ids, line.VariantID)
	}
	locked, err := tx.LockVariants(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := e.now()
	saleID := xid.New("sale")
	requested := make(map[string]int, len(locked))
	items := make([]domain.SaleItem, 0, len(req.Items))
	lineTotals := make([]decimal.Decimal, 0, len(req.Items))

	for i, line := range req.Items {
		variant := locked[line.VariantID]
		if variant.Archived {
			return nil, store.Invalid("variant_id", fmt.Sprintf("%s is archived", variant.ID))
		}
		// Each line is at most MaxQuantity and the running sum stops at the
		// first value above stock, so it cannot wrap.
		requested[variant.ID] += line.Quantity
		if requested[variant.ID] > variant.Stock {
			return nil, &store.InsufficientStockError{
				VariantID: variant.ID,
				Available: variant.Stock,
				Requested: requested[variant.ID],
			}
		}

		var discount *domain.Discount
		if line.Discount != nil {
			copied := *line.Discount
			if copied.AppliedBy == "" {
				copied.AppliedBy = req.UserID
			}
			discount = &copied
		}
		finalPrice := pricing.FinalPrice(variant.Price, discount)
		lineTotal := pricing.LineTotal(finalPrice, line.Quantity)

		items = append(items, domain.SaleItem{
			ID:            xid.New("si"),
			TransactionID: saleID,
			Position:      i + 1,
			VariantID:     variant.ID,
			SKU:           variant.SKU,
			Quantity:      line.Quantity,
			UnitPrice:     pricing.Round2(variant.Price),
			Discount:      discount,
			FinalPrice:    finalPrice,
			LineTotal:     lineTotal,
		})
		lineTotals = append(lineTotals, lineTotal)
	}

	totals := pricing.ComputeTotals(lineTotals, e.taxRate)
	sale := domain.SaleTransaction{
		ID:             saleID,
		CustomerID:     req.CustomerID,
		UserID:         req.UserID,
		PaymentMethod:  req.PaymentMethod,
		Status:         domain.SaleStatusCompleted,
		Subtotal:       totals.Subtotal,
		TaxRate:        e.taxRate,
		Tax:            totals.Tax,
		Total:          totals.Total,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
		Items:          items,
	}
	if err := tx.InsertSale(ctx, sale); err != nil {
		return nil, err
	}

	for _, item := range items {
		_, err := e.mutator.Apply(ctx, tx, domain.DeltaRequest{
			VariantID:   item.VariantID,
			Kind:        domain.MovementSale,
			Delta:       -item.Quantity,
			Reason:      fmt.Sprintf("sale line %d", item.Position),
			ReferenceID: sale.ID,
			UserID:      req.UserID,
		})
		if err != nil {
			return nil, err
		}
	}

	if sale.CustomerID != "" {
		if err := tx.IncrementCustomerTotal(ctx, sale.CustomerID, sale.Total); err != nil {
			return nil, err
		}
	}
	return &sale, nil
}

func normalizeSaleRequest(req domain.SaleRequest) domain.SaleRequest {
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	items := make([]domain.SaleLine, len(req.Items))
	for i, line := range req.Items {
		line.VariantID = strings.TrimSpace(line.VariantID)
		items[i] = line
	}
	req.Items = items
	return req
}

func validateSaleRequest(req domain.SaleRequest) error {
	if len(req.Items) == 0 {
		return store.Invalid("items", "must not be empty")
	}
	if !IsSupportedPaymentMethod(req.PaymentMethod) {
		return store.Invalid("payment_method", "is not supported")
	}
	if req.UserID == "" {
		return store.Invalid("user_id", "is required")
	}
	for i, line := range req.Items {
		if line.VariantID == "" {
			return store.Invalid(fmt.Sprintf("items[%d].variant_id", i), "is required")
		}
		if line.Quantity <= 0 {
			return store.Invalid(fmt.Sprintf("items[%d].quantity", i), "must be positive")
		}
		if line.Quantity > store.MaxQuantity {
			return store.Invalid(fmt.Sprintf("items[%d].quantity", i), fmt.Sprintf("must not exceed %d", store.MaxQuantity))
		}
		if err := pricing.ValidateDiscount(line.Discount); err != nil {
			return fmt.Errorf("items[%d]: %w", i, err)
		}
	}
	return nil
}
