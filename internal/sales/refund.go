package sales

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/medhatjachour/electron-app-sub007/internal/domain"
	"github.com/medhatjachour/electron-app-sub007/internal/pricing"
	"github.com/medhatjachour/electron-app-sub007/internal/store"
)

// RefundItems returns quantities of a sale's items to stock. Lines naming the
// same item are summed. Either every line is applied or none is.
func (e *Engine) RefundItems(ctx context.Context, transactionID string, lines []domain.RefundLine, userID string) (*domain.SaleTransaction, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, store.Invalid("transaction_id", "is required")
	}
	merged, err := mergeRefundLines(lines)
	if err != nil {
		return nil, err
	}

	var updated *domain.SaleTransaction
	err = e.repo.WithinTx(ctx, func(tx store.Tx) error {
		sale, err := e.commitRefund(ctx, tx, transactionID, merged, userID)
		if err != nil {
			return err
		}
		updated = sale
		return nil
	})
	if err != nil {
		return nil, err
	}

	if updated.CustomerID != "" {
		e.recomputeCustomerTotal(ctx, updated.CustomerID, updated.ID)
	}
	return updated, nil
}

const recomputeAttempts = 3

// recomputeCustomerTotal runs after the refund has committed, so a failure
// cannot undo it. The total is rebuilt from every sale of the customer, which
// means the next successful recompute repairs a missed one.
func (e *Engine) recomputeCustomerTotal(ctx context.Context, customerID string, saleID string) {
	err := ctx.Err()
	for attempt := 1; attempt <= recomputeAttempts && ctx.Err() == nil; attempt++ {
		if _, err = e.repo.RecomputeCustomerTotal(ctx, customerID); err == nil {
			return
		}
		if attempt < recomputeAttempts {
			time.Sleep(time.Duration(attempt) * 25 * time.Millisecond)
		}
	}
	log.Printf("[sales] WARN: total spent for customer=%s is stale after refund of sale=%s: %v", customerID, saleID, err)
}

func (e *Engine) commitRefund(ctx context.Context, tx store.Tx, transactionID string, lines []domain.RefundLine, userID string) (*domain.SaleTransaction, error) {
	sale, err := tx.LockSale(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if sale.Status == domain.SaleStatusRefunded {
		return nil, &store.AlreadyRefundedError{TransactionID: sale.ID}
	}

	positions := make(map[string]int, len(sale.Items))
	for i, item := range sale.Items {
		positions[item.ID] = i
	}

	variantIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		idx, ok := positions[line.SaleItemID]
		if !ok {
			return nil, store.NotFound("sale item", line.SaleItemID)
		}
		item := sale.Items[idx]
		if line.Quantity > item.RemainingQuantity() {
			return nil, &store.OverRefundError{
				SaleItemID: item.ID,
				Remaining:  item.RemainingQuantity(),
				Requested:  line.Quantity,
			}
		}
		variantIDs = append(variantIDs, item.VariantID)
	}
	if _, err := tx.LockVariants(ctx, variantIDs); err != nil {
		return nil, err
	}

	now := e.now()
	for _, line := range lines {
		item := &sale.Items[positions[line.SaleItemID]]
		refunded := item.RefundedQuantity + line.Quantity
		if err := tx.UpdateSaleItemRefund(ctx, sale.ID, item.ID, refunded, now); err != nil {
			return nil, err
		}
		refundedAt := now
		item.RefundedQuantity = refunded
		item.RefundedAt = &refundedAt

		reason := fmt.Sprintf("partial refund of item %s (%d of %d)", item.ID, line.Quantity, item.Quantity)
		if refunded == item.Quantity {
			reason = fmt.Sprintf("full refund of item %s", item.ID)
		}
		_, err := e.mutator.Apply(ctx, tx, domain.DeltaRequest{
			VariantID:   item.VariantID,
			Kind:        domain.MovementReturn,
			Delta:       line.Quantity,
			Reason:      reason,
			ReferenceID: sale.ID,
			UserID:      userID,
		})
		if err != nil {
			return nil, err
		}
	}

	status := pricing.NextStatus(sale.Status, pricing.RefundStatus(sale.Items))
	if status != sale.Status {
		if err := tx.UpdateSaleStatus(ctx, sale.ID, status, now); err != nil {
			return nil, err
		}
		sale.Status = status
	}
	sale.UpdatedAt = now
	return sale, nil
}

func mergeRefundLines(lines []domain.RefundLine) ([]domain.RefundLine, error) {
	if len(lines) == 0 {
		return nil, store.Invalid("lines", "must not be empty")
	}
	merged := make([]domain.RefundLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for i, line := range lines {
		line.SaleItemID = strings.TrimSpace(line.SaleItemID)
		if line.SaleItemID == "" {
			return nil, store.Invalid(fmt.Sprintf("lines[%d].sale_item_id", i), "is required")
		}
		if line.Quantity <= 0 {
			return nil, store.Invalid(fmt.Sprintf("lines[%d].quantity", i), "must be positive")
		}
		if line.Quantity > store.MaxQuantity {
			return nil, store.Invalid(fmt.Sprintf("lines[%d].quantity", i), fmt.Sprintf("must not exceed %d", store.MaxQuantity))
		}
		if at, ok := index[line.SaleItemID]; ok {
			merged[at].Quantity = boundedSum(merged[at].Quantity, line.Quantity)
			continue
		}
		index[line.SaleItemID] = len(merged)
		merged = append(merged, line)
	}
	return merged, nil
}

// boundedSum adds two quantities and saturates one above MaxQuantity, which
// no sale item can have remaining.
func boundedSum(a, b int) int {
	if a > store.MaxQuantity-b {
		return store.MaxQuantity + 1
	}
	return a + b
}
