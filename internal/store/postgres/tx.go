package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medhatjachour/electron-app-sub007/internal/domain"
	"github.com/medhatjachour/electron-app-sub007/internal/store"
	"github.com/medhatjachour/electron-app-sub007/internal/xid"
)

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) InsertVariant(ctx context.Context, variant domain.Variant) (*domain.Variant, error) {
	variant.SKU = strings.ToUpper(strings.TrimSpace(variant.SKU))
	if variant.SKU == "" {
		return nil, store.Invalid("sku", "is required")
	}
	if variant.Stock != 0 {
		return nil, store.Invalid("stock", "initial stock must be recorded as a movement")
	}
	if variant.ID == "" {
		variant.ID = xid.New("var")
	}
	if variant.CreatedAt.IsZero() {
		variant.CreatedAt = time.Now().UTC()
	}
	variant.UpdatedAt = variant.CreatedAt

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO variants (id, sku, name, price, stock, reorder_threshold, archived, created_at, updated_at)
		VALUES ($1,$2,$3,$4,0,$5,$6,$7,$8)
	`, variant.ID, variant.SKU, variant.Name, variant.Price, variant.ReorderThreshold, variant.Archived, variant.CreatedAt, variant.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Invalid("sku", "already exists")
		}
		return nil, err
	}
	return &variant, nil
}

// LockVariants takes row locks in id order so two units of work locking
// overlapping sets cannot deadlock.
func (t *pgTx) LockVariants(ctx context.Context, ids []string) (map[string]domain.Variant, error) {
	unique := uniqueIDs(ids)
	if len(unique) == 0 {
		return map[string]domain.Variant{}, nil
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+variantColumns+`
		FROM variants
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, unique)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locked := make(map[string]domain.Variant, len(unique))
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		locked[v.ID] = *v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range unique {
		if _, ok := locked[id]; !ok {
			return nil, store.NotFound("variant", id)
		}
	}
	return locked, nil
}

func (t *pgTx) AppendMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockMovement, error) {
	if !movement.Kind.Valid() {
		return nil, store.Invalid("kind", "unknown movement kind")
	}
	if movement.NewStock < 0 {
		return nil, store.Invalid("new_stock", "must not be negative")
	}

	var recorded int
	err := t.tx.QueryRowContext(ctx, `
		SELECT stock FROM variants WHERE id = $1 FOR UPDATE
	`, movement.VariantID).Scan(&recorded)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("variant", movement.VariantID)
		}
		return nil, err
	}
	if recorded != movement.PreviousStock {
		return nil, &store.StaleStockError{VariantID: movement.VariantID, Expected: movement.PreviousStock, Recorded: recorded}
	}

	if movement.ID == "" {
		movement.ID = xid.New("mv")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO stock_movements (
			id, variant_id, kind, delta, previous_stock, new_stock, shortfall, reason, reference_id, user_id, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING seq
	`, movement.ID, movement.VariantID, string(movement.Kind), movement.Delta, movement.PreviousStock, movement.NewStock,
		movement.Shortfall, nullIfEmpty(movement.Reason), nullIfEmpty(movement.ReferenceID), movement.UserID, movement.CreatedAt,
	).Scan(&movement.Seq)
	if err != nil {
		return nil, err
	}
	return &movement, nil
}

func (t *pgTx) SetVariantStock(ctx context.Context, variantID string, stock int, at time.Time) error {
	if stock < 0 {
		return store.Invalid("stock", "must not be negative")
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE variants
		SET stock = $2, updated_at = $3
		WHERE id = $1
	`, variantID, stock, at)
	if err != nil {
		return err
	}
	return expectAffected(res, "variant", variantID)
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.SaleTransaction) error {
	if sale.ID == "" || len(sale.Items) == 0 {
		return store.Invalid("sale", "id and items are required")
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sale_transactions (
			id, customer_id, user_id, payment_method, status, subtotal, tax_rate, tax, total, idempotency_key, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, sale.ID, nullIfEmpty(sale.CustomerID), sale.UserID, sale.PaymentMethod, sale.Status,
		sale.Subtotal, sale.TaxRate, sale.Tax, sale.Total, nullIfEmpty(sale.IdempotencyKey), sale.CreatedAt, sale.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) && sale.IdempotencyKey != "" {
			return store.ErrDuplicateIdempotencyKey
		}
		if isForeignKeyViolation(err) {
			return store.NotFound("customer", sale.CustomerID)
		}
		return err
	}

	for _, item := range sale.Items {
		var discountType, discountReason, discountAppliedBy any
		var discountValue any
		if item.Discount != nil {
			discountType = item.Discount.Type
			discountValue = item.Discount.Value
			discountReason = nullIfEmpty(item.Discount.Reason)
			discountAppliedBy = nullIfEmpty(item.Discount.AppliedBy)
		}
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_items (
				id, transaction_id, position, variant_id, sku, quantity, unit_price,
				discount_type, discount_value, discount_reason, discount_applied_by,
				final_price, line_total, refunded_quantity, refunded_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		`, item.ID, sale.ID, item.Position, item.VariantID, item.SKU, item.Quantity, item.UnitPrice,
			discountType, discountValue, discountReason, discountAppliedBy,
			item.FinalPrice, item.LineTotal, item.RefundedQuantity, nullTime(item.RefundedAt))
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) LockSale(ctx context.Context, id string) (*domain.SaleTransaction, error) {
	return findSale(ctx, t.tx, "id", id, true)
}

func (t *pgTx) UpdateSaleItemRefund(ctx context.Context, saleID string, itemID string, refundedQty int, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sale_items
		SET refunded_quantity = $3, refunded_at = $4
		WHERE transaction_id = $1 AND id = $2 AND $3 BETWEEN 0 AND quantity
	`, saleID, itemID, refundedQty, at)
	if err != nil {
		return err
	}
	if err := expectAffected(res, "sale item", itemID); err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `UPDATE sale_transactions SET updated_at = $2 WHERE id = $1`, saleID, at)
	return err
}

func (t *pgTx) UpdateSaleStatus(ctx context.Context, saleID string, status string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sale_transactions
		SET status = $2, updated_at = $3
		WHERE id = $1
	`, saleID, status, at)
	if err != nil {
		return err
	}
	return expectAffected(res, "sale", saleID)
}

func (t *pgTx) IncrementCustomerTotal(ctx context.Context, customerID string, amount decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE customers
		SET total_spent = total_spent + $2, updated_at = now()
		WHERE id = $1
	`, customerID, amount)
	if err != nil {
		return err
	}
	return expectAffected(res, "customer", customerID)
}

func expectAffected(res sql.Result, entity string, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.NotFound(entity, id)
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}

	unique := make([]string, 0, len(set))
	for id := range set {
		unique = append(unique, id)
	}
	sort.Strings(unique)
	return unique
}
