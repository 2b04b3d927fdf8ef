package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medhatjachour/electron-app-sub007/internal/domain"
	"github.com/medhatjachour/electron-app-sub007/internal/store"
	"github.com/medhatjachour/electron-app-sub007/internal/xid"
)

// memTx stages every write and applies them under the store mutex on commit.
// Row locks live in the store's keyed mutex and are held until release.
type memTx struct {
	s    *Store
	held []string
	mine map[string]bool

	variants       map[string]*domain.Variant
	insertedIDs    []string
	movements      []domain.StockMovement
	sales          map[string]*domain.SaleTransaction
	newSaleIDs     []string
	customerDeltas map[string]decimal.Decimal
}

func newTx(s *Store) *memTx {
	return &memTx{
		s:              s,
		mine:           make(map[string]bool),
		variants:       make(map[string]*domain.Variant),
		sales:          make(map[string]*domain.SaleTransaction),
		customerDeltas: make(map[string]decimal.Decimal),
	}
}

func variantKey(id string) string { return "variant:" + id }
func saleKey(id string) string    { return "sale:" + id }

func (t *memTx) lock(key string) {
	if t.mine[key] {
		return
	}
	t.s.locks.Lock(key)
	t.mine[key] = true
	t.held = append(t.held, key)
}

func (t *memTx) release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.s.locks.Unlock(t.held[i])
	}
	t.held = nil
	t.mine = map[string]bool{}
}

func (t *memTx) InsertVariant(_ context.Context, variant domain.Variant) (*domain.Variant, error) {
	variant.SKU = strings.ToUpper(strings.TrimSpace(variant.SKU))
	if variant.SKU == "" {
		return nil, store.Invalid("sku", "is required")
	}
	if variant.ID == "" {
		variant.ID = xid.New("var")
	}
	if variant.Stock != 0 {
		return nil, store.Invalid("stock", "initial stock must be recorded as a movement")
	}
	for _, staged := range t.variants {
		if staged.SKU == variant.SKU {
			return nil, store.Invalid("sku", "already exists")
		}
	}
	t.s.mu.RLock()
	_, taken := t.s.variantsBySKU[variant.SKU]
	_, idTaken := t.s.variants[variant.ID]
	t.s.mu.RUnlock()
	if taken || idTaken {
		return nil, store.Invalid("sku", "already exists")
	}

	now := time.Now().UTC()
	if variant.CreatedAt.IsZero() {
		variant.CreatedAt = now
	}
	variant.UpdatedAt = variant.CreatedAt

	t.lock(variantKey(variant.ID))
	staged := variant
	t.variants[variant.ID] = &staged
	t.insertedIDs = append(t.insertedIDs, variant.ID)
	return &variant, nil
}

func (t *memTx) LockVariants(_ context.Context, ids []string) (map[string]domain.Variant, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	sort.Strings(unique)

	result := make(map[string]domain.Variant, len(unique))
	for _, id := range unique {
		v, err := t.lockedVariant(id)
		if err != nil {
			return nil, err
		}
		result[id] = *v
	}
	return result, nil
}

func (t *memTx) lockedVariant(id string) (*domain.Variant, error) {
	if v, ok := t.variants[id]; ok {
		return v, nil
	}
	t.lock(variantKey(id))

	t.s.mu.RLock()
	committed, ok := t.s.variants[id]
	var staged domain.Variant
	if ok {
		staged = *committed
	}
	t.s.mu.RUnlock()
	if !ok {
		return nil, store.NotFound("variant", id)
	}
	t.variants[id] = &staged
	return &staged, nil
}

func (t *memTx) AppendMovement(_ context.Context, movement domain.StockMovement) (*domain.StockMovement, error) {
	if !movement.Kind.Valid() {
		return nil, store.Invalid("kind", "unknown movement kind")
	}
	v, err := t.lockedVariant(movement.VariantID)
	if err != nil {
		return nil, err
	}
	if movement.PreviousStock != v.Stock {
		return nil, &store.StaleStockError{VariantID: v.ID, Expected: movement.PreviousStock, Recorded: v.Stock}
	}
	if movement.NewStock < 0 {
		return nil, store.Invalid("new_stock", "must not be negative")
	}
	if movement.ID == "" {
		movement.ID = xid.New("mv")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	movement.Seq = t.s.seq.Add(1)

	t.movements = append(t.movements, movement)
	return &movement, nil
}

func (t *memTx) SetVariantStock(_ context.Context, variantID string, stock int, at time.Time) error {
	if stock < 0 {
		return store.Invalid("stock", "must not be negative")
	}
	v, err := t.lockedVariant(variantID)
	if err != nil {
		return err
	}
	v.Stock = stock
	v.UpdatedAt = at
	return nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.SaleTransaction) error {
	if sale.ID == "" || len(sale.Items) == 0 {
		return store.Invalid("sale", "id and items are required")
	}
	if _, ok := t.sales[sale.ID]; ok {
		return store.Invalid("sale", "duplicate id")
	}

	t.s.mu.RLock()
	_, idTaken := t.s.sales[sale.ID]
	_, keyTaken := t.s.salesByIdem[sale.IdempotencyKey]
	t.s.mu.RUnlock()
	if idTaken {
		return store.Invalid("sale", "duplicate id")
	}
	if sale.IdempotencyKey != "" && keyTaken {
		return store.ErrDuplicateIdempotencyKey
	}

	t.lock(saleKey(sale.ID))
	t.sales[sale.ID] = cloneSale(&sale)
	t.newSaleIDs = append(t.newSaleIDs, sale.ID)
	return nil
}

func (t *memTx) LockSale(_ context.Context, id string) (*domain.SaleTransaction, error) {
	sale, err := t.lockedSale(id)
	if err != nil {
		return nil, err
	}
	return cloneSale(sale), nil
}

func (t *memTx) lockedSale(id string) (*domain.SaleTransaction, error) {
	if sale, ok := t.sales[id]; ok {
		return sale, nil
	}
	t.lock(saleKey(id))

	t.s.mu.RLock()
	committed, ok := t.s.sales[id]
	var staged *domain.SaleTransaction
	if ok {
		staged = cloneSale(committed)
	}
	t.s.mu.RUnlock()
	if !ok {
		return nil, store.NotFound("sale", id)
	}
	t.sales[id] = staged
	return staged, nil
}

func (t *memTx) UpdateSaleItemRefund(_ context.Context, saleID string, itemID string, refundedQty int, at time.Time) error {
	sale, err := t.lockedSale(saleID)
	if err != nil {
		return err
	}
	for i := range sale.Items {
		item := &sale.Items[i]
		if item.ID != itemID {
			continue
		}
		if refundedQty < 0 || refundedQty > item.Quantity {
			return store.Invalid("refunded_quantity", "out of range")
		}
		refundedAt := at
		item.RefundedQuantity = refundedQty
		item.RefundedAt = &refundedAt
		sale.UpdatedAt = at
		return nil
	}
	return store.NotFound("sale item", itemID)
}

func (t *memTx) UpdateSaleStatus(_ context.Context, saleID string, status string, at time.Time) error {
	sale, err := t.lockedSale(saleID)
	if err != nil {
		return err
	}
	sale.Status = status
	sale.UpdatedAt = at
	return nil
}

func (t *memTx) IncrementCustomerTotal(_ context.Context, customerID string, amount decimal.Decimal) error {
	t.s.mu.RLock()
	_, ok := t.s.customers[customerID]
	t.s.mu.RUnlock()
	if !ok {
		return store.NotFound("customer", customerID)
	}
	current, ok := t.customerDeltas[customerID]
	if !ok {
		current = decimal.Zero
	}
	t.customerDeltas[customerID] = current.Add(amount)
	return nil
}

func (t *memTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range t.insertedIDs {
		sku := t.variants[id].SKU
		if owner, ok := s.variantsBySKU[sku]; ok && owner != id {
			return store.Invalid("sku", "already exists")
		}
	}
	for _, id := range t.newSaleIDs {
		key := t.sales[id].IdempotencyKey
		if key == "" {
			continue
		}
		if _, ok := s.salesByIdem[key]; ok {
			return store.ErrDuplicateIdempotencyKey
		}
	}
	for id := range t.customerDeltas {
		if _, ok := s.customers[id]; !ok {
			return store.NotFound("customer", id)
		}
	}

	for id, v := range t.variants {
		committed := *v
		s.variants[id] = &committed
		s.variantsBySKU[committed.SKU] = id
	}
	for _, m := range t.movements {
		s.movements[m.VariantID] = append(s.movements[m.VariantID], m)
	}
	for _, id := range t.newSaleIDs {
		sale := t.sales[id]
		if sale.IdempotencyKey != "" {
			s.salesByIdem[sale.IdempotencyKey] = id
		}
		if sale.CustomerID != "" {
			s.salesByCustomer[sale.CustomerID] = append(s.salesByCustomer[sale.CustomerID], id)
		}
	}
	for id, sale := range t.sales {
		s.sales[id] = cloneSale(sale)
	}
	now := time.Now().UTC()
	for id, delta := range t.customerDeltas {
		c := s.customers[id]
		c.TotalSpent = c.TotalSpent.Add(delta)
		c.UpdatedAt = now
	}
	return nil
}
