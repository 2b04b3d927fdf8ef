package service

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/medhatjachour/electron-app-sub007/internal/cache"
	"github.com/medhatjachour/electron-app-sub007/internal/domain"
	"github.com/medhatjachour/electron-app-sub007/internal/ledger"
	"github.com/medhatjachour/electron-app-sub007/internal/sales"
	"github.com/medhatjachour/electron-app-sub007/internal/store"
	"github.com/medhatjachour/electron-app-sub007/internal/store/memory"
)

type mockStockCache struct {
	mock.Mock
}

func (m *mockStockCache) Get(ctx context.Context, variantID string) (int, bool, error) {
	args := m.Called(ctx, variantID)
	return args.Int(0), args.Bool(1), args.Error(2)
}

func (m *mockStockCache) Set(ctx context.Context, variantID string, stock int, ttl time.Duration) error {
	args := m.Called(ctx, variantID, stock, ttl)
	return args.Error(0)
}

func (m *mockStockCache) Invalidate(ctx context.Context, variantIDs ...string) error {
	args := m.Called(ctx, variantIDs)
	return args.Error(0)
}

func newTestService(t *testing.T, stockCache cache.StockCache) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.New()
	mutator := ledger.NewMutator(repo)
	engine := sales.NewEngine(repo, mutator, decimal.RequireFromString("0.08"))
	return New(repo, mutator, engine, stockCache, time.Minute), repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "kasir-a", Role: "cashier"})
}

func createVariant(t *testing.T, svc *Service, sku string, stock int) domain.Variant {
	t.Helper()
	v, err := svc.CreateVariant(adminCtx(), domain.VariantCreateRequest{
		SKU:              sku,
		Name:             "Variant " + sku,
		Price:            decimal.RequireFromString("10.00"),
		InitialStock:     stock,
		ReorderThreshold: 2,
	})
	require.NoError(t, err)
	return v
}

func TestCreateVariantRecordsOpeningStockAsRestock(t *testing.T) {
	svc, _ := newTestService(t, nil)

	v := createVariant(t, svc, " tee-red-s ", 12)
	assert.Equal(t, "TEE-RED-S", v.SKU)
	assert.Equal(t, 12, v.Stock)

	page, err := svc.GetMovementHistory(context.Background(), v.ID, domain.MovementFilter{})
	require.NoError(t, err)
	require.Len(t, page.Movements, 1)
	assert.Equal(t, domain.MovementRestock, page.Movements[0].Kind)
	assert.Equal(t, "admin", page.Movements[0].UserID)

	report, err := svc.Reconcile(context.Background(), v.ID)
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestCreateVariantRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.CreateVariant(cashierCtx(), domain.VariantCreateRequest{SKU: "X", Name: "X"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.CreateVariant(adminCtx(), domain.VariantCreateRequest{SKU: "X", Name: "X", InitialStock: -1})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestCreateVariantRejectsDuplicateSKU(t *testing.T) {
	svc, _ := newTestService(t, nil)
	createVariant(t, svc, "DUP-1", 1)

	_, err := svc.CreateVariant(adminCtx(), domain.VariantCreateRequest{SKU: "dup-1", Name: "again"})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestGetCurrentStockUsesCache(t *testing.T) {
	stockCache := new(mockStockCache)
	svc, _ := newTestService(t, stockCache)
	stockCache.On("Invalidate", mock.Anything, mock.Anything).Return(nil).Maybe()
	v := createVariant(t, svc, "CACHE-1", 9)

	stockCache.On("Get", mock.Anything, v.ID).Return(0, false, nil).Once()
	stockCache.On("Set", mock.Anything, v.ID, 9, time.Minute).Return(nil).Once()
	stock, err := svc.GetCurrentStock(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, stock)

	stockCache.On("Get", mock.Anything, v.ID).Return(9, true, nil).Once()
	stock, err = svc.GetCurrentStock(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, stock)

	stockCache.AssertExpectations(t)
}

func TestGetCurrentStockFallsThroughOnCacheError(t *testing.T) {
	stockCache := new(mockStockCache)
	svc, _ := newTestService(t, stockCache)
	stockCache.On("Invalidate", mock.Anything, mock.Anything).Return(nil).Maybe()
	v := createVariant(t, svc, "CACHE-2", 4)

	stockCache.On("Get", mock.Anything, v.ID).Return(0, false, errors.New("redis down")).Once()
	stockCache.On("Set", mock.Anything, v.ID, 4, time.Minute).Return(errors.New("redis down")).Once()

	stock, err := svc.GetCurrentStock(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stock)
	stockCache.AssertExpectations(t)
}

// racingStockRepo commits a restock right after the first stock read, the
// way a concurrent writer can land between the read and the cache fill.
type racingStockRepo struct {
	*memory.Store
	mutator *ledger.Mutator
	reads   int
}

func (r *racingStockRepo) GetCurrentStock(ctx context.Context, variantID string) (int, error) {
	stock, err := r.Store.GetCurrentStock(ctx, variantID)
	r.reads++
	if err == nil && r.reads == 1 {
		_, err = r.mutator.ApplyDelta(ctx, domain.DeltaRequest{VariantID: variantID, Kind: domain.MovementRestock, Delta: 5})
	}
	return stock, err
}

func TestGetCurrentStockDropsEntryFilledAcrossACommit(t *testing.T) {
	base := memory.New()
	mutator := ledger.NewMutator(base)
	stockCache := new(mockStockCache)
	seed := New(base, mutator, sales.NewEngine(base, mutator, decimal.Zero), nil, time.Minute)
	v := createVariant(t, seed, "RACE-1", 10)

	repo := &racingStockRepo{Store: base, mutator: mutator}
	svc := New(repo, mutator, sales.NewEngine(repo, mutator, decimal.Zero), stockCache, time.Minute)

	stockCache.On("Get", mock.Anything, v.ID).Return(0, false, nil).Once()
	stockCache.On("Set", mock.Anything, v.ID, 10, time.Minute).Return(nil).Once()
	stockCache.On("Invalidate", mock.Anything, []string{v.ID}).Return(nil).Once()

	stock, err := svc.GetCurrentStock(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, stock)
	assert.Equal(t, 2, repo.reads)
	stockCache.AssertExpectations(t)
}

func TestGetCurrentStockKeepsEntryWhenNothingChanged(t *testing.T) {
	stockCache := new(mockStockCache)
	svc, _ := newTestService(t, stockCache)
	v := createVariant(t, svc, "CACHE-3", 6)

	stockCache.On("Get", mock.Anything, v.ID).Return(0, false, nil).Once()
	stockCache.On("Set", mock.Anything, v.ID, 6, time.Minute).Return(nil).Once()

	stock, err := svc.GetCurrentStock(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, stock)
	stockCache.AssertExpectations(t)
	stockCache.AssertNotCalled(t, "Invalidate", mock.Anything, mock.Anything)
}

func TestSaleInvalidatesStockCacheAfterCommit(t *testing.T) {
	stockCache := new(mockStockCache)
	svc, _ := newTestService(t, stockCache)
	a := createVariant(t, svc, "INV-A", 5)
	b := createVariant(t, svc, "INV-B", 5)

	stockCache.On("Invalidate", mock.Anything, []string{a.ID, b.ID}).Return(nil).Once()

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Items: []domain.SaleLine{
			{VariantID: a.ID, Quantity: 1},
			{VariantID: b.ID, Quantity: 2},
			{VariantID: a.ID, Quantity: 1},
		},
		PaymentMethod: "cash",
	})
	require.NoError(t, err)
	assert.Equal(t, "kasir-a", sale.UserID)
	stockCache.AssertExpectations(t)
}

func TestFailedSaleDoesNotInvalidateOrAudit(t *testing.T) {
	stockCache := new(mockStockCache)
	svc, repo := newTestService(t, stockCache)
	stockCache.On("Invalidate", mock.Anything, mock.Anything).Return(nil).Maybe()
	v := createVariant(t, svc, "FAIL-1", 1)
	stockCache.Calls = nil
	stockCache.ExpectedCalls = nil

	_, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Items:         []domain.SaleLine{{VariantID: v.ID, Quantity: 2}},
		PaymentMethod: "cash",
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	stockCache.AssertNotCalled(t, "Invalidate", mock.Anything, mock.Anything)

	logs, err := repo.ListAuditLogs(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 50)
	require.NoError(t, err)
	for _, entry := range logs {
		assert.NotEqual(t, "sale_create", entry.Action)
	}
}

func TestRefundWritesAuditAndUpdatesStatus(t *testing.T) {
	svc, repo := newTestService(t, nil)
	v := createVariant(t, svc, "REF-1", 10)

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Items:         []domain.SaleLine{{VariantID: v.ID, Quantity: 4}},
		PaymentMethod: "card",
	})
	require.NoError(t, err)

	refunded, err := svc.RefundItems(adminCtx(), sale.ID, domain.RefundRequest{
		Lines: []domain.RefundLine{{SaleItemID: sale.Items[0].ID, Quantity: 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPartiallyRefunded, refunded.Status)

	stock, err := svc.GetCurrentStock(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, stock)

	page, err := svc.GetMovementHistory(context.Background(), v.ID, domain.MovementFilter{Kinds: []domain.MovementKind{domain.MovementReturn}})
	require.NoError(t, err)
	require.Len(t, page.Movements, 1)
	assert.Equal(t, "admin", page.Movements[0].UserID)

	logs, err := repo.ListAuditLogs(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 50)
	require.NoError(t, err)
	actions := make([]string, 0, len(logs))
	for _, entry := range logs {
		actions = append(actions, entry.Action)
	}
	assert.Contains(t, actions, "sale_refund")
	assert.Contains(t, actions, "sale_create")
	assert.Contains(t, actions, "variant_create")
}

func TestApplyDeltaRequiresAdminAndAudits(t *testing.T) {
	svc, _ := newTestService(t, nil)
	v := createVariant(t, svc, "ADJ-1", 3)

	_, err := svc.ApplyDelta(cashierCtx(), domain.DeltaRequest{VariantID: v.ID, Kind: domain.MovementShrinkage, Delta: -1})
	assert.ErrorIs(t, err, ErrForbidden)

	m, err := svc.ApplyDelta(adminCtx(), domain.DeltaRequest{VariantID: v.ID, Kind: domain.MovementShrinkage, Delta: -5, Reason: "damaged"})
	require.NoError(t, err)
	assert.Equal(t, 0, m.NewStock)
	assert.Equal(t, 2, m.Shortfall)
	assert.Equal(t, "admin", m.UserID)

	report, err := svc.Reconcile(context.Background(), v.ID)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 1, report.ClampedMovements)
	assert.Equal(t, 2, report.UnrecordedShortfall)
}

func TestArchiveVariantBlocksNewSales(t *testing.T) {
	svc, _ := newTestService(t, nil)
	v := createVariant(t, svc, "ARCH-1", 3)

	archived, err := svc.ArchiveVariant(adminCtx(), v.ID)
	require.NoError(t, err)
	assert.True(t, archived.Archived)

	_, err = svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Items:         []domain.SaleLine{{VariantID: v.ID, Quantity: 1}},
		PaymentMethod: "cash",
	})
	assert.ErrorIs(t, err, store.ErrValidation)

	low, err := svc.ListLowStock(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, low)
}

func TestListLowStock(t *testing.T) {
	svc, _ := newTestService(t, nil)
	createVariant(t, svc, "LOW-1", 1)
	createVariant(t, svc, "LOW-2", 50)
	createVariant(t, svc, "LOW-0", 0)

	low, err := svc.ListLowStock(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, low, 2)
	assert.Equal(t, "LOW-0", low[0].SKU)
	assert.Equal(t, "LOW-1", low[1].SKU)
}

func TestCustomerTotalFollowsSalesAndRefunds(t *testing.T) {
	svc, _ := newTestService(t, nil)
	v := createVariant(t, svc, "CUST-1", 10)

	customer, err := svc.CreateCustomer(cashierCtx(), domain.CustomerCreateRequest{Name: "  Rina ", Phone: "0812"})
	require.NoError(t, err)
	assert.Equal(t, "Rina", customer.Name)

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Items:         []domain.SaleLine{{VariantID: v.ID, Quantity: 2}},
		PaymentMethod: "qris",
		CustomerID:    customer.ID,
	})
	require.NoError(t, err)

	got, err := svc.GetCustomer(context.Background(), customer.ID)
	require.NoError(t, err)
	assert.Equal(t, "21.60", got.TotalSpent.StringFixed(2))

	_, err = svc.RefundItems(adminCtx(), sale.ID, domain.RefundRequest{
		Lines: []domain.RefundLine{{SaleItemID: sale.Items[0].ID, Quantity: 2}},
	})
	require.NoError(t, err)

	got, err = svc.GetCustomer(context.Background(), customer.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalSpent.IsZero())
}

func TestListAuditLogsRejectsBadDate(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.ListAuditLogs(context.Background(), "16-10-2026", 10)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func restockWorkbook(t *testing.T, rows [][]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf
}

func TestImportRestockReportsPerRowResults(t *testing.T) {
	svc, _ := newTestService(t, nil)
	v := createVariant(t, svc, "IMP-1", 2)

	buf := restockWorkbook(t, [][]any{
		{"sku", "qty", "note"},
		{"imp-1", 5, "supplier drop"},
		{"NOPE-9", 3, ""},
		{"IMP-1", 1, ""},
	})

	resp, err := svc.ImportRestock(adminCtx(), "restock.xlsx", buf)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Applied)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, 7, resp.Results[0].NewStock)
	assert.Contains(t, resp.Results[1].Error, "not found")
	assert.Equal(t, 8, resp.Results[2].NewStock)

	page, err := svc.GetMovementHistory(context.Background(), v.ID, domain.MovementFilter{})
	require.NoError(t, err)
	require.Len(t, page.Movements, 3)
	assert.Equal(t, "restock import restock.xlsx", page.Movements[0].Reason)
	assert.Equal(t, "supplier drop", page.Movements[1].Reason)
}

func TestImportRestockRejectsUnreadableFile(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.ImportRestock(adminCtx(), "x.xlsx", bytes.NewBufferString("not a workbook"))
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = svc.ImportRestock(cashierCtx(), "x.xlsx", bytes.NewBufferString("not a workbook"))
	assert.ErrorIs(t, err, ErrForbidden)
}
