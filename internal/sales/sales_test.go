package sales

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medhatjachour/electron-app-sub007/internal/domain"
	"github.com/medhatjachour/electron-app-sub007/internal/ledger"
	"github.com/medhatjachour/electron-app-sub007/internal/store"
	"github.com/medhatjachour/electron-app-sub007/internal/store/memory"
)

type fixture struct {
	repo    *memory.Store
	mutator *ledger.Mutator
	engine  *Engine
}

func newFixture(t *testing.T, taxPercent string) *fixture {
	t.Helper()
	repo := memory.New()
	mutator := ledger.NewMutator(repo)
	rate := decimal.RequireFromString(taxPercent).Div(decimal.NewFromInt(100))
	return &fixture{repo: repo, mutator: mutator, engine: NewEngine(repo, mutator, rate)}
}

func (f *fixture) variant(t *testing.T, sku string, price string, stock int) string {
	t.Helper()
	ctx := context.Background()
	var id string
	err := f.repo.WithinTx(ctx, func(tx store.Tx) error {
		v, err := tx.InsertVariant(ctx, domain.Variant{SKU: sku, Name: sku, Price: decimal.RequireFromString(price)})
		if err != nil {
			return err
		}
		id = v.ID
		if stock == 0 {
			return nil
		}
		_, err = f.mutator.Apply(ctx, tx, domain.DeltaRequest{VariantID: id, Kind: domain.MovementRestock, Delta: stock})
		return err
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) customer(t *testing.T) string {
	t.Helper()
	c, err := f.repo.CreateCustomer(context.Background(), domain.Customer{Name: "Dana"})
	require.NoError(t, err)
	return c.ID
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	stock, err := f.repo.GetCurrentStock(context.Background(), id)
	require.NoError(t, err)
	return stock
}

func (f *fixture) movements(t *testing.T, id string, kind domain.MovementKind) []domain.StockMovement {
	t.Helper()
	page, err := f.repo.ListMovements(context.Background(), id, domain.MovementFilter{Kinds: []domain.MovementKind{kind}, Limit: store.MaxMovementPageSize})
	require.NoError(t, err)
	return page.Movements
}

func (f *fixture) assertReconciled(t *testing.T, ids ...string) {
	t.Helper()
	reconciler := ledger.NewReconciler(f.repo)
	for _, id := range ids {
		report, err := reconciler.Reconcile(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, report.OK, "variant %s drifted: %+v", id, report)
		assert.Empty(t, report.ChainBreaks)
	}
}

func sale(items ...domain.SaleLine) domain.SaleRequest {
	return domain.SaleRequest{Items: items, PaymentMethod: "cash", UserID: "cashier"}
}

func TestCreateSaleDecrementsStockWithOneMovement(t *testing.T) {
	f := newFixture(t, "0")
	id := f.variant(t, "SKU-A", "10.00", 10)

	created, err := f.engine.CreateSale(context.Background(), sale(domain.SaleLine{VariantID: id, Quantity: 3}))
	require.NoError(t, err)

	assert.Equal(t, domain.SaleStatusCompleted, created.Status)
	assert.Equal(t, 7, f.stock(t, id))

	moves := f.movements(t, id, domain.MovementSale)
	require.Len(t, moves, 1)
	assert.Equal(t, 10, moves[0].PreviousStock)
	assert.Equal(t, 7, moves[0].NewStock)
	assert.Equal(t, -3, moves[0].Delta)
	assert.Equal(t, created.ID, moves[0].ReferenceID)
	f.assertReconciled(t, id)
}

func TestCreateSaleTaxAndTotal(t *testing.T) {
	f := newFixture(t, "8")
	a := f.variant(t, "SKU-A", "25.00", 10)
	b := f.variant(t, "SKU-B", "50.00", 10)

	created, err := f.engine.CreateSale(context.Background(), sale(
		domain.SaleLine{VariantID: a, Quantity: 2},
		domain.SaleLine{VariantID: b, Quantity: 1},
	))
	require.NoError(t, err)

	assert.Equal(t, "100.00", created.Subtotal.StringFixed(2))
	assert.Equal(t, "8.00", created.Tax.StringFixed(2))
	assert.Equal(t, "108.00", created.Total.StringFixed(2))
	require.Len(t, created.Items, 2)
	assert.Equal(t, 1, created.Items[0].Position)
	assert.Equal(t, "50.00", created.Items[0].LineTotal.StringFixed(2))
}

func TestCreateSaleAppliesDiscounts(t *testing.T) {
	f := newFixture(t, "0")
	id := f.variant(t, "SKU-A", "100", 10)

	created, err := f.engine.CreateSale(context.Background(), sale(
		domain.SaleLine{VariantID: id, Quantity: 1, Discount: &domain.Discount{Type: domain.DiscountPercentage, Value: decimal.NewFromInt(20), Reason: "promo"}},
		domain.SaleLine{VariantID: id, Quantity: 1, Discount: &domain.Discount{Type: domain.DiscountFixed, Value: decimal.NewFromInt(25)}},
		domain.SaleLine{VariantID: id, Quantity: 1, Discount: &domain.Discount{Type: domain.DiscountFixed, Value: decimal.NewFromInt(150)}},
	))
	require.NoError(t, err)

	assert.Equal(t, "80.00", created.Items[0].FinalPrice.StringFixed(2))
	assert.Equal(t, "75.00", created.Items[1].FinalPrice.StringFixed(2))
	assert.Equal(t, "0.00", created.Items[2].FinalPrice.StringFixed(2))
	assert.Equal(t, "cashier", created.Items[0].Discount.AppliedBy)
	assert.Equal(t, "155.00", created.Total.StringFixed(2))
	assert.Equal(t, 7, f.stock(t, id))
}

func TestCreateSaleIsAllOrNothing(t *testing.T) {
	f := newFixture(t, "0")
	a := f.variant(t, "SKU-A", "10", 5)
	b := f.variant(t, "SKU-B", "10", 5)
	c := f.variant(t, "SKU-C", "10", 1)

	_, err := f.engine.CreateSale(context.Background(), sale(
		domain.SaleLine{VariantID: a, Quantity: 1},
		domain.SaleLine{VariantID: b, Quantity: 2},
		domain.SaleLine{VariantID: c, Quantity: 3},
	))
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	var insufficient *store.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, c, insufficient.VariantID)

	for _, id := range []string{a, b, c} {
		assert.Empty(t, f.movements(t, id, domain.MovementSale))
	}
	assert.Equal(t, 5, f.stock(t, a))
	assert.Equal(t, 5, f.stock(t, b))
	assert.Equal(t, 1, f.stock(t, c))
}

func TestCreateSaleCountsRepeatedVariantLines(t *testing.T) {
	f := newFixture(t, "0")
	id := f.variant(t, "SKU-A", "10", 4)

	_, err := f.engine.CreateSale(context.Background(), sale(
		domain.SaleLine{VariantID: id, Quantity: 3},
		domain.SaleLine{VariantID: id, Quantity: 2},
	))
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, 4, f.stock(t, id))
}

func TestCreateSaleValidation(t *testing.T) {
	f := newFixture(t, "0")
	id := f.variant(t, "SKU-A", "10", 4)
	ctx := context.Background()

	cases := []struct {
		name string
		req  domain.SaleRequest
		want error
	}{
		{"empty cart", sale(), store.ErrValidation},
		{"zero quantity", sale(domain.SaleLine{VariantID: id, Quantity: 0}), store.ErrValidation},
		{"negative quantity", sale(domain.SaleLine{VariantID: id, Quantity: -1}), store.ErrValidation},
		{"bad payment", domain.SaleRequest{Items: []domain.SaleLine{{VariantID: id, Quantity: 1}}, PaymentMethod: "barter", UserID: "u"}, store.ErrValidation},
		{"bad discount", sale(domain.SaleLine{VariantID: id, Quantity: 1, Discount: &domain.Discount{Type: domain.DiscountPercentage, Value: decimal.NewFromInt(120)}}), store.ErrValidation},
		{"unknown variant", sale(domain.SaleLine{VariantID: "nope", Quantity: 1}), store.ErrNotFound},
		{"unknown customer", domain.SaleRequest{Items: []domain.SaleLine{{VariantID: id, Quantity: 1}}, PaymentMethod: "card", UserID: "u", CustomerID: "ghost"}, store.ErrNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.CreateSale(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, 4, f.stock(t, id))
	f.assertReconciled(t, id)
}

func TestCreateSaleRejectsArchivedVariant(t *testing.T) {
	f := newFixture(t, "0")
	id := f.variant(t, "SKU-A", "10", 4)
	_, err := f.repo.ArchiveVariant(context.Background(), id, f.engine.now())
	require.NoError(t, err)

	_, err = f.engine.CreateSale(context.Background(), sale(domain.SaleLine{VariantID: id, Quantity: 1}))
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestCreateSaleIdempotencyKeyReturnsOriginal(t *testing.T) {
	f := newFixture(t, "0")
	id := f.variant(t, "SKU-A", "10", 4)

	req := sale(domain.SaleLine{VariantID: id, Quantity: 1})
	req.IdempotencyKey = "till-1-0001"

	first, err := f.engine.CreateSale(context.Background(), req)
	require.NoError(t, err)
	second, err := f.engine.CreateSale(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 3, f.stock(t, id))
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	f := newFixture(t, "0")
	id := f.variant(t, "SKU-A", "5", 50)

	var ok, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.CreateSale(context.Background(), sale(domain.SaleLine{VariantID: id, Quantity: 1}))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, store.ErrInsufficientStock):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 50, ok.Load())
	assert.EqualValues(t, 50, insufficient.Load())
	assert.Equal(t, 0, f.stock(t, id))
	assert.Len(t, f.movements(t, id, domain.MovementSale), 50)
	f.assertReconciled(t, id)
}

func TestConcurrentSalesAcrossVariantsInMixedOrder(t *testing.T) {
	f := newFixture(t, "0")
	a := f.variant(t, "SKU-A", "5", 200)
	b := f.variant(t, "SKU-B", "5", 200)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lines := []domain.SaleLine{{VariantID: a, Quantity: 1}, {VariantID: b, Quantity: 2}}
			if i%2 == 1 {
				lines[0], lines[1] = lines[1], lines[0]
			}
			_, err := f.engine.CreateSale(context.Background(), sale(lines...))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 150, f.stock(t, a))
	assert.Equal(t, 100, f.stock(t, b))
	f.assertReconciled(t, a, b)
}

func TestPartialRefundThenOverRefund(t *testing.T) {
	f := newFixture(t, "0")
	id := f.variant(t, "SKU-A", "10", 10)
	ctx := context.Background()

	created, err := f.engine.CreateSale(ctx, sale(domain.SaleLine{VariantID: id, Quantity: 4}))
	require.NoError(t, err)
	itemID := created.Items[0].ID

	refunded, err := f.engine.RefundItems(ctx, created.ID, []domain.RefundLine{{SaleItemID: itemID, Quantity: 3}}, "manager")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPartiallyRefunded, refunded.Status)
	assert.Equal(t, 3, refunded.Items[0].RefundedQuantity)
	assert.NotNil(t, refunded.Items[0].RefundedAt)

	returns := f.movements(t, id, domain.MovementReturn)
	require.Len(t, returns, 1)
	assert.Equal(t, 3, returns[0].Delta)
	assert.Equal(t, created.ID, returns[0].ReferenceID)
	assert.Contains(t, returns[0].Reason, "partial")
	assert.Equal(t, 9, f.stock(t, id))

	_, err = f.engine.RefundItems(ctx, created.ID, []domain.RefundLine{{SaleItemID: itemID, Quantity: 2}}, "manager")
	var over *store.OverRefundError
	require.True(t, errors.As(err, &over))
	assert.Equal(t, 1, over.Remaining)
	assert.Equal(t, 9, f.stock(t, id))

	stored, err := f.repo.FindSaleByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Items[0].RefundedQuantity)
	f.assertReconciled(t, id)
}

func TestOverRefundRejectsWholeBatch(t *testing.T) {
	f := newFixture(t, "0")
	a := f.variant(t, "SKU-A", "10", 10)
	b := f.variant(t, "SKU-B", "10", 10)
	ctx := context.Background()

	created, err := f.engine.CreateSale(ctx, sale(
		domain.SaleLine{VariantID: a, Quantity: 2},
		domain.SaleLine{VariantID: b, Quantity: 1},
	))
	require.NoError(t, err)

	_, err = f.engine.RefundItems(ctx, created.ID, []domain.RefundLine{
		{SaleItemID: created.Items[0].ID, Quantity: 1},
		{SaleItemID: created.Items[1].ID, Quantity: 1},
		{SaleItemID: created.Items[1].ID, Quantity: 1},
	}, "manager")
	require.ErrorIs(t, err, store.ErrOverRefund)

	stored, err := f.repo.FindSaleByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCompleted, stored.Status)
	assert.Zero(t, stored.Items[0].RefundedQuantity)
	assert.Empty(t, f.movements(t, a, domain.MovementReturn))
	assert.Equal(t, 8, f.stock(t, a))
}

func TestFullRefundExcludesSaleFromCustomerTotal(t *testing.T) {
	f := newFixture(t, "8")
	a := f.variant(t, "SKU-A", "50", 10)
	b := f.variant(t, "SKU-B", "20", 10)
	customerID := f.customer(t)
	ctx := context.Background()

	keep := sale(domain.SaleLine{VariantID: b, Quantity: 1})
	keep.CustomerID = customerID
	_, err := f.engine.CreateSale(ctx, keep)
	require.NoError(t, err)

	req := sale(domain.SaleLine{VariantID: a, Quantity: 1}, domain.SaleLine{VariantID: b, Quantity: 2})
	req.CustomerID = customerID
	created, err := f.engine.CreateSale(ctx, req)
	require.NoError(t, err)

	c, err := f.repo.GetCustomer(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, "118.80", c.TotalSpent.StringFixed(2))

	refunded, err := f.engine.RefundItems(ctx, created.ID, []domain.RefundLine{
		{SaleItemID: created.Items[0].ID, Quantity: 1},
		{SaleItemID: created.Items[1].ID, Quantity: 2},
	}, "manager")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusRefunded, refunded.Status)

	c, err = f.repo.GetCustomer(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, "21.60", c.TotalSpent.StringFixed(2))

	_, err = f.engine.RefundItems(ctx, created.ID, []domain.RefundLine{{SaleItemID: created.Items[0].ID, Quantity: 1}}, "manager")
	assert.ErrorIs(t, err, store.ErrAlreadyRefunded)

	assert.Equal(t, 10, f.stock(t, a))
	assert.Equal(t, 9, f.stock(t, b))
	f.assertReconciled(t, a, b)
}

func TestPartialRefundNetsCustomerTotal(t *testing.T) {
	f := newFixture(t, "0")
	id := f.variant(t, "SKU-A", "25", 10)
	customerID := f.customer(t)
	ctx := context.Background()

	req := sale(domain.SaleLine{VariantID: id, Quantity: 4})
	req.CustomerID = customerID
	created, err := f.engine.CreateSale(ctx, req)
	require.NoError(t, err)

	_, err = f.engine.RefundItems(ctx, created.ID, []domain.RefundLine{{SaleItemID: created.Items[0].ID, Quantity: 1}}, "manager")
	require.NoError(t, err)

	c, err := f.repo.GetCustomer(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, "75.00", c.TotalSpent.StringFixed(2))
}

func TestRefundStatusNeverRegresses(t *testing.T) {
	f := newFixture(t, "0")
	id := f.variant(t, "SKU-A", "10", 10)
	ctx := context.Background()

	created, err := f.engine.CreateSale(ctx, sale(domain.SaleLine{VariantID: id, Quantity: 3}))
	require.NoError(t, err)
	itemID := created.Items[0].ID

	statuses := []string{}
	for i := 0; i < 3; i++ {
		updated, err := f.engine.RefundItems(ctx, created.ID, []domain.RefundLine{{SaleItemID: itemID, Quantity: 1}}, "")
		require.NoError(t, err)
		statuses = append(statuses, updated.Status)
		assert.LessOrEqual(t, updated.Items[0].RefundedQuantity, updated.Items[0].Quantity)
	}
	assert.Equal(t, []string{
		domain.SaleStatusPartiallyRefunded,
		domain.SaleStatusPartiallyRefunded,
		domain.SaleStatusRefunded,
	}, statuses)

	returns := f.movements(t, id, domain.MovementReturn)
	require.Len(t, returns, 3)
	assert.Contains(t, returns[0].Reason, "full refund")
}

func TestRefundValidation(t *testing.T) {
	f := newFixture(t, "0")
	id := f.variant(t, "SKU-A", "10", 10)
	ctx := context.Background()

	created, err := f.engine.CreateSale(ctx, sale(domain.SaleLine{VariantID: id, Quantity: 2}))
	require.NoError(t, err)

	_, err = f.engine.RefundItems(ctx, created.ID, nil, "m")
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = f.engine.RefundItems(ctx, created.ID, []domain.RefundLine{{SaleItemID: created.Items[0].ID, Quantity: 0}}, "m")
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = f.engine.RefundItems(ctx, created.ID, []domain.RefundLine{{SaleItemID: "si-ghost", Quantity: 1}}, "m")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.engine.RefundItems(ctx, "sale-ghost", []domain.RefundLine{{SaleItemID: created.Items[0].ID, Quantity: 1}}, "m")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentRefundsRespectRefundBound(t *testing.T) {
	f := newFixture(t, "0")
	id := f.variant(t, "SKU-A", "10", 20)
	ctx := context.Background()

	created, err := f.engine.CreateSale(ctx, sale(domain.SaleLine{VariantID: id, Quantity: 10}))
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.RefundItems(ctx, created.ID, []domain.RefundLine{{SaleItemID: created.Items[0].ID, Quantity: 1}}, "m")
			if err == nil {
				ok.Add(1)
				return
			}
			if !errors.Is(err, store.ErrOverRefund) && !errors.Is(err, store.ErrAlreadyRefunded) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, ok.Load())
	stored, err := f.repo.FindSaleByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, stored.Items[0].RefundedQuantity)
	assert.Equal(t, domain.SaleStatusRefunded, stored.Status)
	assert.Equal(t, 20, f.stock(t, id))
	f.assertReconciled(t, id)
}

func TestCreateSaleQuantitiesCannotWrapStockCheck(t *testing.T) {
	f := newFixture(t, "0")
	id := f.variant(t, "SKU-A", "10.00", 10)
	ctx := context.Background()

	_, err := f.engine.CreateSale(ctx, sale(
		domain.SaleLine{VariantID: id, Quantity: 2},
		domain.SaleLine{VariantID: id, Quantity: math.MaxInt},
	))
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = f.engine.CreateSale(ctx, sale(
		domain.SaleLine{VariantID: id, Quantity: store.MaxQuantity},
		domain.SaleLine{VariantID: id, Quantity: store.MaxQuantity},
	))
	var short *store.InsufficientStockError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 10, short.Available)
	assert.Equal(t, store.MaxQuantity, short.Requested)

	assert.Equal(t, 10, f.stock(t, id))
	assert.Empty(t, f.movements(t, id, domain.MovementSale))
	f.assertReconciled(t, id)
}

func TestRefundRepeatedLinesCannotWrapRefundBound(t *testing.T) {
	f := newFixture(t, "0")
	id := f.variant(t, "SKU-A", "10", 10)
	ctx := context.Background()

	created, err := f.engine.CreateSale(ctx, sale(domain.SaleLine{VariantID: id, Quantity: 2}))
	require.NoError(t, err)
	itemID := created.Items[0].ID

	_, err = f.engine.RefundItems(ctx, created.ID, []domain.RefundLine{
		{SaleItemID: itemID, Quantity: 2},
		{SaleItemID: itemID, Quantity: math.MaxInt},
	}, "m")
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = f.engine.RefundItems(ctx, created.ID, []domain.RefundLine{
		{SaleItemID: itemID, Quantity: store.MaxQuantity},
		{SaleItemID: itemID, Quantity: store.MaxQuantity},
	}, "m")
	var over *store.OverRefundError
	require.ErrorAs(t, err, &over)
	assert.Equal(t, 2, over.Remaining)

	assert.Equal(t, 8, f.stock(t, id))
	assert.Empty(t, f.movements(t, id, domain.MovementReturn))
}

func TestBoundedSumSaturates(t *testing.T) {
	assert.Equal(t, 5, boundedSum(2, 3))
	assert.Equal(t, store.MaxQuantity, boundedSum(store.MaxQuantity-1, 1))
	assert.Equal(t, store.MaxQuantity+1, boundedSum(store.MaxQuantity, 1))
	assert.Equal(t, store.MaxQuantity+1, boundedSum(store.MaxQuantity, store.MaxQuantity))
}

// flakyTotals fails RecomputeCustomerTotal a set number of times.
type flakyTotals struct {
	*memory.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (r *flakyTotals) RecomputeCustomerTotal(ctx context.Context, customerID string) (*domain.Customer, error) {
	r.calls.Add(1)
	if r.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return r.Store.RecomputeCustomerTotal(ctx, customerID)
}

func TestRefundRetriesCustomerTotalRecompute(t *testing.T) {
	f := newFixture(t, "0")
	id := f.variant(t, "SKU-A", "25", 10)
	customerID := f.customer(t)
	ctx := context.Background()

	repo := &flakyTotals{Store: f.repo}
	repo.failures.Store(2)
	engine := NewEngine(repo, f.mutator, decimal.Zero)

	req := sale(domain.SaleLine{VariantID: id, Quantity: 4})
	req.CustomerID = customerID
	created, err := engine.CreateSale(ctx, req)
	require.NoError(t, err)

	_, err = engine.RefundItems(ctx, created.ID, []domain.RefundLine{{SaleItemID: created.Items[0].ID, Quantity: 1}}, "m")
	require.NoError(t, err)
	assert.Equal(t, int32(3), repo.calls.Load())

	c, err := f.repo.GetCustomer(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, "75.00", c.TotalSpent.StringFixed(2))
}

func TestMissedRecomputeIsRepairedByNextRefund(t *testing.T) {
	f := newFixture(t, "0")
	id := f.variant(t, "SKU-A", "25", 10)
	customerID := f.customer(t)
	ctx := context.Background()

	repo := &flakyTotals{Store: f.repo}
	repo.failures.Store(recomputeAttempts)
	engine := NewEngine(repo, f.mutator, decimal.Zero)

	req := sale(domain.SaleLine{VariantID: id, Quantity: 4})
	req.CustomerID = customerID
	created, err := engine.CreateSale(ctx, req)
	require.NoError(t, err)
	itemID := created.Items[0].ID

	refunded, err := engine.RefundItems(ctx, created.ID, []domain.RefundLine{{SaleItemID: itemID, Quantity: 1}}, "m")
	require.NoError(t, err, "a committed refund is reported as applied")
	assert.Equal(t, domain.SaleStatusPartiallyRefunded, refunded.Status)

	c, err := f.repo.GetCustomer(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", c.TotalSpent.StringFixed(2))

	_, err = engine.RefundItems(ctx, created.ID, []domain.RefundLine{{SaleItemID: itemID, Quantity: 1}}, "m")
	require.NoError(t, err)

	c, err = f.repo.GetCustomer(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, "50.00", c.TotalSpent.StringFixed(2))
}

func ExampleEngine_CreateSale() {
	repo := memory.New()
	mutator := ledger.NewMutator(repo)
	engine := NewEngine(repo, mutator, decimal.RequireFromString("0.08"))
	ctx := context.Background()

	var variantID string
	_ = repo.WithinTx(ctx, func(tx store.Tx) error {
		v, err := tx.InsertVariant(ctx, domain.Variant{SKU: "MUG-01", Name: "Mug", Price: decimal.RequireFromString("12.50")})
		if err != nil {
			return err
		}
		variantID = v.ID
		_, err = mutator.Apply(ctx, tx, domain.DeltaRequest{VariantID: v.ID, Kind: domain.MovementRestock, Delta: 10})
		return err
	})

	created, err := engine.CreateSale(ctx, domain.SaleRequest{
		Items:         []domain.SaleLine{{VariantID: variantID, Quantity: 8}},
		PaymentMethod: "card",
		UserID:        "cashier",
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(created.Subtotal.StringFixed(2), created.Tax.StringFixed(2), created.Total.StringFixed(2))
	// Output: 100.00 8.00 108.00
}
