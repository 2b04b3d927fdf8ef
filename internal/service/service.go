package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/medhatjachour/electron-app-sub007/internal/cache"
	"github.com/medhatjachour/electron-app-sub007/internal/domain"
	"github.com/medhatjachour/electron-app-sub007/internal/importer"
	"github.com/medhatjachour/electron-app-sub007/internal/ledger"
	"github.com/medhatjachour/electron-app-sub007/internal/sales"
	"github.com/medhatjachour/electron-app-sub007/internal/store"
	"github.com/medhatjachour/electron-app-sub007/internal/xid"
)

var ErrForbidden = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo       store.Repository
	mutator    *ledger.Mutator
	history    *ledger.History
	reconciler *ledger.Reconciler
	sales      *sales.Engine
	stockCache cache.StockCache
	stockTTL   time.Duration
}

func New(repo store.Repository, mutator *ledger.Mutator, engine *sales.Engine, stockCache cache.StockCache, stockTTL time.Duration) *Service {
	if stockCache == nil {
		stockCache = cache.NoopStockCache{}
	}
	if stockTTL <= 0 {
		stockTTL = 15 * time.Second
	}

	return &Service{
		repo:       repo,
		mutator:    mutator,
		history:    ledger.NewHistory(repo),
		reconciler: ledger.NewReconciler(repo),
		sales:      engine,
		stockCache: stockCache,
		stockTTL:   stockTTL,
	}
}

func (s *Service) TaxRate() string {
	return s.sales.TaxRate().String()
}

// CreateVariant inserts the variant and records its opening stock as a
// RESTOCK movement in the same unit of work.
func (s *Service) CreateVariant(ctx context.Context, req domain.VariantCreateRequest) (domain.Variant, error) {
	if !isAdmin(ctx) {
		return domain.Variant{}, ErrForbidden
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	if req.SKU == "" {
		return domain.Variant{}, store.Invalid("sku", "is required")
	}
	if req.Name == "" {
		return domain.Variant{}, store.Invalid("name", "is required")
	}
	if req.Price.IsNegative() {
		return domain.Variant{}, store.Invalid("price", "must not be negative")
	}
	if req.InitialStock < 0 {
		return domain.Variant{}, store.Invalid("initial_stock", "must not be negative")
	}
	if req.ReorderThreshold < 0 {
		return domain.Variant{}, store.Invalid("reorder_threshold", "must not be negative")
	}

	var created domain.Variant
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		v, err := tx.InsertVariant(ctx, domain.Variant{
			SKU:              req.SKU,
			Name:             req.Name,
			Price:            req.Price.Round(2),
			ReorderThreshold: req.ReorderThreshold,
		})
		if err != nil {
			return err
		}
		created = *v
		if req.InitialStock == 0 {
			return nil
		}
		m, err := s.mutator.Apply(ctx, tx, domain.DeltaRequest{
			VariantID: v.ID,
			Kind:      domain.MovementRestock,
			Delta:     req.InitialStock,
			Reason:    "initial stock",
			UserID:    actorName(ctx),
		})
		if err != nil {
			return err
		}
		created.Stock = m.NewStock
		return nil
	})
	if err != nil {
		return domain.Variant{}, err
	}

	s.logAudit(ctx, "variant_create", "variant", created.ID, fmt.Sprintf("sku=%s,price=%s,stock=%d", created.SKU, created.Price.StringFixed(2), created.Stock))
	return created, nil
}

func (s *Service) GetVariant(ctx context.Context, id string) (domain.Variant, error) {
	v, err := s.repo.GetVariant(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Variant{}, err
	}
	return *v, nil
}

func (s *Service) ArchiveVariant(ctx context.Context, id string) (domain.Variant, error) {
	if !isAdmin(ctx) {
		return domain.Variant{}, ErrForbidden
	}

	v, err := s.repo.ArchiveVariant(ctx, strings.TrimSpace(id), time.Now().UTC())
	if err != nil {
		return domain.Variant{}, err
	}
	s.logAudit(ctx, "variant_archive", "variant", v.ID, "sku="+v.SKU)
	return *v, nil
}

func (s *Service) ListLowStock(ctx context.Context, limit int) ([]domain.Variant, error) {
	return s.repo.ListLowStockVariants(ctx, limit)
}

// GetCurrentStock serves from the stock cache when it can. Cache failures
// fall through to the store.
func (s *Service) GetCurrentStock(ctx context.Context, variantID string) (int, error) {
	variantID = strings.TrimSpace(variantID)
	stock, ok, err := s.stockCache.Get(ctx, variantID)
	if err != nil {
		log.Printf("[service] WARN: stock cache get failed variant=%s: %v", variantID, err)
	} else if ok {
		return stock, nil
	}

	stock, err = s.repo.GetCurrentStock(ctx, variantID)
	if err != nil {
		return 0, err
	}
	if err := s.stockCache.Set(ctx, variantID, stock, s.stockTTL); err != nil {
		log.Printf("[service] WARN: stock cache set failed variant=%s: %v", variantID, err)
		return stock, nil
	}

	// A commit can invalidate between the read and the Set above. Reading
	// again after the Set catches it: the writer invalidates only after its
	// commit, so a changed value means the entry may already be stale.
	current, err := s.repo.GetCurrentStock(ctx, variantID)
	if err != nil || current != stock {
		s.invalidateStock(ctx, variantID)
	}
	if err == nil {
		stock = current
	}
	return stock, nil
}

func (s *Service) ApplyDelta(ctx context.Context, req domain.DeltaRequest) (domain.StockMovement, error) {
	if !isAdmin(ctx) {
		return domain.StockMovement{}, ErrForbidden
	}
	if req.UserID == "" {
		req.UserID = actorName(ctx)
	}

	m, err := s.mutator.ApplyDelta(ctx, req)
	if err != nil {
		return domain.StockMovement{}, err
	}
	s.invalidateStock(ctx, m.VariantID)
	s.logAudit(ctx, "stock_adjust", "variant", m.VariantID, fmt.Sprintf("kind=%s,delta=%d,new_stock=%d,shortfall=%d", m.Kind, m.Delta, m.NewStock, m.Shortfall))
	return *m, nil
}

func (s *Service) GetMovementHistory(ctx context.Context, variantID string, filter domain.MovementFilter) (domain.MovementPage, error) {
	return s.history.GetMovementHistory(ctx, strings.TrimSpace(variantID), filter)
}

func (s *Service) Reconcile(ctx context.Context, variantID string) (domain.ReconcileReport, error) {
	report, err := s.reconciler.Reconcile(ctx, strings.TrimSpace(variantID))
	if err != nil {
		return domain.ReconcileReport{}, err
	}
	if !report.OK {
		log.Printf("[service] WARN: ledger drift variant=%s cached=%d derived=%d chain_breaks=%d", report.VariantID, report.CachedStock, report.LedgerDerivedStock, len(report.ChainBreaks))
	}
	return report, nil
}

func (s *Service) CreateSale(ctx context.Context, req domain.SaleRequest) (domain.SaleTransaction, error) {
	if actor, ok := ActorFromContext(ctx); ok {
		req.UserID = actor.Username
	}

	sale, err := s.sales.CreateSale(ctx, req)
	if err != nil {
		return domain.SaleTransaction{}, err
	}
	s.invalidateStock(ctx, saleVariantIDs(sale)...)
	s.logAudit(ctx, "sale_create", "sale", sale.ID, fmt.Sprintf("items=%d,total=%s,payment=%s", len(sale.Items), sale.Total.StringFixed(2), sale.PaymentMethod))
	return *sale, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.SaleTransaction, error) {
	sale, err := s.repo.FindSaleByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.SaleTransaction{}, err
	}
	return *sale, nil
}

// RefundItems expects the caller to have authorised the refund (admin role
// or a validated manager PIN).
func (s *Service) RefundItems(ctx context.Context, transactionID string, req domain.RefundRequest) (domain.SaleTransaction, error) {
	userID := req.UserID
	if actor, ok := ActorFromContext(ctx); ok {
		userID = actor.Username
	}

	sale, err := s.sales.RefundItems(ctx, transactionID, req.Lines, userID)
	if err != nil {
		return domain.SaleTransaction{}, err
	}
	s.invalidateStock(ctx, saleVariantIDs(sale)...)

	quantity := 0
	for _, line := range req.Lines {
		quantity += line.Quantity
	}
	s.logAudit(ctx, "sale_refund", "sale", sale.ID, fmt.Sprintf("lines=%d,qty=%d,status=%s", len(req.Lines), quantity, sale.Status))
	return *sale, nil
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	c, err := s.repo.CreateCustomer(ctx, domain.Customer{
		Name:  strings.TrimSpace(req.Name),
		Phone: strings.TrimSpace(req.Phone),
	})
	if err != nil {
		return domain.Customer{}, err
	}
	s.logAudit(ctx, "customer_create", "customer", c.ID, "name="+c.Name)
	return *c, nil
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	c, err := s.repo.GetCustomer(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Customer{}, err
	}
	return *c, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.Invalid("date", "must be YYYY-MM-DD")
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// ImportRestock applies each spreadsheet row as its own RESTOCK movement.
// A failing row is reported and does not stop the rest.
func (s *Service) ImportRestock(ctx context.Context, fileName string, reader io.Reader) (domain.RestockImportResponse, error) {
	if !isAdmin(ctx) {
		return domain.RestockImportResponse{}, ErrForbidden
	}

	rows, err := importer.ParseRestockRows(reader)
	if err != nil {
		return domain.RestockImportResponse{}, store.Invalid("file", err.Error())
	}

	resp := domain.RestockImportResponse{
		FileName: fileName,
		Results:  make([]domain.RestockImportResult, 0, len(rows)),
	}
	touched := make([]string, 0, len(rows))
	for _, row := range rows {
		result := domain.RestockImportResult{Row: row.Row, SKU: row.SKU, Quantity: row.Quantity}

		m, err := s.restockRow(ctx, fileName, row)
		if err != nil {
			result.Error = err.Error()
			resp.Failed++
		} else {
			result.MovementID = m.ID
			result.NewStock = m.NewStock
			resp.Applied++
			touched = append(touched, m.VariantID)
		}
		resp.Results = append(resp.Results, result)
	}

	s.invalidateStock(ctx, touched...)
	s.logAudit(ctx, "restock_import", "import", defaultString(fileName, "upload"), fmt.Sprintf("applied=%d,failed=%d", resp.Applied, resp.Failed))
	return resp, nil
}

func (s *Service) restockRow(ctx context.Context, fileName string, row domain.RestockImportRow) (*domain.StockMovement, error) {
	v, err := s.repo.FindVariantBySKU(ctx, row.SKU)
	if err != nil {
		return nil, err
	}
	reason := row.Reason
	if reason == "" {
		reason = "restock import " + defaultString(fileName, "upload")
	}
	return s.mutator.ApplyDelta(ctx, domain.DeltaRequest{
		VariantID:   v.ID,
		Kind:        domain.MovementRestock,
		Delta:       row.Quantity,
		Reason:      reason,
		ReferenceID: fmt.Sprintf("row-%d", row.Row),
		UserID:      actorName(ctx),
	})
}

func (s *Service) invalidateStock(ctx context.Context, variantIDs ...string) {
	if len(variantIDs) == 0 {
		return
	}
	if err := s.stockCache.Invalidate(ctx, variantIDs...); err != nil {
		log.Printf("[service] WARN: stock cache invalidate failed variants=%v: %v", variantIDs, err)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func saleVariantIDs(sale *domain.SaleTransaction) []string {
	ids := make([]string, 0, len(sale.Items))
	seen := make(map[string]bool, len(sale.Items))
	for _, item := range sale.Items {
		if seen[item.VariantID] {
			continue
		}
		seen[item.VariantID] = true
		ids = append(ids, item.VariantID)
	}
	return ids
}

func isAdmin(ctx context.Context) bool {
	actor, ok := ActorFromContext(ctx)
	return ok && actor.Role == "admin"
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
