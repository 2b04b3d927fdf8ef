package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/medhatjachour/electron-app-sub007/internal/domain"
	"github.com/medhatjachour/electron-app-sub007/internal/pricing"
	"github.com/medhatjachour/electron-app-sub007/internal/store"
	"github.com/medhatjachour/electron-app-sub007/internal/xid"
)

type Store struct {
	mu    sync.RWMutex
	locks *keyedMutex
	seq   atomic.Int64

	variants        map[string]*domain.Variant
	variantsBySKU   map[string]string
	movements       map[string][]domain.StockMovement
	sales           map[string]*domain.SaleTransaction
	salesByIdem     map[string]string
	salesByCustomer map[string][]string
	customers       map[string]*domain.Customer
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		locks:           newKeyedMutex(),
		variants:        make(map[string]*domain.Variant),
		variantsBySKU:   make(map[string]string),
		movements:       make(map[string][]domain.StockMovement),
		sales:           make(map[string]*domain.SaleTransaction),
		salesByIdem:     make(map[string]string),
		salesByCustomer: make(map[string][]string),
		customers:       make(map[string]*domain.Customer),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// unset values fall back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo users and a small catalog whose
// opening stock is recorded as RESTOCK movements.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	seed := []struct {
		sku       string
		name      string
		price     string
		stock     int
		threshold int
	}{
		{"TSHIRT-BLK-M", "T-Shirt Black M", "19.99", 40, 5},
		{"TSHIRT-BLK-L", "T-Shirt Black L", "19.99", 35, 5},
		{"TSHIRT-WHT-M", "T-Shirt White M", "18.50", 25, 5},
		{"JEANS-IND-32", "Jeans Indigo 32", "59.00", 12, 3},
		{"JEANS-IND-34", "Jeans Indigo 34", "59.00", 8, 3},
		{"HOODIE-GRY-L", "Hoodie Grey L", "45.00", 6, 4},
		{"SOCKS-MIX-OS", "Socks 3-Pack", "9.90", 60, 10},
		{"CAP-NVY-OS", "Cap Navy", "14.00", 3, 4},
	}

	now := time.Now().UTC()
	for _, item := range seed {
		id := xid.New("var")
		s.variants[id] = &domain.Variant{
			ID:               id,
			SKU:              item.sku,
			Name:             item.name,
			Price:            decimal.RequireFromString(item.price),
			Stock:            item.stock,
			ReorderThreshold: item.threshold,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		s.variantsBySKU[item.sku] = id
		s.movements[id] = []domain.StockMovement{{
			ID:            xid.New("mv"),
			Seq:           s.seq.Add(1),
			VariantID:     id,
			Kind:          domain.MovementRestock,
			Delta:         item.stock,
			PreviousStock: 0,
			NewStock:      item.stock,
			Reason:        "opening stock",
			UserID:        "system",
			CreatedAt:     now,
		}}
	}
	return s
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx := newTx(s)
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (s *Store) GetVariant(_ context.Context, id string) (*domain.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.variants[id]
	if !ok {
		return nil, store.NotFound("variant", id)
	}
	copied := *v
	return &copied, nil
}

func (s *Store) FindVariantBySKU(ctx context.Context, sku string) (*domain.Variant, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	s.mu.RLock()
	id, ok := s.variantsBySKU[sku]
	s.mu.RUnlock()
	if !ok {
		return nil, store.NotFound("variant", sku)
	}
	return s.GetVariant(ctx, id)
}

func (s *Store) GetCurrentStock(_ context.Context, variantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.variants[variantID]
	if !ok {
		return 0, store.NotFound("variant", variantID)
	}
	return v.Stock, nil
}

func (s *Store) ArchiveVariant(_ context.Context, id string, at time.Time) (*domain.Variant, error) {
	// Open units of work write their staged copy back on commit, so the row
	// lock is required here too.
	s.locks.Lock(variantKey(id))
	defer s.locks.Unlock(variantKey(id))

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.variants[id]
	if !ok {
		return nil, store.NotFound("variant", id)
	}
	v.Archived = true
	v.UpdatedAt = at
	copied := *v
	return &copied, nil
}

func (s *Store) ListLowStockVariants(_ context.Context, limit int) ([]domain.Variant, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	result := make([]domain.Variant, 0, 16)
	for _, v := range s.variants {
		if v.Archived || v.Stock > v.ReorderThreshold {
			continue
		}
		result = append(result, *v)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Stock != result[j].Stock {
			return result[i].Stock < result[j].Stock
		}
		return result[i].SKU < result[j].SKU
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListMovements(_ context.Context, variantID string, filter domain.MovementFilter) (domain.MovementPage, error) {
	limit := normalizeLimit(filter.Limit)
	var before int64
	if filter.Cursor != "" {
		parsed, err := strconv.ParseInt(filter.Cursor, 10, 64)
		if err != nil || parsed < 1 {
			return domain.MovementPage{}, store.Invalid("cursor", "is malformed")
		}
		before = parsed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.variants[variantID]; !ok {
		return domain.MovementPage{}, store.NotFound("variant", variantID)
	}

	history := s.movements[variantID]
	page := domain.MovementPage{Movements: make([]domain.StockMovement, 0, limit)}
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if before > 0 && m.Seq >= before {
			continue
		}
		if !matchesFilter(m, filter) {
			continue
		}
		if len(page.Movements) == limit {
			page.NextCursor = strconv.FormatInt(page.Movements[limit-1].Seq, 10)
			break
		}
		page.Movements = append(page.Movements, m)
	}
	return page, nil
}

func (s *Store) LoadLedger(_ context.Context, variantID string) (domain.LedgerSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.variants[variantID]
	if !ok {
		return domain.LedgerSnapshot{}, store.NotFound("variant", variantID)
	}
	return domain.LedgerSnapshot{
		VariantID:   variantID,
		CachedStock: v.Stock,
		Movements:   slices.Clone(s.movements[variantID]),
	}, nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.SaleTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.NotFound("sale", id)
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotencyKey(_ context.Context, key string) (*domain.SaleTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.salesByIdem[key]
	if !ok || key == "" {
		return nil, store.NotFound("sale", key)
	}
	return cloneSale(s.sales[id]), nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	customer.Name = strings.TrimSpace(customer.Name)
	if customer.Name == "" {
		return nil, store.Invalid("name", "is required")
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	now := time.Now().UTC()
	customer.TotalSpent = decimal.Zero
	customer.CreatedAt = now
	customer.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customers[customer.ID]; exists {
		return nil, store.Invalid("id", "already exists")
	}
	stored := customer
	s.customers[customer.ID] = &stored
	return &customer, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, store.NotFound("customer", id)
	}
	copied := *c
	return &copied, nil
}

func (s *Store) RecomputeCustomerTotal(_ context.Context, customerID string) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[customerID]
	if !ok {
		return nil, store.NotFound("customer", customerID)
	}

	ids := s.salesByCustomer[customerID]
	sales := make([]domain.SaleTransaction, 0, len(ids))
	for _, id := range ids {
		sales = append(sales, *s.sales[id])
	}
	c.TotalSpent = pricing.NetSpend(sales)
	c.UpdatedAt = time.Now().UTC()

	copied := *c
	return &copied, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.Invalid("user", "username and password are required")
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.Invalid("username", "already exists")
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.Invalid("user", "username and password are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.NotFound("user", username)
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func normalizeLimit(limit int) int {
	if limit < 1 {
		return store.DefaultMovementPageSize
	}
	if limit > store.MaxMovementPageSize {
		return store.MaxMovementPageSize
	}
	return limit
}

func matchesFilter(m domain.StockMovement, filter domain.MovementFilter) bool {
	if len(filter.Kinds) > 0 && !slices.Contains(filter.Kinds, m.Kind) {
		return false
	}
	if filter.From != nil && m.CreatedAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && !m.CreatedAt.Before(*filter.To) {
		return false
	}
	return true
}

func cloneSale(src *domain.SaleTransaction) *domain.SaleTransaction {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Items = make([]domain.SaleItem, len(src.Items))
	for i, item := range src.Items {
		if item.Discount != nil {
			discount := *item.Discount
			item.Discount = &discount
		}
		if item.RefundedAt != nil {
			at := *item.RefundedAt
			item.RefundedAt = &at
		}
		dst.Items[i] = item
	}
	return &dst
}
