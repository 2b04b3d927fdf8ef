package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/medhatjachour/electron-app-sub007/internal/domain"
	"github.com/medhatjachour/electron-app-sub007/internal/pricing"
	"github.com/medhatjachour/electron-app-sub007/internal/store"
	"github.com/medhatjachour/electron-app-sub007/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithinTx runs fn inside one READ COMMITTED transaction. Row locks taken
// with SELECT ... FOR UPDATE serialize writers on the same variant or sale.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

const variantColumns = `id, sku, name, price, stock, reorder_threshold, archived, created_at, updated_at`

const movementColumns = `seq, id, variant_id, kind, delta, previous_stock, new_stock, shortfall, reason, reference_id, user_id, created_at`

const saleColumns = `id, customer_id, user_id, payment_method, status, subtotal, tax_rate, tax, total, idempotency_key, created_at, updated_at`

const saleItemColumns = `id, transaction_id, position, variant_id, sku, quantity, unit_price,
	discount_type, discount_value, discount_reason, discount_applied_by,
	final_price, line_total, refunded_quantity, refunded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanVariant(row rowScanner) (*domain.Variant, error) {
	var v domain.Variant
	if err := row.Scan(&v.ID, &v.SKU, &v.Name, &v.Price, &v.Stock, &v.ReorderThreshold, &v.Archived, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	v.CreatedAt = v.CreatedAt.UTC()
	v.UpdatedAt = v.UpdatedAt.UTC()
	return &v, nil
}

func scanMovement(row rowScanner) (domain.StockMovement, error) {
	var m domain.StockMovement
	var kind string
	var reason, referenceID sql.NullString
	if err := row.Scan(&m.Seq, &m.ID, &m.VariantID, &kind, &m.Delta, &m.PreviousStock, &m.NewStock, &m.Shortfall, &reason, &referenceID, &m.UserID, &m.CreatedAt); err != nil {
		return domain.StockMovement{}, err
	}
	m.Kind = domain.MovementKind(kind)
	m.Reason = reason.String
	m.ReferenceID = referenceID.String
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func (s *Store) GetVariant(ctx context.Context, id string) (*domain.Variant, error) {
	v, err := scanVariant(s.db.QueryRowContext(ctx, `
		SELECT `+variantColumns+`
		FROM variants
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("variant", id)
		}
		return nil, err
	}
	return v, nil
}

func (s *Store) FindVariantBySKU(ctx context.Context, sku string) (*domain.Variant, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	v, err := scanVariant(s.db.QueryRowContext(ctx, `
		SELECT `+variantColumns+`
		FROM variants
		WHERE sku = $1
	`, sku))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("variant", sku)
		}
		return nil, err
	}
	return v, nil
}

func (s *Store) GetCurrentStock(ctx context.Context, variantID string) (int, error) {
	var stock int
	err := s.db.QueryRowContext(ctx, `SELECT stock FROM variants WHERE id = $1`, variantID).Scan(&stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.NotFound("variant", variantID)
		}
		return 0, err
	}
	return stock, nil
}

func (s *Store) ArchiveVariant(ctx context.Context, id string, at time.Time) (*domain.Variant, error) {
	v, err := scanVariant(s.db.QueryRowContext(ctx, `
		UPDATE variants
		SET archived = true, updated_at = $2
		WHERE id = $1
		RETURNING `+variantColumns, id, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("variant", id)
		}
		return nil, err
	}
	return v, nil
}

func (s *Store) ListLowStockVariants(ctx context.Context, limit int) ([]domain.Variant, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+variantColumns+`
		FROM variants
		WHERE archived = false AND stock <= reorder_threshold
		ORDER BY stock ASC, sku ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	variants := make([]domain.Variant, 0, 16)
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		variants = append(variants, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return variants, nil
}

func (s *Store) ListMovements(ctx context.Context, variantID string, filter domain.MovementFilter) (domain.MovementPage, error) {
	limit := normalizeLimit(filter.Limit)

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM variants WHERE id = $1)`, variantID).Scan(&exists); err != nil {
		return domain.MovementPage{}, err
	}
	if !exists {
		return domain.MovementPage{}, store.NotFound("variant", variantID)
	}

	where := []string{"variant_id = $1"}
	args := []any{variantID}
	if filter.Cursor != "" {
		before, err := strconv.ParseInt(filter.Cursor, 10, 64)
		if err != nil || before < 1 {
			return domain.MovementPage{}, store.Invalid("cursor", "is malformed")
		}
		args = append(args, before)
		where = append(where, fmt.Sprintf("seq < $%d", len(args)))
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, 0, len(filter.Kinds))
		for _, kind := range filter.Kinds {
			kinds = append(kinds, string(kind))
		}
		args = append(args, kinds)
		where = append(where, fmt.Sprintf("kind = ANY($%d)", len(args)))
	}
	if filter.From != nil {
		args = append(args, filter.From.UTC())
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, filter.To.UTC())
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY seq DESC
		LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return domain.MovementPage{}, err
	}
	defer rows.Close()

	page := domain.MovementPage{Movements: make([]domain.StockMovement, 0, limit)}
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return domain.MovementPage{}, err
		}
		page.Movements = append(page.Movements, m)
	}
	if err := rows.Err(); err != nil {
		return domain.MovementPage{}, err
	}
	if len(page.Movements) > limit {
		page.Movements = page.Movements[:limit]
		page.NextCursor = strconv.FormatInt(page.Movements[limit-1].Seq, 10)
	}
	return page, nil
}

// LoadLedger reads the cached stock and the full history from one
// REPEATABLE READ snapshot so the two always agree on what was committed.
func (s *Store) LoadLedger(ctx context.Context, variantID string) (domain.LedgerSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return domain.LedgerSnapshot{}, err
	}
	defer func() { _ = tx.Rollback() }()

	snapshot := domain.LedgerSnapshot{VariantID: variantID}
	if err := tx.QueryRowContext(ctx, `SELECT stock FROM variants WHERE id = $1`, variantID).Scan(&snapshot.CachedStock); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LedgerSnapshot{}, store.NotFound("variant", variantID)
		}
		return domain.LedgerSnapshot{}, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE variant_id = $1
		ORDER BY seq ASC
	`, variantID)
	if err != nil {
		return domain.LedgerSnapshot{}, err
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return domain.LedgerSnapshot{}, err
		}
		snapshot.Movements = append(snapshot.Movements, m)
	}
	if err := rows.Err(); err != nil {
		return domain.LedgerSnapshot{}, err
	}
	return snapshot, tx.Commit()
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.SaleTransaction, error) {
	return findSale(ctx, s.db, "id", id, false)
}

func (s *Store) FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.SaleTransaction, error) {
	if key == "" {
		return nil, store.NotFound("sale", key)
	}
	return findSale(ctx, s.db, "idempotency_key", key, false)
}

func findSale(ctx context.Context, q queryer, column string, value string, forUpdate bool) (*domain.SaleTransaction, error) {
	query := `SELECT ` + saleColumns + ` FROM sale_transactions WHERE ` + column + ` = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var sale domain.SaleTransaction
	var customerID, idempotencyKey sql.NullString
	err := q.QueryRowContext(ctx, query, value).Scan(
		&sale.ID, &customerID, &sale.UserID, &sale.PaymentMethod, &sale.Status,
		&sale.Subtotal, &sale.TaxRate, &sale.Tax, &sale.Total, &idempotencyKey,
		&sale.CreatedAt, &sale.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("sale", value)
		}
		return nil, err
	}
	sale.CustomerID = customerID.String
	sale.IdempotencyKey = idempotencyKey.String
	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.UpdatedAt = sale.UpdatedAt.UTC()

	items, err := loadSaleItems(ctx, q, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return &sale, nil
}

func loadSaleItems(ctx context.Context, q queryer, saleIDs []string) (map[string][]domain.SaleItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+saleItemColumns+`
		FROM sale_items
		WHERE transaction_id = ANY($1)
		ORDER BY transaction_id, position ASC
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make(map[string][]domain.SaleItem, len(saleIDs))
	for rows.Next() {
		var item domain.SaleItem
		var discountType, discountReason, discountAppliedBy sql.NullString
		var discountValue decimal.NullDecimal
		var refundedAt sql.NullTime
		if err := rows.Scan(
			&item.ID, &item.TransactionID, &item.Position, &item.VariantID, &item.SKU, &item.Quantity, &item.UnitPrice,
			&discountType, &discountValue, &discountReason, &discountAppliedBy,
			&item.FinalPrice, &item.LineTotal, &item.RefundedQuantity, &refundedAt,
		); err != nil {
			return nil, err
		}
		if discountType.Valid {
			item.Discount = &domain.Discount{
				Type:      discountType.String,
				Value:     discountValue.Decimal,
				Reason:    discountReason.String,
				AppliedBy: discountAppliedBy.String,
			}
		}
		if refundedAt.Valid {
			at := refundedAt.Time.UTC()
			item.RefundedAt = &at
		}
		items[item.TransactionID] = append(items[item.TransactionID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, total_spent, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, customer.ID, customer.Name, nullIfEmpty(customer.Phone), customer.TotalSpent, customer.CreatedAt, customer.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Invalid("id", "already exists")
		}
		return nil, err
	}
	return &customer, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return getCustomer(ctx, s.db, id, false)
}

func getCustomer(ctx context.Context, q queryer, id string, forUpdate bool) (*domain.Customer, error) {
	query := `SELECT id, name, phone, total_spent, created_at, updated_at FROM customers WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var c domain.Customer
	var phone sql.NullString
	err := q.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Name, &phone, &c.TotalSpent, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("customer", id)
		}
		return nil, err
	}
	c.Phone = phone.String
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// RecomputeCustomerTotal rebuilds total spent from the customer's sales net
// of refunds, holding the customer row so concurrent recomputes serialize.
func (s *Store) RecomputeCustomerTotal(ctx context.Context, customerID string) (*domain.Customer, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	customer, err := getCustomer(ctx, tx, customerID, true)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, status, total
		FROM sale_transactions
		WHERE customer_id = $1
	`, customerID)
	if err != nil {
		return nil, err
	}
	sales := make([]domain.SaleTransaction, 0, 16)
	ids := make([]string, 0, 16)
	for rows.Next() {
		var sale domain.SaleTransaction
		if err := rows.Scan(&sale.ID, &sale.Status, &sale.Total); err != nil {
			_ = rows.Close()
			return nil, err
		}
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(ids) > 0 {
		items, err := loadSaleItems(ctx, tx, ids)
		if err != nil {
			return nil, err
		}
		for i := range sales {
			sales[i].Items = items[sales[i].ID]
		}
	}

	customer.TotalSpent = pricing.NetSpend(sales)
	customer.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE customers
		SET total_spent = $2, updated_at = $3
		WHERE id = $1
	`, customer.ID, customer.TotalSpent, customer.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return customer, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
			AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Invalid("username", "already exists")
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.Invalid("user", "username and password are required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.NotFound("user", username)
	}
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
