package store

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medhatjachour/electron-app-sub007/internal/domain"
)

// Tx is one atomic unit of work. Every write made through a Tx becomes
// visible together when the function passed to WithinTx returns nil, and is
// discarded otherwise.
//
// Locks taken by LockVariants and LockSale are held until the unit ends.
// Callers that lock both take the sale first, then all variants in one call.
type Tx interface {
	InsertVariant(ctx context.Context, variant domain.Variant) (*domain.Variant, error)
	LockVariants(ctx context.Context, ids []string) (map[string]domain.Variant, error)
	AppendMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockMovement, error)
	SetVariantStock(ctx context.Context, variantID string, stock int, at time.Time) error

	InsertSale(ctx context.Context, sale domain.SaleTransaction) error
	LockSale(ctx context.Context, id string) (*domain.SaleTransaction, error)
	UpdateSaleItemRefund(ctx context.Context, saleID string, itemID string, refundedQty int, at time.Time) error
	UpdateSaleStatus(ctx context.Context, saleID string, status string, at time.Time) error

	IncrementCustomerTotal(ctx context.Context, customerID string, amount decimal.Decimal) error
}

type Repository interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetVariant(ctx context.Context, id string) (*domain.Variant, error)
	FindVariantBySKU(ctx context.Context, sku string) (*domain.Variant, error)
	GetCurrentStock(ctx context.Context, variantID string) (int, error)
	ArchiveVariant(ctx context.Context, id string, at time.Time) (*domain.Variant, error)
	ListLowStockVariants(ctx context.Context, limit int) ([]domain.Variant, error)

	ListMovements(ctx context.Context, variantID string, filter domain.MovementFilter) (domain.MovementPage, error)
	LoadLedger(ctx context.Context, variantID string) (domain.LedgerSnapshot, error)

	FindSaleByID(ctx context.Context, id string) (*domain.SaleTransaction, error)
	FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.SaleTransaction, error)

	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	RecomputeCustomerTotal(ctx context.Context, customerID string) (*domain.Customer, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

const (
	DefaultMovementPageSize = 50
	MaxMovementPageSize     = 200
)

// MaxQuantity bounds every quantity, delta and stock level. It matches the
// INTEGER columns of the postgres schema.
const MaxQuantity = math.MaxInt32
