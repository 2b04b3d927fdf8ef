package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type MovementKind string

const (
	MovementRestock    MovementKind = "RESTOCK"
	MovementSale       MovementKind = "SALE"
	MovementAdjustment MovementKind = "ADJUSTMENT"
	MovementReturn     MovementKind = "RETURN"
	MovementShrinkage  MovementKind = "SHRINKAGE"
)

func (k MovementKind) Valid() bool {
	switch k {
	case MovementRestock, MovementSale, MovementAdjustment, MovementReturn, MovementShrinkage:
		return true
	default:
		return false
	}
}

// ExpectedSign reports the delta sign a caller is expected to use for the kind:
// 1 for additions, -1 for removals, 0 when either is fine.
func (k MovementKind) ExpectedSign() int {
	switch k {
	case MovementRestock, MovementReturn:
		return 1
	case MovementSale, MovementShrinkage:
		return -1
	default:
		return 0
	}
}

const (
	SaleStatusCompleted         = "completed"
	SaleStatusPartiallyRefunded = "partially_refunded"
	SaleStatusRefunded          = "refunded"
)

const (
	DiscountPercentage = "percentage"
	DiscountFixed      = "fixed"
)

type Variant struct {
	ID               string          `json:"id"`
	SKU              string          `json:"sku"`
	Name             string          `json:"name"`
	Price            decimal.Decimal `json:"price"`
	Stock            int             `json:"stock"`
	ReorderThreshold int             `json:"reorder_threshold"`
	Archived         bool            `json:"archived"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type VariantCreateRequest struct {
	SKU              string          `json:"sku"`
	Name             string          `json:"name"`
	Price            decimal.Decimal `json:"price"`
	InitialStock     int             `json:"initial_stock"`
	ReorderThreshold int             `json:"reorder_threshold"`
}

// StockMovement is an immutable ledger entry. Shortfall is non-zero only when
// the delta would have taken stock below zero and NewStock was clamped.
type StockMovement struct {
	ID            string       `json:"id"`
	Seq           int64        `json:"seq"`
	VariantID     string       `json:"variant_id"`
	Kind          MovementKind `json:"kind"`
	Delta         int          `json:"delta"`
	PreviousStock int          `json:"previous_stock"`
	NewStock      int          `json:"new_stock"`
	Shortfall     int          `json:"shortfall"`
	Reason        string       `json:"reason,omitempty"`
	ReferenceID   string       `json:"reference_id,omitempty"`
	UserID        string       `json:"user_id"`
	CreatedAt     time.Time    `json:"created_at"`
}

func (m StockMovement) Clamped() bool {
	return m.Shortfall > 0
}

type DeltaRequest struct {
	VariantID   string       `json:"variant_id"`
	Kind        MovementKind `json:"kind"`
	Delta       int          `json:"delta"`
	Reason      string       `json:"reason"`
	ReferenceID string       `json:"reference_id"`
	UserID      string       `json:"user_id"`
}

type MovementFilter struct {
	Kinds  []MovementKind
	From   *time.Time
	To     *time.Time
	Cursor string
	Limit  int
}

type MovementPage struct {
	Movements  []StockMovement `json:"movements"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// LedgerSnapshot is the cached stock of a variant together with its full
// movement history in creation order, read at a single point in time.
type LedgerSnapshot struct {
	VariantID   string
	CachedStock int
	Movements   []StockMovement
}

type ReconcileReport struct {
	VariantID           string   `json:"variant_id"`
	OK                  bool     `json:"ok"`
	CachedStock         int      `json:"cached_stock"`
	LedgerDerivedStock  int      `json:"ledger_derived_stock"`
	Movements           int      `json:"movements"`
	ClampedMovements    int      `json:"clamped_movements"`
	UnrecordedShortfall int      `json:"unrecorded_shortfall"`
	ChainBreaks         []string `json:"chain_breaks,omitempty"`
}

type Discount struct {
	Type      string          `json:"type"`
	Value     decimal.Decimal `json:"value"`
	Reason    string          `json:"reason,omitempty"`
	AppliedBy string          `json:"applied_by,omitempty"`
}

type SaleItem struct {
	ID               string          `json:"id"`
	TransactionID    string          `json:"transaction_id"`
	Position         int             `json:"position"`
	VariantID        string          `json:"variant_id"`
	SKU              string          `json:"sku"`
	Quantity         int             `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	Discount         *Discount       `json:"discount,omitempty"`
	FinalPrice       decimal.Decimal `json:"final_price"`
	LineTotal        decimal.Decimal `json:"line_total"`
	RefundedQuantity int             `json:"refunded_quantity"`
	RefundedAt       *time.Time      `json:"refunded_at,omitempty"`
}

func (i SaleItem) RemainingQuantity() int {
	return i.Quantity - i.RefundedQuantity
}

type SaleTransaction struct {
	ID             string          `json:"id"`
	CustomerID     string          `json:"customer_id,omitempty"`
	UserID         string          `json:"user_id"`
	PaymentMethod  string          `json:"payment_method"`
	Status         string          `json:"status"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	Tax            decimal.Decimal `json:"tax"`
	Total          decimal.Decimal `json:"total"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Items          []SaleItem      `json:"items"`
}

type SaleLine struct {
	VariantID string    `json:"variant_id"`
	Quantity  int       `json:"quantity"`
	Discount  *Discount `json:"discount,omitempty"`
}

type SaleRequest struct {
	Items          []SaleLine `json:"items"`
	PaymentMethod  string     `json:"payment_method"`
	CustomerID     string     `json:"customer_id,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

type RefundLine struct {
	SaleItemID string `json:"sale_item_id"`
	Quantity   int    `json:"quantity"`
}

type RefundRequest struct {
	Lines      []RefundLine `json:"lines"`
	ManagerPIN string       `json:"manager_pin,omitempty"`
	UserID     string       `json:"user_id,omitempty"`
}

type Customer struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Phone      string          `json:"phone,omitempty"`
	TotalSpent decimal.Decimal `json:"total_spent"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type RestockImportRow struct {
	Row      int    `json:"row"`
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
	Reason   string `json:"reason,omitempty"`
}

type RestockImportResult struct {
	Row        int    `json:"row"`
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
	MovementID string `json:"movement_id,omitempty"`
	NewStock   int    `json:"new_stock"`
	Error      string `json:"error,omitempty"`
}

type RestockImportResponse struct {
	FileName string                `json:"file_name,omitempty"`
	Applied  int                   `json:"applied"`
	Failed   int                   `json:"failed"`
	Results  []RestockImportResult `json:"results"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
