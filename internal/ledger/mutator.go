// Package ledger owns every change to a variant's stock. Mutator is the only
// writer of stock movements and of the cached stock field; Reconciler and
// History only read.
package ledger

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/medhatjachour/electron-app-sub007/internal/domain"
	"github.com/medhatjachour/electron-app-sub007/internal/store"
)

type Mutator struct {
	repo store.Repository
	now  func() time.Time
}

func NewMutator(repo store.Repository) *Mutator {
	return &Mutator{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// ApplyDelta applies one stock change in its own unit of work.
func (m *Mutator) ApplyDelta(ctx context.Context, req domain.DeltaRequest) (*domain.StockMovement, error) {
	var applied *domain.StockMovement
	err := m.repo.WithinTx(ctx, func(tx store.Tx) error {
		movement, err := m.Apply(ctx, tx, req)
		if err != nil {
			return err
		}
		applied = movement
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// Apply applies one stock change inside the caller's unit of work. The
// variant stays locked until that unit ends.
func (m *Mutator) Apply(ctx context.Context, tx store.Tx, req domain.DeltaRequest) (*domain.StockMovement, error) {
	req.VariantID = strings.TrimSpace(req.VariantID)
	if err := validateDelta(req); err != nil {
		return nil, err
	}

	locked, err := tx.LockVariants(ctx, []string{req.VariantID})
	if err != nil {
		return nil, err
	}
	variant, ok := locked[req.VariantID]
	if !ok {
		return nil, store.NotFound("variant", req.VariantID)
	}

	previous := variant.Stock
	next, shortfall := clamp(previous, req.Delta)
	if next > store.MaxQuantity {
		return nil, store.Invalid("delta", fmt.Sprintf("stock of %s would exceed %d", variant.ID, store.MaxQuantity))
	}

	if sign := req.Kind.ExpectedSign(); sign != 0 && sign*req.Delta < 0 {
		log.Printf("[ledger] WARN: %s movement with delta %d on variant %s ref=%q", req.Kind, req.Delta, variant.ID, req.ReferenceID)
	}

	now := m.now()
	movement, err := tx.AppendMovement(ctx, domain.StockMovement{
		VariantID:     variant.ID,
		Kind:          req.Kind,
		Delta:         req.Delta,
		PreviousStock: previous,
		NewStock:      next,
		Shortfall:     shortfall,
		Reason:        strings.TrimSpace(req.Reason),
		ReferenceID:   strings.TrimSpace(req.ReferenceID),
		UserID:        defaultUser(req.UserID),
		CreatedAt:     now,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.SetVariantStock(ctx, variant.ID, next, now); err != nil {
		return nil, err
	}

	if shortfall > 0 {
		log.Printf("[ledger] AUDIT: unrecorded shortfall variant=%s sku=%s kind=%s previous=%d delta=%d shortfall=%d movement=%s",
			variant.ID, variant.SKU, req.Kind, previous, req.Delta, shortfall, movement.ID)
	}
	return movement, nil
}

// clamp floors previous+delta at zero and reports how much was cut off.
func clamp(previous int, delta int) (int, int) {
	raw := previous + delta
	if raw < 0 {
		return 0, -raw
	}
	return raw, 0
}

func validateDelta(req domain.DeltaRequest) error {
	if req.VariantID == "" {
		return store.Invalid("variant_id", "is required")
	}
	if !req.Kind.Valid() {
		return store.Invalid("kind", "must be one of RESTOCK, SALE, ADJUSTMENT, RETURN, SHRINKAGE")
	}
	if req.Delta == 0 {
		return store.Invalid("delta", "must not be zero")
	}
	if req.Delta > store.MaxQuantity || req.Delta < -store.MaxQuantity {
		return store.Invalid("delta", fmt.Sprintf("magnitude must not exceed %d", store.MaxQuantity))
	}
	return nil
}

func defaultUser(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "system"
	}
	return userID
}
