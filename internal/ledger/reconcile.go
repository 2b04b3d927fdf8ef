package ledger

import (
	"context"
	"fmt"

	"github.com/medhatjachour/electron-app-sub007/internal/domain"
	"github.com/medhatjachour/electron-app-sub007/internal/store"
)

type Reconciler struct {
	repo store.Repository
}

func NewReconciler(repo store.Repository) *Reconciler {
	return &Reconciler{repo: repo}
}

// Reconcile replays a variant's movements from zero with the same clamp rule
// the mutator uses and compares the result with the cached stock.
func (r *Reconciler) Reconcile(ctx context.Context, variantID string) (domain.ReconcileReport, error) {
	if variantID == "" {
		return domain.ReconcileReport{}, store.Invalid("variant_id", "is required")
	}
	snapshot, err := r.repo.LoadLedger(ctx, variantID)
	if err != nil {
		return domain.ReconcileReport{}, err
	}

	replay := Replay(snapshot.Movements)
	return domain.ReconcileReport{
		VariantID:           variantID,
		OK:                  replay.Stock == snapshot.CachedStock,
		CachedStock:         snapshot.CachedStock,
		LedgerDerivedStock:  replay.Stock,
		Movements:           len(snapshot.Movements),
		ClampedMovements:    replay.Clamped,
		UnrecordedShortfall: replay.Shortfall,
		ChainBreaks:         replay.ChainBreaks,
	}, nil
}

type ReplayResult struct {
	Stock       int
	Clamped     int
	Shortfall   int
	ChainBreaks []string
}

// Replay folds movements given in creation order. A chain break is a movement
// whose snapshots disagree with the running replay.
func Replay(movements []domain.StockMovement) ReplayResult {
	var result ReplayResult
	for _, m := range movements {
		next, shortfall := clamp(result.Stock, m.Delta)
		if m.PreviousStock != result.Stock || m.NewStock != next {
			result.ChainBreaks = append(result.ChainBreaks, fmt.Sprintf(
				"%s: recorded %d->%d, replay %d->%d", m.ID, m.PreviousStock, m.NewStock, result.Stock, next))
		}
		if shortfall > 0 {
			result.Clamped++
			result.Shortfall += shortfall
		}
		result.Stock = next
	}
	return result
}
