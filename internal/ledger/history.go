package ledger

import (
	"context"
	"strings"

	"github.com/medhatjachour/electron-app-sub007/internal/domain"
	"github.com/medhatjachour/electron-app-sub007/internal/store"
)

type History struct {
	repo store.Repository
}

func NewHistory(repo store.Repository) *History {
	return &History{repo: repo}
}

// GetMovementHistory returns one page of a variant's movements, newest first.
func (h *History) GetMovementHistory(ctx context.Context, variantID string, filter domain.MovementFilter) (domain.MovementPage, error) {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return domain.MovementPage{}, store.Invalid("variant_id", "is required")
	}
	for _, kind := range filter.Kinds {
		if !kind.Valid() {
			return domain.MovementPage{}, store.Invalid("kind", "unknown movement kind "+string(kind))
		}
	}
	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		return domain.MovementPage{}, store.Invalid("to", "must be after from")
	}
	if filter.Limit < 1 {
		filter.Limit = store.DefaultMovementPageSize
	}
	if filter.Limit > store.MaxMovementPageSize {
		filter.Limit = store.MaxMovementPageSize
	}

	page, err := h.repo.ListMovements(ctx, variantID, filter)
	if err != nil {
		return domain.MovementPage{}, err
	}
	if page.Movements == nil {
		page.Movements = []domain.StockMovement{}
	}
	return page, nil
}
