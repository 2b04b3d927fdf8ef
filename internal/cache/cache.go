package cache

import (
	"context"
	"time"
)

// StockCache keeps a short-lived copy of a variant's current stock. It is a
// read accelerator only: the store stays authoritative and writers invalidate
// after commit.
type StockCache interface {
	Get(ctx context.Context, variantID string) (int, bool, error)
	Set(ctx context.Context, variantID string, stock int, ttl time.Duration) error
	Invalidate(ctx context.Context, variantIDs ...string) error
}

type NoopStockCache struct{}

func (NoopStockCache) Get(_ context.Context, _ string) (int, bool, error) {
	return 0, false, nil
}

func (NoopStockCache) Set(_ context.Context, _ string, _ int, _ time.Duration) error {
	return nil
}

func (NoopStockCache) Invalidate(_ context.Context, _ ...string) error {
	return nil
}

func StockKey(variantID string) string {
	return "pos:stock:" + variantID
}
