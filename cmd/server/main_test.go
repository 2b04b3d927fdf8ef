package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medhatjachour/electron-app-sub007/internal/cache"
	"github.com/medhatjachour/electron-app-sub007/internal/config"
	"github.com/medhatjachour/electron-app-sub007/internal/store/memory"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestValidateSecurityConfig(t *testing.T) {
	cases := []struct {
		name   string
		secret string
		pin    string
		ok     bool
	}{
		{"short secret", "short", "739154", false},
		{"missing pin", strongSecret, "", false},
		{"common pin", strongSecret, "123456", false},
		{"repeated digits", strongSecret, "444444", false},
		{"descending", strongSecret, "987654", false},
		{"strong", strongSecret, "739154", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateSecurityConfig(config.Config{AuthSecret: tc.secret, ManagerPIN: tc.pin})
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestOpenRepositoryFallsBackToSeededMemory(t *testing.T) {
	repo, closeFn, err := openRepository(context.Background(), config.Config{})
	require.NoError(t, err)
	assert.Nil(t, closeFn)
	require.IsType(t, &memory.Store{}, repo)

	v, err := repo.FindVariantBySKU(context.Background(), "TSHIRT-BLK-M")
	require.NoError(t, err)
	assert.Equal(t, 40, v.Stock)
}

func TestOpenStockCacheWithoutRedisIsNoop(t *testing.T) {
	stockCache, closeFn := openStockCache(context.Background(), config.Config{})
	assert.Nil(t, closeFn)
	assert.IsType(t, cache.NoopStockCache{}, stockCache)
}
