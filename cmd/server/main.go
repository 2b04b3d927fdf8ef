package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/medhatjachour/electron-app-sub007/internal/cache"
	"github.com/medhatjachour/electron-app-sub007/internal/config"
	"github.com/medhatjachour/electron-app-sub007/internal/httpapi"
	"github.com/medhatjachour/electron-app-sub007/internal/ledger"
	"github.com/medhatjachour/electron-app-sub007/internal/pricing"
	"github.com/medhatjachour/electron-app-sub007/internal/sales"
	"github.com/medhatjachour/electron-app-sub007/internal/service"
	"github.com/medhatjachour/electron-app-sub007/internal/store"
	"github.com/medhatjachour/electron-app-sub007/internal/store/memory"
	pgstore "github.com/medhatjachour/electron-app-sub007/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		log.Fatalf("repository: %v", err)
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	stockCache, closeCache := openStockCache(ctx, cfg)
	if closeCache != nil {
		closers = append(closers, closeCache)
	}

	taxRate := pricing.RateFromPercent(cfg.TaxRatePercent)
	mutator := ledger.NewMutator(repo)
	engine := sales.NewEngine(repo, mutator, taxRate)
	svc := service.New(repo, mutator, engine, stockCache, time.Duration(cfg.StockCacheTTLSeconds)*time.Second)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("POS ledger listening on %s (tax rate %s)", cfg.Address(), taxRate.String())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

// openRepository refuses to fall back to memory when DATABASE_URL is set, so
// a misconfigured deployment cannot silently lose its ledger.
func openRepository(ctx context.Context, cfg config.Config) (store.Repository, func() error, error) {
	if cfg.DatabaseURL == "" {
		log.Println("repository: in-memory")
		return memory.NewSeeded(), nil, nil
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
	}
	if cfg.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	log.Println("repository: postgres")
	return pg, pg.Close, nil
}

func openStockCache(ctx context.Context, cfg config.Config) (cache.StockCache, func() error) {
	if cfg.RedisAddr == "" {
		log.Println("stock cache: noop")
		return cache.NoopStockCache{}, nil
	}

	redisCache := cache.NewRedisStockCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := redisCache.Ping(ctx); err != nil {
		log.Printf("redis unavailable (%v), using noop stock cache", err)
		_ = redisCache.Close()
		return cache.NoopStockCache{}, nil
	}
	log.Println("stock cache: redis")
	return redisCache, redisCache.Close
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects common, repeated-digit and sequential PINs.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
