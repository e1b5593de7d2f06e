package store

import (
	"context"
	"fmt"

	"github.com/ashureev/pagesmith/internal/config"
)

// Open returns the repository selected by cfg.StoreBackend and verifies it
// is reachable.
func Open(ctx context.Context, cfg *config.Config) (Repository, error) {
	var (
		repo Repository
		err  error
	)
	switch cfg.StoreBackend {
	case config.StoreMemory:
		repo = NewMemory()
	case config.StoreSQLite:
		repo, err = NewSQLite(cfg.DBPath)
	case config.StoreRedis:
		repo, err = DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.SessionTTL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if err != nil {
		return nil, err
	}
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("%s store health check: %w", cfg.StoreBackend, err)
	}
	return repo, nil
}
