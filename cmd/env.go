package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/loomworks/loomboard/internal/ledger"
	"github.com/loomworks/loomboard/internal/resilience"
	"github.com/loomworks/loomboard/internal/store"
	"github.com/loomworks/loomboard/internal/tier"
)

func retryConfig() resilience.RetryConfig {
	return resilience.FromConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs)
}

func initStore(ctx context.Context) (store.Store, error) {
	opTimeout := time.Duration(cfg.Store.TimeoutSecs) * time.Second

	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "board.db"
		}
		return store.NewSQLite(path, retryConfig(), opTimeout)
	case "postgres":
		pool := &store.PoolConfig{MaxConns: int32(cfg.Store.MaxConnections)}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, pool, retryConfig(), opTimeout)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initPolicy() (*tier.Policy, error) {
	if cfg.Board.TiersFile != "" {
		return tier.Load(cfg.Board.TiersFile)
	}
	return tier.Default(), nil
}

// initEngine opens the store, runs migrations and builds the ledger
// engine. The caller owns the returned store and must close it.
func initEngine(ctx context.Context) (*ledger.Engine, store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, nil, err
	}

	policy, err := initPolicy()
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, nil, err
	}

	return ledger.NewEngine(st, policy, cfg.Board.MaxMessageLen), st, nil
}
