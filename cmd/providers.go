package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stateflow/api/schemas"
	"github.com/xkilldash9x/stateflow/internal/browser"
	"github.com/xkilldash9x/stateflow/internal/config"
	"github.com/xkilldash9x/stateflow/internal/observability"
	"github.com/xkilldash9x/stateflow/internal/snapshot"
	"github.com/xkilldash9x/stateflow/internal/store"
)

const browserShutdownTimeout = 15 * time.Second

// snapshotStore is the part of store.Store the commands use.
type snapshotStore interface {
	PersistSnapshot(ctx context.Context, snap *snapshot.Snapshot) error
	LoadSnapshot(ctx context.Context, sessionID string) (*snapshot.Snapshot, error)
}

// storeProvider opens the snapshot store. The returned cleanup function
// releases the connection pool and is never nil on success.
type storeProvider interface {
	Create(ctx context.Context, cfg config.Interface) (snapshotStore, func(), error)
}

// browserProvider starts the browser the crawl workers draw tabs from.
type browserProvider interface {
	Create(ctx context.Context, cfg config.Interface) (schemas.BrowserFactory, func(), error)
}

type defaultStoreProvider struct{}

// NewStoreProvider returns the provider that connects to PostgreSQL.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

// Create connects to the configured database and makes sure the crawl tables exist.
func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (snapshotStore, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database().URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (STATEFLOW_DATABASE_URL)")
	}

	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return st, cleanup, nil
}

type defaultBrowserProvider struct{}

// NewBrowserProvider returns the provider that launches Chrome.
func NewBrowserProvider() browserProvider {
	return &defaultBrowserProvider{}
}

func (p *defaultBrowserProvider) Create(ctx context.Context, cfg config.Interface) (schemas.BrowserFactory, func(), error) {
	logger := observability.GetLogger()
	manager, err := browser.NewManager(ctx, cfg.Browser(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize browser manager: %w", err)
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), browserShutdownTimeout)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser manager shutdown", zap.Error(err))
		}
	}
	return manager, cleanup, nil
}
