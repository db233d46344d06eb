package knowledge

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskdroid/api/schemas"
	"github.com/xkilldash9x/taskdroid/internal/config"
)

// New builds the configured knowledge backend. The returned closer releases
// backend resources; for the file store it is a final flush.
func New(ctx context.Context, cfg config.KnowledgeConfig, refine bool, logger *zap.Logger) (schemas.KnowledgeStore, func(), error) {
	switch cfg.Backend {
	case "file":
		store, err := NewFileStore(cfg.DataDir, refine, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil

	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("postgres backend selected but no DSN configured (hint: check TASKDROID_KNOWLEDGE_POSTGRES_DSN)")
		}
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create database connection pool: %w", err)
		}
		store, err := NewPostgresStore(ctx, pool, refine, logger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown knowledge backend %q", cfg.Backend)
	}
}
