package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskdroid/api/schemas"
)

// DBPool abstracts the pgxpool.Pool so the store can be mocked in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const knowledgeSchema = `
	CREATE TABLE IF NOT EXISTS app_knowledge (
		app_id       TEXT NOT NULL,
		screen       TEXT NOT NULL,
		element_uid  TEXT NOT NULL,
		observations JSONB NOT NULL DEFAULT '[]',
		visits       INTEGER NOT NULL DEFAULT 0,
		first_seen   TIMESTAMPTZ NOT NULL,
		last_seen    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (app_id, screen, element_uid)
	);
`

// PostgresStore is the shared knowledge backend. Merges are read-then-upsert
// so observation dedup happens in Go, serialized by a single writer lock.
type PostgresStore struct {
	pool   DBPool
	refine bool
	logger *zap.Logger

	mu sync.Mutex
}

var _ schemas.KnowledgeStore = (*PostgresStore)(nil)

// NewPostgresStore verifies the connection and ensures the schema exists.
func NewPostgresStore(ctx context.Context, pool DBPool, refine bool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, knowledgeSchema); err != nil {
		return nil, fmt.Errorf("failed to ensure knowledge schema: %w", err)
	}
	return &PostgresStore{
		pool:   pool,
		refine: refine,
		logger: logger.Named("knowledge.postgres"),
	}, nil
}

// Lookup returns all entries recorded for one screen of one app.
func (s *PostgresStore) Lookup(ctx context.Context, appID string, screen schemas.ScreenSignature) ([]schemas.KnowledgeEntry, error) {
	query := `
		SELECT element_uid, observations, visits, first_seen, last_seen
		FROM app_knowledge
		WHERE app_id = $1 AND screen = $2
		ORDER BY element_uid ASC;
	`
	rows, err := s.pool.Query(ctx, query, appID, string(screen))
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge: %w", err)
	}
	defer rows.Close()

	var entries []schemas.KnowledgeEntry
	for rows.Next() {
		e := schemas.KnowledgeEntry{AppID: appID, Screen: screen}
		var obsRaw []byte
		if err := rows.Scan(&e.ElementUID, &obsRaw, &e.Visits, &e.FirstSeen, &e.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge row: %w", err)
		}
		if len(obsRaw) > 0 {
			if err := json.Unmarshal(obsRaw, &e.Observations); err != nil {
				return nil, fmt.Errorf("corrupt observations for %s: %w", e.ElementUID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}

// Merge folds one observation into the table. The visit counter always
// increments; observation text is deduplicated in Go before the upsert, and
// with refinement disabled existing documentation is kept as-is.
func (s *PostgresStore) Merge(ctx context.Context, entry schemas.KnowledgeEntry) error {
	if entry.AppID == "" || entry.ElementUID == "" {
		return fmt.Errorf("knowledge entry missing app or element identity")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := entry.LastSeen
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	selectSQL := `
		SELECT observations, visits, first_seen
		FROM app_knowledge
		WHERE app_id = $1 AND screen = $2 AND element_uid = $3;
	`
	var (
		obsRaw    []byte
		visits    int
		firstSeen time.Time
	)
	err := s.pool.QueryRow(ctx, selectSQL, entry.AppID, string(entry.Screen), entry.ElementUID).
		Scan(&obsRaw, &visits, &firstSeen)

	var observations []string
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		observations = mergeObservations(nil, entry.Observations)
		visits = 1
		firstSeen = now
	case err != nil:
		return fmt.Errorf("failed to read existing knowledge: %w", err)
	default:
		if len(obsRaw) > 0 {
			if err := json.Unmarshal(obsRaw, &observations); err != nil {
				return fmt.Errorf("corrupt observations for %s: %w", entry.ElementUID, err)
			}
		}
		if s.refine {
			observations = mergeObservations(observations, entry.Observations)
		}
		visits++
	}

	merged, err := json.Marshal(observations)
	if err != nil {
		return fmt.Errorf("failed to marshal observations: %w", err)
	}

	upsertSQL := `
		INSERT INTO app_knowledge (app_id, screen, element_uid, observations, visits, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (app_id, screen, element_uid) DO UPDATE SET
			observations = EXCLUDED.observations,
			visits = EXCLUDED.visits,
			last_seen = EXCLUDED.last_seen;
	`
	if _, err := s.pool.Exec(ctx, upsertSQL,
		entry.AppID, string(entry.Screen), entry.ElementUID,
		merged, visits, firstSeen.UTC(), now); err != nil {
		return fmt.Errorf("failed to upsert knowledge: %w", err)
	}

	s.logger.Debug("Knowledge merged",
		zap.String("app", entry.AppID),
		zap.String("element", entry.ElementUID),
		zap.Int("visits", visits))
	return nil
}

// Flush is a no-op: every Merge writes through immediately.
func (s *PostgresStore) Flush(ctx context.Context) error {
	return nil
}
