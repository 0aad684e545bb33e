package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"codechronos-sandbox/internal/config"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS security_events (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL DEFAULT '',
	type         TEXT NOT NULL,
	severity     TEXT NOT NULL DEFAULT '',
	detail       TEXT NOT NULL DEFAULT '',
	code_hash    TEXT NOT NULL DEFAULT '',
	request_id   TEXT NOT NULL DEFAULT '',
	request_ip   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_security_events_created ON security_events (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_security_events_type ON security_events (type);
`

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool and ensures the schema exists.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns) // #nosec G115 -- small config value
	}
	poolCfg.MinConns = 1
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogSecurityEvent inserts a security event record.
func (db *DB) LogSecurityEvent(ctx context.Context, event *SecurityEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO security_events (id, execution_id, type, severity, detail,
			code_hash, request_id, request_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := db.pool.Exec(ctx, query,
		event.ID, event.ExecutionID, event.Type, event.Severity,
		truncateForDB(event.Detail, 4096),
		event.CodeHash, event.RequestID, event.RequestIP, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

// ListSecurityEvents queries events, newest first.
func (db *DB) ListSecurityEvents(ctx context.Context, filter EventFilter) ([]SecurityEvent, error) {
	query := `
		SELECT id, execution_id, type, severity, detail, code_hash,
			request_id, request_ip, created_at
		FROM security_events
		WHERE ($1 = '' OR type = $1)
		  AND ($2 = '' OR execution_id = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := db.pool.Query(ctx, query,
		filter.Type, filter.ExecutionID, filter.Since,
		NormalizeLimit(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	defer rows.Close()

	var results []SecurityEvent
	for rows.Next() {
		var ev SecurityEvent
		if err := rows.Scan(
			&ev.ID, &ev.ExecutionID, &ev.Type, &ev.Severity, &ev.Detail,
			&ev.CodeHash, &ev.RequestID, &ev.RequestIP, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning security event row: %w", err)
		}
		results = append(results, ev)
	}

	return results, rows.Err()
}
