// Package sqlite is the single-node audit store, for deployments without PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"codechronos-sandbox/internal/storage"

	_ "modernc.org/sqlite"
)

// Store implements storage.Store backed by a SQLite database.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time; an in-memory database also only exists per connection.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("opened SQLite audit store")
	return &Store{db: db}, nil
}

func (s *Store) LogSecurityEvent(ctx context.Context, ev *storage.SecurityEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_events (id, execution_id, type, severity, detail,
			code_hash, request_id, request_ip, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ExecutionID, ev.Type, ev.Severity, ev.Detail,
		ev.CodeHash, ev.RequestID, ev.RequestIP,
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

func (s *Store) ListSecurityEvents(ctx context.Context, filter storage.EventFilter) ([]storage.SecurityEvent, error) {
	since := ""
	if filter.Since != nil {
		since = filter.Since.UTC().Format(time.RFC3339Nano)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, type, severity, detail, code_hash,
			request_id, request_ip, created_at
		FROM security_events
		WHERE (? = '' OR type = ?)
		  AND (? = '' OR execution_id = ?)
		  AND (? = '' OR created_at >= ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`,
		filter.Type, filter.Type,
		filter.ExecutionID, filter.ExecutionID,
		since, since,
		storage.NormalizeLimit(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	defer rows.Close()

	var results []storage.SecurityEvent
	for rows.Next() {
		var ev storage.SecurityEvent
		var created string
		if err := rows.Scan(
			&ev.ID, &ev.ExecutionID, &ev.Type, &ev.Severity, &ev.Detail,
			&ev.CodeHash, &ev.RequestID, &ev.RequestIP, &created,
		); err != nil {
			return nil, fmt.Errorf("scanning security event row: %w", err)
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		results = append(results, ev)
	}
	return results, rows.Err()
}

func (s *Store) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
