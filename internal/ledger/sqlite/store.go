// Package sqlite journals usage events to a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/davidbz/meterproxy/internal/domain"
)

// Store implements domain.UsageStore backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a store at path.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps SQLITE_BUSY away under concurrent appends.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS usage_events (
	request_id TEXT PRIMARY KEY,
	user_name TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	endpoint TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	cost_usd REAL NOT NULL DEFAULT 0,
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_events_user_model ON usage_events(user_name, model);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Append inserts the event. A repeated request ID is ignored.
func (s *Store) Append(ctx context.Context, event domain.UsageEvent) error {
	if event.RequestID == "" {
		return errors.New("usage event requires a request id")
	}
	if event.User == "" {
		return errors.New("usage event requires a user")
	}

	recorded := event.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO usage_events(request_id, user_name, model, endpoint, prompt_tokens, completion_tokens, cost_usd, recorded_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RequestID,
		event.User,
		event.Model,
		event.Endpoint,
		event.Usage.PromptTokens,
		event.Usage.CompletionTokens,
		event.Usage.Cost,
		recorded.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

// Totals aggregates journaled events per user and model.
func (s *Store) Totals(ctx context.Context) ([]domain.UsageTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT user_name, model,
	COALESCE(SUM(prompt_tokens), 0),
	COALESCE(SUM(completion_tokens), 0),
	COUNT(*)
FROM usage_events
GROUP BY user_name, model
ORDER BY user_name, model`)
	if err != nil {
		return nil, fmt.Errorf("query usage totals: %w", err)
	}
	defer rows.Close()

	var out []domain.UsageTotal
	for rows.Next() {
		var t domain.UsageTotal
		if err := rows.Scan(&t.User, &t.Model, &t.PromptTokens, &t.CompletionTokens, &t.Requests); err != nil {
			return nil, fmt.Errorf("scan usage totals: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}
