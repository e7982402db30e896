package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/syncd/pkg/eventbus"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Config configures a Store.
type Config struct {
	Path   string
	Bus    *eventbus.Bus // optional; mutations emit nothing without it
	Logger zerolog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is the SQLite-backed data service.
type Store struct {
	db     *sql.DB
	bus    *eventbus.Bus
	logger zerolog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at cfg.Path and applies the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}

	dsn := cfg.Path + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		bus:    cfg.Bus,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.Path).Msg("Store opened")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			avatar_url TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			owner_id TEXT NOT NULL REFERENCES users(id),
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS project_members (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL REFERENCES users(id),
			role TEXT NOT NULL CHECK (role IN ('owner', 'admin', 'write', 'read')),
			added_at INTEGER NOT NULL,
			PRIMARY KEY (project_id, user_id)
		);
		CREATE INDEX IF NOT EXISTS idx_members_user ON project_members(user_id);

		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL REFERENCES users(id),
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL,
			expires_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_agents_user ON agents(user_id);
		CREATE INDEX IF NOT EXISTS idx_agents_project ON agents(project_id);
		CREATE INDEX IF NOT EXISTS idx_agents_expiry ON agents(status, expires_at);

		CREATE TABLE IF NOT EXISTS agent_messages (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (agent_id, seq)
		);

		CREATE TABLE IF NOT EXISTS issues (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			number INTEGER NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			author_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_issues_project ON issues(project_id, updated_at);

		CREATE TABLE IF NOT EXISTS commits (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			branch TEXT NOT NULL,
			sha TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			author_id TEXT NOT NULL DEFAULT '',
			committed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_commits_project ON commits(project_id, branch, committed_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) emit(event string, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(event, payload)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// inClause returns "?, ?, ?" for n ids and the ids as query args.
func inClause(ids []string) (string, []interface{}) {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "), args
}

// sqlLimit maps a non-positive limit to SQLite's "no limit".
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
