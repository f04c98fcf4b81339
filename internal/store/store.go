package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// migration upgrades a database created by an older build. Fresh databases
// get the same objects from schema.sql, so every statement must be
// idempotent.
type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations in version order; PRAGMA user_version records the last applied.
var migrations = []migration{
	{
		version: 1,
		name:    "activity_log type index",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_activity_log_type ON activity_log(type, created_at)`,
		},
	},
}

// SchemaVersion is the user_version of a fully migrated database.
func SchemaVersion() int { return migrations[len(migrations)-1].version }

// pragmas are applied on every open. The connection pool holds one
// connection, so they stick for the life of the Store.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",   // readers do not block the writer
	"PRAGMA synchronous = NORMAL", // safe with WAL, fsync on checkpoint
	"PRAGMA busy_timeout = 5000",  // CLI and daemon may share the file
	"PRAGMA foreign_keys = ON",
}

// Store is the till's local SQLite database: the namespaced kv table every
// ledger and sealed record lives in, plus the activity log.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path, applies the pragmas and
// brings the schema up to SchemaVersion. Opening an up-to-date database
// changes nothing.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sql.Open is lazy; fail here on a bad path rather than on first use
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// one writer at a time is all SQLite allows anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the database. Safe to call more than once.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

// applyMigration runs m and bumps user_version in one transaction, so a
// crash never leaves a half-applied step recorded as done.
func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate to v%d: %w", m.version, err)
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate to v%d (%s): %w", m.version, m.name, err)
		}
	}
	// PRAGMA takes no bind parameters
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return fmt.Errorf("migrate to v%d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate to v%d: %w", m.version, err)
	}
	return nil
}

// Health is a point-in-time view of the database for status endpoints.
type Health struct {
	Path          string `json:"path"`
	SchemaVersion int    `json:"schemaVersion"`
	JournalMode   string `json:"journalMode"`
	Activity      int64  `json:"activity"`
}

// Health pings the database and reads its schema state.
func (s *Store) Health(ctx context.Context) (Health, error) {
	h := Health{Path: s.path}
	if err := s.db.PingContext(ctx); err != nil {
		return h, fmt.Errorf("ping database: %w", err)
	}

	version, err := s.pragma(ctx, "user_version")
	if err != nil {
		return h, err
	}
	if _, err := fmt.Sscan(version, &h.SchemaVersion); err != nil {
		return h, fmt.Errorf("parse user_version %q: %w", version, err)
	}
	if h.JournalMode, err = s.pragma(ctx, "journal_mode"); err != nil {
		return h, err
	}
	h.JournalMode = strings.ToLower(h.JournalMode)

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM activity_log").Scan(&h.Activity); err != nil {
		return h, fmt.Errorf("count activity: %w", err)
	}
	return h, nil
}

// pragma reads the current value of a pragma as text.
func (s *Store) pragma(ctx context.Context, name string) (string, error) {
	var value string
	if err := s.db.QueryRowContext(ctx, "PRAGMA "+name).Scan(&value); err != nil {
		return "", fmt.Errorf("read pragma %s: %w", name, err)
	}
	return value, nil
}
