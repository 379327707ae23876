// Package store is the canonical inbox store: leads, conversations and
// messages in SQLite, with change rows published after every insert.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/soyeahso/salesdesk/internal/logging"
)

// DB is an open inbox database with its schema migrated.
type DB struct {
	sql *sql.DB
	log *logging.Logger
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// Open opens or creates the database at path and migrates it. ":memory:"
// gives a private in-memory database.
func Open(path string, log *logging.Logger) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// Each ":memory:" connection is its own database, and SQLite serializes
	// writers anyway.
	sqlDB.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	db := &DB{sql: sqlDB, log: log.Sub("store")}
	if err := db.migrate(context.Background()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	db.log.Info().Str("path", path).Int("schema", len(migrations)).Msg("database opened")
	return db, nil
}

func (db *DB) Close() error {
	db.log.Debug().Msg("closing database")
	return db.sql.Close()
}

// SQL exposes the connection for ad hoc queries.
func (db *DB) SQL() *sql.DB { return db.sql }

// SchemaVersion reports the last applied migration, tracked in SQLite's
// user_version.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := db.sql.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// Stats counts what the store holds.
type Stats struct {
	Schema              int
	Leads               int
	ActiveConversations int
	Messages            int
}

func (db *DB) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	if st.Schema, err = db.SchemaVersion(ctx); err != nil {
		return st, err
	}
	err = db.sql.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM leads),
			(SELECT COUNT(*) FROM conversations WHERE status = 'active'),
			(SELECT COUNT(*) FROM messages)`,
	).Scan(&st.Leads, &st.ActiveConversations, &st.Messages)
	if err != nil {
		return st, fmt.Errorf("counting rows: %w", err)
	}
	return st, nil
}

// migrate applies every migration past user_version, each in its own
// transaction together with the version bump.
func (db *DB) migrate(ctx context.Context) error {
	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("schema version %d is newer than this build (%d)", current, len(migrations))
	}

	for _, m := range migrations[current:] {
		db.log.Info().Int("version", m.Version).Str("name", m.Name).Msg("applying migration")

		tx, err := db.sql.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		// PRAGMA takes no bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
