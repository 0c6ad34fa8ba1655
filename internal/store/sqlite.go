package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/rentradar/markethist/internal/metric"
)

// sqliteStore is the embedded backend. The projection is a plain table
// rebuilt on refresh since SQLite has no materialized views.
type sqliteStore struct {
	sqlStore
	path string
}

// OpenSQLite creates or opens a SQLite database at the given path.
func OpenSQLite(dbPath string, log *zap.Logger) (Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := migrate(conn, log); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &sqliteStore{
		sqlStore: sqlStore{db: conn, d: sqliteDialect, log: log},
		path:     dbPath,
	}, nil
}

// Path returns the database file path.
func (s *sqliteStore) Path() string {
	return s.path
}

// RefreshProjection rebuilds the family's latest-period table. The swap
// happens inside one transaction so readers never see a missing table.
func (s *sqliteStore) RefreshProjection(ctx context.Context, fam metric.Family) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s refresh: %w", fam.View, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+fam.View); err != nil {
		return fmt.Errorf("dropping %s: %w", fam.View, err)
	}
	create := fmt.Sprintf("CREATE TABLE %s AS %s", fam.View, projectionSQL(fam))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("rebuilding %s: %w", fam.View, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s refresh: %w", fam.View, err)
	}
	return nil
}

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "family tables and run log",
		Up: func(tx *sql.Tx) error {
			var stmts []string
			for _, fam := range metric.Families() {
				stmts = append(stmts, createTableSQL(fam))
			}
			stmts = append(stmts, createRunsTableSQL)
			_, err := tx.Exec(strings.Join(stmts, ";\n\n"))
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}

// getSchemaVersion reads PRAGMA user_version from the database.
func getSchemaVersion(conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// migrate brings the database schema up to the latest version.
// It uses PRAGMA user_version to track which migrations have been applied.
func migrate(conn *sql.DB, log *zap.Logger) error {
	current, err := getSchemaVersion(conn)
	if err != nil {
		return err
	}

	latest := latestVersion()
	if current >= latest {
		return nil
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		log.Info("applying migration",
			zap.Int("version", m.Version),
			zap.String("description", m.Description))

		tx, err := conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if err := m.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		// Set user_version outside the transaction (modernc/sqlite requirement).
		// Safe: if we crash here, the idempotent DDL lets the migration re-run.
		if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			return fmt.Errorf("setting version %d: %w", m.Version, err)
		}
	}

	return nil
}
