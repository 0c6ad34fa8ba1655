package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/rentradar/markethist/internal/metric"
)

const postgresConnectTimeout = 10 * time.Second

// postgresStore is the shared backend. The projection is a real
// materialized view refreshed after each successful run.
type postgresStore struct {
	sqlStore
}

// OpenPostgres connects to Postgres and ensures the schema exists.
// Schema setup issues only CREATE IF NOT EXISTS so concurrent starters
// converge on the same tables.
func OpenPostgres(dsn string, log *zap.Logger) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres store requires a DSN")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing postgres schema: %w", err)
	}

	return &postgresStore{sqlStore{db: db, d: postgresDialect, log: log}}, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	for _, fam := range metric.Families() {
		if _, err := db.ExecContext(ctx, createTableSQL(fam)); err != nil {
			return fmt.Errorf("creating %s: %w", fam.Table, err)
		}
		view := fmt.Sprintf("CREATE MATERIALIZED VIEW IF NOT EXISTS %s AS %s",
			fam.View, projectionSQL(fam))
		if _, err := db.ExecContext(ctx, view); err != nil {
			return fmt.Errorf("creating %s: %w", fam.View, err)
		}
	}
	if _, err := db.ExecContext(ctx, createRunsTableSQL); err != nil {
		return fmt.Errorf("creating ingest_runs: %w", err)
	}
	return nil
}

func (s *postgresStore) RefreshProjection(ctx context.Context, fam metric.Family) error {
	if _, err := s.db.ExecContext(ctx, "REFRESH MATERIALIZED VIEW "+fam.View); err != nil {
		return fmt.Errorf("refreshing %s: %w", fam.View, err)
	}
	return nil
}
