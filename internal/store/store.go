// Package store is the only component that talks to the storage engine.
// It reads existing history for a set of locations, applies merged rows
// through an atomic per-key upsert, and maintains the read-optimized
// projection each metric family exposes.
//
// Two backends are supported: SQLite for local use and tests, Postgres for
// the shared deployment. Both speak the same generated SQL shapes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rentradar/markethist/internal/metric"
)

// Store is the historical store adapter the run coordinator drives.
type Store interface {
	// FetchExisting returns every stored row for the given locations,
	// keyed by (location, period). The read is point-in-time relative to
	// the writes that follow it; cross-batch atomicity is not promised,
	// per-key write atomicity is.
	FetchExisting(ctx context.Context, fam metric.Family, locations []string) (map[metric.Key]metric.Row, error)

	// ApplyMerge writes merged rows. Each row's write is an atomic upsert
	// on the primary key; re-applying an unchanged row is a stored no-op.
	// Returns the number of rows submitted.
	ApplyMerge(ctx context.Context, fam metric.Family, rows []metric.Row) (int, error)

	// RefreshProjection rebuilds the family's read-optimized projection
	// from the base table.
	RefreshProjection(ctx context.Context, fam metric.Family) error

	// Run summary persistence.
	InsertRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)

	// Read surface for the CLI and HTTP layer.
	FamilyStats(ctx context.Context, fam metric.Family) (*FamilyStats, error)
	Locations(ctx context.Context, fam metric.Family) ([]LocationInfo, error)
	History(ctx context.Context, fam metric.Family, location string) ([]metric.Row, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver string // "sqlite" or "postgres"
	Path   string // sqlite database file
	DSN    string // postgres connection string
}

// Open creates a store for the configured backend.
func Open(cfg Config, log *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(cfg.Path, log)
	case "postgres":
		return OpenPostgres(cfg.DSN, log)
	default:
		return nil, fmt.Errorf("unknown store driver: %q", cfg.Driver)
	}
}

// RunRecord is the persisted summary of one coordinator run.
type RunRecord struct {
	ID             string
	Family         string
	Source         string
	StartedAt      time.Time
	FinishedAt     time.Time
	Status         string
	Inserted       int
	Backfilled     int
	Advanced       int
	Corrected      int
	NoOps          int
	FailedRows     int
	FailedBatches  int
	ReportMarkdown string
}

// FamilyStats summarizes one family's table for status reporting.
type FamilyStats struct {
	Family       string
	Rows         int
	Locations    int
	LatestPeriod string
}

// LocationInfo is one known location with its denormalized name fields.
type LocationInfo struct {
	Key     string
	Name    string
	Type    string
	Periods int
}

const timeLayout = time.RFC3339

// sqlStore holds the operations shared by both backends.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log *zap.Logger
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) FetchExisting(ctx context.Context, fam metric.Family, locations []string) (map[metric.Key]metric.Row, error) {
	out := make(map[metric.Key]metric.Row)
	if len(locations) == 0 {
		return out, nil
	}

	args := make([]any, len(locations))
	for i, l := range locations {
		args[i] = l
	}
	rows, err := s.db.QueryContext(ctx, s.d.selectByLocationsSQL(fam, len(locations)), args...)
	if err != nil {
		return nil, fmt.Errorf("fetching existing rows for %s: %w", fam.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRow(rows, fam)
		if err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", fam.Name, err)
		}
		out[r.Key()] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s rows: %w", fam.Name, err)
	}
	return out, nil
}

func (s *sqlStore) ApplyMerge(ctx context.Context, fam metric.Family, rows []metric.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	stmt, err := s.db.PrepareContext(ctx, s.d.upsertSQL(fam))
	if err != nil {
		return 0, fmt.Errorf("preparing %s upsert: %w", fam.Name, err)
	}
	defer stmt.Close()

	for i, r := range rows {
		if _, err := stmt.ExecContext(ctx, upsertArgs(fam, r)...); err != nil {
			return i, fmt.Errorf("upserting %s %s: %w", fam.Name, r.Key(), err)
		}
	}
	return len(rows), nil
}

func (s *sqlStore) FamilyStats(ctx context.Context, fam metric.Family) (*FamilyStats, error) {
	stats := &FamilyStats{Family: fam.Name}
	q := fmt.Sprintf("SELECT COUNT(*), COUNT(DISTINCT %s), COALESCE(MAX(%s), '') FROM %s",
		fam.LocationColumn, fam.PeriodColumn, fam.Table)
	if err := s.db.QueryRowContext(ctx, q).Scan(&stats.Rows, &stats.Locations, &stats.LatestPeriod); err != nil {
		return nil, fmt.Errorf("reading %s stats: %w", fam.Name, err)
	}
	return stats, nil
}

func (s *sqlStore) Locations(ctx context.Context, fam metric.Family) ([]LocationInfo, error) {
	nameCol, typeCol := locationNameColumns(fam)
	q := fmt.Sprintf(
		"SELECT %s, COALESCE(MAX(%s), ''), COALESCE(MAX(%s), ''), COUNT(*) FROM %s GROUP BY %s ORDER BY %s",
		fam.LocationColumn, nameCol, typeCol, fam.Table, fam.LocationColumn, fam.LocationColumn)

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing %s locations: %w", fam.Name, err)
	}
	defer rows.Close()

	var out []LocationInfo
	for rows.Next() {
		var li LocationInfo
		if err := rows.Scan(&li.Key, &li.Name, &li.Type, &li.Periods); err != nil {
			return nil, fmt.Errorf("scanning location: %w", err)
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

func (s *sqlStore) History(ctx context.Context, fam metric.Family, location string) ([]metric.Row, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s ORDER BY %s DESC",
		strings.Join(fam.Columns(), ", "), fam.Table,
		fam.LocationColumn, s.d.placeholder(1), fam.PeriodColumn)

	rows, err := s.db.QueryContext(ctx, q, location)
	if err != nil {
		return nil, fmt.Errorf("reading %s history: %w", fam.Name, err)
	}
	defer rows.Close()

	var out []metric.Row
	for rows.Next() {
		r, err := scanRow(rows, fam)
		if err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) InsertRun(ctx context.Context, run *RunRecord) error {
	q := fmt.Sprintf(`INSERT INTO ingest_runs (
    id, family, source, started_at, finished_at, status,
    inserted, backfilled, advanced, corrected, noops, failed_rows, failed_batches, report_markdown
) VALUES (%s)`, s.d.placeholders(1, 14))
	_, err := s.db.ExecContext(ctx, q,
		run.ID, run.Family, run.Source,
		run.StartedAt.UTC().Format(timeLayout), run.FinishedAt.UTC().Format(timeLayout),
		run.Status,
		run.Inserted, run.Backfilled, run.Advanced, run.Corrected, run.NoOps,
		run.FailedRows, run.FailedBatches, run.ReportMarkdown)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", run.ID, err)
	}
	return nil
}

const runColumns = `id, family, source, started_at, finished_at, status,
    inserted, backfilled, advanced, corrected, noops, failed_rows, failed_batches, COALESCE(report_markdown, '')`

func (s *sqlStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	q := fmt.Sprintf("SELECT %s FROM ingest_runs WHERE id = %s", runColumns, s.d.placeholder(1))
	run, err := scanRun(s.db.QueryRowContext(ctx, q, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", id, err)
	}
	return run, nil
}

func (s *sqlStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	q := fmt.Sprintf("SELECT %s FROM ingest_runs ORDER BY started_at DESC LIMIT %s",
		runColumns, s.d.placeholder(1))
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner, fam metric.Family) (metric.Row, error) {
	row := metric.NewRow(fam, "", "")

	dests := []any{&row.LocationKey, &row.PeriodKey}
	attrVals := make([]sql.NullString, len(fam.AttrColumns))
	for i := range fam.AttrColumns {
		dests = append(dests, &attrVals[i])
	}
	metricVals := make([]decimal.NullDecimal, len(fam.MetricColumns))
	for i := range fam.MetricColumns {
		dests = append(dests, &metricVals[i])
	}
	var lastUpdate string
	dests = append(dests, &lastUpdate)

	if err := sc.Scan(dests...); err != nil {
		return metric.Row{}, err
	}

	for i, a := range fam.AttrColumns {
		row.Attrs[a.Name] = attrVals[i]
	}
	for i, m := range fam.MetricColumns {
		row.Metrics[m] = metricVals[i]
	}
	if lastUpdate != "" {
		t, err := time.Parse(timeLayout, lastUpdate)
		if err != nil {
			return metric.Row{}, fmt.Errorf("parsing last_update_time %q: %w", lastUpdate, err)
		}
		row.LastUpdate = t
	}
	return row, nil
}

func scanRun(sc scanner) (*RunRecord, error) {
	var run RunRecord
	var started, finished string
	if err := sc.Scan(
		&run.ID, &run.Family, &run.Source, &started, &finished, &run.Status,
		&run.Inserted, &run.Backfilled, &run.Advanced, &run.Corrected, &run.NoOps,
		&run.FailedRows, &run.FailedBatches, &run.ReportMarkdown,
	); err != nil {
		return nil, err
	}
	run.StartedAt, _ = time.Parse(timeLayout, started)
	run.FinishedAt, _ = time.Parse(timeLayout, finished)
	return &run, nil
}

func upsertArgs(fam metric.Family, r metric.Row) []any {
	args := []any{r.LocationKey, r.PeriodKey}
	for _, a := range fam.AttrColumns {
		args = append(args, r.Attrs[a.Name])
	}
	for _, m := range fam.MetricColumns {
		args = append(args, r.Metrics[m])
	}
	return append(args, r.LastUpdate.UTC().Format(timeLayout))
}

// locationNameColumns picks the descriptive name/type columns for the
// family's shape.
func locationNameColumns(fam metric.Family) (name, typ string) {
	for _, a := range fam.AttrColumns {
		switch a.Name {
		case "location_name", "region_name":
			name = a.Name
		case "location_type", "region_type":
			typ = a.Name
		}
	}
	return name, typ
}
