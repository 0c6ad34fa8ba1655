package store

import (
	"fmt"
	"strings"

	"github.com/rentradar/markethist/internal/metric"
)

// dialect captures the differences between the SQLite and Postgres
// backends. Table layout, upsert shape, and projection queries are
// generated once from the family descriptor.
type dialect struct {
	name string
	// placeholder renders the n-th (1-based) statement parameter.
	placeholder func(n int) string
	// distinct renders "a differs from b", null-safe.
	distinct func(a, b string) string
}

var sqliteDialect = dialect{
	name:        "sqlite",
	placeholder: func(n int) string { return "?" },
	distinct:    func(a, b string) string { return fmt.Sprintf("%s IS NOT %s", a, b) },
}

var postgresDialect = dialect{
	name:        "postgres",
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	distinct:    func(a, b string) string { return fmt.Sprintf("%s IS DISTINCT FROM %s", a, b) },
}

func (d dialect) placeholders(from, count int) string {
	parts := make([]string, count)
	for i := 0; i < count; i++ {
		parts[i] = d.placeholder(from + i)
	}
	return strings.Join(parts, ", ")
}

// attrType maps an attribute kind to a column type. SQLite treats these as
// affinities, Postgres as real types.
func attrType(k metric.AttrKind) string {
	if k == metric.AttrInteger {
		return "BIGINT"
	}
	return "TEXT"
}

// createTableSQL renders the family's historical table. The composite
// primary key is what makes the per-row upsert atomic.
func createTableSQL(fam metric.Family) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", fam.Table)
	fmt.Fprintf(&b, "    %s TEXT NOT NULL,\n", fam.LocationColumn)
	fmt.Fprintf(&b, "    %s TEXT NOT NULL,\n", fam.PeriodColumn)
	for _, a := range fam.AttrColumns {
		fmt.Fprintf(&b, "    %s %s,\n", a.Name, attrType(a.Kind))
	}
	for _, m := range fam.MetricColumns {
		fmt.Fprintf(&b, "    %s NUMERIC,\n", m)
	}
	b.WriteString("    last_update_time TEXT NOT NULL,\n")
	fmt.Fprintf(&b, "    PRIMARY KEY (%s, %s)\n)", fam.LocationColumn, fam.PeriodColumn)
	return b.String()
}

// upsertSQL renders the atomic merge write for one row. Non-null incoming
// values win, nulls keep the stored value, and the trailing WHERE skips the
// update entirely when nothing would change: re-applying a merged row is a
// stored no-op and last_update_time only moves on an effective change.
func (d dialect) upsertSQL(fam metric.Family) string {
	cols := fam.Columns()
	dataCols := cols[2 : len(cols)-1] // attrs + metrics

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s)\nVALUES (%s)\n",
		fam.Table, strings.Join(cols, ", "), d.placeholders(1, len(cols)))
	fmt.Fprintf(&b, "ON CONFLICT (%s, %s) DO UPDATE SET\n", fam.LocationColumn, fam.PeriodColumn)

	for _, col := range dataCols {
		fmt.Fprintf(&b, "    %s = CASE WHEN excluded.%s IS NOT NULL THEN excluded.%s ELSE %s.%s END,\n",
			col, col, col, fam.Table, col)
	}
	b.WriteString("    last_update_time = excluded.last_update_time\n")

	preds := make([]string, len(dataCols))
	for i, col := range dataCols {
		preds[i] = fmt.Sprintf("(excluded.%s IS NOT NULL AND %s)",
			col, d.distinct("excluded."+col, fam.Table+"."+col))
	}
	fmt.Fprintf(&b, "WHERE %s", strings.Join(preds, "\n   OR "))
	return b.String()
}

// selectByLocationsSQL fetches every stored period for a set of locations.
func (d dialect) selectByLocationsSQL(fam metric.Family, locations int) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
		strings.Join(fam.Columns(), ", "), fam.Table,
		fam.LocationColumn, d.placeholders(1, locations))
}

// projectionSQL renders the read-optimized projection: the newest stored
// period per location, with all fields denormalized.
func projectionSQL(fam metric.Family) string {
	return fmt.Sprintf(
		"SELECT t.* FROM %s t\nJOIN (SELECT %s AS loc, MAX(%s) AS latest FROM %s GROUP BY %s) m\n  ON t.%s = m.loc AND t.%s = m.latest",
		fam.Table,
		fam.LocationColumn, fam.PeriodColumn, fam.Table, fam.LocationColumn,
		fam.LocationColumn, fam.PeriodColumn)
}

const createRunsTableSQL = `CREATE TABLE IF NOT EXISTS ingest_runs (
    id TEXT PRIMARY KEY,
    family TEXT NOT NULL,
    source TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    status TEXT NOT NULL,
    inserted INTEGER NOT NULL DEFAULT 0,
    backfilled INTEGER NOT NULL DEFAULT 0,
    advanced INTEGER NOT NULL DEFAULT 0,
    corrected INTEGER NOT NULL DEFAULT 0,
    noops INTEGER NOT NULL DEFAULT 0,
    failed_rows INTEGER NOT NULL DEFAULT 0,
    failed_batches INTEGER NOT NULL DEFAULT 0,
    report_markdown TEXT
)`
