package store

import (
	"strings"
	"testing"

	"github.com/rentradar/markethist/internal/metric"
)

func TestPlaceholders(t *testing.T) {
	if got := sqliteDialect.placeholders(1, 3); got != "?, ?, ?" {
		t.Errorf("sqlite placeholders: %q", got)
	}
	if got := postgresDialect.placeholders(2, 3); got != "$2, $3, $4" {
		t.Errorf("postgres placeholders: %q", got)
	}
}

func TestUpsertSQLMergesPerColumn(t *testing.T) {
	fam := mustFamily("median_sale_price")
	q := sqliteDialect.upsertSQL(fam)

	if !strings.Contains(q, "ON CONFLICT (region_id, date) DO UPDATE SET") {
		t.Errorf("missing conflict clause:\n%s", q)
	}
	if !strings.Contains(q, "CASE WHEN excluded.median_sale_price_all_home IS NOT NULL THEN excluded.median_sale_price_all_home ELSE zillow_median_sale_price_all_home.median_sale_price_all_home END") {
		t.Errorf("missing null-keeps-stored merge:\n%s", q)
	}
	if !strings.Contains(q, "last_update_time = excluded.last_update_time") {
		t.Errorf("missing timestamp assignment:\n%s", q)
	}
	// The update fires only when some incoming value differs from storage.
	if !strings.Contains(q, "WHERE (excluded.") {
		t.Errorf("missing change predicate:\n%s", q)
	}
}

func TestUpsertSQLDialectDistinct(t *testing.T) {
	fam := mustFamily("median_sale_price")
	if q := postgresDialect.upsertSQL(fam); !strings.Contains(q, "IS DISTINCT FROM") {
		t.Errorf("postgres upsert should use IS DISTINCT FROM:\n%s", q)
	}
	if q := sqliteDialect.upsertSQL(fam); strings.Contains(q, "IS DISTINCT FROM") {
		t.Errorf("sqlite upsert should not use IS DISTINCT FROM:\n%s", q)
	}
}

func TestCreateTableSQLTypes(t *testing.T) {
	fam := mustFamily("rent_estimates")
	q := createTableSQL(fam)

	if !strings.Contains(q, "population BIGINT") {
		t.Errorf("integer attribute type missing:\n%s", q)
	}
	if !strings.Contains(q, "rent_estimate_overall NUMERIC") {
		t.Errorf("metric column type missing:\n%s", q)
	}
	if !strings.Contains(q, "PRIMARY KEY (location_fips_code, year_month)") {
		t.Errorf("composite key missing:\n%s", q)
	}
}

func TestProjectionSQLUsesLatestPeriod(t *testing.T) {
	fam := mustFamily("vacancy_index")
	q := projectionSQL(fam)
	if !strings.Contains(q, "MAX(year_month)") {
		t.Errorf("projection should select the latest period:\n%s", q)
	}
}

func TestMigrationsCoverAllFamilies(t *testing.T) {
	got, err := getSchemaVersionForTest(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != latestVersion() {
		t.Errorf("expected schema version %d, got %d", latestVersion(), got)
	}
}

func getSchemaVersionForTest(t *testing.T) (int, error) {
	t.Helper()
	st := openTestStore(t)
	conn := st.(*sqliteStore).db

	for _, fam := range metric.Families() {
		var count int
		err := conn.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", fam.Table,
		).Scan(&count)
		if err != nil {
			return 0, err
		}
		if count != 1 {
			t.Errorf("expected table %s to exist", fam.Table)
		}
	}
	return getSchemaVersion(conn)
}
