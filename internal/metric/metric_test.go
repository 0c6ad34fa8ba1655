package metric

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestFamilyByName(t *testing.T) {
	fam, err := FamilyByName("rent_estimates")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fam.Table != "apartment_list_rent_estimates" {
		t.Errorf("unexpected table: %q", fam.Table)
	}
	if fam.LocationColumn != "location_fips_code" || fam.PeriodColumn != "year_month" {
		t.Errorf("unexpected key columns: %q, %q", fam.LocationColumn, fam.PeriodColumn)
	}

	if _, err := FamilyByName("nope"); err == nil {
		t.Error("expected error for unknown family")
	}
}

func TestFamiliesClosedSet(t *testing.T) {
	names := FamilyNames()
	if len(names) != 6 {
		t.Fatalf("expected 6 families, got %d", len(names))
	}
	seen := make(map[string]bool)
	for _, n := range names {
		if seen[n] {
			t.Errorf("duplicate family name %q", n)
		}
		seen[n] = true
	}
}

func TestColumnsOrder(t *testing.T) {
	fam, _ := FamilyByName("median_sale_price")
	cols := fam.Columns()
	want := []string{
		"region_id", "date",
		"size_rank", "region_name", "region_type", "state_name",
		"median_sale_price_all_home",
		"last_update_time",
	}
	if len(cols) != len(want) {
		t.Fatalf("expected %d columns, got %d", len(want), len(cols))
	}
	for i := range want {
		if cols[i] != want[i] {
			t.Errorf("column %d: expected %q, got %q", i, want[i], cols[i])
		}
	}
}

func TestNewRowHasFullFieldSet(t *testing.T) {
	fam, _ := FamilyByName("vacancy_index")
	r := NewRow(fam, "10001", "2024_01")
	if err := fam.ValidateRow(r); err != nil {
		t.Errorf("fresh row should validate: %v", err)
	}
	for _, m := range fam.MetricColumns {
		if r.Metrics[m].Valid {
			t.Errorf("metric %s should start null", m)
		}
	}
}

func TestValidateRow(t *testing.T) {
	fam, _ := FamilyByName("time_on_market")

	r := NewRow(fam, "", "2024_01")
	if err := fam.ValidateRow(r); !errors.Is(err, ErrMalformedRow) {
		t.Errorf("empty location: expected ErrMalformedRow, got %v", err)
	}

	r = NewRow(fam, "10001", "2024_01")
	delete(r.Attrs, "metro")
	if err := fam.ValidateRow(r); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("missing attr: expected ErrSchemaMismatch, got %v", err)
	}

	r = NewRow(fam, "10001", "2024_01")
	r.Metrics["bogus"] = Num(decimal.NewFromInt(1))
	if err := fam.ValidateRow(r); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("extra metric: expected ErrSchemaMismatch, got %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	fam, _ := FamilyByName("time_on_market")
	r := NewRow(fam, "10001", "2024_01")
	r.Metrics["time_on_market"] = Num(decimal.NewFromInt(30))

	c := r.Clone()
	c.Metrics["time_on_market"] = Num(decimal.NewFromInt(45))
	c.Attrs["state"] = Str("CA")

	if !r.Metrics["time_on_market"].Decimal.Equal(decimal.NewFromInt(30)) {
		t.Error("clone shares metric map with original")
	}
	if r.Attrs["state"].Valid {
		t.Error("clone shares attr map with original")
	}
}
