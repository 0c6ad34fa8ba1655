package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rentradar/markethist/internal/metric"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func rentFamily(t *testing.T) metric.Family {
	t.Helper()
	fam, err := metric.FamilyByName("rent_estimates")
	if err != nil {
		t.Fatalf("family lookup: %v", err)
	}
	return fam
}

// rentRow builds a rent_estimates row; nil pointers become nulls.
func rentRow(loc, period string, overall, br1, br2 *float64) metric.Row {
	fam, _ := metric.FamilyByName("rent_estimates")
	r := metric.NewRow(fam, loc, period)
	set := func(col string, v *float64) {
		if v != nil {
			r.Metrics[col] = metric.Num(decimal.NewFromFloat(*v))
		}
	}
	set("rent_estimate_overall", overall)
	set("rent_estimate_1br", br1)
	set("rent_estimate_2br", br2)
	return r
}

func f(v float64) *float64 { return &v }

func TestInsertWhollyNewLocation(t *testing.T) {
	fam := rentFamily(t)
	in := rentRow("99999", "2024_02", f(1500), f(1200), f(1800))

	out, dec, err := Reconcile(fam, in, nil, "", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec != Insert {
		t.Errorf("expected Insert, got %s", dec)
	}
	for _, col := range fam.MetricColumns {
		if !out.Metrics[col].Valid || !out.Metrics[col].Decimal.Equal(in.Metrics[col].Decimal) {
			t.Errorf("output %s does not equal incoming", col)
		}
	}
	if !out.LastUpdate.Equal(testNow) {
		t.Errorf("expected last update %v, got %v", testNow, out.LastUpdate)
	}
}

func TestAdvancePeriodForKnownLocation(t *testing.T) {
	fam := rentFamily(t)
	in := rentRow("10001", "2024_03", f(1510), nil, nil)

	_, dec, err := Reconcile(fam, in, nil, "2024_02", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec != AdvancePeriod {
		t.Errorf("expected AdvancePeriod, got %s", dec)
	}
}

func TestBackfillHistoricalPeriod(t *testing.T) {
	fam := rentFamily(t)
	in := rentRow("10001", "2022_07", f(1380), nil, nil)

	_, dec, err := Reconcile(fam, in, nil, "2024_02", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec != Backfill {
		t.Errorf("expected Backfill, got %s", dec)
	}
}

func TestNonDestructiveMerge(t *testing.T) {
	// Stored {overall=1500, 1br=1200, 2br=null},
	// incoming {overall=null, 1br=1250, 2br=1800}
	// => merged {overall=1500, 1br=1250, 2br=1800}, CorrectField.
	fam := rentFamily(t)
	stored := rentRow("10001", "2024_01", f(1500), f(1200), nil)
	stored.LastUpdate = testNow.Add(-24 * time.Hour)
	in := rentRow("10001", "2024_01", nil, f(1250), f(1800))

	out, dec, err := Reconcile(fam, in, &stored, "2024_01", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec != CorrectField {
		t.Errorf("expected CorrectField, got %s", dec)
	}
	want := map[string]float64{
		"rent_estimate_overall": 1500,
		"rent_estimate_1br":     1250,
		"rent_estimate_2br":     1800,
	}
	for col, v := range want {
		got := out.Metrics[col]
		if !got.Valid || !got.Decimal.Equal(decimal.NewFromFloat(v)) {
			t.Errorf("%s: expected %v, got %+v", col, v, got)
		}
	}
	if !out.LastUpdate.Equal(testNow) {
		t.Error("expected last update to advance on CorrectField")
	}
}

func TestNoOpLeavesTimestampUntouched(t *testing.T) {
	fam := rentFamily(t)
	prev := testNow.Add(-48 * time.Hour)
	stored := rentRow("10001", "2024_01", f(1500), f(1200), f(1800))
	stored.LastUpdate = prev
	in := rentRow("10001", "2024_01", f(1500), f(1200), f(1800))

	out, dec, err := Reconcile(fam, in, &stored, "2024_01", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec != NoOp {
		t.Errorf("expected NoOp, got %s", dec)
	}
	if !out.LastUpdate.Equal(prev) {
		t.Errorf("expected last update unchanged (%v), got %v", prev, out.LastUpdate)
	}
}

func TestAllNullIncomingIsNoOp(t *testing.T) {
	fam := rentFamily(t)
	prev := testNow.Add(-time.Hour)
	stored := rentRow("10001", "2024_01", f(1500), nil, nil)
	stored.LastUpdate = prev
	in := rentRow("10001", "2024_01", nil, nil, nil)

	out, dec, err := Reconcile(fam, in, &stored, "2024_01", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec != NoOp {
		t.Errorf("expected NoOp, got %s", dec)
	}
	if got := out.Metrics["rent_estimate_overall"]; !got.Valid || !got.Decimal.Equal(decimal.NewFromInt(1500)) {
		t.Error("null incoming must not erase stored value")
	}
}

func TestIdempotence(t *testing.T) {
	fam := rentFamily(t)
	stored := rentRow("10001", "2024_01", f(1500), f(1200), nil)
	stored.LastUpdate = testNow.Add(-24 * time.Hour)
	in := rentRow("10001", "2024_01", nil, f(1250), f(1800))

	first, dec1, err := Reconcile(fam, in, &stored, "2024_01", testNow)
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	if dec1 != CorrectField {
		t.Fatalf("expected CorrectField, got %s", dec1)
	}

	second, dec2, err := Reconcile(fam, in, &first, "2024_01", testNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if dec2 != NoOp {
		t.Errorf("expected NoOp on re-apply, got %s", dec2)
	}
	for _, col := range fam.MetricColumns {
		a, b := first.Metrics[col], second.Metrics[col]
		if a.Valid != b.Valid || (a.Valid && !a.Decimal.Equal(b.Decimal)) {
			t.Errorf("%s: stored state changed on re-apply", col)
		}
	}
	if !second.LastUpdate.Equal(first.LastUpdate) {
		t.Error("re-apply must not touch last_update_time")
	}
}

func TestAttrFillIn(t *testing.T) {
	fam := rentFamily(t)
	stored := rentRow("10001", "2024_01", f(1500), nil, nil)
	stored.LastUpdate = testNow.Add(-time.Hour)
	in := rentRow("10001", "2024_01", f(1500), nil, nil)
	in.Attrs["metro"] = metric.Str("New York, NY")

	out, dec, err := Reconcile(fam, in, &stored, "2024_01", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec != CorrectField {
		t.Errorf("expected CorrectField for attribute fill-in, got %s", dec)
	}
	if got := out.Attrs["metro"]; !got.Valid || got.String != "New York, NY" {
		t.Errorf("expected metro filled in, got %+v", got)
	}
}

func TestAttrNullKeepsStored(t *testing.T) {
	fam := rentFamily(t)
	stored := rentRow("10001", "2024_01", f(1500), nil, nil)
	stored.Attrs["state"] = metric.Str("NY")
	stored.LastUpdate = testNow.Add(-time.Hour)
	in := rentRow("10001", "2024_01", f(1500), nil, nil)

	out, dec, err := Reconcile(fam, in, &stored, "2024_01", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec != NoOp {
		t.Errorf("expected NoOp, got %s", dec)
	}
	if got := out.Attrs["state"]; !got.Valid || got.String != "NY" {
		t.Error("null attribute must not erase stored metadata")
	}
}

func TestMalformedRow(t *testing.T) {
	fam := rentFamily(t)
	in := rentRow("", "2024_01", f(1500), nil, nil)

	_, _, err := Reconcile(fam, in, nil, "", testNow)
	if !errors.Is(err, metric.ErrMalformedRow) {
		t.Errorf("expected ErrMalformedRow, got %v", err)
	}

	in = rentRow("10001", "", f(1500), nil, nil)
	_, _, err = Reconcile(fam, in, nil, "", testNow)
	if !errors.Is(err, metric.ErrMalformedRow) {
		t.Errorf("expected ErrMalformedRow for empty period, got %v", err)
	}
}

func TestSchemaMismatch(t *testing.T) {
	fam := rentFamily(t)
	in := rentRow("10001", "2024_01", f(1500), nil, nil)
	delete(in.Metrics, "rent_estimate_2br")

	_, _, err := Reconcile(fam, in, nil, "", testNow)
	if !errors.Is(err, metric.ErrSchemaMismatch) {
		t.Errorf("expected ErrSchemaMismatch for missing field, got %v", err)
	}

	in = rentRow("10001", "2024_01", f(1500), nil, nil)
	delete(in.Metrics, "rent_estimate_2br")
	in.Metrics["median_sale_price_all_home"] = metric.Num(decimal.NewFromInt(400000))
	_, _, err = Reconcile(fam, in, nil, "", testNow)
	if !errors.Is(err, metric.ErrSchemaMismatch) {
		t.Errorf("expected ErrSchemaMismatch for foreign field, got %v", err)
	}
}

func TestExactEqualityNoEpsilon(t *testing.T) {
	fam := rentFamily(t)
	stored := rentRow("10001", "2024_01", f(1500.00), nil, nil)
	stored.LastUpdate = testNow.Add(-time.Hour)
	in := rentRow("10001", "2024_01", f(1500.01), nil, nil)

	_, dec, err := Reconcile(fam, in, &stored, "2024_01", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec != CorrectField {
		t.Errorf("a 0.01 difference is a change; expected CorrectField, got %s", dec)
	}
}

func TestReconcileDoesNotMutateInputs(t *testing.T) {
	fam := rentFamily(t)
	stored := rentRow("10001", "2024_01", f(1500), nil, nil)
	in := rentRow("10001", "2024_01", nil, f(1250), nil)

	_, _, err := Reconcile(fam, in, &stored, "2024_01", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := stored.Metrics["rent_estimate_1br"]; got.Valid {
		t.Error("stored row mutated by merge")
	}
	if got := in.Metrics["rent_estimate_overall"]; got.Valid {
		t.Error("incoming row mutated by merge")
	}
}

func TestDecisionString(t *testing.T) {
	cases := map[Decision]string{
		NoOp:          "noop",
		Insert:        "insert",
		Backfill:      "backfill",
		AdvancePeriod: "advance_period",
		CorrectField:  "correct_field",
	}
	for d, want := range cases {
		if d.String() != want {
			t.Errorf("Decision(%d): expected %q, got %q", d, want, d.String())
		}
	}
}
