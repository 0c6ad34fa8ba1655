// Package reconcile decides, for every incoming observation, how it merges
// into the historical store: brand-new location, new period for a known
// location, historical backfill, field correction, or nothing at all.
//
// The merge is field-level and non-destructive: a null in an incoming row
// means the publisher omitted the value, so the stored value is kept. A
// later snapshot can never erase history by omission.
package reconcile

import (
	"time"

	"github.com/rentradar/markethist/internal/metric"
)

// Decision explains what a merge did with one incoming row.
type Decision int

const (
	// NoOp: the incoming row contributed nothing new.
	NoOp Decision = iota
	// Insert: the location had no stored rows at all.
	Insert
	// Backfill: known location, historical period not yet stored.
	Backfill
	// AdvancePeriod: known location, period newer than everything stored.
	AdvancePeriod
	// CorrectField: stored row existed and at least one field changed.
	CorrectField
)

var decisionNames = map[Decision]string{
	NoOp:          "noop",
	Insert:        "insert",
	Backfill:      "backfill",
	AdvancePeriod: "advance_period",
	CorrectField:  "correct_field",
}

func (d Decision) String() string {
	if s, ok := decisionNames[d]; ok {
		return s
	}
	return "unknown"
}

// Reconcile merges one incoming row against the currently stored row for the
// same key. stored is nil when no row exists for (location, period);
// latestPeriod is the newest period already stored for the location, or ""
// when the location has no rows at all. now becomes the merged row's
// last_update_time when at least one field actually changes.
//
// The returned row is always safe to write: for a NoOp it equals the stored
// row, timestamp untouched.
func Reconcile(fam metric.Family, incoming metric.Row, stored *metric.Row, latestPeriod string, now time.Time) (metric.Row, Decision, error) {
	if err := fam.ValidateRow(incoming); err != nil {
		return metric.Row{}, NoOp, err
	}

	if stored == nil {
		out := incoming.Clone()
		out.LastUpdate = now
		switch {
		case latestPeriod == "":
			return out, Insert, nil
		case incoming.PeriodKey > latestPeriod:
			// Period keys (YYYY_MM, YYYY-MM-DD) order lexicographically.
			return out, AdvancePeriod, nil
		default:
			return out, Backfill, nil
		}
	}

	out := stored.Clone()
	changed := false

	for _, name := range fam.MetricColumns {
		in := incoming.Metrics[name]
		if !in.Valid {
			continue
		}
		cur := out.Metrics[name]
		if !cur.Valid || !cur.Decimal.Equal(in.Decimal) {
			changed = true
		}
		out.Metrics[name] = in
	}

	// Location metadata follows the same non-null-wins rule, so a partial
	// re-scrape can fill attributes in progressively.
	for _, attr := range fam.AttrColumns {
		in := incoming.Attrs[attr.Name]
		if !in.Valid {
			continue
		}
		cur := out.Attrs[attr.Name]
		if !cur.Valid || cur.String != in.String {
			changed = true
		}
		out.Attrs[attr.Name] = in
	}

	if !changed {
		return out, NoOp, nil
	}
	out.LastUpdate = now
	return out, CorrectField, nil
}
