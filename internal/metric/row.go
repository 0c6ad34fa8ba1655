package metric

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Row-local failure kinds. Both are skip-and-record: a bad row never aborts
// the rest of its snapshot.
var (
	ErrMalformedRow   = errors.New("malformed row")
	ErrSchemaMismatch = errors.New("schema mismatch")
)

// Key identifies at most one stored row per metric family.
type Key struct {
	Location string
	Period   string
}

func (k Key) String() string {
	return k.Location + "/" + k.Period
}

// Row is one observation for one (location, period) pair in one metric
// family. Metric values and attributes are nullable: a null means "no
// information", never "explicit clear".
type Row struct {
	LocationKey string
	PeriodKey   string
	Metrics     map[string]decimal.NullDecimal
	Attrs       map[string]sql.NullString
	LastUpdate  time.Time
}

// Key returns the row's primary key.
func (r Row) Key() Key {
	return Key{Location: r.LocationKey, Period: r.PeriodKey}
}

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	out := r
	out.Metrics = make(map[string]decimal.NullDecimal, len(r.Metrics))
	for k, v := range r.Metrics {
		out.Metrics[k] = v
	}
	out.Attrs = make(map[string]sql.NullString, len(r.Attrs))
	for k, v := range r.Attrs {
		out.Attrs[k] = v
	}
	return out
}

// NewRow returns a row for the family with every metric and attribute
// present and null.
func NewRow(f Family, location, period string) Row {
	r := Row{
		LocationKey: location,
		PeriodKey:   period,
		Metrics:     make(map[string]decimal.NullDecimal, len(f.MetricColumns)),
		Attrs:       make(map[string]sql.NullString, len(f.AttrColumns)),
	}
	for _, m := range f.MetricColumns {
		r.Metrics[m] = decimal.NullDecimal{}
	}
	for _, a := range f.AttrColumns {
		r.Attrs[a.Name] = sql.NullString{}
	}
	return r
}

// ValidateRow checks a row against the family's declared field set.
// An empty key is ErrMalformedRow; a metric or attribute set that does not
// match the family's schema exactly is ErrSchemaMismatch.
func (f Family) ValidateRow(r Row) error {
	if r.LocationKey == "" {
		return fmt.Errorf("%w: empty %s", ErrMalformedRow, f.LocationColumn)
	}
	if r.PeriodKey == "" {
		return fmt.Errorf("%w: empty %s", ErrMalformedRow, f.PeriodColumn)
	}
	if len(r.Metrics) != len(f.MetricColumns) {
		return fmt.Errorf("%w: row has %d metric fields, family %s declares %d",
			ErrSchemaMismatch, len(r.Metrics), f.Name, len(f.MetricColumns))
	}
	for _, m := range f.MetricColumns {
		if _, ok := r.Metrics[m]; !ok {
			return fmt.Errorf("%w: missing metric field %q", ErrSchemaMismatch, m)
		}
	}
	if len(r.Attrs) != len(f.AttrColumns) {
		return fmt.Errorf("%w: row has %d attribute fields, family %s declares %d",
			ErrSchemaMismatch, len(r.Attrs), f.Name, len(f.AttrColumns))
	}
	for _, a := range f.AttrColumns {
		if _, ok := r.Attrs[a.Name]; !ok {
			return fmt.Errorf("%w: missing attribute field %q", ErrSchemaMismatch, a.Name)
		}
	}
	return nil
}

// Num wraps a decimal in a valid NullDecimal.
func Num(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// Str wraps a string in a valid NullString.
func Str(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
