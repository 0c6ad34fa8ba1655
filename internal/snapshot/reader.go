// Package snapshot loads one normalized incoming dataset for one metric
// family. Input is the flat CSV shape the external processors emit: one
// header naming the family's declared columns, one row per observation,
// empty cells meaning null. Parsing raw publisher formats happens upstream.
package snapshot

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rentradar/markethist/internal/metric"
)

// Snapshot is an ordered, finite collection of rows scraped in a single
// run, all belonging to one metric family.
type Snapshot struct {
	Family metric.Family
	Source string
	Rows   []metric.Row
	// Skipped records rows the reader rejected during shape validation.
	// A skipped row never aborts the rest of the snapshot.
	Skipped []SkippedRow
}

// SkippedRow identifies one rejected input row.
type SkippedRow struct {
	Line   int
	Reason string
}

// ReadFile loads a snapshot from a CSV file.
func ReadFile(path string, fam metric.Family) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	snap, err := Read(f, fam)
	if err != nil {
		return nil, err
	}
	snap.Source = path
	return snap, nil
}

// Read loads a snapshot from r. The header must carry exactly the family's
// declared columns (any order); a mismatched header fails the whole dataset
// with ErrSchemaMismatch since every row shares it.
func Read(r io.Reader, fam metric.Family) (*Snapshot, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty snapshot: missing header")
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot header: %w", err)
	}

	idx, err := columnIndex(header, fam)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Family: fam}
	line := 1
	for {
		line++
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Ragged record; csv reports the offending line, keep going.
			snap.Skipped = append(snap.Skipped, SkippedRow{Line: line, Reason: err.Error()})
			continue
		}

		row, err := parseRow(record, idx, fam)
		if err != nil {
			snap.Skipped = append(snap.Skipped, SkippedRow{Line: line, Reason: err.Error()})
			continue
		}
		snap.Rows = append(snap.Rows, row)
	}

	return snap, nil
}

// FindLatest returns the newest processed snapshot file for the family in
// dir, following the <family>_processed_*.csv naming the processors use.
func FindLatest(dir string, fam metric.Family) (string, error) {
	pattern := filepath.Join(dir, fam.Name+"_processed_*.csv")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("globbing snapshots: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no processed snapshot for family %s in %s", fam.Name, dir)
	}

	latest := ""
	var latestMod int64
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); latest == "" || mod > latestMod {
			latest, latestMod = m, mod
		}
	}
	if latest == "" {
		return "", fmt.Errorf("no readable snapshot for family %s in %s", fam.Name, dir)
	}
	return latest, nil
}

// columnIndex maps each family column to its position in the header.
func columnIndex(header []string, fam metric.Family) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}

	want := fam.Columns()
	// last_update_time is assigned at merge time, never read from input.
	want = want[:len(want)-1]

	if len(idx) != len(want) {
		return nil, fmt.Errorf("%w: header has %d columns, family %s declares %d",
			metric.ErrSchemaMismatch, len(idx), fam.Name, len(want))
	}
	for _, col := range want {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("%w: header missing column %q", metric.ErrSchemaMismatch, col)
		}
	}
	return idx, nil
}

func parseRow(record []string, idx map[string]int, fam metric.Family) (metric.Row, error) {
	cell := func(col string) string {
		i := idx[col]
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	row := metric.NewRow(fam, cell(fam.LocationColumn), cell(fam.PeriodColumn))

	for _, attr := range fam.AttrColumns {
		v := cell(attr.Name)
		if v == "" {
			continue
		}
		if attr.Kind == metric.AttrInteger {
			// Keep the textual form but insist it is numeric so the store
			// never sees garbage in an integer column.
			if _, err := decimal.NewFromString(v); err != nil {
				return metric.Row{}, fmt.Errorf("%w: attribute %s=%q is not numeric",
					metric.ErrMalformedRow, attr.Name, v)
			}
		}
		row.Attrs[attr.Name] = metric.Str(v)
	}

	for _, col := range fam.MetricColumns {
		v := cell(col)
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return metric.Row{}, fmt.Errorf("%w: metric %s=%q is not numeric",
				metric.ErrMalformedRow, col, v)
		}
		row.Metrics[col] = metric.Num(d)
	}

	if err := fam.ValidateRow(row); err != nil {
		return metric.Row{}, err
	}
	return row, nil
}
