package ingest

import (
	"time"

	"github.com/rentradar/markethist/internal/reconcile"
	"github.com/rentradar/markethist/internal/store"
)

// Run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// FailedRow records one row that could not be merged, with enough
// context to find it in the snapshot.
type FailedRow struct {
	Location string
	Period   string
	Line     int
	Reason   string
}

// Summary is the outcome of one coordinator run. Every run produces one,
// including runs that fail partway.
type Summary struct {
	RunID      string
	Family     string
	Source     string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string

	Inserted   int
	Backfilled int
	Advanced   int
	Corrected  int
	NoOps      int

	FailedRows    []FailedRow
	FailedBatches int
	TotalBatches  int

	Refreshed  bool
	RefreshErr error
}

func (s *Summary) count(d reconcile.Decision) {
	switch d {
	case reconcile.Insert:
		s.Inserted++
	case reconcile.Backfill:
		s.Backfilled++
	case reconcile.AdvancePeriod:
		s.Advanced++
	case reconcile.CorrectField:
		s.Corrected++
	case reconcile.NoOp:
		s.NoOps++
	}
}

// EffectiveChanges reports how many rows actually changed stored state.
// A run of pure no-ops does not warrant a projection rebuild.
func (s *Summary) EffectiveChanges() int {
	return s.Inserted + s.Backfilled + s.Advanced + s.Corrected
}

// Record converts the summary into its persisted form. The report
// markdown is attached by the caller.
func (s *Summary) Record() *store.RunRecord {
	return &store.RunRecord{
		ID:            s.RunID,
		Family:        s.Family,
		Source:        s.Source,
		StartedAt:     s.StartedAt,
		FinishedAt:    s.FinishedAt,
		Status:        s.Status,
		Inserted:      s.Inserted,
		Backfilled:    s.Backfilled,
		Advanced:      s.Advanced,
		Corrected:     s.Corrected,
		NoOps:         s.NoOps,
		FailedRows:    len(s.FailedRows),
		FailedBatches: s.FailedBatches,
	}
}
