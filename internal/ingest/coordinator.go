// Package ingest drives one reconciliation run: it partitions a snapshot
// into location-disjoint batches, merges each batch against stored
// history, and writes the results through the store adapter.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rentradar/markethist/internal/metric"
	"github.com/rentradar/markethist/internal/reconcile"
	"github.com/rentradar/markethist/internal/snapshot"
	"github.com/rentradar/markethist/internal/store"
)

// Options bound a run's batching, parallelism, and retry behavior.
type Options struct {
	BatchSize   int
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	RunTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	return o
}

// Coordinator sequences reader output through the reconciler and store
// for one metric family at a time.
type Coordinator struct {
	store store.Store
	opts  Options
	log   *zap.Logger

	now   func() time.Time
	newID func() string
}

// New creates a coordinator on top of the given store.
func New(st store.Store, opts Options, log *zap.Logger) *Coordinator {
	return &Coordinator{
		store: st,
		opts:  opts.withDefaults(),
		log:   log,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// batch is a location-disjoint slice of snapshot rows. Rows for one
// location always land in the same batch so parallel batches never
// contend on a key.
type batch struct {
	index     int
	locations []string
	rows      []metric.Row
}

// batchOutcome is what one batch contributes to the run summary.
type batchOutcome struct {
	counts     map[reconcile.Decision]int
	failedRows []FailedRow
}

// Run merges one snapshot into the historical store and returns the run
// summary. Partial failure still yields a summary; the returned error is
// non-nil only when the run as a whole failed.
func (c *Coordinator) Run(ctx context.Context, fam metric.Family, snap *snapshot.Snapshot) (*Summary, error) {
	if c.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RunTimeout)
		defer cancel()
	}

	sum := &Summary{
		RunID:     c.newID(),
		Family:    fam.Name,
		Source:    snap.Source,
		StartedAt: c.now().UTC(),
	}
	for _, sk := range snap.Skipped {
		sum.FailedRows = append(sum.FailedRows, FailedRow{Line: sk.Line, Reason: sk.Reason})
	}

	log := c.log.With(
		zap.String("run_id", sum.RunID),
		zap.String("family", fam.Name),
		zap.String("source", snap.Source))
	log.Info("starting run",
		zap.Int("rows", len(snap.Rows)),
		zap.Int("skipped_by_reader", len(snap.Skipped)))

	batches := partition(snap.Rows, c.opts.BatchSize)
	sum.TotalBatches = len(batches)

	succeeded := c.processBatches(ctx, log, fam, batches, sum)

	sum.FinishedAt = c.now().UTC()
	sum.Status = StatusSucceeded
	if len(snap.Rows) > 0 && succeeded == 0 {
		sum.Status = StatusFailed
	}

	c.maybeRefresh(ctx, log, fam, sum)

	log.Info("run finished",
		zap.String("status", sum.Status),
		zap.Int("inserted", sum.Inserted),
		zap.Int("backfilled", sum.Backfilled),
		zap.Int("advanced", sum.Advanced),
		zap.Int("corrected", sum.Corrected),
		zap.Int("noops", sum.NoOps),
		zap.Int("failed_rows", len(sum.FailedRows)),
		zap.Int("failed_batches", sum.FailedBatches))

	if sum.Status == StatusFailed {
		return sum, fmt.Errorf("run %s: no batch committed out of %d", sum.RunID, sum.TotalBatches)
	}
	return sum, nil
}

// processBatches fans batches out to workers and folds their outcomes
// into the summary. Returns the number of batches that committed.
func (c *Coordinator) processBatches(ctx context.Context, log *zap.Logger, fam metric.Family, batches []batch, sum *Summary) int {
	if len(batches) == 0 {
		return 0
	}

	jobs := make(chan batch)
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	workers := c.opts.Workers
	if workers > len(batches) {
		workers = len(batches)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				// Cancellation is cooperative: an in-flight batch
				// completes, queued ones are not started.
				if ctx.Err() != nil {
					mu.Lock()
					sum.FailedBatches++
					mu.Unlock()
					continue
				}

				out, err := c.runBatch(ctx, fam, b)
				mu.Lock()
				if err != nil {
					sum.FailedBatches++
					log.Warn("batch failed",
						zap.Int("batch", b.index),
						zap.Int("rows", len(b.rows)),
						zap.Error(err))
				} else {
					succeeded++
					for d, n := range out.counts {
						for i := 0; i < n; i++ {
							sum.count(d)
						}
					}
					sum.FailedRows = append(sum.FailedRows, out.failedRows...)
				}
				mu.Unlock()
			}
		}()
	}

	for _, b := range batches {
		jobs <- b
	}
	close(jobs)
	wg.Wait()
	return succeeded
}

// runBatch executes one batch's fetch-merge-write sequence, retrying the
// whole sequence on store errors. Row-local errors never fail the batch.
func (c *Coordinator) runBatch(ctx context.Context, fam metric.Family, b batch) (batchOutcome, error) {
	var out batchOutcome
	err := retryDo(ctx, c.opts.MaxAttempts, c.opts.RetryDelay, func() error {
		var attemptErr error
		out, attemptErr = c.attemptBatch(ctx, fam, b)
		return attemptErr
	})
	return out, err
}

func (c *Coordinator) attemptBatch(ctx context.Context, fam metric.Family, b batch) (batchOutcome, error) {
	out := batchOutcome{counts: make(map[reconcile.Decision]int)}

	existing, err := c.store.FetchExisting(ctx, fam, b.locations)
	if err != nil {
		return out, err
	}

	// Latest stored period per location decides AdvancePeriod vs Backfill.
	latest := make(map[string]string)
	for k := range existing {
		if k.Period > latest[k.Location] {
			latest[k.Location] = k.Period
		}
	}

	var writes []metric.Row
	for _, row := range b.rows {
		var stored *metric.Row
		if cur, ok := existing[row.Key()]; ok {
			stored = &cur
		}

		merged, decision, err := reconcile.Reconcile(fam, row, stored, latest[row.LocationKey], c.now().UTC())
		if err != nil {
			out.failedRows = append(out.failedRows, FailedRow{
				Location: row.LocationKey,
				Period:   row.PeriodKey,
				Reason:   err.Error(),
			})
			continue
		}

		out.counts[decision]++
		if decision == reconcile.NoOp {
			continue
		}

		writes = append(writes, merged)
		// Later duplicates of the same key merge against this result.
		existing[merged.Key()] = merged
		if merged.PeriodKey > latest[merged.LocationKey] {
			latest[merged.LocationKey] = merged.PeriodKey
		}
	}

	if _, err := c.store.ApplyMerge(ctx, fam, writes); err != nil {
		return out, err
	}
	return out, nil
}

// maybeRefresh rebuilds the family projection after a run that changed
// stored state. A refresh failure is logged, never rolled back into the
// already-committed merge.
func (c *Coordinator) maybeRefresh(ctx context.Context, log *zap.Logger, fam metric.Family, sum *Summary) {
	if sum.Status == StatusFailed || sum.EffectiveChanges() == 0 {
		log.Info("skipping projection refresh", zap.Int("effective_changes", sum.EffectiveChanges()))
		return
	}
	if err := c.store.RefreshProjection(ctx, fam); err != nil {
		sum.RefreshErr = err
		log.Warn("projection refresh failed", zap.String("view", fam.View), zap.Error(err))
		return
	}
	sum.Refreshed = true
}

// partition groups rows by location, then packs whole location groups
// into batches of at most batchSize rows. A single location's rows never
// split across batches, even when one location alone exceeds the bound.
func partition(rows []metric.Row, batchSize int) []batch {
	groupIdx := make(map[string]int)
	var order []string
	groups := make(map[string][]metric.Row)
	for _, r := range rows {
		if _, ok := groupIdx[r.LocationKey]; !ok {
			groupIdx[r.LocationKey] = len(order)
			order = append(order, r.LocationKey)
		}
		groups[r.LocationKey] = append(groups[r.LocationKey], r)
	}

	var batches []batch
	cur := batch{index: 0}
	for _, loc := range order {
		g := groups[loc]
		if len(cur.rows) > 0 && len(cur.rows)+len(g) > batchSize {
			batches = append(batches, cur)
			cur = batch{index: len(batches)}
		}
		cur.locations = append(cur.locations, loc)
		cur.rows = append(cur.rows, g...)
	}
	if len(cur.rows) > 0 {
		batches = append(batches, cur)
	}
	return batches
}
