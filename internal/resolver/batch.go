package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"cardvault/internal/catalog"
	"cardvault/internal/core"
	"cardvault/internal/metrics"
	"cardvault/internal/pricestore"
)

// Job names recorded in job_runs.
const (
	JobSeedPrices    = "seed_prices"
	JobRefreshGraded = "refresh_graded"
)

// RunStats summarizes one batch run.
type RunStats struct {
	JobID    string `json:"job_id"`
	Total    int    `json:"total"`
	Resolved int    `json:"resolved"`
	Skipped  int    `json:"skipped"`
	Errored  int    `json:"errored"`
}

// Batch drives raw and graded resolution over catalog selections. Workers
// perform the provider fetches concurrently; all store writes happen in a
// single-threaded merge phase afterwards, so the store never sees
// concurrent writes from a run.
type Batch struct {
	catalog catalog.Catalog
	store   pricestore.Store
	raw     *RawResolver
	graded  *GradedResolver
	workers int
	metrics *metrics.Metrics
}

// NewBatch creates a batch engine. workers bounds the fetch pool (default 10).
func NewBatch(cat catalog.Catalog, store pricestore.Store, raw *RawResolver, graded *GradedResolver, workers int, m *metrics.Metrics) *Batch {
	if workers <= 0 {
		workers = 10
	}
	return &Batch{
		catalog: cat,
		store:   store,
		raw:     raw,
		graded:  graded,
		workers: workers,
		metrics: m,
	}
}

// RunRaw prices the raw cards matching the selection through the provider
// waterfall. Item-level failures are counted, never fatal; authentication
// and rate-limit errors abort the run.
func (b *Batch) RunRaw(ctx context.Context, sel catalog.Selection) (*RunStats, error) {
	subjects, err := b.catalog.RawSubjects(ctx, sel)
	if err != nil {
		return nil, err
	}

	stats := &RunStats{Total: len(subjects)}
	jobID, err := b.store.StartJobRun(ctx, JobSeedPrices)
	if err != nil {
		return nil, err
	}
	stats.JobID = jobID
	slog.Info("raw pricing run started", "job_id", jobID, "mode", sel.Mode, "subjects", len(subjects))

	outcomes := make([]rawOutcome, len(subjects))
	progress := newProgress(JobSeedPrices, len(subjects))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(b.workers)
	for i := range subjects {
		eg.Go(func() error {
			out, err := b.raw.fetch(egCtx, subjects[i])
			if err != nil {
				return err
			}
			outcomes[i] = out
			progress.step()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		b.finish(ctx, jobID, "aborted", stats, err)
		return stats, err
	}

	for _, out := range outcomes {
		if !out.resolved() {
			if out.err != nil {
				stats.Errored++
			}
			stats.Skipped++
			continue
		}
		if err := b.raw.merge(ctx, out); err != nil {
			b.finish(ctx, jobID, "failed", stats, err)
			return stats, err
		}
		stats.Resolved++
	}

	b.finish(ctx, jobID, "completed", stats, nil)
	return stats, nil
}

// RunGraded refreshes every graded item's value, oldest first, up to limit
// (0 = all). Items without usable provider data are skipped; transient
// per-item failures are counted as errors.
func (b *Batch) RunGraded(ctx context.Context, limit int) (*RunStats, error) {
	subjects, err := b.catalog.GradedSubjects(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(subjects) > limit {
		subjects = subjects[:limit]
	}

	stats := &RunStats{Total: len(subjects)}
	jobID, err := b.store.StartJobRun(ctx, JobRefreshGraded)
	if err != nil {
		return nil, err
	}
	stats.JobID = jobID
	slog.Info("graded refresh run started", "job_id", jobID, "subjects", len(subjects))

	type gradedResult struct {
		out    *gradedOutcome
		cached bool
		err    error
	}
	outcomes := make([]gradedResult, len(subjects))
	progress := newProgress(JobRefreshGraded, len(subjects))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(b.workers)
	for i := range subjects {
		eg.Go(func() error {
			defer progress.step()
			subject := &subjects[i]
			if rp, err := b.graded.cached(egCtx, subject); err != nil {
				return err
			} else if rp != nil {
				outcomes[i] = gradedResult{cached: true}
				return nil
			}
			out, err := b.graded.resolveRemote(egCtx, subject)
			if err != nil {
				if core.IsAborting(err) {
					return err
				}
				outcomes[i] = gradedResult{err: err}
				return nil
			}
			outcomes[i] = gradedResult{out: out}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		b.finish(ctx, jobID, "aborted", stats, err)
		return stats, err
	}

	var notAvailable *NotAvailableError
	for i, res := range outcomes {
		switch {
		case res.cached:
			stats.Resolved++
		case res.err != nil:
			stats.Errored++
			stats.Skipped++
		default:
			_, err := b.graded.persist(ctx, &subjects[i], res.out)
			switch {
			case err == nil:
				stats.Resolved++
			case errors.As(err, &notAvailable):
				stats.Skipped++
			default:
				b.finish(ctx, jobID, "failed", stats, err)
				return stats, err
			}
		}
	}

	b.finish(ctx, jobID, "completed", stats, nil)
	return stats, nil
}

func (b *Batch) finish(ctx context.Context, jobID, status string, stats *RunStats, runErr error) {
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	statsJSON, _ := json.Marshal(stats)
	if err := b.store.FinishJobRun(ctx, jobID, status, string(statsJSON), errText); err != nil {
		slog.Error("failed to record job run", "job_id", jobID, "error", err)
	}
	if b.metrics != nil {
		b.metrics.BatchSubjects.WithLabelValues("resolved").Set(float64(stats.Resolved))
		b.metrics.BatchSubjects.WithLabelValues("skipped").Set(float64(stats.Skipped))
		b.metrics.BatchSubjects.WithLabelValues("errored").Set(float64(stats.Errored))
	}
	slog.Info("pricing run finished",
		"job_id", jobID,
		"status", status,
		"resolved", stats.Resolved,
		"skipped", stats.Skipped,
		"errored", stats.Errored,
	)
}

// progress logs completion roughly every 5%.
type progress struct {
	job       string
	total     int
	logEvery  int
	completed atomic.Int64
}

func newProgress(job string, total int) *progress {
	logEvery := total / 20
	if logEvery < 1 {
		logEvery = 1
	}
	return &progress{job: job, total: total, logEvery: logEvery}
}

func (p *progress) step() {
	n := int(p.completed.Add(1))
	if n%p.logEvery == 0 || n == p.total {
		slog.Info("pricing progress", "job", p.job, "completed", n, "total", p.total)
	}
}
