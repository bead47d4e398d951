// Package worker implements the Worker Pool: it pulls queue items
// honoring the rate budget, invokes the Upstream Fetcher, commits
// results through the Store Gateway, and advances the Job Manager's
// counters (spec.md §4.6). Grounded on the teacher's
// internal/jobs/worker.go ticking loop, generalized from one job per
// tick to a leased batch per tick.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dividend-ingest/internal/apperr"
	"dividend-ingest/internal/ratebudget"
	"dividend-ingest/internal/store"
	"dividend-ingest/internal/upstream"
)

const (
	defaultBatchSize  = 5
	defaultTickPeriod = 2 * time.Second
	itemCourtesySleep = 1 * time.Second
)

// Worker polls the queue on a fixed tick, leasing and processing a
// bounded batch each time.
type Worker struct {
	ID        string
	Store     store.Gateway
	Fetcher   upstream.Fetcher
	Budget    *ratebudget.Budget
	Clock     ratebudget.Clock
	Log       *zap.Logger
	BatchSize int
	TickEvery time.Duration

	// CourtesySleep overrides the default between-item pause; zero
	// means itemCourtesySleep.
	CourtesySleep time.Duration
}

// New constructs a Worker with spec-mandated defaults.
func New(id string, gw store.Gateway, fetcher upstream.Fetcher, budget *ratebudget.Budget, clock ratebudget.Clock, log *zap.Logger) *Worker {
	return &Worker{
		ID:        id,
		Store:     gw,
		Fetcher:   fetcher,
		Budget:    budget,
		Clock:     clock,
		Log:       log,
		BatchSize: defaultBatchSize,
		TickEvery: defaultTickPeriod,
	}
}

// Run ticks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	period := w.TickEvery
	if period <= 0 {
		period = defaultTickPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// BatchResult summarizes one tick for callers that want visibility
// (e.g. the /process-queue HTTP trigger).
type BatchResult struct {
	Processed   int
	Skipped     int
	Failed      int
	RateLimited bool
	WaitMs      int64
}

// Tick runs a single lease-and-process batch (spec.md §4.6 steps 1–3).
func (w *Worker) Tick(ctx context.Context) BatchResult {
	decision, err := w.Budget.CheckAndReserve(ctx, ratebudget.PolygonService)
	if err != nil {
		w.Log.Warn("rate budget check failed", zap.Error(err))
		return BatchResult{}
	}
	if !decision.Admitted {
		w.Log.Debug("rate limited, skipping tick", zap.Int64("wait_ms", decision.WaitMs))
		return BatchResult{RateLimited: true, WaitMs: decision.WaitMs}
	}

	batchSize := w.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	items, err := w.Store.LeaseQueueItems(ctx, batchSize, w.ID)
	if err != nil {
		w.Log.Warn("lease queue items failed", zap.Error(err))
		return BatchResult{}
	}

	result := BatchResult{}
	touchedJobs := make(map[string]struct{})

	for i, item := range items {
		job, err := w.Store.GetJob(ctx, item.JobID)
		if err != nil {
			w.Log.Warn("failed to load owning job", zap.String("job_id", item.JobID), zap.Error(err))
			continue
		}

		if job.Status != store.JobStatusPending && job.Status != store.JobStatusProcessing {
			_ = w.Store.CompleteItem(ctx, item.ID)
			continue
		}

		if job.Status == store.JobStatusPending {
			if err := w.Store.MarkProcessing(ctx, job.ID); err != nil {
				w.Log.Warn("failed to mark job processing", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
		touchedJobs[job.ID] = struct{}{}

		outcome := w.processItem(ctx, item, job.Force)
		switch outcome {
		case outcomeSkipped:
			result.Skipped++
		case outcomeProcessed:
			result.Processed++
		case outcomeFailed:
			result.Failed++
		case outcomeRateLimited:
			result.RateLimited = true
			w.Log.Info("upstream rate limited mid-batch, stopping batch",
				zap.String("ticker", item.TickerSymbol), zap.Int("remaining_items", len(items)-i-1))
			goto drained
		}

		if i < len(items)-1 {
			sleep := w.CourtesySleep
			if sleep == 0 {
				sleep = itemCourtesySleep
			}
			w.Clock.Sleep(sleep)
		}
	}

drained:
	for jobID := range touchedJobs {
		if _, err := w.Store.FinalizeJobIfDrained(ctx, jobID); err != nil {
			w.Log.Warn("failed to finalize job", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	return result
}

type itemOutcome int

const (
	outcomeProcessed itemOutcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeRateLimited
)

func (w *Worker) processItem(ctx context.Context, item store.QueueItem, force bool) itemOutcome {
	if !force {
		needsUpdate, err := w.needsUpdate(ctx, item.TickerSymbol)
		if err == nil && !needsUpdate {
			_ = w.Store.CompleteItem(ctx, item.ID)
			_ = w.Store.AdvanceJob(ctx, item.JobID, 1, 0)
			return outcomeSkipped
		}
	}

	records, err := w.Fetcher.FetchDividends(ctx, item.TickerSymbol, nil, upstream.KindHistorical)
	if err != nil {
		if _, ok := err.(*upstream.RateLimitedError); ok {
			return outcomeRateLimited
		}
		_ = w.Store.FailItem(ctx, item.ID, err.Error())
		_ = w.Store.AdvanceJob(ctx, item.JobID, 0, 1)
		return outcomeFailed
	}

	if _, err := w.Store.UpsertDividends(ctx, item.TickerSymbol, records); err != nil {
		_ = w.Store.FailItem(ctx, item.ID, err.Error())
		_ = w.Store.AdvanceJob(ctx, item.JobID, 0, 1)
		return outcomeFailed
	}

	_ = w.Store.TouchTickerUpdated(ctx, item.TickerSymbol, w.Clock.Now())
	_ = w.Store.CompleteItem(ctx, item.ID)
	_ = w.Store.AdvanceJob(ctx, item.JobID, 1, 0)
	return outcomeProcessed
}

// needsUpdate implements the "freshness check" referenced by spec.md
// §4.6 step c: a ticker needs no update if it was refreshed within its
// own update_frequency_hours window.
func (w *Worker) needsUpdate(ctx context.Context, symbol string) (bool, error) {
	t, err := w.Store.GetTicker(ctx, symbol)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return true, nil
		}
		return true, err
	}
	if t.LastDividendUpdate == nil {
		return true, nil
	}
	freshUntil := t.LastDividendUpdate.Add(time.Duration(t.UpdateFrequencyHours) * time.Hour)
	return w.Clock.Now().After(freshUntil), nil
}
