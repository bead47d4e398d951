// Package jobmanager implements the Job Manager: creation, enqueueing,
// progress accounting, and terminal-state transitions for jobs
// (spec.md §4.5). It is a thin orchestration layer over the Store
// Gateway leaf interface.
package jobmanager

import (
	"context"
	"fmt"
	"time"

	"dividend-ingest/internal/store"
)

// Manager creates jobs, enqueues work, and reports progress.
type Manager struct {
	Store store.Gateway
}

func New(gw store.Gateway) *Manager {
	return &Manager{Store: gw}
}

// CreateAndEnqueue creates a job of jobType for tickers and enqueues
// one queue item per ticker, matching spec.md §4.2's createJob+enqueue
// pairing.
func (m *Manager) CreateAndEnqueue(ctx context.Context, jobType string, tickers []string, priority int, force bool) (*store.Job, error) {
	job, err := m.Store.CreateJob(ctx, jobType, tickers, priority, force, map[string]any{"force": force})
	if err != nil {
		return nil, err
	}
	if err := m.Store.Enqueue(ctx, job.ID, tickers, priority); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel cancels a job, succeeding only if it is still pending
// (spec.md §4.5).
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	return m.Store.CancelJob(ctx, jobID)
}

// Progress is the read model spec.md §4.5 describes: totals plus a
// human-readable ETA derived from the remaining queue depth.
type Progress struct {
	Total           int
	Processed       int
	Failed          int
	Remaining       int64
	Processing      int64
	PercentComplete float64
	ETA             string
	Status          string
}

// Progress computes a Job's current progress snapshot.
func (m *Manager) Progress(ctx context.Context, jobID string) (*Progress, error) {
	job, err := m.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	remaining, err := m.Store.CountPendingQueueItems(ctx, jobID)
	if err != nil {
		return nil, err
	}
	processing, err := m.Store.CountProcessingQueueItems(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var percent float64
	if job.Total > 0 {
		percent = float64(job.Processed+job.Failed) / float64(job.Total) * 100
	}

	return &Progress{
		Total:           job.Total,
		Processed:       job.Processed,
		Failed:          job.Failed,
		Remaining:       remaining,
		Processing:      processing,
		PercentComplete: percent,
		ETA:             etaString(remaining),
		Status:          job.Status,
	}, nil
}

func etaString(remaining int64) string {
	if remaining <= 0 {
		return "done"
	}
	d := time.Duration(remaining*12) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
