package jobmanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dividend-ingest/internal/store"
)

type fakeGateway struct {
	store.Gateway
	createdJobType string
	createdTickers []string
	enqueuedJobID  string
	enqueuedSyms   []string
	job            *store.Job
	pending        int64
	processing     int64
	cancelErr      error
}

func (f *fakeGateway) CreateJob(ctx context.Context, jobType string, tickerSymbols []string, priority int, force bool, metadata map[string]any) (*store.Job, error) {
	f.createdJobType = jobType
	f.createdTickers = tickerSymbols
	j := &store.Job{ID: "job-1", JobType: jobType, Total: len(tickerSymbols), Status: store.JobStatusPending}
	f.job = j
	return j, nil
}

func (f *fakeGateway) Enqueue(ctx context.Context, jobID string, symbols []string, priority int) error {
	f.enqueuedJobID = jobID
	f.enqueuedSyms = symbols
	return nil
}

func (f *fakeGateway) GetJob(ctx context.Context, jobID string) (*store.Job, error) {
	return f.job, nil
}

func (f *fakeGateway) CountPendingQueueItems(ctx context.Context, jobID string) (int64, error) {
	return f.pending, nil
}

func (f *fakeGateway) CountProcessingQueueItems(ctx context.Context, jobID string) (int64, error) {
	return f.processing, nil
}

func (f *fakeGateway) CancelJob(ctx context.Context, jobID string) error {
	return f.cancelErr
}

func TestCreateAndEnqueue_CreatesThenEnqueuesSameJob(t *testing.T) {
	gw := &fakeGateway{}
	m := New(gw)

	job, err := m.CreateAndEnqueue(context.Background(), store.JobTypeDividendUpdate, []string{"AAPL", "MSFT"}, 5, false)

	require.NoError(t, err)
	assert.Equal(t, store.JobTypeDividendUpdate, gw.createdJobType)
	assert.Equal(t, job.ID, gw.enqueuedJobID)
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, gw.enqueuedSyms)
}

func TestProgress_ComputesPercentComplete(t *testing.T) {
	gw := &fakeGateway{job: &store.Job{ID: "job-1", Total: 4, Processed: 3, Failed: 1, Status: store.JobStatusProcessing}, pending: 0}
	m := New(gw)

	p, err := m.Progress(context.Background(), "job-1")

	require.NoError(t, err)
	assert.Equal(t, float64(100), p.PercentComplete)
	assert.Equal(t, "done", p.ETA)
}

func TestProgress_ReportsRemainingETA(t *testing.T) {
	gw := &fakeGateway{job: &store.Job{ID: "job-1", Total: 10, Processed: 2, Failed: 0, Status: store.JobStatusProcessing}, pending: 8}
	m := New(gw)

	p, err := m.Progress(context.Background(), "job-1")

	require.NoError(t, err)
	assert.Equal(t, int64(8), p.Remaining)
	assert.NotEqual(t, "done", p.ETA)
}

func TestProgress_ReportsProcessingCount(t *testing.T) {
	gw := &fakeGateway{job: &store.Job{ID: "job-1", Total: 10, Processed: 2, Status: store.JobStatusProcessing}, pending: 8, processing: 3}
	m := New(gw)

	p, err := m.Progress(context.Background(), "job-1")

	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Processing)
}

func TestCancel_PropagatesConflict(t *testing.T) {
	gw := &fakeGateway{cancelErr: assertErr{"job is not pending"}}
	m := New(gw)

	err := m.Cancel(context.Background(), "job-1")
	assert.Error(t, err)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
