package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dividend-ingest/internal/apperr"
	"dividend-ingest/internal/ratebudget"
	"dividend-ingest/internal/store"
	"dividend-ingest/internal/upstream"
)

// fakeClock is a manually-advanced Clock for deterministic tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time                       { return c.now }
func (c *fakeClock) Sleep(d time.Duration)                 { c.now = c.now.Add(d) }
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}

var _ ratebudget.Clock = (*fakeClock)(nil)

// fakeGateway implements store.Gateway in memory, enough to drive the
// worker's leasing/processing/finalizing paths.
type fakeGateway struct {
	tickers map[string]*store.Ticker
	jobs    map[string]*store.Job
	items   []store.QueueItem
	leased  []store.QueueItem
	failed  []string
	advances []advanceCall
}

type advanceCall struct {
	jobID              string
	processed, failed  int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		tickers: map[string]*store.Ticker{},
		jobs:    map[string]*store.Job{},
	}
}

func (f *fakeGateway) UpsertTicker(ctx context.Context, symbol string) (*store.Ticker, bool, error) {
	return nil, false, nil
}
func (f *fakeGateway) GetTicker(ctx context.Context, symbol string) (*store.Ticker, error) {
	t, ok := f.tickers[symbol]
	if !ok {
		return nil, apperr.NotFound("no such ticker")
	}
	return t, nil
}
func (f *fakeGateway) TouchTickerUpdated(ctx context.Context, symbol string, when time.Time) error {
	if t, ok := f.tickers[symbol]; ok {
		t.LastDividendUpdate = &when
	}
	return nil
}
func (f *fakeGateway) UpsertDividends(ctx context.Context, ticker string, records []store.DividendInput) (store.UpsertSummary, error) {
	return store.UpsertSummary{Inserted: len(records)}, nil
}
func (f *fakeGateway) ListDividends(ctx context.Context, ticker string, start, end *time.Time, limit, offset int) ([]store.Dividend, error) {
	return nil, nil
}
func (f *fakeGateway) ListAllDividends(ctx context.Context, start, end *time.Time, limit, offset int) ([]store.Dividend, error) {
	return nil, nil
}
func (f *fakeGateway) CreateJob(ctx context.Context, jobType string, tickerSymbols []string, priority int, force bool, metadata map[string]any) (*store.Job, error) {
	return nil, nil
}
func (f *fakeGateway) GetJob(ctx context.Context, jobID string) (*store.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, apperr.NotFound("no such job")
	}
	return j, nil
}
func (f *fakeGateway) ListJobs(ctx context.Context, fl store.JobFilter) ([]store.Job, error) { return nil, nil }
func (f *fakeGateway) CancelJob(ctx context.Context, jobID string) error                     { return nil }
func (f *fakeGateway) Enqueue(ctx context.Context, jobID string, symbols []string, priority int) error {
	return nil
}
func (f *fakeGateway) LeaseQueueItems(ctx context.Context, limit int, workerID string) ([]store.QueueItem, error) {
	if limit > len(f.items) {
		limit = len(f.items)
	}
	leased := f.items[:limit]
	f.items = f.items[limit:]
	f.leased = leased
	return leased, nil
}
func (f *fakeGateway) CompleteItem(ctx context.Context, id string) error { return nil }
func (f *fakeGateway) FailItem(ctx context.Context, id string, errMsg string) error {
	f.failed = append(f.failed, id)
	return nil
}
func (f *fakeGateway) AdvanceJob(ctx context.Context, jobID string, deltaProcessed, deltaFailed int) error {
	f.advances = append(f.advances, advanceCall{jobID, deltaProcessed, deltaFailed})
	if j, ok := f.jobs[jobID]; ok {
		j.Processed += deltaProcessed
		j.Failed += deltaFailed
	}
	return nil
}
func (f *fakeGateway) MarkProcessing(ctx context.Context, jobID string) error {
	if j, ok := f.jobs[jobID]; ok && j.Status == store.JobStatusPending {
		j.Status = store.JobStatusProcessing
	}
	return nil
}
func (f *fakeGateway) FinalizeJobIfDrained(ctx context.Context, jobID string) (bool, error) {
	return false, nil
}
func (f *fakeGateway) CountPendingQueueItems(ctx context.Context, jobID string) (int64, error) {
	return 0, nil
}
func (f *fakeGateway) CountProcessingQueueItems(ctx context.Context, jobID string) (int64, error) {
	return 0, nil
}
func (f *fakeGateway) GetAPIUserByKey(ctx context.Context, apiKey string) (*store.ApiUser, error) {
	return nil, nil
}
func (f *fakeGateway) Subscribe(ctx context.Context, userID, ticker string, priority int) (*store.Subscription, error) {
	return nil, nil
}
func (f *fakeGateway) Unsubscribe(ctx context.Context, userID, ticker string) error { return nil }
func (f *fakeGateway) ListSubscriptions(ctx context.Context, userID string) ([]store.Subscription, error) {
	return nil, nil
}
func (f *fakeGateway) CountSubscriptions(ctx context.Context, userID string) (int64, error) {
	return 0, nil
}
func (f *fakeGateway) AppendSubscriptionActivity(ctx context.Context, userID, ticker, action string, detail map[string]any) error {
	return nil
}
func (f *fakeGateway) RecordCallLog(ctx context.Context, log store.CallLog) error { return nil }

var _ store.Gateway = (*fakeGateway)(nil)

// fakeFetcher returns canned results or errors per ticker.
type fakeFetcher struct {
	results map[string][]store.DividendInput
	errs    map[string]error
}

func (f *fakeFetcher) FetchDividends(ctx context.Context, ticker string, rng *upstream.DateRange, kind upstream.FetchKind) ([]store.DividendInput, error) {
	if err, ok := f.errs[ticker]; ok {
		return nil, err
	}
	return f.results[ticker], nil
}
func (f *fakeFetcher) FetchBulkRecent(ctx context.Context, daysBack, pageSize int) ([]store.DividendInput, error) {
	return nil, nil
}

var _ upstream.Fetcher = (*fakeFetcher)(nil)

func TestProcessItem_SkipsFreshTicker(t *testing.T) {
	gw := newFakeGateway()
	clock := &fakeClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	last := clock.now.Add(-1 * time.Hour)
	gw.tickers["AAPL"] = &store.Ticker{Symbol: "AAPL", LastDividendUpdate: &last, UpdateFrequencyHours: 24}

	w := &Worker{Store: gw, Fetcher: &fakeFetcher{}, Clock: clock, Log: zap.NewNop()}
	item := store.QueueItem{ID: "i1", JobID: "j1", TickerSymbol: "AAPL"}
	outcome := w.processItem(context.Background(), item, false)

	assert.Equal(t, outcomeSkipped, outcome)
	require.Len(t, gw.advances, 1)
	assert.Equal(t, 1, gw.advances[0].processed)
}

func TestProcessItem_ForceBypassesFreshness(t *testing.T) {
	gw := newFakeGateway()
	clock := &fakeClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	last := clock.now.Add(-1 * time.Hour)
	gw.tickers["AAPL"] = &store.Ticker{Symbol: "AAPL", LastDividendUpdate: &last, UpdateFrequencyHours: 24}
	fetcher := &fakeFetcher{results: map[string][]store.DividendInput{"AAPL": {{}}}}

	w := &Worker{Store: gw, Fetcher: fetcher, Clock: clock, Log: zap.NewNop()}
	item := store.QueueItem{ID: "i1", JobID: "j1", TickerSymbol: "AAPL"}
	outcome := w.processItem(context.Background(), item, true)

	assert.Equal(t, outcomeProcessed, outcome)
}

func TestProcessItem_StaleTickerFetchesAndCompletes(t *testing.T) {
	gw := newFakeGateway()
	clock := &fakeClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	last := clock.now.Add(-48 * time.Hour)
	gw.tickers["MSFT"] = &store.Ticker{Symbol: "MSFT", LastDividendUpdate: &last, UpdateFrequencyHours: 24}
	fetcher := &fakeFetcher{results: map[string][]store.DividendInput{"MSFT": {{}, {}}}}

	w := &Worker{Store: gw, Fetcher: fetcher, Clock: clock, Log: zap.NewNop()}
	item := store.QueueItem{ID: "i2", JobID: "j1", TickerSymbol: "MSFT"}
	outcome := w.processItem(context.Background(), item, false)

	assert.Equal(t, outcomeProcessed, outcome)
	assert.NotNil(t, gw.tickers["MSFT"].LastDividendUpdate)
}

func TestProcessItem_RateLimitedStopsWithoutFailing(t *testing.T) {
	gw := newFakeGateway()
	clock := &fakeClock{now: time.Now()}
	fetcher := &fakeFetcher{errs: map[string]error{"TSLA": &upstream.RateLimitedError{WaitMs: 60000}}}

	w := &Worker{Store: gw, Fetcher: fetcher, Clock: clock, Log: zap.NewNop()}
	item := store.QueueItem{ID: "i3", JobID: "j1", TickerSymbol: "TSLA"}
	outcome := w.processItem(context.Background(), item, true)

	assert.Equal(t, outcomeRateLimited, outcome)
	assert.Empty(t, gw.failed)
	assert.Empty(t, gw.advances)
}

func TestProcessItem_UpstreamErrorFailsItem(t *testing.T) {
	gw := newFakeGateway()
	clock := &fakeClock{now: time.Now()}
	fetcher := &fakeFetcher{errs: map[string]error{"GME": apperr.Transient("boom", nil)}}

	w := &Worker{Store: gw, Fetcher: fetcher, Clock: clock, Log: zap.NewNop()}
	item := store.QueueItem{ID: "i4", JobID: "j1", TickerSymbol: "GME"}
	outcome := w.processItem(context.Background(), item, true)

	assert.Equal(t, outcomeFailed, outcome)
	assert.Contains(t, gw.failed, "i4")
	require.Len(t, gw.advances, 1)
	assert.Equal(t, 1, gw.advances[0].failed)
}

func TestNeedsUpdate_MissingTickerDefaultsTrue(t *testing.T) {
	gw := newFakeGateway()
	clock := &fakeClock{now: time.Now()}
	w := &Worker{Store: gw, Clock: clock, Log: zap.NewNop()}

	needs, err := w.needsUpdate(context.Background(), "UNKNOWN")
	require.NoError(t, err)
	assert.True(t, needs)
}
