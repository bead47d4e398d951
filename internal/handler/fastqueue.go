package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"dividend-ingest/internal/jobmanager"
	"dividend-ingest/internal/store"
)

// FastQueueSink is the single abstraction spec.md §9 calls for,
// collapsing the original's "Cloudflare Queue over HTTP" and "native
// Cloudflare Queue" split into one interface with one concrete
// production implementation (HTTPSink) plus a local fallback
// (LocalSink) used when no external queue URL is configured.
type FastQueueSink interface {
	Enqueue(ctx context.Context, tickers []string, priority string, force bool) error
}

// HTTPSink posts the fast-path batch to an external queue endpoint
// (the deployment's CLOUDFLARE_WORKER_QUEUE_URL).
type HTTPSink struct {
	URL    string
	Client *http.Client
}

func NewHTTPSink(url string) *HTTPSink {
	return &HTTPSink{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

type fastQueuePayload struct {
	Tickers  []string `json:"tickers"`
	Priority string   `json:"priority"`
	Force    bool     `json:"force"`
}

func (s *HTTPSink) Enqueue(ctx context.Context, tickers []string, priority string, force bool) error {
	body, err := json.Marshal(fastQueuePayload{Tickers: tickers, Priority: priority, Force: force})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fast queue sink returned status %d", resp.StatusCode)
	}
	return nil
}

var _ FastQueueSink = (*HTTPSink)(nil)

// LocalSink is the synchronous-dispatch fallback spec.md §4.8 allows:
// it creates and enqueues a high-priority job directly through the
// Job Manager instead of handing off to an external queue.
type LocalSink struct {
	Manager *jobmanager.Manager
}

func NewLocalSink(m *jobmanager.Manager) *LocalSink { return &LocalSink{Manager: m} }

func (s *LocalSink) Enqueue(ctx context.Context, tickers []string, priority string, force bool) error {
	p := 10
	if priority != "high" {
		p = 1
	}
	_, err := s.Manager.CreateAndEnqueue(ctx, store.JobTypeDividendUpdate, tickers, p, force)
	return err
}

var _ FastQueueSink = (*LocalSink)(nil)
