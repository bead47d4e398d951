package handler

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"dividend-ingest/internal/jobmanager"
	"dividend-ingest/internal/ratebudget"
	"dividend-ingest/internal/store"
	"dividend-ingest/internal/upstream"
	"dividend-ingest/internal/worker"
)

// JobsHandler implements the job-inspection and manual-trigger surface:
// GET /jobs, GET /job-status/{jobId}, DELETE /jobs, POST /process-queue,
// POST /process (spec.md §6.1).
type JobsHandler struct {
	Store   store.Gateway
	Manager *jobmanager.Manager
	Fetcher upstream.Fetcher
	Budget  *ratebudget.Budget
	Clock   ratebudget.Clock
	Log     *zap.Logger
}

func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.JobFilter{
		Status:  q.Get("status"),
		JobType: q.Get("job_type"),
		Sort:    q.Get("sort"),
		Order:   q.Get("order"),
		Limit:   atoiDefault(q.Get("limit"), 50),
		Offset:  atoiDefault(q.Get("offset"), 0),
	}
	jobs, err := h.Store.ListJobs(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := urlParam(r, "jobId")
	progress, err := h.Manager.Progress(r.Context(), jobID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		badRequest(w, "jobId query parameter required")
		return
	}
	if err := h.Manager.Cancel(r.Context(), jobID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": jobID})
}

// ProcessQueue is the internal, unauthenticated trigger the spec's
// HTTP surface reserves for a scheduler or cron caller; it runs one
// worker batch synchronously and reports the outcome.
func (h *JobsHandler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	wk := worker.New("http-trigger", h.Store, h.Fetcher, h.Budget, h.Clock, h.Log)
	result := wk.Tick(r.Context())
	writeJSON(w, http.StatusOK, result)
}

type processReq struct {
	Ticker    string `json:"ticker"`
	Force     bool   `json:"force"`
	FetchType string `json:"fetchType"`
}

// Process handles POST /process: a single-ticker, synchronous fetch
// outside the queue, used for ad hoc on-demand refreshes.
func (h *JobsHandler) Process(w http.ResponseWriter, r *http.Request) {
	var req processReq
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	symbol := normalizeTicker(req.Ticker)
	if symbol == "" {
		badRequest(w, "ticker is required")
		return
	}

	kind := upstream.KindHistorical
	if req.FetchType == "recent" {
		kind = upstream.KindRecent
	}

	if _, _, err := h.Store.UpsertTicker(r.Context(), symbol); err != nil {
		writeErr(w, err)
		return
	}

	records, err := h.Fetcher.FetchDividends(r.Context(), symbol, nil, kind)
	if err != nil {
		writeErr(w, err)
		return
	}

	summary, err := h.Store.UpsertDividends(r.Context(), symbol, records)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = h.Store.TouchTickerUpdated(r.Context(), symbol, h.Clock.Now())

	writeJSON(w, http.StatusOK, map[string]any{"ticker": symbol, "summary": summary})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
