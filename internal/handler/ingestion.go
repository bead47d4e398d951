package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dividend-ingest/internal/apperr"
	"dividend-ingest/internal/jobmanager"
	"dividend-ingest/internal/routing"
	"dividend-ingest/internal/store"
)

const maxTickersPerRequest = 100

// IngestionHandler implements POST /update-tickers (spec.md §4.8).
type IngestionHandler struct {
	Store     store.Gateway
	Oracle    routing.Oracle
	Manager   *jobmanager.Manager
	FastQueue FastQueueSink
	Log       *zap.Logger
	Now       func() time.Time
}

type updateTickersReq struct {
	Tickers  []string `json:"tickers"`
	Priority int      `json:"priority"`
	Force    bool     `json:"force"`
}

type tickerDecision struct {
	Ticker string `json:"ticker"`
	Lane   string `json:"lane"`
	Reason string `json:"reason"`
}

func (h *IngestionHandler) UpdateTickers(w http.ResponseWriter, r *http.Request) {
	var req updateTickersReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json body")
		return
	}

	if len(req.Tickers) == 0 {
		badRequest(w, "tickers must be non-empty")
		return
	}
	if len(req.Tickers) > maxTickersPerRequest {
		badRequest(w, "too many tickers, max 100")
		return
	}
	valid := sanitizeTickers(req.Tickers)
	if len(valid) == 0 {
		badRequest(w, "no valid ticker symbols supplied")
		return
	}

	now := h.Now
	if now == nil {
		now = time.Now
	}

	decisions := make([]tickerDecision, 0, len(valid))
	var fastLane, bulkLane []string
	for _, symbol := range valid {
		state, err := h.lookupState(r.Context(), symbol)
		var d routing.Decision
		if err != nil {
			h.Log.Warn("ticker lookup failed, falling back to fast queue", zap.String("ticker", symbol), zap.Error(err))
			d = routing.Fallback()
		} else {
			d = h.Oracle.Decide(state, now())
		}
		decisions = append(decisions, tickerDecision{Ticker: symbol, Lane: string(d.Lane), Reason: string(d.Reason)})
		if d.Lane == routing.LaneFastQueue {
			fastLane = append(fastLane, symbol)
		} else {
			bulkLane = append(bulkLane, symbol)
		}
	}

	fast := r.URL.Query().Get("fast") == "true" || len(valid) > 20

	if fast {
		processingID := uuid.NewString()
		go h.process(context.Background(), fastLane, bulkLane, req.Priority, req.Force)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"processingId": processingID,
			"decisions":    decisions,
			"laneCounts":   map[string]int{"fast": len(fastLane), "bulk": len(bulkLane)},
			"status":       "processing",
		})
		return
	}

	job, fastOutcome := h.process(r.Context(), fastLane, bulkLane, req.Priority, req.Force)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job":              job,
		"fastQueueOutcome": fastOutcome,
		"decisions":        decisions,
		"laneCounts":       map[string]int{"fast": len(fastLane), "bulk": len(bulkLane)},
	})
}

// process implements spec.md §4.8 steps 2–4: upsert every valid
// symbol, dispatch the fast lane, and enqueue the bulk lane — falling
// back fast-lane symbols into the bulk lane on dispatch failure.
func (h *IngestionHandler) process(ctx context.Context, fastLane, bulkLane []string, priority int, force bool) (*store.Job, map[string]any) {
	for _, symbol := range append(append([]string{}, fastLane...), bulkLane...) {
		if _, _, err := h.Store.UpsertTicker(ctx, symbol); err != nil {
			h.Log.Warn("upsert ticker failed", zap.String("ticker", symbol), zap.Error(err))
		}
	}

	var fastOutcome map[string]any
	if len(fastLane) > 0 {
		if err := h.FastQueue.Enqueue(ctx, fastLane, "high", force); err != nil {
			h.Log.Warn("fast queue dispatch failed, falling back to standard path", zap.Error(err))
			fastOutcome = map[string]any{"dispatched": false, "error": err.Error()}
			bulkLane = append(bulkLane, fastLane...)
		} else {
			fastOutcome = map[string]any{"dispatched": true, "tickers": fastLane}
		}
	}

	var job *store.Job
	if len(bulkLane) > 0 {
		created, err := h.Manager.CreateAndEnqueue(ctx, store.JobTypeDividendUpdate, bulkLane, priority, force)
		if err != nil {
			h.Log.Warn("create job failed", zap.Error(err))
		} else {
			job = created
		}
	}
	return job, fastOutcome
}

// lookupState distinguishes "ticker doesn't exist yet" (not an error,
// routed as a new ticker) from any other store error, which spec.md
// §4.4 step 2 routes through the oracle's error_fallback lane instead.
func (h *IngestionHandler) lookupState(ctx context.Context, symbol string) (routing.TickerState, error) {
	t, err := h.Store.GetTicker(ctx, symbol)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return routing.TickerState{Found: false}, nil
		}
		return routing.TickerState{}, err
	}
	return routing.TickerState{Found: true, CreatedAt: t.CreatedAt, LastDividendUpdate: t.LastDividendUpdate}, nil
}

// sanitizeTickers trims+uppercases each element and silently drops
// anything that isn't 1–10 uppercase ASCII letters (spec.md §4.8).
func sanitizeTickers(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool)
	for _, raw := range in {
		s := strings.ToUpper(strings.TrimSpace(raw))
		if !isTickerShape(s) || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func isTickerShape(s string) bool {
	if len(s) == 0 || len(s) > 10 {
		return false
	}
	for _, c := range s {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}
