package handler

import (
	"net/http"
	"sort"

	"go.uber.org/zap"

	"dividend-ingest/internal/apigate"
	"dividend-ingest/internal/apperr"
	"dividend-ingest/internal/store"
)

// SubscriptionHandler implements the subscriptions surface (spec.md
// §4.9): list/create/delete/bulk-mutate a user's subscribed tickers,
// with every mutation appended to the subscription activity log and
// new subscriptions triggering a fast-queue backfill.
type SubscriptionHandler struct {
	Store     store.Gateway
	FastQueue FastQueueSink
	Log       *zap.Logger
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	user, ok := apigate.UserFromContext(r.Context())
	if !ok {
		writeErr(w, apperr.Auth("no authenticated user"))
		return
	}
	subs, err := h.Store.ListSubscriptions(r.Context(), user.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

type subscribeReq struct {
	Ticker   string `json:"ticker"`
	Priority int    `json:"priority"`
}

func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	user, ok := apigate.UserFromContext(r.Context())
	if !ok {
		writeErr(w, apperr.Auth("no authenticated user"))
		return
	}
	var req subscribeReq
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	ticker := normalizeTicker(req.Ticker)
	if ticker == "" {
		badRequest(w, "ticker is required")
		return
	}
	priority := req.Priority
	if priority == 0 {
		priority = 1
	}

	sub, err := h.Store.Subscribe(r.Context(), user.ID, ticker, priority)
	if err != nil {
		writeErr(w, err)
		return
	}

	_ = h.Store.AppendSubscriptionActivity(r.Context(), user.ID, ticker, "subscribed", map[string]any{"priority": priority})

	if err := h.FastQueue.Enqueue(r.Context(), []string{ticker}, "high", false); err != nil {
		h.Log.Warn("backfill dispatch on subscribe failed", zap.String("ticker", ticker), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]any{"subscription": sub})
}

type unsubscribeReq struct {
	Ticker string `json:"ticker"`
}

func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user, ok := apigate.UserFromContext(r.Context())
	if !ok {
		writeErr(w, apperr.Auth("no authenticated user"))
		return
	}
	var req unsubscribeReq
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	ticker := normalizeTicker(req.Ticker)
	if ticker == "" {
		badRequest(w, "ticker is required")
		return
	}

	if err := h.Store.Unsubscribe(r.Context(), user.ID, ticker); err != nil {
		writeErr(w, err)
		return
	}
	_ = h.Store.AppendSubscriptionActivity(r.Context(), user.ID, ticker, "unsubscribed", map[string]any{})
	writeJSON(w, http.StatusOK, map[string]any{"unsubscribed": ticker})
}

type bulkReq struct {
	Action   string   `json:"action"`
	Tickers  []string `json:"tickers"`
	Priority int      `json:"priority"`
}

type bulkOutcome struct {
	Ticker string `json:"ticker"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

func (h *SubscriptionHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	user, ok := apigate.UserFromContext(r.Context())
	if !ok {
		writeErr(w, apperr.Auth("no authenticated user"))
		return
	}
	var req bulkReq
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	if req.Action != "subscribe" && req.Action != "unsubscribe" {
		badRequest(w, "action must be subscribe or unsubscribe")
		return
	}
	priority := req.Priority
	if priority == 0 {
		priority = 1
	}

	outcomes := make([]bulkOutcome, 0, len(req.Tickers))
	var backfill []string
	for _, raw := range req.Tickers {
		ticker := normalizeTicker(raw)
		if ticker == "" {
			outcomes = append(outcomes, bulkOutcome{Ticker: raw, OK: false, Error: "invalid ticker"})
			continue
		}

		var err error
		if req.Action == "subscribe" {
			_, err = h.Store.Subscribe(r.Context(), user.ID, ticker, priority)
			if err == nil {
				backfill = append(backfill, ticker)
				_ = h.Store.AppendSubscriptionActivity(r.Context(), user.ID, ticker, "subscribed", map[string]any{"priority": priority, "bulk": true})
			}
		} else {
			err = h.Store.Unsubscribe(r.Context(), user.ID, ticker)
			if err == nil {
				_ = h.Store.AppendSubscriptionActivity(r.Context(), user.ID, ticker, "unsubscribed", map[string]any{"bulk": true})
			}
		}

		if err != nil {
			outcomes = append(outcomes, bulkOutcome{Ticker: ticker, OK: false, Error: err.Error()})
			continue
		}
		outcomes = append(outcomes, bulkOutcome{Ticker: ticker, OK: true})
	}

	if len(backfill) > 0 {
		if err := h.FastQueue.Enqueue(r.Context(), backfill, "high", false); err != nil {
			h.Log.Warn("bulk backfill dispatch failed", zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

// MyDividends joins the user's subscribed tickers with the dividends
// view, subject to optional date filters and pagination (spec.md
// §4.9).
func (h *SubscriptionHandler) MyDividends(w http.ResponseWriter, r *http.Request) {
	user, ok := apigate.UserFromContext(r.Context())
	if !ok {
		writeErr(w, apperr.Auth("no authenticated user"))
		return
	}

	subs, err := h.Store.ListSubscriptions(r.Context(), user.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	start, end, err := parseDateRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	limit, offset := parsePage(r)

	var all []store.Dividend
	for _, sub := range subs {
		rows, err := h.Store.ListDividends(r.Context(), sub.TickerSymbol, start, end, limit+offset, 0)
		if err != nil {
			writeErr(w, err)
			return
		}
		all = append(all, rows...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ExDividendDate.After(all[j].ExDividendDate) })
	if offset > len(all) {
		all = nil
	} else {
		all = all[offset:]
	}
	if len(all) > limit {
		all = all[:limit]
	}

	if r.URL.Query().Get("format") == "csv" {
		writeAllCSV(w, all)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dividends": all})
}
