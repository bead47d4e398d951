package handler

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"time"

	"dividend-ingest/internal/store"
)

// DividendsHandler implements the read-only dividend surface:
// GET /dividends/{ticker} and GET /dividends/all (spec.md §6.1, §6.2);
// GET /my-dividends is served by SubscriptionHandler.MyDividends. These paths are thin contracts over the Store
// Gateway; deeper query semantics are out of scope per spec.md §1.
type DividendsHandler struct {
	Store store.Gateway
}

func (h *DividendsHandler) ByTicker(w http.ResponseWriter, r *http.Request) {
	ticker := normalizeTicker(urlParam(r, "ticker"))
	if ticker == "" {
		badRequest(w, "invalid ticker")
		return
	}

	start, end, err := parseDateRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	limit, offset := parsePage(r)

	if r.URL.Query().Get("checkOnly") == "true" {
		t, err := h.Store.GetTicker(r.Context(), ticker)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ticker":             ticker,
			"lastDividendUpdate": t.LastDividendUpdate,
		})
		return
	}

	rows, err := h.Store.ListDividends(r.Context(), ticker, start, end, limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		writePerTickerCSV(w, ticker, rows)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticker": ticker, "dividends": rows})
}

func (h *DividendsHandler) All(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseDateRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	limit, offset := parsePage(r)

	rows, err := h.Store.ListAllDividends(r.Context(), start, end, limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		writeAllCSV(w, rows)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dividends": rows})
}

func parseDateRange(r *http.Request) (*time.Time, *time.Time, error) {
	var start, end *time.Time
	if s := r.URL.Query().Get("startDate"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid startDate")
		}
		start = &t
	}
	if s := r.URL.Query().Get("endDate"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid endDate")
		}
		end = &t
	}
	return start, end, nil
}

func parsePage(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	return atoiDefault(q.Get("limit"), 100), atoiDefault(q.Get("offset"), 0)
}

func writePerTickerCSV(w http.ResponseWriter, ticker string, rows []store.Dividend) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_dividends.csv"`, ticker))
	cw := csv.NewWriter(w)
	defer cw.Flush()
	_ = cw.Write([]string{"Declaration Date", "Record Date", "Ex-Dividend Date", "Pay Date", "Amount", "Currency", "Frequency", "Type"})
	for _, d := range rows {
		_ = cw.Write(dividendCSVRow(d))
	}
}

func writeAllCSV(w http.ResponseWriter, rows []store.Dividend) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="all_dividends.csv"`)
	cw := csv.NewWriter(w)
	defer cw.Flush()
	_ = cw.Write([]string{"Ticker", "Declaration Date", "Record Date", "Ex-Dividend Date", "Pay Date", "Amount", "Currency", "Frequency", "Type"})
	for _, d := range rows {
		_ = cw.Write(append([]string{d.Ticker}, dividendCSVRow(d)...))
	}
}

func dividendCSVRow(d store.Dividend) []string {
	return []string{
		formatOptionalDate(d.DeclarationDate),
		formatOptionalDate(d.RecordDate),
		d.ExDividendDate.Format("2006-01-02"),
		formatOptionalDate(d.PayDate),
		d.Amount.String(),
		d.Currency,
		fmt.Sprintf("%d", d.Frequency),
		d.Type,
	}
}

func formatOptionalDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
