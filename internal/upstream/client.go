// Package upstream is the Upstream Fetcher: a rate-limited client for
// the dividend provider's /v3/reference/dividends resource (spec.md
// §4.3). No ecosystem HTTP client library appears anywhere in the
// example pack's dependency surface, so this one component is built
// directly on net/http.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dividend-ingest/internal/apperr"
	"dividend-ingest/internal/ratebudget"
	"dividend-ingest/internal/store"
)

const (
	baseURL           = "https://api.polygon.io"
	dividendsPath     = "/v3/reference/dividends"
	requestTimeout    = 10 * time.Second
	bulkPageSleep     = 12 * time.Second // 60000ms / 5 calls per minute
	bulkThrottleSleep = 60 * time.Second
)

// FetchKind selects the default date range for FetchDividends.
type FetchKind string

const (
	KindHistorical FetchKind = "historical"
	KindRecent     FetchKind = "recent"
)

// DateRange bounds a query by ex-dividend date.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Fetcher is the leaf interface the Worker Pool depends on, per
// spec.md §9's "leaf interfaces consumed by both handlers and
// workers" redesign flag.
type Fetcher interface {
	FetchDividends(ctx context.Context, ticker string, rng *DateRange, kind FetchKind) ([]store.DividendInput, error)
	FetchBulkRecent(ctx context.Context, daysBack, pageSize int) ([]store.DividendInput, error)
}

// Client is the concrete Polygon-backed implementation.
type Client struct {
	httpClient *http.Client
	budget     *ratebudget.Budget
	apiKey     string
	log        *zap.Logger
	clock      ratebudget.Clock
}

// New constructs a Client. apiKey absence is a fatal configuration
// error handled by the caller at startup (spec.md §4.3).
func New(apiKey string, budget *ratebudget.Budget, clock ratebudget.Clock, log *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		budget:     budget,
		apiKey:     apiKey,
		log:        log,
		clock:      clock,
	}
}

var _ Fetcher = (*Client)(nil)

type wireDividend struct {
	CashAmount      json.Number `json:"cash_amount"`
	Currency        string      `json:"currency"`
	DeclarationDate string      `json:"declaration_date"`
	DividendType    string      `json:"dividend_type"`
	ExDividendDate  string      `json:"ex_dividend_date"`
	Frequency       int         `json:"frequency"`
	ID              string      `json:"id"`
	PayDate         string      `json:"pay_date"`
	RecordDate      string      `json:"record_date"`
	Ticker          string      `json:"ticker"`
}

type wireResponse struct {
	Results   []wireDividend `json:"results"`
	NextURL   string         `json:"next_url"`
	Status    string         `json:"status"`
	RequestID string         `json:"request_id"`
}

// FetchDividends retrieves dividends for one ticker within rng (or the
// kind-specific default range when rng is nil).
func (c *Client) FetchDividends(ctx context.Context, ticker string, rng *DateRange, kind FetchKind) ([]store.DividendInput, error) {
	effective := rng
	if effective == nil {
		effective = defaultRange(kind, c.clock.Now())
	}

	params := url.Values{}
	params.Set("ticker", ticker)
	params.Set("ex_dividend_date.gte", effective.From.Format("2006-01-02"))
	params.Set("ex_dividend_date.lte", effective.To.Format("2006-01-02"))
	params.Set("order", "asc")
	params.Set("limit", "1000")

	records, _, err := c.getPage(ctx, dividendsPath, params, "", &ticker)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FetchBulkRecent scans recently-changed dividends across all tickers,
// paginating at pageSize and sleeping between pages to respect the
// budget; a provider 429 mid-scan sleeps 60s and retries the same
// page (spec.md §4.3).
func (c *Client) FetchBulkRecent(ctx context.Context, daysBack, pageSize int) ([]store.DividendInput, error) {
	from := c.clock.Now().AddDate(0, 0, -daysBack)
	to := c.clock.Now().AddDate(0, 3, 0)

	params := url.Values{}
	params.Set("ex_dividend_date.gte", from.Format("2006-01-02"))
	params.Set("ex_dividend_date.lte", to.Format("2006-01-02"))
	params.Set("order", "asc")
	params.Set("sort", "ex_dividend_date")
	params.Set("limit", strconv.Itoa(pageSize))

	var all []store.DividendInput
	nextURL := ""
	for {
		var records []store.DividendInput
		var next string
		var err error

		operation := func() error {
			records, next, err = c.getPage(ctx, dividendsPath, params, nextURL, nil)
			if rl, ok := err.(*RateLimitedError); ok {
				c.log.Warn("upstream 429 mid-scan, sleeping before retry", zap.Int64("wait_ms", rl.WaitMs))
				c.clock.Sleep(bulkThrottleSleep)
				return err
			}
			return err
		}

		retryPolicy := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 1)
		if err := backoff.Retry(operation, retryPolicy); err != nil {
			if _, ok := err.(*RateLimitedError); !ok {
				return all, err
			}
			// one more attempt after the 60s sleep above
			records, next, err = c.getPage(ctx, dividendsPath, params, nextURL, nil)
			if err != nil {
				return all, err
			}
		}

		all = append(all, records...)
		if next == "" {
			break
		}
		nextURL = next
		c.clock.Sleep(bulkPageSleep)
	}
	return all, nil
}

// RateLimitedError is returned when the Clock & Rate Budget denies
// admission (the provider is then not contacted) and when the provider
// itself answers 429.
type RateLimitedError struct {
	WaitMs int64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %dms", e.WaitMs)
}

func (c *Client) getPage(ctx context.Context, path string, params url.Values, overrideURL string, ticker *string) ([]store.DividendInput, string, error) {
	decision, err := c.budget.CheckAndReserve(ctx, ratebudget.PolygonService)
	if err != nil {
		return nil, "", apperr.Transient("rate budget check", err)
	}
	if !decision.Admitted {
		return nil, "", &RateLimitedError{WaitMs: decision.WaitMs}
	}

	reqURL := overrideURL
	if reqURL == "" {
		params.Set("apiKey", c.apiKey)
		reqURL = baseURL + path + "?" + params.Encode()
	}

	start := c.clock.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, "", apperr.Fatal("build upstream request", err)
	}

	resp, err := c.httpClient.Do(req)
	elapsed := int(time.Since(start).Milliseconds())
	if err != nil {
		c.logCall(ctx, path, ticker, 0, elapsed, nil, err.Error())
		return nil, "", apperr.Transient("upstream request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logCall(ctx, path, ticker, resp.StatusCode, elapsed, nil, "rate limited by provider")
		return nil, "", &RateLimitedError{WaitMs: bulkThrottleSleep.Milliseconds()}
	case resp.StatusCode == http.StatusForbidden:
		c.logCall(ctx, path, ticker, resp.StatusCode, elapsed, nil, "unauthorized")
		return nil, "", apperr.Auth("upstream rejected credentials")
	case resp.StatusCode >= 500:
		c.logCall(ctx, path, ticker, resp.StatusCode, elapsed, nil, "upstream server error")
		return nil, "", apperr.Transient("upstream server error", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		c.logCall(ctx, path, ticker, resp.StatusCode, elapsed, nil, "upstream rejected request")
		return nil, "", apperr.Validation(fmt.Sprintf("upstream status %d", resp.StatusCode))
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		c.logCall(ctx, path, ticker, resp.StatusCode, elapsed, nil, "bad upstream payload")
		return nil, "", apperr.Transient("decode upstream response", err)
	}

	c.logCall(ctx, path, ticker, resp.StatusCode, elapsed, nil, "")

	records := transform(wire.Results)
	return records, wire.NextURL, nil
}

func (c *Client) logCall(ctx context.Context, endpoint string, ticker *string, status, elapsedMs int, remaining *int, errMsg string) {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	if err := c.budget.RecordCall(ctx, ratebudget.PolygonService, endpoint, ticker, status, elapsedMs, remaining, msg); err != nil {
		c.log.Warn("failed to record call log", zap.Error(err))
	}
}

// transform projects wire records into the internal model, applying
// spec.md §4.3's defaults and rejecting non-positive or missing
// amounts record-by-record rather than failing the whole batch.
func transform(results []wireDividend) []store.DividendInput {
	out := make([]store.DividendInput, 0, len(results))
	for _, r := range results {
		exDate, err := parseDate(r.ExDividendDate)
		if err != nil {
			continue
		}
		amount, err := decimal.NewFromString(r.CashAmount.String())
		if err != nil || amount.Sign() <= 0 {
			continue
		}

		currency := r.Currency
		if currency == "" {
			currency = "USD"
		}
		frequency := r.Frequency
		if frequency == 0 {
			frequency = 4
		}
		typ := r.DividendType
		if typ == "" {
			typ = "Cash"
		}

		var polygonID *string
		if r.ID != "" {
			polygonID = &r.ID
		}

		in := store.DividendInput{
			ExDividendDate: exDate,
			Amount:         amount,
			Currency:       currency,
			Frequency:      frequency,
			Type:           typ,
			PolygonID:      polygonID,
			DataSource:     "polygon",
		}
		if t, err := parseDate(r.DeclarationDate); err == nil {
			in.DeclarationDate = &t
		}
		if t, err := parseDate(r.RecordDate); err == nil {
			in.RecordDate = &t
		}
		if t, err := parseDate(r.PayDate); err == nil {
			in.PayDate = &t
		}
		out = append(out, in)
	}
	return out
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	return time.Parse("2006-01-02", s)
}

func defaultRange(kind FetchKind, now time.Time) *DateRange {
	if kind == KindRecent {
		return &DateRange{
			From: now.AddDate(0, 0, -2),
			To:   now.AddDate(0, 3, 0),
		}
	}
	return &DateRange{
		From: now.AddDate(-2, 0, 0),
		To:   now.AddDate(0, 6, 0),
	}
}
