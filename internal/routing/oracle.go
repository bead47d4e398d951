// Package routing implements the Routing Oracle: a pure function of
// ticker state, never of request volume (spec.md §4.4). It is a leaf
// component — no store or HTTP access — consulted by the Ingestion
// Handler before the ticker row is upserted.
package routing

import "time"

// Lane is which path a ticker should take.
type Lane string

const (
	LaneFastQueue Lane = "fast_queue"
	LaneBulk      Lane = "bulk"
)

// Reason names why a lane was chosen, echoed back to API clients in
// the update-tickers response per spec.md §4.8.
type Reason string

const (
	ReasonNewTicker        Reason = "new_ticker"
	ReasonRecentlyCreated  Reason = "recently_created"
	ReasonNoDividendData   Reason = "no_dividend_data"
	ReasonRecentExisting   Reason = "recent_existing"
	ReasonStaleExisting    Reason = "stale_existing"
	ReasonErrorFallback    Reason = "error_fallback"
)

// Decision is the oracle's verdict for one ticker.
type Decision struct {
	Lane   Lane
	Reason Reason
}

// TickerState is the minimal view of a Ticker row the oracle needs.
// Callers pass whatever they already looked up; the oracle performs
// no I/O of its own.
type TickerState struct {
	Found              bool
	CreatedAt          time.Time
	LastDividendUpdate *time.Time
}

// Oracle decides, for a ticker, whether it needs an immediate
// historical backfill or a deferred bulk refresh.
type Oracle interface {
	Decide(state TickerState, now time.Time) Decision
}

type oracle struct{}

// New returns the default, stateless oracle.
func New() Oracle { return oracle{} }

func (oracle) Decide(state TickerState, now time.Time) Decision {
	if !state.Found {
		return Decision{Lane: LaneFastQueue, Reason: ReasonNewTicker}
	}

	if state.LastDividendUpdate == nil {
		if state.CreatedAt.After(now.Add(-time.Hour)) {
			return Decision{Lane: LaneFastQueue, Reason: ReasonRecentlyCreated}
		}
		return Decision{Lane: LaneFastQueue, Reason: ReasonNoDividendData}
	}

	if !state.LastDividendUpdate.Before(now.Add(-24 * time.Hour)) {
		return Decision{Lane: LaneBulk, Reason: ReasonRecentExisting}
	}
	return Decision{Lane: LaneBulk, Reason: ReasonStaleExisting}
}

// Fallback is the conservative decision used when a store error
// prevents the oracle from observing ticker state at all.
func Fallback() Decision {
	return Decision{Lane: LaneFastQueue, Reason: ReasonErrorFallback}
}
