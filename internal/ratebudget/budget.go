// Package ratebudget is the Clock & Rate Budget component: the
// authoritative source of "now" (shared with the API Gate's per-key
// limiter) and the per-service call counters the Upstream Fetcher
// admits calls against.
package ratebudget

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dividend-ingest/internal/apperr"
	"dividend-ingest/internal/store"
)

// PolygonService is the canonical service name used for the upstream
// dividend provider's budget row.
const PolygonService = "polygon"

// Limits bounds admission for a named service. Only PerMinute is
// enforced as a hard limit by default (spec.md §4.1); PerHour/PerDay
// are tracked for observability.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// DefaultLimits returns the canonical limits for known services,
// falling back to a permissive default for unknown ones.
func DefaultLimits(service string) Limits {
	if service == PolygonService {
		return Limits{PerMinute: 5, PerHour: 300, PerDay: 1000}
	}
	return Limits{PerMinute: 60, PerHour: 3600, PerDay: 86400}
}

// Decision is the result of an admission check.
type Decision struct {
	Admitted bool
	WaitMs   int64
}

// Budget implements checkAndReserve/recordCall/timeUntilNextCall
// (spec.md §4.1) against a Postgres-backed RateBudget row, guarded by
// an additional per-service in-process mutex. The mutex is the
// fallback the spec calls for "if atomicity cannot be guaranteed at
// the store"; here it is kept as defense in depth around the
// `SELECT ... FOR UPDATE` transaction, which is the primary atomicity
// mechanism.
type Budget struct {
	DB    *gorm.DB
	Clock Clock

	mu       sync.Mutex
	perTenant map[string]*sync.Mutex
}

func New(db *gorm.DB, clock Clock) *Budget {
	return &Budget{DB: db, Clock: clock, perTenant: make(map[string]*sync.Mutex)}
}

func (b *Budget) lockFor(service string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.perTenant[service]
	if !ok {
		m = &sync.Mutex{}
		b.perTenant[service] = m
	}
	return m
}

// CheckAndReserve admits a call for service, incrementing its counters
// if under limit, or reports the wait until the next reset boundary.
func (b *Budget) CheckAndReserve(ctx context.Context, service string) (Decision, error) {
	lock := b.lockFor(service)
	lock.Lock()
	defer lock.Unlock()

	limits := DefaultLimits(service)
	now := b.Clock.Now()

	var decision Decision
	err := b.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadOrCreateBudget(tx, service, now)
		if err != nil {
			return err
		}

		row = resetBoundaries(row, now)

		if row.MinuteCount >= limits.PerMinute {
			decision = Decision{Admitted: false, WaitMs: msUntil(now, truncate(now, time.Minute).Add(time.Minute))}
			return tx.Model(&store.RateBudget{}).Where("service_name = ?", service).Updates(map[string]any{
				"reset_minute": row.ResetMinute,
				"reset_hour":   row.ResetHour,
				"reset_day":    row.ResetDay,
			}).Error
		}

		row.MinuteCount++
		row.HourCount++
		row.DayCount++
		row.LastCallTime = now

		decision = Decision{Admitted: true}
		return tx.Model(&store.RateBudget{}).Where("service_name = ?", service).Updates(map[string]any{
			"minute_count":   row.MinuteCount,
			"hour_count":     row.HourCount,
			"day_count":      row.DayCount,
			"reset_minute":   row.ResetMinute,
			"reset_hour":     row.ResetHour,
			"reset_day":      row.ResetDay,
			"last_call_time": row.LastCallTime,
		}).Error
	})
	if err != nil {
		return Decision{}, apperr.Transient("check and reserve", err)
	}
	return decision, nil
}

// RecordCall appends a CallLog entry. It does not change the budget
// counters (only CheckAndReserve updates them), so it never affects
// admission decisions, and failures here are logged by the caller, not
// propagated as fatal (spec.md §4.1).
func (b *Budget) RecordCall(ctx context.Context, service, endpoint string, ticker *string, status, elapsedMs int, remaining *int, errMsg *string) error {
	log := store.CallLog{
		ID:                 uuid.NewString(),
		ServiceName:        service,
		Endpoint:           endpoint,
		TickerSymbol:       ticker,
		ResponseStatus:     status,
		ResponseTimeMs:     elapsedMs,
		RateLimitRemaining: remaining,
		ErrorMessage:       errMsg,
	}
	if err := b.DB.WithContext(ctx).Create(&log).Error; err != nil {
		return apperr.Transient("record call log", err)
	}
	return nil
}

// TimeUntilNextCall is a read-only estimate of the wait until the
// service's minute counter resets, without reserving anything.
func (b *Budget) TimeUntilNextCall(ctx context.Context, service string) (int64, error) {
	limits := DefaultLimits(service)
	now := b.Clock.Now()

	var row store.RateBudget
	err := b.DB.WithContext(ctx).Where("service_name = ?", service).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Transient("time until next call", err)
	}

	resolved := resetBoundaries(&row, now)
	if resolved.MinuteCount < limits.PerMinute {
		return 0, nil
	}
	return msUntil(now, truncate(now, time.Minute).Add(time.Minute)), nil
}

func loadOrCreateBudget(tx *gorm.DB, service string, now time.Time) (*store.RateBudget, error) {
	row := store.RateBudget{
		ServiceName:  service,
		ResetMinute:  truncate(now, time.Minute),
		ResetHour:    truncate(now, time.Hour),
		ResetDay:     truncate(now, 24*time.Hour),
		LastCallTime: now,
	}
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return nil, apperr.Transient("create rate budget", err)
	}

	var existing store.RateBudget
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("service_name = ?", service).First(&existing).Error; err != nil {
		return nil, apperr.Transient("load rate budget", err)
	}
	return &existing, nil
}

// resetBoundaries implements the tie-break rule from spec.md §4.1: if
// a truncation boundary has moved past the stored reset marker, that
// counter resets to zero (the caller increments it to 1 on admission).
func resetBoundaries(row *store.RateBudget, now time.Time) *store.RateBudget {
	if row.ResetMinute.Before(truncate(now, time.Minute)) {
		row.MinuteCount = 0
		row.ResetMinute = truncate(now, time.Minute)
	}
	if row.ResetHour.Before(truncate(now, time.Hour)) {
		row.HourCount = 0
		row.ResetHour = truncate(now, time.Hour)
	}
	if row.ResetDay.Before(truncate(now, 24*time.Hour)) {
		row.DayCount = 0
		row.ResetDay = truncate(now, 24*time.Hour)
	}
	return row
}

func truncate(t time.Time, d time.Duration) time.Time {
	return t.Truncate(d)
}

func msUntil(now, boundary time.Time) int64 {
	d := boundary.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
