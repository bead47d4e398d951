package ratebudget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dividend-ingest/internal/store"
)

func TestResetBoundaries_ResetsExpiredCounters(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 30, 0, 0, time.UTC)
	row := &store.RateBudget{
		MinuteCount: 5,
		HourCount:   50,
		DayCount:    500,
		ResetMinute: now.Add(-90 * time.Second).Truncate(time.Minute),
		ResetHour:   now.Truncate(time.Hour),
		ResetDay:    now.Truncate(24 * time.Hour),
	}
	out := resetBoundaries(row, now)

	assert.Equal(t, 0, out.MinuteCount)
	assert.Equal(t, 50, out.HourCount)
	assert.Equal(t, 500, out.DayCount)
}

func TestResetBoundaries_KeepsLiveCounters(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 30, 10, 0, time.UTC)
	row := &store.RateBudget{
		MinuteCount: 3,
		ResetMinute: now.Truncate(time.Minute),
	}
	out := resetBoundaries(row, now)
	assert.Equal(t, 3, out.MinuteCount)
}

func TestMsUntil_NeverNegative(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 30, 10, 0, time.UTC)
	past := now.Add(-time.Second)
	assert.Equal(t, int64(0), msUntil(now, past))
}

func TestMsUntil_ComputesForwardGap(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 30, 10, 0, time.UTC)
	future := now.Add(20 * time.Second)
	assert.Equal(t, int64(20000), msUntil(now, future))
}

func TestDefaultLimits_PolygonIsStricter(t *testing.T) {
	p := DefaultLimits(PolygonService)
	other := DefaultLimits("some-other-service")
	assert.Less(t, p.PerMinute, other.PerMinute)
}
