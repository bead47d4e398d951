package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecide_NewTicker(t *testing.T) {
	o := New()
	now := time.Now()
	d := o.Decide(TickerState{Found: false}, now)
	assert.Equal(t, LaneFastQueue, d.Lane)
	assert.Equal(t, ReasonNewTicker, d.Reason)
}

func TestDecide_RecentlyCreatedNoData(t *testing.T) {
	o := New()
	now := time.Now()
	d := o.Decide(TickerState{Found: true, CreatedAt: now.Add(-30 * time.Minute)}, now)
	assert.Equal(t, LaneFastQueue, d.Lane)
	assert.Equal(t, ReasonRecentlyCreated, d.Reason)
}

func TestDecide_OldNoData(t *testing.T) {
	o := New()
	now := time.Now()
	d := o.Decide(TickerState{Found: true, CreatedAt: now.Add(-48 * time.Hour)}, now)
	assert.Equal(t, LaneFastQueue, d.Lane)
	assert.Equal(t, ReasonNoDividendData, d.Reason)
}

func TestDecide_RecentExisting(t *testing.T) {
	o := New()
	now := time.Now()
	last := now.Add(-1 * time.Hour)
	d := o.Decide(TickerState{Found: true, LastDividendUpdate: &last}, now)
	assert.Equal(t, LaneBulk, d.Lane)
	assert.Equal(t, ReasonRecentExisting, d.Reason)
}

func TestDecide_StaleExisting(t *testing.T) {
	o := New()
	now := time.Now()
	last := now.Add(-25 * time.Hour)
	d := o.Decide(TickerState{Found: true, LastDividendUpdate: &last}, now)
	assert.Equal(t, LaneBulk, d.Lane)
	assert.Equal(t, ReasonStaleExisting, d.Reason)
}

func TestDecide_Deterministic(t *testing.T) {
	o := New()
	now := time.Now()
	last := now.Add(-25 * time.Hour)
	state := TickerState{Found: true, LastDividendUpdate: &last}
	first := o.Decide(state, now)
	second := o.Decide(state, now)
	assert.Equal(t, first, second)
}

func TestDecide_BoundaryAt24Hours(t *testing.T) {
	o := New()
	now := time.Now()
	last := now.Add(-24 * time.Hour)
	d := o.Decide(TickerState{Found: true, LastDividendUpdate: &last}, now)
	assert.Equal(t, ReasonRecentExisting, d.Reason, "exactly 24h ago is still >= cutoff, counted as recent")
}
