package apigate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time                       { return c.now }
func (c *stepClock) Sleep(d time.Duration)                 { c.now = c.now.Add(d) }
func (c *stepClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}

func TestLimiter_AdmitsUnderLimit(t *testing.T) {
	clock := &stepClock{now: time.Now()}
	l := NewLimiter(3, clock)

	for i := 0; i < 3; i++ {
		admitted, remaining, _ := l.Allow("tk_abc123")
		assert.True(t, admitted)
		assert.Equal(t, 2-i, remaining)
	}
}

func TestLimiter_RejectsAtLimit(t *testing.T) {
	clock := &stepClock{now: time.Now()}
	l := NewLimiter(2, clock)

	l.Allow("tk_abc123")
	l.Allow("tk_abc123")
	admitted, remaining, reset := l.Allow("tk_abc123")

	assert.False(t, admitted)
	assert.Equal(t, 0, remaining)
	assert.Greater(t, reset, int64(0))
}

func TestLimiter_SlidingWindowExpires(t *testing.T) {
	clock := &stepClock{now: time.Now()}
	l := NewLimiter(1, clock)

	admitted, _, _ := l.Allow("tk_abc123")
	assert.True(t, admitted)

	admitted, _, _ = l.Allow("tk_abc123")
	assert.False(t, admitted)

	clock.Sleep(61 * time.Minute)
	admitted, _, _ = l.Allow("tk_abc123")
	assert.True(t, admitted)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	clock := &stepClock{now: time.Now()}
	l := NewLimiter(1, clock)

	admittedA, _, _ := l.Allow("tk_aaa111")
	admittedB, _, _ := l.Allow("tk_bbb222")

	assert.True(t, admittedA)
	assert.True(t, admittedB)
}
