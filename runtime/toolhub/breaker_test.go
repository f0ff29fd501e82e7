package toolhub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	b := NewBreaker(BreakerOptions{Now: clock.Now})

	for i := 0; i < 4; i++ {
		b.Failure()
	}
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 4, b.FailCount())

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())

	allowed, _ := b.Allow()
	assert.False(t, allowed)
}

func TestBreakerWindowPrunesOldFailures(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	b := NewBreaker(BreakerOptions{Now: clock.Now, Window: time.Minute})

	for i := 0; i < 4; i++ {
		b.Failure()
	}
	clock.Advance(61 * time.Second)
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State(), "stale failures must not count")
	assert.Equal(t, 1, b.FailCount())
}

func TestBreakerSuccessResetsRun(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	b := NewBreaker(BreakerOptions{Now: clock.Now})

	for i := 0; i < 4; i++ {
		b.Failure()
	}
	b.Success()
	for i := 0; i < 4; i++ {
		b.Failure()
	}
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerProbeLifecycle(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	b := NewBreaker(BreakerOptions{Now: clock.Now, Cooldown: time.Minute})

	for i := 0; i < 5; i++ {
		b.Failure()
	}
	require.Equal(t, BreakerOpen, b.State())

	clock.Advance(59 * time.Second)
	allowed, _ := b.Allow()
	assert.False(t, allowed)

	clock.Advance(2 * time.Second)
	allowed, probe := b.Allow()
	require.True(t, allowed)
	require.True(t, probe)
	assert.Equal(t, BreakerHalfOpen, b.State())

	// Only one probe while it is in flight.
	allowed, _ = b.Allow()
	assert.False(t, allowed)

	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
	allowed, probe = b.Allow()
	assert.True(t, allowed)
	assert.False(t, probe)
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	b := NewBreaker(BreakerOptions{Now: clock.Now})

	for i := 0; i < 5; i++ {
		b.Failure()
	}
	clock.Advance(2 * time.Minute)
	allowed, probe := b.Allow()
	require.True(t, allowed)
	require.True(t, probe)

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	allowed, _ = b.Allow()
	assert.False(t, allowed, "cooldown restarts after a failed probe")
}

func TestBreakerAbandonReleasesProbe(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	b := NewBreaker(BreakerOptions{Now: clock.Now})

	for i := 0; i < 5; i++ {
		b.Failure()
	}
	clock.Advance(2 * time.Minute)
	allowed, probe := b.Allow()
	require.True(t, allowed)
	require.True(t, probe)

	b.Abandon()
	allowed, probe = b.Allow()
	assert.True(t, allowed, "abandoned probe slot must be reusable")
	assert.True(t, probe)
}

func TestBreakerSingleProbeUnderConcurrency(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	b := NewBreaker(BreakerOptions{Now: clock.Now})
	for i := 0; i < 5; i++ {
		b.Failure()
	}
	clock.Advance(2 * time.Minute)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		probes int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if allowed, probe := b.Allow(); allowed && probe {
				mu.Lock()
				probes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, probes)
}

func TestBreakerTransitionCallback(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	var seen [][2]BreakerState
	b := NewBreaker(BreakerOptions{Now: clock.Now, OnChange: func(from, to BreakerState) {
		seen = append(seen, [2]BreakerState{from, to})
	}})

	for i := 0; i < 5; i++ {
		b.Failure()
	}
	clock.Advance(2 * time.Minute)
	b.Allow()
	b.Success()

	require.Len(t, seen, 3)
	assert.Equal(t, [2]BreakerState{BreakerClosed, BreakerOpen}, seen[0])
	assert.Equal(t, [2]BreakerState{BreakerOpen, BreakerHalfOpen}, seen[1])
	assert.Equal(t, [2]BreakerState{BreakerHalfOpen, BreakerClosed}, seen[2])
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
