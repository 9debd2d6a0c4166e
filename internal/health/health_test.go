package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewTracker(DefaultConfig(), WithClock(clock.Now)), clock
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	tracker, _ := newTestTracker()

	for i := 0; i < 4; i++ {
		assert.Nil(t, tracker.RecordFailure("paxum", "timeout"))
		assert.True(t, tracker.IsHealthy("paxum"))
	}

	tr := tracker.RecordFailure("paxum", "timeout")
	require.NotNil(t, tr)
	assert.Equal(t, StateClosed, tr.From)
	assert.Equal(t, StateOpen, tr.To)
	assert.Equal(t, 5, tr.Failures)
	assert.False(t, tracker.IsHealthy("paxum"))

	allowed, _ := tracker.Allow("paxum")
	assert.False(t, allowed)
}

func TestBreakerCooldown(t *testing.T) {
	tracker, clock := newTestTracker()
	for i := 0; i < 5; i++ {
		tracker.RecordFailure("paxum", "declined")
	}

	clock.Advance(5*time.Minute - time.Second)
	assert.False(t, tracker.IsHealthy("paxum"))

	clock.Advance(time.Second)
	assert.True(t, tracker.IsHealthy("paxum"))
	assert.Equal(t, StateHalfOpen, tracker.Snapshot("paxum").State)

	allowed, tr := tracker.Allow("paxum")
	assert.True(t, allowed)
	require.NotNil(t, tr)
	assert.Equal(t, StateHalfOpen, tr.To)

	t.Run("failure while half-open reopens and restarts cooldown", func(t *testing.T) {
		tr := tracker.RecordFailure("paxum", "declined")
		require.NotNil(t, tr)
		assert.Equal(t, StateHalfOpen, tr.From)
		assert.Equal(t, StateOpen, tr.To)
		assert.False(t, tracker.IsHealthy("paxum"))

		clock.Advance(4 * time.Minute)
		assert.False(t, tracker.IsHealthy("paxum"))
		clock.Advance(time.Minute)
		assert.True(t, tracker.IsHealthy("paxum"))
	})

	t.Run("success while half-open closes immediately", func(t *testing.T) {
		tr := tracker.RecordSuccess("paxum")
		require.NotNil(t, tr)
		assert.Equal(t, StateClosed, tr.To)

		snap := tracker.Snapshot("paxum")
		assert.Equal(t, StateClosed, snap.State)
		assert.Equal(t, 0, snap.ConsecutiveFailures)

		assert.Nil(t, tracker.RecordFailure("paxum", "one more"))
		assert.True(t, tracker.IsHealthy("paxum"))
	})
}

func TestSuccessResetsCount(t *testing.T) {
	tracker, _ := newTestTracker()
	for i := 0; i < 4; i++ {
		tracker.RecordFailure("ipayout", "err")
	}
	assert.Nil(t, tracker.RecordSuccess("ipayout"))
	for i := 0; i < 4; i++ {
		tracker.RecordFailure("ipayout", "err")
	}
	assert.True(t, tracker.IsHealthy("ipayout"))
}

func TestConcurrentFailuresAreCounted(t *testing.T) {
	tracker := NewTracker(Config{FailureThreshold: 100, Cooldown: time.Minute})

	var wg sync.WaitGroup
	var mu sync.Mutex
	var opened int
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr := tracker.RecordFailure("wise", "err"); tr != nil && tr.To == StateOpen {
				mu.Lock()
				opened++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, tracker.Snapshot("wise").ConsecutiveFailures)
	assert.Equal(t, 1, opened)
	assert.False(t, tracker.IsHealthy("wise"))
}

func TestProvidersAreIndependent(t *testing.T) {
	tracker, _ := newTestTracker()
	for i := 0; i < 5; i++ {
		tracker.RecordFailure("paxum", "err")
	}
	assert.False(t, tracker.IsHealthy("paxum"))
	assert.True(t, tracker.IsHealthy("ipayout"))

	snaps := tracker.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "ipayout", snaps[0].ProviderID)
	assert.Equal(t, "paxum", snaps[1].ProviderID)
}

func TestHalfOpenAllowsOneTrial(t *testing.T) {
	tracker, clock := newTestTracker()
	for i := 0; i < 5; i++ {
		tracker.RecordFailure("paxum", "declined")
	}
	clock.Advance(5 * time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var allowed, transitions int
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, tr := tracker.Allow("paxum")
			mu.Lock()
			defer mu.Unlock()
			if ok {
				allowed++
			}
			if tr != nil {
				transitions++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, allowed)
	assert.Equal(t, 1, transitions)
	assert.False(t, tracker.IsHealthy("paxum"))
	assert.Equal(t, StateHalfOpen, tracker.Snapshot("paxum").State)

	t.Run("trial result releases the slot", func(t *testing.T) {
		tracker.RecordSuccess("paxum")
		ok, _ := tracker.Allow("paxum")
		assert.True(t, ok)
		ok, _ = tracker.Allow("paxum")
		assert.True(t, ok)
	})
}

func TestHalfOpenTrialExpires(t *testing.T) {
	tracker, clock := newTestTracker()
	for i := 0; i < 5; i++ {
		tracker.RecordFailure("paxum", "declined")
	}
	clock.Advance(5 * time.Minute)

	ok, _ := tracker.Allow("paxum")
	require.True(t, ok)
	ok, _ = tracker.Allow("paxum")
	assert.False(t, ok)

	// The trial never reported back.
	clock.Advance(5 * time.Minute)
	ok, tr := tracker.Allow("paxum")
	assert.True(t, ok)
	assert.Nil(t, tr)
}
