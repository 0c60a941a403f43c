package risk

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker() (*CircuitBreaker, *clock) {
	c := &clock{now: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, Cooldown: 10 * time.Second})
	cb.SetClock(c.Now)
	return cb, c
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker()

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Allow())
		cb.OnError()
	}
	assert.Equal(t, StateClosed, cb.State())

	require.NoError(t, cb.Allow())
	cb.OnError()
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitBreakerOpen)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker()
	cb.OnError()
	cb.OnError()
	cb.OnSuccess()
	cb.OnError()
	cb.OnError()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, int64(2), cb.ConsecutiveErrors())
}

func TestRateLimitOpensImmediately(t *testing.T) {
	cb, _ := newTestBreaker()
	cb.OnRateLimited()
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitBreakerOpen)
}

func TestHalfOpenAllowsExactlyOneProbe(t *testing.T) {
	cb, c := newTestBreaker()
	cb.OnRateLimited()

	c.Advance(9 * time.Second)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitBreakerOpen)

	c.Advance(2 * time.Second)
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.Allow() == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), allowed.Load())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.OnSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestFailedProbeReopens(t *testing.T) {
	cb, c := newTestBreaker()
	cb.OnRateLimited()
	c.Advance(11 * time.Second)
	require.NoError(t, cb.Allow())
	cb.OnError()
	assert.Equal(t, StateOpen, cb.State())

	c.Advance(5 * time.Second)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitBreakerOpen, "重新打开后冷却期重新计时")
}

func TestReleaseFreesProbe(t *testing.T) {
	cb, c := newTestBreaker()
	cb.OnRateLimited()
	c.Advance(11 * time.Second)
	require.NoError(t, cb.Allow())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitBreakerOpen)
	cb.Release()
	assert.NoError(t, cb.Allow())
}

func TestHaltIgnoresCooldown(t *testing.T) {
	cb, c := newTestBreaker()
	cb.Halt()
	c.Advance(time.Hour)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitBreakerOpen)
	cb.Resume()
	assert.NoError(t, cb.Allow())
}

func TestStateChangeCallback(t *testing.T) {
	cb, c := newTestBreaker()
	var changes []StateChange
	cb.OnStateChange(func(ch StateChange) { changes = append(changes, ch) })

	cb.OnRateLimited()
	c.Advance(11 * time.Second)
	require.NoError(t, cb.Allow())
	cb.OnSuccess()

	require.Len(t, changes, 3)
	assert.Equal(t, StateOpen, changes[0].To)
	assert.Equal(t, StateHalfOpen, changes[1].To)
	assert.Equal(t, StateClosed, changes[2].To)
}

func TestNilBreakerAllows(t *testing.T) {
	var cb *CircuitBreaker
	assert.NoError(t, cb.Allow())
	cb.OnError()
	cb.OnSuccess()
	assert.Equal(t, StateClosed, cb.State())
}
