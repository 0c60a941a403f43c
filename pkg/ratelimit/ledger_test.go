package ratelimit

import (
	"context"
	"math/rand"
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

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLedger(clock *fakeClock) *Ledger {
	return NewLedger(map[OperationClass]ClassConfig{
		ClassPrivateQuery:   {MaxCost: 10, DecayRate: 0.5},
		ClassOrderPlacement: {MaxCost: 20, DecayRate: 2},
	}, WithClock(clock.Now), WithSafetyMargin(1.2))
}

func TestReserveDeniedComputesWait(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)

	for i := 0; i < 10; i++ {
		require.True(t, l.Reserve(ClassPrivateQuery, 1).Allowed, "reserve #%d", i)
	}

	res := l.Reserve(ClassPrivateQuery, 2)
	assert.False(t, res.Allowed)
	// (12 - 10) / 0.5 * 1.2 = 4.8s
	assert.InDelta(t, 4.8, res.Wait.Seconds(), 1e-6)
}

func TestCounterDecaysAndClampsAtZero(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)

	require.True(t, l.Reserve(ClassPrivateQuery, 4).Allowed)
	clock.Advance(2 * time.Second)
	assert.InDelta(t, 3.0, counterOf(l, ClassPrivateQuery).CurrentCost, 1e-9)

	clock.Advance(time.Hour)
	assert.Equal(t, 0.0, counterOf(l, ClassPrivateQuery).CurrentCost)

	l.ReleaseOnFailure(ClassPrivateQuery, 5)
	assert.Equal(t, 0.0, counterOf(l, ClassPrivateQuery).CurrentCost)
}

func TestReleaseOnFailureRollsBack(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)

	require.True(t, l.Reserve(ClassOrderPlacement, 15).Allowed)
	assert.False(t, l.Reserve(ClassOrderPlacement, 10).Allowed)
	l.ReleaseOnFailure(ClassOrderPlacement, 15)
	assert.True(t, l.Reserve(ClassOrderPlacement, 10).Allowed)

	l.Commit(ClassOrderPlacement, 10)
	assert.InDelta(t, 10.0, counterOf(l, ClassOrderPlacement).CurrentCost, 1e-9)
}

func TestClassesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)

	require.True(t, l.Reserve(ClassPrivateQuery, 10).Allowed)
	assert.False(t, l.Reserve(ClassPrivateQuery, 1).Allowed)
	assert.True(t, l.Reserve(ClassOrderPlacement, 1).Allowed)
}

func TestUnknownClassIsDenied(t *testing.T) {
	l := newTestLedger(newFakeClock())
	res := l.Reserve(ClassPublicQuery, 1)
	assert.False(t, res.Allowed)
	assert.Error(t, l.Wait(context.Background(), ClassPublicQuery, 1, time.Second))
}

func TestThresholdEvents(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)

	var events []ThresholdEvent
	l.OnThreshold(func(ev ThresholdEvent) { events = append(events, ev) })

	require.True(t, l.Reserve(ClassPrivateQuery, 7).Allowed)
	assert.Empty(t, events)

	require.True(t, l.Reserve(ClassPrivateQuery, 1).Allowed) // 80%
	require.Len(t, events, 1)
	assert.Equal(t, LevelNormal, events[0].From)
	assert.Equal(t, LevelWarning, events[0].To)

	require.True(t, l.Reserve(ClassPrivateQuery, 2).Allowed) // 100%
	require.Len(t, events, 2)
	assert.Equal(t, LevelExhausted, events[1].To)

	assert.False(t, l.Reserve(ClassPrivateQuery, 1).Allowed)
	assert.Len(t, events, 2, "已处于 exhausted，不重复发事件")

	clock.Advance(10 * time.Second) // 10 - 5 = 5 → 50%
	require.True(t, l.Reserve(ClassPrivateQuery, 0.5).Allowed)
	require.Len(t, events, 3)
	assert.Equal(t, LevelNormal, events[2].To)
}

func TestPenalizeSaturatesCounter(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)

	assert.Zero(t, l.EstimateWait(ClassOrderPlacement, 1))
	l.Penalize(ClassOrderPlacement)
	assert.Equal(t, LevelExhausted, l.Level(ClassOrderPlacement))
	assert.InDelta(t, 0.6, l.EstimateWait(ClassOrderPlacement, 1).Seconds(), 1e-6)
	res := l.Reserve(ClassOrderPlacement, 1)
	assert.False(t, res.Allowed)
	assert.InDelta(t, 0.6, res.Wait.Seconds(), 1e-6)
}

func TestWaitBoundedDenial(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)
	require.True(t, l.Reserve(ClassPrivateQuery, 10).Allowed)

	err := l.Wait(context.Background(), ClassPrivateQuery, 5, time.Second)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ClassPrivateQuery, denied.Class)
	assert.Greater(t, denied.Wait, time.Second)

	assert.Error(t, l.Wait(context.Background(), ClassPrivateQuery, 11, time.Minute))
}

func TestWaitSucceedsAfterDecay(t *testing.T) {
	l := NewLedger(map[OperationClass]ClassConfig{
		ClassPublicQuery: {MaxCost: 1, DecayRate: 50},
	})
	require.True(t, l.Reserve(ClassPublicQuery, 1).Allowed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Wait(ctx, ClassPublicQuery, 1, time.Second))
}

// 随机并发预留：被允许的 cost 总和永远不超过上限
func TestConcurrentReservationsNeverExceedMax(t *testing.T) {
	clock := newFakeClock()
	for seed := int64(1); seed <= 20; seed++ {
		l := newTestLedger(clock)
		rng := rand.New(rand.NewSource(seed))
		costs := make([]float64, 64)
		for i := range costs {
			costs[i] = float64(rng.Intn(4) + 1)
		}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			allowed float64
		)
		for _, cost := range costs {
			wg.Add(1)
			go func(cost float64) {
				defer wg.Done()
				if l.Reserve(ClassOrderPlacement, cost).Allowed {
					mu.Lock()
					allowed += cost
					mu.Unlock()
				}
			}(cost)
		}
		wg.Wait()

		assert.LessOrEqual(t, allowed, 20.0, "seed=%d", seed)
		c := counterOf(l, ClassOrderPlacement)
		assert.LessOrEqual(t, c.CurrentCost, c.MaxCost, "seed=%d", seed)
		assert.GreaterOrEqual(t, c.CurrentCost, 0.0, "seed=%d", seed)
	}
}

func counterOf(l *Ledger, class OperationClass) Counter {
	for _, c := range l.Snapshot() {
		if c.Class == class {
			return c
		}
	}
	return Counter{}
}
