package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/tradecore/internal/domain"
)

func TestInFlightDeduper(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	dedup := NewInFlightDeduper(time.Second, 4)
	dedup.now = clock.Now

	key := proposalKey("BTC/USD", domain.SideBuy)
	require.NoError(t, dedup.TryAcquire(key))
	assert.ErrorIs(t, dedup.TryAcquire(key), ErrDuplicateInFlight)
	assert.NoError(t, dedup.TryAcquire(proposalKey("BTC/USD", domain.SideSell)))

	dedup.Release(key)
	require.NoError(t, dedup.TryAcquire(key))

	clock.Advance(time.Second)
	assert.NoError(t, dedup.TryAcquire(key), "expired entries are reclaimed")
}

func TestInFlightDeduperNilAndEmptyKey(t *testing.T) {
	var dedup *InFlightDeduper
	assert.NoError(t, dedup.TryAcquire("x"))
	dedup.Release("x")

	dedup = NewInFlightDeduper(0, 0)
	assert.NoError(t, dedup.TryAcquire(""))
	assert.NoError(t, dedup.TryAcquire(""))
}
