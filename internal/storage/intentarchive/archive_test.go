package intentarchive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/tradecore/internal/domain"
)

func openTemp(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "archive", "intents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func terminalIntent(t *testing.T, symbol string, status domain.IntentStatus, at time.Time) *domain.OrderIntent {
	t.Helper()
	it := domain.NewOrderIntent(symbol, domain.SideBuy, decimal.NewFromInt(10), at.Add(-time.Second))
	require.NoError(t, it.Transition(domain.IntentValidated, at))
	require.NoError(t, it.Transition(domain.IntentSubmitted, at))
	if status != domain.IntentRejected {
		require.NoError(t, it.Transition(domain.IntentAcked, at))
		it.ExchangeOrderID = "O-" + it.ID[:6]
	}
	require.NoError(t, it.Transition(status, at))
	it.ComputedQuantity = decimal.RequireFromString("2.5")
	it.ChannelUsed = domain.SubmitViaStream
	return it
}

func TestArchiveAndGet(t *testing.T) {
	a := openTemp(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	it := terminalIntent(t, "BTC/USD", domain.IntentFilled, at)

	require.NoError(t, a.Archive(ctx, it))
	got, err := a.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, it.ID, got.ID)
	assert.Equal(t, domain.IntentFilled, got.Status)
	assert.True(t, got.ComputedQuantity.Equal(it.ComputedQuantity))
	assert.True(t, got.TerminalAt.Equal(at))
	assert.Equal(t, it.ExchangeOrderID, got.ExchangeOrderID)

	// 重复归档覆盖
	it.Reason = "late fill report"
	require.NoError(t, a.Archive(ctx, it))
	got, err = a.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "late fill report", got.Reason)

	_, err = a.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArchiveRejectsOpenIntents(t *testing.T) {
	a := openTemp(t)
	it := domain.NewOrderIntent("BTC/USD", domain.SideBuy, decimal.NewFromInt(10), time.Now())

	var verr *domain.ValidationError
	assert.ErrorAs(t, a.Archive(context.Background(), it), &verr)
}

func TestRecentOrdersByTerminalTime(t *testing.T) {
	a := openTemp(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i, sym := range []string{"BTC/USD", "ETH/USD", "BTC/USD"} {
		it := terminalIntent(t, sym, domain.IntentCancelled, base.Add(time.Duration(i)*500*time.Millisecond))
		require.NoError(t, a.Archive(ctx, it))
		ids = append(ids, it.ID)
	}

	all, err := a.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{all[0].ID, all[1].ID, all[2].ID})

	btc, err := a.Recent(ctx, "BTC/USD", 1)
	require.NoError(t, err)
	require.Len(t, btc, 1)
	assert.Equal(t, ids[2], btc[0].ID)
}

func TestPruneRemovesOldEntries(t *testing.T) {
	a := openTemp(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	old := terminalIntent(t, "BTC/USD", domain.IntentRejected, base.Add(-48*time.Hour))
	fresh := terminalIntent(t, "BTC/USD", domain.IntentFilled, base)
	require.NoError(t, a.Archive(ctx, old))
	require.NoError(t, a.Archive(ctx, fresh))

	n, err := a.Prune(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = a.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = a.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}
