package domain

import (
	"math/rand"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/tradecore/pkg/retry"
)

var allStatuses = []IntentStatus{
	IntentDraft, IntentValidated, IntentSubmitted, IntentUnknown,
	IntentAcked, IntentRejected, IntentFilled, IntentCancelled,
}

// 状态的偏序：迁移只能走向更大的 rank
var statusRank = map[IntentStatus]int{
	IntentDraft:     0,
	IntentValidated: 1,
	IntentSubmitted: 2,
	IntentUnknown:   3,
	IntentAcked:     4,
	IntentRejected:  5,
	IntentFilled:    5,
	IntentCancelled: 5,
}

func TestIntentHappyPath(t *testing.T) {
	now := time.Now()
	o := NewOrderIntent("BTC/USD", SideBuy, decimal.NewFromInt(10), now)
	require.NotEmpty(t, o.ID)
	assert.Equal(t, IntentDraft, o.Status)

	for _, s := range []IntentStatus{IntentValidated, IntentSubmitted, IntentAcked, IntentFilled} {
		require.NoError(t, o.Transition(s, now))
	}
	assert.True(t, o.Status.IsTerminal())
	assert.False(t, o.SubmittedAt.IsZero())
	assert.False(t, o.TerminalAt.IsZero())
}

func TestIntentRejectsBackwardTransition(t *testing.T) {
	now := time.Now()
	o := NewOrderIntent("BTC/USD", SideBuy, decimal.NewFromInt(10), now)
	require.NoError(t, o.Transition(IntentValidated, now))
	require.NoError(t, o.Transition(IntentSubmitted, now))
	require.NoError(t, o.Transition(IntentFilled, now))

	err := o.Transition(IntentSubmitted, now)
	var inv *InvalidTransitionError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, IntentFilled, inv.From)
	assert.Equal(t, IntentFilled, o.Status)
}

func TestUnknownCanBeReconciled(t *testing.T) {
	now := time.Now()
	o := NewOrderIntent("BTC/USD", SideSell, decimal.NewFromInt(10), now)
	require.NoError(t, o.Transition(IntentValidated, now))
	require.NoError(t, o.Transition(IntentSubmitted, now))
	require.NoError(t, o.Transition(IntentUnknown, now))
	require.NoError(t, o.Transition(IntentAcked, now))
	assert.Error(t, o.Transition(IntentUnknown, now))
}

// 随机输入下状态 rank 永不下降
func TestIntentStatusMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 500; run++ {
		o := NewOrderIntent("ETH/USD", SideBuy, decimal.NewFromInt(1), time.Now())
		for step := 0; step < 20; step++ {
			prev := o.Status
			to := allStatuses[rng.Intn(len(allStatuses))]
			err := o.Transition(to, time.Now())
			if err != nil {
				assert.Equal(t, prev, o.Status)
				continue
			}
			assert.Greater(t, statusRank[o.Status], statusRank[prev], "%s -> %s", prev, o.Status)
		}
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	for _, from := range []IntentStatus{IntentRejected, IntentFilled, IntentCancelled} {
		for _, to := range allStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTickerReferencePrice(t *testing.T) {
	tk := Ticker{Bid: decimal.RequireFromString("99"), Ask: decimal.RequireFromString("101")}
	p, ok := tk.ReferencePrice(SideBuy)
	require.True(t, ok)
	assert.True(t, p.Equal(decimal.NewFromInt(101)))
	p, ok = tk.ReferencePrice(SideSell)
	require.True(t, ok)
	assert.True(t, p.Equal(decimal.NewFromInt(99)))

	_, ok = Ticker{}.ReferencePrice(SideBuy)
	assert.False(t, ok)
}

func TestInstrumentRounding(t *testing.T) {
	inst := Instrument{QuantityPrecision: 2}
	assert.Equal(t, "1.23", inst.FloorQuantity(decimal.RequireFromString("1.239")).String())
	assert.Equal(t, "1.24", inst.CeilQuantity(decimal.RequireFromString("1.231")).String())
}

func TestSequencerAdvanceTo(t *testing.T) {
	var s Sequencer
	assert.Equal(t, uint64(1), s.Next())
	s.AdvanceTo(100)
	assert.Equal(t, uint64(101), s.Next())
	s.AdvanceTo(50)
	assert.Equal(t, uint64(102), s.Next())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, retry.ClassNetwork, Classify(errors.Wrap(&NetworkError{Op: "get", Err: errors.New("reset")}, "pull")))
	assert.Equal(t, retry.ClassAuth, Classify(&AuthExpiredError{Reason: "token"}))
	assert.Equal(t, retry.ClassRateLimit, Classify(&RateLimitError{Wait: time.Second}))
	assert.Equal(t, retry.ClassPermanent, Classify(&ValidationError{Field: "side"}))
	assert.Equal(t, retry.Class(""), Classify(nil))
}
