package events

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/tradecore/internal/domain"
)

func TestBusDeliversInOrderAndSurvivesPanics(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.Subscribe(func(ev Event) { got = append(got, "a:"+ev.Name()) })
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(ev Event) { got = append(got, "b:"+ev.Name()) })
	bus.Subscribe(nil)

	bus.Publish(BreakerStateEvent{From: "closed", To: "open"})
	bus.Publish(nil)

	assert.Equal(t, []string{"a:breaker_state", "b:breaker_state"}, got)
}

func TestNilBusIsNoop(t *testing.T) {
	var bus *Bus
	bus.Subscribe(func(Event) {})
	bus.Publish(CriticalErrorEvent{})
}

func TestLogSinkLevels(t *testing.T) {
	l, hook := test.NewNullLogger()
	sink := LogSink(logrus.NewEntry(l))

	sink(CriticalErrorEvent{Component: "session", Error: "critical channel failed", Timestamp: time.Now()})
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "session", hook.LastEntry().Data["source"])

	sink(BudgetThresholdEvent{Class: "order_placement", From: "normal", To: "warning", Utilization: 0.85})
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	sink(BudgetThresholdEvent{Class: "order_placement", From: "warning", To: "normal", Utilization: 0.5})
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)

	sink(IntentTransitionEvent{IntentID: "i1", From: domain.IntentSubmitted, To: domain.IntentAcked, OrderID: "O1"})
	entry := hook.LastEntry()
	assert.Equal(t, "intent_transition", entry.Data["event"])
	assert.Equal(t, "O1", entry.Data["order_id"])
	assert.NotContains(t, entry.Data, "reason")
}
