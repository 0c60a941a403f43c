package metrics

import (
	"expvar"

	"github.com/betbot/tradecore/internal/events"
)

var (
	IntentTransitions     = expvar.NewMap("intent_transitions")
	ConnectionTransitions = expvar.NewMap("connection_transitions")
	BudgetCrossings       = expvar.NewMap("budget_threshold_crossings")
	BreakerTransitions    = expvar.NewMap("breaker_transitions")
	CriticalErrors        = expvar.NewInt("critical_errors")
	ProposalOutcomes      = expvar.NewMap("proposal_outcomes")
	ReconcileRuns         = expvar.NewInt("reconcile_runs")
	ReconcileErrors       = expvar.NewInt("reconcile_errors")
	ArchivePruned         = expvar.NewInt("archive_pruned")
)

// EventSink 把总线事件累加到 expvar 计数
func EventSink() events.Handler {
	return func(ev events.Event) {
		switch e := ev.(type) {
		case events.IntentTransitionEvent:
			IntentTransitions.Add(string(e.To), 1)
		case events.ConnectionStateEvent:
			ConnectionTransitions.Add(string(e.Group)+":"+string(e.To), 1)
		case events.BudgetThresholdEvent:
			BudgetCrossings.Add(e.Class+":"+e.To, 1)
		case events.BreakerStateEvent:
			BreakerTransitions.Add(e.To, 1)
		case events.CriticalErrorEvent:
			CriticalErrors.Add(1)
		}
	}
}
