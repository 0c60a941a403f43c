package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/tradecore/internal/domain"
	"github.com/betbot/tradecore/internal/events"
	"github.com/betbot/tradecore/internal/execution"
	"github.com/betbot/tradecore/internal/risk"
	"github.com/betbot/tradecore/pkg/ratelimit"
)

type fakeSession struct{ status domain.ConnectionStatus }

func (f fakeSession) State(group domain.ChannelGroup) domain.ConnectionState {
	return domain.ConnectionState{Group: group, Status: f.status}
}

func (f fakeSession) Channels() []domain.Channel {
	return []domain.Channel{{Name: domain.ChannelTicker, Group: domain.GroupPublic, Priority: domain.PriorityHigh}}
}

type fakeOrders struct {
	outcome   domain.Outcome
	cancelErr error
	got       execution.Proposal
	intents   map[string]domain.OrderIntent
}

func (f *fakeOrders) ProposeOrder(_ context.Context, p execution.Proposal) domain.Outcome {
	f.got = p
	return f.outcome
}

func (f *fakeOrders) RetryUnknown(_ context.Context, id string) domain.Outcome {
	return f.outcome
}

func (f *fakeOrders) CancelOrder(_ context.Context, id string) error { return f.cancelErr }

func (f *fakeOrders) Intent(id string) (domain.OrderIntent, bool) {
	it, ok := f.intents[id]
	return it, ok
}

func (f *fakeOrders) Intents() []domain.OrderIntent {
	out := make([]domain.OrderIntent, 0, len(f.intents))
	for _, it := range f.intents {
		out = append(out, it)
	}
	return out
}

func (f *fakeOrders) Stats() execution.Stats { return execution.Stats{Proposals: 3} }

type fakeArchive struct{ symbol string }

func (f *fakeArchive) Recent(_ context.Context, symbol string, limit int) ([]*domain.OrderIntent, error) {
	f.symbol = symbol
	return []*domain.OrderIntent{{ID: "old", Symbol: symbol, Status: domain.IntentFilled}}, nil
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	h := Router(Sources{})
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, h, http.MethodGet, "/readyz", "").Code)

	h = Router(Sources{Session: fakeSession{status: domain.StatusDegraded}})
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, h, http.MethodGet, "/readyz", "").Code)

	h = Router(Sources{Session: fakeSession{status: domain.StatusStreaming}})
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/readyz", "").Code)
}

func TestStatusReportsComponents(t *testing.T) {
	ledger := ratelimit.NewLedger(map[ratelimit.OperationClass]ratelimit.ClassConfig{
		ratelimit.ClassOrderPlacement: {MaxCost: 10, DecayRate: 1},
	})
	h := Router(Sources{
		Session: fakeSession{status: domain.StatusStreaming},
		Ledger:  ledger,
		Breaker: risk.NewCircuitBreaker(risk.CircuitBreakerConfig{}),
		Orders:  &fakeOrders{},
	})

	w := serve(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Contains(t, body, "connections")
	assert.Contains(t, body, "budget")
	assert.Contains(t, body, "execution")
	assert.NotContains(t, body, "state_store")
	assert.Equal(t, "closed", body["breaker"].(map[string]any)["state"])
}

func TestProposeMapsOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		outcome domain.Outcome
		code    int
		kind    string
	}{
		{"submitted", domain.Submitted{IntentID: "i1", OrderID: "O1"}, http.StatusOK, "submitted"},
		{"skipped", domain.Skipped{Reason: domain.ReasonBelowMinimum}, http.StatusOK, "skipped"},
		{"throttled", domain.Throttled{Wait: 2 * time.Second}, http.StatusTooManyRequests, "throttled"},
		{"unknown", domain.Unknown{IntentID: "i2"}, http.StatusAccepted, "unknown"},
		{"invalid", domain.Rejected{Reason: "invalid proposal", Err: &domain.ValidationError{Field: "side", Reason: "bad"}}, http.StatusUnprocessableEntity, "rejected"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orders := &fakeOrders{outcome: tc.outcome}
			h := Router(Sources{Orders: orders})
			w := serve(t, h, http.MethodPost, "/api/orders/propose",
				`{"symbol":"BTC/USD","side":"buy","requested_notional":"10","max_slippage":"0.01"}`)
			assert.Equal(t, tc.code, w.Code)
			assert.Equal(t, tc.kind, decodeBody(t, w)["kind"])
			assert.Equal(t, "BTC/USD", orders.got.Symbol)
			assert.True(t, orders.got.RequestedNotional.Equal(decimal.NewFromInt(10)))
			if tc.kind == "throttled" {
				assert.Equal(t, "2", w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestProposeRejectsMalformedBody(t *testing.T) {
	h := Router(Sources{Orders: &fakeOrders{}})
	w := serve(t, h, http.MethodPost, "/api/orders/propose", `{"symbol":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIntentEndpoints(t *testing.T) {
	orders := &fakeOrders{
		outcome:   domain.Submitted{IntentID: "i1", OrderID: "O1"},
		cancelErr: &domain.ValidationError{Field: "intent_id", Reason: "not found: x"},
		intents:   map[string]domain.OrderIntent{"i1": {ID: "i1", Symbol: "BTC/USD", Status: domain.IntentUnknown}},
	}
	archive := &fakeArchive{}
	h := Router(Sources{Orders: orders, Archive: archive})

	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/api/intents/i1", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, h, http.MethodGet, "/api/intents/x", "").Code)
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodPost, "/api/intents/i1/retry", "").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, serve(t, h, http.MethodPost, "/api/intents/x/cancel", "").Code)

	orders.cancelErr = &domain.RateLimitError{Class: "order_placement", Wait: time.Second}
	assert.Equal(t, http.StatusTooManyRequests, serve(t, h, http.MethodPost, "/api/intents/i1/cancel", "").Code)
	orders.cancelErr = nil
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodPost, "/api/intents/i1/cancel", "").Code)

	w := serve(t, h, http.MethodGet, "/api/intents/archive?symbol=BTC/USD&limit=5", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "BTC/USD", archive.symbol)

	var list []domain.OrderIntent
	w = serve(t, h, http.MethodGet, "/api/intents", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestEventSinkCountsTransitions(t *testing.T) {
	sink := EventSink()
	before := CriticalErrors.Value()
	sink(events.CriticalErrorEvent{Component: "session", Error: "boom"})
	sink(events.IntentTransitionEvent{IntentID: "i1", To: domain.IntentAcked})
	assert.NotNil(t, IntentTransitions.Get(string(domain.IntentAcked)))
	assert.Equal(t, before+1, CriticalErrors.Value())
}
