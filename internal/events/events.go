package events

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/tradecore/internal/domain"
)

// Event 对外发布的结构化事件
type Event interface {
	Name() string
	Fields() logrus.Fields
}

// IntentTransitionEvent 订单意图状态迁移
type IntentTransitionEvent struct {
	IntentID  string
	Symbol    string
	Side      domain.Side
	From      domain.IntentStatus
	To        domain.IntentStatus
	OrderID   string
	Reason    string
	Timestamp time.Time
}

func (e IntentTransitionEvent) Name() string { return "intent_transition" }
func (e IntentTransitionEvent) Fields() logrus.Fields {
	f := logrus.Fields{
		"intent_id": e.IntentID,
		"symbol":    e.Symbol,
		"side":      e.Side,
		"from":      e.From,
		"to":        e.To,
	}
	if e.OrderID != "" {
		f["order_id"] = e.OrderID
	}
	if e.Reason != "" {
		f["reason"] = e.Reason
	}
	return f
}

// ConnectionStateEvent 连接状态迁移
type ConnectionStateEvent struct {
	Group     domain.ChannelGroup
	From      domain.ConnectionStatus
	To        domain.ConnectionStatus
	Reason    string
	Timestamp time.Time
}

func (e ConnectionStateEvent) Name() string { return "connection_state" }
func (e ConnectionStateEvent) Fields() logrus.Fields {
	return logrus.Fields{"group": e.Group, "from": e.From, "to": e.To, "reason": e.Reason}
}

// BudgetThresholdEvent 预算水位变化（80% / 100%）
type BudgetThresholdEvent struct {
	Class       string
	From        string
	To          string
	Utilization float64
	Timestamp   time.Time
}

func (e BudgetThresholdEvent) Name() string { return "budget_threshold" }
func (e BudgetThresholdEvent) Fields() logrus.Fields {
	return logrus.Fields{"class": e.Class, "from": e.From, "to": e.To, "utilization": e.Utilization}
}

// BreakerStateEvent 断路器状态变化
type BreakerStateEvent struct {
	From      string
	To        string
	Reason    string
	Timestamp time.Time
}

func (e BreakerStateEvent) Name() string { return "breaker_state" }
func (e BreakerStateEvent) Fields() logrus.Fields {
	return logrus.Fields{"from": e.From, "to": e.To, "reason": e.Reason}
}

// CriticalErrorEvent 严重错误事件（如 critical 频道订阅失败）
type CriticalErrorEvent struct {
	Component string
	Error     string
	Timestamp time.Time
}

func (e CriticalErrorEvent) Name() string { return "critical_error" }
func (e CriticalErrorEvent) Fields() logrus.Fields {
	return logrus.Fields{"source": e.Component, "error": e.Error}
}
