package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecType 成交回报类型
type ExecType string

const (
	ExecNew      ExecType = "new"
	ExecTrade    ExecType = "trade"
	ExecFilled   ExecType = "filled"
	ExecCanceled ExecType = "canceled"
	ExecExpired  ExecType = "expired"
	ExecRejected ExecType = "rejected"
)

// ExecutionEvent 私有流 executions 频道的一条回报
type ExecutionEvent struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"cl_ord_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	ExecType      ExecType        `json:"exec_type"`
	OrderStatus   string          `json:"order_status"`
	OrderQty      decimal.Decimal `json:"order_qty"`
	CumQty        decimal.Decimal `json:"cum_qty"`
	LastQty       decimal.Decimal `json:"last_qty"`
	LastPrice     decimal.Decimal `json:"last_price"`
	Reason        string          `json:"reason"`
	Sequence      uint64          `json:"-"`
	ReceivedAt    time.Time       `json:"-"`
}

// IsFill 是否包含成交（部分或全部）
func (e ExecutionEvent) IsFill() bool {
	return e.ExecType == ExecTrade || e.ExecType == ExecFilled
}

// TargetStatus 回报对应的意图状态；无对应状态返回 false
func (e ExecutionEvent) TargetStatus() (IntentStatus, bool) {
	switch {
	case e.ExecType == ExecFilled || e.OrderStatus == "filled":
		return IntentFilled, true
	case e.ExecType == ExecCanceled || e.ExecType == ExecExpired:
		return IntentCancelled, true
	case e.ExecType == ExecRejected:
		return IntentRejected, true
	case e.ExecType == ExecNew || e.ExecType == ExecTrade:
		return IntentAcked, true
	}
	return "", false
}
