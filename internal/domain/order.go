package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid 是否为合法方向
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// SubmitChannel 下单通道
type SubmitChannel string

const (
	SubmitViaStream SubmitChannel = "stream"
	SubmitViaPull   SubmitChannel = "pull"
)

// IntentStatus 订单意图状态
type IntentStatus string

const (
	IntentDraft     IntentStatus = "draft"
	IntentValidated IntentStatus = "validated"
	IntentSubmitted IntentStatus = "submitted"
	IntentUnknown   IntentStatus = "unknown" // 等待 ack 超时，交易所侧状态未知
	IntentAcked     IntentStatus = "acked"
	IntentRejected  IntentStatus = "rejected"
	IntentFilled    IntentStatus = "filled"
	IntentCancelled IntentStatus = "cancelled"
)

// 允许的前向迁移；不在表中的迁移（包括任何回退）都被拒绝
var intentTransitions = map[IntentStatus][]IntentStatus{
	IntentDraft:     {IntentValidated},
	IntentValidated: {IntentSubmitted},
	IntentSubmitted: {IntentAcked, IntentRejected, IntentUnknown, IntentFilled, IntentCancelled},
	IntentUnknown:   {IntentAcked, IntentRejected, IntentFilled, IntentCancelled},
	IntentAcked:     {IntentFilled, IntentCancelled},
}

// IsTerminal 是否为最终状态
func (s IntentStatus) IsTerminal() bool {
	return s == IntentRejected || s == IntentFilled || s == IntentCancelled
}

// CanTransition 判断 from -> to 是否合法
func CanTransition(from, to IntentStatus) bool {
	for _, next := range intentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError 非法状态迁移
type InvalidTransitionError struct {
	IntentID string
	From     IntentStatus
	To       IntentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("intent %s: invalid transition %s -> %s", e.IntentID, e.From, e.To)
}

// OrderIntent 订单意图：从提案到最终状态的完整生命周期
type OrderIntent struct {
	ID                string          `json:"id"` // 同时作为交易所 client order id
	Symbol            string          `json:"symbol"`
	Side              Side            `json:"side"`
	RequestedNotional decimal.Decimal `json:"requested_notional"`
	ComputedQuantity  decimal.Decimal `json:"computed_quantity"`
	Price             decimal.Decimal `json:"price"`       // 参考价
	LimitPrice        decimal.Decimal `json:"limit_price"` // 含滑点保护的限价
	Status            IntentStatus    `json:"status"`
	ChannelUsed       SubmitChannel   `json:"channel_used,omitempty"`
	ExchangeOrderID   string          `json:"exchange_order_id,omitempty"`
	FilledQuantity    decimal.Decimal `json:"filled_quantity"`
	Reason            string          `json:"reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	SubmittedAt       time.Time       `json:"submitted_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	TerminalAt        time.Time       `json:"terminal_at"`
}

// NewOrderIntent 创建 draft 状态的订单意图
func NewOrderIntent(symbol string, side Side, requested decimal.Decimal, now time.Time) *OrderIntent {
	return &OrderIntent{
		ID:                uuid.NewString(),
		Symbol:            symbol,
		Side:              side,
		RequestedNotional: requested,
		Status:            IntentDraft,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Transition 执行状态迁移，非法迁移返回 *InvalidTransitionError 且不修改状态
func (o *OrderIntent) Transition(to IntentStatus, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return &InvalidTransitionError{IntentID: o.ID, From: o.Status, To: to}
	}
	o.Status = to
	o.UpdatedAt = now
	switch {
	case to == IntentSubmitted:
		o.SubmittedAt = now
	case to.IsTerminal():
		o.TerminalAt = now
	}
	return nil
}

// Notional 计算后的名义金额
func (o *OrderIntent) Notional() decimal.Decimal {
	return o.ComputedQuantity.Mul(o.Price)
}

// Clone 返回副本
func (o *OrderIntent) Clone() *OrderIntent {
	cp := *o
	return &cp
}

// OrderRequest 发往交易所的下单请求
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
}

// OrderAck 交易所确认
type OrderAck struct {
	OrderID       string
	ClientOrderID string
}

// OpenOrder 交易所侧挂单
type OpenOrder struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"cl_ord_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"order_qty"`
	Filled        decimal.Decimal `json:"cum_qty"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	Status        string          `json:"order_status"`
	Sequence      uint64          `json:"-"`
	UpdatedAt     time.Time       `json:"-"`
}
