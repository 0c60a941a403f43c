package domain

import "time"

// Outcome ProposeOrder 的结果，只能是下列具体类型之一
type Outcome interface {
	Kind() string
	outcome()
}

// Submitted 交易所已确认
type Submitted struct {
	IntentID string
	OrderID  string
}

// Skipped 主动放弃，不是错误
type Skipped struct {
	Reason string
}

// Throttled 预算不足，wait 后可重试
type Throttled struct {
	Wait time.Duration
}

// Rejected 失败，Err 为具体错误类型
type Rejected struct {
	IntentID string
	Reason   string
	Err      error
}

// Unknown 等待 ack 超时，交易所可能已接受；需对账后才能重试
type Unknown struct {
	IntentID string
}

func (Submitted) Kind() string { return "submitted" }
func (Skipped) Kind() string   { return "skipped" }
func (Throttled) Kind() string { return "throttled" }
func (Rejected) Kind() string  { return "rejected" }
func (Unknown) Kind() string   { return "unknown" }

func (Submitted) outcome() {}
func (Skipped) outcome()   {}
func (Throttled) outcome() {}
func (Rejected) outcome()  {}
func (Unknown) outcome()   {}

// 常见跳过原因
const (
	ReasonBelowMinimum          = "below instrument minimum"
	ReasonInsufficientAvailable = "insufficient available balance"
)
