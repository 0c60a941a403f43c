package domain

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/tradecore/pkg/retry"
)

var (
	// ErrUnavailable 数据从未被观测到，且无法通过回退获取
	ErrUnavailable = errors.New("data unavailable")
	// ErrAckTimeout 在限定时间内没有收到下单确认
	ErrAckTimeout = errors.New("order acknowledgment timeout")
	// ErrNotStreaming 私有流不可用于下单
	ErrNotStreaming = errors.New("private stream not streaming")
)

// NetworkError 暂时性网络错误，可退避重试
type NetworkError struct {
	Op  string
	Err error
	// Sent 请求可能已到达对端
	Sent bool
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error during %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// AuthExpiredError token 失效，刷新后允许重试一次
type AuthExpiredError struct {
	Reason string
}

func (e *AuthExpiredError) Error() string { return "auth expired: " + e.Reason }

// RateLimitError 被限流（本地预算或交易所），Wait 为建议等待时间
type RateLimitError struct {
	Class  string
	Wait   time.Duration
	Remote bool // 交易所返回的限流
	Reason string
}

func (e *RateLimitError) Error() string {
	src := "local budget"
	if e.Remote {
		src = "exchange"
	}
	return fmt.Sprintf("rate limited by %s on %s (wait %s): %s", src, e.Class, e.Wait, e.Reason)
}

// RetryAfter 实现 retry.RetryAfterHint
func (e *RateLimitError) RetryAfter() time.Duration { return e.Wait }

// StaleDataError 数据已过期，回退拉取也未能刷新
type StaleDataError struct {
	Asset  string
	Age    time.Duration
	Source Source
	Err    error
}

func (e *StaleDataError) Error() string {
	msg := fmt.Sprintf("stale data for %s (age %s, source %s)", e.Asset, e.Age.Round(time.Millisecond), e.Source)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}
func (e *StaleDataError) Unwrap() error { return e.Err }

// ValidationError 输入不合法，不可重试
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason) }

// DuplicateOrderRiskError ack 状态未知且挂单核对不确定，禁止自动重发
type DuplicateOrderRiskError struct {
	IntentID string
	Err      error
}

func (e *DuplicateOrderRiskError) Error() string {
	return fmt.Sprintf("duplicate order risk for intent %s: %v", e.IntentID, e.Err)
}
func (e *DuplicateOrderRiskError) Unwrap() error { return e.Err }

// InsufficientDataError 下单所需数据不可用
type InsufficientDataError struct {
	What string
	Err  error
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %s: %v", e.What, e.Err)
}
func (e *InsufficientDataError) Unwrap() error { return e.Err }

// ExchangeError 交易所业务拒绝（如 EOrder:Insufficient funds）
type ExchangeError struct {
	Code    string
	Message string
}

func (e *ExchangeError) Error() string { return e.Code + ":" + e.Message }

// Classify 把错误映射到退避类别，context 取消等其他错误不重试
func Classify(err error) retry.Class {
	var (
		netErr  *NetworkError
		authErr *AuthExpiredError
		rlErr   *RateLimitError
	)
	switch {
	case err == nil:
		return ""
	case stderrors.As(err, &rlErr):
		return retry.ClassRateLimit
	case stderrors.As(err, &authErr):
		return retry.ClassAuth
	case stderrors.As(err, &netErr):
		return retry.ClassNetwork
	default:
		return retry.ClassPermanent
	}
}
