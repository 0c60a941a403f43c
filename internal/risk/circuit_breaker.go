package risk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitBreakerOpen 表示断路器已打开，调用被直接拒绝（不产生任何网络 I/O）。
var ErrCircuitBreakerOpen = fmt.Errorf("circuit breaker open")

// State 断路器状态
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig 断路器配置。
type CircuitBreakerConfig struct {
	// FailureThreshold 连续失败次数上限，达到后打开。
	FailureThreshold int64
	// Cooldown 打开后经过该时长进入半开，只放行一个探测请求。
	Cooldown time.Duration
}

// StateChange 状态变化回调参数
type StateChange struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// CircuitBreaker closed/open/half-open 断路器。
//
// closed 状态的检查只读一个原子变量；状态迁移在锁内完成。
type CircuitBreaker struct {
	state atomic.Int32

	mu                sync.Mutex
	cfg               CircuitBreakerConfig
	consecutiveErrors int64
	openedAt          time.Time
	probeInFlight     bool
	halted            bool
	now               func() time.Time
	onChange          func(StateChange)
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{now: time.Now}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	cb.mu.Lock()
	cb.cfg = cfg
	cb.mu.Unlock()
}

// SetClock 替换时钟（测试用）
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
}

// OnStateChange 注册状态变化回调（锁外调用）
func (cb *CircuitBreaker) OnStateChange(fn func(StateChange)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// State 当前状态（open 超过冷却期时仍报告 open，直到下一次 Allow）
func (cb *CircuitBreaker) State() State {
	if cb == nil {
		return StateClosed
	}
	return State(cb.state.Load())
}

// Halt 手动熔断（如人工介入或检测到严重异常），冷却期不会自动恢复。
func (cb *CircuitBreaker) Halt() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	cb.halted = true
	ch := cb.transition(StateOpen, "manual halt")
	cb.mu.Unlock()
	cb.notify(ch)
}

// Resume 手动恢复（会同时清空连续错误计数）。
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	cb.halted = false
	cb.consecutiveErrors = 0
	cb.probeInFlight = false
	ch := cb.transition(StateClosed, "manual resume")
	cb.mu.Unlock()
	cb.notify(ch)
}

// Allow 调用前检查。closed 直接放行；open 在冷却期内拒绝，冷却期后转半开并放行唯一的探测请求；
// 半开状态下探测未结束前其他调用一律拒绝。
func (cb *CircuitBreaker) Allow() error {
	if cb == nil {
		return nil
	}
	if State(cb.state.Load()) == StateClosed {
		return nil
	}

	cb.mu.Lock()
	var ch *StateChange
	var err error
	switch State(cb.state.Load()) {
	case StateClosed:
	case StateOpen:
		if cb.halted || cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			err = ErrCircuitBreakerOpen
			break
		}
		ch = cb.transition(StateHalfOpen, "cooldown elapsed")
		cb.probeInFlight = true
	case StateHalfOpen:
		if cb.probeInFlight {
			err = ErrCircuitBreakerOpen
		} else {
			cb.probeInFlight = true
		}
	}
	cb.mu.Unlock()
	cb.notify(ch)
	return err
}

// OnSuccess 调用成功：清空连续错误计数，半开探测成功则关闭。
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	cb.consecutiveErrors = 0
	var ch *StateChange
	if State(cb.state.Load()) == StateHalfOpen {
		cb.probeInFlight = false
		ch = cb.transition(StateClosed, "probe succeeded")
	}
	cb.mu.Unlock()
	cb.notify(ch)
}

// OnError 非限流失败：累计连续错误，达到阈值打开；半开探测失败重新打开。
func (cb *CircuitBreaker) OnError() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	cb.consecutiveErrors++
	var ch *StateChange
	switch State(cb.state.Load()) {
	case StateHalfOpen:
		cb.probeInFlight = false
		ch = cb.transition(StateOpen, "probe failed")
	case StateClosed:
		if cb.consecutiveErrors >= cb.cfg.FailureThreshold {
			ch = cb.transition(StateOpen, fmt.Sprintf("%d consecutive failures", cb.consecutiveErrors))
		}
	}
	cb.mu.Unlock()
	cb.notify(ch)
}

// OnRateLimited 任何限流拒绝立即打开。
func (cb *CircuitBreaker) OnRateLimited() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	cb.probeInFlight = false
	ch := cb.transition(StateOpen, "rate limited")
	if ch == nil {
		// 已经 open：重新计算冷却期
		cb.openedAt = cb.now()
	}
	cb.mu.Unlock()
	cb.notify(ch)
}

// Release 探测请求未能得出结论（如调用方取消），释放探测名额，不改变状态。
func (cb *CircuitBreaker) Release() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	if State(cb.state.Load()) == StateHalfOpen {
		cb.probeInFlight = false
	}
	cb.mu.Unlock()
}

// ConsecutiveErrors 当前连续错误数
func (cb *CircuitBreaker) ConsecutiveErrors() int64 {
	if cb == nil {
		return 0
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveErrors
}

// transition 调用方持有锁
func (cb *CircuitBreaker) transition(to State, reason string) *StateChange {
	from := State(cb.state.Load())
	if from == to {
		return nil
	}
	now := cb.now()
	if to == StateOpen {
		cb.openedAt = now
	}
	cb.state.Store(int32(to))
	return &StateChange{From: from, To: to, Reason: reason, At: now}
}

func (cb *CircuitBreaker) notify(ch *StateChange) {
	if ch == nil {
		return
	}
	cb.mu.Lock()
	fn := cb.onChange
	cb.mu.Unlock()
	if fn != nil {
		fn(*ch)
	}
}
