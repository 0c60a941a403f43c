package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// OperationClass 共享同一预算的请求类别
type OperationClass string

const (
	ClassPublicQuery    OperationClass = "public_query"
	ClassPrivateQuery   OperationClass = "private_query"
	ClassOrderPlacement OperationClass = "order_placement"
)

// Level 预算使用水位
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelExhausted
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelExhausted:
		return "exhausted"
	default:
		return "normal"
	}
}

// ClassConfig 单个类别的预算参数
type ClassConfig struct {
	MaxCost   float64
	DecayRate float64 // 每秒衰减量
}

// Reservation reserve 的结果
type Reservation struct {
	Class   OperationClass
	Cost    float64
	Allowed bool
	Wait    time.Duration // Allowed=false 时建议的等待时间
}

// Counter 计数器快照
type Counter struct {
	Class       OperationClass `json:"operation_class"`
	CurrentCost float64        `json:"current_cost"`
	MaxCost     float64        `json:"max_cost"`
	DecayRate   float64        `json:"decay_rate"`
	LastUpdated time.Time      `json:"last_updated"`
	Level       string         `json:"level"`
}

// ThresholdEvent 水位变化事件（80% / 100%）
type ThresholdEvent struct {
	Class       OperationClass
	From        Level
	To          Level
	Utilization float64
	At          time.Time
}

// ThresholdListener 水位变化回调，在锁外调用
type ThresholdListener func(ThresholdEvent)

// DeniedError Wait 在限定时间内无法获得预算
type DeniedError struct {
	Class OperationClass
	Wait  time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("budget denied for %s, retry after %s", e.Class, e.Wait)
}

type counter struct {
	cfg     ClassConfig
	current float64
	updated time.Time
	level   Level
}

// decay 按经过的时间衰减，下限为 0
func (c *counter) decay(now time.Time) {
	if elapsed := now.Sub(c.updated).Seconds(); elapsed > 0 {
		c.current = math.Max(0, c.current-c.cfg.DecayRate*elapsed)
	}
	c.updated = now
}

// Ledger 按操作类别维护衰减计数器，所有出站调用先 Reserve
type Ledger struct {
	mu           sync.Mutex
	counters     map[OperationClass]*counter
	safetyMargin float64
	warnFraction float64
	now          func() time.Time
	listeners    []ThresholdListener
}

// Option Ledger 可选项
type Option func(*Ledger)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithSafetyMargin 设置 wait 的安全系数
func WithSafetyMargin(m float64) Option {
	return func(l *Ledger) {
		if m >= 1 {
			l.safetyMargin = m
		}
	}
}

// WithWarnFraction 设置告警水位
func WithWarnFraction(f float64) Option {
	return func(l *Ledger) {
		if f > 0 && f < 1 {
			l.warnFraction = f
		}
	}
}

// NewLedger 创建预算账本
func NewLedger(classes map[OperationClass]ClassConfig, opts ...Option) *Ledger {
	l := &Ledger{
		counters:     make(map[OperationClass]*counter, len(classes)),
		safetyMargin: 1.2,
		warnFraction: 0.8,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	now := l.now()
	for class, cfg := range classes {
		l.counters[class] = &counter{cfg: cfg, updated: now}
	}
	return l
}

// OnThreshold 注册水位变化监听
func (l *Ledger) OnThreshold(fn ThresholdListener) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Reserve 预留预算。允许时立即占用 cost，并发预留不会使计数器超过上限
func (l *Ledger) Reserve(class OperationClass, cost float64) Reservation {
	l.mu.Lock()
	c, ok := l.counters[class]
	if !ok {
		l.mu.Unlock()
		return Reservation{Class: class, Cost: cost}
	}
	now := l.now()
	c.decay(now)

	projected := c.current + cost
	res := Reservation{Class: class, Cost: cost}
	var ev *ThresholdEvent
	if projected > c.cfg.MaxCost {
		over := (projected - c.cfg.MaxCost) / c.cfg.DecayRate * l.safetyMargin
		res.Wait = time.Duration(over * float64(time.Second))
		ev = l.setLevel(class, c, LevelExhausted, projected/c.cfg.MaxCost, now)
	} else {
		c.current = projected
		res.Allowed = true
		ev = l.setLevel(class, c, l.levelFor(c), c.current/c.cfg.MaxCost, now)
	}
	listeners := l.listeners
	l.mu.Unlock()

	l.fire(listeners, ev)
	return res
}

// EstimateWait 预留 cost 需要等待的时长（不占用预算）
func (l *Ledger) EstimateWait(class OperationClass, cost float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[class]
	if !ok {
		return 0
	}
	c.decay(l.now())
	over := c.current + cost - c.cfg.MaxCost
	if over <= 0 {
		return 0
	}
	return time.Duration(over / c.cfg.DecayRate * l.safetyMargin * float64(time.Second))
}

// Commit 受保护的调用已经执行，已预留的 cost 保持计入
func (l *Ledger) Commit(class OperationClass, cost float64) {
	l.mu.Lock()
	if c, ok := l.counters[class]; ok {
		c.decay(l.now())
	}
	l.mu.Unlock()
}

// ReleaseOnFailure 调用在消耗真实预算前失败，回滚预留
func (l *Ledger) ReleaseOnFailure(class OperationClass, cost float64) {
	l.mu.Lock()
	c, ok := l.counters[class]
	if !ok {
		l.mu.Unlock()
		return
	}
	now := l.now()
	c.decay(now)
	c.current = math.Max(0, c.current-cost)
	ev := l.setLevel(class, c, l.levelFor(c), c.current/c.cfg.MaxCost, now)
	listeners := l.listeners
	l.mu.Unlock()

	l.fire(listeners, ev)
}

// Penalize 交易所返回限流错误时将计数器打满
func (l *Ledger) Penalize(class OperationClass) {
	l.mu.Lock()
	c, ok := l.counters[class]
	if !ok {
		l.mu.Unlock()
		return
	}
	now := l.now()
	c.decay(now)
	c.current = c.cfg.MaxCost
	ev := l.setLevel(class, c, LevelExhausted, 1, now)
	listeners := l.listeners
	l.mu.Unlock()

	l.fire(listeners, ev)
}

// Wait 阻塞直到预留成功或超过 maxWait（启动阶段使用）
func (l *Ledger) Wait(ctx context.Context, class OperationClass, cost float64, maxWait time.Duration) error {
	cfg, ok := l.Config(class)
	if !ok {
		return fmt.Errorf("unknown operation class %s", class)
	}
	if cost > cfg.MaxCost {
		return fmt.Errorf("cost %.2f exceeds max %.2f for %s", cost, cfg.MaxCost, class)
	}
	deadline := l.now().Add(maxWait)
	for {
		res := l.Reserve(class, cost)
		if res.Allowed {
			return nil
		}
		if res.Wait < time.Millisecond {
			res.Wait = time.Millisecond
		}
		remaining := deadline.Sub(l.now())
		if res.Wait > remaining {
			return &DeniedError{Class: class, Wait: res.Wait}
		}
		timer := time.NewTimer(res.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Level 当前水位
func (l *Ledger) Level(class OperationClass) Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[class]
	if !ok {
		return LevelNormal
	}
	c.decay(l.now())
	if c.level == LevelExhausted && c.current/c.cfg.MaxCost >= l.warnFraction {
		return LevelExhausted
	}
	return l.levelFor(c)
}

// Config 返回类别配置
func (l *Ledger) Config(class OperationClass) (ClassConfig, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[class]
	if !ok {
		return ClassConfig{}, false
	}
	return c.cfg, true
}

// Snapshot 所有计数器的衰减后快照，按类别排序
func (l *Ledger) Snapshot() []Counter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	out := make([]Counter, 0, len(l.counters))
	for class, c := range l.counters {
		c.decay(now)
		out = append(out, Counter{
			Class:       class,
			CurrentCost: c.current,
			MaxCost:     c.cfg.MaxCost,
			DecayRate:   c.cfg.DecayRate,
			LastUpdated: c.updated,
			Level:       l.levelFor(c).String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}

func (l *Ledger) levelFor(c *counter) Level {
	util := c.current / c.cfg.MaxCost
	switch {
	case util >= 1:
		return LevelExhausted
	case util >= l.warnFraction:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// setLevel 调用方持有锁；水位变化时返回事件
func (l *Ledger) setLevel(class OperationClass, c *counter, to Level, util float64, now time.Time) *ThresholdEvent {
	if c.level == to {
		return nil
	}
	ev := &ThresholdEvent{Class: class, From: c.level, To: to, Utilization: util, At: now}
	c.level = to
	return ev
}

func (l *Ledger) fire(listeners []ThresholdListener, ev *ThresholdEvent) {
	if ev == nil {
		return
	}
	for _, fn := range listeners {
		fn(*ev)
	}
}
