package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "events")

// Handler 事件处理函数，必须快速返回
type Handler func(Event)

// Bus 同步事件总线。发布方保证不在持锁时调用 Publish
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe 注册处理函数
func (b *Bus) Subscribe(h Handler) {
	if b == nil || h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish 依次调用所有处理函数，单个处理函数 panic 不影响其他
func (b *Bus) Publish(ev Event) {
	if b == nil || ev == nil {
		return
	}
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		dispatch(h, ev)
	}
}

func dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("事件处理 panic: event=%s err=%v", ev.Name(), r)
		}
	}()
	h(ev)
}

// LogSink 把事件写成结构化日志
func LogSink(entry *logrus.Entry) Handler {
	if entry == nil {
		entry = logrus.WithField("component", "event_log")
	}
	return func(ev Event) {
		e := entry.WithField("event", ev.Name()).WithFields(ev.Fields())
		switch x := ev.(type) {
		case CriticalErrorEvent:
			e.Error("🛑 严重错误")
		case BudgetThresholdEvent:
			if x.To == "normal" {
				e.Info("预算水位恢复")
			} else {
				e.Warn("⚠️ 预算水位变化")
			}
		case BreakerStateEvent:
			e.Warn("断路器状态变化")
		default:
			e.Info("状态变化")
		}
	}
}
