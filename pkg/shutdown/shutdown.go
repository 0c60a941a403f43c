package shutdown

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "shutdown")

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type hook struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器：按注册的相反顺序依次执行（后启动的组件先停）
type Manager struct {
	mu    sync.Mutex
	hooks []hook
	done  bool
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: handler})
}

// Shutdown 逆序执行所有回调，只执行一次。
// ctx 应带超时；超时后剩余回调仍会被调用，但会拿到已结束的 ctx
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	hooks := m.hooks
	m.mu.Unlock()

	if len(hooks) == 0 {
		log.Info("没有注册的关闭回调")
		return
	}
	log.Infof("开始优雅关闭，共 %d 个回调", len(hooks))

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.fn(ctx); err != nil {
			log.Warnf("关闭 %s 失败: %v", h.name, err)
			continue
		}
		log.Debugf("已关闭 %s", h.name)
	}
	if err := ctx.Err(); err != nil {
		log.Warnf("关闭超时: %v", err)
		return
	}
	log.Info("所有关闭回调已完成")
}
