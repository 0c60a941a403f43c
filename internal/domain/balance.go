package domain

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Source 数据来源
type Source string

const (
	SourceStream Source = "stream"
	SourcePull   Source = "pull"

	// SourceRestored 进程启动时从持久化恢复，只按年龄判断新鲜度
	SourceRestored Source = "restored"
)

// Balance 单个资产余额
type Balance struct {
	Asset     string          `json:"asset"`
	Free      decimal.Decimal `json:"free"`
	Reserved  decimal.Decimal `json:"reserved"`
	Total     decimal.Decimal `json:"total"`
	UpdatedAt time.Time       `json:"updated_at"`
	Source    Source          `json:"source"`
	Sequence  uint64          `json:"sequence"`
}

// NewBalance 由总额和冻结额构造余额，free = total - reserved
func NewBalance(asset string, total, reserved decimal.Decimal) Balance {
	return Balance{
		Asset:    asset,
		Total:    total,
		Reserved: reserved,
		Free:     total.Sub(reserved),
	}
}

// Age 距离最后一次更新的时长
func (b Balance) Age(now time.Time) time.Duration {
	return now.Sub(b.UpdatedAt)
}

// Sequencer 进程内单调递增序号，流消息与拉取结果共用
type Sequencer struct {
	n atomic.Uint64
}

// Next 返回下一个序号
func (s *Sequencer) Next() uint64 {
	return s.n.Add(1)
}

// Current 当前已发出的最大序号
func (s *Sequencer) Current() uint64 {
	return s.n.Load()
}

// AdvanceTo 保证后续序号大于 n（用于从持久化恢复）
func (s *Sequencer) AdvanceTo(n uint64) {
	for {
		cur := s.n.Load()
		if cur >= n || s.n.CompareAndSwap(cur, n) {
			return
		}
	}
}
