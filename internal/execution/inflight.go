package execution

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/tradecore/internal/domain"
)

// ErrDuplicateInFlight 同一交易对同方向的提案仍在处理中
var ErrDuplicateInFlight = errors.New("duplicate proposal in flight")

// InFlightDeduper 短时间窗口内的确定性去重。
//
// 分片 map + TTL，过期项在访问时惰性清理。TTL 只兜底进程内遗漏的 Release。
type InFlightDeduper struct {
	ttl    time.Duration
	shards []inFlightShard
	now    func() time.Time
}

type inFlightShard struct {
	mu sync.Mutex
	m  map[string]time.Time // key -> expiresAt
}

// NewInFlightDeduper 创建去重器
func NewInFlightDeduper(ttl time.Duration, shardCount int) *InFlightDeduper {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if shardCount <= 0 {
		shardCount = 16
	}
	shards := make([]inFlightShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]time.Time)
	}
	return &InFlightDeduper{ttl: ttl, shards: shards, now: time.Now}
}

// TryAcquire 获取 key 的 in-flight 令牌，已被占用返回 ErrDuplicateInFlight
func (d *InFlightDeduper) TryAcquire(key string) error {
	if d == nil || key == "" {
		return nil
	}
	now := d.now()
	sh := d.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for k, exp := range sh.m {
		if !exp.After(now) {
			delete(sh.m, k)
		}
	}

	if exp, ok := sh.m[key]; ok && exp.After(now) {
		return errors.WithMessage(ErrDuplicateInFlight, key)
	}
	sh.m[key] = now.Add(d.ttl)
	return nil
}

// Release 释放 key
func (d *InFlightDeduper) Release(key string) {
	if d == nil || key == "" {
		return
	}
	sh := d.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

func (d *InFlightDeduper) shard(key string) *inFlightShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &d.shards[h.Sum32()%uint32(len(d.shards))]
}

func proposalKey(symbol string, side domain.Side) string {
	return symbol + "|" + string(side)
}
