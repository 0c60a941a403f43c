package marketstate

import (
	"maps"
	"time"

	"github.com/betbot/tradecore/internal/domain"
)

// Snapshot 某一时刻的完整只读视图。
//
// 发布后不可修改：写方（actor）只替换被修改的 map，其余 map 与旧快照共享，
// 读方通过 atomic.Pointer 拿到一致快照，不需要加锁。
type Snapshot struct {
	Balances   map[string]domain.Balance
	Tickers    map[string]domain.Ticker
	Books      map[string]domain.OrderBook
	Candles    map[string]domain.Candle
	OpenOrders map[string]domain.OpenOrder // key: order id
	Status     map[domain.ChannelGroup]domain.ConnectionStatus
	// Sequence 已应用的最大序号
	Sequence  uint64
	UpdatedAt time.Time
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Balances:   map[string]domain.Balance{},
		Tickers:    map[string]domain.Ticker{},
		Books:      map[string]domain.OrderBook{},
		Candles:    map[string]domain.Candle{},
		OpenOrders: map[string]domain.OpenOrder{},
		Status: map[domain.ChannelGroup]domain.ConnectionStatus{
			domain.GroupPublic:  domain.StatusDisconnected,
			domain.GroupPrivate: domain.StatusDisconnected,
		},
	}
}

// StatusOf 连接状态，未知分组视为 disconnected
func (s *Snapshot) StatusOf(group domain.ChannelGroup) domain.ConnectionStatus {
	if st, ok := s.Status[group]; ok {
		return st
	}
	return domain.StatusDisconnected
}

// builder 在旧快照上做写时复制
type builder struct {
	base *Snapshot
	next Snapshot

	balances, tickers, books, candles, orders, status bool
}

func newBuilder(base *Snapshot) *builder {
	return &builder{base: base, next: *base}
}

func (b *builder) Balances() map[string]domain.Balance {
	if !b.balances {
		b.next.Balances = maps.Clone(b.base.Balances)
		b.balances = true
	}
	return b.next.Balances
}

func (b *builder) Tickers() map[string]domain.Ticker {
	if !b.tickers {
		b.next.Tickers = maps.Clone(b.base.Tickers)
		b.tickers = true
	}
	return b.next.Tickers
}

func (b *builder) Books() map[string]domain.OrderBook {
	if !b.books {
		b.next.Books = maps.Clone(b.base.Books)
		b.books = true
	}
	return b.next.Books
}

func (b *builder) Candles() map[string]domain.Candle {
	if !b.candles {
		b.next.Candles = maps.Clone(b.base.Candles)
		b.candles = true
	}
	return b.next.Candles
}

func (b *builder) OpenOrders() map[string]domain.OpenOrder {
	if !b.orders {
		b.next.OpenOrders = maps.Clone(b.base.OpenOrders)
		b.orders = true
	}
	return b.next.OpenOrders
}

func (b *builder) Status() map[domain.ChannelGroup]domain.ConnectionStatus {
	if !b.status {
		b.next.Status = maps.Clone(b.base.Status)
		b.status = true
	}
	return b.next.Status
}

func (b *builder) changed() bool {
	return b.balances || b.tickers || b.books || b.candles || b.orders || b.status
}

func (b *builder) build(seq uint64, now time.Time) *Snapshot {
	out := b.next
	if seq > out.Sequence {
		out.Sequence = seq
	}
	out.UpdatedAt = now
	return &out
}
