// Package marketstate 维护余额、行情、盘口和挂单的本地一致视图。
//
// 流式消息和回退拉取结果都带有同一个 Sequencer 的序号，
// 写入由单个 goroutine（actor）按命令顺序执行，读取走 atomic 快照。
package marketstate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/betbot/tradecore/internal/domain"
	"github.com/betbot/tradecore/internal/pullclient"
	"github.com/betbot/tradecore/pkg/persistence"
)

var log = logrus.WithField("component", "market_state")

// ErrStopped store 已停止
var ErrStopped = errors.New("market state store stopped")

const (
	defaultBalanceTolerance = 5 * time.Second
	defaultMarketTolerance  = 30 * time.Second
	defaultFallbackTimeout  = 3 * time.Second
	defaultBalanceStreamAge = 5 * time.Minute
	defaultBookDepth        = 10
	defaultQueueSize        = 1024
)

// Puller 回退拉取来源
type Puller interface {
	HasCredentials() bool
	Balances(ctx context.Context, mode pullclient.Mode) (domain.PullSnapshot, error)
	OpenOrders(ctx context.Context, mode pullclient.Mode) (domain.PullSnapshot, error)
	Ticker(ctx context.Context, mode pullclient.Mode, symbol string) (domain.Ticker, error)
}

// Options store 配置
type Options struct {
	BalanceTolerance time.Duration
	MarketTolerance  time.Duration
	FallbackTimeout  time.Duration
	BookDepth        int
	QueueSize        int

	// BalanceMaxStreamAge 连接健康时流式余额的最大年龄，防止余额频道静默停滞
	BalanceMaxStreamAge time.Duration

	// Persistence 非 nil 时按 FlushInterval 保存余额，并在 Restore 时读回
	Persistence   persistence.Store
	FlushInterval time.Duration
}

// ExecutionHandler 执行回报订阅者。在 actor goroutine 中调用，不得回调 store 的写接口
type ExecutionHandler func(ev domain.ExecutionEvent)

// Stats 计数器快照
type Stats struct {
	StreamUpdates    int64 `json:"stream_updates"`
	OutOfOrder       int64 `json:"out_of_order"`
	PullApplied      int64 `json:"pull_applied"`
	PullSkipped      int64 `json:"pull_skipped"`
	Fallbacks        int64 `json:"fallbacks"`
	FallbackFailures int64 `json:"fallback_failures"`
}

type counters struct {
	streamUpdates    atomic.Int64
	outOfOrder       atomic.Int64
	pullApplied      atomic.Int64
	pullSkipped      atomic.Int64
	fallbacks        atomic.Int64
	fallbackFailures atomic.Int64
}

type commandType string

const (
	cmdStreamUpdate     commandType = "stream_update"
	cmdPullSnapshot     commandType = "pull_snapshot"
	cmdConnectionStatus commandType = "connection_status"
)

type command interface {
	CommandType() commandType
}

type streamUpdateCommand struct {
	upd domain.StreamUpdate
}

func (c *streamUpdateCommand) CommandType() commandType { return cmdStreamUpdate }

type pullSnapshotCommand struct {
	snap  domain.PullSnapshot
	reply chan int
}

func (c *pullSnapshotCommand) CommandType() commandType { return cmdPullSnapshot }

type connectionStatusCommand struct {
	group  domain.ChannelGroup
	status domain.ConnectionStatus
}

func (c *connectionStatusCommand) CommandType() commandType { return cmdConnectionStatus }

// Store 状态存储（Actor 模型）
type Store struct {
	opts   Options
	puller Puller
	seq    *domain.Sequencer

	cmdChan chan command
	snap    atomic.Pointer[Snapshot]
	done    chan struct{}
	stopped atomic.Bool

	// 仅在 actor goroutine 中访问
	streamSeen map[string]bool

	subsMu      sync.RWMutex
	subscribers []ExecutionHandler

	sf       singleflight.Group
	flightMu sync.Mutex
	flights  map[string]*flight
	// life Run 退出时取消，进行中的回退拉取随之取消
	life     context.Context
	stopLife context.CancelFunc

	now   func() time.Time
	stats counters
}

// New 创建 store。puller 可为 nil（不支持回退）
func New(puller Puller, seq *domain.Sequencer, opts Options) *Store {
	if opts.BalanceTolerance <= 0 {
		opts.BalanceTolerance = defaultBalanceTolerance
	}
	if opts.MarketTolerance <= 0 {
		opts.MarketTolerance = defaultMarketTolerance
	}
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = defaultFallbackTimeout
	}
	if opts.BalanceMaxStreamAge <= 0 {
		opts.BalanceMaxStreamAge = defaultBalanceStreamAge
	}
	if opts.BookDepth <= 0 {
		opts.BookDepth = defaultBookDepth
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if seq == nil {
		seq = &domain.Sequencer{}
	}
	s := &Store{
		opts:       opts,
		puller:     puller,
		seq:        seq,
		cmdChan:    make(chan command, opts.QueueSize),
		done:       make(chan struct{}),
		streamSeen: make(map[string]bool),
		flights:    make(map[string]*flight),
		now:        time.Now,
	}
	s.life, s.stopLife = context.WithCancel(context.Background())
	s.snap.Store(emptySnapshot())
	return s
}

// Run actor 主循环（必须在独立 goroutine 中运行），ctx 结束后返回
func (s *Store) Run(ctx context.Context) {
	defer func() {
		s.stopped.Store(true)
		s.stopLife()
		close(s.done)
		s.flush()
	}()

	var flushC <-chan time.Time
	if s.opts.Persistence != nil && s.opts.FlushInterval > 0 {
		t := time.NewTicker(s.opts.FlushInterval)
		defer t.Stop()
		flushC = t.C
	}

	log.Info("🚀 状态存储启动")
	for {
		select {
		case cmd := <-s.cmdChan:
			s.handleCommand(cmd)
		case <-flushC:
			s.flush()
		case <-ctx.Done():
			log.Info("🛑 状态存储停止")
			return
		}
	}
}

func (s *Store) handleCommand(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("❌ 处理命令时发生 panic: %v, 命令类型: %s", r, cmd.CommandType())
		}
	}()

	switch c := cmd.(type) {
	case *streamUpdateCommand:
		s.applyStream(c.upd)
	case *pullSnapshotCommand:
		n := s.applyPull(c.snap)
		c.reply <- n
	case *connectionStatusCommand:
		s.applyStatus(c.group, c.status)
	default:
		log.Errorf("未知命令类型: %s", cmd.CommandType())
	}
}

func (s *Store) submit(ctx context.Context, cmd command) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	select {
	case s.cmdChan <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

// ApplyStreamUpdate 投递一条已打序号的流消息（异步应用）
func (s *Store) ApplyStreamUpdate(ctx context.Context, upd domain.StreamUpdate) error {
	return s.submit(ctx, &streamUpdateCommand{upd: upd})
}

// ApplyPullSnapshot 应用拉取结果，返回前已生效
func (s *Store) ApplyPullSnapshot(ctx context.Context, snap domain.PullSnapshot) error {
	reply := make(chan int, 1)
	if err := s.submit(ctx, &pullSnapshotCommand{snap: snap, reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

// SetConnectionStatus 记录连接状态，决定流式数据是否可信
func (s *Store) SetConnectionStatus(group domain.ChannelGroup, status domain.ConnectionStatus) {
	if err := s.submit(context.Background(), &connectionStatusCommand{group: group, status: status}); err != nil {
		log.Debugf("丢弃连接状态 %s=%s: %v", group, status, err)
	}
}

// SubscribeExecutions 注册执行回报订阅
func (s *Store) SubscribeExecutions(h ExecutionHandler) {
	if h == nil {
		return
	}
	s.subsMu.Lock()
	s.subscribers = append(s.subscribers, h)
	s.subsMu.Unlock()
}

func (s *Store) notify(events []domain.ExecutionEvent) {
	if len(events) == 0 {
		return
	}
	s.subsMu.RLock()
	subs := s.subscribers
	s.subsMu.RUnlock()
	for _, ev := range events {
		for _, h := range subs {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Errorf("执行回报处理 panic: order=%s err=%v", ev.OrderID, r)
					}
				}()
				h(ev)
			}()
		}
	}
}

// Snapshot 当前快照（只读）
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Status 连接状态
func (s *Store) Status(group domain.ChannelGroup) domain.ConnectionStatus {
	return s.snap.Load().StatusOf(group)
}

// Stats 计数器
func (s *Store) Stats() Stats {
	return Stats{
		StreamUpdates:    s.stats.streamUpdates.Load(),
		OutOfOrder:       s.stats.outOfOrder.Load(),
		PullApplied:      s.stats.pullApplied.Load(),
		PullSkipped:      s.stats.pullSkipped.Load(),
		Fallbacks:        s.stats.fallbacks.Load(),
		FallbackFailures: s.stats.fallbackFailures.Load(),
	}
}

func balanceKey(asset string) string { return "balance:" + asset }
func tickerKey(symbol string) string { return "ticker:" + symbol }
func bookKey(symbol string) string   { return "book:" + symbol }
func orderKey(orderID string) string { return "order:" + orderID }
func candleKey(symbol string) string { return "ohlc:" + symbol }

func (s *Store) applyStream(upd domain.StreamUpdate) {
	s.stats.streamUpdates.Add(1)
	base := s.snap.Load()
	b := newBuilder(base)
	var execs []domain.ExecutionEvent

	switch upd.Channel {
	case domain.ChannelBalances:
		entries, err := decodeData[balanceEntry](upd)
		if err != nil {
			log.Warn(err)
			return
		}
		for _, e := range entries {
			if cur, ok := base.Balances[e.Asset]; ok && cur.Sequence >= upd.Sequence {
				s.stats.outOfOrder.Add(1)
				continue
			}
			bal := domain.NewBalance(e.Asset, e.Balance, e.HoldTrade)
			bal.Source = domain.SourceStream
			bal.Sequence = upd.Sequence
			bal.UpdatedAt = upd.ReceivedAt
			b.Balances()[e.Asset] = bal
			s.streamSeen[balanceKey(e.Asset)] = true
		}

	case domain.ChannelTicker:
		entries, err := decodeData[tickerEntry](upd)
		if err != nil {
			log.Warn(err)
			return
		}
		for _, e := range entries {
			if cur, ok := base.Tickers[e.Symbol]; ok && cur.Sequence >= upd.Sequence {
				s.stats.outOfOrder.Add(1)
				continue
			}
			b.Tickers()[e.Symbol] = domain.Ticker{
				Symbol:    e.Symbol,
				Bid:       e.Bid,
				Ask:       e.Ask,
				Last:      e.Last,
				Source:    domain.SourceStream,
				Sequence:  upd.Sequence,
				UpdatedAt: upd.ReceivedAt,
			}
			s.streamSeen[tickerKey(e.Symbol)] = true
		}

	case domain.ChannelBook:
		entries, err := decodeData[bookEntry](upd)
		if err != nil {
			log.Warn(err)
			return
		}
		for _, e := range entries {
			cur, ok := base.Books[e.Symbol]
			if ok && cur.Sequence >= upd.Sequence {
				s.stats.outOfOrder.Add(1)
				continue
			}
			book := domain.OrderBook{Symbol: e.Symbol, Source: domain.SourceStream, Sequence: upd.Sequence, UpdatedAt: upd.ReceivedAt}
			if upd.Type == "snapshot" || !ok {
				book.Bids = mergeLevels(nil, e.Bids, true, s.opts.BookDepth)
				book.Asks = mergeLevels(nil, e.Asks, false, s.opts.BookDepth)
			} else {
				book.Bids = mergeLevels(cur.Bids, e.Bids, true, s.opts.BookDepth)
				book.Asks = mergeLevels(cur.Asks, e.Asks, false, s.opts.BookDepth)
			}
			b.Books()[e.Symbol] = book
			s.streamSeen[bookKey(e.Symbol)] = true
		}

	case domain.ChannelOHLC:
		entries, err := decodeData[candleEntry](upd)
		if err != nil {
			log.Warn(err)
			return
		}
		for _, e := range entries {
			if cur, ok := base.Candles[e.Symbol]; ok && cur.Sequence >= upd.Sequence {
				continue
			}
			b.Candles()[e.Symbol] = domain.Candle{
				Symbol: e.Symbol, Open: e.Open, High: e.High, Low: e.Low, Close: e.Close,
				Volume: e.Volume, IntervalBegin: e.IntervalBegin, Sequence: upd.Sequence,
			}
			s.streamSeen[candleKey(e.Symbol)] = true
		}

	case domain.ChannelExecutions:
		entries, err := decodeData[domain.ExecutionEvent](upd)
		if err != nil {
			log.Warn(err)
			return
		}
		for _, ev := range entries {
			if ev.OrderID == "" {
				continue
			}
			ev.Sequence = upd.Sequence
			ev.ReceivedAt = upd.ReceivedAt
			cur, ok := base.OpenOrders[ev.OrderID]
			if ok && cur.Sequence > upd.Sequence {
				s.stats.outOfOrder.Add(1)
				continue
			}
			if orderClosed(ev) {
				if ok {
					delete(b.OpenOrders(), ev.OrderID)
				}
			} else {
				b.OpenOrders()[ev.OrderID] = orderFromExecution(ev, cur)
			}
			s.streamSeen[orderKey(ev.OrderID)] = true
			execs = append(execs, ev)
		}

	default:
		log.Debugf("忽略频道 %s 的消息", upd.Channel)
		return
	}

	if b.changed() {
		s.snap.Store(b.build(upd.Sequence, s.now()))
	}
	s.notify(execs)
}

// pullAllowed 拉取结果能否覆盖某个实体：该实体本会话从未收到过流消息，
// 或其所属连接不健康，或本次拉取是过期恢复
func (s *Store) pullAllowed(base *Snapshot, key string, group domain.ChannelGroup, snap domain.PullSnapshot) bool {
	if snap.Recovery || !s.streamSeen[key] {
		return true
	}
	return !base.StatusOf(group).IsHealthy()
}

func (s *Store) applyPull(snap domain.PullSnapshot) int {
	base := s.snap.Load()
	b := newBuilder(base)
	applied, skipped := 0, 0

	for _, bal := range snap.Balances {
		cur, ok := base.Balances[bal.Asset]
		if (ok && cur.Sequence >= snap.Sequence) || !s.pullAllowed(base, balanceKey(bal.Asset), domain.GroupPrivate, snap) {
			skipped++
			continue
		}
		bal.Source = domain.SourcePull
		bal.Sequence = snap.Sequence
		if bal.UpdatedAt.IsZero() {
			bal.UpdatedAt = snap.FetchedAt
		}
		b.Balances()[bal.Asset] = bal
		applied++
	}

	for _, t := range snap.Tickers {
		cur, ok := base.Tickers[t.Symbol]
		if (ok && cur.Sequence >= snap.Sequence) || !s.pullAllowed(base, tickerKey(t.Symbol), domain.GroupPublic, snap) {
			skipped++
			continue
		}
		t.Source = domain.SourcePull
		t.Sequence = snap.Sequence
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = snap.FetchedAt
		}
		b.Tickers()[t.Symbol] = t
		applied++
	}

	for _, book := range snap.Books {
		cur, ok := base.Books[book.Symbol]
		if (ok && cur.Sequence >= snap.Sequence) || !s.pullAllowed(base, bookKey(book.Symbol), domain.GroupPublic, snap) {
			skipped++
			continue
		}
		book.Source = domain.SourcePull
		book.Sequence = snap.Sequence
		if book.UpdatedAt.IsZero() {
			book.UpdatedAt = snap.FetchedAt
		}
		b.Books()[book.Symbol] = book
		applied++
	}

	// 完整挂单列表：更新/新增列出的订单，移除未列出且更旧的订单
	if snap.OpenOrders != nil {
		listed := make(map[string]bool, len(snap.OpenOrders))
		for _, o := range snap.OpenOrders {
			listed[o.OrderID] = true
			cur, ok := base.OpenOrders[o.OrderID]
			if (ok && cur.Sequence >= snap.Sequence) || !s.pullAllowed(base, orderKey(o.OrderID), domain.GroupPrivate, snap) {
				skipped++
				continue
			}
			o.Sequence = snap.Sequence
			if o.UpdatedAt.IsZero() {
				o.UpdatedAt = snap.FetchedAt
			}
			b.OpenOrders()[o.OrderID] = o
			applied++
		}
		for id, cur := range base.OpenOrders {
			if listed[id] || cur.Sequence >= snap.Sequence || !s.pullAllowed(base, orderKey(id), domain.GroupPrivate, snap) {
				continue
			}
			delete(b.OpenOrders(), id)
			applied++
		}
	}

	s.stats.pullApplied.Add(int64(applied))
	s.stats.pullSkipped.Add(int64(skipped))
	if b.changed() {
		s.snap.Store(b.build(snap.Sequence, s.now()))
	}
	if skipped > 0 {
		log.Debugf("拉取结果部分被跳过: applied=%d skipped=%d seq=%d", applied, skipped, snap.Sequence)
	}
	return applied
}

func (s *Store) applyStatus(group domain.ChannelGroup, status domain.ConnectionStatus) {
	base := s.snap.Load()
	if base.StatusOf(group) == status {
		return
	}
	b := newBuilder(base)
	b.Status()[group] = status
	s.snap.Store(b.build(0, s.now()))
}
