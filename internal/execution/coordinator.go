// Package execution 把策略层的下单提案变成经过确认的订单。
//
// Coordinator 负责：按实时余额和交易对约束计算最终数量、预留下单预算、
// 选择最快的健康通道提交、跟踪订单意图直到最终状态。ack 超时的意图只会
// 被标记为 unknown，不会自动重发。
package execution

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/tradecore/internal/domain"
	"github.com/betbot/tradecore/internal/events"
	"github.com/betbot/tradecore/internal/marketstate"
	"github.com/betbot/tradecore/internal/pullclient"
	"github.com/betbot/tradecore/pkg/persistence"
	"github.com/betbot/tradecore/pkg/ratelimit"
)

var log = logrus.WithField("component", "execution")

const (
	orderCost         = 1.0
	defaultAckTimeout = 5 * time.Second
	defaultRetention  = time.Hour
)

// StateReader 下单依赖的状态读取（由 marketstate.Store 实现）
type StateReader interface {
	GetBalance(ctx context.Context, asset string, allowFallback bool) (domain.Balance, error)
	GetTicker(ctx context.Context, symbol string, allowFallback bool) (domain.Ticker, error)
	RefreshBalance(ctx context.Context, asset string) (domain.Balance, error)
	OpenOrderByClientID(clientOrderID string) (domain.OpenOrder, bool)
	SubscribeExecutions(h marketstate.ExecutionHandler)
}

// StreamOrders 私有流下单通道（由 session.Manager 实现）
type StreamOrders interface {
	CanSubmitOrders() bool
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// PullOrders 拉取通道上的下单与查询（由 pullclient.Client 实现）
type PullOrders interface {
	Instrument(ctx context.Context, mode pullclient.Mode, symbol string) (domain.Instrument, error)
	AddOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	QueryOrder(ctx context.Context, mode pullclient.Mode, clientOrderID string) (*domain.OpenOrder, error)
}

// Archiver 最终状态意图的归档
type Archiver interface {
	Archive(ctx context.Context, intent *domain.OrderIntent) error
}

// Publisher 事件发布
type Publisher interface {
	Publish(ev events.Event)
}

// Proposal 策略层提交的下单提案
type Proposal struct {
	Symbol            string          `json:"symbol"`
	Side              domain.Side     `json:"side"`
	RequestedNotional decimal.Decimal `json:"requested_notional"`
	MaxSlippage       decimal.Decimal `json:"max_slippage"`
}

func (p Proposal) validate() error {
	switch {
	case p.Symbol == "":
		return &domain.ValidationError{Field: "symbol", Reason: "empty"}
	case !p.Side.Valid():
		return &domain.ValidationError{Field: "side", Reason: "must be buy or sell"}
	case !p.RequestedNotional.IsPositive():
		return &domain.ValidationError{Field: "requested_notional", Reason: "must be positive"}
	case p.MaxSlippage.IsNegative() || p.MaxSlippage.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return &domain.ValidationError{Field: "max_slippage", Reason: "must be in [0, 1)"}
	}
	return nil
}

// Options 协调器参数
type Options struct {
	SafetyBuffer   decimal.Decimal // 不参与交易的固定余额
	MaxUtilization decimal.Decimal // 单笔最多使用可用余额的比例
	AckTimeout     time.Duration
	Retention      time.Duration // 最终状态意图在内存中保留多久后归档
	WarnSpacing    time.Duration // 下单预算超过告警水位后的最小下单间隔
	Persistence    persistence.Store
	Archive        Archiver
	Bus            Publisher
}

// Stats 结果计数
type Stats struct {
	Proposals int64 `json:"proposals"`
	Submitted int64 `json:"submitted"`
	Skipped   int64 `json:"skipped"`
	Throttled int64 `json:"throttled"`
	Rejected  int64 `json:"rejected"`
	Unknown   int64 `json:"unknown"`
	Fills     int64 `json:"fills"`
	Archived  int64 `json:"archived"`
}

type counters struct {
	proposals, submitted, skipped, throttled, rejected, unknown, fills, archived atomic.Int64
}

func (c *counters) record(out domain.Outcome) {
	switch out.(type) {
	case domain.Submitted:
		c.submitted.Add(1)
	case domain.Skipped:
		c.skipped.Add(1)
	case domain.Throttled:
		c.throttled.Add(1)
	case domain.Rejected:
		c.rejected.Add(1)
	case domain.Unknown:
		c.unknown.Add(1)
	}
}

// Coordinator 下单协调器
type Coordinator struct {
	opts     Options
	state    StateReader
	stream   StreamOrders
	pull     PullOrders
	ledger   *ratelimit.Ledger
	inFlight *InFlightDeduper

	mu        sync.Mutex
	intents   map[string]*domain.OrderIntent
	byOrderID map[string]string

	paceMu     sync.Mutex
	lastSubmit time.Time

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now   func() time.Time
	stats counters
}

// New 创建协调器并订阅执行回报。stream 可以为 nil（只走拉取通道）
func New(state StateReader, stream StreamOrders, pull PullOrders, ledger *ratelimit.Ledger, opts Options) *Coordinator {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if !opts.MaxUtilization.IsPositive() {
		opts.MaxUtilization = decimal.NewFromInt(1)
	}
	bg, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		opts:      opts,
		state:     state,
		stream:    stream,
		pull:      pull,
		ledger:    ledger,
		inFlight:  NewInFlightDeduper(opts.AckTimeout*2+opts.AckTimeout/2, 16),
		intents:   make(map[string]*domain.OrderIntent),
		byOrderID: make(map[string]string),
		bg:        bg,
		cancel:    cancel,
		now:       time.Now,
	}
	state.SubscribeExecutions(func(ev domain.ExecutionEvent) {
		// 回调运行在状态存储的 actor 上，处理放到独立 goroutine
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.onExecution(ev)
		}()
	})
	return c
}

// Run 周期性归档最终状态的意图，ctx 取消后等待后台处理结束
func (c *Coordinator) Run(ctx context.Context) {
	interval := min(max(c.opts.Retention/2, 10*time.Millisecond), time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer func() {
		c.cancel()
		c.wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.archiveExpired(ctx)
		}
	}
}

// Stats 计数快照
func (c *Coordinator) Stats() Stats {
	return Stats{
		Proposals: c.stats.proposals.Load(),
		Submitted: c.stats.submitted.Load(),
		Skipped:   c.stats.skipped.Load(),
		Throttled: c.stats.throttled.Load(),
		Rejected:  c.stats.rejected.Load(),
		Unknown:   c.stats.unknown.Load(),
		Fills:     c.stats.fills.Load(),
		Archived:  c.stats.archived.Load(),
	}
}

// ProposeOrder 校验提案、计算数量并提交。结果只会是 domain.Outcome 的五种之一
func (c *Coordinator) ProposeOrder(ctx context.Context, p Proposal) domain.Outcome {
	c.stats.proposals.Add(1)
	out := c.propose(ctx, p)
	c.stats.record(out)

	entry := log.WithFields(logrus.Fields{"symbol": p.Symbol, "side": p.Side, "notional": p.RequestedNotional.String()})
	switch o := out.(type) {
	case domain.Submitted:
		entry.Infof("✅ 下单已确认: intent=%s order=%s", o.IntentID, o.OrderID)
	case domain.Skipped:
		entry.Infof("⏭️ 跳过下单: %s", o.Reason)
	case domain.Throttled:
		entry.Warnf("⏸️ 下单被限流，%s 后可重试", o.Wait)
	case domain.Rejected:
		entry.Warnf("❌ 下单失败: %s: %v", o.Reason, o.Err)
	case domain.Unknown:
		entry.Errorf("❓ 下单结果未知，需要对账: intent=%s", o.IntentID)
	}
	return out
}

func (c *Coordinator) propose(ctx context.Context, p Proposal) domain.Outcome {
	if err := p.validate(); err != nil {
		return domain.Rejected{Reason: "invalid proposal", Err: err}
	}
	key := proposalKey(p.Symbol, p.Side)
	if err := c.inFlight.TryAcquire(key); err != nil {
		return domain.Rejected{Reason: "duplicate proposal in flight", Err: err}
	}
	defer c.inFlight.Release(key)

	intent := domain.NewOrderIntent(p.Symbol, p.Side, p.RequestedNotional, c.now())
	sz, skip, err := c.size(ctx, p)
	if err != nil {
		return domain.Rejected{IntentID: intent.ID, Reason: "insufficient data", Err: err}
	}
	if skip != "" {
		return domain.Skipped{Reason: skip}
	}
	c.advance(intent, domain.IntentValidated, "", func(it *domain.OrderIntent) {
		it.ComputedQuantity = sz.quantity
		it.Price = sz.price
		it.LimitPrice = sz.limit
	})

	if wait := c.reserve(); wait > 0 {
		return domain.Throttled{Wait: wait}
	}
	c.advance(intent, domain.IntentSubmitted, "", nil)
	return c.dispatch(ctx, intent)
}

// reserve 预留下单预算。超过告警水位时额外要求两次下单间隔不小于 WarnSpacing
func (c *Coordinator) reserve() time.Duration {
	c.paceMu.Lock()
	defer c.paceMu.Unlock()

	now := c.now()
	if c.opts.WarnSpacing > 0 && c.ledger.Level(ratelimit.ClassOrderPlacement) >= ratelimit.LevelWarning {
		if elapsed := now.Sub(c.lastSubmit); elapsed < c.opts.WarnSpacing {
			return c.opts.WarnSpacing - elapsed
		}
	}
	res := c.ledger.Reserve(ratelimit.ClassOrderPlacement, orderCost)
	if !res.Allowed {
		return max(res.Wait, time.Millisecond)
	}
	c.lastSubmit = now
	return 0
}

type sizing struct {
	instrument domain.Instrument
	price      decimal.Decimal
	limit      decimal.Decimal
	available  decimal.Decimal
	quantity   decimal.Decimal
}

// size 计算最终数量。返回非空 skip 表示主动放弃；error 为 *domain.InsufficientDataError
func (c *Coordinator) size(ctx context.Context, p Proposal) (sizing, string, error) {
	var sz sizing
	inst, err := c.pull.Instrument(ctx, pullclient.ModeHotPath, p.Symbol)
	if err != nil {
		return sz, "", &domain.InsufficientDataError{What: "instrument " + p.Symbol, Err: err}
	}
	sz.instrument = inst

	tk, err := c.state.GetTicker(ctx, p.Symbol, true)
	if err != nil {
		return sz, "", &domain.InsufficientDataError{What: "ticker " + p.Symbol, Err: err}
	}
	price, ok := tk.ReferencePrice(p.Side)
	if !ok {
		return sz, "", &domain.InsufficientDataError{What: "reference price " + p.Symbol, Err: domain.ErrUnavailable}
	}
	sz.price = price
	sz.limit = limitPrice(inst, p.Side, price, p.MaxSlippage)

	asset := inst.Quote
	if p.Side == domain.SideSell {
		asset = inst.Base
	}
	bal, err := c.state.GetBalance(ctx, asset, true)
	if err != nil {
		return sz, "", &domain.InsufficientDataError{What: "balance " + asset, Err: err}
	}
	free := bal.Free
	if p.Side == domain.SideSell {
		free = free.Mul(price)
	}

	sz.available = free.Sub(c.opts.SafetyBuffer)
	if !sz.available.IsPositive() {
		return sz, domain.ReasonInsufficientAvailable, nil
	}
	minApplies := p.Side == domain.SideBuy || inst.MinAppliesToSells
	if minApplies && sz.available.LessThan(inst.MinNotional) {
		return sz, domain.ReasonBelowMinimum, nil
	}

	target := decimal.Min(p.RequestedNotional, sz.available.Mul(c.opts.MaxUtilization))
	qty := inst.FloorQuantity(target.Div(price))

	minQty := inst.MinQuantity
	if minApplies && inst.MinNotional.IsPositive() {
		if q := inst.CeilQuantity(inst.MinNotional.Div(price)); q.GreaterThan(minQty) {
			minQty = q
		}
	}
	if !qty.IsPositive() || qty.LessThan(minQty) {
		// 不足最小值：可用余额够的话提升到恰好最小值
		if !minQty.IsPositive() || minQty.Mul(price).GreaterThan(sz.available) {
			return sz, domain.ReasonBelowMinimum, nil
		}
		qty = minQty
	}
	sz.quantity = qty
	return sz, "", nil
}

// limitPrice 带滑点保护的 IOC 限价，按价格精度取整且不劣于参考价
func limitPrice(inst domain.Instrument, side domain.Side, price, slippage decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == domain.SideBuy {
		return decimal.Max(price, price.Mul(one.Add(slippage)).RoundFloor(inst.PricePrecision))
	}
	return decimal.Min(price, price.Mul(one.Sub(slippage)).RoundCeil(inst.PricePrecision))
}

// advance 在锁内更新意图：mutate 总会执行；to 非空且迁移合法时迁移状态并发布事件。
// 返回是否发生了迁移
func (c *Coordinator) advance(intent *domain.OrderIntent, to domain.IntentStatus, reason string, mutate func(*domain.OrderIntent)) bool {
	c.mu.Lock()
	from := intent.Status
	if mutate != nil {
		mutate(intent)
	}
	moved := false
	if to != "" && to != from {
		if err := intent.Transition(to, c.now()); err != nil {
			log.Debugf("忽略迁移: %v", err)
		} else {
			moved = true
			if reason != "" {
				intent.Reason = reason
			}
		}
	}
	if intent.Status == domain.IntentSubmitted {
		c.intents[intent.ID] = intent
	}
	if intent.ExchangeOrderID != "" {
		c.byOrderID[intent.ExchangeOrderID] = intent.ID
	}
	ev := events.IntentTransitionEvent{
		IntentID:  intent.ID,
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		From:      from,
		To:        intent.Status,
		OrderID:   intent.ExchangeOrderID,
		Reason:    intent.Reason,
		Timestamp: intent.UpdatedAt,
	}
	if _, tracked := c.intents[intent.ID]; tracked {
		c.persistLocked()
	}
	c.mu.Unlock()

	if moved && c.opts.Bus != nil {
		c.opts.Bus.Publish(ev)
	}
	return moved
}

// Intent 返回意图副本
func (c *Coordinator) Intent(id string) (domain.OrderIntent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.intents[id]
	if !ok {
		return domain.OrderIntent{}, false
	}
	return *it, true
}

// Intents 返回全部在内存中的意图副本
func (c *Coordinator) Intents() []domain.OrderIntent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.OrderIntent, 0, len(c.intents))
	for _, it := range c.intents {
		out = append(out, *it)
	}
	return out
}

func (c *Coordinator) lookup(id string) (*domain.OrderIntent, domain.IntentStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.intents[id]
	if !ok {
		return nil, "", false
	}
	return it, it.Status, true
}
