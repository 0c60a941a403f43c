// Package pullclient 拉取回退客户端：只用于启动、恢复和校验，不是主数据路径。
//
// 每次调用先经过熔断器，再向预算账本预留；网络类错误按统一退避策略在本地有限重试。
package pullclient

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/tradecore/internal/domain"
	"github.com/betbot/tradecore/internal/risk"
	"github.com/betbot/tradecore/pkg/cache"
	"github.com/betbot/tradecore/pkg/ratelimit"
	"github.com/betbot/tradecore/pkg/retry"
	"github.com/betbot/tradecore/pkg/sdk/api"
)

var log = logrus.WithField("component", "pull_client")

// ErrCircuitOpen 熔断器打开，调用未产生任何网络 I/O
var ErrCircuitOpen = risk.ErrCircuitBreakerOpen

// Mode 预算不足时的行为
type Mode int

const (
	// ModeHotPath 预算不足立即返回 *domain.RateLimitError
	ModeHotPath Mode = iota
	// ModeBootstrap 预算不足时有限阻塞等待
	ModeBootstrap
)

func (m Mode) String() string {
	if m == ModeBootstrap {
		return "bootstrap"
	}
	return "hot_path"
}

const callCost = 1.0

// InstrumentOverride 交易对约束覆盖
type InstrumentOverride struct {
	MinNotional       decimal.Decimal
	MinAppliesToSells bool
}

// Options 客户端参数
type Options struct {
	BootstrapMaxWait   time.Duration
	InstrumentCacheTTL time.Duration
	Overrides          map[string]InstrumentOverride
}

// Client 预算与熔断保护的 REST 客户端
type Client struct {
	api     *api.Client
	ledger  *ratelimit.Ledger
	breaker *risk.CircuitBreaker
	policy  *retry.Policy
	seq     *domain.Sequencer

	bootstrapMaxWait time.Duration
	overrides        map[string]InstrumentOverride
	instruments      *cache.InMemoryCache[string, domain.Instrument]
	now              func() time.Time
}

// New 创建拉取客户端
func New(apiClient *api.Client, ledger *ratelimit.Ledger, breaker *risk.CircuitBreaker, policy *retry.Policy, seq *domain.Sequencer, opts Options) *Client {
	if opts.BootstrapMaxWait <= 0 {
		opts.BootstrapMaxWait = 10 * time.Second
	}
	if opts.InstrumentCacheTTL <= 0 {
		opts.InstrumentCacheTTL = time.Hour
	}
	overrides := make(map[string]InstrumentOverride, len(opts.Overrides))
	for k, v := range opts.Overrides {
		overrides[k] = v
	}
	return &Client{
		api:              apiClient,
		ledger:           ledger,
		breaker:          breaker,
		policy:           policy,
		seq:              seq,
		bootstrapMaxWait: opts.BootstrapMaxWait,
		overrides:        overrides,
		instruments:      cache.NewInMemoryCache[string, domain.Instrument](opts.InstrumentCacheTTL, 0),
		now:              time.Now,
	}
}

// Close 释放缓存
func (c *Client) Close() {
	c.instruments.Close()
}

// Breaker 熔断器（运维接口展示用）
func (c *Client) Breaker() *risk.CircuitBreaker {
	return c.breaker
}

// HasCredentials 是否配置了私有接口凭证
func (c *Client) HasCredentials() bool {
	return c.api.HasCredentials()
}

// call 在退避策略下执行一次受保护调用，只重试网络类错误
func (c *Client) call(ctx context.Context, mode Mode, class ratelimit.OperationClass, op string, fn func(ctx context.Context) error) error {
	return c.policy.Do(ctx, func(ctx context.Context) error {
		return c.attempt(ctx, mode, class, op, fn)
	},
		retry.Only(retry.ClassNetwork),
		retry.OnRetry(func(attempt int, class retry.Class, wait time.Duration, err error) {
			log.Warnf("🔄 [%s] 第 %d 次重试，%s 后重试: %v", op, attempt, wait, err)
		}),
	)
}

// attempt 单次调用：熔断 → 预算 → 请求 → 结算。class 为空表示调用方已预留预算
func (c *Client) attempt(ctx context.Context, mode Mode, class ratelimit.OperationClass, op string, fn func(ctx context.Context) error) error {
	if err := c.breaker.Allow(); err != nil {
		return errors.Wrapf(err, "%s", op)
	}

	if class != "" {
		if err := c.reserve(ctx, mode, class); err != nil {
			c.breaker.Release()
			return err
		}
	}

	result, err := c.translate(ctx, op, class, callCost, fn(ctx))
	c.settle(class, result)
	if err != nil {
		log.Debugf("[%s] 调用失败 (mode=%s): %v", op, mode, err)
	}
	return err
}

func (c *Client) reserve(ctx context.Context, mode Mode, class ratelimit.OperationClass) error {
	if mode == ModeBootstrap {
		err := c.ledger.Wait(ctx, class, callCost, c.bootstrapMaxWait)
		var denied *ratelimit.DeniedError
		if errors.As(err, &denied) {
			return &domain.RateLimitError{Class: string(class), Wait: denied.Wait, Reason: "bootstrap wait exceeded"}
		}
		return err
	}
	res := c.ledger.Reserve(class, callCost)
	if !res.Allowed {
		return &domain.RateLimitError{Class: string(class), Wait: res.Wait, Reason: "budget exhausted"}
	}
	return nil
}

func (c *Client) settle(class ratelimit.OperationClass, result outcome) {
	switch result {
	case outcomeOK:
		c.breaker.OnSuccess()
	case outcomeNotSent:
		c.breaker.OnError()
	case outcomeFailure:
		c.breaker.OnError()
	case outcomeRateLimit:
		c.breaker.OnRateLimited()
	case outcomeCanceled:
		c.breaker.Release()
	}
	if class == "" {
		return
	}
	if result == outcomeNotSent {
		c.ledger.ReleaseOnFailure(class, callCost)
		return
	}
	c.ledger.Commit(class, callCost)
}

// SystemStatus 轻量状态探测，熔断打开时仍允许调用，不影响熔断状态
func (c *Client) SystemStatus(ctx context.Context) (string, error) {
	res := c.ledger.Reserve(ratelimit.ClassPublicQuery, callCost)
	if !res.Allowed {
		return "", &domain.RateLimitError{Class: string(ratelimit.ClassPublicQuery), Wait: res.Wait, Reason: "budget exhausted"}
	}
	st, err := c.api.SystemStatus(ctx)
	result, err := c.translate(ctx, "system_status", ratelimit.ClassPublicQuery, callCost, err)
	if result == outcomeNotSent {
		c.ledger.ReleaseOnFailure(ratelimit.ClassPublicQuery, callCost)
	} else {
		c.ledger.Commit(ratelimit.ClassPublicQuery, callCost)
	}
	if err != nil {
		return "", err
	}
	return st.Status, nil
}

// Ticker 拉取单个交易对行情
func (c *Client) Ticker(ctx context.Context, mode Mode, symbol string) (domain.Ticker, error) {
	var out domain.Ticker
	err := c.call(ctx, mode, ratelimit.ClassPublicQuery, "ticker", func(ctx context.Context) error {
		seq := c.seq.Next()
		res, err := c.api.Ticker(ctx, symbol)
		if err != nil {
			return err
		}
		info, ok := res[symbol]
		if !ok {
			return errors.Wrapf(domain.ErrUnavailable, "ticker %s", symbol)
		}
		out = domain.Ticker{
			Symbol:    symbol,
			Bid:       info.BidPrice(),
			Ask:       info.AskPrice(),
			Last:      info.LastPrice(),
			Source:    domain.SourcePull,
			Sequence:  seq,
			UpdatedAt: c.now(),
		}
		return nil
	})
	return out, err
}

// OrderBook 拉取订单簿
func (c *Client) OrderBook(ctx context.Context, mode Mode, symbol string, depth int) (domain.OrderBook, error) {
	var out domain.OrderBook
	err := c.call(ctx, mode, ratelimit.ClassPublicQuery, "order_book", func(ctx context.Context) error {
		seq := c.seq.Next()
		d, err := c.api.Depth(ctx, symbol, depth)
		if err != nil {
			return err
		}
		out = domain.OrderBook{
			Symbol:    symbol,
			Bids:      levels(d.Bids),
			Asks:      levels(d.Asks),
			Source:    domain.SourcePull,
			Sequence:  seq,
			UpdatedAt: c.now(),
		}
		return nil
	})
	return out, err
}

func levels(in []api.DepthLevel) []domain.BookLevel {
	out := make([]domain.BookLevel, 0, len(in))
	for _, l := range in {
		out = append(out, domain.BookLevel{Price: l.Price, Quantity: l.Volume})
	}
	return out
}

// Instrument 交易对约束（带 TTL 缓存，叠加本地覆盖配置）
func (c *Client) Instrument(ctx context.Context, mode Mode, symbol string) (domain.Instrument, error) {
	if inst, ok := c.instruments.Get(symbol); ok {
		return inst, nil
	}
	var out domain.Instrument
	err := c.call(ctx, mode, ratelimit.ClassPublicQuery, "instrument", func(ctx context.Context) error {
		pairs, err := c.api.AssetPairs(ctx, symbol)
		if err != nil {
			return err
		}
		p, ok := findPair(pairs, symbol)
		if !ok {
			return errors.Wrapf(domain.ErrUnavailable, "instrument %s", symbol)
		}
		out = c.instrumentFrom(symbol, p)
		return nil
	})
	if err != nil {
		return domain.Instrument{}, err
	}
	c.instruments.Set(symbol, out, 0)
	return out, nil
}

func findPair(pairs map[string]api.AssetPair, symbol string) (api.AssetPair, bool) {
	if p, ok := pairs[symbol]; ok {
		return p, true
	}
	for _, p := range pairs {
		if p.WSName == symbol {
			return p, true
		}
	}
	return api.AssetPair{}, false
}

func (c *Client) instrumentFrom(symbol string, p api.AssetPair) domain.Instrument {
	base, quote := p.Base, p.Quote
	if b, q, ok := strings.Cut(symbol, "/"); ok {
		base, quote = b, q
	}
	inst := domain.Instrument{
		Symbol:            symbol,
		Base:              base,
		Quote:             quote,
		MinNotional:       p.CostMin,
		MinQuantity:       p.OrderMin,
		QuantityPrecision: p.LotDecimals,
		PricePrecision:    p.PairDecimals,
	}
	if o, ok := c.overrides[symbol]; ok {
		if o.MinNotional.IsPositive() {
			inst.MinNotional = o.MinNotional
		}
		inst.MinAppliesToSells = o.MinAppliesToSells
	}
	return inst
}

// Balances 拉取全部余额
func (c *Client) Balances(ctx context.Context, mode Mode) (domain.PullSnapshot, error) {
	var snap domain.PullSnapshot
	err := c.call(ctx, mode, ratelimit.ClassPrivateQuery, "balances", func(ctx context.Context) error {
		seq := c.seq.Next()
		res, err := c.api.Balances(ctx)
		if err != nil {
			return err
		}
		now := c.now()
		snap = domain.PullSnapshot{Sequence: seq, FetchedAt: now}
		for asset, b := range res {
			bal := domain.NewBalance(asset, b.Balance, b.HoldTrade)
			bal.Source = domain.SourcePull
			bal.Sequence = seq
			bal.UpdatedAt = now
			snap.Balances = append(snap.Balances, bal)
		}
		return nil
	})
	return snap, err
}

// OpenOrders 拉取完整挂单列表
func (c *Client) OpenOrders(ctx context.Context, mode Mode) (domain.PullSnapshot, error) {
	var snap domain.PullSnapshot
	err := c.call(ctx, mode, ratelimit.ClassPrivateQuery, "open_orders", func(ctx context.Context) error {
		seq := c.seq.Next()
		res, err := c.api.OpenOrders(ctx)
		if err != nil {
			return err
		}
		now := c.now()
		snap = domain.PullSnapshot{Sequence: seq, FetchedAt: now, OpenOrders: make([]domain.OpenOrder, 0, len(res))}
		for id, o := range res {
			snap.OpenOrders = append(snap.OpenOrders, openOrder(id, o, seq, now))
		}
		return nil
	})
	return snap, err
}

// QueryOrder 按客户端订单号查询；交易所没有该订单时返回 (nil, nil)
func (c *Client) QueryOrder(ctx context.Context, mode Mode, clientOrderID string) (*domain.OpenOrder, error) {
	var out *domain.OpenOrder
	err := c.call(ctx, mode, ratelimit.ClassPrivateQuery, "query_order", func(ctx context.Context) error {
		seq := c.seq.Next()
		res, err := c.api.QueryOrderByClientID(ctx, clientOrderID)
		if err != nil {
			return err
		}
		for id, o := range res {
			oo := openOrder(id, o, seq, c.now())
			out = &oo
			break
		}
		return nil
	})
	return out, err
}

func openOrder(id string, o api.OrderInfo, seq uint64, now time.Time) domain.OpenOrder {
	return domain.OpenOrder{
		OrderID:       id,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Descr.Pair,
		Side:          domain.Side(o.Descr.Type),
		Quantity:      o.Volume,
		Filled:        o.VolumeExec,
		LimitPrice:    o.Descr.Price,
		Status:        o.Status,
		Sequence:      seq,
		UpdatedAt:     now,
	}
}

// AddOrder 下单。调用方已预留 order_placement 预算；不做本地重试，
// 网络错误的 Sent 标记决定调用方是否把意图置为 unknown
func (c *Client) AddOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	var ack domain.OrderAck
	err := c.attempt(ctx, ModeHotPath, "", "add_order", func(ctx context.Context) error {
		res, err := c.api.AddOrder(ctx, api.AddOrderRequest{
			Pair:          req.Symbol,
			Side:          string(req.Side),
			OrderType:     "limit",
			Volume:        req.Quantity,
			Price:         req.LimitPrice,
			TimeInForce:   "IOC",
			ClientOrderID: req.ClientOrderID,
		})
		if err != nil {
			return err
		}
		if len(res.TxID) == 0 {
			return errors.New("add_order: empty txid in result")
		}
		ack = domain.OrderAck{OrderID: res.TxID[0], ClientOrderID: req.ClientOrderID}
		return nil
	})
	return ack, err
}

// CancelOrder 撤单。调用方已预留 order_placement 预算；撤单幂等，允许网络重试
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.call(ctx, ModeHotPath, "", "cancel_order", func(ctx context.Context) error {
		_, err := c.api.CancelOrder(ctx, orderID)
		return err
	})
}

// WebSocketToken 获取私有流 token，返回 token 与过期时间
func (c *Client) WebSocketToken(ctx context.Context, mode Mode) (string, time.Time, error) {
	var (
		token  string
		expiry time.Time
	)
	err := c.call(ctx, mode, ratelimit.ClassPrivateQuery, "websocket_token", func(ctx context.Context) error {
		issued := c.now()
		res, err := c.api.WebSocketToken(ctx)
		if err != nil {
			return err
		}
		if res.Token == "" {
			return errors.New("websocket_token: empty token")
		}
		token = res.Token
		expiry = issued.Add(time.Duration(res.Expires) * time.Second)
		return nil
	})
	return token, expiry, err
}
