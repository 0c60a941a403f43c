// Package session 管理公有/私有两条流式连接：状态机、按优先级订阅、心跳看门狗、
// 断线重连，以及私有连接上的下单传输。
package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/tradecore/internal/domain"
	"github.com/betbot/tradecore/internal/events"
	"github.com/betbot/tradecore/pkg/ratelimit"
	"github.com/betbot/tradecore/pkg/retry"
	"github.com/betbot/tradecore/pkg/sdk/api"
	"github.com/betbot/tradecore/pkg/sdk/websocket"
)

var log = logrus.WithField("component", "session")

const (
	defaultHeartbeatTimeout = 10 * time.Second
	defaultPingInterval     = 15 * time.Second
	defaultSubscribeTimeout = 5 * time.Second
	defaultBookDepth        = 10
	// 降级持续超过 heartbeat*degradedGrace 后主动断开重连
	degradedGrace = 3
)

// StreamSink 接收已打序号的流消息和连接状态
type StreamSink interface {
	ApplyStreamUpdate(ctx context.Context, upd domain.StreamUpdate) error
	SetConnectionStatus(group domain.ChannelGroup, status domain.ConnectionStatus)
}

// Publisher 事件发布
type Publisher interface {
	Publish(ev events.Event)
}

// Config 会话配置
type Config struct {
	PublicURL        string
	PrivateURL       string
	Symbols          []string
	Channels         []domain.Channel // 只使用 Name / Group / Priority
	HeartbeatTimeout time.Duration
	PingInterval     time.Duration
	SubscribeTimeout time.Duration
	BookDepth        int
	WS               *websocket.Config
}

type connection struct {
	group    domain.ChannelGroup
	url      string
	channels []*domain.Channel

	mu         sync.RWMutex
	status     domain.ConnectionStatus
	since      time.Time
	reconnects int
	conn       *websocket.Conn
}

func (c *connection) current() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *connection) Status() domain.ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Manager 流式会话管理器
type Manager struct {
	cfg    Config
	tokens *TokenManager
	policy *retry.Policy
	seq    *domain.Sequencer
	sink   StreamSink
	bus    Publisher

	public  *connection
	private *connection

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewManager 创建会话管理器。tokens 为 nil 时忽略私有频道
func NewManager(cfg Config, tokens *TokenManager, policy *retry.Policy, seq *domain.Sequencer, sink StreamSink, bus Publisher) *Manager {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = defaultSubscribeTimeout
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = defaultBookDepth
	}
	if policy == nil {
		policy = retry.NewPolicy(nil, domain.Classify)
	}
	if seq == nil {
		seq = &domain.Sequencer{}
	}

	m := &Manager{
		cfg:     cfg,
		tokens:  tokens,
		policy:  policy,
		seq:     seq,
		sink:    sink,
		bus:     bus,
		public:  &connection{group: domain.GroupPublic, url: cfg.PublicURL, status: domain.StatusDisconnected},
		private: &connection{group: domain.GroupPrivate, url: cfg.PrivateURL, status: domain.StatusDisconnected},
		now:     time.Now,
	}

	channels := append([]domain.Channel(nil), cfg.Channels...)
	sort.SliceStable(channels, func(i, j int) bool { return channels[i].Priority < channels[j].Priority })
	for i := range channels {
		ch := channels[i]
		switch ch.Group {
		case domain.GroupPrivate:
			if tokens == nil {
				log.Warnf("未配置凭证，跳过私有频道 %s", ch.Name)
				continue
			}
			m.private.channels = append(m.private.channels, &ch)
		default:
			ch.Group = domain.GroupPublic
			m.public.channels = append(m.public.channels, &ch)
		}
	}
	return m
}

func (m *Manager) active() []*connection {
	var out []*connection
	for _, c := range []*connection{m.private, m.public} {
		if len(c.channels) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// Start 建立连接并按优先级完成全部订阅。关键频道订阅失败视为启动失败；
// 其他频道失败转入后台重试
func (m *Manager) Start(ctx context.Context) error {
	active := m.active()
	if len(active) == 0 {
		return errors.New("没有可订阅的频道")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	for _, c := range active {
		if err := m.establish(runCtx, c); err != nil {
			m.Stop()
			return errors.Wrapf(err, "建立 %s 连接失败", c.group)
		}
	}

	// 跨连接按优先级排序：所有 critical 先于任何 high
	for p := domain.PriorityCritical; p <= domain.PriorityLow; p++ {
		for _, c := range active {
			for _, ch := range c.channels {
				if ch.Priority != p {
					continue
				}
				if err := m.subscribe(runCtx, c, c.current(), ch); err != nil {
					if p == domain.PriorityCritical {
						m.Stop()
						return errors.Wrapf(err, "关键频道 %s 订阅失败", ch.Name)
					}
					log.Warnf("⚠️ [%s] 频道 %s 订阅失败，转入后台重试: %v", c.group, ch.Name, err)
					m.retryLater(runCtx, c, ch)
				}
			}
		}
	}

	for _, c := range active {
		m.setStatus(c, domain.StatusStreaming, "subscriptions confirmed")
		m.wg.Add(3)
		go m.supervise(runCtx, c)
		go m.watchdog(runCtx, c)
		go m.pinger(runCtx, c)
	}
	if len(m.private.channels) > 0 {
		m.tokens.OnExpired(func() {
			if conn := m.private.current(); conn != nil {
				log.Warn("token 已过期，断开私有连接")
				_ = conn.Close()
			}
		})
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.tokens.Run(runCtx)
		}()
	}
	log.Infof("✅ 流式会话已启动: public=%d private=%d", len(m.public.channels), len(m.private.channels))
	return nil
}

// Stop 关闭所有连接并等待后台 goroutine 退出
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	for _, c := range m.active() {
		if conn := c.current(); conn != nil {
			_ = conn.Close()
		}
	}
	m.wg.Wait()
	for _, c := range m.active() {
		m.setStatus(c, domain.StatusDisconnected, "stopped")
	}
}

// establish 拨号、（私有连接）鉴权，并启动读循环
func (m *Manager) establish(ctx context.Context, c *connection) error {
	m.setStatus(c, domain.StatusConnecting, "dial")
	conn, err := websocket.Dial(ctx, c.url, m.cfg.WS)
	if err != nil {
		return err
	}
	if c.group == domain.GroupPrivate {
		m.setStatus(c, domain.StatusAuthenticating, "token")
		if _, err := m.tokens.Token(ctx); err != nil {
			_ = conn.Close()
			return errors.Wrap(err, "获取私有流 token 失败")
		}
	}

	c.mu.Lock()
	c.conn = conn
	for _, ch := range c.channels {
		ch.SubscribedAt = time.Time{}
	}
	c.mu.Unlock()
	m.setStatus(c, domain.StatusSubscribing, "")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := conn.Run(ctx, func(f websocket.Frame, at time.Time) {
			m.handleFrame(ctx, c, f, at)
		})
		if ctx.Err() == nil {
			log.Warnf("[%s] 读循环退出: %v", c.group, err)
		}
	}()
	return nil
}

// connect 重连：建立连接并按优先级重新订阅本连接的频道
func (m *Manager) connect(ctx context.Context, c *connection) error {
	if err := m.establish(ctx, c); err != nil {
		return err
	}
	conn := c.current()
	for _, ch := range c.channels {
		if err := m.subscribe(ctx, c, conn, ch); err != nil {
			if ch.Priority == domain.PriorityCritical {
				_ = conn.Close()
				return errors.Wrapf(err, "关键频道 %s 订阅失败", ch.Name)
			}
			m.retryLater(ctx, c, ch)
		}
	}
	m.setStatus(c, domain.StatusStreaming, "resubscribed")
	return nil
}

func (m *Manager) subscribeParams(ch *domain.Channel) websocket.SubscribeParams {
	params := websocket.SubscribeParams{Channel: ch.Name}
	switch ch.Name {
	case domain.ChannelBalances, domain.ChannelExecutions:
		snapshot := true
		params.Snapshot = &snapshot
	case domain.ChannelBook:
		params.Symbol = m.cfg.Symbols
		params.Depth = m.cfg.BookDepth
	case domain.ChannelOHLC:
		params.Symbol = m.cfg.Symbols
		params.Interval = 1
	default:
		params.Symbol = m.cfg.Symbols
	}
	return params
}

// subscribe 发送订阅并等待确认。私有频道被拒为 token 失效时刷新后重试一次
func (m *Manager) subscribe(ctx context.Context, c *connection, conn *websocket.Conn, ch *domain.Channel) error {
	if conn == nil {
		return websocket.ErrClosed
	}
	for attempt := 0; ; attempt++ {
		params := m.subscribeParams(ch)
		if c.group == domain.GroupPrivate {
			tok, err := m.tokens.Token(ctx)
			if err != nil {
				return err
			}
			params.Token = tok
		}

		reqCtx, cancel := context.WithTimeout(ctx, m.cfg.SubscribeTimeout)
		resp, err := conn.Request(reqCtx, websocket.MethodSubscribe, params)
		cancel()
		if err != nil {
			return errors.Wrapf(err, "订阅 %s", ch.Name)
		}
		if resp.Success {
			c.mu.Lock()
			ch.SubscribedAt = m.now()
			c.mu.Unlock()
			log.Infof("✅ [%s] 已订阅 %s (%s)", c.group, ch.Name, ch.Priority)
			return nil
		}

		rejected := &api.APIError{Endpoint: websocket.MethodSubscribe, Errors: []string{resp.Error}}
		if c.group == domain.GroupPrivate && rejected.AuthExpired() && attempt == 0 {
			m.tokens.Invalidate()
			continue
		}
		return errors.Errorf("订阅 %s 被拒绝: %s", ch.Name, resp.Error)
	}
}

// retryLater 后台按 subscribe 退避重试，连接更换后由重连流程接管
func (m *Manager) retryLater(ctx context.Context, c *connection, ch *domain.Channel) {
	conn := c.current()
	if conn == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		b := m.policy.NewBackOff(retry.ClassSubscribe)
		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case <-time.After(b.NextBackOff()):
			}
			err := m.subscribe(ctx, c, conn, ch)
			if err == nil {
				return
			}
			log.Debugf("[%s] 频道 %s 重试订阅失败: %v", c.group, ch.Name, err)
		}
	}()
}

func (m *Manager) handleFrame(ctx context.Context, c *connection, f websocket.Frame, at time.Time) {
	switch f.Kind() {
	case websocket.FrameData:
		c.mu.Lock()
		for _, ch := range c.channels {
			if ch.Name == f.Channel {
				ch.LastMessageAt = at
			}
		}
		c.mu.Unlock()
		if m.sink != nil {
			upd := domain.StreamUpdate{
				Group:      c.group,
				Channel:    f.Channel,
				Type:       f.Type,
				Data:       f.Data,
				Sequence:   m.seq.Next(),
				ReceivedAt: at,
			}
			if err := m.sink.ApplyStreamUpdate(ctx, upd); err != nil && ctx.Err() == nil {
				log.Warnf("[%s] 投递 %s 消息失败: %v", c.group, f.Channel, err)
			}
		}
	case websocket.FrameStatus:
		var data []websocket.StatusData
		if err := json.Unmarshal(f.Data, &data); err == nil && len(data) > 0 {
			log.WithFields(logrus.Fields{"group": c.group, "system": data[0].System}).Info("交易所状态")
		}
	case websocket.FrameResponse:
		if f.Error != "" {
			log.Debugf("[%s] 未关联的错误应答 %s: %s", c.group, f.Method, f.Error)
		}
	}

	if c.Status() == domain.StatusDegraded {
		m.setStatus(c, domain.StatusStreaming, "traffic resumed")
	}
}

// supervise 连接断开后按 network 退避重连
func (m *Manager) supervise(ctx context.Context, c *connection) {
	defer m.wg.Done()
	for {
		conn := c.current()
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
		}
		if ctx.Err() != nil {
			return
		}

		m.setStatus(c, domain.StatusReconnecting, "connection lost")
		b := m.policy.NewBackOff(retry.ClassNetwork)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.NextBackOff()):
			}
			err := m.connect(ctx, c)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			log.Warnf("🔄 [%s] 重连失败: %v", c.group, err)
			m.setStatus(c, domain.StatusReconnecting, err.Error())
		}
		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()
	}
}

// watchdog 静默超过心跳超时进入降级；降级过久主动断开
func (m *Manager) watchdog(ctx context.Context, c *connection) {
	defer m.wg.Done()
	interval := m.cfg.HeartbeatTimeout / 4
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		conn := c.current()
		if conn == nil {
			continue
		}
		silence := m.now().Sub(conn.LastReceived())
		switch c.Status() {
		case domain.StatusStreaming:
			if silence > m.cfg.HeartbeatTimeout {
				m.setStatus(c, domain.StatusDegraded, "no traffic for "+silence.Round(time.Millisecond).String())
			}
		case domain.StatusDegraded:
			if silence > m.cfg.HeartbeatTimeout*degradedGrace {
				log.Warnf("[%s] 降级持续 %s，断开重连", c.group, silence.Round(time.Millisecond))
				_ = conn.Close()
			}
		}
	}
}

func (m *Manager) pinger(ctx context.Context, c *connection) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		switch c.Status() {
		case domain.StatusStreaming, domain.StatusDegraded:
			if conn := c.current(); conn != nil {
				if err := conn.Ping(); err != nil {
					log.Debugf("[%s] ping 失败: %v", c.group, err)
				}
			}
		}
	}
}

func (m *Manager) setStatus(c *connection, to domain.ConnectionStatus, reason string) {
	now := m.now()
	c.mu.Lock()
	from := c.status
	if from == to {
		c.mu.Unlock()
		return
	}
	c.status = to
	c.since = now
	c.mu.Unlock()

	entry := log.WithFields(logrus.Fields{"group": c.group, "from": from, "to": to})
	if reason != "" {
		entry = entry.WithField("reason", reason)
	}
	switch to {
	case domain.StatusDegraded, domain.StatusReconnecting:
		entry.Warn("连接状态变化")
	default:
		entry.Debug("连接状态变化")
	}

	if m.sink != nil {
		m.sink.SetConnectionStatus(c.group, to)
	}
	if m.bus != nil {
		m.bus.Publish(events.ConnectionStateEvent{Group: c.group, From: from, To: to, Reason: reason, Timestamp: now})
	}
}

// State 连接状态快照
func (m *Manager) State(group domain.ChannelGroup) domain.ConnectionState {
	c := m.public
	if group == domain.GroupPrivate {
		c = m.private
	}
	c.mu.RLock()
	st := domain.ConnectionState{
		Group:      c.group,
		Status:     c.status,
		Since:      c.since,
		Reconnects: c.reconnects,
	}
	c.mu.RUnlock()
	if group == domain.GroupPrivate && m.tokens != nil {
		st.HasToken = m.tokens.Valid()
		st.TokenExpiry = m.tokens.Expiry()
	}
	return st
}

// Channels 频道订阅情况
func (m *Manager) Channels() []domain.Channel {
	var out []domain.Channel
	for _, c := range []*connection{m.private, m.public} {
		c.mu.RLock()
		for _, ch := range c.channels {
			out = append(out, *ch)
		}
		c.mu.RUnlock()
	}
	return out
}

// CanSubmitOrders 私有连接处于 streaming 且持有有效 token
func (m *Manager) CanSubmitOrders() bool {
	return m.tokens != nil && m.private.Status() == domain.StatusStreaming && m.tokens.Valid()
}

// SubmitOrder 通过私有连接提交 IOC 限价单。ctx 的截止时间即 ack 等待上限
func (m *Manager) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	limit := req.LimitPrice
	params := websocket.AddOrderParams{
		OrderType:   "limit",
		Side:        string(req.Side),
		OrderQty:    req.Quantity,
		Symbol:      req.Symbol,
		LimitPrice:  &limit,
		TimeInForce: "ioc",
		ClOrdID:     req.ClientOrderID,
	}
	resp, err := m.privateRequest(ctx, websocket.MethodAddOrder, func(token string) any {
		params.Token = token
		return params
	})
	if err != nil {
		return domain.OrderAck{}, err
	}
	var res websocket.AddOrderResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return domain.OrderAck{}, errors.Wrap(err, "解析下单应答失败")
	}
	if res.ClOrdID == "" {
		res.ClOrdID = req.ClientOrderID
	}
	return domain.OrderAck{OrderID: res.OrderID, ClientOrderID: res.ClOrdID}, nil
}

// CancelOrder 通过私有连接撤单
func (m *Manager) CancelOrder(ctx context.Context, orderID string) error {
	_, err := m.privateRequest(ctx, websocket.MethodCancelOrder, func(token string) any {
		return websocket.CancelOrderParams{OrderID: []string{orderID}, Token: token}
	})
	return err
}

// privateRequest token 被拒时立即刷新并只重试一次
func (m *Manager) privateRequest(ctx context.Context, method string, build func(token string) any) (websocket.Response, error) {
	if m.tokens == nil {
		return websocket.Response{}, domain.ErrNotStreaming
	}
	for attempt := 0; ; attempt++ {
		conn := m.private.current()
		if conn == nil || m.private.Status() != domain.StatusStreaming {
			return websocket.Response{}, domain.ErrNotStreaming
		}
		token, err := m.tokens.Token(ctx)
		if err != nil {
			return websocket.Response{}, err
		}

		resp, err := conn.Request(ctx, method, build(token))
		if err != nil {
			return websocket.Response{}, requestError(method, err)
		}
		if resp.Success {
			return resp, nil
		}

		rejected := &api.APIError{Endpoint: method, Errors: []string{resp.Error}}
		switch {
		case rejected.AuthExpired():
			m.tokens.Invalidate()
			if attempt == 0 {
				log.Warnf("🔑 %s 被拒绝（token 失效），刷新后重试一次", method)
				continue
			}
			return websocket.Response{}, &domain.AuthExpiredError{Reason: resp.Error}
		case rejected.RateLimited():
			return websocket.Response{}, &domain.RateLimitError{
				Class:  string(ratelimit.ClassOrderPlacement),
				Remote: true,
				Reason: resp.Error,
			}
		case rejected.Unavailable():
			return websocket.Response{}, &domain.NetworkError{Op: method, Err: rejected, Sent: true}
		default:
			code, msg := rejected.Code()
			return websocket.Response{}, &domain.ExchangeError{Code: code, Message: msg}
		}
	}
}

// requestError 区分未发出（可安全重试）与已发出但结果未知
func requestError(method string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Wrapf(domain.ErrAckTimeout, "%s", method)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, websocket.ErrClosed):
		return &domain.NetworkError{Op: method, Err: err, Sent: false}
	default:
		return &domain.NetworkError{Op: method, Err: err, Sent: true}
	}
}
