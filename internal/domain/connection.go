package domain

import (
	"encoding/json"
	"time"
)

// ChannelGroup 连接分组
type ChannelGroup string

const (
	GroupPublic  ChannelGroup = "public"
	GroupPrivate ChannelGroup = "private"
)

// ConnectionStatus 连接状态机
type ConnectionStatus string

const (
	StatusDisconnected   ConnectionStatus = "disconnected"
	StatusConnecting     ConnectionStatus = "connecting"
	StatusAuthenticating ConnectionStatus = "authenticating"
	StatusSubscribing    ConnectionStatus = "subscribing"
	StatusStreaming      ConnectionStatus = "streaming"
	StatusDegraded       ConnectionStatus = "degraded"
	StatusReconnecting   ConnectionStatus = "reconnecting"
)

// IsHealthy 只有 streaming 状态下的数据才被视为实时
func (s ConnectionStatus) IsHealthy() bool {
	return s == StatusStreaming
}

// ConnectionState 连接状态快照。token 只暴露过期时间
type ConnectionState struct {
	Group       ChannelGroup     `json:"channel_group"`
	Status      ConnectionStatus `json:"status"`
	HasToken    bool             `json:"has_token"`
	TokenExpiry time.Time        `json:"token_expiry"`
	Since       time.Time        `json:"since"`
	Reconnects  int              `json:"reconnects"`
}

// Priority 频道优先级
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// ParsePriority 解析配置中的优先级名称
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "critical":
		return PriorityCritical, true
	case "high":
		return PriorityHigh, true
	case "medium":
		return PriorityMedium, true
	case "low":
		return PriorityLow, true
	}
	return PriorityLow, false
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Channel 订阅频道
type Channel struct {
	Name          string       `json:"name"`
	Group         ChannelGroup `json:"group"`
	Priority      Priority     `json:"priority"`
	SubscribedAt  time.Time    `json:"subscribed_at"`
	LastMessageAt time.Time    `json:"last_message_at"`
}

// 频道名
const (
	ChannelBalances   = "balances"
	ChannelExecutions = "executions"
	ChannelTicker     = "ticker"
	ChannelBook       = "book"
	ChannelOHLC       = "ohlc"
)

// StreamUpdate 已打序号的流消息
type StreamUpdate struct {
	Group      ChannelGroup
	Channel    string
	Type       string // snapshot / update
	Data       json.RawMessage
	Sequence   uint64
	ReceivedAt time.Time
}

// PullSnapshot 拉取结果，Sequence 在请求发出前取得
type PullSnapshot struct {
	Balances []Balance
	Tickers  []Ticker
	Books    []OrderBook
	// OpenOrders 非 nil 时视为完整挂单列表
	OpenOrders []OpenOrder
	Sequence   uint64
	FetchedAt  time.Time
	// Recovery 由过期数据触发的回退拉取
	Recovery bool
}
