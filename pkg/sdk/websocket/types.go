// Package websocket 提供交易所 v2 流式协议的连接封装：拨号、读循环、带 req_id 关联的请求/响应。
// 重连、鉴权和订阅顺序由上层会话管理负责。
package websocket

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultBufferSize       = 4096
)

// Config 连接配置
type Config struct {
	ProxyURL         string        // 代理 URL（可选）
	HandshakeTimeout time.Duration // 握手超时时间
	WriteTimeout     time.Duration // 单次写超时
	ReadBufferSize   int           // 读缓冲区大小
	WriteBufferSize  int           // 写缓冲区大小
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout: defaultHandshakeTimeout,
		WriteTimeout:     defaultWriteTimeout,
		ReadBufferSize:   defaultBufferSize,
		WriteBufferSize:  defaultBufferSize,
	}
}

// 请求方法
const (
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodAddOrder    = "add_order"
	MethodCancelOrder = "cancel_order"
	MethodPing        = "ping"
	MethodPong        = "pong"
)

// 系统频道
const (
	ChannelHeartbeat = "heartbeat"
	ChannelStatus    = "status"
)

// Request 客户端请求
type Request struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
	ReqID  int64  `json:"req_id"`
}

// Response 对请求的应答（按 req_id 关联）
type Response struct {
	Method  string          `json:"method"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	ReqID   int64           `json:"req_id"`
	Result  json.RawMessage `json:"result,omitempty"`
	TimeIn  string          `json:"time_in,omitempty"`
	TimeOut string          `json:"time_out,omitempty"`
}

// FrameKind 入站消息类别
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameResponse
	FrameHeartbeat
	FrameStatus
	FrameData
)

// Frame 入站消息外层
type Frame struct {
	Method  string          `json:"method,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
	ReqID   int64           `json:"req_id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Type    string          `json:"type,omitempty"` // snapshot / update
	Data    json.RawMessage `json:"data,omitempty"`
}

// Kind 判断消息类别
func (f Frame) Kind() FrameKind {
	switch {
	case f.Method != "":
		return FrameResponse
	case f.Channel == ChannelHeartbeat:
		return FrameHeartbeat
	case f.Channel == ChannelStatus:
		return FrameStatus
	case f.Channel != "":
		return FrameData
	default:
		return FrameUnknown
	}
}

// Response 转为应答
func (f Frame) Response() Response {
	r := Response{Method: f.Method, Error: f.Error, ReqID: f.ReqID, Result: f.Result}
	if f.Success != nil {
		r.Success = *f.Success
	} else {
		r.Success = f.Error == ""
	}
	return r
}

// SubscribeParams subscribe / unsubscribe 参数
type SubscribeParams struct {
	Channel  string   `json:"channel"`
	Symbol   []string `json:"symbol,omitempty"`
	Token    string   `json:"token,omitempty"`
	Snapshot *bool    `json:"snapshot,omitempty"`
	Depth    int      `json:"depth,omitempty"`
	Interval int      `json:"interval,omitempty"`
}

// AddOrderParams add_order 参数
type AddOrderParams struct {
	OrderType string          `json:"order_type"`
	Side      string          `json:"side"`
	OrderQty  decimal.Decimal `json:"order_qty"`
	Symbol    string          `json:"symbol"`

	// LimitPrice 市价单为 nil
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"`
	TimeInForce string           `json:"time_in_force,omitempty"`
	ClOrdID     string           `json:"cl_ord_id,omitempty"`
	Token       string           `json:"token"`
}

// AddOrderResult add_order 成功结果
type AddOrderResult struct {
	OrderID string `json:"order_id"`
	ClOrdID string `json:"cl_ord_id"`
}

// CancelOrderParams cancel_order 参数
type CancelOrderParams struct {
	OrderID []string `json:"order_id"`
	Token   string   `json:"token"`
}

// StatusData status 频道
type StatusData struct {
	System     string `json:"system"` // online / maintenance / cancel_only / post_only
	APIVersion string `json:"api_version"`
	ConnID     uint64 `json:"connection_id"`
	Version    string `json:"version"`
}
