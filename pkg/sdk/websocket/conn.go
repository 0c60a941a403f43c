package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "ws_conn")

var (
	// ErrClosed 连接已关闭
	ErrClosed = errors.New("websocket connection closed")
	// ErrNoResponse 请求已写出，但连接在应答前关闭，结果未知
	ErrNoResponse = errors.New("websocket connection closed before response")
)

// FrameHandler 非应答类入站消息回调（在读循环 goroutine 中调用）
type FrameHandler func(frame Frame, receivedAt time.Time)

// Conn 单条 WebSocket 连接。写操作串行化；读循环中按 req_id 把应答分发给等待者
type Conn struct {
	ws           *websocket.Conn
	url          string
	writeMu      sync.Mutex
	writeTimeout time.Duration

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan Response

	lastRecv  atomic.Int64 // unix nano
	closed    chan struct{}
	closeOnce sync.Once
}

// Dial 建立连接
func Dial(ctx context.Context, rawURL string, cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	dialer := websocket.Dialer{
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("无效的代理 URL: %w", err)
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	headers := make(http.Header)
	headers.Set("User-Agent", "tradecore/1.0")

	ws, _, err := dialer.DialContext(ctx, rawURL, headers)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", rawURL, err)
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	c := &Conn{
		ws:           ws,
		url:          rawURL,
		writeTimeout: writeTimeout,
		pending:      make(map[int64]chan Response),
		closed:       make(chan struct{}),
	}
	c.lastRecv.Store(time.Now().UnixNano())
	return c, nil
}

// URL 连接地址
func (c *Conn) URL() string { return c.url }

// LastReceived 最后一次收到任何消息的时间
func (c *Conn) LastReceived() time.Time {
	return time.Unix(0, c.lastRecv.Load())
}

// Done 连接关闭后关闭
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Run 读循环，阻塞直到连接出错、被关闭或 ctx 取消。返回导致退出的错误
func (c *Conn) Run(ctx context.Context, onFrame FrameHandler) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	defer c.Close()

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrClosed
			default:
			}
			return err
		}
		now := time.Now()
		c.lastRecv.Store(now.UnixNano())

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			log.Warnf("[%s] 解析消息失败: %v", c.url, err)
			continue
		}
		if frame.Kind() == FrameResponse && frame.ReqID != 0 && c.deliver(frame.Response()) {
			continue
		}
		if onFrame != nil {
			onFrame(frame, now)
		}
	}
}

func (c *Conn) deliver(resp Response) bool {
	c.mu.Lock()
	ch, ok := c.pending[resp.ReqID]
	if ok {
		delete(c.pending, resp.ReqID)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
	return ok
}

// Send 发送请求，不等待应答，返回 req_id
func (c *Conn) Send(method string, params any) (int64, error) {
	id := c.nextID.Add(1)
	return id, c.writeJSON(Request{Method: method, Params: params, ReqID: id})
}

// Request 发送请求并等待同 req_id 的应答。ctx 取消只放弃等待，不撤回已发出的请求
func (c *Conn) Request(ctx context.Context, method string, params any) (Response, error) {
	id := c.nextID.Add(1)
	ch := make(chan Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeJSON(Request{Method: method, Params: params, ReqID: id}); err != nil {
		return Response{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-c.closed:
		return Response{}, ErrNoResponse
	}
}

func (c *Conn) writeJSON(v any) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(v)
}

// Ping 发送应用层 ping
func (c *Conn) Ping() error {
	_, err := c.Send(MethodPing, nil)
	return err
}

// Close 发送关闭帧并关闭底层连接（可重复调用）
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
