package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	sdkhttp "github.com/betbot/tradecore/pkg/sdk/http"
)

const (
	pathSystemStatus  = "/0/public/SystemStatus"
	pathTicker        = "/0/public/Ticker"
	pathDepth         = "/0/public/Depth"
	pathAssetPairs    = "/0/public/AssetPairs"
	pathBalanceEx     = "/0/private/BalanceEx"
	pathOpenOrders    = "/0/private/OpenOrders"
	pathQueryOrders   = "/0/private/QueryOrders"
	pathAddOrder      = "/0/private/AddOrder"
	pathCancelOrder   = "/0/private/CancelOrder"
	pathWebSocketsTok = "/0/private/GetWebSocketsToken"
)

// APIError 交易所在 envelope.error 中返回的业务错误
type APIError struct {
	Endpoint string
	Errors   []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Endpoint, strings.Join(e.Errors, "; "))
}

func (e *APIError) contains(sub string) bool {
	for _, s := range e.Errors {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// RateLimited 交易所限流
func (e *APIError) RateLimited() bool {
	return e.contains("Rate limit") || e.contains("Temporary lockout")
}

// AuthExpired 会话或 token 失效
func (e *APIError) AuthExpired() bool {
	return e.contains("ESession") || e.contains("Invalid token")
}

// Unavailable 交易所暂时不可用，可重试
func (e *APIError) Unavailable() bool {
	return e.contains("EService:Unavailable") || e.contains("EService:Busy") || e.contains("EGeneral:Timeout")
}

// Code 第一条错误的类别前缀（如 EOrder）和消息
func (e *APIError) Code() (string, string) {
	if len(e.Errors) == 0 {
		return "", ""
	}
	code, msg, ok := strings.Cut(e.Errors[0], ":")
	if !ok {
		return "", e.Errors[0]
	}
	return code, msg
}

// Client 交易所 REST 客户端。只负责编解码与签名；预算、熔断、重试由调用方控制
type Client struct {
	http   *sdkhttp.Client
	signer *Signer
}

// NewClient creates a REST client. signer may be nil for public-only use.
func NewClient(baseURL string, signer *Signer, timeout time.Duration, proxyURL string) *Client {
	return &Client{
		http:   sdkhttp.NewClient(baseURL, sdkhttp.Options{Timeout: timeout, ProxyURL: proxyURL}),
		signer: signer,
	}
}

// HasCredentials 是否可调用私有接口
func (c *Client) HasCredentials() bool {
	return c.signer != nil
}

func (c *Client) public(ctx context.Context, path string, params map[string]any, out any) error {
	var env Envelope
	if _, err := c.http.DoRequest(ctx, http.MethodGet, path, &sdkhttp.RequestOptions{Params: params}, &env); err != nil {
		return err
	}
	return decodeEnvelope(path, env, out)
}

func (c *Client) private(ctx context.Context, path string, form url.Values, out any) error {
	if c.signer == nil {
		return errors.Errorf("%s: no api credentials", path)
	}
	if form == nil {
		form = url.Values{}
	}
	headers := c.signer.SignRequest(path, form)
	var env Envelope
	if _, err := c.http.DoRequest(ctx, http.MethodPost, path, &sdkhttp.RequestOptions{Headers: headers, Form: form}, &env); err != nil {
		return err
	}
	return decodeEnvelope(path, env, out)
}

func decodeEnvelope(path string, env Envelope, out any) error {
	if len(env.Error) > 0 {
		return &APIError{Endpoint: path, Errors: env.Error}
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return errors.Wrapf(err, "decode %s result", path)
	}
	return nil
}

// SystemStatus 交易所状态
func (c *Client) SystemStatus(ctx context.Context) (SystemStatus, error) {
	var out SystemStatus
	err := c.public(ctx, pathSystemStatus, nil, &out)
	return out, err
}

// Ticker 查询行情
func (c *Client) Ticker(ctx context.Context, pairs ...string) (map[string]TickerInfo, error) {
	out := map[string]TickerInfo{}
	err := c.public(ctx, pathTicker, map[string]any{"pair": strings.Join(pairs, ",")}, &out)
	return out, err
}

// Depth 查询订单簿
func (c *Client) Depth(ctx context.Context, pair string, count int) (Depth, error) {
	out := map[string]Depth{}
	params := map[string]any{"pair": pair}
	if count > 0 {
		params["count"] = count
	}
	if err := c.public(ctx, pathDepth, params, &out); err != nil {
		return Depth{}, err
	}
	for _, d := range out {
		return d, nil
	}
	return Depth{}, errors.Errorf("depth: pair %s missing in result", pair)
}

// AssetPairs 交易对信息
func (c *Client) AssetPairs(ctx context.Context, pairs ...string) (map[string]AssetPair, error) {
	out := map[string]AssetPair{}
	params := map[string]any{}
	if len(pairs) > 0 {
		params["pair"] = strings.Join(pairs, ",")
	}
	err := c.public(ctx, pathAssetPairs, params, &out)
	return out, err
}

// Balances 账户余额（含冻结）
func (c *Client) Balances(ctx context.Context) (map[string]BalanceEx, error) {
	out := map[string]BalanceEx{}
	err := c.private(ctx, pathBalanceEx, nil, &out)
	return out, err
}

// OpenOrders 当前挂单
func (c *Client) OpenOrders(ctx context.Context) (map[string]OrderInfo, error) {
	var out OpenOrders
	if err := c.private(ctx, pathOpenOrders, nil, &out); err != nil {
		return nil, err
	}
	if out.Open == nil {
		out.Open = map[string]OrderInfo{}
	}
	return out.Open, nil
}

// QueryOrderByClientID 按客户端订单号查询；找不到时返回空 map
func (c *Client) QueryOrderByClientID(ctx context.Context, clientOrderID string) (map[string]OrderInfo, error) {
	out := map[string]OrderInfo{}
	err := c.private(ctx, pathQueryOrders, url.Values{"cl_ord_id": {clientOrderID}}, &out)
	return out, err
}

// AddOrder 下单
func (c *Client) AddOrder(ctx context.Context, req AddOrderRequest) (AddOrderResult, error) {
	form := url.Values{}
	form.Set("pair", req.Pair)
	form.Set("type", req.Side)
	form.Set("ordertype", req.OrderType)
	form.Set("volume", req.Volume.String())
	if !req.Price.IsZero() {
		form.Set("price", req.Price.String())
	}
	if req.TimeInForce != "" {
		form.Set("timeinforce", req.TimeInForce)
	}
	if req.ClientOrderID != "" {
		form.Set("cl_ord_id", req.ClientOrderID)
	}
	var out AddOrderResult
	err := c.private(ctx, pathAddOrder, form, &out)
	return out, err
}

// CancelOrder 撤单
func (c *Client) CancelOrder(ctx context.Context, orderID string) (CancelOrderResult, error) {
	var out CancelOrderResult
	err := c.private(ctx, pathCancelOrder, url.Values{"txid": {orderID}}, &out)
	return out, err
}

// WebSocketToken 获取私有流 token
func (c *Client) WebSocketToken(ctx context.Context) (WebSocketToken, error) {
	var out WebSocketToken
	err := c.private(ctx, pathWebSocketsTok, nil, &out)
	return out, err
}
