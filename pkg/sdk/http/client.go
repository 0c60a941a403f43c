package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	pkgerrors "github.com/pkg/errors"
)

// Client REST 传输层。重试由上层按预算与退避策略控制，这里不做自动重试
type Client struct {
	client *resty.Client
}

// Options 传输层参数
type Options struct {
	Timeout   time.Duration
	ProxyURL  string
	UserAgent string
}

func NewClient(host string, opts Options) *Client {
	host = strings.TrimSuffix(host, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "tradecore/1.0"
	}

	client := resty.New().
		SetBaseURL(host).
		SetTimeout(opts.Timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", opts.UserAgent)
	if opts.ProxyURL != "" {
		client.SetProxy(opts.ProxyURL)
	}
	return &Client{client: client}
}

type RequestOptions struct {
	Headers map[string]string
	Params  map[string]any
	// Form 以 application/x-www-form-urlencoded 发送（签名请求使用）
	Form url.Values
	Data any
}

func (c *Client) newRequest(ctx context.Context) *resty.Request {
	r := c.client.R()
	if ctx != nil {
		r.SetContext(ctx)
	}
	r.SetHeader("Accept", "application/json")
	return r
}

// DoRequest 发送请求。非 2xx 返回 *StatusError；网络错误原样返回
func (c *Client) DoRequest(ctx context.Context, method, endpoint string, opt *RequestOptions, out any) (*resty.Response, error) {
	rc := c.newRequest(ctx)
	if opt != nil {
		for k, v := range opt.Headers {
			rc.SetHeader(k, v)
		}
		if opt.Params != nil {
			rc.SetQueryParamsFromValues(toValues(opt.Params))
		}
		switch {
		case opt.Form != nil:
			rc.SetHeader("Content-Type", "application/x-www-form-urlencoded")
			rc.SetBody(opt.Form.Encode())
		case opt.Data != nil:
			rc.SetHeader("Content-Type", "application/json")
			rc.SetBody(opt.Data)
		}
	}

	var (
		resp *resty.Response
		err  error
	)
	switch strings.ToUpper(method) {
	case http.MethodGet:
		resp, err = rc.Get(endpoint)
	case http.MethodPost:
		resp, err = rc.Post(endpoint)
	case http.MethodDelete:
		resp, err = rc.Delete(endpoint)
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}
	if err != nil {
		return resp, err
	}
	if !resp.IsSuccess() {
		return resp, newStatusError(resp)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return resp, pkgerrors.Wrapf(err, "decode %s %s", method, endpoint)
		}
	}
	return resp, nil
}

func toValues(m map[string]any) map[string][]string {
	v := make(map[string][]string, len(m))
	for k, val := range m {
		switch t := val.(type) {
		case []string:
			v[k] = t
		default:
			v[k] = []string{fmt.Sprint(val)}
		}
	}
	return v
}

// StatusError 非 2xx 响应
type StatusError struct {
	Code       int
	Status     string
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// TooManyRequests 是否为 429
func (e *StatusError) TooManyRequests() bool { return e.Code == http.StatusTooManyRequests }

// ServerError 是否为 5xx
func (e *StatusError) ServerError() bool { return e.Code >= 500 }

func newStatusError(resp *resty.Response) *StatusError {
	se := &StatusError{Code: resp.StatusCode(), Status: resp.Status(), Body: string(resp.Body())}
	if ra := resp.Header().Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			se.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return se
}

// IsDialError 连接未建立，请求一定没有发出
func IsDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
