package pullclient

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/betbot/tradecore/internal/domain"
	"github.com/betbot/tradecore/pkg/ratelimit"
	"github.com/betbot/tradecore/pkg/sdk/api"
	sdkhttp "github.com/betbot/tradecore/pkg/sdk/http"
)

// outcome 一次调用结果对预算和熔断器的影响
type outcome int

const (
	outcomeOK        outcome = iota
	outcomeNotSent           // 请求未发出，回滚预算
	outcomeFailure           // 计入熔断失败
	outcomeRateLimit         // 交易所限流
	outcomeCanceled          // 调用方取消，结果未知
)

// translate 把传输层和交易所错误映射为领域错误
func (c *Client) translate(ctx context.Context, op string, class ratelimit.OperationClass, cost float64, err error) (outcome, error) {
	if err == nil {
		return outcomeOK, nil
	}
	if class == "" {
		class = ratelimit.ClassOrderPlacement
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return outcomeCanceled, err
	}

	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.RateLimited():
			return outcomeRateLimit, &domain.RateLimitError{
				Class:  string(class),
				Wait:   c.penalize(class, cost),
				Remote: true,
				Reason: apiErr.Error(),
			}
		case apiErr.AuthExpired():
			return outcomeFailure, &domain.AuthExpiredError{Reason: apiErr.Error()}
		case apiErr.Unavailable():
			return outcomeFailure, &domain.NetworkError{Op: op, Err: apiErr, Sent: true}
		default:
			code, msg := apiErr.Code()
			return outcomeOK, &domain.ExchangeError{Code: code, Message: msg}
		}
	}

	var statusErr *sdkhttp.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.TooManyRequests():
			wait := c.penalize(class, cost)
			if statusErr.RetryAfter > wait {
				wait = statusErr.RetryAfter
			}
			return outcomeRateLimit, &domain.RateLimitError{Class: string(class), Wait: wait, Remote: true, Reason: statusErr.Error()}
		case statusErr.Code == http.StatusUnauthorized || statusErr.Code == http.StatusForbidden:
			return outcomeFailure, &domain.AuthExpiredError{Reason: statusErr.Error()}
		case statusErr.ServerError():
			return outcomeFailure, &domain.NetworkError{Op: op, Err: statusErr, Sent: true}
		default:
			return outcomeFailure, &domain.ExchangeError{Code: http.StatusText(statusErr.Code), Message: statusErr.Body}
		}
	}

	if isTransportError(err) {
		if sdkhttp.IsDialError(err) {
			return outcomeNotSent, &domain.NetworkError{Op: op, Err: err, Sent: false}
		}
		return outcomeFailure, &domain.NetworkError{Op: op, Err: err, Sent: true}
	}
	return outcomeFailure, err
}

func isTransportError(err error) bool {
	var (
		urlErr *url.Error
		netErr net.Error
	)
	return errors.As(err, &urlErr) || errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// penalize 交易所限流：计数器打满，返回按账本估算的等待时间
func (c *Client) penalize(class ratelimit.OperationClass, cost float64) time.Duration {
	c.ledger.Penalize(class)
	return c.ledger.EstimateWait(class, cost)
}
