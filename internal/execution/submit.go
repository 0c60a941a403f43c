package execution

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/betbot/tradecore/internal/domain"
	"github.com/betbot/tradecore/internal/pullclient"
	"github.com/betbot/tradecore/pkg/ratelimit"
)

// dispatch 提交已预留预算的意图并等待 ack（最长 AckTimeout）。
// 放弃等待只会把意图记为 unknown，不会撤单
func (c *Coordinator) dispatch(ctx context.Context, intent *domain.OrderIntent) domain.Outcome {
	c.mu.Lock()
	req := domain.OrderRequest{
		ClientOrderID: intent.ID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Quantity:      intent.ComputedQuantity,
		LimitPrice:    intent.LimitPrice,
	}
	c.mu.Unlock()

	ackCtx, cancel := context.WithTimeout(ctx, c.opts.AckTimeout)
	defer cancel()
	ack, via, err := c.send(ackCtx, req)
	setChannel := func(it *domain.OrderIntent) { it.ChannelUsed = via }

	switch {
	case err == nil:
		c.ledger.Commit(ratelimit.ClassOrderPlacement, orderCost)
		c.advance(intent, domain.IntentAcked, "", func(it *domain.OrderIntent) {
			it.ChannelUsed = via
			it.ExchangeOrderID = ack.OrderID
		})
		return domain.Submitted{IntentID: intent.ID, OrderID: ack.OrderID}

	case ackUnknown(err):
		c.ledger.Commit(ratelimit.ClassOrderPlacement, orderCost)
		c.advance(intent, domain.IntentUnknown, err.Error(), setChannel)
		// 执行回报可能先于超时到达
		if _, status, _ := c.lookup(intent.ID); status == domain.IntentAcked || status == domain.IntentFilled {
			return domain.Submitted{IntentID: intent.ID, OrderID: c.orderIDOf(intent)}
		}
		return domain.Unknown{IntentID: intent.ID}

	default:
		if notSent(err) {
			c.ledger.ReleaseOnFailure(ratelimit.ClassOrderPlacement, orderCost)
		} else {
			c.ledger.Commit(ratelimit.ClassOrderPlacement, orderCost)
		}
		var rl *domain.RateLimitError
		if errors.As(err, &rl) && rl.Remote && via == domain.SubmitViaStream {
			c.ledger.Penalize(ratelimit.ClassOrderPlacement)
		}
		reason := rejectReason(err)
		c.advance(intent, domain.IntentRejected, reason, setChannel)
		return domain.Rejected{IntentID: intent.ID, Reason: reason, Err: err}
	}
}

// send 私有流可用时走流式通道，否则（或流在提交前断开）走拉取通道
func (c *Coordinator) send(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, domain.SubmitChannel, error) {
	if c.stream != nil && c.stream.CanSubmitOrders() {
		ack, err := c.stream.SubmitOrder(ctx, req)
		if !errors.Is(err, domain.ErrNotStreaming) {
			return ack, domain.SubmitViaStream, err
		}
		log.Warnf("⚠️ 私有流不可用，改走拉取通道: %s", req.ClientOrderID)
	}
	ack, err := c.pull.AddOrder(ctx, req)
	return ack, domain.SubmitViaPull, err
}

// ackUnknown 请求可能已到达交易所但没有拿到确认
func ackUnknown(err error) bool {
	if errors.Is(err, domain.ErrAckTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr *domain.NetworkError
	return errors.As(err, &netErr) && netErr.Sent
}

// notSent 请求确定没有发出
func notSent(err error) bool {
	if errors.Is(err, pullclient.ErrCircuitOpen) || errors.Is(err, domain.ErrNotStreaming) {
		return true
	}
	var netErr *domain.NetworkError
	return errors.As(err, &netErr) && !netErr.Sent
}

func rejectReason(err error) string {
	var (
		exErr   *domain.ExchangeError
		rlErr   *domain.RateLimitError
		authErr *domain.AuthExpiredError
		netErr  *domain.NetworkError
	)
	switch {
	case errors.As(err, &exErr):
		return fmt.Sprintf("exchange rejected: %s", exErr.Error())
	case errors.As(err, &rlErr):
		return "rate limited"
	case errors.As(err, &authErr):
		return "auth expired"
	case errors.Is(err, pullclient.ErrCircuitOpen):
		return "circuit open"
	case errors.As(err, &netErr):
		return "network error, not sent"
	default:
		return "submission failed"
	}
}

func (c *Coordinator) orderIDOf(intent *domain.OrderIntent) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return intent.ExchangeOrderID
}
