package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/betbot/tradecore/internal/domain"
	"github.com/betbot/tradecore/internal/pullclient"
	"github.com/betbot/tradecore/pkg/persistence"
	"github.com/betbot/tradecore/pkg/ratelimit"
)

// onExecution 执行回报驱动意图状态；有成交时强制刷新该交易对两侧资产余额
func (c *Coordinator) onExecution(ev domain.ExecutionEvent) {
	c.mu.Lock()
	intent := c.intents[ev.ClientOrderID]
	if intent == nil {
		intent = c.intents[c.byOrderID[ev.OrderID]]
	}
	c.mu.Unlock()
	if intent == nil {
		return
	}

	to, _ := ev.TargetStatus()
	reason := ""
	if to == domain.IntentCancelled || to == domain.IntentRejected {
		reason = ev.Reason
	}
	c.advance(intent, to, reason, func(it *domain.OrderIntent) {
		if it.ExchangeOrderID == "" {
			it.ExchangeOrderID = ev.OrderID
		}
		if ev.CumQty.GreaterThan(it.FilledQuantity) {
			it.FilledQuantity = ev.CumQty
		}
	})

	if ev.IsFill() {
		c.stats.fills.Add(1)
		c.refreshAfterFill(intent.Symbol)
	}
}

// refreshAfterFill 成交后余额必须重新读取，忽略新鲜度容忍
func (c *Coordinator) refreshAfterFill(symbol string) {
	inst, err := c.pull.Instrument(c.bg, pullclient.ModeHotPath, symbol)
	if err != nil {
		log.Warnf("⚠️ 成交后刷新余额失败，无法获取交易对 %s: %v", symbol, err)
		return
	}
	for _, asset := range []string{inst.Quote, inst.Base} {
		if _, err := c.state.RefreshBalance(c.bg, asset); err != nil {
			log.Warnf("⚠️ 成交后刷新余额 %s 失败: %v", asset, err)
		}
	}
}

// RetryUnknown 对 unknown 意图先核对交易所挂单/订单查询：
// 找到则采纳交易所状态；确认不存在则用同一 client order id 重发；
// 核对失败返回包含 *domain.DuplicateOrderRiskError 的 Rejected
func (c *Coordinator) RetryUnknown(ctx context.Context, intentID string) domain.Outcome {
	intent, status, ok := c.lookup(intentID)
	if !ok {
		return domain.Rejected{IntentID: intentID, Reason: "unknown intent", Err: errNotFound(intentID)}
	}
	if status != domain.IntentUnknown {
		return domain.Rejected{
			IntentID: intentID,
			Reason:   "intent not in unknown state",
			Err:      &domain.ValidationError{Field: "status", Reason: string(status)},
		}
	}
	key := "retry|" + intentID
	if err := c.inFlight.TryAcquire(key); err != nil {
		return domain.Rejected{IntentID: intentID, Reason: "retry already in flight", Err: err}
	}
	defer c.inFlight.Release(key)

	if o, ok := c.state.OpenOrderByClientID(intentID); ok {
		return c.adopt(intent, o)
	}
	o, err := c.pull.QueryOrder(ctx, pullclient.ModeHotPath, intentID)
	if err != nil {
		log.Errorf("❗ 无法确认意图 %s 是否已被交易所接受，拒绝重发: %v", intentID, err)
		return domain.Rejected{
			IntentID: intentID,
			Reason:   "open-orders check inconclusive",
			Err:      &domain.DuplicateOrderRiskError{IntentID: intentID, Err: err},
		}
	}
	if o != nil {
		return c.adopt(intent, *o)
	}

	log.Infof("🔁 交易所没有意图 %s 的订单，使用同一 client order id 重发", intentID)
	if wait := c.reserve(); wait > 0 {
		return domain.Throttled{Wait: wait}
	}
	return c.dispatch(ctx, intent)
}

// exchangeStatus 交易所订单状态映射到意图状态
func exchangeStatus(status string) domain.IntentStatus {
	switch strings.ToLower(status) {
	case "closed", "filled":
		return domain.IntentFilled
	case "canceled", "cancelled", "expired":
		return domain.IntentCancelled
	case "rejected":
		return domain.IntentRejected
	default:
		return domain.IntentAcked
	}
}

// adopt 以交易所侧的订单状态为准更新意图
func (c *Coordinator) adopt(intent *domain.OrderIntent, o domain.OpenOrder) domain.Outcome {
	to := exchangeStatus(o.Status)
	reason := ""
	if to != domain.IntentAcked && to != domain.IntentFilled {
		reason = "exchange reports " + o.Status
	}
	c.advance(intent, to, reason, func(it *domain.OrderIntent) {
		it.ExchangeOrderID = o.OrderID
		if o.Filled.GreaterThan(it.FilledQuantity) {
			it.FilledQuantity = o.Filled
		}
	})
	switch to {
	case domain.IntentAcked, domain.IntentFilled:
		return domain.Submitted{IntentID: intent.ID, OrderID: o.OrderID}
	default:
		return domain.Rejected{
			IntentID: intent.ID,
			Reason:   reason,
			Err:      errors.Errorf("order %s is %s", o.OrderID, o.Status),
		}
	}
}

// Reconcile 启动时核对持久化的未完成意图。
// 交易所查不到的 submitted/unknown 意图视为未被接受，直接置为 rejected，不会重发
func (c *Coordinator) Reconcile(ctx context.Context) error {
	c.mu.Lock()
	pending := make([]*domain.OrderIntent, 0, len(c.intents))
	for _, it := range c.intents {
		if !it.Status.IsTerminal() {
			pending = append(pending, it)
		}
	}
	c.mu.Unlock()

	var failed []string
	for _, intent := range pending {
		_, status, _ := c.lookup(intent.ID)
		o, err := c.pull.QueryOrder(ctx, pullclient.ModeBootstrap, intent.ID)
		if err != nil {
			log.Warnf("⚠️ 对账意图 %s 失败: %v", intent.ID, err)
			failed = append(failed, intent.ID)
			continue
		}
		if o != nil {
			c.adopt(intent, *o)
			continue
		}
		if status == domain.IntentAcked {
			log.Warnf("⚠️ 已确认的意图 %s 在交易所查不到，保持原状态", intent.ID)
			continue
		}
		c.advance(intent, domain.IntentRejected, "not found on exchange", nil)
	}
	log.Infof("🔍 意图对账完成: total=%d failed=%d", len(pending), len(failed))
	if len(failed) > 0 {
		return errors.Errorf("%d intents not reconciled: %s", len(failed), strings.Join(failed, ","))
	}
	return nil
}

// CancelOrder 撤销已被交易所接受的意图对应订单
func (c *Coordinator) CancelOrder(ctx context.Context, intentID string) error {
	intent, status, ok := c.lookup(intentID)
	if !ok {
		return errNotFound(intentID)
	}
	orderID := c.orderIDOf(intent)
	if status.IsTerminal() || orderID == "" {
		return &domain.ValidationError{Field: "intent_id", Reason: fmt.Sprintf("%s has no cancellable order (status %s)", intentID, status)}
	}

	res := c.ledger.Reserve(ratelimit.ClassOrderPlacement, orderCost)
	if !res.Allowed {
		return &domain.RateLimitError{Class: string(ratelimit.ClassOrderPlacement), Wait: res.Wait, Reason: "budget exhausted"}
	}
	var err error
	viaStream := c.stream != nil && c.stream.CanSubmitOrders()
	if viaStream {
		if err = c.stream.CancelOrder(ctx, orderID); errors.Is(err, domain.ErrNotStreaming) {
			viaStream = false
		}
	}
	if !viaStream {
		err = c.pull.CancelOrder(ctx, orderID)
	}
	if err != nil {
		if notSent(err) {
			c.ledger.ReleaseOnFailure(ratelimit.ClassOrderPlacement, orderCost)
		} else {
			c.ledger.Commit(ratelimit.ClassOrderPlacement, orderCost)
		}
		return errors.Wrapf(err, "撤单 %s", intentID)
	}
	c.ledger.Commit(ratelimit.ClassOrderPlacement, orderCost)
	c.advance(intent, domain.IntentCancelled, "cancelled by request", nil)
	return nil
}

// Restore 读回持久化的未完成意图（在 Reconcile 之前调用）
func (c *Coordinator) Restore() error {
	if c.opts.Persistence == nil {
		return nil
	}
	var saved map[string]*domain.OrderIntent
	if err := c.opts.Persistence.Load(&saved); err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return nil
		}
		return errors.Wrap(err, "读取持久化意图失败")
	}
	c.mu.Lock()
	for id, it := range saved {
		c.intents[id] = it
		if it.ExchangeOrderID != "" {
			c.byOrderID[it.ExchangeOrderID] = id
		}
	}
	c.mu.Unlock()
	log.Infof("📂 已恢复 %d 个未完成意图", len(saved))
	return nil
}

// persistLocked 保存全部未完成意图，调用方持有 c.mu
func (c *Coordinator) persistLocked() {
	if c.opts.Persistence == nil {
		return
	}
	open := make(map[string]*domain.OrderIntent, len(c.intents))
	for id, it := range c.intents {
		if !it.Status.IsTerminal() {
			open[id] = it.Clone()
		}
	}
	if err := c.opts.Persistence.Save(open); err != nil {
		log.Warnf("保存意图失败: %v", err)
	}
}

// archiveExpired 最终状态超过 Retention 的意图写入归档并移出内存；归档失败的下次重试
func (c *Coordinator) archiveExpired(ctx context.Context) {
	now := c.now()
	c.mu.Lock()
	var due []*domain.OrderIntent
	for _, it := range c.intents {
		if it.Status.IsTerminal() && now.Sub(it.TerminalAt) >= c.opts.Retention {
			due = append(due, it.Clone())
		}
	}
	c.mu.Unlock()

	for _, it := range due {
		if c.opts.Archive != nil {
			if err := c.opts.Archive.Archive(ctx, it); err != nil {
				log.Warnf("⚠️ 归档意图 %s 失败: %v", it.ID, err)
				continue
			}
		}
		c.mu.Lock()
		delete(c.intents, it.ID)
		if it.ExchangeOrderID != "" {
			delete(c.byOrderID, it.ExchangeOrderID)
		}
		c.mu.Unlock()
		c.stats.archived.Add(1)
	}
	if len(due) > 0 {
		log.Debugf("归档 %d 个意图", len(due))
	}
}

func errNotFound(id string) error {
	return &domain.ValidationError{Field: "intent_id", Reason: "not found: " + id}
}
