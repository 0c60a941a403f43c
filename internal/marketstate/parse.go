package marketstate

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/tradecore/internal/domain"
)

// 流式频道的数据载荷（data 数组中的单项）

type balanceEntry struct {
	Asset     string          `json:"asset"`
	Balance   decimal.Decimal `json:"balance"`
	HoldTrade decimal.Decimal `json:"hold_trade"`
}

type tickerEntry struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
}

type bookEntry struct {
	Symbol string             `json:"symbol"`
	Bids   []domain.BookLevel `json:"bids"`
	Asks   []domain.BookLevel `json:"asks"`
}

type candleEntry struct {
	Symbol        string          `json:"symbol"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	Volume        decimal.Decimal `json:"volume"`
	IntervalBegin time.Time       `json:"interval_begin"`
}

func decodeData[T any](upd domain.StreamUpdate) ([]T, error) {
	var out []T
	if len(upd.Data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(upd.Data, &out); err != nil {
		return nil, errors.Wrapf(err, "解析 %s 消息失败", upd.Channel)
	}
	return out, nil
}

// mergeLevels 增量更新一侧盘口：数量为 0 删除档位，结果按价格排序并截断到 depth
func mergeLevels(cur, changes []domain.BookLevel, desc bool, depth int) []domain.BookLevel {
	byPrice := make(map[string]domain.BookLevel, len(cur)+len(changes))
	for _, l := range cur {
		byPrice[l.Price.String()] = l
	}
	for _, l := range changes {
		key := l.Price.String()
		if l.Quantity.IsZero() {
			delete(byPrice, key)
			continue
		}
		byPrice[key] = l
	}
	out := make([]domain.BookLevel, 0, len(byPrice))
	for _, l := range byPrice {
		out = append(out, l)
	}
	sortLevels(out, desc)
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}

func sortLevels(levels []domain.BookLevel, desc bool) {
	sort.Slice(levels, func(i, j int) bool {
		if desc {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
}

// orderFromExecution 把执行回报折算成挂单视图
func orderFromExecution(ev domain.ExecutionEvent, prev domain.OpenOrder) domain.OpenOrder {
	o := prev
	o.OrderID = ev.OrderID
	if ev.ClientOrderID != "" {
		o.ClientOrderID = ev.ClientOrderID
	}
	if ev.Symbol != "" {
		o.Symbol = ev.Symbol
	}
	if ev.Side != "" {
		o.Side = ev.Side
	}
	if !ev.OrderQty.IsZero() {
		o.Quantity = ev.OrderQty
	}
	if !ev.CumQty.IsZero() {
		o.Filled = ev.CumQty
	}
	if ev.OrderStatus != "" {
		o.Status = ev.OrderStatus
	}
	o.Sequence = ev.Sequence
	o.UpdatedAt = ev.ReceivedAt
	return o
}

// orderClosed 订单是否已离开挂单列表
func orderClosed(ev domain.ExecutionEvent) bool {
	switch ev.OrderStatus {
	case "filled", "canceled", "expired", "rejected":
		return true
	}
	switch ev.ExecType {
	case domain.ExecFilled, domain.ExecCanceled, domain.ExecExpired, domain.ExecRejected:
		return true
	}
	return false
}
