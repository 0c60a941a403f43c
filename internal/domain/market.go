package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instrument 交易对约束
type Instrument struct {
	Symbol            string
	Base              string
	Quote             string
	MinNotional       decimal.Decimal
	MinQuantity       decimal.Decimal
	QuantityPrecision int32 // 数量小数位
	PricePrecision    int32 // 价格小数位
	MinAppliesToSells bool  // 最小名义金额是否同样约束卖单（交易所相关）
}

// FloorQuantity 数量向下取整到精度
func (i Instrument) FloorQuantity(q decimal.Decimal) decimal.Decimal {
	return q.RoundFloor(i.QuantityPrecision)
}

// CeilQuantity 数量向上取整到精度
func (i Instrument) CeilQuantity(q decimal.Decimal) decimal.Decimal {
	return q.RoundCeil(i.QuantityPrecision)
}

// Ticker 最优报价
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Source    Source          `json:"source"`
	Sequence  uint64          `json:"sequence"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ReferencePrice 买单取 ask、卖单取 bid，缺失时回退到 last；全部缺失返回 false
func (t Ticker) ReferencePrice(side Side) (decimal.Decimal, bool) {
	p := t.Ask
	if side == SideSell {
		p = t.Bid
	}
	if p.IsPositive() {
		return p, true
	}
	if t.Last.IsPositive() {
		return t.Last, true
	}
	return decimal.Zero, false
}

// BookLevel 盘口档位
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"qty"`
}

// OrderBook 订单簿
type OrderBook struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"` // 价格降序
	Asks      []BookLevel `json:"asks"` // 价格升序
	Source    Source      `json:"source"`
	Sequence  uint64      `json:"sequence"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Candle K 线
type Candle struct {
	Symbol        string          `json:"symbol"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	Volume        decimal.Decimal `json:"volume"`
	IntervalBegin time.Time       `json:"interval_begin"`
	Sequence      uint64          `json:"sequence"`
}
