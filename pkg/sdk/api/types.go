package api

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Envelope REST 响应外层
type Envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// SystemStatus GET /0/public/SystemStatus
type SystemStatus struct {
	Status    string `json:"status"` // online / maintenance / cancel_only / post_only
	Timestamp string `json:"timestamp"`
}

// Online 是否允许交易
func (s SystemStatus) Online() bool {
	return s.Status == "online"
}

// TickerInfo GET /0/public/Ticker 单个交易对
type TickerInfo struct {
	Ask  []decimal.Decimal `json:"a"` // [price, whole lot volume, lot volume]
	Bid  []decimal.Decimal `json:"b"`
	Last []decimal.Decimal `json:"c"` // [price, lot volume]
}

func first(v []decimal.Decimal) decimal.Decimal {
	if len(v) == 0 {
		return decimal.Zero
	}
	return v[0]
}

// AskPrice 最优卖价
func (t TickerInfo) AskPrice() decimal.Decimal { return first(t.Ask) }

// BidPrice 最优买价
func (t TickerInfo) BidPrice() decimal.Decimal { return first(t.Bid) }

// LastPrice 最新成交价
func (t TickerInfo) LastPrice() decimal.Decimal { return first(t.Last) }

// DepthLevel 档位 [price, volume, timestamp]
type DepthLevel struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

func (l *DepthLevel) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("depth level: expected at least 2 fields, got %d", len(raw))
	}
	if err := l.Price.UnmarshalJSON(raw[0]); err != nil {
		return fmt.Errorf("depth level price: %w", err)
	}
	if err := l.Volume.UnmarshalJSON(raw[1]); err != nil {
		return fmt.Errorf("depth level volume: %w", err)
	}
	return nil
}

// Depth GET /0/public/Depth 单个交易对
type Depth struct {
	Asks []DepthLevel `json:"asks"`
	Bids []DepthLevel `json:"bids"`
}

// AssetPair GET /0/public/AssetPairs 单个交易对
type AssetPair struct {
	WSName       string          `json:"wsname"`
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	PairDecimals int32           `json:"pair_decimals"`
	LotDecimals  int32           `json:"lot_decimals"`
	OrderMin     decimal.Decimal `json:"ordermin"`
	CostMin      decimal.Decimal `json:"costmin"`
	Status       string          `json:"status"`
}

// BalanceEx POST /0/private/BalanceEx 单个资产
type BalanceEx struct {
	Balance   decimal.Decimal `json:"balance"`
	HoldTrade decimal.Decimal `json:"hold_trade"`
}

// OrderDescr 订单描述
type OrderDescr struct {
	Pair      string          `json:"pair"`
	Type      string          `json:"type"` // buy / sell
	OrderType string          `json:"ordertype"`
	Price     decimal.Decimal `json:"price"`
}

// OrderInfo OpenOrders / QueryOrders 中的订单
type OrderInfo struct {
	ClientOrderID string          `json:"cl_ord_id"`
	Status        string          `json:"status"` // pending / open / closed / canceled / expired
	Volume        decimal.Decimal `json:"vol"`
	VolumeExec    decimal.Decimal `json:"vol_exec"`
	Descr         OrderDescr      `json:"descr"`
}

// OpenOrders POST /0/private/OpenOrders
type OpenOrders struct {
	Open map[string]OrderInfo `json:"open"`
}

// AddOrderRequest POST /0/private/AddOrder
type AddOrderRequest struct {
	Pair          string
	Side          string
	OrderType     string
	Volume        decimal.Decimal
	Price         decimal.Decimal
	TimeInForce   string
	ClientOrderID string
}

// AddOrderResult AddOrder 结果
type AddOrderResult struct {
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
	TxID []string `json:"txid"`
}

// CancelOrderResult CancelOrder 结果
type CancelOrderResult struct {
	Count int `json:"count"`
}

// WebSocketToken POST /0/private/GetWebSocketsToken
type WebSocketToken struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"` // 秒
}
