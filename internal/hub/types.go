package hub

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal kinds as delivered by the hub. The kind is implicit in the socket
// event name; it decides how the engine classifies entry/position.
type SignalKind string

const (
	KindBuy   SignalKind = "buy_signal"
	KindSell  SignalKind = "sell_signal"
	KindClose SignalKind = "close_signal"
	KindStop  SignalKind = "stop_signal"
)

// Traded acknowledgement channels. Rebalance child tasks use the empty
// channel: the hub never hears about engine-internal partial closes.
const (
	ChannelTradedBuy  = "traded_buy_signal"
	ChannelTradedSell = "traded_sell_signal"
	ChannelNone       = ""
)

// StrategyInfo is one row of the hub's strategy-list payload.
type StrategyInfo struct {
	ID          string          `json:"strategyId"`
	Name        string          `json:"strategyName"`
	TradeAmount decimal.Decimal `json:"tradeAmount"`
	IsActive    bool            `json:"isActive"`
	IsVirtual   bool            `json:"isVirtual"`
}

// SignalEvent is one buy/sell/close/stop signal from the socket.
type SignalEvent struct {
	Kind         SignalKind      `json:"-"`
	StrategyID   string          `json:"strategyId"`
	StrategyName string          `json:"strategyName"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Score        decimal.Decimal `json:"score"`
	Timestamp    int64           `json:"timestamp"` // unix ms
}

// Time converts the wire timestamp.
func (e SignalEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Trade is one open trade as the hub sees it, used for reconciliation.
type Trade struct {
	StrategyID   string          `json:"strategyId"`
	StrategyName string          `json:"strategyName"`
	Symbol       string          `json:"symbol"`
	Position     string          `json:"positionType"` // "long" | "short"
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	IsStopped    bool            `json:"isStopped"`
	OpenedAt     int64           `json:"openedAt"` // unix ms
}

// TradedAck tells the hub a signal has been acted on.
type TradedAck struct {
	Symbol       string `json:"symbol"`
	StrategyID   string `json:"strategyId"`
	StrategyName string `json:"strategyName"`
	Quantity     string `json:"quantity"`
	TradingType  string `json:"tradingType"`
}
