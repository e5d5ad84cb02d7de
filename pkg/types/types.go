// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the executor — wallets, signals,
// strategies, open trades, market metadata, and the persisted accounting
// records. It has no dependencies on internal packages, so it can be imported
// by any layer. All prices, quantities, costs and fees are decimal.Decimal;
// binary floats are never used for money.
package types

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a market order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Wallet identifies which exchange account a trade settles in.
// Margin is cross-margin with borrow/repay semantics.
type Wallet string

const (
	WalletSpot   Wallet = "spot"
	WalletMargin Wallet = "margin"
)

// PositionType is the direction of a position.
type PositionType string

const (
	PositionLong  PositionType = "long"
	PositionShort PositionType = "short"
)

// EntryType says whether a signal opens or closes a position.
type EntryType string

const (
	EntryEnter EntryType = "enter"
	EntryExit  EntryType = "exit"
)

// TradingType selects real exchange execution or the internal virtual ledger.
type TradingType string

const (
	TradingReal    TradingType = "real"
	TradingVirtual TradingType = "virtual"
)

// SignalSource records who asked for an action. Auto signals come from the
// hub, manual ones from the operator surface, rebalance ones from the engine
// itself when it partially closes a long to free quote balance.
type SignalSource string

const (
	SourceAuto      SignalSource = "auto"
	SourceManual    SignalSource = "manual"
	SourceRebalance SignalSource = "rebalance"
)

// ————————————————————————————————————————————————————————————————————————
// Signals and strategies
// ————————————————————————————————————————————————————————————————————————

// Signal is a validated request to enter or exit a (strategy, symbol,
// position). Signals derived from hub "close" or "stop" calls carry
// Entry=exit and may have an empty Position, which must then be resolved
// from the matching open trade.
type Signal struct {
	StrategyID   string
	StrategyName string
	Symbol       string
	Entry        EntryType
	Position     PositionType
	Price        decimal.Decimal
	Score        decimal.Decimal
	Timestamp    time.Time
	Source       SignalSource
}

// Strategy is a named signal stream the executor follows. IsStopped and
// LossTradeRun are engine-owned: they survive hub strategy-list refreshes
// unless the hub toggles IsActive, which resets both.
type Strategy struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	TradeAmount decimal.Decimal `json:"tradeAmount"`
	Trading     TradingType     `json:"trading"`
	IsActive    bool            `json:"isActive"`
	IsStopped   bool            `json:"isStopped"`
	LossTradeRun int            `json:"lossTradeRun"`
}

// PublicStrategy counts activity for strategies we observe but do not follow.
type PublicStrategy struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ShortOpened int    `json:"shortOpened"`
	LongOpened  int    `json:"longOpened"`
	Closed      int    `json:"closed"`
}

// ————————————————————————————————————————————————————————————————————————
// Open trades
// ————————————————————————————————————————————————————————————————————————

// TradeOpen is the engine's record of a live position: sizing, funding,
// execution timestamps, and operator flags.
//
// Invariants:
//   - at most one open trade per (StrategyID, Symbol, Position);
//   - a short is always Wallet=margin with Borrow=Quantity (base asset);
//   - a long's Borrow, if non-zero, is quote asset borrowed at entry;
//   - Borrow > 0 implies a borrow step before the entry order and a repay
//     step after the exit order.
type TradeOpen struct {
	ID           string          `json:"id"`
	StrategyID   string          `json:"strategyId"`
	StrategyName string          `json:"strategyName"`
	Symbol       string          `json:"symbol"`
	Position     PositionType    `json:"position"`
	Trading      TradingType     `json:"trading"`
	Wallet       Wallet          `json:"wallet"`
	Quantity     decimal.Decimal `json:"quantity"`
	Cost         decimal.Decimal `json:"cost"`
	Borrow       decimal.Decimal `json:"borrow"`
	PriceBuy     decimal.Decimal `json:"priceBuy"`
	PriceSell    decimal.Decimal `json:"priceSell"`
	TimeBuy      time.Time       `json:"timeBuy"`
	TimeSell     time.Time       `json:"timeSell"`
	TimeUpdated  time.Time       `json:"timeUpdated"`
	IsStopped    bool            `json:"isStopped"`
	IsHodl       bool            `json:"isHodl"`
	IsExecuted   bool            `json:"isExecuted"`
}

// NewTradeID derives the short engine trade id: the first 12 hex chars of
// md5 over the trade identity plus the current nanosecond clock.
func NewTradeID(strategyID, symbol string, position PositionType) string {
	sum := md5.Sum(fmt.Appendf(nil, "%s|%s|%s|%d", strategyID, symbol, position, time.Now().UnixNano()))
	return hex.EncodeToString(sum[:])[:12]
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Market describes one tradable symbol as reported by the exchange,
// enriched with the cross-margin-allowed flag from the margin pairs endpoint.
type Market struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`

	Active bool `json:"active"`
	Spot   bool `json:"spot"`
	Margin bool `json:"margin"` // cross-margin allowed

	AmountPrecision int32           `json:"amountPrecision"`
	AmountStep      decimal.Decimal `json:"amountStep"` // lot step size, 0 = precision only
	MinAmount       decimal.Decimal `json:"minAmount"`
	MaxAmount       decimal.Decimal `json:"maxAmount"` // 0 = unbounded
	MinCost         decimal.Decimal `json:"minCost"`
	MaxMarketAmount decimal.Decimal `json:"maxMarketAmount"` // market-order cap, 0 = unbounded
}

// Supports reports whether the market can trade in the given wallet.
func (m Market) Supports(w Wallet) bool {
	if w == WalletMargin {
		return m.Margin
	}
	return m.Spot
}

// LegalQty snaps a raw quantity down to the market's step size and amount
// precision. Snapping is idempotent: LegalQty(LegalQty(x)) == LegalQty(x).
func (m Market) LegalQty(q decimal.Decimal) decimal.Decimal {
	if m.AmountStep.IsPositive() {
		q = q.Div(m.AmountStep).Floor().Mul(m.AmountStep)
	}
	return q.Truncate(m.AmountPrecision)
}

// MinCostWith returns the minimum order cost inflated by the configured
// buffer fraction, guarding against fills drifting under the exchange min.
func (m Market) MinCostWith(buffer decimal.Decimal) decimal.Decimal {
	return m.MinCost.Mul(decimal.NewFromInt(1).Add(buffer))
}

// Ticker is the top of book for one symbol.
type Ticker struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
}

// ————————————————————————————————————————————————————————————————————————
// Exchange results and balances
// ————————————————————————————————————————————————————————————————————————

// OrderStatusClosed is the only order status that counts as success for a
// market order; anything else is treated as "nothing done".
const OrderStatusClosed = "closed"

// OrderResult is the outcome of a market order. Price and Cost are the
// actual fill values; the engine copies them back onto the trade so recorded
// PnL reflects slippage, not the signal price.
type OrderResult struct {
	Status   string          `json:"status"`
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Cost     decimal.Decimal `json:"cost"`
	Time     time.Time       `json:"time"`
}

// AssetBalance is one asset's state inside a wallet. Borrowed and Interest
// are only populated for margin wallets.
type AssetBalance struct {
	Free     decimal.Decimal `json:"free"`
	Locked   decimal.Decimal `json:"locked"`
	Borrowed decimal.Decimal `json:"borrowed"`
	Interest decimal.Decimal `json:"interest"`
}

// Balance is a full wallet snapshot keyed by asset.
type Balance map[string]AssetBalance

// Free returns the free balance for an asset, zero if absent.
func (b Balance) Free(asset string) decimal.Decimal {
	return b[asset].Free
}

// ————————————————————————————————————————————————————————————————————————
// Accounting records
// ————————————————————————————————————————————————————————————————————————

// Transaction is one row of the append-only execution log.
type Transaction struct {
	ID       string          `json:"id"` // ULID, sortable by time
	Time     time.Time       `json:"time"`
	Action   string          `json:"action"` // buy, sell, borrow, repay
	Symbol   string          `json:"symbol"`
	Wallet   Wallet          `json:"wallet"`
	Trading  TradingType     `json:"trading"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Cost     decimal.Decimal `json:"cost"`
	TradeID  string          `json:"tradeId"`
}

// BalanceDay is one UTC day of the per-(mode, quote) balance history.
// EstimatedFees is signed (negative = paid).
type BalanceDay struct {
	Date               time.Time       `json:"date"`
	OpenBalance        decimal.Decimal `json:"openBalance"`
	CloseBalance       decimal.Decimal `json:"closeBalance"`
	EstimatedFees      decimal.Decimal `json:"estimatedFees"`
	ProfitLoss         decimal.Decimal `json:"profitLoss"`
	MinOpenTrades      int             `json:"minOpenTrades"`
	MaxOpenTrades      int             `json:"maxOpenTrades"`
	TotalOpenedTrades  int             `json:"totalOpenedTrades"`
	TotalClosedTrades  int             `json:"totalClosedTrades"`
}
