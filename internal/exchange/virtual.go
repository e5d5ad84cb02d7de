package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"hubtrader/pkg/types"
)

// TickerFunc supplies a top-of-book quote for synthetic fills.
type TickerFunc func(ctx context.Context, symbol string) (types.Ticker, error)

// Ledger replaces the exchange's mutating calls for virtual trades. It
// operates directly on the engine's virtualBalances map — wallet → asset →
// amount — so persistence and reporting see every update.
//
// Each (wallet, quote) pair is seeded exactly once, on first use: the
// reference quote gets the configured funds; any other quote is scaled by
// the ratio of its market's min-cost to the reference market's min-cost, so
// a virtual wallet buys a comparable number of minimum-size trades in every
// quote currency.
type Ledger struct {
	balances  map[types.Wallet]map[string]decimal.Decimal
	funds     decimal.Decimal
	refSymbol string
	ticker    TickerFunc
}

// NewLedger wraps the shared virtual balance map.
func NewLedger(balances map[types.Wallet]map[string]decimal.Decimal, funds decimal.Decimal, refSymbol string, ticker TickerFunc) *Ledger {
	return &Ledger{balances: balances, funds: funds, refSymbol: refSymbol, ticker: ticker}
}

// EnsureSeed funds the (wallet, quote) slot if it has never been used.
func (l *Ledger) EnsureSeed(wallet types.Wallet, quote string, markets map[string]types.Market) {
	assets := l.balances[wallet]
	if assets == nil {
		assets = make(map[string]decimal.Decimal)
		l.balances[wallet] = assets
	}
	if _, ok := assets[quote]; ok {
		return
	}
	assets[quote] = l.SeedFor(quote, markets)
}

// SeedFor computes the opening balance for a quote asset.
func (l *Ledger) SeedFor(quote string, markets map[string]types.Market) decimal.Decimal {
	ref, ok := markets[l.refSymbol]
	if !ok || ref.Quote == quote {
		return l.funds
	}
	if !ref.MinCost.IsPositive() {
		return l.funds
	}
	// Find the reference base traded against this quote to compare min-costs.
	for _, m := range markets {
		if m.Base == ref.Base && m.Quote == quote && m.MinCost.IsPositive() {
			return l.funds.Mul(m.MinCost).Div(ref.MinCost)
		}
	}
	return l.funds
}

// Balance renders one virtual wallet as an exchange-style balance.
func (l *Ledger) Balance(wallet types.Wallet) types.Balance {
	bal := make(types.Balance)
	for asset, amount := range l.balances[wallet] {
		bal[asset] = types.AssetBalance{Free: amount}
	}
	return bal
}

// MarketOrder fabricates an "order closed" fill at the current top of book —
// ask for buys, bid for sells — falling back to the caller's own price when
// no ticker is available, and moves the ledger accordingly.
func (l *Ledger) MarketOrder(ctx context.Context, m types.Market, side types.Side, qty, fallbackPrice decimal.Decimal, wallet types.Wallet) (types.OrderResult, error) {
	price := fallbackPrice
	if l.ticker != nil {
		if tick, err := l.ticker(ctx, m.Symbol); err == nil {
			if side == types.BUY && tick.Ask.IsPositive() {
				price = tick.Ask
			} else if side == types.SELL && tick.Bid.IsPositive() {
				price = tick.Bid
			}
		}
	}
	if !price.IsPositive() {
		return types.OrderResult{}, fmt.Errorf("virtual %s %s: no price available", side, m.Symbol)
	}

	cost := qty.Mul(price)
	assets := l.balances[wallet]
	if assets == nil {
		assets = make(map[string]decimal.Decimal)
		l.balances[wallet] = assets
	}

	if side == types.BUY {
		assets[m.Quote] = assets[m.Quote].Sub(cost)
		assets[m.Base] = assets[m.Base].Add(qty)
	} else {
		assets[m.Base] = assets[m.Base].Sub(qty)
		assets[m.Quote] = assets[m.Quote].Add(cost)
	}

	return types.OrderResult{
		Status:   types.OrderStatusClosed,
		Symbol:   m.Symbol,
		Side:     side,
		Quantity: qty,
		Price:    price,
		Cost:     cost,
		Time:     time.Now(),
	}, nil
}

// Borrow credits a virtual margin loan.
func (l *Ledger) Borrow(asset string, amount decimal.Decimal) string {
	assets := l.balances[types.WalletMargin]
	if assets == nil {
		assets = make(map[string]decimal.Decimal)
		l.balances[types.WalletMargin] = assets
	}
	assets[asset] = assets[asset].Add(amount)
	return "virtual-borrow"
}

// Repay settles a virtual margin loan.
func (l *Ledger) Repay(asset string, amount decimal.Decimal) string {
	assets := l.balances[types.WalletMargin]
	if assets == nil {
		assets = make(map[string]decimal.Decimal)
		l.balances[types.WalletMargin] = assets
	}
	assets[asset] = assets[asset].Sub(amount)
	return "virtual-repay"
}

// Reset wipes all virtual balances; the next trade reseeds each slot. A
// positive amount overrides the configured seed from then on.
func (l *Ledger) Reset(amount decimal.Decimal) {
	for wallet := range l.balances {
		delete(l.balances, wallet)
	}
	if amount.IsPositive() {
		l.funds = amount
	}
}
