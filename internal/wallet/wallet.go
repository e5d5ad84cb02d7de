// Package wallet computes sizing inputs for the signal engine.
//
// A Snapshot is a transient view of one (wallet, quote) pair built from a
// live (or virtual) balance plus the open-trade ledger:
//
//	free    — balance actually spendable on a new trade
//	locked  — Σ cost of executed, non-closing long trades (rebalance pool)
//	total   — free + locked, both reduced by the configured wallet buffer
//
// The open-trade ledger adjusts the reported balance in four ways: executed
// shorts inflate the quote balance until closed (subtract their cost), long
// trades whose base is the quote may be sold soon (subtract their quantity),
// pending long entries have reserved their cost (subtract it), and closing
// longs are about to release their cost (add it back).
package wallet

import (
	"github.com/shopspring/decimal"

	"hubtrader/pkg/types"
)

// Snapshot is the sizing view of one wallet for a target quote asset.
// Potential is a scratch field used by funding policies: the cost this wallet
// could cover after any planned rebalancing.
type Snapshot struct {
	Type      types.Wallet
	Free      decimal.Decimal
	Locked    decimal.Decimal
	Total     decimal.Decimal
	Potential decimal.Decimal
	Trades    []*types.TradeOpen // rebalance candidates, executed non-closing longs
}

// BuildInput carries everything needed to derive a Snapshot.
type BuildInput struct {
	Wallet     types.Wallet
	Quote      string
	Balance    types.Balance
	TradesOpen []*types.TradeOpen
	IsClosing  func(tradeID string) bool
	Markets    map[string]types.Market
	Buffer     decimal.Decimal // fraction of total withheld from new trades
}

// Build derives the Snapshot for one candidate wallet.
func Build(in BuildInput) *Snapshot {
	free := in.Balance.Free(in.Quote)
	locked := decimal.Zero
	var candidates []*types.TradeOpen

	for _, t := range in.TradesOpen {
		m, ok := in.Markets[t.Symbol]
		if !ok {
			continue
		}
		closing := in.IsClosing != nil && in.IsClosing(t.ID)

		if t.Position == types.PositionShort {
			// Short proceeds sit in the margin quote balance but are owed back.
			if t.IsExecuted && t.Wallet == in.Wallet && m.Quote == in.Quote {
				free = free.Sub(t.Cost)
			}
			continue
		}

		// Long trades from here on.
		if t.IsExecuted && m.Base == in.Quote {
			// Coins held by a long whose base is our quote may be sold any time.
			free = free.Sub(t.Quantity)
		}
		if t.Wallet != in.Wallet || m.Quote != in.Quote {
			continue
		}
		if !t.IsExecuted {
			// Pending entry: its cost is already reserved against this wallet.
			free = free.Sub(t.Cost)
			continue
		}
		if closing {
			// Scheduled exit: treat the cost as released for sizing purposes.
			free = free.Add(t.Cost)
			continue
		}
		locked = locked.Add(t.Cost)
		candidates = append(candidates, t)
	}

	total := free.Add(locked)
	reserve := total.Mul(in.Buffer)
	return &Snapshot{
		Type:   in.Wallet,
		Free:   free.Sub(reserve),
		Locked: locked,
		Total:  total.Sub(reserve),
		Trades: candidates,
	}
}

// QtyForCost converts a target cost at the given price into a legal quantity.
// The quantity is snapped down to the market's step, then raised step by step
// until it satisfies both the min-amount floor and min-cost × (1 + buffer).
// Returns zero when price is not positive.
func QtyForCost(m types.Market, cost, price, minCostBuffer decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	qty := m.LegalQty(cost.Div(price))
	step := qtyStep(m)

	if qty.LessThan(m.MinAmount) {
		qty = ceilToStep(m.MinAmount, step)
	}
	minCost := m.MinCostWith(minCostBuffer)
	if qty.Mul(price).LessThan(minCost) {
		qty = ceilToStep(minCost.Div(price), step)
	}
	return qty
}

// MeetsMinimums reports whether (qty, qty×price) is an order the exchange
// would accept, including the min-cost buffer.
func MeetsMinimums(m types.Market, qty, price, minCostBuffer decimal.Decimal) bool {
	if qty.LessThan(m.MinAmount) {
		return false
	}
	if m.MaxAmount.IsPositive() && qty.GreaterThan(m.MaxAmount) {
		return false
	}
	return qty.Mul(price).GreaterThanOrEqual(m.MinCostWith(minCostBuffer))
}

func qtyStep(m types.Market) decimal.Decimal {
	if m.AmountStep.IsPositive() {
		return m.AmountStep
	}
	return decimal.New(1, -m.AmountPrecision)
}

func ceilToStep(q, step decimal.Decimal) decimal.Decimal {
	return q.Div(step).Ceil().Mul(step)
}
