// Package funding decides how a long entry is paid for.
//
// A funding model is a pure function over the candidate wallet snapshots and
// their rebalanceable trades. It returns the chosen wallet, the (possibly
// shrunk) entry cost, a quote borrow amount, and the set of existing longs to
// partially close so the new trade fits. Shorts never come through here —
// they always borrow their full base quantity on margin.
//
// Models:
//
//	none             — spend free balance only; shrink the cost to fit
//	borrow-min       — margin; borrow the shortfall between cost and free
//	borrow-all       — margin; borrow the full cost
//	sell-all         — level every big long down to a common average
//	sell-largest     — split the difference with the single largest long
//	sell-largest-pnl — like sell-largest, picking the best-PnL big long
package funding

import (
	"fmt"

	"github.com/shopspring/decimal"

	"hubtrader/internal/config"
	"hubtrader/internal/wallet"
	"hubtrader/pkg/types"
)

// Target asks for one existing long to be rebalanced down to Cost.
type Target struct {
	Trade *types.TradeOpen
	Cost  decimal.Decimal
}

// Plan is the funding decision for one long entry.
type Plan struct {
	Wallet    *wallet.Snapshot
	Cost      decimal.Decimal
	Borrow    decimal.Decimal // quote asset to borrow before the entry order
	Rebalance []Target
}

// Input carries the sizing context for one entry. Wallets are ordered with
// the preferred wallet first; each snapshot's Trades must already be filtered
// to legal rebalance candidates (not stopped, not HODL unless allowed, big
// enough to split, profitable when no-loss mode is on).
type Input struct {
	Cost    decimal.Decimal
	MinCost decimal.Decimal // legal floor for the new trade, buffer included
	Wallets []*wallet.Snapshot
	PnL     func(t *types.TradeOpen) decimal.Decimal // current PnL%, sell-largest-pnl only
}

// Compute runs the named funding model. The returned plan always satisfies
// plan.Cost >= in.MinCost and free + rebalanced + borrow >= plan.Cost.
func Compute(model string, in Input) (*Plan, error) {
	if len(in.Wallets) == 0 {
		return nil, fmt.Errorf("funding %s: no candidate wallet", model)
	}

	switch model {
	case config.FundsNone:
		return planNone(in)
	case config.FundsBorrowMin, config.FundsBorrowAll:
		return planBorrow(model, in)
	case config.FundsSellAll, config.FundsSellLargest, config.FundsSellLargestPnL:
		return planSell(model, in)
	default:
		return nil, fmt.Errorf("unknown funding model %q", model)
	}
}

// planNone spends free balance only. The wallet with the most free balance
// wins; the cost shrinks to what it can cover.
func planNone(in Input) (*Plan, error) {
	for _, w := range in.Wallets {
		w.Potential = w.Free
	}
	return finishPlan(config.FundsNone, in, nil)
}

// planBorrow funds on margin. borrow-min covers only the shortfall between
// cost and free, borrow-all leaves free untouched and borrows everything.
func planBorrow(model string, in Input) (*Plan, error) {
	w := marginWallet(in.Wallets)
	if w == nil {
		return nil, fmt.Errorf("funding %s: margin wallet not available", model)
	}
	if in.Cost.LessThan(in.MinCost) {
		return nil, fmt.Errorf("funding %s: cost %s below minimum %s", model, in.Cost, in.MinCost)
	}

	borrow := in.Cost
	if model == config.FundsBorrowMin {
		borrow = in.Cost.Sub(w.Free)
		if borrow.IsNegative() {
			borrow = decimal.Zero
		}
	}
	w.Potential = in.Cost
	return &Plan{Wallet: w, Cost: in.Cost, Borrow: borrow}, nil
}

// planSell frees quote balance by partially closing existing longs.
func planSell(model string, in Input) (*Plan, error) {
	targets := make(map[types.Wallet][]Target)

	for _, w := range in.Wallets {
		largest := largestTrade(w.Trades)
		if largest == nil || w.Free.GreaterThanOrEqual(largest.Cost) {
			// Nothing worth splitting, or free already dominates every trade.
			w.Potential = w.Free
			continue
		}

		switch model {
		case config.FundsSellAll:
			kept, avg := levelDown(w.Free, w.Trades)
			w.Potential = avg
			for _, t := range kept {
				targets[w.Type] = append(targets[w.Type], Target{Trade: t, Cost: avg})
			}
		case config.FundsSellLargest, config.FundsSellLargestPnL:
			pick := largest
			if model == config.FundsSellLargestPnL && in.PnL != nil {
				if best := bestPnLAboveAverage(w.Trades, in.PnL); best != nil {
					pick = best
				}
			}
			potential := w.Free.Add(pick.Cost).Div(two)
			w.Potential = potential
			targets[w.Type] = append(targets[w.Type], Target{Trade: pick, Cost: potential})
		}
	}

	return finishPlan(model, in, targets)
}

// finishPlan picks the winning wallet — the preferred one when its potential
// covers the cost, otherwise the one with the largest potential — shrinks the
// cost to that potential, and rejects sub-minimum results.
func finishPlan(model string, in Input, targets map[types.Wallet][]Target) (*Plan, error) {
	chosen := in.Wallets[0]
	if chosen.Potential.LessThan(in.Cost) {
		for _, w := range in.Wallets[1:] {
			if w.Potential.GreaterThan(chosen.Potential) {
				chosen = w
			}
		}
	}

	cost := in.Cost
	if chosen.Potential.LessThan(cost) {
		cost = chosen.Potential
	}
	if cost.LessThan(in.MinCost) {
		return nil, fmt.Errorf("funding %s: achievable cost %s below minimum %s", model, cost, in.MinCost)
	}

	plan := &Plan{Wallet: chosen, Cost: cost}
	if targets != nil {
		// Only rebalance when the chosen wallet's free cannot already cover.
		if chosen.Free.LessThan(cost) {
			plan.Rebalance = targets[chosen.Type]
		}
	}
	return plan, nil
}

var two = decimal.NewFromInt(2)

func marginWallet(ws []*wallet.Snapshot) *wallet.Snapshot {
	for _, w := range ws {
		if w.Type == types.WalletMargin {
			return w
		}
	}
	return nil
}

func largestTrade(trades []*types.TradeOpen) *types.TradeOpen {
	var largest *types.TradeOpen
	for _, t := range trades {
		if largest == nil || t.Cost.GreaterThan(largest.Cost) {
			largest = t
		}
	}
	return largest
}

// levelDown finds the common level that free balance and the kept trades
// settle to. Trades already below the running average are dropped from the
// rebalance set; the average is recomputed until it dominates every kept
// trade. Average includes free as one extra slot, so the new trade gets an
// equal share.
func levelDown(free decimal.Decimal, trades []*types.TradeOpen) ([]*types.TradeOpen, decimal.Decimal) {
	kept := append([]*types.TradeOpen(nil), trades...)
	for {
		sum := free
		for _, t := range kept {
			sum = sum.Add(t.Cost)
		}
		avg := sum.Div(decimal.NewFromInt(int64(len(kept) + 1)))

		remaining := kept[:0]
		for _, t := range kept {
			if t.Cost.GreaterThan(avg) {
				remaining = append(remaining, t)
			}
		}
		if len(remaining) == len(kept) || len(remaining) == 0 {
			return remaining, avg
		}
		kept = remaining
	}
}

// bestPnLAboveAverage picks the candidate with the best current PnL among
// trades whose cost is at or above the plain average. Nil when no trade
// qualifies.
func bestPnLAboveAverage(trades []*types.TradeOpen, pnl func(*types.TradeOpen) decimal.Decimal) *types.TradeOpen {
	if len(trades) == 0 {
		return nil
	}
	sum := decimal.Zero
	for _, t := range trades {
		sum = sum.Add(t.Cost)
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(trades))))

	var best *types.TradeOpen
	for _, t := range trades {
		if t.Cost.LessThan(avg) {
			continue
		}
		if best == nil || pnl(t).GreaterThan(pnl(best)) {
			best = t
		}
	}
	return best
}
