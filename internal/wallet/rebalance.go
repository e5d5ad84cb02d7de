package wallet

import (
	"fmt"

	"github.com/shopspring/decimal"

	"hubtrader/pkg/types"
)

// RebalanceSlice is the sell sub-trade that takes a parent long down to a
// target remaining cost. Quantity and Cost are the slice to sell; what stays
// on the parent is parent.Quantity − Quantity and parent.Cost − Cost.
type RebalanceSlice struct {
	Quantity decimal.Decimal
	Cost     decimal.Decimal
}

var two = decimal.NewFromInt(2)

// SliceForTarget computes the legal sell slice that reduces parent to
// targetCost at the given sell price. It fails when:
//   - the legal snap inflates the slice to more than twice the requested
//     cost reduction (the step size is too coarse for the target);
//   - the slice would consume the whole parent (that is a close, not a
//     rebalance);
//   - the remainder would no longer be a legal order.
func SliceForTarget(parent *types.TradeOpen, m types.Market, sellPrice, targetCost, minCostBuffer decimal.Decimal) (*RebalanceSlice, error) {
	if !sellPrice.IsPositive() {
		return nil, fmt.Errorf("rebalance %s: sell price not positive", parent.ID)
	}
	diffCost := parent.Cost.Sub(targetCost)
	if !diffCost.IsPositive() {
		return nil, fmt.Errorf("rebalance %s: target cost %s not below current %s", parent.ID, targetCost, parent.Cost)
	}

	diffQty := QtyForCost(m, diffCost, sellPrice, minCostBuffer)
	sliceCost := diffQty.Mul(sellPrice)

	if sliceCost.Div(diffCost).GreaterThan(two) {
		return nil, fmt.Errorf("rebalance %s: legal slice %s more than doubles requested %s", parent.ID, sliceCost, diffCost)
	}
	if diffQty.GreaterThanOrEqual(parent.Quantity) {
		return nil, fmt.Errorf("rebalance %s: slice would close the trade", parent.ID)
	}
	remainQty := parent.Quantity.Sub(diffQty)
	if !MeetsMinimums(m, remainQty, sellPrice, minCostBuffer) {
		return nil, fmt.Errorf("rebalance %s: remainder %s below legal minimum", parent.ID, remainQty)
	}

	return &RebalanceSlice{Quantity: diffQty, Cost: sliceCost}, nil
}

// Splittable reports whether a long trade is big enough to be partially
// closed: at least two minimum orders on both the amount and cost axes.
func Splittable(t *types.TradeOpen, m types.Market) bool {
	if t.Quantity.LessThan(m.MinAmount.Mul(two)) {
		return false
	}
	return t.Cost.GreaterThanOrEqual(m.MinCost.Mul(two))
}
