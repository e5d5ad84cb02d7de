package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"hubtrader/internal/store"
	"hubtrader/pkg/types"
)

// execRequest is one unit of queued exchange work: the trade, which way the
// lifecycle is moving, who asked, and where the hub ack goes. Rebalance
// children carry their parent so slippage and failure propagate back.
type execRequest struct {
	trade   *types.TradeOpen
	entry   types.EntryType
	source  types.SignalSource
	parent  *types.TradeOpen
	channel string
}

// executeTrade is the queue task body: optional borrow, the market order,
// optional repay, with explicit compensation on partial failure. It runs on
// the single queue worker and holds the engine mutex throughout, so no other
// state access interleaves with the sequence.
func (e *Engine) executeTrade(ctx context.Context, req execRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := req.trade
	if req.source != types.SourceRebalance && e.meta.TradeByID(t.ID) == nil {
		// Deleted by the operator between enqueue and dispatch.
		e.logger.Info("trade gone before execution", "trade", t.ID)
		return nil
	}

	side := mainSide(t.Position, req.entry)

	// Step one: the borrow that funds an entry.
	borrowed := decimal.Zero
	var borrowAsset string
	if req.entry == types.EntryEnter && t.Borrow.IsPositive() {
		borrowAsset = e.borrowAsset(t)
		if err := e.doBorrow(ctx, t, borrowAsset, t.Borrow); err != nil {
			e.meta.RemoveTrade(t.ID)
			e.markDirty(store.KeyTradesOpen)
			return fmt.Errorf("borrow for %s: %w", t.ID, err)
		}
		borrowed = t.Borrow
	}

	// Step two: the market order itself.
	result, err := e.doOrder(ctx, t, side)
	if err != nil || result.Status != types.OrderStatusClosed {
		if err == nil {
			err = fmt.Errorf("order %s %s: status %q, nothing done", side, t.Symbol, result.Status)
		}
		e.undoNothingDone(ctx, req, borrowAsset, borrowed)
		return err
	}
	e.appendTransaction(ctx, strings.ToLower(string(side)), t, result.Quantity, result.Price, result.Cost)

	// The fill is truth: recorded prices and cost reflect slippage, not the
	// signal price.
	if side == types.BUY {
		t.PriceBuy = result.Price
	} else {
		t.PriceSell = result.Price
	}
	t.Cost = result.Cost
	if req.entry == types.EntryEnter {
		t.IsExecuted = true
	}
	if req.parent != nil {
		req.parent.PriceSell = result.Price
		req.parent.Cost = req.parent.Quantity.Mul(req.parent.PriceBuy)
		e.touch(req.parent)
	}
	e.touch(t)

	// Step three: the repay that settles an exit's loan.
	if req.entry == types.EntryExit && t.Borrow.IsPositive() {
		if err := e.doRepay(ctx, t, e.borrowAsset(t), t.Borrow); err != nil {
			t.IsStopped = true
			delete(e.meta.closing, t.ID)
			e.touch(t)
			e.notifier.Error("trade has been stopped",
				fmt.Sprintf("%s %s: repay of %s %s failed after the order filled; manual reconciliation required",
					t.StrategyName, t.Symbol, t.Borrow, e.borrowAsset(t)))
			return fmt.Errorf("repay for %s: %w", t.ID, err)
		}
	}

	if req.entry == types.EntryExit {
		e.finishExit(ctx, req, result)
	} else {
		e.finishEntry(ctx, req)
	}

	if t.Trading == types.TradingReal {
		e.checkFeeToken(ctx)
	}
	return nil
}

func mainSide(p types.PositionType, entry types.EntryType) types.Side {
	if (p == types.PositionLong) == (entry == types.EntryEnter) {
		return types.BUY
	}
	return types.SELL
}

// borrowAsset names what a trade's loan is denominated in: the base coin for
// shorts, the quote for funded longs.
func (e *Engine) borrowAsset(t *types.TradeOpen) string {
	m := e.meta.Markets[t.Symbol]
	if t.Position == types.PositionShort {
		return m.Base
	}
	return m.Quote
}

func (e *Engine) doBorrow(ctx context.Context, t *types.TradeOpen, asset string, amount decimal.Decimal) error {
	if t.Trading == types.TradingVirtual {
		e.vledger.Borrow(asset, amount)
		e.markDirty(store.KeyVirtualBalances)
	} else {
		if _, err := e.ex.MarginBorrow(ctx, asset, amount); err != nil {
			return err
		}
	}
	e.appendTransaction(ctx, "borrow", t, amount, decimal.Zero, decimal.Zero)
	return nil
}

func (e *Engine) doRepay(ctx context.Context, t *types.TradeOpen, asset string, amount decimal.Decimal) error {
	if t.Trading == types.TradingVirtual {
		e.vledger.Repay(asset, amount)
		e.markDirty(store.KeyVirtualBalances)
	} else {
		if _, err := e.ex.MarginRepay(ctx, asset, amount); err != nil {
			return err
		}
		e.payInterest(ctx, t, asset)
	}
	e.appendTransaction(ctx, "repay", t, amount, decimal.Zero, decimal.Zero)
	return nil
}

// payInterest settles accrued margin interest on the repaid asset when the
// config asks for it. Best effort: interest left unpaid only accrues.
func (e *Engine) payInterest(ctx context.Context, t *types.TradeOpen, asset string) {
	if !e.cfg.Trading.IsPayInterestEnabled {
		return
	}
	bal, err := e.ex.FetchBalance(ctx, types.WalletMargin)
	if err != nil {
		e.logger.Warn("interest check failed", "asset", asset, "error", err)
		return
	}
	interest := bal[asset].Interest
	if !interest.IsPositive() {
		return
	}
	if _, err := e.ex.MarginRepay(ctx, asset, interest); err != nil {
		e.logger.Warn("interest repay failed", "asset", asset, "amount", interest, "error", err)
		return
	}
	e.appendTransaction(ctx, "repay", t, interest, decimal.Zero, decimal.Zero)
	e.logger.Info("margin interest paid", "asset", asset, "amount", interest)
}

func (e *Engine) doOrder(ctx context.Context, t *types.TradeOpen, side types.Side) (types.OrderResult, error) {
	if t.Trading == types.TradingVirtual {
		m := e.meta.Markets[t.Symbol]
		fallback := t.PriceBuy
		if side == types.SELL {
			fallback = t.PriceSell
		}
		result, err := e.vledger.MarketOrder(ctx, m, side, t.Quantity, fallback, t.Wallet)
		if err == nil {
			e.markDirty(store.KeyVirtualBalances)
		}
		return result, err
	}
	return e.ex.CreateMarketOrder(ctx, t.Symbol, side, t.Quantity, t.Wallet)
}

// undoNothingDone compensates a main order that left the book untouched: the
// fresh loan is returned, a new entry vanishes without a hub ack, a rebalance
// child hands its slice back to the parent, and an ordinary exit leaves the
// closing set so a later signal can retry.
func (e *Engine) undoNothingDone(ctx context.Context, req execRequest, borrowAsset string, borrowed decimal.Decimal) {
	t := req.trade

	if borrowed.IsPositive() {
		if t.Trading == types.TradingVirtual {
			e.vledger.Repay(borrowAsset, borrowed)
			e.markDirty(store.KeyVirtualBalances)
		} else if _, err := e.ex.MarginRepay(ctx, borrowAsset, borrowed); err != nil {
			e.logger.Error("compensating repay failed", "trade", t.ID, "asset", borrowAsset, "error", err)
		}
	}

	switch {
	case req.entry == types.EntryEnter:
		e.meta.RemoveTrade(t.ID)
		e.markDirty(store.KeyTradesOpen)
		e.logger.Warn("entry removed, order did nothing", "trade", t.ID, "symbol", t.Symbol)
	case req.source == types.SourceRebalance && req.parent != nil:
		req.parent.Quantity = req.parent.Quantity.Add(t.Quantity)
		req.parent.Cost = req.parent.Cost.Add(t.Cost)
		e.touch(req.parent)
		e.logger.Warn("rebalance child failed, slice restored", "parent", req.parent.ID)
	default:
		delete(e.meta.closing, t.ID)
		e.touch(t)
		e.logger.Warn("exit order did nothing, trade stays open", "trade", t.ID)
	}
}
