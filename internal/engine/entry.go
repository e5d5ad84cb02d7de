package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"hubtrader/internal/config"
	"hubtrader/internal/funding"
	"hubtrader/internal/hub"
	"hubtrader/internal/queue"
	"hubtrader/internal/store"
	"hubtrader/internal/wallet"
	"hubtrader/pkg/types"
)

// touch stamps a trade mutation and schedules the snapshot flush.
func (e *Engine) touch(t *types.TradeOpen) {
	t.TimeUpdated = time.Now()
	e.markDirty(store.KeyTradesOpen)
}

// walletCandidates orders the wallets a long entry may settle in: the
// configured primary first, then the other, filtered by market support and
// the margin-enabled flag.
func (e *Engine) walletCandidates(m types.Market) []types.Wallet {
	order := []types.Wallet{types.WalletMargin, types.WalletSpot}
	if e.cfg.Trading.PrimaryWallet == string(types.WalletSpot) {
		order = []types.Wallet{types.WalletSpot, types.WalletMargin}
	}

	var out []types.Wallet
	for _, w := range order {
		if w == types.WalletMargin && !e.cfg.Trading.IsTradeMarginEnabled {
			continue
		}
		if m.Supports(w) {
			out = append(out, w)
		}
	}
	return out
}

// balanceFor fetches a wallet balance for the trading mode. Virtual wallets
// are seeded on first touch of the quote asset.
func (e *Engine) balanceFor(ctx context.Context, mode types.TradingType, w types.Wallet, quote string) (types.Balance, error) {
	if mode == types.TradingVirtual {
		e.vledger.EnsureSeed(w, quote, e.meta.Markets)
		e.markDirty(store.KeyVirtualBalances)
		return e.vledger.Balance(w), nil
	}
	return e.ex.FetchBalance(ctx, w)
}

// snapshotWallet builds the sizing view of one candidate wallet.
func (e *Engine) snapshotWallet(ctx context.Context, mode types.TradingType, w types.Wallet, quote string) (*wallet.Snapshot, error) {
	bal, err := e.balanceFor(ctx, mode, w, quote)
	if err != nil {
		return nil, err
	}
	return wallet.Build(wallet.BuildInput{
		Wallet:     w,
		Quote:      quote,
		Balance:    bal,
		TradesOpen: e.tradesInMode(mode),
		IsClosing:  e.meta.IsClosing,
		Markets:    e.meta.Markets,
		Buffer:     e.cfg.WalletBuffer(),
	}), nil
}

func (e *Engine) tradesInMode(mode types.TradingType) []*types.TradeOpen {
	var out []*types.TradeOpen
	for _, t := range e.meta.TradesOpen {
		if t.Trading == mode {
			out = append(out, t)
		}
	}
	return out
}

// initialCost derives the requested entry cost from the strategy's trade
// amount, optionally as a fraction of the primary wallet's total.
func (e *Engine) initialCost(s *types.Strategy, primary *wallet.Snapshot) decimal.Decimal {
	if e.cfg.Trading.IsBuyQtyFraction && primary != nil {
		return primary.Total.Mul(s.TradeAmount)
	}
	return s.TradeAmount
}

// createTradeOpen runs the entry pipeline for a validated enter signal:
// wallet candidates, snapshots, funding plan, rebalance scheduling, then the
// trade itself. The trade joins the open list before its execute task runs so
// overlapping signals see the reservation. Caller holds the engine mutex.
func (e *Engine) createTradeOpen(ctx context.Context, sig types.Signal) *Rejection {
	s := e.meta.Strategies[sig.StrategyID]
	m := e.meta.Markets[sig.Symbol]
	e.feeTokenSymbolWarning(sig.Symbol)

	if sig.Position == types.PositionShort {
		return e.createShort(ctx, sig, s, m)
	}
	return e.createLong(ctx, sig, s, m)
}

// createShort opens a short: always margin, always borrowing the full base
// quantity. The entry order is a sell of the borrowed coins.
func (e *Engine) createShort(ctx context.Context, sig types.Signal, s *types.Strategy, m types.Market) *Rejection {
	snap, err := e.snapshotWallet(ctx, s.Trading, types.WalletMargin, m.Quote)
	if err != nil {
		return rejectError(RejectCostInvalid, err.Error())
	}

	cost := e.initialCost(s, snap)
	buf := e.cfg.MinCostBuffer()
	qty := wallet.QtyForCost(m, cost, sig.Price, buf)
	if !wallet.MeetsMinimums(m, qty, sig.Price, buf) {
		return rejectWarn(RejectCostInvalid, fmt.Sprintf("short %s qty %s at %s", sig.Symbol, qty, sig.Price))
	}

	t := &types.TradeOpen{
		ID:           types.NewTradeID(sig.StrategyID, sig.Symbol, sig.Position),
		StrategyID:   sig.StrategyID,
		StrategyName: sig.StrategyName,
		Symbol:       sig.Symbol,
		Position:     types.PositionShort,
		Trading:      s.Trading,
		Wallet:       types.WalletMargin,
		Quantity:     qty,
		Cost:         qty.Mul(sig.Price),
		Borrow:       qty,
		PriceSell:    sig.Price,
		TimeSell:     sig.Timestamp,
		TimeUpdated:  time.Now(),
	}
	e.meta.TradesOpen = append(e.meta.TradesOpen, t)
	e.markDirty(store.KeyTradesOpen)

	e.enqueueExecution(execRequest{
		trade:   t,
		entry:   types.EntryEnter,
		source:  sig.Source,
		channel: hub.ChannelTradedSell,
	})
	return nil
}

// createLong opens a long: funding plan, rebalance children first, then the
// buy itself.
func (e *Engine) createLong(ctx context.Context, sig types.Signal, s *types.Strategy, m types.Market) *Rejection {
	candidates := e.walletCandidates(m)

	snaps := make([]*wallet.Snapshot, 0, len(candidates))
	for _, w := range candidates {
		snap, err := e.snapshotWallet(ctx, s.Trading, w, m.Quote)
		if err != nil {
			return rejectError(RejectCostInvalid, err.Error())
		}
		snap.Trades = e.rebalanceCandidates(ctx, snap.Trades)
		snaps = append(snaps, snap)
	}

	cost := e.initialCost(s, snaps[0])
	buf := e.cfg.MinCostBuffer()
	minCost := m.MinCostWith(buf)
	if cost.LessThan(minCost) {
		// A trade amount below the exchange floor rides at the minimum; the
		// funding plan still rejects when no wallet can cover it.
		cost = minCost
	}

	plan, err := funding.Compute(e.cfg.Trading.LongFunds, funding.Input{
		Cost:    cost,
		MinCost: minCost,
		Wallets: snaps,
		PnL:     e.currentPnL,
	})
	if err != nil {
		return rejectWarn(RejectCostInvalid, err.Error())
	}

	qty := wallet.QtyForCost(m, plan.Cost, sig.Price, buf)
	if !wallet.MeetsMinimums(m, qty, sig.Price, buf) {
		return rejectWarn(RejectCostInvalid, fmt.Sprintf("long %s qty %s at %s", sig.Symbol, qty, sig.Price))
	}
	finalCost := qty.Mul(sig.Price)

	borrow := decimal.Zero
	switch e.cfg.Trading.LongFunds {
	case config.FundsBorrowAll:
		borrow = finalCost
	case config.FundsBorrowMin:
		borrow = finalCost.Sub(plan.Wallet.Free)
		if borrow.IsNegative() {
			borrow = decimal.Zero
		}
	}

	// Free the funds before consuming them: children enqueue ahead of the
	// entry task on the FIFO queue.
	for _, target := range plan.Rebalance {
		e.scheduleRebalance(ctx, target)
	}

	t := &types.TradeOpen{
		ID:           types.NewTradeID(sig.StrategyID, sig.Symbol, sig.Position),
		StrategyID:   sig.StrategyID,
		StrategyName: sig.StrategyName,
		Symbol:       sig.Symbol,
		Position:     types.PositionLong,
		Trading:      s.Trading,
		Wallet:       plan.Wallet.Type,
		Quantity:     qty,
		Cost:         finalCost,
		Borrow:       borrow,
		PriceBuy:     sig.Price,
		TimeBuy:      sig.Timestamp,
		TimeUpdated:  time.Now(),
	}
	e.meta.TradesOpen = append(e.meta.TradesOpen, t)
	e.markDirty(store.KeyTradesOpen)

	e.enqueueExecution(execRequest{
		trade:   t,
		entry:   types.EntryEnter,
		source:  sig.Source,
		channel: hub.ChannelTradedBuy,
	})
	return nil
}

// rebalanceCandidates filters a wallet snapshot's trade list down to the
// longs a funding policy may partially close: not stopped, not HODL (unless
// no-loss mode owns the loss question anyway), big enough to split twice,
// and — in no-loss mode — currently profitable.
func (e *Engine) rebalanceCandidates(ctx context.Context, trades []*types.TradeOpen) []*types.TradeOpen {
	noLoss := e.cfg.Trading.IsFundsNoLoss
	if noLoss {
		if prices, err := e.ex.LoadPrices(ctx); err == nil {
			e.meta.Prices = prices
		}
	}

	var out []*types.TradeOpen
	for _, t := range trades {
		if t.IsStopped {
			continue
		}
		if t.IsHodl && !noLoss {
			continue
		}
		m, ok := e.meta.Markets[t.Symbol]
		if !ok || !wallet.Splittable(t, m) {
			continue
		}
		if noLoss && e.currentPnL(t).IsNegative() {
			continue
		}
		out = append(out, t)
	}
	return out
}

// currentPnL estimates a long's fee-inclusive PnL% at the cached last price.
func (e *Engine) currentPnL(t *types.TradeOpen) decimal.Decimal {
	price, ok := e.meta.Prices[t.Symbol]
	if !ok || !price.IsPositive() {
		return decimal.Zero
	}
	return wallet.CalculatePnL(t.PriceBuy, price, e.cfg.TakerFee())
}

// sellPriceFor returns the best known sell price for a symbol: live bid,
// then cached last price, then the given fallback.
func (e *Engine) sellPriceFor(ctx context.Context, symbol string, fallback decimal.Decimal) decimal.Decimal {
	if tick, err := e.ex.FetchTicker(ctx, symbol); err == nil && tick.Bid.IsPositive() {
		return tick.Bid
	}
	if p, ok := e.meta.Prices[symbol]; ok && p.IsPositive() {
		return p
	}
	return fallback
}

// scheduleRebalance takes one funding target down to its new cost. Executed
// parents spawn a hub-silent child sell; pending parents shrink in place.
// A slice the market's step cannot express cleanly is skipped, leaving the
// parent intact.
func (e *Engine) scheduleRebalance(ctx context.Context, target funding.Target) {
	parent := target.Trade
	m, ok := e.meta.Markets[parent.Symbol]
	if !ok {
		return
	}

	if !parent.IsExecuted {
		parent.Cost = target.Cost
		if parent.PriceBuy.IsPositive() {
			parent.Quantity = m.LegalQty(target.Cost.Div(parent.PriceBuy))
		}
		e.touch(parent)
		e.logger.Info("pending trade shrunk for rebalance", "trade", parent.ID, "cost", parent.Cost)
		return
	}

	sellPrice := e.sellPriceFor(ctx, parent.Symbol, parent.PriceBuy)
	slice, err := wallet.SliceForTarget(parent, m, sellPrice, target.Cost, e.cfg.MinCostBuffer())
	if err != nil {
		e.logger.Warn("rebalance slice rejected", "trade", parent.ID, "error", err)
		return
	}

	child := &types.TradeOpen{
		ID:           types.NewTradeID(parent.StrategyID, parent.Symbol, parent.Position),
		StrategyID:   parent.StrategyID,
		StrategyName: parent.StrategyName,
		Symbol:       parent.Symbol,
		Position:     types.PositionLong,
		Trading:      parent.Trading,
		Wallet:       parent.Wallet,
		Quantity:     slice.Quantity,
		Cost:         slice.Cost,
		PriceBuy:     parent.PriceBuy,
		PriceSell:    sellPrice,
		TimeBuy:      parent.TimeBuy,
		TimeUpdated:  time.Now(),
		IsExecuted:   true,
	}

	// Optimistic: the parent gives the slice up now and gets it back only if
	// the child sell turns out to have done nothing.
	parent.Quantity = parent.Quantity.Sub(slice.Quantity)
	parent.Cost = parent.Cost.Sub(slice.Cost)
	e.touch(parent)

	e.enqueueExecution(execRequest{
		trade:   child,
		entry:   types.EntryExit,
		source:  types.SourceRebalance,
		parent:  parent,
		channel: hub.ChannelNone,
	})
	e.logger.Info("rebalance child scheduled",
		"parent", parent.ID, "child", child.ID, "qty", slice.Quantity, "cost", slice.Cost)
}

// enqueueExecution pushes one execute task onto the FIFO trade queue.
func (e *Engine) enqueueExecution(req execRequest) {
	name := fmt.Sprintf("%s %s %s %s", req.entry, req.trade.Position, req.trade.Symbol, req.trade.ID)
	e.queue.Push(queue.Task{
		Name: name,
		Run: func(ctx context.Context) error {
			return e.executeTrade(ctx, req)
		},
	})
}
