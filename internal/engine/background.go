package engine

import (
	"context"
	"time"

	"hubtrader/internal/store"
	"hubtrader/pkg/types"
)

const marketsMaxAge = 24 * time.Hour

// backgroundTick is the periodic maintenance pass: daily market refresh with
// a validity sweep of open trades, history retention trimming, and — when
// enabled — auto-closing HODL or stopped-strategy trades that would now
// realize a profit.
func (e *Engine) backgroundTick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.operational {
		return
	}

	if time.Since(e.marketsAt) >= marketsMaxAge {
		if markets, err := e.ex.LoadMarkets(ctx, true); err != nil {
			e.logger.Warn("market refresh failed", "error", err)
		} else {
			e.meta.Markets = markets
			e.marketsAt = time.Now()
			e.sweepInvalidTrades()
		}
	}

	e.meta.History.Trim(time.Now())
	e.markDirty(store.KeyBalanceHistory)

	if e.cfg.Trading.IsAutoCloseEnabled {
		e.autoCloseProfitable(ctx)
	}
}

// sweepInvalidTrades stops open trades whose market has gone away or turned
// inactive. Stopping, not deleting: the position may still exist on the
// exchange and needs the operator.
func (e *Engine) sweepInvalidTrades() {
	for _, t := range e.meta.TradesOpen {
		m, ok := e.meta.Markets[t.Symbol]
		if ok && m.Active && m.Supports(t.Wallet) {
			continue
		}
		if !t.IsStopped {
			t.IsStopped = true
			e.touch(t)
			e.notifier.Warn("trade stopped, market no longer tradable",
				t.Symbol+" ("+t.ID+")")
		}
	}
}

// autoCloseProfitable synthesizes an exit for every HODL or stopped-strategy
// trade that is currently in profit at the cached price.
func (e *Engine) autoCloseProfitable(ctx context.Context) {
	prices, err := e.ex.LoadPrices(ctx)
	if err != nil {
		e.logger.Warn("price refresh for auto-close failed", "error", err)
		return
	}
	e.meta.Prices = prices

	for _, t := range e.meta.TradesOpen {
		if !t.IsExecuted || t.IsStopped || e.meta.IsClosing(t.ID) {
			continue
		}
		stoppedStrategy := false
		if s, ok := e.meta.Strategies[t.StrategyID]; ok {
			stoppedStrategy = s.IsStopped
		}
		if !t.IsHodl && !stoppedStrategy {
			continue
		}

		price, ok := prices[t.Symbol]
		if !ok || !price.IsPositive() {
			continue
		}
		if !e.exitPnL(t, price).IsPositive() {
			continue
		}

		sig := types.Signal{
			StrategyID:   t.StrategyID,
			StrategyName: t.StrategyName,
			Symbol:       t.Symbol,
			Entry:        types.EntryExit,
			Position:     t.Position,
			Price:        price,
			Timestamp:    time.Now(),
			Source:       types.SourceManual,
		}
		if r := e.scheduleExit(sig); r != nil {
			e.logger.Debug("auto-close skipped", "trade", t.ID, "reason", r.String())
			continue
		}
		e.logger.Info("auto-close scheduled", "trade", t.ID, "symbol", t.Symbol, "price", price)
	}
}
