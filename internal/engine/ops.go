package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"hubtrader/internal/history"
	"hubtrader/internal/hub"
	"hubtrader/internal/store"
	"hubtrader/pkg/types"
)

// Operator actions and read views. Everything here takes the engine mutex;
// the HTTP layer stays a thin renderer.

// StrategiesView copies the strategy table, sorted by name.
func (e *Engine) StrategiesView() []types.Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Strategy, 0, len(e.meta.Strategies))
	for _, s := range e.meta.Strategies {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PublicStrategiesView copies the observation counters, sorted by name.
func (e *Engine) PublicStrategiesView() []types.PublicStrategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.PublicStrategy, 0, len(e.meta.Public))
	for _, p := range e.meta.Public {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StopStrategy flags a strategy stopped; new entries will be rejected.
func (e *Engine) StopStrategy(id string) error {
	return e.setStrategyStopped(id, true)
}

// StartStrategy clears the stop flag and the loss run.
func (e *Engine) StartStrategy(id string) error {
	return e.setStrategyStopped(id, false)
}

func (e *Engine) setStrategyStopped(id string, stopped bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.meta.Strategies[id]
	if !ok {
		return fmt.Errorf("strategy %s not found", id)
	}
	s.IsStopped = stopped
	if !stopped {
		s.LossTradeRun = 0
		delete(e.lossWarned, id)
	}
	e.markDirty(store.KeyStrategies)
	e.logger.Info("strategy stop flag set by operator", "strategy", s.Name, "stopped", stopped)
	return nil
}

// TradesView copies the open-trade list in insertion order.
func (e *Engine) TradesView() []types.TradeOpen {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.TradeOpen, 0, len(e.meta.TradesOpen))
	for _, t := range e.meta.TradesOpen {
		out = append(out, *t)
	}
	return out
}

// SetTradeHodl flags or releases a trade's HODL protection.
func (e *Engine) SetTradeHodl(id string, hodl bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.meta.TradeByID(id)
	if t == nil {
		return fmt.Errorf("trade %s not found", id)
	}
	t.IsHodl = hodl
	e.touch(t)
	return nil
}

// SetTradeStopped flags or releases a trade's stop state.
func (e *Engine) SetTradeStopped(id string, stopped bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.meta.TradeByID(id)
	if t == nil {
		return fmt.Errorf("trade %s not found", id)
	}
	t.IsStopped = stopped
	e.touch(t)
	return nil
}

// CloseTrade schedules a manual close. A stopped or never-executed trade
// cannot be executed against the exchange; for those both traded acks are
// synthesized so the hub drops the phantom entry, and a never-executed trade
// leaves the open list immediately.
func (e *Engine) CloseTrade(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.meta.TradeByID(id)
	if t == nil {
		return fmt.Errorf("trade %s not found", id)
	}
	if e.meta.IsClosing(t.ID) {
		return fmt.Errorf("trade %s is already closing", id)
	}

	if t.IsStopped || !t.IsExecuted {
		e.emitTraded(hub.ChannelTradedBuy, t)
		e.emitTraded(hub.ChannelTradedSell, t)
		if !t.IsExecuted {
			e.meta.RemoveTrade(t.ID)
			e.markDirty(store.KeyTradesOpen)
			e.logger.Info("phantom trade dropped", "trade", t.ID)
			return nil
		}
		e.logger.Info("stopped trade acked away on the hub, still open locally", "trade", t.ID)
		return nil
	}

	price := e.sellPriceFor(ctx, t.Symbol, t.PriceBuy)
	if t.Position == types.PositionShort {
		if tick, err := e.ex.FetchTicker(ctx, t.Symbol); err == nil && tick.Ask.IsPositive() {
			price = tick.Ask
		}
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
		return fmt.Errorf("close %s: %s", id, r.String())
	}
	return nil
}

// DeleteTrade removes a trade record without touching the exchange. For
// cleaning up after manual reconciliation of a stopped trade.
func (e *Engine) DeleteTrade(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.meta.RemoveTrade(id) {
		return fmt.Errorf("trade %s not found", id)
	}
	e.markDirty(store.KeyTradesOpen)
	e.logger.Warn("trade deleted by operator", "trade", id)
	return nil
}

// HistorySeries lists the (mode, quote) series keys present in the book.
func (e *Engine) HistorySeries() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meta.History.Series()
}

// HistoryEntries copies one series, oldest first.
func (e *Engine) HistoryEntries(mode types.TradingType, quote string) []types.BalanceDay {
	e.mu.Lock()
	defer e.mu.Unlock()
	days := e.meta.History.Entries(mode, quote)
	out := make([]types.BalanceDay, 0, len(days))
	for _, d := range days {
		out = append(out, *d)
	}
	return out
}

// ResetPnL drops a history series. arg is "ASSET:mode".
func (e *Engine) ResetPnL(arg string) error {
	asset, mode, err := parseAssetMode(arg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.meta.History.Reset(mode, asset)
	e.markDirty(store.KeyBalanceHistory)
	e.logger.Info("pnl history reset", "series", history.Key(mode, asset))
	return nil
}

// VirtualBalancesView copies the virtual ledger.
func (e *Engine) VirtualBalancesView() map[types.Wallet]map[string]decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[types.Wallet]map[string]decimal.Decimal, len(e.meta.VirtualBalances))
	for w, assets := range e.meta.VirtualBalances {
		cp := make(map[string]decimal.Decimal, len(assets))
		for a, v := range assets {
			cp[a] = v
		}
		out[w] = cp
	}
	return out
}

// ResetVirtual reseeds the virtual ledger — optionally with a new per-quote
// amount — and replays the open virtual trades against the fresh seed.
func (e *Engine) ResetVirtual(amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vledger.Reset(amount)
	e.rebuildVirtualBalances()
	e.logger.Info("virtual balances reset", "amount", amount)
}

// RecentTransactions reads the newest n journal rows.
func (e *Engine) RecentTransactions(ctx context.Context, n int) ([]types.Transaction, error) {
	return e.translog.Recent(ctx, n)
}
