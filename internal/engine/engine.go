// Package engine is the signal-driven trade lifecycle core.
//
// One Engine consumes the hub feed, validates each signal, sizes and funds
// entries against the wallet model, schedules exchange work on the FIFO
// trade queue, and owns every mutation of the in-memory MetaData. All state
// access — hub callbacks, the queue worker, operator actions, the background
// tick — is serialized by a single mutex; I/O happens with the lock held,
// which makes the engine a single logical run loop with suspension points at
// exchange calls.
//
// Persistence is observational: mutations mark snapshot keys dirty and the
// store flushes them on its own coalescing schedule.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hubtrader/internal/config"
	"hubtrader/internal/exchange"
	"hubtrader/internal/hub"
	"hubtrader/internal/queue"
	"hubtrader/internal/store"
	"hubtrader/pkg/types"

	"hubtrader/internal/notify"
)

// Exchange is the gateway surface the engine drives. Satisfied by
// exchange.Client; tests substitute a scripted fake.
type Exchange interface {
	LoadMarkets(ctx context.Context, force bool) (map[string]types.Market, error)
	LoadPrices(ctx context.Context) (map[string]decimal.Decimal, error)
	FetchTicker(ctx context.Context, symbol string) (types.Ticker, error)
	FetchBalance(ctx context.Context, wallet types.Wallet) (types.Balance, error)
	InvalidateBalances()
	CreateMarketOrder(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, wallet types.Wallet) (types.OrderResult, error)
	MarginBorrow(ctx context.Context, asset string, amount decimal.Decimal) (string, error)
	MarginRepay(ctx context.Context, asset string, amount decimal.Decimal) (string, error)
}

// HubAPI is the hub surface the engine drives: the two reconciliation list
// calls and the traded acknowledgement path.
type HubAPI interface {
	OpenTrades(ctx context.Context) ([]hub.Trade, error)
	StrategyTrades(ctx context.Context, strategyID string) ([]hub.Trade, error)
	EmitTraded(channel string, ack hub.TradedAck) error
}

// TransLog is the append-only execution journal surface.
type TransLog interface {
	Append(ctx context.Context, tx types.Transaction) (types.Transaction, error)
	Recent(ctx context.Context, n int) ([]types.Transaction, error)
}

// Engine is the trade lifecycle core.
type Engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	ex       Exchange
	hub      HubAPI
	queue    *queue.Queue
	snaps    *store.Store
	translog TransLog
	notifier *notify.Hub

	mu          sync.Mutex
	meta        *MetaData
	vledger     *exchange.Ledger
	operational bool
	feeState    feeTokenState
	lossWarned  map[string]bool // strategies already notified at the loss limit
	crossCheck  time.Time       // last hub open-trade cross-check
	marketsAt   time.Time       // when markets were last refreshed
}

// New wires the engine. The virtual ledger shares the MetaData balance map so
// the snapshot store sees every virtual fill.
func New(cfg *config.Config, ex Exchange, hubAPI HubAPI, q *queue.Queue, snaps *store.Store, tl TransLog, notifier *notify.Hub, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		ex:         ex,
		hub:        hubAPI,
		queue:      q,
		snaps:      snaps,
		translog:   tl,
		notifier:   notifier,
		meta:       newMetaData(),
		lossWarned: make(map[string]bool),
	}
	e.vledger = exchange.NewLedger(e.meta.VirtualBalances, cfg.VirtualFunds(), cfg.Trading.ReferenceSymbol, ex.FetchTicker)
	e.registerSnapshots()
	return e
}

// snapshotVersion bumps when a persisted layout changes; Migrate consumes it.
const snapshotVersion = 2

func (e *Engine) registerSnapshots() {
	e.snaps.Register(store.KeyStrategies, func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.meta.Strategies, nil
	})
	e.snaps.Register(store.KeyTradesOpen, func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.meta.TradesOpen, nil
	})
	e.snaps.Register(store.KeyVirtualBalances, func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.meta.VirtualBalances, nil
	})
	e.snaps.Register(store.KeyBalanceHistory, func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.meta.History, nil
	})
	e.snaps.Register(store.KeyPublicStrategies, func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.meta.Public, nil
	})
	e.snaps.Register(store.KeyVersion, func() (any, error) {
		return snapshotVersion, nil
	})
}

// markDirty schedules snapshot keys for the coalesced flush. Callers hold the
// engine mutex; MarkDirty itself never blocks.
func (e *Engine) markDirty(keys ...string) {
	e.snaps.MarkDirty(keys...)
}

// Run consumes the hub feed until ctx is cancelled. The hub client, the
// queue worker and the store flusher run in their own goroutines; Run is the
// dispatch loop for strategy lists, signals and the background tick.
func (e *Engine) Run(ctx context.Context, strategies <-chan []hub.StrategyInfo, signals <-chan hub.SignalEvent) error {
	ticker := time.NewTicker(e.cfg.Timing.BackgroundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case list := <-strategies:
			e.onStrategyList(ctx, list)
		case evt := <-signals:
			e.onSignal(ctx, evt)
		case <-ticker.C:
			e.backgroundTick(ctx)
		}
	}
}

// shutdown flips the engine non-operational and flushes whatever is dirty.
func (e *Engine) shutdown() {
	e.mu.Lock()
	e.operational = false
	e.mu.Unlock()
	e.snaps.FlushAll()
	e.logger.Info("engine stopped")
}

// Operational reports whether startup reconciliation has completed.
func (e *Engine) Operational() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.operational
}

// onStrategyList handles a hub strategy-list payload. The first successful
// call runs startup reconciliation and marks the engine operational; later
// calls diff against the known strategies, preserving engine-owned fields.
func (e *Engine) onStrategyList(ctx context.Context, list []hub.StrategyInfo) {
	e.mu.Lock()
	first := !e.operational
	e.mu.Unlock()

	if first {
		if err := e.startUp(ctx, list); err != nil {
			e.logger.Error("startup reconciliation failed", "error", err)
			e.notifier.Error("startup failed", err.Error())
			return
		}
		e.mu.Lock()
		e.operational = true
		e.mu.Unlock()
		e.logger.Info("engine operational", "strategies", len(list))
		return
	}

	e.mu.Lock()
	e.applyStrategyList(list)
	due := time.Since(e.crossCheck) >= 2*time.Minute
	if due {
		e.crossCheck = time.Now()
	}
	e.mu.Unlock()

	if due {
		e.crossCheckTrades(ctx)
	}
}

// applyStrategyList merges a hub payload into the strategy map. IsStopped,
// LossTradeRun and Name are engine-owned and survive refreshes; toggling
// IsActive resets the stop state. Strategies absent from the payload stay,
// paused, so their open trades are retained.
func (e *Engine) applyStrategyList(list []hub.StrategyInfo) {
	seen := make(map[string]bool, len(list))
	for _, info := range list {
		seen[info.ID] = true
		mode := types.TradingReal
		if info.IsVirtual {
			mode = types.TradingVirtual
		}

		s, ok := e.meta.Strategies[info.ID]
		if !ok {
			e.meta.Strategies[info.ID] = &types.Strategy{
				ID:          info.ID,
				Name:        info.Name,
				TradeAmount: info.TradeAmount,
				Trading:     mode,
				IsActive:    info.IsActive,
			}
			e.logger.Info("strategy added", "strategy", info.Name, "mode", mode)
			continue
		}

		if s.Trading != mode {
			e.logger.Warn("strategy trading mode switched", "strategy", s.Name, "from", s.Trading, "to", mode)
			s.Trading = mode
		}
		if s.IsActive != info.IsActive {
			s.IsActive = info.IsActive
			s.IsStopped = false
			s.LossTradeRun = 0
			delete(e.lossWarned, s.ID)
			e.logger.Info("strategy active flag toggled", "strategy", s.Name, "active", s.IsActive)
		}
		s.Name = info.Name
		s.TradeAmount = info.TradeAmount
	}

	for id, s := range e.meta.Strategies {
		if !seen[id] {
			e.logger.Warn("strategy missing from hub payload, pausing", "strategy", s.Name)
		}
	}
	e.markDirty(store.KeyStrategies)
}

// crossCheckTrades compares each active strategy's open trades against the
// hub's view and logs divergence. Read-only; reconciliation happens only at
// startup.
func (e *Engine) crossCheckTrades(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.meta.Strategies))
	for id, s := range e.meta.Strategies {
		if s.IsActive {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		hubTrades, err := e.hub.StrategyTrades(ctx, id)
		if err != nil {
			e.logger.Warn("strategy cross-check failed", "strategy", id, "error", err)
			continue
		}

		e.mu.Lock()
		for _, ht := range hubTrades {
			if e.meta.FindTrade(ht.StrategyID, ht.Symbol, types.PositionType(ht.Position)) == nil {
				e.logger.Warn("hub reports a trade the engine does not hold",
					"strategy", ht.StrategyName, "symbol", ht.Symbol, "position", ht.Position)
			}
		}
		e.mu.Unlock()
	}
}

// strategyFor resolves a signal's strategy, counting unknown ones in the
// public observation table.
func (e *Engine) strategyFor(evt hub.SignalEvent) *types.Strategy {
	s, ok := e.meta.Strategies[evt.StrategyID]
	if !ok {
		p := e.meta.publicStrategy(evt.StrategyID, evt.StrategyName)
		switch evt.Kind {
		case hub.KindBuy:
			p.LongOpened++
		case hub.KindSell:
			p.ShortOpened++
		case hub.KindClose, hub.KindStop:
			p.Closed++
		}
		e.markDirty(store.KeyPublicStrategies)
		return nil
	}
	return s
}

// quoteOf returns the quote asset of a trade's market, empty when the market
// is unknown.
func (e *Engine) quoteOf(t *types.TradeOpen) string {
	if m, ok := e.meta.Markets[t.Symbol]; ok {
		return m.Quote
	}
	return ""
}

// feeTokenSymbolWarning flags strategies denominated in the fee token. Fee
// accounting for those is untested upstream; trading proceeds unchanged.
func (e *Engine) feeTokenSymbolWarning(symbol string) {
	asset := e.cfg.FeeToken.Asset
	if asset == "" {
		return
	}
	if m, ok := e.meta.Markets[symbol]; ok && (m.Base == asset || m.Quote == asset) {
		e.logger.Warn("symbol denominated in the fee token, fee accounting is approximate", "symbol", symbol)
	}
}

func ackChannel(side types.Side) string {
	if side == types.BUY {
		return hub.ChannelTradedBuy
	}
	return hub.ChannelTradedSell
}

// emitTraded sends the hub acknowledgement for a finished trade action.
func (e *Engine) emitTraded(channel string, t *types.TradeOpen) {
	if channel == hub.ChannelNone {
		return
	}
	err := e.hub.EmitTraded(channel, hub.TradedAck{
		Symbol:       t.Symbol,
		StrategyID:   t.StrategyID,
		StrategyName: t.StrategyName,
		Quantity:     t.Quantity.String(),
		TradingType:  string(t.Trading),
	})
	if err != nil {
		e.logger.Warn("traded ack failed", "channel", channel, "symbol", t.Symbol, "error", err)
	}
}

// appendTransaction journals one executed operation.
func (e *Engine) appendTransaction(ctx context.Context, action string, t *types.TradeOpen, qty, price, cost decimal.Decimal) {
	_, err := e.translog.Append(ctx, types.Transaction{
		Action:   action,
		Symbol:   t.Symbol,
		Wallet:   t.Wallet,
		Trading:  t.Trading,
		Quantity: qty,
		Price:    price,
		Cost:     cost,
		TradeID:  t.ID,
	})
	if err != nil {
		e.logger.Error("transaction journal write failed", "action", action, "trade", t.ID, "error", err)
	}
}

// parseAssetMode splits an "ASSET:mode" operator argument.
func parseAssetMode(arg string) (string, types.TradingType, error) {
	parts := strings.SplitN(arg, ":", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("want ASSET:mode, got %q", arg)
	}
	mode := types.TradingType(parts[1])
	if mode != types.TradingReal && mode != types.TradingVirtual {
		return "", "", fmt.Errorf("mode must be real or virtual, got %q", parts[1])
	}
	return strings.ToUpper(parts[0]), mode, nil
}
