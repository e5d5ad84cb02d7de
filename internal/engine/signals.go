package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"hubtrader/internal/hub"
	"hubtrader/internal/store"
	"hubtrader/internal/wallet"
	"hubtrader/pkg/types"
)

// RejectKind enumerates why a signal was dropped before execution.
type RejectKind string

const (
	RejectNotOperational  RejectKind = "not_operational"
	RejectUnknownStrategy RejectKind = "unknown_strategy"
	RejectInactive        RejectKind = "strategy_inactive"
	RejectStopped         RejectKind = "strategy_stopped"
	RejectDuplicate       RejectKind = "duplicate_trade"
	RejectLossThrottle    RejectKind = "loss_limit_throttle"
	RejectShortDisabled   RejectKind = "short_disabled"
	RejectMarginDisabled  RejectKind = "margin_disabled"
	RejectSymbolExcluded  RejectKind = "symbol_excluded"
	RejectSymbolInvalid   RejectKind = "symbol_invalid"
	RejectWalletSupport   RejectKind = "wallet_unsupported"
	RejectMaxTrades       RejectKind = "max_trades"
	RejectNoTrade         RejectKind = "no_open_trade"
	RejectAlreadyClosing  RejectKind = "already_closing"
	RejectTradeStopped    RejectKind = "trade_stopped"
	RejectHodlAtLoss      RejectKind = "hodl_at_loss"
	RejectCostInvalid     RejectKind = "cost_invalid"
)

// Rejection is a validation verdict: structured, loggable, and classed so
// the notifier only hears about the severe ones.
type Rejection struct {
	Kind   RejectKind
	Class  slog.Level // LevelDebug, LevelWarn or LevelError
	Detail string
}

func (r *Rejection) String() string {
	if r.Detail == "" {
		return string(r.Kind)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Detail)
}

func rejectDebug(kind RejectKind, detail string) *Rejection {
	return &Rejection{Kind: kind, Class: slog.LevelDebug, Detail: detail}
}

func rejectWarn(kind RejectKind, detail string) *Rejection {
	return &Rejection{Kind: kind, Class: slog.LevelWarn, Detail: detail}
}

func rejectError(kind RejectKind, detail string) *Rejection {
	return &Rejection{Kind: kind, Class: slog.LevelError, Detail: detail}
}

// reportRejection logs the verdict at its class and notifies for error-class
// rejections only.
func (e *Engine) reportRejection(evt hub.SignalEvent, r *Rejection) {
	e.logger.Log(context.Background(), r.Class, "signal rejected",
		"kind", string(r.Kind), "strategy", evt.StrategyName, "symbol", evt.Symbol, "detail", r.Detail)
	if r.Class >= slog.LevelError {
		e.notifier.Error("signal rejected",
			fmt.Sprintf("%s %s %s: %s", evt.StrategyName, evt.Symbol, evt.Kind, r.String()))
	}
}

// onSignal classifies and dispatches one hub signal.
//
// Classification: a buy closes an open short when one exists, otherwise it
// enters a long; a sell closes an open long when one exists, otherwise it
// enters a short. Close forces an exit against whichever position is open;
// stop only flags the trade, no exchange activity.
func (e *Engine) onSignal(ctx context.Context, evt hub.SignalEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.operational {
		e.reportRejection(evt, rejectWarn(RejectNotOperational, "still reconciling"))
		return
	}

	sig := types.Signal{
		StrategyID:   evt.StrategyID,
		StrategyName: evt.StrategyName,
		Symbol:       evt.Symbol,
		Price:        evt.Price,
		Score:        evt.Score,
		Timestamp:    evt.Time(),
		Source:       types.SourceAuto,
	}

	switch evt.Kind {
	case hub.KindBuy:
		if t := e.meta.FindTrade(evt.StrategyID, evt.Symbol, types.PositionShort); t != nil {
			sig.Entry, sig.Position = types.EntryExit, types.PositionShort
		} else {
			sig.Entry, sig.Position = types.EntryEnter, types.PositionLong
		}
	case hub.KindSell:
		if t := e.meta.FindTrade(evt.StrategyID, evt.Symbol, types.PositionLong); t != nil {
			sig.Entry, sig.Position = types.EntryExit, types.PositionLong
		} else {
			sig.Entry, sig.Position = types.EntryEnter, types.PositionShort
		}
	case hub.KindClose:
		sig.Entry = types.EntryExit
		if t := e.meta.FindTradeAny(evt.StrategyID, evt.Symbol); t != nil {
			sig.Position = t.Position
		}
	case hub.KindStop:
		e.onStopSignal(evt)
		return
	default:
		e.logger.Debug("unknown signal kind", "kind", evt.Kind)
		return
	}

	if sig.Entry == types.EntryEnter {
		if r := e.validateEnter(sig); r != nil {
			e.reportRejection(evt, r)
			return
		}
		if r := e.createTradeOpen(ctx, sig); r != nil {
			e.reportRejection(evt, r)
		}
		return
	}

	if r := e.scheduleExit(sig); r != nil {
		e.reportRejection(evt, r)
	}
}

// onStopSignal flags the matching open trade stopped. Caller holds the lock.
func (e *Engine) onStopSignal(evt hub.SignalEvent) {
	if e.strategyFor(evt) == nil {
		return
	}
	t := e.meta.FindTradeAny(evt.StrategyID, evt.Symbol)
	if t == nil {
		e.logger.Debug("stop signal for unknown trade", "strategy", evt.StrategyName, "symbol", evt.Symbol)
		return
	}
	if !t.IsStopped {
		t.IsStopped = true
		e.touch(t)
		e.logger.Info("trade stopped by hub", "trade", t.ID, "symbol", t.Symbol)
	}
}

// validateEnter applies every pre-queue gate for a new entry. Caller holds
// the lock.
func (e *Engine) validateEnter(sig types.Signal) *Rejection {
	s, ok := e.meta.Strategies[sig.StrategyID]
	if !ok {
		p := e.meta.publicStrategy(sig.StrategyID, sig.StrategyName)
		if sig.Position == types.PositionShort {
			p.ShortOpened++
		} else {
			p.LongOpened++
		}
		e.markDirty(store.KeyPublicStrategies)
		return rejectDebug(RejectUnknownStrategy, sig.StrategyID)
	}
	if !s.IsActive {
		return rejectDebug(RejectInactive, s.Name)
	}
	if s.IsStopped {
		return rejectDebug(RejectStopped, s.Name)
	}
	if e.meta.FindTrade(sig.StrategyID, sig.Symbol, sig.Position) != nil {
		return rejectWarn(RejectDuplicate, fmt.Sprintf("%s %s %s already open", s.Name, sig.Symbol, sig.Position))
	}

	// Near the loss limit, open fewer concurrent trades: a strategy that has
	// burnt most of its run may not stack new exposure.
	limit := e.cfg.Trading.StrategyLossLimit
	if limit > 0 {
		threshold := float64(limit) * e.cfg.Trading.StrategyLimitThreshold
		if float64(s.LossTradeRun) >= threshold {
			if e.meta.CountStrategyTrades(s.ID) >= limit-s.LossTradeRun {
				return rejectWarn(RejectLossThrottle,
					fmt.Sprintf("%s has %d consecutive losses", s.Name, s.LossTradeRun))
			}
		}
	}

	if sig.Position == types.PositionShort {
		if !e.cfg.Trading.IsTradeShortEnabled {
			return rejectDebug(RejectShortDisabled, "")
		}
		if !e.cfg.Trading.IsTradeMarginEnabled {
			return rejectDebug(RejectMarginDisabled, "short requires margin")
		}
	}

	m, ok := e.meta.Markets[sig.Symbol]
	if !ok || !m.Active {
		return rejectWarn(RejectSymbolInvalid, sig.Symbol)
	}
	if excluded := e.cfg.ExcludedCoins(); excluded[m.Base] || excluded[m.Quote] {
		return rejectDebug(RejectSymbolExcluded, m.Base)
	}
	if sig.Position == types.PositionShort && !m.Supports(types.WalletMargin) {
		return rejectWarn(RejectWalletSupport, sig.Symbol+" not on margin")
	}
	if sig.Position == types.PositionLong && len(e.walletCandidates(m)) == 0 {
		return rejectWarn(RejectWalletSupport, sig.Symbol)
	}

	if max := e.cfg.Trading.MaxShortTrades; max > 0 && sig.Position == types.PositionShort &&
		e.meta.CountPosition(types.PositionShort) >= max {
		return rejectDebug(RejectMaxTrades, fmt.Sprintf("%d shorts open", max))
	}
	if max := e.cfg.Trading.MaxLongTrades; max > 0 && sig.Position == types.PositionLong &&
		e.meta.CountPosition(types.PositionLong) >= max {
		return rejectDebug(RejectMaxTrades, fmt.Sprintf("%d longs open", max))
	}

	return nil
}

// validateExit applies the exit gates. Caller holds the lock.
func (e *Engine) validateExit(sig types.Signal, t *types.TradeOpen) *Rejection {
	if t == nil {
		return rejectDebug(RejectNoTrade, fmt.Sprintf("%s %s", sig.StrategyName, sig.Symbol))
	}
	if e.meta.IsClosing(t.ID) {
		return rejectDebug(RejectAlreadyClosing, t.ID)
	}
	if sig.Source == types.SourceAuto && t.IsStopped {
		return rejectWarn(RejectTradeStopped, t.ID)
	}
	// A stopped strategy may still bank wins; losing auto exits stay open.
	if sig.Source == types.SourceAuto {
		if s, ok := e.meta.Strategies[t.StrategyID]; ok && s.IsStopped {
			if pnl := e.exitPnL(t, sig.Price); pnl.IsNegative() {
				return rejectDebug(RejectStopped, fmt.Sprintf("%s pnl %s%%", t.ID, pnl.StringFixed(2)))
			}
		}
	}
	if sig.Source == types.SourceAuto && t.IsHodl {
		pnl := e.exitPnL(t, sig.Price)
		if pnl.IsNegative() {
			return rejectDebug(RejectHodlAtLoss, fmt.Sprintf("%s pnl %s%%", t.ID, pnl.StringFixed(2)))
		}
	}
	return nil
}

// exitPnL computes the fee-inclusive PnL% a close at price would realize.
func (e *Engine) exitPnL(t *types.TradeOpen, price decimal.Decimal) decimal.Decimal {
	fee := e.cfg.TakerFee()
	if t.Position == types.PositionShort {
		// Short: sold at entry, buying back at price.
		return wallet.CalculatePnL(price, t.PriceSell, fee)
	}
	return wallet.CalculatePnL(t.PriceBuy, price, fee)
}
