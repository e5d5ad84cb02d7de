package engine

import (
	"hubtrader/internal/hub"
	"hubtrader/pkg/types"
)

// scheduleExit validates and enqueues the close of an open trade. The trade
// enters the closing set before the task is queued, so overlapping entry
// sizing treats its locked cost as released. Caller holds the engine mutex.
func (e *Engine) scheduleExit(sig types.Signal) *Rejection {
	var t *types.TradeOpen
	if sig.Position != "" {
		t = e.meta.FindTrade(sig.StrategyID, sig.Symbol, sig.Position)
	} else {
		t = e.meta.FindTradeAny(sig.StrategyID, sig.Symbol)
	}
	if r := e.validateExit(sig, t); r != nil {
		return r
	}

	channel := hub.ChannelTradedSell
	if t.Position == types.PositionShort {
		// Closing a short buys the coins back.
		t.PriceBuy = sig.Price
		t.TimeBuy = sig.Timestamp
		channel = hub.ChannelTradedBuy
	} else {
		t.PriceSell = sig.Price
		t.TimeSell = sig.Timestamp
	}
	t.Cost = t.Quantity.Mul(sig.Price)
	e.meta.MarkClosing(t.ID)
	e.touch(t)

	e.enqueueExecution(execRequest{
		trade:   t,
		entry:   types.EntryExit,
		source:  sig.Source,
		channel: channel,
	})
	return nil
}
