package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"hubtrader/internal/notify"
	"hubtrader/internal/queue"
	"hubtrader/internal/store"
	"hubtrader/internal/wallet"
	"hubtrader/pkg/types"
)

var hundred = decimal.NewFromInt(100)

// quoteBalanceOf reads the current free quote balance backing a trade, for
// the balance-history book.
func (e *Engine) quoteBalanceOf(ctx context.Context, t *types.TradeOpen, quote string) decimal.Decimal {
	bal, err := e.balanceFor(ctx, t.Trading, t.Wallet, quote)
	if err != nil {
		e.logger.Warn("balance read for history failed", "wallet", t.Wallet, "error", err)
		return decimal.Zero
	}
	return bal.Free(quote)
}

// finishEntry records a filled entry: history open mark, hub ack, success
// notification. Caller holds the engine mutex.
func (e *Engine) finishEntry(ctx context.Context, req execRequest) {
	t := req.trade
	quote := e.quoteOf(t)
	balance := e.quoteBalanceOf(ctx, t, quote)

	e.meta.History.RecordOpen(t.Trading, quote, time.Now(), balance, len(e.meta.TradesOpen))
	e.markDirty(store.KeyBalanceHistory, store.KeyTradesOpen)

	e.emitTraded(req.channel, t)
	e.notifier.Success("trade opened",
		fmt.Sprintf("%s %s %s", t.StrategyName, t.Position, t.Symbol),
		e.tradeDetail("open", t, decimal.Decimal{}))
	e.logger.Info("trade opened",
		"trade", t.ID, "symbol", t.Symbol, "position", t.Position, "qty", t.Quantity, "cost", t.Cost, "wallet", t.Wallet)
}

// finishExit records a filled exit: realized change, loss-run bookkeeping,
// history close mark, hub ack. Rebalance children skip the loss run — the
// engine closed the slice, not the strategy. Caller holds the engine mutex.
func (e *Engine) finishExit(ctx context.Context, req execRequest, result types.OrderResult) {
	t := req.trade
	quote := e.quoteOf(t)

	if req.source != types.SourceRebalance {
		e.meta.RemoveTrade(t.ID)
	}

	change := decimal.Zero
	if t.PriceBuy.IsPositive() && t.PriceSell.IsPositive() {
		change = result.Quantity.Mul(t.PriceSell.Sub(t.PriceBuy))
	}
	pnl := wallet.CalculatePnL(t.PriceBuy, t.PriceSell, e.cfg.TakerFee())
	fee := result.Cost.Mul(e.cfg.TakerFee()).Div(hundred).Neg()

	if req.source != types.SourceRebalance {
		e.recordLossRun(t.StrategyID, pnl)
	}

	balance := e.quoteBalanceOf(ctx, t, quote)
	e.meta.History.RecordClose(t.Trading, quote, time.Now(), balance, change, fee, len(e.meta.TradesOpen))
	e.markDirty(store.KeyBalanceHistory, store.KeyTradesOpen, store.KeyStrategies)

	e.emitTraded(req.channel, t)

	held := time.Duration(0)
	if !t.TimeBuy.IsZero() && !t.TimeSell.IsZero() {
		held = t.TimeSell.Sub(t.TimeBuy)
		if held < 0 {
			held = -held
		}
	}
	action := "close"
	if req.source == types.SourceRebalance {
		action = "rebalance"
	}
	d := e.tradeDetail(action, t, pnl)
	d.Held = held
	e.notifier.Success("trade closed",
		fmt.Sprintf("%s %s %s pnl %s%%", t.StrategyName, t.Position, t.Symbol, pnl.StringFixed(2)), d)
	e.logger.Info("trade closed",
		"trade", t.ID, "symbol", t.Symbol, "change", change, "pnl", pnl.StringFixed(2))
}

func (e *Engine) tradeDetail(action string, t *types.TradeOpen, pnl decimal.Decimal) *notify.TradeDetail {
	d := &notify.TradeDetail{
		Action:   action,
		Symbol:   t.Symbol,
		Wallet:   string(t.Wallet),
		Trading:  string(t.Trading),
		Quantity: t.Quantity.String(),
		Cost:     t.Cost.String(),
	}
	if t.PriceBuy.IsPositive() {
		d.PriceBuy = t.PriceBuy.String()
	}
	if t.PriceSell.IsPositive() {
		d.PriceSell = t.PriceSell.String()
	}
	if !pnl.IsZero() {
		d.PnL = pnl.StringFixed(2)
	}
	return d
}

// recordLossRun updates a strategy's consecutive-loss counter and stops the
// strategy at the configured limit. The stop notification fires once per
// crossing, not per trade.
func (e *Engine) recordLossRun(strategyID string, pnl decimal.Decimal) {
	s, ok := e.meta.Strategies[strategyID]
	if !ok {
		return
	}
	if pnl.IsNegative() {
		s.LossTradeRun++
	} else {
		s.LossTradeRun = 0
		delete(e.lossWarned, s.ID)
		return
	}

	limit := e.cfg.Trading.StrategyLossLimit
	if limit > 0 && s.LossTradeRun >= limit && !s.IsStopped {
		s.IsStopped = true
		if !e.lossWarned[s.ID] {
			e.lossWarned[s.ID] = true
			e.notifier.Warn("strategy stopped",
				fmt.Sprintf("%s hit %d consecutive losses", s.Name, s.LossTradeRun))
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Fee-token reserve watcher
// ————————————————————————————————————————————————————————————————————————

// feeTokenState is the hysteresis machine over the fee-token free balance.
// Each downward crossing notifies once; recovering above the threshold
// resets to ok.
type feeTokenState int

const (
	feeOK feeTokenState = iota
	feeHigh               // below the threshold
	feeLow                // below half the threshold
	feeEmpty              // nothing left, orders will start failing
)

// checkFeeToken runs after every real trade. Caller holds the engine mutex.
func (e *Engine) checkFeeToken(ctx context.Context) {
	asset := e.cfg.FeeToken.Asset
	threshold := decimal.NewFromFloat(e.cfg.FeeToken.FreeThreshold)
	if asset == "" || !threshold.IsPositive() {
		return
	}

	bal, err := e.ex.FetchBalance(ctx, types.WalletSpot)
	if err != nil {
		e.logger.Warn("fee token balance read failed", "error", err)
		return
	}
	free := bal.Free(asset)

	next := feeOK
	switch {
	case !free.IsPositive():
		next = feeEmpty
	case free.LessThan(threshold.Div(decimal.NewFromInt(2))):
		next = feeLow
	case free.LessThan(threshold):
		next = feeHigh
	}
	if next == e.feeState {
		return
	}
	prev := e.feeState
	e.feeState = next

	switch next {
	case feeOK:
		e.logger.Info("fee token reserve recovered", "asset", asset, "free", free)
	case feeHigh:
		if prev == feeOK {
			e.notifier.Warn("fee token reserve low",
				fmt.Sprintf("%s free %s below threshold %s", asset, free, threshold))
			e.maybeAutoTopUp()
		}
	case feeLow:
		e.notifier.Warn("fee token reserve very low",
			fmt.Sprintf("%s free %s below half threshold", asset, free))
		e.maybeAutoTopUp()
	case feeEmpty:
		e.notifier.Error("fee token reserve empty",
			fmt.Sprintf("%s free balance exhausted, orders will fail", asset))
	}
}

// maybeAutoTopUp enqueues a reserve top-up buy when configured.
func (e *Engine) maybeAutoTopUp() {
	arg := e.cfg.FeeToken.AutoTopUp
	if arg == "" {
		return
	}
	quote, walletName, err := splitPair(arg)
	if err != nil {
		e.logger.Warn("fee_token.auto_top_up malformed", "value", arg, "error", err)
		return
	}
	e.TopUpFeeToken(quote, types.Wallet(walletName))
}

// TopUpFeeToken queues a market buy of the configured free-float amount of
// the fee token against the given quote asset and wallet. Also the target of
// the operator /pnl?topup action.
func (e *Engine) TopUpFeeToken(quote string, w types.Wallet) {
	asset := e.cfg.FeeToken.Asset
	qty := decimal.NewFromFloat(e.cfg.FeeToken.FreeFloat)
	if asset == "" || !qty.IsPositive() {
		return
	}
	symbol := asset + quote

	e.queue.Push(queue.Task{
		Name: "fee token top-up " + symbol,
		Run: func(ctx context.Context) error {
			e.mu.Lock()
			defer e.mu.Unlock()

			m, ok := e.meta.Markets[symbol]
			if !ok || !m.Active {
				return fmt.Errorf("top-up: market %s unavailable", symbol)
			}
			amount := m.LegalQty(qty)
			result, err := e.ex.CreateMarketOrder(ctx, symbol, types.BUY, amount, w)
			if err != nil {
				return fmt.Errorf("top-up buy %s: %w", symbol, err)
			}
			if result.Status != types.OrderStatusClosed {
				return fmt.Errorf("top-up buy %s: status %q", symbol, result.Status)
			}

			bal, err := e.ex.FetchBalance(ctx, w)
			balance := decimal.Zero
			if err == nil {
				balance = bal.Free(quote)
			}
			e.meta.History.RecordFee(types.TradingReal, quote, time.Now(), balance, result.Cost.Neg())
			e.markDirty(store.KeyBalanceHistory)

			e.notifier.Info("fee token topped up",
				fmt.Sprintf("bought %s %s for %s %s", result.Quantity, asset, result.Cost, quote))
			return nil
		},
	})
}

// splitPair parses an "ASSET:wallet" style argument.
func splitPair(arg string) (string, string, error) {
	parts := strings.SplitN(arg, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("want ASSET:wallet, got %q", arg)
	}
	return parts[0], parts[1], nil
}
