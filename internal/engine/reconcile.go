package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"hubtrader/internal/hub"
	"hubtrader/internal/store"
	"hubtrader/internal/wallet"
	"hubtrader/pkg/types"
)

// startUp restores persisted state and reconciles it with the hub and the
// exchange. Runs once, on the first strategy-list payload; a failure here
// keeps the engine non-operational (every signal is rejected) until the next
// payload retries. Markets and the hub trade list are mandatory.
func (e *Engine) startUp(ctx context.Context, list []hub.StrategyInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.loadSnapshots(); err != nil {
		return err
	}
	e.applyStrategyList(list)

	markets, err := e.ex.LoadMarkets(ctx, true)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	e.meta.Markets = markets
	e.marketsAt = time.Now()

	if prices, err := e.ex.LoadPrices(ctx); err == nil {
		e.meta.Prices = prices
	}

	hubTrades, err := e.hub.OpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("load hub trades: %w", err)
	}

	var discarded []*types.TradeOpen
	if len(e.meta.TradesOpen) > 0 {
		discarded = e.mergePersistedTrades(hubTrades)
	} else if len(hubTrades) > 0 {
		discarded = e.adoptHubTrades(ctx, hubTrades)
	}

	e.rebuildVirtualBalances()

	for _, t := range discarded {
		e.notifier.Warn("trade discarded at startup",
			fmt.Sprintf("%s %s %s (%s)", t.StrategyName, t.Position, t.Symbol, t.ID))
	}

	e.crossCheck = time.Now()
	e.markDirty(store.KeyStrategies, store.KeyTradesOpen, store.KeyVirtualBalances,
		store.KeyBalanceHistory, store.KeyPublicStrategies, store.KeyVersion)
	e.logger.Info("startup reconciliation done",
		"trades", len(e.meta.TradesOpen), "discarded", len(discarded))
	return nil
}

// loadSnapshots restores the persisted metadata. Markets, prices, the
// closing set and the transaction ring are rebuilt fresh, never loaded.
func (e *Engine) loadSnapshots() error {
	var version int
	if _, err := e.snaps.Load(store.KeyVersion, &version); err != nil {
		return err
	}

	if _, err := e.snaps.Load(store.KeyStrategies, &e.meta.Strategies); err != nil {
		return err
	}
	if _, err := e.snaps.Load(store.KeyTradesOpen, &e.meta.TradesOpen); err != nil {
		return err
	}
	if _, err := e.snaps.Load(store.KeyVirtualBalances, &e.meta.VirtualBalances); err != nil {
		return err
	}
	if _, err := e.snaps.Load(store.KeyBalanceHistory, e.meta.History); err != nil {
		return err
	}
	if _, err := e.snaps.Load(store.KeyPublicStrategies, &e.meta.Public); err != nil {
		return err
	}

	e.meta.History.Migrate()
	if e.meta.Strategies == nil {
		e.meta.Strategies = make(map[string]*types.Strategy)
	}
	if e.meta.VirtualBalances == nil {
		e.meta.VirtualBalances = make(map[types.Wallet]map[string]decimal.Decimal)
	}
	if e.meta.Public == nil {
		e.meta.Public = make(map[string]*types.PublicStrategy)
	}
	if version != 0 && version != snapshotVersion {
		e.logger.Info("snapshot version migrated", "from", version, "to", snapshotVersion)
	}
	return nil
}

// mergePersistedTrades reconciles the persisted open-trade set against the
// hub's view. The hub is authoritative for which trades exist; the persisted
// set is authoritative for funding fields. Returns the discards.
func (e *Engine) mergePersistedTrades(hubTrades []hub.Trade) []*types.TradeOpen {
	var discarded []*types.TradeOpen
	inHub := make(map[string]bool, len(hubTrades))
	for _, ht := range hubTrades {
		key := ht.StrategyID + "|" + ht.Symbol + "|" + ht.Position
		inHub[key] = true

		t := e.meta.FindTrade(ht.StrategyID, ht.Symbol, types.PositionType(ht.Position))
		if t == nil {
			// No persisted funding fields to trust; the operator hears about it.
			e.logger.Warn("hub trade with no persisted match, discarding",
				"strategy", ht.StrategyName, "symbol", ht.Symbol, "position", ht.Position)
			discarded = append(discarded, &types.TradeOpen{
				StrategyID:   ht.StrategyID,
				StrategyName: ht.StrategyName,
				Symbol:       ht.Symbol,
				Position:     types.PositionType(ht.Position),
			})
			continue
		}
		// The operator may have stopped the trade while we were offline.
		if ht.IsStopped && !t.IsStopped {
			t.IsStopped = true
			e.logger.Info("stop flag copied from hub", "trade", t.ID)
		}
	}

	var kept []*types.TradeOpen
	for _, t := range e.meta.TradesOpen {
		key := t.StrategyID + "|" + t.Symbol + "|" + string(t.Position)
		if inHub[key] {
			kept = append(kept, t)
			continue
		}
		if !t.IsExecuted {
			discarded = append(discarded, t)
			continue
		}
		e.logger.Warn("persisted trade unknown to the hub, keeping until exit",
			"trade", t.ID, "symbol", t.Symbol)
		kept = append(kept, t)
	}
	e.meta.TradesOpen = kept
	return discarded
}

// adoptHubTrades rebuilds the open-trade set from the hub's view when no
// persisted state survived, attributing each trade to live exchange balances
// and loans. Shorts bind first because their funding is unambiguous; longs
// are then greedily assigned to whichever wallet still covers them.
func (e *Engine) adoptHubTrades(ctx context.Context, hubTrades []hub.Trade) []*types.TradeOpen {
	var valid []hub.Trade
	var discarded []*types.TradeOpen
	discard := func(ht hub.Trade, reason string) {
		e.logger.Warn("hub trade not adoptable", "symbol", ht.Symbol, "reason", reason)
		discarded = append(discarded, &types.TradeOpen{
			StrategyID:   ht.StrategyID,
			StrategyName: ht.StrategyName,
			Symbol:       ht.Symbol,
			Position:     types.PositionType(ht.Position),
		})
	}

	for _, ht := range hubTrades {
		s, ok := e.meta.Strategies[ht.StrategyID]
		if !ok {
			discard(ht, "strategy unknown")
			continue
		}
		m, okm := e.meta.Markets[ht.Symbol]
		if !okm || !m.Active {
			discard(ht, "symbol not tradable")
			continue
		}
		if !ht.Price.IsPositive() || !ht.Quantity.IsPositive() {
			discard(ht, "entry price or quantity missing")
			continue
		}
		if s.Trading == types.TradingVirtual {
			// Virtual trades need no exchange attribution.
			e.meta.TradesOpen = append(e.meta.TradesOpen, e.tradeFromHub(ht, s))
			continue
		}
		valid = append(valid, ht)
	}

	spotBal, err := e.ex.FetchBalance(ctx, types.WalletSpot)
	if err != nil {
		e.logger.Error("spot balance unavailable, adopting nothing on spot", "error", err)
		spotBal = types.Balance{}
	}
	marginBal, err := e.ex.FetchBalance(ctx, types.WalletMargin)
	if err != nil {
		e.logger.Error("margin balance unavailable, adopting nothing on margin", "error", err)
		marginBal = types.Balance{}
	}

	free := map[types.Wallet]map[string]decimal.Decimal{
		types.WalletSpot:   {},
		types.WalletMargin: {},
	}
	for asset, b := range spotBal {
		free[types.WalletSpot][asset] = b.Free
	}
	loans := map[string]decimal.Decimal{}
	for asset, b := range marginBal {
		free[types.WalletMargin][asset] = b.Free
		loans[asset] = b.Borrowed
	}

	// Shorts first.
	for _, ht := range valid {
		if types.PositionType(ht.Position) != types.PositionShort {
			continue
		}
		s := e.meta.Strategies[ht.StrategyID]
		m := e.meta.Markets[ht.Symbol]
		t := e.tradeFromHub(ht, s)

		remaining := loans[m.Base].Sub(t.Quantity)
		if remaining.IsNegative() {
			// Less is owed than the trade claims; repay only what is left.
			t.Borrow = loans[m.Base]
			remaining = decimal.Zero
			e.logger.Warn("short loan smaller than trade, repay reduced",
				"symbol", t.Symbol, "borrow", t.Borrow)
		}
		loans[m.Base] = remaining
		free[types.WalletMargin][m.Quote] = free[types.WalletMargin][m.Quote].Sub(t.Cost)
		e.meta.TradesOpen = append(e.meta.TradesOpen, t)
	}

	// Longs: greedy wallet assignment, then per-(wallet, base) overflow
	// leveling when adopted trades outrun the coins actually held.
	type binding struct {
		t *types.TradeOpen
		m types.Market
	}
	var bindings []binding
	for _, ht := range valid {
		if types.PositionType(ht.Position) != types.PositionLong {
			continue
		}
		s := e.meta.Strategies[ht.StrategyID]
		m := e.meta.Markets[ht.Symbol]
		t := e.tradeFromHub(ht, s)

		var best types.Wallet
		bestCover := decimal.NewFromInt(-1)
		for _, w := range e.walletCandidates(m) {
			cover := free[w][m.Base]
			if cover.GreaterThan(bestCover) {
				best, bestCover = w, cover
			}
		}
		if best == "" {
			e.logger.Warn("no wallet for adopted long", "symbol", t.Symbol)
			discarded = append(discarded, t)
			continue
		}
		t.Wallet = best
		free[best][m.Base] = free[best][m.Base].Sub(t.Quantity)
		bindings = append(bindings, binding{t: t, m: m})
	}

	// Overflowed (wallet, base) groups level down to an equal share.
	groups := map[string][]binding{}
	for _, b := range bindings {
		key := string(b.t.Wallet) + "|" + b.m.Base
		groups[key] = append(groups[key], b)
	}
	for key, group := range groups {
		overdrawn := free[group[0].t.Wallet][group[0].m.Base].IsNegative()
		if !overdrawn {
			for _, b := range group {
				e.meta.TradesOpen = append(e.meta.TradesOpen, b.t)
			}
			continue
		}

		held := free[group[0].t.Wallet][group[0].m.Base]
		for _, b := range group {
			held = held.Add(b.t.Quantity)
		}
		share := held.Div(decimal.NewFromInt(int64(len(group))))
		e.logger.Warn("adopted longs overflow held balance, leveling", "group", key, "share", share)

		for _, b := range group {
			qty := b.m.LegalQty(decimal.Min(b.t.Quantity, share))
			if !wallet.MeetsMinimums(b.m, qty, b.t.PriceBuy, e.cfg.MinCostBuffer()) {
				discarded = append(discarded, b.t)
				continue
			}
			b.t.Quantity = qty
			b.t.Cost = qty.Mul(b.t.PriceBuy)
			e.meta.TradesOpen = append(e.meta.TradesOpen, b.t)
		}
	}

	for asset, amount := range loans {
		if amount.IsPositive() {
			e.logger.Warn("margin loan not attributed to any trade",
				"asset", asset, "amount", amount)
		}
	}
	return discarded
}

// tradeFromHub materializes an adopted trade with hub-provided sizing.
func (e *Engine) tradeFromHub(ht hub.Trade, s *types.Strategy) *types.TradeOpen {
	position := types.PositionType(ht.Position)
	t := &types.TradeOpen{
		ID:           types.NewTradeID(ht.StrategyID, ht.Symbol, position),
		StrategyID:   ht.StrategyID,
		StrategyName: ht.StrategyName,
		Symbol:       ht.Symbol,
		Position:     position,
		Trading:      s.Trading,
		Wallet:       types.WalletSpot,
		Quantity:     ht.Quantity,
		Cost:         ht.Quantity.Mul(ht.Price),
		IsStopped:    ht.IsStopped,
		IsExecuted:   true,
		TimeUpdated:  time.Now(),
	}
	opened := time.UnixMilli(ht.OpenedAt)
	if position == types.PositionShort {
		t.Wallet = types.WalletMargin
		t.Borrow = ht.Quantity
		t.PriceSell = ht.Price
		t.TimeSell = opened
	} else {
		t.PriceBuy = ht.Price
		t.TimeBuy = opened
	}
	return t
}

// rebuildVirtualBalances reconstructs the virtual ledger from the surviving
// virtual open trades against a fresh seed: every executed virtual long has
// spent its cost, every executed virtual short holds borrowed proceeds.
func (e *Engine) rebuildVirtualBalances() {
	for w := range e.meta.VirtualBalances {
		delete(e.meta.VirtualBalances, w)
	}

	for _, t := range e.meta.TradesOpen {
		if t.Trading != types.TradingVirtual || !t.IsExecuted {
			continue
		}
		m, ok := e.meta.Markets[t.Symbol]
		if !ok {
			continue
		}
		e.vledger.EnsureSeed(t.Wallet, m.Quote, e.meta.Markets)
		assets := e.meta.VirtualBalances[t.Wallet]
		if t.Position == types.PositionShort {
			// Proceeds of the borrowed sale sit in the quote slot.
			assets[m.Quote] = assets[m.Quote].Add(t.Cost)
		} else {
			assets[m.Quote] = assets[m.Quote].Sub(t.Cost)
			assets[m.Base] = assets[m.Base].Add(t.Quantity)
		}
	}
	e.markDirty(store.KeyVirtualBalances)
}
