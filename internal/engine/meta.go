package engine

import (
	"github.com/shopspring/decimal"

	"hubtrader/internal/history"
	"hubtrader/pkg/types"
)

// MetaData is the engine's complete in-memory state. It is guarded by the
// engine mutex; nothing in here locks itself. The closing set is an overlay
// over TradesOpen: trades scheduled for exit whose funds the wallet model
// should treat as released.
type MetaData struct {
	Strategies      map[string]*types.Strategy
	TradesOpen      []*types.TradeOpen
	Markets         map[string]types.Market
	Prices          map[string]decimal.Decimal
	VirtualBalances map[types.Wallet]map[string]decimal.Decimal
	History         *history.Book
	Public          map[string]*types.PublicStrategy

	closing map[string]bool
}

func newMetaData() *MetaData {
	return &MetaData{
		Strategies:      make(map[string]*types.Strategy),
		Markets:         make(map[string]types.Market),
		Prices:          make(map[string]decimal.Decimal),
		VirtualBalances: make(map[types.Wallet]map[string]decimal.Decimal),
		History:         history.NewBook(),
		Public:          make(map[string]*types.PublicStrategy),
		closing:         make(map[string]bool),
	}
}

// FindTrade returns the open trade for an exact (strategy, symbol, position)
// identity, nil when absent.
func (m *MetaData) FindTrade(strategyID, symbol string, position types.PositionType) *types.TradeOpen {
	for _, t := range m.TradesOpen {
		if t.StrategyID == strategyID && t.Symbol == symbol && t.Position == position {
			return t
		}
	}
	return nil
}

// FindTradeAny resolves a (strategy, symbol) pair with no position hint, as
// delivered by hub close calls. Returns nil when no trade matches.
func (m *MetaData) FindTradeAny(strategyID, symbol string) *types.TradeOpen {
	for _, t := range m.TradesOpen {
		if t.StrategyID == strategyID && t.Symbol == symbol {
			return t
		}
	}
	return nil
}

// TradeByID looks an open trade up by its engine id.
func (m *MetaData) TradeByID(id string) *types.TradeOpen {
	for _, t := range m.TradesOpen {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// RemoveTrade drops a trade from the open list and the closing set.
func (m *MetaData) RemoveTrade(id string) bool {
	for i, t := range m.TradesOpen {
		if t.ID == id {
			m.TradesOpen = append(m.TradesOpen[:i], m.TradesOpen[i+1:]...)
			delete(m.closing, id)
			return true
		}
	}
	return false
}

// MarkClosing adds a trade to the closing set.
func (m *MetaData) MarkClosing(id string) { m.closing[id] = true }

// IsClosing reports whether a trade is scheduled for exit.
func (m *MetaData) IsClosing(id string) bool { return m.closing[id] }

// CountStrategyTrades counts open trades for one strategy.
func (m *MetaData) CountStrategyTrades(strategyID string) int {
	n := 0
	for _, t := range m.TradesOpen {
		if t.StrategyID == strategyID {
			n++
		}
	}
	return n
}

// CountPosition counts open trades of one direction across all strategies.
func (m *MetaData) CountPosition(position types.PositionType) int {
	n := 0
	for _, t := range m.TradesOpen {
		if t.Position == position {
			n++
		}
	}
	return n
}

// publicStrategy returns the observation counter for an unfollowed strategy,
// creating it on first sight.
func (m *MetaData) publicStrategy(id, name string) *types.PublicStrategy {
	p, ok := m.Public[id]
	if !ok {
		p = &types.PublicStrategy{ID: id, Name: name}
		m.Public[id] = p
	}
	return p
}
