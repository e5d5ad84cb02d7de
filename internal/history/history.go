// Package history keeps the per-day balance book used for PnL reporting.
//
// Entries are bucketed by (trading mode, quote asset) and by UTC day. Each
// day records the quote balance at open and close, signed estimated fees,
// realized profit/loss, and open/closed trade counters. Day zero of each
// series is kept forever; when older days age past one year they are dropped
// and their fees rolled forward into day zero so the lifetime fee total
// survives trimming.
//
// The book is not self-locking: the signal engine serializes all access
// together with the rest of the metadata.
package history

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"hubtrader/pkg/types"
)

const keySep = "|"

// Book is the full balance history across all (mode, quote) series.
type Book struct {
	Days map[string][]*types.BalanceDay `json:"days"`
}

// NewBook returns an empty balance history.
func NewBook() *Book {
	return &Book{Days: make(map[string][]*types.BalanceDay)}
}

// Key builds the series key for a (mode, quote) pair.
func Key(mode types.TradingType, quote string) string {
	return string(mode) + keySep + quote
}

// day returns today's entry for the series, creating it with the given open
// balance when the UTC day has rolled over. Appending keeps dates strictly
// increasing because time only moves forward between calls.
func (b *Book) day(mode types.TradingType, quote string, now time.Time, openBalance decimal.Decimal) *types.BalanceDay {
	key := Key(mode, quote)
	date := now.UTC().Truncate(24 * time.Hour)

	days := b.Days[key]
	if n := len(days); n > 0 && days[n-1].Date.Equal(date) {
		return days[n-1]
	}
	d := &types.BalanceDay{
		Date:         date,
		OpenBalance:  openBalance,
		CloseBalance: openBalance,
	}
	b.Days[key] = append(days, d)
	return d
}

// RecordOpen notes a trade entry: bumps the opened counter and the open-trade
// highwater marks, and refreshes the closing balance.
func (b *Book) RecordOpen(mode types.TradingType, quote string, now time.Time, balance decimal.Decimal, openTrades int) {
	d := b.day(mode, quote, now, balance)
	d.TotalOpenedTrades++
	d.CloseBalance = balance
	b.markOpenTrades(d, openTrades)
}

// RecordClose notes a trade exit: adds the realized change and the (signed)
// fee, bumps the closed counter, and refreshes the closing balance.
func (b *Book) RecordClose(mode types.TradingType, quote string, now time.Time, balance, profitLoss, fee decimal.Decimal, openTrades int) {
	d := b.day(mode, quote, now, balance)
	d.TotalClosedTrades++
	d.ProfitLoss = d.ProfitLoss.Add(profitLoss)
	d.EstimatedFees = d.EstimatedFees.Add(fee)
	d.CloseBalance = balance
	b.markOpenTrades(d, openTrades)
}

// RecordFee adds a standalone fee (e.g. borrow interest, fee-token top-up)
// to today's entry without touching the trade counters.
func (b *Book) RecordFee(mode types.TradingType, quote string, now time.Time, balance, fee decimal.Decimal) {
	d := b.day(mode, quote, now, balance)
	d.EstimatedFees = d.EstimatedFees.Add(fee)
	d.CloseBalance = balance
}

func (b *Book) markOpenTrades(d *types.BalanceDay, openTrades int) {
	if d.MinOpenTrades == 0 || openTrades < d.MinOpenTrades {
		d.MinOpenTrades = openTrades
	}
	if openTrades > d.MaxOpenTrades {
		d.MaxOpenTrades = openTrades
	}
}

// Trim enforces retention: every series keeps its first entry forever, and
// drops later entries older than one year, rolling their fees into day zero.
func (b *Book) Trim(now time.Time) {
	cutoff := now.UTC().AddDate(-1, 0, 0)
	for key, days := range b.Days {
		if len(days) < 2 {
			continue
		}
		first := days[0]
		kept := days[:1]
		for _, d := range days[1:] {
			if d.Date.Before(cutoff) {
				first.EstimatedFees = first.EstimatedFees.Add(d.EstimatedFees)
				continue
			}
			kept = append(kept, d)
		}
		b.Days[key] = kept
	}
}

// Entries returns the day series for a (mode, quote) pair, oldest first.
func (b *Book) Entries(mode types.TradingType, quote string) []*types.BalanceDay {
	return b.Days[Key(mode, quote)]
}

// Reset drops the series for a (mode, quote) pair.
func (b *Book) Reset(mode types.TradingType, quote string) {
	delete(b.Days, Key(mode, quote))
}

// Series lists all series keys in stable order for reporting.
func (b *Book) Series() []string {
	keys := make([]string, 0, len(b.Days))
	for k := range b.Days {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Migrate applies version-dependent fixups to snapshots written by older
// builds. Decimal zero values unmarshal cleanly, so the estimated-fees
// migration only needs to normalize nil day slices.
func (b *Book) Migrate() {
	if b.Days == nil {
		b.Days = make(map[string][]*types.BalanceDay)
	}
}
