package history

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"hubtrader/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 30, 0, 0, time.UTC)
}

func TestRecordOpenRollsOverDays(t *testing.T) {
	t.Parallel()

	b := NewBook()
	b.RecordOpen(types.TradingReal, "USDT", day(2026, 3, 1), dec("100"), 1)
	b.RecordOpen(types.TradingReal, "USDT", day(2026, 3, 1), dec("90"), 2)
	b.RecordOpen(types.TradingReal, "USDT", day(2026, 3, 2), dec("80"), 3)

	days := b.Entries(types.TradingReal, "USDT")
	require.Len(t, days, 2)

	first := days[0]
	require.Equal(t, 2, first.TotalOpenedTrades)
	require.True(t, first.OpenBalance.Equal(dec("100")))
	require.True(t, first.CloseBalance.Equal(dec("90")))
	require.Equal(t, 1, first.MinOpenTrades)
	require.Equal(t, 2, first.MaxOpenTrades)

	second := days[1]
	require.True(t, second.OpenBalance.Equal(dec("80")))
	require.Equal(t, 1, second.TotalOpenedTrades)
}

func TestRecordCloseAccumulates(t *testing.T) {
	t.Parallel()

	b := NewBook()
	now := day(2026, 3, 1)
	b.RecordClose(types.TradingVirtual, "BTC", now, dec("1.01"), dec("0.01"), dec("-0.0002"), 0)
	b.RecordClose(types.TradingVirtual, "BTC", now, dec("1.02"), dec("0.01"), dec("-0.0002"), 0)

	days := b.Entries(types.TradingVirtual, "BTC")
	require.Len(t, days, 1)
	require.Equal(t, 2, days[0].TotalClosedTrades)
	require.True(t, days[0].ProfitLoss.Equal(dec("0.02")))
	require.True(t, days[0].EstimatedFees.Equal(dec("-0.0004")))
	require.True(t, days[0].CloseBalance.Equal(dec("1.02")))
}

func TestRecordFeeSkipsCounters(t *testing.T) {
	t.Parallel()

	b := NewBook()
	b.RecordFee(types.TradingReal, "USDT", day(2026, 3, 1), dec("99"), dec("-1"))

	days := b.Entries(types.TradingReal, "USDT")
	require.Len(t, days, 1)
	require.Zero(t, days[0].TotalOpenedTrades)
	require.Zero(t, days[0].TotalClosedTrades)
	require.True(t, days[0].EstimatedFees.Equal(dec("-1")))
}

func TestTrimKeepsDayZeroAndRollsFees(t *testing.T) {
	t.Parallel()

	b := NewBook()
	b.RecordFee(types.TradingReal, "USDT", day(2024, 1, 1), dec("100"), dec("-1"))
	b.RecordFee(types.TradingReal, "USDT", day(2024, 6, 1), dec("100"), dec("-2"))
	b.RecordFee(types.TradingReal, "USDT", day(2026, 2, 1), dec("100"), dec("-3"))

	b.Trim(day(2026, 3, 1))

	days := b.Entries(types.TradingReal, "USDT")
	require.Len(t, days, 2)

	// Day zero survives with the aged-out day's fees folded in.
	require.True(t, days[0].Date.Equal(day(2024, 1, 1).Truncate(24*time.Hour)))
	require.True(t, days[0].EstimatedFees.Equal(dec("-3")), "fees = %s", days[0].EstimatedFees)
	require.True(t, days[1].EstimatedFees.Equal(dec("-3")))
}

func TestTrimSingleDayUntouched(t *testing.T) {
	t.Parallel()

	b := NewBook()
	b.RecordFee(types.TradingReal, "USDT", day(2020, 1, 1), dec("100"), dec("-1"))
	b.Trim(day(2026, 3, 1))
	require.Len(t, b.Entries(types.TradingReal, "USDT"), 1)
}

func TestSeriesAndReset(t *testing.T) {
	t.Parallel()

	b := NewBook()
	now := day(2026, 3, 1)
	b.RecordOpen(types.TradingReal, "USDT", now, dec("1"), 1)
	b.RecordOpen(types.TradingReal, "BTC", now, dec("1"), 1)
	b.RecordOpen(types.TradingVirtual, "USDT", now, dec("1"), 1)

	require.Equal(t, []string{
		Key(types.TradingReal, "BTC"),
		Key(types.TradingReal, "USDT"),
		Key(types.TradingVirtual, "USDT"),
	}, b.Series())

	b.Reset(types.TradingReal, "BTC")
	require.Len(t, b.Series(), 2)
	require.Nil(t, b.Entries(types.TradingReal, "BTC"))
}

func TestMigrateNormalizesNilMap(t *testing.T) {
	t.Parallel()

	b := &Book{}
	b.Migrate()
	require.NotNil(t, b.Days)
}
