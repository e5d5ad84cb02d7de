package wallet

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"hubtrader/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var btcMarket = types.Market{
	Symbol: "ETHBTC", Base: "ETH", Quote: "BTC",
	Active: true, Spot: true, Margin: true,
	AmountPrecision: 4,
	AmountStep:      dec("0.0001"),
	MinAmount:       dec("0.0001"),
	MinCost:         dec("0.0001"),
}

func TestCalculatePnLFlatRoundTripIsFee(t *testing.T) {
	t.Parallel()

	// Buying and selling at the same price loses exactly the two fee legs.
	fee := dec("0.1")
	got := CalculatePnL(dec("100"), dec("100"), fee)
	want := dec("-0.2").Div(dec("1.001")) // −2f/(1+f) in percent
	require.True(t, got.Sub(want).Abs().LessThan(dec("0.0000001")),
		"flat round trip pnl = %s, want %s", got, want)
}

func TestCalculatePnLProfit(t *testing.T) {
	t.Parallel()

	// S1 numbers: buy 100, sell 110, fee 0.1% each way.
	got := CalculatePnL(dec("100"), dec("110"), dec("0.1"))
	want := dec("109.89").Sub(dec("100.1")).Div(dec("100.1")).Mul(dec("100"))
	require.True(t, got.Sub(want).Abs().LessThan(dec("0.0000001")), "pnl = %s, want %s", got, want)
}

func TestCalculatePnLZeroBuyPrice(t *testing.T) {
	t.Parallel()
	require.True(t, CalculatePnL(decimal.Zero, dec("1"), dec("0.1")).IsZero())
}

func TestBuildSnapshotAdjustments(t *testing.T) {
	t.Parallel()

	markets := map[string]types.Market{
		"ETHBTC": btcMarket,
		"BTCUSDT": {Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT",
			Active: true, Spot: true, AmountPrecision: 5},
	}

	executedLong := &types.TradeOpen{
		ID: "long1", Symbol: "ETHBTC", Position: types.PositionLong,
		Wallet: types.WalletMargin, Cost: dec("0.02"), Quantity: dec("0.2"), IsExecuted: true,
	}
	pendingLong := &types.TradeOpen{
		ID: "long2", Symbol: "ETHBTC", Position: types.PositionLong,
		Wallet: types.WalletMargin, Cost: dec("0.01"), Quantity: dec("0.1"),
	}
	closingLong := &types.TradeOpen{
		ID: "long3", Symbol: "ETHBTC", Position: types.PositionLong,
		Wallet: types.WalletMargin, Cost: dec("0.005"), Quantity: dec("0.05"), IsExecuted: true,
	}
	short := &types.TradeOpen{
		ID: "short1", Symbol: "ETHBTC", Position: types.PositionShort,
		Wallet: types.WalletMargin, Cost: dec("0.03"), Quantity: dec("0.3"), IsExecuted: true,
	}
	// A long on BTCUSDT holds BTC as its base; those coins reduce BTC free.
	baseHolder := &types.TradeOpen{
		ID: "long4", Symbol: "BTCUSDT", Position: types.PositionLong,
		Wallet: types.WalletSpot, Cost: dec("500"), Quantity: dec("0.004"), IsExecuted: true,
	}

	snap := Build(BuildInput{
		Wallet:  types.WalletMargin,
		Quote:   "BTC",
		Balance: types.Balance{"BTC": {Free: dec("1.0")}},
		TradesOpen: []*types.TradeOpen{
			executedLong, pendingLong, closingLong, short, baseHolder,
		},
		IsClosing: func(id string) bool { return id == "long3" },
		Markets:   markets,
		Buffer:    decimal.Zero,
	})

	// 1.0 − 0.03 (short) − 0.004 (base holder) − 0.01 (pending) + 0.005 (closing)
	require.True(t, snap.Free.Equal(dec("0.961")), "free = %s", snap.Free)
	require.True(t, snap.Locked.Equal(dec("0.02")), "locked = %s", snap.Locked)
	require.True(t, snap.Total.Equal(dec("0.981")), "total = %s", snap.Total)
	require.Len(t, snap.Trades, 1)
	require.Equal(t, "long1", snap.Trades[0].ID)
}

func TestBuildAppliesBuffer(t *testing.T) {
	t.Parallel()

	snap := Build(BuildInput{
		Wallet:  types.WalletSpot,
		Quote:   "BTC",
		Balance: types.Balance{"BTC": {Free: dec("1.0")}},
		Buffer:  dec("0.1"),
	})
	require.True(t, snap.Free.Equal(dec("0.9")), "free = %s", snap.Free)
	require.True(t, snap.Total.Equal(dec("0.9")), "total = %s", snap.Total)
}

func TestQtyForCost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cost  string
		price string
		want  string
	}{
		{"plain", "0.01", "100", "0.0001"},
		{"snaps down to step", "0.010050", "100", "0.0001"},
		{"raised to min amount", "0.000001", "0.001", "0.102"}, // min-cost floor dominates
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := QtyForCost(btcMarket, dec(tt.cost), dec(tt.price), dec("0.02"))
			require.True(t, got.Equal(dec(tt.want)), "qty = %s, want %s", got, tt.want)
		})
	}

	require.True(t, QtyForCost(btcMarket, dec("1"), decimal.Zero, decimal.Zero).IsZero())
}

func TestMeetsMinimums(t *testing.T) {
	t.Parallel()

	require.True(t, MeetsMinimums(btcMarket, dec("0.01"), dec("0.1"), dec("0.02")))
	require.False(t, MeetsMinimums(btcMarket, dec("0.00001"), dec("0.1"), dec("0.02")), "below min amount")
	require.False(t, MeetsMinimums(btcMarket, dec("0.0005"), dec("0.1"), dec("0.02")), "below min cost")

	capped := btcMarket
	capped.MaxAmount = dec("0.005")
	require.False(t, MeetsMinimums(capped, dec("0.01"), dec("0.1"), dec("0.02")), "above max amount")
}

func TestSliceForTarget(t *testing.T) {
	t.Parallel()

	parent := &types.TradeOpen{
		ID: "p1", Symbol: "ETHBTC", Position: types.PositionLong,
		Quantity: dec("0.2"), Cost: dec("0.02"), PriceBuy: dec("0.1"), IsExecuted: true,
	}

	slice, err := SliceForTarget(parent, btcMarket, dec("0.1"), dec("0.0125"), decimal.Zero)
	require.NoError(t, err)
	require.True(t, slice.Quantity.Equal(dec("0.075")), "slice qty = %s", slice.Quantity)
	require.True(t, slice.Cost.Equal(dec("0.0075")), "slice cost = %s", slice.Cost)
}

func TestSliceForTargetRejections(t *testing.T) {
	t.Parallel()

	parent := &types.TradeOpen{
		ID: "p1", Symbol: "ETHBTC", Position: types.PositionLong,
		Quantity: dec("0.2"), Cost: dec("0.02"), PriceBuy: dec("0.1"), IsExecuted: true,
	}

	// Target not below current cost.
	_, err := SliceForTarget(parent, btcMarket, dec("0.1"), dec("0.03"), decimal.Zero)
	require.Error(t, err)

	// Slice would consume the whole parent.
	small := &types.TradeOpen{ID: "p2", Quantity: dec("0.001"), Cost: dec("0.0001"), PriceBuy: dec("0.1")}
	_, err = SliceForTarget(small, btcMarket, dec("0.1"), dec("0.00001"), decimal.Zero)
	require.Error(t, err)

	// Sell price missing.
	_, err = SliceForTarget(parent, btcMarket, decimal.Zero, dec("0.01"), decimal.Zero)
	require.Error(t, err)
}

func TestSplittable(t *testing.T) {
	t.Parallel()

	big := &types.TradeOpen{Quantity: dec("0.01"), Cost: dec("0.01")}
	require.True(t, Splittable(big, btcMarket))

	tinyQty := &types.TradeOpen{Quantity: dec("0.00015"), Cost: dec("0.01")}
	require.False(t, Splittable(tinyQty, btcMarket))

	tinyCost := &types.TradeOpen{Quantity: dec("0.01"), Cost: dec("0.00015")}
	require.False(t, Splittable(tinyCost, btcMarket))
}
