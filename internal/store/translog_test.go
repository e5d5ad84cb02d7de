package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"hubtrader/pkg/types"
)

func openTestLog(t *testing.T, maxRows int) *TransLog {
	t.Helper()
	l, err := OpenTransLog(filepath.Join(t.TempDir(), "trans.db"), maxRows)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestTransLogAppendAndRecent(t *testing.T) {
	t.Parallel()

	l := openTestLog(t, 100)
	ctx := context.Background()

	first, err := l.Append(ctx, types.Transaction{
		Action:   "buy",
		Symbol:   "ETHBTC",
		Wallet:   types.WalletMargin,
		Trading:  types.TradingReal,
		Quantity: decimal.RequireFromString("0.2"),
		Price:    decimal.RequireFromString("0.05"),
		Cost:     decimal.RequireFromString("0.01"),
		TradeID:  "t1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	require.False(t, first.Time.IsZero())

	_, err = l.Append(ctx, types.Transaction{Action: "sell", Symbol: "ETHBTC", TradeID: "t1"})
	require.NoError(t, err)

	txs, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)

	// Newest first.
	require.Equal(t, "sell", txs[0].Action)
	require.Equal(t, "buy", txs[1].Action)
	require.Equal(t, types.WalletMargin, txs[1].Wallet)
	require.True(t, txs[1].Quantity.Equal(decimal.RequireFromString("0.2")))
}

func TestTransLogTrimsToMaxRows(t *testing.T) {
	t.Parallel()

	l := openTestLog(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, types.Transaction{Action: "buy", Symbol: "ETHBTC", TradeID: "t"})
		require.NoError(t, err)
	}

	txs, err := l.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, txs, 3)
}
