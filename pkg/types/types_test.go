package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestLegalQtyIdempotent(t *testing.T) {
	t.Parallel()

	markets := []Market{
		{AmountPrecision: 4, AmountStep: decimal.RequireFromString("0.001")},
		{AmountPrecision: 8, AmountStep: decimal.RequireFromString("0.00000001")},
		{AmountPrecision: 2},
		{AmountPrecision: 0, AmountStep: decimal.NewFromInt(1)},
	}
	inputs := []string{"0.123456789", "1", "999.999999", "0.0001", "7.77777"}

	for _, m := range markets {
		for _, raw := range inputs {
			q := decimal.RequireFromString(raw)
			once := m.LegalQty(q)
			twice := m.LegalQty(once)
			if !once.Equal(twice) {
				t.Errorf("LegalQty not idempotent: step=%s prec=%d in=%s once=%s twice=%s",
					m.AmountStep, m.AmountPrecision, raw, once, twice)
			}
		}
	}
}

func TestLegalQtySnapsDown(t *testing.T) {
	t.Parallel()

	m := Market{AmountPrecision: 4, AmountStep: decimal.RequireFromString("0.005")}
	got := m.LegalQty(decimal.RequireFromString("0.0123"))
	want := decimal.RequireFromString("0.01")
	if !got.Equal(want) {
		t.Errorf("LegalQty(0.0123) = %s, want %s", got, want)
	}
}

func TestMinCostWith(t *testing.T) {
	t.Parallel()

	m := Market{MinCost: decimal.RequireFromString("0.0001")}
	got := m.MinCostWith(decimal.RequireFromString("0.02"))
	want := decimal.RequireFromString("0.000102")
	if !got.Equal(want) {
		t.Errorf("MinCostWith(0.02) = %s, want %s", got, want)
	}
}

func TestMarketSupports(t *testing.T) {
	t.Parallel()

	tests := []struct {
		m      Market
		wallet Wallet
		want   bool
	}{
		{Market{Spot: true}, WalletSpot, true},
		{Market{Spot: true}, WalletMargin, false},
		{Market{Margin: true}, WalletMargin, true},
		{Market{Margin: true}, WalletSpot, false},
		{Market{Spot: true, Margin: true}, WalletMargin, true},
	}
	for _, tt := range tests {
		if got := tt.m.Supports(tt.wallet); got != tt.want {
			t.Errorf("Supports(%s) spot=%v margin=%v = %v, want %v",
				tt.wallet, tt.m.Spot, tt.m.Margin, got, tt.want)
		}
	}
}

func TestNewTradeID(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewTradeID("strat", "ETHBTC", PositionLong)
		if len(id) != 12 {
			t.Fatalf("id %q has length %d, want 12", id, len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestBalanceFree(t *testing.T) {
	t.Parallel()

	b := Balance{"BTC": {Free: decimal.NewFromInt(2)}}
	if !b.Free("BTC").Equal(decimal.NewFromInt(2)) {
		t.Errorf("Free(BTC) = %s, want 2", b.Free("BTC"))
	}
	if !b.Free("ETH").IsZero() {
		t.Errorf("Free(ETH) = %s, want 0", b.Free("ETH"))
	}
}
