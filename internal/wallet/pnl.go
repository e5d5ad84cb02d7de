package wallet

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// CalculatePnL returns the percentage profit of a long round trip bought at
// priceBuy and sold at priceSell, with the taker fee applied on both legs:
//
//	((ps·(1−f)) − (pb·(1+f))) / (pb·(1+f)) × 100,  f = feePercent/100
//
// A flat round trip (ps == pb) therefore yields exactly the two fee legs:
// −2f / (1+f) × 100. Returns zero if priceBuy is not positive.
func CalculatePnL(priceBuy, priceSell, feePercent decimal.Decimal) decimal.Decimal {
	if !priceBuy.IsPositive() {
		return decimal.Zero
	}
	f := feePercent.Div(hundred)
	paid := priceBuy.Mul(decimal.NewFromInt(1).Add(f))
	received := priceSell.Mul(decimal.NewFromInt(1).Sub(f))
	return received.Sub(paid).Div(paid).Mul(hundred)
}
