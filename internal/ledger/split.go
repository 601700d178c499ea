package ledger

import "github.com/shopspring/decimal"

// ComputeSplit divides one gross charge into provider and platform shares.
// Each share is rounded to the cent independently, so the rounded shares
// may drift from the gross by at most one cent. The ledger records the
// rounded values as-is rather than forcing one side to absorb the
// remainder.
func ComputeSplit(gross, providerRate decimal.Decimal) (provider, platform decimal.Decimal) {
	provider = gross.Mul(providerRate).Round(2)
	platform = gross.Mul(decimal.NewFromInt(1).Sub(providerRate)).Round(2)
	return provider, platform
}

func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}
