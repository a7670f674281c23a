package billing

import "chartcredits/internal/model"

// priceTable maps a charge amount in minor units to the credits it buys.
// A repeated key in this literal fails to compile.
var priceTable = map[int64]int64{
	500:  20,
	2000: 100,
	3500: 250,
	8000: 750,
}

// CreditsFor returns the credits bought by amountMinorUnits, or 0 for any
// amount that is not in the price table.
func CreditsFor(amountMinorUnits int64) int64 {
	return priceTable[amountMinorUnits]
}

func GrantFor(amountMinorUnits int64) model.CreditGrant {
	return model.CreditGrant{
		AmountMinorUnits: amountMinorUnits,
		Credits:          CreditsFor(amountMinorUnits),
	}
}

// PriceTable returns a copy of the amount to credits table.
func PriceTable() map[int64]int64 {
	out := make(map[int64]int64, len(priceTable))
	for amount, credits := range priceTable {
		out[amount] = credits
	}
	return out
}
