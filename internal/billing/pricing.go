// Package billing prices completed requests and settles them against the
// user's balance, the durable usage log, and the rate-limit token counters.
package billing

import "github.com/shopspring/decimal"

// costScale is the decimal precision of the credit ledger. Charges round up
// so fractional micro-credits never accumulate in the house's favor.
const costScale = 6

// CeilCost rounds a raw cost up to the ledger precision. Non-positive
// amounts collapse to zero.
func CeilCost(raw decimal.Decimal) decimal.Decimal {
	if raw.Sign() <= 0 {
		return decimal.Zero
	}
	return raw.RoundCeil(costScale)
}

// Cost computes the charge for one request given per-token prices. Each
// axis rounds up independently before summing, so a prompt-side fraction
// never offsets a completion-side one.
func Cost(promptPrice, completionPrice decimal.Decimal, promptTokens, completionTokens int) decimal.Decimal {
	in := CeilCost(promptPrice.Mul(decimal.NewFromInt(int64(promptTokens))))
	out := CeilCost(completionPrice.Mul(decimal.NewFromInt(int64(completionTokens))))
	return in.Add(out)
}
