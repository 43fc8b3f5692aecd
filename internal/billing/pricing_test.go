package billing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCost(t *testing.T) {
	cases := []struct {
		name             string
		promptPrice      string
		completionPrice  string
		promptTokens     int
		completionTokens int
		want             string
	}{
		{"zero tokens", "0.000001", "0.000002", 0, 0, "0"},
		{"exact", "0.000001", "0.000002", 100, 50, "0.0002"},
		{"rounds up below precision", "0.0000001", "0", 1, 0, "0.000001"},
		{"rounds up mid", "0.0000015", "0", 1, 0, "0.000002"},
		{"never rounds down", "0.0000010000001", "0", 1, 0, "0.000002"},
		{"free model", "0", "0", 1000, 1000, "0"},
		{"large", "0.00001", "0.00003", 100000, 20000, "1.6"},
		// Each axis rounds up on its own: two sub-micro terms charge two
		// micro-credits, not one.
		{"per-axis ceiling", "0.0000001", "0.0000001", 1, 1, "0.000002"},
		{"per-axis ceiling mixed", "0.0000015", "0.0000015", 1, 1, "0.000004"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Cost(dec(c.promptPrice), dec(c.completionPrice), c.promptTokens, c.completionTokens)
			if !got.Equal(dec(c.want)) {
				t.Fatalf("Cost = %s, want %s", got, c.want)
			}
		})
	}
}

// Charges always round toward the ceiling at ledger precision: the charge is
// never less than the raw price, and never more than one micro-credit above.
func TestCeilCostProperty(t *testing.T) {
	step := dec("0.0000001")
	micro := dec("0.000001")
	raw := decimal.Zero
	for i := 0; i < 100; i++ {
		raw = raw.Add(step)
		got := CeilCost(raw)
		if got.LessThan(raw) {
			t.Fatalf("CeilCost(%s) = %s rounded down", raw, got)
		}
		if got.Sub(raw).GreaterThanOrEqual(micro) {
			t.Fatalf("CeilCost(%s) = %s overshoots by a full micro-credit", raw, got)
		}
		if got.Exponent() < -6 {
			t.Fatalf("CeilCost(%s) = %s has more than 6 decimal places", raw, got)
		}
	}
}

func TestCeilCostNegative(t *testing.T) {
	if got := CeilCost(dec("-0.5")); !got.IsZero() {
		t.Fatalf("negative raw cost must clamp to zero, got %s", got)
	}
}
