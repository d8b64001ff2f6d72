package charges

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tradesim/execution-engine/internal/model"
)

// d is a test helper for creating decimals from strings.
func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// flatSchedule charges a single uncapped commission rate and nothing else.
func flatSchedule(rate string) Schedule {
	flat := CategoryRates{BrokerageRate: d(rate)}
	return Schedule{
		Intraday:         flat,
		Delivery:         flat,
		ExchangeFeeRates: map[string]decimal.Decimal{"NSE": decimal.Zero, "BSE": decimal.Zero},
	}
}

func TestCalculate_IntradayBuyDefaultSchedule(t *testing.T) {
	c := NewCalculator(DefaultSchedule())

	b, err := c.Calculate(Input{
		Category: model.CategoryIntraday,
		Side:     model.SideBuy,
		Quantity: 100,
		Price:    d("500"),
		Exchange: "NSE",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		name string
		got  decimal.Decimal
		want string
	}{
		{"order value", b.OrderValue, "50000"},
		{"commission", b.Commission, "15"},
		{"transaction tax", b.TransactionTax, "0"},
		{"exchange fee", b.ExchangeFee, "1.49"},
		{"regulatory fee", b.RegulatoryFee, "0.05"},
		{"tax on fees", b.TaxOnFees, "2.98"},
		{"stamp duty", b.StampDuty, "1.5"},
		{"total", b.Total, "21.02"},
		{"net amount", b.NetAmount, "50021.02"},
	}
	for _, tc := range cases {
		if !tc.got.Equal(d(tc.want)) {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.want, tc.got)
		}
	}
}

func TestCalculate_DeliverySellDeductsCharges(t *testing.T) {
	c := NewCalculator(DefaultSchedule())

	b, err := c.Calculate(Input{
		Category: model.CategoryDelivery,
		Side:     model.SideSell,
		Quantity: 10,
		Price:    d("110"),
		Exchange: "NSE",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !b.StampDuty.IsZero() {
		t.Errorf("stamp duty applies to buys only, got %s", b.StampDuty)
	}
	if !b.TransactionTax.Equal(d("1.1")) {
		t.Errorf("expected transaction tax 1.10, got %s", b.TransactionTax)
	}
	if !b.Total.Equal(d("1.14")) {
		t.Errorf("expected total 1.14, got %s", b.Total)
	}
	if !b.NetAmount.Equal(d("1098.86")) {
		t.Errorf("expected net 1098.86, got %s", b.NetAmount)
	}
}

func TestCalculate_BrokerageCap(t *testing.T) {
	c := NewCalculator(DefaultSchedule())

	// 0.03% of 1,000,000 = 300, capped at 20.
	b, err := c.Calculate(Input{
		Category: model.CategoryIntraday,
		Side:     model.SideSell,
		Quantity: 1000,
		Price:    d("1000"),
		Exchange: "BSE",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Commission.Equal(d("20")) {
		t.Errorf("expected capped commission 20, got %s", b.Commission)
	}
}

func TestCalculate_HalfPercentScenario(t *testing.T) {
	c := NewCalculator(flatSchedule("0.0005"))

	b, err := c.Calculate(Input{
		Category: model.CategoryDelivery,
		Side:     model.SideBuy,
		Quantity: 10,
		Price:    d("100"),
		Exchange: "NSE",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.OrderValue.Equal(d("1000")) {
		t.Errorf("expected order value 1000, got %s", b.OrderValue)
	}
	if !b.NetAmount.Equal(d("1000.5")) {
		t.Errorf("expected net 1000.50, got %s", b.NetAmount)
	}
}

func TestCalculate_RoundsHalfAwayFromZero(t *testing.T) {
	// 0.0005 × 1 × 9 = 0.0045 → 0.00 ; 0.0005 × 1 × 10 = 0.005 → 0.01
	c := NewCalculator(flatSchedule("0.0005"))

	b, _ := c.Calculate(Input{Category: model.CategoryIntraday, Side: model.SideBuy, Quantity: 1, Price: d("10"), Exchange: "NSE"})
	if !b.Commission.Equal(d("0.01")) {
		t.Errorf("expected 0.005 to round to 0.01, got %s", b.Commission)
	}
	b, _ = c.Calculate(Input{Category: model.CategoryIntraday, Side: model.SideBuy, Quantity: 1, Price: d("9"), Exchange: "NSE"})
	if !b.Commission.IsZero() {
		t.Errorf("expected 0.0045 to round to 0, got %s", b.Commission)
	}
}

func TestCalculate_Deterministic(t *testing.T) {
	c := NewCalculator(DefaultSchedule())
	in := Input{Category: model.CategoryIntraday, Side: model.SideSell, Quantity: 37, Price: d("1234.55"), Exchange: "NSE"}

	first, _ := c.Calculate(in)
	for i := 0; i < 10; i++ {
		again, _ := c.Calculate(in)
		if !again.NetAmount.Equal(first.NetAmount) || !again.Total.Equal(first.Total) {
			t.Fatalf("calculation not deterministic: %s vs %s", again.NetAmount, first.NetAmount)
		}
	}
}

func TestCalculate_ValidationErrors(t *testing.T) {
	c := NewCalculator(DefaultSchedule())
	base := Input{Category: model.CategoryIntraday, Side: model.SideBuy, Quantity: 1, Price: d("10"), Exchange: "NSE"}

	cases := []struct {
		name   string
		mutate func(*Input)
	}{
		{"zero quantity", func(in *Input) { in.Quantity = 0 }},
		{"negative quantity", func(in *Input) { in.Quantity = -5 }},
		{"zero price", func(in *Input) { in.Price = decimal.Zero }},
		{"negative price", func(in *Input) { in.Price = d("-1") }},
		{"unknown exchange", func(in *Input) { in.Exchange = "LSE" }},
		{"unknown category", func(in *Input) { in.Category = "swing" }},
		{"unknown side", func(in *Input) { in.Side = "hold" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := base
			tc.mutate(&in)
			_, err := c.Calculate(in)
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}
