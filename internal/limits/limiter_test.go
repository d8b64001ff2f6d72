package limits

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewExposureLimiter(d(100000), d(500000))

	err := limiter.CheckLimit("NSE:INFY", d(10000), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerInstrumentExceeded(t *testing.T) {
	limiter := NewExposureLimiter(d(100000), d(500000))

	// Existing 95k + new 10k = 105k > 100k.
	existing := map[string]decimal.Decimal{
		"NSE:INFY": d(95000),
	}

	err := limiter.CheckLimit("NSE:INFY", d(10000), existing)
	if err != ErrPerInstrumentLimitExceeded {
		t.Errorf("expected ErrPerInstrumentLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ReducingTradeAllowed(t *testing.T) {
	limiter := NewExposureLimiter(d(100000), d(500000))

	// Already above the limit (e.g. price moved); selling reduces exposure.
	existing := map[string]decimal.Decimal{
		"NSE:INFY": d(120000),
	}

	err := limiter.CheckLimit("NSE:INFY", d(-30000), existing)
	if err != nil {
		t.Errorf("reducing trade should be allowed, got %v", err)
	}
}

func TestCheckLimit_AggregateExceeded(t *testing.T) {
	limiter := NewExposureLimiter(d(100000), d(200000))

	existing := map[string]decimal.Decimal{
		"NSE:INFY":  d(80000),
		"NSE:TCS":   d(-80000), // short exposure counts by magnitude
		"NSE:WIPRO": d(30000),
	}

	// total = 20000 + 80000 + 80000 + 30000 = 210000 > 200000
	err := limiter.CheckLimit("NSE:HDFC", d(20000), existing)
	if err != ErrAggregateLimitExceeded {
		t.Errorf("expected ErrAggregateLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_OtherExchangeIgnored(t *testing.T) {
	limiter := NewExposureLimiter(d(100000), d(200000))

	existing := map[string]decimal.Decimal{
		"NSE:INFY": d(80000),
		"BSE:INFY": d(90000), // different exchange
	}

	// NSE total = 50000 + 80000 = 130000 < 200000
	err := limiter.CheckLimit("NSE:TCS", d(50000), existing)
	if err != nil {
		t.Errorf("other-exchange exposure should be ignored, got %v", err)
	}
}

func TestCheckLimit_ZeroDisables(t *testing.T) {
	limiter := NewExposureLimiter(decimal.Zero, decimal.Zero)

	existing := map[string]decimal.Decimal{"NSE:INFY": d(1e12)}
	if err := limiter.CheckLimit("NSE:INFY", d(1e12), existing); err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}

func TestCheckLimit_NilLimiter(t *testing.T) {
	var limiter *ExposureLimiter
	if err := limiter.CheckLimit("NSE:INFY", d(1), nil); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}
}
