// Package limits implements pre-trade exposure limits for equity orders.
//
// A user buying the same exposure across many instruments of one exchange
// carries concentrated risk. This package groups instruments by exchange
// using the instrument key prefix ({EXCHANGE}:{SYMBOL}) and enforces both a
// per-instrument and an aggregate per-exchange limit on signed notional.
package limits

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerInstrumentLimitExceeded is returned when an order would push a
	// single instrument's absolute notional beyond the per-instrument maximum.
	ErrPerInstrumentLimitExceeded = errors.New("limits: per-instrument exposure limit exceeded")

	// ErrAggregateLimitExceeded is returned when an order would push the
	// summed absolute notional across one exchange beyond the aggregate
	// maximum.
	ErrAggregateLimitExceeded = errors.New("limits: aggregate exchange exposure limit exceeded")
)

// ExposureLimiter enforces notional exposure limits.
//
// A zero maximum disables that check.
type ExposureLimiter struct {
	// MaxPerInstrument is the maximum absolute net notional in any single
	// instrument.
	MaxPerInstrument decimal.Decimal

	// MaxPerExchange is the maximum aggregate absolute notional across all
	// instruments listed on the same exchange.
	MaxPerExchange decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given per-instrument and
// aggregate limits.
func NewExposureLimiter(maxPerInstrument, maxPerExchange decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerInstrument: maxPerInstrument,
		MaxPerExchange:   maxPerExchange,
	}
}

// CheckLimit validates whether an order respects exposure limits.
//
// Parameters:
//   - target: instrument key of the order ({EXCHANGE}:{SYMBOL})
//   - delta: signed change in notional (+buy / -sell)
//   - existing: map of instrument key → current signed notional for this user
//
// Returns nil if the order is within limits, or an error describing the violation.
func (l *ExposureLimiter) CheckLimit(
	target string,
	delta decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	if l == nil {
		return nil
	}

	// 1. Per-instrument limit.
	newPosition := existing[target].Add(delta)

	if l.MaxPerInstrument.IsPositive() && newPosition.Abs().GreaterThan(l.MaxPerInstrument) {
		return ErrPerInstrumentLimitExceeded
	}

	if !l.MaxPerExchange.IsPositive() {
		return nil
	}

	// 2. Aggregate exposure: sum |notional| across instruments on the
	// same exchange.
	group := exchangeOf(target)
	total := newPosition.Abs()

	for key, exposure := range existing {
		if key == target {
			continue // already counted via newPosition above
		}
		if exchangeOf(key) == group {
			total = total.Add(exposure.Abs())
		}
	}

	if total.GreaterThan(l.MaxPerExchange) {
		return ErrAggregateLimitExceeded
	}

	return nil
}

// exchangeOf returns the exchange prefix of an instrument key.
func exchangeOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}
