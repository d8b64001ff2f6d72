// Package charges computes the fee breakdown of an equity order.
//
// The calculator is a pure function of its input and the configured
// Schedule: it holds no state and may be called any number of times with
// identical results. The execution engine relies on that to re-derive
// charges at the fill price instead of trusting the placement estimate.
//
// All monetary values use shopspring/decimal, never float64.
package charges

import (
	"github.com/shopspring/decimal"

	"github.com/tradesim/execution-engine/internal/model"
)

// MoneyScale is the number of decimal places for every monetary output.
const MoneyScale int32 = 2

// CategoryRates are the rates that differ between intraday and delivery.
type CategoryRates struct {
	// BrokerageRate is the commission as a fraction of order value.
	BrokerageRate decimal.Decimal
	// BrokerageCap caps the commission per order. Zero means uncapped.
	BrokerageCap decimal.Decimal
	// TransactionTaxBuy / TransactionTaxSell are securities transaction tax
	// rates per side.
	TransactionTaxBuy  decimal.Decimal
	TransactionTaxSell decimal.Decimal
	// StampDutyBuy is levied on the buy side only.
	StampDutyBuy decimal.Decimal
}

// Schedule is the complete rate table.
type Schedule struct {
	Intraday CategoryRates
	Delivery CategoryRates
	// ExchangeFeeRates maps exchange code → transaction charge rate.
	ExchangeFeeRates map[string]decimal.Decimal
	// TaxOnFeesRate (GST) applies to brokerage + exchange fee + regulatory fee.
	TaxOnFeesRate decimal.Decimal
	// RegulatoryFeeRate is the market regulator's turnover fee.
	RegulatoryFeeRate decimal.Decimal
}

// DefaultSchedule returns the Indian cash-equity rate table the simulator
// ships with.
func DefaultSchedule() Schedule {
	return Schedule{
		Intraday: CategoryRates{
			BrokerageRate:      decimal.RequireFromString("0.0003"),
			BrokerageCap:       decimal.NewFromInt(20),
			TransactionTaxBuy:  decimal.Zero,
			TransactionTaxSell: decimal.RequireFromString("0.00025"),
			StampDutyBuy:       decimal.RequireFromString("0.00003"),
		},
		Delivery: CategoryRates{
			BrokerageRate:      decimal.Zero,
			TransactionTaxBuy:  decimal.RequireFromString("0.001"),
			TransactionTaxSell: decimal.RequireFromString("0.001"),
			StampDutyBuy:       decimal.RequireFromString("0.00015"),
		},
		ExchangeFeeRates: map[string]decimal.Decimal{
			"NSE": decimal.RequireFromString("0.0000297"),
			"BSE": decimal.RequireFromString("0.0000375"),
		},
		TaxOnFeesRate:     decimal.RequireFromString("0.18"),
		RegulatoryFeeRate: decimal.RequireFromString("0.000001"),
	}
}

// Input describes the order being priced.
type Input struct {
	Category model.OrderCategory
	Side     model.Side
	Quantity int64
	Price    decimal.Decimal
	Exchange string
}

// Breakdown is the result of a calculation.
type Breakdown struct {
	model.Charges
	OrderValue decimal.Decimal `json:"order_value"`
	NetAmount  decimal.Decimal `json:"net_amount"`
}

// Calculator prices orders against a Schedule.
type Calculator struct {
	schedule Schedule
}

// NewCalculator creates a calculator for the given schedule.
func NewCalculator(s Schedule) *Calculator {
	return &Calculator{schedule: s}
}

// Schedule returns the rate table in use.
func (c *Calculator) Schedule() Schedule {
	return c.schedule
}

// Calculate returns the fee breakdown for in. It fails with
// model.ErrValidation if quantity or price is not positive or if the
// category, side or exchange is unknown.
func (c *Calculator) Calculate(in Input) (Breakdown, error) {
	if in.Quantity <= 0 {
		return Breakdown{}, model.Validationf("quantity must be positive, got %d", in.Quantity)
	}
	if !in.Price.IsPositive() {
		return Breakdown{}, model.Validationf("price must be positive, got %s", in.Price)
	}
	if !in.Side.Valid() {
		return Breakdown{}, model.Validationf("unknown side %q", in.Side)
	}

	var rates CategoryRates
	switch in.Category {
	case model.CategoryIntraday:
		rates = c.schedule.Intraday
	case model.CategoryDelivery:
		rates = c.schedule.Delivery
	default:
		return Breakdown{}, model.Validationf("unknown category %q", in.Category)
	}

	exchangeRate, ok := c.schedule.ExchangeFeeRates[in.Exchange]
	if !ok {
		return Breakdown{}, model.Validationf("unknown exchange %q", in.Exchange)
	}

	value := in.Price.Mul(decimal.NewFromInt(in.Quantity))

	commission := value.Mul(rates.BrokerageRate)
	if rates.BrokerageCap.IsPositive() && commission.GreaterThan(rates.BrokerageCap) {
		commission = rates.BrokerageCap
	}
	commission = round(commission)

	taxRate := rates.TransactionTaxSell
	stamp := decimal.Zero
	if in.Side == model.SideBuy {
		taxRate = rates.TransactionTaxBuy
		stamp = round(value.Mul(rates.StampDutyBuy))
	}
	transactionTax := round(value.Mul(taxRate))
	exchangeFee := round(value.Mul(exchangeRate))
	regulatoryFee := round(value.Mul(c.schedule.RegulatoryFeeRate))
	taxOnFees := round(commission.Add(exchangeFee).Add(regulatoryFee).Mul(c.schedule.TaxOnFeesRate))

	total := commission.Add(transactionTax).Add(exchangeFee).Add(taxOnFees).Add(regulatoryFee).Add(stamp)
	value = round(value)

	net := value.Add(total)
	if in.Side == model.SideSell {
		net = value.Sub(total)
	}

	return Breakdown{
		Charges: model.Charges{
			Commission:     commission,
			TransactionTax: transactionTax,
			ExchangeFee:    exchangeFee,
			TaxOnFees:      taxOnFees,
			RegulatoryFee:  regulatoryFee,
			StampDuty:      stamp,
			Total:          total,
		},
		OrderValue: value,
		NetAmount:  net,
	}, nil
}

// round applies standard half-away-from-zero rounding to MoneyScale places.
func round(v decimal.Decimal) decimal.Decimal {
	return v.Round(MoneyScale)
}
