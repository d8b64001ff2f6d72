// Package model defines the core domain types shared across the execution
// engine. All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderCategory distinguishes same-day exposure from carried exposure.
type OrderCategory string

const (
	CategoryIntraday OrderCategory = "intraday"
	CategoryDelivery OrderCategory = "delivery"
)

// Valid reports whether c is a known category.
func (c OrderCategory) Valid() bool {
	return c == CategoryIntraday || c == CategoryDelivery
}

// OrderVariant is the order type.
type OrderVariant string

const (
	VariantMarket     OrderVariant = "market"
	VariantLimit      OrderVariant = "limit"
	VariantStopLimit  OrderVariant = "stop_limit"
	VariantStopMarket OrderVariant = "stop_market"
)

// Valid reports whether v is a known variant.
func (v OrderVariant) Valid() bool {
	switch v {
	case VariantMarket, VariantLimit, VariantStopLimit, VariantStopMarket:
		return true
	}
	return false
}

// NeedsLimitPrice reports whether orders of this variant carry a limit price.
func (v OrderVariant) NeedsLimitPrice() bool {
	return v == VariantLimit || v == VariantStopLimit
}

// NeedsTriggerPrice reports whether orders of this variant carry a trigger price.
func (v OrderVariant) NeedsTriggerPrice() bool {
	return v == VariantStopLimit || v == VariantStopMarket
}

// Resting reports whether orders of this variant wait in the pending index
// for a price tick instead of executing immediately.
func (v OrderVariant) Resting() bool {
	return v != VariantMarket
}

// Side is the transaction direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is a node of the order state machine.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusExecuted  OrderStatus = "executed"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
	StatusExpired   OrderStatus = "expired"
	StatusPartial   OrderStatus = "partial"
)

// Terminal reports whether no further transition is allowed out of s.
// Every status other than pending is terminal.
func (s OrderStatus) Terminal() bool {
	return s != StatusPending
}

// Order sources, recorded on the order for auditing forced exits.
const (
	SourceUser           = "user"
	SourceRiskMonitor    = "risk_monitor"
	SourceIntradayCutoff = "intraday_cutoff"
	SourceUserSquareOff  = "user_square_off"
)

// Charges is the fee breakdown of one order execution.
type Charges struct {
	Commission     decimal.Decimal `json:"commission"`
	TransactionTax decimal.Decimal `json:"transaction_tax"`
	ExchangeFee    decimal.Decimal `json:"exchange_fee"`
	TaxOnFees      decimal.Decimal `json:"tax_on_fees"`
	RegulatoryFee  decimal.Decimal `json:"regulatory_fee"`
	StampDuty      decimal.Decimal `json:"stamp_duty"`
	Total          decimal.Decimal `json:"total"`
}

// Wallet is the cash account of one user. Only the wallet ledger writes it.
type Wallet struct {
	UserID           string          `json:"user_id" db:"user_id"`
	Balance          decimal.Decimal `json:"balance" db:"balance"`
	LockedAmount     decimal.Decimal `json:"locked_amount" db:"locked_amount"`
	AvailableBalance decimal.Decimal `json:"available_balance" db:"available_balance"`
	RealizedProfit   decimal.Decimal `json:"realized_profit" db:"realized_profit"`
	RealizedLoss     decimal.Decimal `json:"realized_loss" db:"realized_loss"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Recompute derives AvailableBalance from Balance and LockedAmount.
func (w *Wallet) Recompute() {
	w.AvailableBalance = w.Balance.Sub(w.LockedAmount)
}

// Consistent reports whether the wallet satisfies its balance invariant.
func (w *Wallet) Consistent() bool {
	if w.Balance.IsNegative() || w.LockedAmount.IsNegative() || w.AvailableBalance.IsNegative() {
		return false
	}
	return w.AvailableBalance.Equal(w.Balance.Sub(w.LockedAmount))
}

// TransactionType is the direction of a ledger entry.
type TransactionType string

const (
	TxCredit TransactionType = "credit"
	TxDebit  TransactionType = "debit"
)

// TransactionKind says what produced a ledger entry. Only deposit and trade
// entries move the balance; the rest audit changes to the locked amount.
type TransactionKind string

const (
	KindDeposit TransactionKind = "deposit"
	KindReserve TransactionKind = "reserve"
	KindRelease TransactionKind = "release"
	KindTrade   TransactionKind = "trade"
	KindRefund  TransactionKind = "refund"
)

// Transaction is an immutable ledger entry. Once created, these are never
// modified or deleted.
type Transaction struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Type          TransactionType `json:"type" db:"type"`
	Kind          TransactionKind `json:"kind" db:"kind"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Reason        string          `json:"reason" db:"reason"`
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	LockedBefore  decimal.Decimal `json:"locked_before" db:"locked_before"`
	LockedAfter   decimal.Decimal `json:"locked_after" db:"locked_after"`
	OrderID       string          `json:"order_id,omitempty" db:"order_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// BalanceDelta is the signed change this entry made to the balance.
func (t Transaction) BalanceDelta() decimal.Decimal {
	return t.BalanceAfter.Sub(t.BalanceBefore)
}

// Order is one trading intent and, once executed, its financial outcome.
type Order struct {
	ID               string          `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Symbol           string          `json:"symbol" db:"symbol"`
	Exchange         string          `json:"exchange" db:"exchange"`
	Category         OrderCategory   `json:"category" db:"category"`
	Variant          OrderVariant    `json:"variant" db:"variant"`
	Side             Side            `json:"side" db:"side"`
	Quantity         int64           `json:"quantity" db:"quantity"`
	LimitPrice       decimal.Decimal `json:"limit_price" db:"limit_price"`
	TriggerPrice     decimal.Decimal `json:"trigger_price" db:"trigger_price"`
	Status           OrderStatus     `json:"status" db:"status"`
	EstimatedPrice   decimal.Decimal `json:"estimated_price" db:"estimated_price"`
	ReservedAmount   decimal.Decimal `json:"reserved_amount" db:"reserved_amount"`
	ExecutedPrice    decimal.Decimal `json:"executed_price" db:"executed_price"`
	ExecutedQuantity int64           `json:"executed_quantity" db:"executed_quantity"`
	OrderValue       decimal.Decimal `json:"order_value" db:"order_value"`
	Charges          Charges         `json:"charges" db:"charges"`
	NetAmount        decimal.Decimal `json:"net_amount" db:"net_amount"`
	Source           string          `json:"source" db:"source"`
	PositionID       string          `json:"position_id,omitempty" db:"position_id"`
	RejectionReason  string          `json:"rejection_reason,omitempty" db:"rejection_reason"`
	CancelReason     string          `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
	ExecutedAt       time.Time       `json:"executed_at,omitempty" db:"executed_at"`
}

// SignedQuantity is +Quantity for buys and -Quantity for sells.
func (o *Order) SignedQuantity() int64 {
	if o.Side == SideSell {
		return -o.Quantity
	}
	return o.Quantity
}

// Position is the open exposure of one user in one instrument and category.
type Position struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Exchange     string          `json:"exchange" db:"exchange"`
	Category     OrderCategory   `json:"category" db:"category"`
	Quantity     int64           `json:"quantity" db:"quantity"` // signed: +long, -short
	AveragePrice decimal.Decimal `json:"average_price" db:"average_price"`
	MarkPrice    decimal.Decimal `json:"mark_price" db:"mark_price"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl" db:"unrealized_pl"`
	RealizedPL   decimal.Decimal `json:"realized_pl" db:"realized_pl"`
	// HeldQuantity is the part of a delivery position already merged into
	// the holding ledger at execution time.
	HeldQuantity int64     `json:"held_quantity" db:"held_quantity"`
	ExpiresAt    time.Time `json:"expires_at,omitempty" db:"expires_at"`
	IsClosed     bool      `json:"is_closed" db:"is_closed"`
	ClosedReason string    `json:"closed_reason,omitempty" db:"closed_reason"`
	IsConverted  bool      `json:"is_converted" db:"is_converted"`
	OpenedAt     time.Time `json:"opened_at" db:"opened_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
	ClosedAt     time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// Revalue marks the position to price and recomputes unrealized P&L.
func (p *Position) Revalue(price decimal.Decimal) {
	p.MarkPrice = price
	if p.Quantity == 0 {
		p.UnrealizedPL = decimal.Zero
		return
	}
	p.UnrealizedPL = price.Sub(p.AveragePrice).Mul(decimal.NewFromInt(p.Quantity)).Round(2)
}

// Holding is the long-term aggregate of delivered shares.
type Holding struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Exchange        string          `json:"exchange" db:"exchange"`
	Quantity        int64           `json:"quantity" db:"quantity"`
	AverageBuyPrice decimal.Decimal `json:"average_buy_price" db:"average_buy_price"`
	TotalInvestment decimal.Decimal `json:"total_investment" db:"total_investment"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Trade is an immutable realized-P&L record pairing a buy with a sell.
type Trade struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Exchange        string          `json:"exchange" db:"exchange"`
	Category        OrderCategory   `json:"category" db:"category"`
	BuyOrderID      string          `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID     string          `json:"sell_order_id" db:"sell_order_id"`
	Quantity        int64           `json:"quantity" db:"quantity"`
	BuyPrice        decimal.Decimal `json:"buy_price" db:"buy_price"`
	SellPrice       decimal.Decimal `json:"sell_price" db:"sell_price"`
	BuyCharges      decimal.Decimal `json:"buy_charges" db:"buy_charges"`
	SellCharges     decimal.Decimal `json:"sell_charges" db:"sell_charges"`
	GrossPL         decimal.Decimal `json:"gross_pl" db:"gross_pl"`
	NetPL           decimal.Decimal `json:"net_pl" db:"net_pl"`
	BuyTime         time.Time       `json:"buy_time" db:"buy_time"`
	SellTime        time.Time       `json:"sell_time" db:"sell_time"`
	HoldingDuration time.Duration   `json:"holding_duration" db:"holding_duration"`
}

// Portfolio aggregates a user's wallet, exposure and realized history.
type Portfolio struct {
	UserID          string          `json:"user_id"`
	Wallet          *Wallet         `json:"wallet,omitempty"`
	Positions       []Position      `json:"positions"`
	Holdings        []Holding       `json:"holdings"`
	Trades          []Trade         `json:"trades"`
	UnrealizedPL    decimal.Decimal `json:"unrealized_pl"`
	RealizedPL      decimal.Decimal `json:"realized_pl"`
	TotalInvestment decimal.Decimal `json:"total_investment"`
}
