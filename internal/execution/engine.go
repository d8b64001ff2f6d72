// Package execution turns pending orders into executed or rejected ones.
//
// An execution moves money first, then writes the order, then the holding
// and trade records, then the position. Every execution of an order runs
// under the per-order lock shared with cancellation, so at most one of them
// can act on a pending order. The fill itself also holds the lock of the
// user's book in the instrument, so concurrent orders never match the same
// lot or sell the same shares.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradesim/execution-engine/internal/charges"
	"github.com/tradesim/execution-engine/internal/event"
	"github.com/tradesim/execution-engine/internal/holding"
	"github.com/tradesim/execution-engine/internal/instrument"
	"github.com/tradesim/execution-engine/internal/keylock"
	"github.com/tradesim/execution-engine/internal/market"
	"github.com/tradesim/execution-engine/internal/metrics"
	"github.com/tradesim/execution-engine/internal/model"
	"github.com/tradesim/execution-engine/internal/pending"
	"github.com/tradesim/execution-engine/internal/store"
	"github.com/tradesim/execution-engine/internal/wallet"
)

// Wallet is the part of the ledger an execution moves money through.
type Wallet interface {
	Settle(ctx context.Context, userID string, reserved, actual decimal.Decimal, orderID string) error
	Credit(ctx context.Context, req wallet.CreditRequest) error
	Release(ctx context.Context, userID string, amount decimal.Decimal, orderID, reason string) error
}

// Holdings plans and records the realized side of an execution.
type Holdings interface {
	Plan(ctx context.Context, o *model.Order, price, totalCharges decimal.Decimal) (*holding.Plan, error)
	Record(ctx context.Context, o *model.Order, plan *holding.Plan) (int64, error)
}

// Positions folds executed orders into open exposure.
type Positions interface {
	Apply(ctx context.Context, o *model.Order, held int64) (*model.Position, error)
}

// Deps bundles the collaborators of an Engine.
type Deps struct {
	Orders    store.OrderStore
	Wallet    Wallet
	Holdings  Holdings
	Positions Positions
	Prices    market.PriceSource
	Calc      *charges.Calculator
	Index     pending.Index
	// Locks must be the per-order and per-book lock map the order manager
	// uses.
	Locks  *keylock.Map
	Events event.Publisher
	Logger *slog.Logger
}

// Engine executes orders.
type Engine struct {
	orders    store.OrderStore
	wallet    Wallet
	holdings  Holdings
	positions Positions
	prices    market.PriceSource
	calc      *charges.Calculator
	index     pending.Index
	locks     *keylock.Map
	events    event.Publisher
	logger    *slog.Logger
	now       func() time.Time

	// settled holds orders whose money moved but whose executed status
	// could not be written. They are never executed again by this process.
	settled sync.Map

	saveAttempts int
	saveBackoff  time.Duration
}

// NewEngine creates an execution engine.
func NewEngine(deps Deps) *Engine {
	if deps.Events == nil {
		deps.Events = event.Discard
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Locks == nil {
		deps.Locks = keylock.New()
	}
	return &Engine{
		orders:       deps.Orders,
		wallet:       deps.Wallet,
		holdings:     deps.Holdings,
		positions:    deps.Positions,
		prices:       deps.Prices,
		calc:         deps.Calc,
		index:        deps.Index,
		locks:        deps.Locks,
		events:       deps.Events,
		logger:       deps.Logger,
		now:          time.Now,
		saveAttempts: 3,
		saveBackoff:  50 * time.Millisecond,
	}
}

// Triggered reports whether a resting order of the given variant and side
// executes at price, and at which fill price.
//
//	limit        buy:  price <= limit    fills at price
//	limit        sell: price >= limit    fills at price
//	stop_limit   buy:  price >= trigger  fills at limit
//	stop_limit   sell: price <= trigger  fills at limit
//	stop_market  buy:  price >= trigger  fills at price
//	stop_market  sell: price <= trigger  fills at price
func Triggered(variant model.OrderVariant, side model.Side, limit, trigger, price decimal.Decimal) (decimal.Decimal, bool) {
	buy := side == model.SideBuy
	switch variant {
	case model.VariantMarket:
		return price, true
	case model.VariantLimit:
		if (buy && price.LessThanOrEqual(limit)) || (!buy && price.GreaterThanOrEqual(limit)) {
			return price, true
		}
	case model.VariantStopLimit:
		if (buy && price.GreaterThanOrEqual(trigger)) || (!buy && price.LessThanOrEqual(trigger)) {
			return limit, true
		}
	case model.VariantStopMarket:
		if (buy && price.GreaterThanOrEqual(trigger)) || (!buy && price.LessThanOrEqual(trigger)) {
			return price, true
		}
	}
	return decimal.Zero, false
}

// ExecuteMarket executes a pending market order at the current price. It
// waits for any in-flight operation on the order. An order that is no
// longer pending is a state conflict. When execution fails the order is
// rejected and returned together with an error wrapping
// model.ErrExecutionFailure.
func (e *Engine) ExecuteMarket(ctx context.Context, orderID string) (*model.Order, error) {
	unlock := e.locks.Lock(orderID)
	defer unlock()

	o, err := e.load(ctx, orderID, "execute")
	if err != nil {
		return nil, err
	}
	if o.Variant != model.VariantMarket {
		return nil, model.Validationf("order %s is a %s order, only market orders execute on demand", o.ID, o.Variant)
	}

	price, err := e.prices.CurrentPrice(ctx, o.Symbol, o.Exchange)
	if err != nil {
		return e.reject(ctx, o, "market price unavailable", err)
	}
	return e.fill(ctx, o, price)
}

// ExecuteLimit executes a pending limit order if price satisfies its limit.
// It returns (nil, nil) when there is nothing to do: the order is not
// pending, is being handled elsewhere, or the limit is not reached.
func (e *Engine) ExecuteLimit(ctx context.Context, orderID string, price decimal.Decimal) (*model.Order, error) {
	return e.executeResting(ctx, orderID, price, model.VariantLimit)
}

// ExecuteStop executes a pending stop-limit or stop-market order if price
// crosses its trigger. No-op cases return (nil, nil) as in ExecuteLimit.
func (e *Engine) ExecuteStop(ctx context.Context, orderID string, price decimal.Decimal) (*model.Order, error) {
	return e.executeResting(ctx, orderID, price, model.VariantStopLimit, model.VariantStopMarket)
}

func (e *Engine) executeResting(ctx context.Context, orderID string, price decimal.Decimal, variants ...model.OrderVariant) (*model.Order, error) {
	if !price.IsPositive() {
		return nil, model.Validationf("price must be positive, got %s", price)
	}

	unlock, ok := e.locks.TryLock(orderID)
	if !ok {
		return nil, nil
	}
	defer unlock()

	o, err := e.load(ctx, orderID, "execute")
	if errors.Is(err, model.ErrStateConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !slices.Contains(variants, o.Variant) {
		return nil, model.Validationf("order %s is a %s order", o.ID, o.Variant)
	}

	fillPrice, ok := Triggered(o.Variant, o.Side, o.LimitPrice, o.TriggerPrice, price)
	if !ok {
		return nil, nil
	}
	return e.fill(ctx, o, fillPrice)
}

// load fetches a pending order. Orders this process already settled count
// as not pending.
func (e *Engine) load(ctx context.Context, orderID, op string) (*model.Order, error) {
	o, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, done := e.settled.Load(orderID); done {
		return nil, &model.StateConflictError{Entity: "order", ID: o.ID, Status: string(model.StatusExecuted), Op: op}
	}
	if o.Status != model.StatusPending {
		return nil, &model.StateConflictError{Entity: "order", ID: o.ID, Status: string(o.Status), Op: op}
	}
	return o, nil
}

// fill executes o at price. Failures before money moves reject the order.
func (e *Engine) fill(ctx context.Context, o *model.Order, price decimal.Decimal) (*model.Order, error) {
	start := e.now()

	// Lots and the holding are read by Plan and consumed by Record; both run
	// under the book lock.
	unlock := e.locks.Lock(instrument.BookKey(o.UserID, o.Symbol, o.Exchange))
	defer unlock()

	b, err := e.calc.Calculate(charges.Input{
		Category: o.Category,
		Side:     o.Side,
		Quantity: o.Quantity,
		Price:    price,
		Exchange: o.Exchange,
	})
	if err != nil {
		return e.reject(ctx, o, "charges calculation failed", err)
	}

	plan, err := e.holdings.Plan(ctx, o, price, b.Total)
	if err != nil {
		return e.reject(ctx, o, "trade matching failed", err)
	}

	if o.Side == model.SideBuy {
		if err := e.wallet.Settle(ctx, o.UserID, o.ReservedAmount, b.NetAmount, o.ID); err != nil {
			return e.reject(ctx, o, "settlement failed", err)
		}
		if !plan.NetPL.IsZero() {
			// A buy covering a short realizes P&L without moving cash.
			if err := e.wallet.Credit(ctx, wallet.CreditRequest{UserID: o.UserID, OrderID: o.ID, RealizedPL: plan.NetPL}); err != nil {
				e.logger.Error("failed to book realized P&L", "order_id", o.ID, "user", o.UserID, "err", err)
			}
		}
	} else {
		err := e.wallet.Credit(ctx, wallet.CreditRequest{
			UserID:     o.UserID,
			Amount:     b.NetAmount,
			OrderID:    o.ID,
			Reason:     "sale proceeds",
			RealizedPL: plan.NetPL,
		})
		if err != nil {
			return e.reject(ctx, o, "credit failed", err)
		}
	}

	now := e.now()
	o.Status = model.StatusExecuted
	o.ExecutedPrice = price
	o.ExecutedQuantity = o.Quantity
	o.OrderValue = b.OrderValue
	o.Charges = b.Charges
	o.NetAmount = b.NetAmount
	o.ExecutedAt = now
	o.UpdatedAt = now

	if err := e.save(ctx, o); err != nil {
		e.settled.Store(o.ID, struct{}{})
		e.logger.Error("order settled but not saved",
			"order_id", o.ID, "user", o.UserID, "net_amount", o.NetAmount.String(), "err", err)
		return o, fmt.Errorf("%w: order %s settled but not saved: %w", model.ErrExecutionFailure, o.ID, err)
	}

	held, err := e.holdings.Record(ctx, o, plan)
	if err != nil {
		e.logger.Error("failed to record holdings and trades", "order_id", o.ID, "user", o.UserID, "err", err)
	}
	pos, err := e.positions.Apply(ctx, o, held)
	if err != nil {
		e.logger.Error("failed to update position", "order_id", o.ID, "user", o.UserID, "err", err)
	}

	e.unindex(ctx, o)
	metrics.OrderOutcomes.WithLabelValues(string(model.StatusExecuted)).Inc()
	metrics.ExecutionLatency.WithLabelValues(string(o.Variant)).Observe(e.now().Sub(start).Seconds())
	e.events.Publish(event.New(event.OrderExecuted, o.UserID, o))
	if pos != nil && pos.IsClosed {
		e.events.Publish(event.New(event.PositionClosed, pos.UserID, pos))
	}

	e.logger.Info("order executed",
		"order_id", o.ID,
		"user", o.UserID,
		"variant", o.Variant,
		"side", o.Side,
		"quantity", o.ExecutedQuantity,
		"price", price.String(),
		"charges", o.Charges.Total.String(),
		"net_amount", o.NetAmount.String(),
		"trades", len(plan.Trades),
	)
	return o, nil
}

// reject ends o as rejected and hands back its reservation.
func (e *Engine) reject(ctx context.Context, o *model.Order, reason string, cause error) (*model.Order, error) {
	if o.Side == model.SideBuy && o.ReservedAmount.IsPositive() {
		if err := e.wallet.Release(ctx, o.UserID, o.ReservedAmount, o.ID, "order rejected"); err != nil {
			e.logger.Error("failed to release reservation of rejected order",
				"order_id", o.ID, "user", o.UserID, "amount", o.ReservedAmount.String(), "err", err)
		}
	}

	o.Status = model.StatusRejected
	o.RejectionReason = fmt.Sprintf("%s: %v", reason, cause)
	o.UpdatedAt = e.now()
	if err := e.save(ctx, o); err != nil {
		e.logger.Error("failed to save rejected order", "order_id", o.ID, "err", err)
		return nil, errors.Join(fmt.Errorf("%w: %s: %w", model.ErrExecutionFailure, reason, cause), err)
	}

	e.unindex(ctx, o)
	metrics.OrderOutcomes.WithLabelValues(string(model.StatusRejected)).Inc()
	e.events.Publish(event.New(event.OrderRejected, o.UserID, o))
	e.logger.Warn("order rejected", "order_id", o.ID, "user", o.UserID, "reason", o.RejectionReason)
	return o, fmt.Errorf("%w: %s: %w", model.ErrExecutionFailure, reason, cause)
}

// save writes o, retrying transient failures.
func (e *Engine) save(ctx context.Context, o *model.Order) error {
	var err error
	for attempt := 0; attempt < e.saveAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(e.saveBackoff * time.Duration(attempt)):
			}
		}
		if err = e.orders.SaveOrder(ctx, o); err == nil {
			return nil
		}
		e.logger.Warn("order save failed", "order_id", o.ID, "attempt", attempt+1, "err", err)
	}
	return err
}

func (e *Engine) unindex(ctx context.Context, o *model.Order) {
	if !o.Variant.Resting() {
		return
	}
	if err := e.index.Remove(ctx, o.Symbol, o.Exchange, o.ID); err != nil {
		e.logger.Warn("pending index remove failed", "order_id", o.ID, "err", err)
		return
	}
	metrics.PendingOrders.Dec()
}
