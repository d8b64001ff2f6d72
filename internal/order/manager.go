// Package order owns the order state machine outside of execution:
// validation and placement, cancellation and expiry.
//
// An order is pending until it reaches exactly one terminal status
// (executed, cancelled, rejected, expired or partial). Nothing leaves a
// terminal status.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradesim/execution-engine/internal/charges"
	"github.com/tradesim/execution-engine/internal/event"
	"github.com/tradesim/execution-engine/internal/instrument"
	"github.com/tradesim/execution-engine/internal/keylock"
	"github.com/tradesim/execution-engine/internal/limits"
	"github.com/tradesim/execution-engine/internal/market"
	"github.com/tradesim/execution-engine/internal/metrics"
	"github.com/tradesim/execution-engine/internal/model"
	"github.com/tradesim/execution-engine/internal/pending"
	"github.com/tradesim/execution-engine/internal/store"
)

// Reserver is the slice of the wallet ledger the manager needs.
type Reserver interface {
	Reserve(ctx context.Context, userID string, amount decimal.Decimal, orderID string) error
	Release(ctx context.Context, userID string, amount decimal.Decimal, orderID, reason string) error
}

// Store is the persistence the manager reads and writes.
type Store interface {
	store.OrderStore
	store.PositionStore
	store.HoldingStore
}

// Config holds placement rules.
type Config struct {
	MinQuantity int64
	MaxQuantity int64
	// MarketBuffer inflates the reservation of orders whose fill price is
	// unknown at placement (market and stop-market buys).
	MarketBuffer decimal.Decimal
}

// DefaultConfig returns the placement rules used when none are configured.
func DefaultConfig() Config {
	return Config{
		MinQuantity:  1,
		MaxQuantity:  100000,
		MarketBuffer: decimal.RequireFromString("0.02"),
	}
}

// PlaceRequest is the input of PlaceOrder.
type PlaceRequest struct {
	UserID       string              `json:"user_id"`
	Symbol       string              `json:"symbol"`
	Exchange     string              `json:"exchange"`
	Category     model.OrderCategory `json:"category"`
	Variant      model.OrderVariant  `json:"variant"`
	Side         model.Side          `json:"side"`
	Quantity     int64               `json:"quantity"`
	LimitPrice   decimal.Decimal     `json:"limit_price"`
	TriggerPrice decimal.Decimal     `json:"trigger_price"`
	// Source and PositionID are set by square-off callers.
	Source     string `json:"-"`
	PositionID string `json:"-"`
}

// Manager places, cancels and expires orders.
type Manager struct {
	store   Store
	wallet  Reserver
	calc    *charges.Calculator
	prices  market.PriceSource
	index   pending.Index
	limiter *limits.ExposureLimiter
	locks   *keylock.Map
	events  event.Publisher
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// Deps bundles the collaborators of a Manager.
type Deps struct {
	Store   Store
	Wallet  Reserver
	Calc    *charges.Calculator
	Prices  market.PriceSource
	Index   pending.Index
	Limiter *limits.ExposureLimiter // nil disables exposure checks
	// Locks is the per-order and per-book lock map shared with the
	// execution engine.
	Locks  *keylock.Map
	Events event.Publisher
	Logger *slog.Logger
}

// NewManager creates an order manager.
func NewManager(deps Deps, cfg Config) *Manager {
	if deps.Events == nil {
		deps.Events = event.Discard
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Locks == nil {
		deps.Locks = keylock.New()
	}
	return &Manager{
		store:   deps.Store,
		wallet:  deps.Wallet,
		calc:    deps.Calc,
		prices:  deps.Prices,
		index:   deps.Index,
		limiter: deps.Limiter,
		locks:   deps.Locks,
		events:  deps.Events,
		cfg:     cfg,
		logger:  deps.Logger,
		now:     time.Now,
	}
}

// PlaceOrder validates and persists a new pending order. Buy orders reserve
// their estimated net amount first; resting orders are indexed for the
// matcher.
func (m *Manager) PlaceOrder(ctx context.Context, req PlaceRequest) (*model.Order, error) {
	inst, err := m.validate(ctx, &req)
	if err != nil {
		return nil, err
	}

	if req.Category == model.CategoryDelivery && req.Side == model.SideSell {
		// Held until the order is stored, so every delivery sell sees the
		// ones placed before it.
		unlock := m.locks.Lock(instrument.BookKey(req.UserID, inst.Symbol, inst.Exchange))
		defer unlock()
		if err := m.checkHoldings(ctx, req.UserID, inst, req.Quantity); err != nil {
			return nil, err
		}
	}

	estimate, err := m.estimatePrice(ctx, req, inst)
	if err != nil {
		return nil, err
	}

	if err := m.checkExposure(ctx, req, inst, estimate); err != nil {
		metrics.LimitRejections.Inc()
		return nil, err
	}

	b, err := m.calc.Calculate(charges.Input{
		Category: req.Category,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    estimate,
		Exchange: inst.Exchange,
	})
	if err != nil {
		return nil, err
	}

	now := m.now()
	source := req.Source
	if source == "" {
		source = model.SourceUser
	}
	o := &model.Order{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		Symbol:         inst.Symbol,
		Exchange:       inst.Exchange,
		Category:       req.Category,
		Variant:        req.Variant,
		Side:           req.Side,
		Quantity:       req.Quantity,
		LimitPrice:     req.LimitPrice,
		TriggerPrice:   req.TriggerPrice,
		Status:         model.StatusPending,
		EstimatedPrice: estimate,
		ReservedAmount: decimal.Zero,
		Charges:        b.Charges,
		Source:         source,
		PositionID:     req.PositionID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if o.Side == model.SideBuy {
		if err := m.wallet.Reserve(ctx, o.UserID, b.NetAmount, o.ID); err != nil {
			return nil, err
		}
		o.ReservedAmount = b.NetAmount
	}

	if err := m.store.CreateOrder(ctx, o); err != nil {
		if o.ReservedAmount.IsPositive() {
			if relErr := m.wallet.Release(ctx, o.UserID, o.ReservedAmount, o.ID, "order not persisted"); relErr != nil {
				m.logger.Error("failed to release reservation of unpersisted order",
					"order_id", o.ID, "user", o.UserID, "amount", o.ReservedAmount.String(), "err", relErr)
			}
		}
		return nil, fmt.Errorf("persist order: %w", err)
	}

	if o.Variant.Resting() {
		if err := m.index.Add(ctx, pending.EntryFor(o)); err != nil {
			// The order is safe in the store; the next resync indexes it.
			m.logger.Warn("pending index add failed", "order_id", o.ID, "err", err)
		} else {
			metrics.PendingOrders.Inc()
		}
	}

	metrics.OrdersPlaced.WithLabelValues(string(o.Category), string(o.Variant)).Inc()
	m.events.Publish(event.New(event.OrderPlaced, o.UserID, o))
	m.logger.Info("order placed",
		"order_id", o.ID,
		"user", o.UserID,
		"instrument", inst.String(),
		"category", o.Category,
		"variant", o.Variant,
		"side", o.Side,
		"quantity", o.Quantity,
		"reserved", o.ReservedAmount.String(),
		"source", o.Source,
	)
	return o, nil
}

// CancelOrder cancels a pending order owned by userID. Orders of other
// users are reported as not found.
func (m *Manager) CancelOrder(ctx context.Context, orderID, userID, reason string) (*model.Order, error) {
	if reason == "" {
		reason = "cancelled by user"
	}
	return m.close(ctx, orderID, userID, model.StatusCancelled, reason)
}

// ExpireOrder moves a pending order to expired, releasing its reservation.
func (m *Manager) ExpireOrder(ctx context.Context, orderID, reason string) (*model.Order, error) {
	return m.close(ctx, orderID, "", model.StatusExpired, reason)
}

// GetOrder returns an order by ID.
func (m *Manager) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return m.store.GetOrder(ctx, id)
}

// ListOrders returns orders matching f.
func (m *Manager) ListOrders(ctx context.Context, f store.OrderFilter) ([]model.Order, error) {
	return m.store.ListOrders(ctx, f)
}

// close ends a pending order without executing it. It holds the per-order
// lock so it cannot interleave with an execution of the same order.
func (m *Manager) close(ctx context.Context, orderID, userID string, status model.OrderStatus, reason string) (*model.Order, error) {
	unlock := m.locks.Lock(orderID)
	defer unlock()

	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if userID != "" && o.UserID != userID {
		return nil, model.NotFoundf("order %s", orderID)
	}
	op := "cancel"
	if status == model.StatusExpired {
		op = "expire"
	}
	if o.Status != model.StatusPending {
		return nil, &model.StateConflictError{Entity: "order", ID: o.ID, Status: string(o.Status), Op: op}
	}

	reserved := o.ReservedAmount
	if o.Side == model.SideBuy && reserved.IsPositive() {
		if err := m.wallet.Release(ctx, o.UserID, reserved, o.ID, reason); err != nil {
			return nil, fmt.Errorf("release reservation of order %s: %w", o.ID, err)
		}
	}

	o.Status = status
	o.CancelReason = reason
	o.UpdatedAt = m.now()
	if err := m.store.SaveOrder(ctx, o); err != nil {
		if reserved.IsPositive() {
			// Put the funds back so the still-pending order stays backed.
			if reErr := m.wallet.Reserve(ctx, o.UserID, reserved, o.ID); reErr != nil {
				m.logger.Error("failed to restore reservation after order save failure",
					"order_id", o.ID, "user", o.UserID, "err", reErr)
				return nil, errors.Join(err, reErr)
			}
		}
		return nil, fmt.Errorf("save %s order %s: %w", status, o.ID, err)
	}

	if o.Variant.Resting() {
		if err := m.index.Remove(ctx, o.Symbol, o.Exchange, o.ID); err != nil {
			m.logger.Warn("pending index remove failed", "order_id", o.ID, "err", err)
		} else {
			metrics.PendingOrders.Dec()
		}
	}

	metrics.OrderOutcomes.WithLabelValues(string(status)).Inc()
	evType := event.OrderCancelled
	if status == model.StatusExpired {
		evType = event.OrderExpired
	}
	m.events.Publish(event.New(evType, o.UserID, o))
	m.logger.Info("order closed", "order_id", o.ID, "user", o.UserID, "status", status, "reason", reason)
	return o, nil
}

func (m *Manager) validate(ctx context.Context, req *PlaceRequest) (instrument.Instrument, error) {
	if req.UserID == "" {
		return instrument.Instrument{}, model.Validationf("user id is required")
	}
	inst, err := instrument.New(req.Symbol, req.Exchange)
	if err != nil {
		return instrument.Instrument{}, model.Validationf("%v", err)
	}
	if !req.Category.Valid() {
		return inst, model.Validationf("unknown category %q", req.Category)
	}
	if !req.Variant.Valid() {
		return inst, model.Validationf("unknown variant %q", req.Variant)
	}
	if !req.Side.Valid() {
		return inst, model.Validationf("unknown side %q", req.Side)
	}
	if req.Quantity < m.cfg.MinQuantity || (m.cfg.MaxQuantity > 0 && req.Quantity > m.cfg.MaxQuantity) {
		return inst, model.Validationf("quantity %d outside [%d, %d]", req.Quantity, m.cfg.MinQuantity, m.cfg.MaxQuantity)
	}

	if req.Variant.NeedsLimitPrice() {
		if !req.LimitPrice.IsPositive() {
			return inst, model.Validationf("%s order requires a positive limit price", req.Variant)
		}
	} else {
		req.LimitPrice = decimal.Zero
	}
	if req.Variant.NeedsTriggerPrice() {
		if !req.TriggerPrice.IsPositive() {
			return inst, model.Validationf("%s order requires a positive trigger price", req.Variant)
		}
	} else {
		req.TriggerPrice = decimal.Zero
	}
	if req.Variant == model.VariantStopLimit {
		if req.Side == model.SideBuy && req.LimitPrice.LessThan(req.TriggerPrice) {
			return inst, model.Validationf("buy stop-limit needs limit %s >= trigger %s", req.LimitPrice, req.TriggerPrice)
		}
		if req.Side == model.SideSell && req.LimitPrice.GreaterThan(req.TriggerPrice) {
			return inst, model.Validationf("sell stop-limit needs limit %s <= trigger %s", req.LimitPrice, req.TriggerPrice)
		}
	}

	return inst, nil
}

// checkHoldings requires the holding to cover qty on top of every delivery
// sell already waiting.
func (m *Manager) checkHoldings(ctx context.Context, userID string, inst instrument.Instrument, qty int64) error {
	held := int64(0)
	h, err := m.store.GetHolding(ctx, userID, inst.Symbol, inst.Exchange)
	switch {
	case err == nil:
		held = h.Quantity
	case !errors.Is(err, model.ErrNotFound):
		return fmt.Errorf("load holding: %w", err)
	}

	waiting, err := m.store.ListOrders(ctx, store.OrderFilter{
		UserID:   userID,
		Symbol:   inst.Symbol,
		Exchange: inst.Exchange,
		Category: model.CategoryDelivery,
		Side:     model.SideSell,
		Statuses: []model.OrderStatus{model.StatusPending},
	})
	if err != nil {
		return fmt.Errorf("load pending sells: %w", err)
	}
	committed := int64(0)
	for _, o := range waiting {
		committed += o.Quantity
	}

	if held-committed < qty {
		return model.Validationf("insufficient holdings of %s: have %d, %d already pending, need %d",
			inst, held, committed, qty)
	}
	return nil
}

// estimatePrice is the price used for the placement charges estimate and
// the buy reservation.
func (m *Manager) estimatePrice(ctx context.Context, req PlaceRequest, inst instrument.Instrument) (decimal.Decimal, error) {
	buffered := func(p decimal.Decimal) decimal.Decimal {
		if req.Side != model.SideBuy {
			return p
		}
		return p.Mul(decimal.NewFromInt(1).Add(m.cfg.MarketBuffer)).Round(charges.MoneyScale)
	}

	switch req.Variant {
	case model.VariantLimit, model.VariantStopLimit:
		return req.LimitPrice, nil
	case model.VariantStopMarket:
		return buffered(req.TriggerPrice), nil
	default:
		p, err := m.prices.CurrentPrice(ctx, inst.Symbol, inst.Exchange)
		if err != nil {
			return decimal.Zero, fmt.Errorf("price for %s: %w", inst, err)
		}
		return buffered(p), nil
	}
}

// checkExposure applies the exposure limiter to user orders. Exits issued
// by square-off paths are never blocked.
func (m *Manager) checkExposure(ctx context.Context, req PlaceRequest, inst instrument.Instrument, price decimal.Decimal) error {
	if m.limiter == nil || (req.Source != "" && req.Source != model.SourceUser) {
		return nil
	}

	open, err := m.store.ListPositions(ctx, store.PositionFilter{UserID: req.UserID, OpenOnly: true})
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	existing := make(map[string]decimal.Decimal, len(open))
	for _, p := range open {
		key := instrument.Key(p.Symbol, p.Exchange)
		notional := p.AveragePrice.Mul(decimal.NewFromInt(p.Quantity))
		existing[key] = existing[key].Add(notional)
	}

	qty := req.Quantity
	if req.Side == model.SideSell {
		qty = -qty
	}
	delta := price.Mul(decimal.NewFromInt(qty))
	if err := m.limiter.CheckLimit(inst.String(), delta, existing); err != nil {
		return fmt.Errorf("%w: %w", model.ErrValidation, err)
	}
	return nil
}
