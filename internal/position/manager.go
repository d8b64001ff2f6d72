// Package position tracks open exposure per (user, instrument, category)
// and marks it to market.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradesim/execution-engine/internal/charges"
	"github.com/tradesim/execution-engine/internal/instrument"
	"github.com/tradesim/execution-engine/internal/keylock"
	"github.com/tradesim/execution-engine/internal/model"
	"github.com/tradesim/execution-engine/internal/store"
)

// Closing reasons recorded on positions.
const (
	ReasonFlat      = "flat"
	ReasonConverted = "converted"
)

// Policy decides when a position expires.
type Policy struct {
	Location *time.Location
	// IntradayCutoff is the wall-clock offset from midnight at which
	// intraday positions are squared off.
	IntradayCutoff time.Duration
	// ConvertAfter is how long a delivery position stays open before the
	// conversion sweep moves it into holdings.
	ConvertAfter time.Duration
}

// DefaultPolicy squares off intraday at 15:20 IST and converts delivery
// positions after a day.
func DefaultPolicy() Policy {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	return Policy{
		Location:       loc,
		IntradayCutoff: 15*time.Hour + 20*time.Minute,
		ConvertAfter:   24 * time.Hour,
	}
}

// ExpiresAt returns the expiry of a position opened at t.
func (p Policy) ExpiresAt(category model.OrderCategory, t time.Time) time.Time {
	if category == model.CategoryDelivery {
		return t.Add(p.ConvertAfter)
	}
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	cutoff := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).Add(p.IntradayCutoff)
	if !local.Before(cutoff) {
		cutoff = cutoff.AddDate(0, 0, 1)
	}
	return cutoff
}

// Manager updates positions from executed orders.
type Manager struct {
	store  store.PositionStore
	locks  keylock.Map
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a position manager.
func NewManager(st store.PositionStore, policy Policy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, policy: policy, logger: logger, now: time.Now}
}

func lockKey(userID, symbol, exchange string, category model.OrderCategory) string {
	return userID + "|" + instrument.Key(symbol, exchange) + "|" + string(category)
}

// Apply folds an executed order into its position. held is the number of
// shares the order moved into (buy) or out of (sell) the holding ledger.
// A delivery sell never takes the position short: whatever exceeds the
// position came out of older holdings. It returns nil when no position is
// affected.
func (m *Manager) Apply(ctx context.Context, o *model.Order, held int64) (*model.Position, error) {
	if o.Status != model.StatusExecuted || o.ExecutedQuantity <= 0 {
		return nil, model.Validationf("order %s is not executed", o.ID)
	}

	unlock := m.locks.Lock(lockKey(o.UserID, o.Symbol, o.Exchange, o.Category))
	defer unlock()

	now := m.now()
	price := o.ExecutedPrice
	qty := o.ExecutedQuantity
	if o.Side == model.SideSell {
		qty = -qty
	}

	p, err := m.store.FindOpenPosition(ctx, o.UserID, o.Symbol, o.Exchange, o.Category)
	switch {
	case errors.Is(err, model.ErrNotFound):
		if o.Category == model.CategoryDelivery && o.Side == model.SideSell {
			return nil, nil
		}
		p = &model.Position{
			ID:           uuid.New().String(),
			UserID:       o.UserID,
			Symbol:       o.Symbol,
			Exchange:     o.Exchange,
			Category:     o.Category,
			Quantity:     qty,
			AveragePrice: price,
			RealizedPL:   decimal.Zero,
			ExpiresAt:    m.policy.ExpiresAt(o.Category, now),
			OpenedAt:     now,
		}
		if o.Category == model.CategoryDelivery {
			p.HeldQuantity = held
		}
	case err != nil:
		return nil, fmt.Errorf("load position: %w", err)
	default:
		m.fold(p, o, qty, held)
	}

	if p.Quantity == 0 {
		p.IsClosed = true
		p.ClosedReason = ReasonFlat
		if o.Source != "" && o.Source != model.SourceUser {
			p.ClosedReason = o.Source
		}
		p.ClosedAt = now
		p.HeldQuantity = 0
	}
	p.Revalue(price)
	p.UpdatedAt = now

	if err := m.store.SavePosition(ctx, p); err != nil {
		return nil, err
	}
	m.logger.Info("position updated",
		"position_id", p.ID,
		"user", p.UserID,
		"instrument", instrument.Key(p.Symbol, p.Exchange),
		"category", p.Category,
		"quantity", p.Quantity,
		"average_price", p.AveragePrice.String(),
		"realized_pl", p.RealizedPL.String(),
		"closed", p.IsClosed,
	)
	return p, nil
}

// fold applies a signed fill of qty at the order's price to an open
// position.
func (m *Manager) fold(p *model.Position, o *model.Order, qty, held int64) {
	price := o.ExecutedPrice

	if sameSign(p.Quantity, qty) {
		oldQty := abs(p.Quantity)
		addQty := abs(qty)
		cost := p.AveragePrice.Mul(decimal.NewFromInt(oldQty)).Add(price.Mul(decimal.NewFromInt(addQty)))
		p.Quantity += qty
		p.AveragePrice = cost.Div(decimal.NewFromInt(oldQty + addQty)).Round(4)
		if p.Category == model.CategoryDelivery {
			p.HeldQuantity += held
		}
		return
	}

	closing := min(abs(p.Quantity), abs(qty))
	direction := decimal.NewFromInt(sign(p.Quantity))
	realized := price.Sub(p.AveragePrice).Mul(decimal.NewFromInt(closing)).Mul(direction).Round(charges.MoneyScale)
	p.RealizedPL = p.RealizedPL.Add(realized)

	next := p.Quantity + qty
	switch {
	case p.Category == model.CategoryDelivery:
		if next < 0 {
			next = 0
		}
		p.HeldQuantity = max(0, p.HeldQuantity-min(closing, held))
	case next != 0 && !sameSign(next, p.Quantity):
		// Intraday overshoot flips the position at the fill price.
		p.AveragePrice = price
	}
	p.Quantity = next
}

// PreviewRealized returns the gross P&L an order at price would realize
// against the open position, without changing it.
func (m *Manager) PreviewRealized(ctx context.Context, o *model.Order, price decimal.Decimal) (decimal.Decimal, error) {
	p, err := m.store.FindOpenPosition(ctx, o.UserID, o.Symbol, o.Exchange, o.Category)
	if errors.Is(err, model.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	qty := o.Quantity
	if o.Side == model.SideSell {
		qty = -qty
	}
	if sameSign(p.Quantity, qty) {
		return decimal.Zero, nil
	}
	closing := min(abs(p.Quantity), abs(qty))
	return price.Sub(p.AveragePrice).
		Mul(decimal.NewFromInt(closing)).
		Mul(decimal.NewFromInt(sign(p.Quantity))).
		Round(charges.MoneyScale), nil
}

// Mark revalues every open position on an instrument at price and returns
// the updated positions.
func (m *Manager) Mark(ctx context.Context, symbol, exchange string, price decimal.Decimal) ([]model.Position, error) {
	open, err := m.store.ListPositions(ctx, store.PositionFilter{Symbol: symbol, Exchange: exchange, OpenOnly: true})
	if err != nil {
		return nil, err
	}

	var errs []error
	marked := make([]model.Position, 0, len(open))
	for _, p := range open {
		unlock := m.locks.Lock(lockKey(p.UserID, p.Symbol, p.Exchange, p.Category))
		cur, err := m.store.GetPosition(ctx, p.ID)
		if err == nil && !cur.IsClosed {
			cur.Revalue(price)
			cur.UpdatedAt = m.now()
			err = m.store.SavePosition(ctx, cur)
			if err == nil {
				marked = append(marked, *cur)
			}
		}
		unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("mark position %s: %w", p.ID, err))
		}
	}
	return marked, errors.Join(errs...)
}

// Get returns a position by ID.
func (m *Manager) Get(ctx context.Context, id string) (*model.Position, error) {
	return m.store.GetPosition(ctx, id)
}

// ListOpen returns open positions matching f.
func (m *Manager) ListOpen(ctx context.Context, f store.PositionFilter) ([]model.Position, error) {
	f.OpenOnly = true
	return m.store.ListPositions(ctx, f)
}

// List returns positions matching f, open or closed.
func (m *Manager) List(ctx context.Context, f store.PositionFilter) ([]model.Position, error) {
	return m.store.ListPositions(ctx, f)
}

// MarkConverted closes a delivery position whose shares now live in the
// holding ledger.
func (m *Manager) MarkConverted(ctx context.Context, id string) (*model.Position, error) {
	p, err := m.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(lockKey(p.UserID, p.Symbol, p.Exchange, p.Category))
	defer unlock()

	p, err = m.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IsClosed {
		return nil, &model.StateConflictError{Entity: "position", ID: id, Status: "closed", Op: "convert"}
	}
	if p.Category != model.CategoryDelivery {
		return nil, model.Validationf("position %s is %s, only delivery positions convert", id, p.Category)
	}

	now := m.now()
	p.HeldQuantity = p.Quantity
	p.IsConverted = true
	p.IsClosed = true
	p.ClosedReason = ReasonConverted
	p.ClosedAt = now
	p.UpdatedAt = now
	if err := m.store.SavePosition(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func sameSign(a, b int64) bool { return (a > 0 && b > 0) || (a < 0 && b < 0) }

func sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
