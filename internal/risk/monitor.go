// Package risk enforces the intraday margin rule and owns the square-off
// path shared by users, the monitor and the end-of-day cutoff.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/tradesim/execution-engine/internal/charges"
	"github.com/tradesim/execution-engine/internal/keylock"
	"github.com/tradesim/execution-engine/internal/market"
	"github.com/tradesim/execution-engine/internal/model"
)

// Marker revalues the open positions of an instrument.
type Marker interface {
	Mark(ctx context.Context, symbol, exchange string, price decimal.Decimal) ([]model.Position, error)
}

// Squarer closes a position.
type Squarer interface {
	SquareOff(ctx context.Context, userID, positionID, source, reason string) (*model.Order, error)
}

// Margin is the margin state of a position at a price.
type Margin struct {
	Initial     decimal.Decimal `json:"initial"`
	AdverseLoss decimal.Decimal `json:"adverse_loss"`
	Remaining   decimal.Decimal `json:"remaining"`
}

// Breached reports whether the adverse move has consumed the margin.
func (m Margin) Breached() bool {
	return !m.Remaining.IsPositive()
}

// Evaluate computes the margin of p at price. The initial margin is
// |qty| × average × rate; the adverse loss never goes below zero.
func Evaluate(p model.Position, price, rate decimal.Decimal) Margin {
	qty := decimal.NewFromInt(p.Quantity)
	initial := qty.Abs().Mul(p.AveragePrice).Mul(rate).Round(charges.MoneyScale)
	// For longs (avg - price) × qty, for shorts (price - avg) × |qty|: both
	// equal (avg - price) × signed qty.
	loss := decimal.Max(decimal.Zero, p.AveragePrice.Sub(price).Mul(qty)).Round(charges.MoneyScale)
	return Margin{Initial: initial, AdverseLoss: loss, Remaining: initial.Sub(loss)}
}

// Monitor squares off intraday positions whose margin is exhausted.
type Monitor struct {
	positions   Marker
	squarer     Squarer
	rate        decimal.Decimal
	guard       keylock.Map
	logger      *slog.Logger
	concurrency int
}

// NewMonitor creates a monitor enforcing marginRate.
func NewMonitor(positions Marker, squarer Squarer, marginRate decimal.Decimal, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{positions: positions, squarer: squarer, rate: marginRate, logger: logger, concurrency: 8}
}

// HandleTick implements market.TickHandler.
func (m *Monitor) HandleTick(ctx context.Context, t market.Tick) error {
	_, err := m.OnTick(ctx, t)
	return err
}

// OnTick marks the instrument's open positions to the tick price and
// squares off every intraday position in breach. It returns the number of
// positions this call closed. A position already being squared off is
// skipped.
func (m *Monitor) OnTick(ctx context.Context, t market.Tick) (int, error) {
	marked, markErr := m.positions.Mark(ctx, t.Symbol, t.Exchange, t.Price)
	if markErr != nil {
		m.logger.Warn("mark to market incomplete", "symbol", t.Symbol, "exchange", t.Exchange, "err", markErr)
	}

	var closed atomic.Int64
	errs := make([]error, len(marked))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, p := range marked {
		if p.Category != model.CategoryIntraday || p.IsClosed {
			continue
		}
		margin := Evaluate(p, t.Price, m.rate)
		if !margin.Breached() {
			continue
		}
		g.Go(func() error {
			ok, err := m.squareOff(gctx, p, margin, t.Price)
			if ok {
				closed.Add(1)
			}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()
	return int(closed.Load()), errors.Join(errs...)
}

func (m *Monitor) squareOff(ctx context.Context, p model.Position, margin Margin, price decimal.Decimal) (bool, error) {
	unlock, ok := m.guard.TryLock(p.ID)
	if !ok {
		return false, nil
	}
	defer unlock()

	reason := fmt.Sprintf("margin exhausted at %s: initial %s, adverse loss %s",
		price, margin.Initial.StringFixed(2), margin.AdverseLoss.StringFixed(2))
	m.logger.Warn("margin breach",
		"position_id", p.ID,
		"user", p.UserID,
		"quantity", p.Quantity,
		"average_price", p.AveragePrice.String(),
		"price", price.String(),
		"remaining", margin.Remaining.String(),
	)

	_, err := m.squarer.SquareOff(ctx, p.UserID, p.ID, model.SourceRiskMonitor, reason)
	if errors.Is(err, model.ErrStateConflict) {
		// Closed by someone else since it was marked.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("square off position %s: %w", p.ID, err)
	}
	return true, nil
}
