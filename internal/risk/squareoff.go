package risk

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tradesim/execution-engine/internal/event"
	"github.com/tradesim/execution-engine/internal/keylock"
	"github.com/tradesim/execution-engine/internal/metrics"
	"github.com/tradesim/execution-engine/internal/model"
	"github.com/tradesim/execution-engine/internal/order"
)

// Placer places orders.
type Placer interface {
	PlaceOrder(ctx context.Context, req order.PlaceRequest) (*model.Order, error)
}

// MarketExecutor executes market orders immediately.
type MarketExecutor interface {
	ExecuteMarket(ctx context.Context, orderID string) (*model.Order, error)
}

// PositionReader loads positions.
type PositionReader interface {
	Get(ctx context.Context, id string) (*model.Position, error)
}

// SquareOffer closes positions with an opposite-side market order. It is
// the single exit path for users, the risk monitor and the intraday cutoff.
type SquareOffer struct {
	orders    Placer
	exec      MarketExecutor
	positions PositionReader
	locks     keylock.Map
	events    event.Publisher
	logger    *slog.Logger
}

// NewSquareOffer creates a SquareOffer.
func NewSquareOffer(orders Placer, exec MarketExecutor, positions PositionReader, events event.Publisher, logger *slog.Logger) *SquareOffer {
	if events == nil {
		events = event.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SquareOffer{orders: orders, exec: exec, positions: positions, events: events, logger: logger}
}

// SquareOff flattens an open position and returns the exit order. userID
// restricts the call to the owner's positions; empty means any owner.
// A position that is already closed is a state conflict, so concurrent
// calls for the same position produce at most one exit.
func (s *SquareOffer) SquareOff(ctx context.Context, userID, positionID, source, reason string) (*model.Order, error) {
	unlock := s.locks.Lock(positionID)
	defer unlock()

	p, err := s.positions.Get(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if userID != "" && p.UserID != userID {
		return nil, model.NotFoundf("position %s", positionID)
	}
	if p.IsClosed || p.Quantity == 0 {
		return nil, &model.StateConflictError{Entity: "position", ID: p.ID, Status: "closed", Op: "square off"}
	}
	if source == "" {
		source = model.SourceUserSquareOff
	}

	side, qty := model.SideSell, p.Quantity
	if qty < 0 {
		side, qty = model.SideBuy, -qty
	}

	o, err := s.orders.PlaceOrder(ctx, order.PlaceRequest{
		UserID:     p.UserID,
		Symbol:     p.Symbol,
		Exchange:   p.Exchange,
		Category:   p.Category,
		Variant:    model.VariantMarket,
		Side:       side,
		Quantity:   qty,
		Source:     source,
		PositionID: p.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("place exit for position %s: %w", p.ID, err)
	}

	executed, err := s.exec.ExecuteMarket(ctx, o.ID)
	if err != nil {
		s.logger.Error("square-off execution failed",
			"position_id", p.ID, "order_id", o.ID, "user", p.UserID, "source", source, "err", err)
		if executed != nil {
			return executed, err
		}
		return o, err
	}

	metrics.SquareOffs.WithLabelValues(source).Inc()
	s.events.Publish(event.New(event.SquareOff, p.UserID, map[string]any{
		"position_id": p.ID,
		"order":       executed,
		"source":      source,
		"reason":      reason,
	}))
	s.logger.Info("position squared off",
		"position_id", p.ID,
		"user", p.UserID,
		"order_id", executed.ID,
		"side", side,
		"quantity", qty,
		"price", executed.ExecutedPrice.String(),
		"source", source,
		"reason", reason,
	)
	return executed, nil
}
