// Package settlement runs the end-of-session sweeps: the intraday cutoff,
// the expiry of unexecuted market orders, the conversion of delivery
// positions into holdings, and the post-market run that does all of them.
//
// Every sweep is idempotent. Items are processed independently; a failure
// is logged and counted and never stops the rest of the sweep.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/tradesim/execution-engine/internal/event"
	"github.com/tradesim/execution-engine/internal/metrics"
	"github.com/tradesim/execution-engine/internal/model"
	"github.com/tradesim/execution-engine/internal/store"
)

// Job names.
const (
	JobIntradaySquareOff  = "intraday_square_off"
	JobExpireMarketOrders = "expire_market_orders"
	JobConvertDelivery    = "convert_delivery"
)

// Positions reads and closes positions.
type Positions interface {
	ListOpen(ctx context.Context, f store.PositionFilter) ([]model.Position, error)
	MarkConverted(ctx context.Context, id string) (*model.Position, error)
}

// Squarer closes a position with a market order.
type Squarer interface {
	SquareOff(ctx context.Context, userID, positionID, source, reason string) (*model.Order, error)
}

// Orders lists and expires orders.
type Orders interface {
	ListOrders(ctx context.Context, f store.OrderFilter) ([]model.Order, error)
	ExpireOrder(ctx context.Context, orderID, reason string) (*model.Order, error)
}

// Holdings merges shares into the holding ledger.
type Holdings interface {
	Merge(ctx context.Context, userID, symbol, exchange string, qty int64, price decimal.Decimal) (*model.Holding, error)
}

// Report summarizes one sweep.
type Report struct {
	Job       string        `json:"job"`
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Expired   int           `json:"expired,omitempty"`
	Duration  time.Duration `json:"duration"`

	mu   sync.Mutex
	errs []error
}

func (r *Report) record(err error, skipped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Processed++
	switch {
	case skipped:
		r.Skipped++
	case err != nil:
		r.Failed++
		r.errs = append(r.errs, err)
	default:
		r.Succeeded++
	}
}

// Err joins every item failure of the sweep.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}

// Service runs settlement sweeps.
type Service struct {
	positions   Positions
	squarer     Squarer
	orders      Orders
	holdings    Holdings
	events      event.Publisher
	logger      *slog.Logger
	now         func() time.Time
	concurrency int
}

// NewService creates a settlement service.
func NewService(positions Positions, squarer Squarer, orders Orders, holdings Holdings, events event.Publisher, logger *slog.Logger) *Service {
	if events == nil {
		events = event.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		positions:   positions,
		squarer:     squarer,
		orders:      orders,
		holdings:    holdings,
		events:      events,
		logger:      logger,
		now:         time.Now,
		concurrency: 8,
	}
}

// SquareOffIntraday expires every pending intraday order and then flattens
// every open intraday position with a market order.
func (s *Service) SquareOffIntraday(ctx context.Context) (*Report, error) {
	rep := &Report{Job: JobIntradaySquareOff}
	start := s.now()

	expired, err := s.expirePending(ctx, store.OrderFilter{
		Category: model.CategoryIntraday,
		Statuses: []model.OrderStatus{model.StatusPending},
	}, "intraday cutoff")
	rep.Expired = expired
	if err != nil {
		s.logger.Error("expiring pending intraday orders", "err", err)
	}

	open, err := s.positions.ListOpen(ctx, store.PositionFilter{Category: model.CategoryIntraday})
	if err != nil {
		return s.finish(rep, start, fmt.Errorf("list intraday positions: %w", err))
	}

	s.each(ctx, len(open), func(ctx context.Context, i int) {
		p := open[i]
		_, err := s.squarer.SquareOff(ctx, "", p.ID, model.SourceIntradayCutoff, "intraday cutoff")
		if errors.Is(err, model.ErrStateConflict) {
			rep.record(nil, true)
			return
		}
		if err != nil {
			s.logger.Error("intraday square-off failed", "position_id", p.ID, "user", p.UserID, "err", err)
			rep.record(fmt.Errorf("position %s: %w", p.ID, err), false)
			return
		}
		rep.record(nil, false)
	})
	return s.finish(rep, start, nil)
}

// ExpireMarketOrders expires market orders of any category that were
// placed but never executed, releasing their reservations. Resting orders
// are left for the matcher.
func (s *Service) ExpireMarketOrders(ctx context.Context) (*Report, error) {
	rep := &Report{Job: JobExpireMarketOrders}
	start := s.now()

	expired, err := s.expirePending(ctx, store.OrderFilter{
		Variants: []model.OrderVariant{model.VariantMarket},
		Statuses: []model.OrderStatus{model.StatusPending},
	}, "market session closed")
	rep.Expired = expired
	return s.finish(rep, start, err)
}

func (s *Service) expirePending(ctx context.Context, f store.OrderFilter, reason string) (int, error) {
	list, err := s.orders.ListOrders(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("list pending orders: %w", err)
	}

	var (
		mu      sync.Mutex
		expired int
		errs    []error
	)
	s.each(ctx, len(list), func(ctx context.Context, i int) {
		o := list[i]
		_, err := s.orders.ExpireOrder(ctx, o.ID, reason)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			expired++
		case errors.Is(err, model.ErrStateConflict):
		default:
			errs = append(errs, fmt.Errorf("expire order %s: %w", o.ID, err))
		}
	})
	return expired, errors.Join(errs...)
}

// ConvertDelivery moves every delivery position past its conversion time
// into holdings. Shares already merged at execution are not merged again.
func (s *Service) ConvertDelivery(ctx context.Context) (*Report, error) {
	rep := &Report{Job: JobConvertDelivery}
	start := s.now()

	open, err := s.positions.ListOpen(ctx, store.PositionFilter{Category: model.CategoryDelivery})
	if err != nil {
		return s.finish(rep, start, fmt.Errorf("list delivery positions: %w", err))
	}

	now := s.now()
	var due []model.Position
	for _, p := range open {
		if !p.ExpiresAt.After(now) {
			due = append(due, p)
		}
	}

	s.each(ctx, len(due), func(ctx context.Context, i int) {
		p := due[i]
		err := s.convert(ctx, p)
		if errors.Is(err, model.ErrStateConflict) {
			rep.record(nil, true)
			return
		}
		if err != nil {
			s.logger.Error("delivery conversion failed", "position_id", p.ID, "user", p.UserID, "err", err)
		}
		rep.record(err, false)
	})
	return s.finish(rep, start, nil)
}

func (s *Service) convert(ctx context.Context, p model.Position) error {
	if remaining := p.Quantity - p.HeldQuantity; remaining > 0 {
		if _, err := s.holdings.Merge(ctx, p.UserID, p.Symbol, p.Exchange, remaining, p.AveragePrice); err != nil {
			return fmt.Errorf("merge position %s: %w", p.ID, err)
		}
	}
	converted, err := s.positions.MarkConverted(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("mark position %s converted: %w", p.ID, err)
	}
	s.events.Publish(event.New(event.Converted, converted.UserID, converted))
	s.logger.Info("delivery position converted",
		"position_id", converted.ID,
		"user", converted.UserID,
		"quantity", converted.Quantity,
		"average_price", converted.AveragePrice.String(),
	)
	return nil
}

// PostMarket runs the intraday cutoff, the market order expiry and the
// delivery conversion, in that order.
func (s *Service) PostMarket(ctx context.Context) ([]*Report, error) {
	var reports []*Report
	var errs []error
	for _, run := range []func(context.Context) (*Report, error){s.SquareOffIntraday, s.ExpireMarketOrders, s.ConvertDelivery} {
		rep, err := run(ctx)
		reports = append(reports, rep)
		errs = append(errs, err)
	}
	return reports, errors.Join(errs...)
}

// each runs fn for indices [0, n) with bounded concurrency.
func (s *Service) each(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i := range n {
		g.Go(func() error {
			fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) finish(rep *Report, start time.Time, err error) (*Report, error) {
	rep.Duration = s.now().Sub(start)
	if err == nil {
		err = rep.Err()
	}
	metrics.SweepRuns.WithLabelValues(rep.Job, metrics.Result(err)).Inc()
	s.logger.Info("settlement sweep finished",
		"job", rep.Job,
		"processed", rep.Processed,
		"succeeded", rep.Succeeded,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
		"expired", rep.Expired,
		"duration", rep.Duration,
	)
	return rep, err
}
