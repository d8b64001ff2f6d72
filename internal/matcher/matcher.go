// Package matcher evaluates resting orders against incoming prices.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/tradesim/execution-engine/internal/instrument"
	"github.com/tradesim/execution-engine/internal/market"
	"github.com/tradesim/execution-engine/internal/metrics"
	"github.com/tradesim/execution-engine/internal/model"
	"github.com/tradesim/execution-engine/internal/pending"
	"github.com/tradesim/execution-engine/internal/store"
)

// Executor runs resting orders. Both methods return (nil, nil) when the
// order did not execute and nothing is wrong.
type Executor interface {
	ExecuteLimit(ctx context.Context, orderID string, price decimal.Decimal) (*model.Order, error)
	ExecuteStop(ctx context.Context, orderID string, price decimal.Decimal) (*model.Order, error)
}

// Result summarizes one price change.
type Result struct {
	Processed int `json:"processed"`
	Executed  int `json:"executed"`
	Failed    int `json:"failed"`
}

// Matcher dispatches price changes to the resting orders of an instrument.
type Matcher struct {
	index       pending.Index
	orders      store.OrderStore
	exec        Executor
	prices      market.PriceSource
	logger      *slog.Logger
	concurrency int
}

// New creates a matcher. concurrency bounds the candidates evaluated at
// once per price change; values below 1 mean 16.
func New(index pending.Index, orders store.OrderStore, exec Executor, prices market.PriceSource, logger *slog.Logger, concurrency int) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 16
	}
	return &Matcher{
		index:       index,
		orders:      orders,
		exec:        exec,
		prices:      prices,
		logger:      logger,
		concurrency: concurrency,
	}
}

// HandleTick implements market.TickHandler.
func (m *Matcher) HandleTick(ctx context.Context, t market.Tick) error {
	_, err := m.ProcessPriceChange(ctx, t.Symbol, t.Exchange, t.Price)
	return err
}

// ProcessPriceChange evaluates every resting order of the instrument at
// price. Candidates run concurrently in no particular order; a failing
// candidate never stops the others. Executed orders leave the index, and
// so do candidates the store no longer reports as pending.
func (m *Matcher) ProcessPriceChange(ctx context.Context, symbol, exchange string, price decimal.Decimal) (Result, error) {
	inst, err := instrument.New(symbol, exchange)
	if err != nil {
		return Result{}, model.Validationf("%v", err)
	}
	if !price.IsPositive() {
		return Result{}, model.Validationf("price must be positive, got %s", price)
	}
	metrics.TicksProcessed.WithLabelValues(inst.Exchange).Inc()

	candidates, err := m.index.Candidates(ctx, inst.Symbol, inst.Exchange)
	if err != nil {
		return Result{}, fmt.Errorf("candidates for %s: %w", inst, err)
	}
	if len(candidates) == 0 {
		return Result{}, nil
	}

	var executed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, c := range candidates {
		g.Go(func() error {
			switch m.evaluate(gctx, c, price) {
			case outcomeExecuted:
				executed.Add(1)
			case outcomeFailed:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		Processed: len(candidates),
		Executed:  int(executed.Load()),
		Failed:    int(failed.Load()),
	}
	if res.Executed > 0 || res.Failed > 0 {
		m.logger.Info("price change processed",
			"instrument", inst.String(),
			"price", price.String(),
			"processed", res.Processed,
			"executed", res.Executed,
			"failed", res.Failed,
		)
	}
	return res, nil
}

type outcome string

const (
	outcomeExecuted outcome = "executed"
	outcomeNoop     outcome = "noop"
	outcomeFailed   outcome = "failed"
)

func (m *Matcher) evaluate(ctx context.Context, c pending.Entry, price decimal.Decimal) (out outcome) {
	defer func() { metrics.MatchResults.WithLabelValues(string(out)).Inc() }()

	var (
		o   *model.Order
		err error
	)
	switch c.Variant {
	case model.VariantLimit:
		o, err = m.exec.ExecuteLimit(ctx, c.OrderID, price)
	case model.VariantStopLimit, model.VariantStopMarket:
		o, err = m.exec.ExecuteStop(ctx, c.OrderID, price)
	default:
		err = model.Validationf("order %s of variant %s cannot rest", c.OrderID, c.Variant)
	}

	switch {
	case err == nil && o != nil && o.Status == model.StatusExecuted:
		m.remove(ctx, c)
		return outcomeExecuted
	case err != nil:
		m.logger.Error("pending order evaluation failed",
			"order_id", c.OrderID, "user", c.UserID, "price", price.String(), "err", err)
		m.pruneIfSettled(ctx, c)
		return outcomeFailed
	default:
		m.pruneIfSettled(ctx, c)
		return outcomeNoop
	}
}

// pruneIfSettled drops an entry whose order the store no longer reports
// as pending.
func (m *Matcher) pruneIfSettled(ctx context.Context, c pending.Entry) {
	o, err := m.orders.GetOrder(ctx, c.OrderID)
	switch {
	case errors.Is(err, model.ErrNotFound):
	case err != nil:
		m.logger.Warn("could not confirm pending order status", "order_id", c.OrderID, "err", err)
		return
	case o.Status == model.StatusPending:
		return
	}
	m.remove(ctx, c)
}

func (m *Matcher) remove(ctx context.Context, c pending.Entry) {
	if err := m.index.Remove(ctx, c.Symbol, c.Exchange, c.OrderID); err != nil {
		m.logger.Warn("pending index remove failed", "order_id", c.OrderID, "err", err)
	}
}

// SweepReport is the outcome of one sweep.
type SweepReport struct {
	Indexed     int `json:"indexed"`
	Instruments int `json:"instruments"`
	Skipped     int `json:"skipped"`
	Result
}

// Sweep rebuilds the index from the store and re-evaluates every indexed
// instrument at its current price, so execution does not depend on ticks
// alone. Instruments without a price are skipped.
func (m *Matcher) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	n, err := pending.Resync(ctx, m.index, m.orders)
	if err != nil {
		return rep, err
	}
	rep.Indexed = n

	keys, err := m.index.Keys(ctx)
	if err != nil {
		return rep, fmt.Errorf("list indexed instruments: %w", err)
	}

	var errs []error
	for _, inst := range keys {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		price, err := m.prices.CurrentPrice(ctx, inst.Symbol, inst.Exchange)
		if errors.Is(err, model.ErrPriceUnavailable) {
			rep.Skipped++
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("price for %s: %w", inst, err))
			continue
		}

		res, err := m.ProcessPriceChange(ctx, inst.Symbol, inst.Exchange, price)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rep.Instruments++
		rep.Processed += res.Processed
		rep.Executed += res.Executed
		rep.Failed += res.Failed
	}
	return rep, errors.Join(errs...)
}
