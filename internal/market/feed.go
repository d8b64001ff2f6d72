package market

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// TickHandler consumes price ticks.
type TickHandler interface {
	HandleTick(ctx context.Context, t Tick) error
}

// Feed records every tick in the price book and then hands it to each
// handler concurrently. Handlers are independent: one failing does not
// stop the others from seeing the tick.
type Feed struct {
	book     *PriceBook
	handlers []TickHandler
	logger   *slog.Logger
}

// NewFeed creates a feed over book.
func NewFeed(book *PriceBook, logger *slog.Logger, handlers ...TickHandler) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{book: book, handlers: handlers, logger: logger}
}

// Publish processes one tick and waits for every handler to finish.
// Handler errors are logged and returned joined.
func (f *Feed) Publish(ctx context.Context, t Tick) error {
	t, err := t.Normalize()
	if err != nil {
		return err
	}
	f.book.Update(t)

	errs := make([]error, len(f.handlers))
	var g errgroup.Group
	for i, h := range f.handlers {
		g.Go(func() error {
			if err := h.HandleTick(ctx, t); err != nil {
				f.logger.Error("tick handler failed",
					"symbol", t.Symbol, "exchange", t.Exchange, "price", t.Price.String(), "err", err)
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
