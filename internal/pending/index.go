// Package pending indexes resting orders by instrument so a price tick can
// find its candidates without scanning the order store.
//
// The index is a cache of the store. It may miss orders or hold stale ones;
// callers confirm status against the store before acting, and Resync
// rebuilds it from the store on a schedule.
package pending

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradesim/execution-engine/internal/instrument"
	"github.com/tradesim/execution-engine/internal/model"
)

// Entry is the order summary kept in the index.
type Entry struct {
	OrderID      string              `json:"order_id"`
	UserID       string              `json:"user_id"`
	Symbol       string              `json:"symbol"`
	Exchange     string              `json:"exchange"`
	Category     model.OrderCategory `json:"category"`
	Variant      model.OrderVariant  `json:"variant"`
	Side         model.Side          `json:"side"`
	LimitPrice   decimal.Decimal     `json:"limit_price"`
	TriggerPrice decimal.Decimal     `json:"trigger_price"`
	CreatedAt    time.Time           `json:"created_at"`
}

// EntryFor summarizes an order.
func EntryFor(o *model.Order) Entry {
	return Entry{
		OrderID:      o.ID,
		UserID:       o.UserID,
		Symbol:       o.Symbol,
		Exchange:     o.Exchange,
		Category:     o.Category,
		Variant:      o.Variant,
		Side:         o.Side,
		LimitPrice:   o.LimitPrice,
		TriggerPrice: o.TriggerPrice,
		CreatedAt:    o.CreatedAt,
	}
}

// Index is a multi-map from instrument to resting orders.
type Index interface {
	// Add inserts or replaces the entry for e.OrderID.
	Add(ctx context.Context, e Entry) error

	// Remove deletes an order. Removing an absent order is not an error.
	Remove(ctx context.Context, symbol, exchange, orderID string) error

	// Candidates returns the orders resting on an instrument, oldest first.
	Candidates(ctx context.Context, symbol, exchange string) ([]Entry, error)

	// Keys returns every instrument with at least one resting order.
	Keys(ctx context.Context) ([]instrument.Instrument, error)

	// Len returns the number of indexed orders.
	Len(ctx context.Context) (int, error)

	// Replace swaps the whole content of the index for entries.
	Replace(ctx context.Context, entries []Entry) error
}
