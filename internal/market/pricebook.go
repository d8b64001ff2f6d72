// Package market holds the engine's view of live prices: the PriceSource
// contract, an in-process last-traded-price book, and the Feed that fans
// each tick out to its consumers.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradesim/execution-engine/internal/instrument"
	"github.com/tradesim/execution-engine/internal/model"
)

// Tick is one price observation for an instrument.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Exchange  string          `json:"exchange"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Normalize validates the tick and returns it with a canonical symbol and
// exchange.
func (t Tick) Normalize() (Tick, error) {
	inst, err := instrument.New(t.Symbol, t.Exchange)
	if err != nil {
		return Tick{}, model.Validationf("tick: %v", err)
	}
	if !t.Price.IsPositive() {
		return Tick{}, model.Validationf("tick price must be positive, got %s", t.Price)
	}
	t.Symbol, t.Exchange = inst.Symbol, inst.Exchange
	return t, nil
}

// PriceSource answers "what is the current price" for an instrument.
type PriceSource interface {
	// CurrentPrice returns model.ErrPriceUnavailable when no usable price
	// is known.
	CurrentPrice(ctx context.Context, symbol, exchange string) (decimal.Decimal, error)
}

type quote struct {
	price decimal.Decimal
	at    time.Time
}

// PriceBook keeps the last traded price per instrument. It is the default
// PriceSource, fed by the tick stream.
type PriceBook struct {
	mu     sync.RWMutex
	quotes map[string]quote
	maxAge time.Duration
	now    func() time.Time
}

// NewPriceBook creates an empty book. Quotes older than maxAge are treated
// as unavailable; zero disables the staleness check.
func NewPriceBook(maxAge time.Duration) *PriceBook {
	return &PriceBook{
		quotes: make(map[string]quote),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Update records a tick. Ticks older than the stored quote are ignored so a
// redelivered tick cannot roll the price back.
func (b *PriceBook) Update(t Tick) {
	at := t.Timestamp
	if at.IsZero() {
		at = b.now()
	}
	key := instrument.Key(t.Symbol, t.Exchange)

	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.quotes[key]; ok && at.Before(q.at) {
		return
	}
	b.quotes[key] = quote{price: t.Price, at: at}
}

// CurrentPrice implements PriceSource.
func (b *PriceBook) CurrentPrice(_ context.Context, symbol, exchange string) (decimal.Decimal, error) {
	key := instrument.Key(symbol, exchange)

	b.mu.RLock()
	q, ok := b.quotes[key]
	b.mu.RUnlock()

	if !ok {
		return decimal.Zero, model.ErrPriceUnavailable
	}
	if b.maxAge > 0 && b.now().Sub(q.at) > b.maxAge {
		return decimal.Zero, model.ErrPriceUnavailable
	}
	return q.price, nil
}

// Snapshot returns a copy of every known price keyed by "EXCHANGE:SYMBOL".
func (b *PriceBook) Snapshot() map[string]decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(b.quotes))
	for k, q := range b.quotes {
		out[k] = q.price
	}
	return out
}
