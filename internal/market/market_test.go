package market

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradesim/execution-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPriceBook_Unavailable(t *testing.T) {
	b := NewPriceBook(0)
	if _, err := b.CurrentPrice(context.Background(), "INFY", "NSE"); !errors.Is(err, model.ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestPriceBook_IgnoresOlderTicks(t *testing.T) {
	b := NewPriceBook(0)
	now := time.Now()

	b.Update(Tick{Symbol: "INFY", Exchange: "NSE", Price: d("101"), Timestamp: now})
	b.Update(Tick{Symbol: "INFY", Exchange: "NSE", Price: d("99"), Timestamp: now.Add(-time.Second)})

	p, err := b.CurrentPrice(context.Background(), "INFY", "NSE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(d("101")) {
		t.Errorf("expected 101, got %s", p)
	}
}

func TestPriceBook_Staleness(t *testing.T) {
	b := NewPriceBook(time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Update(Tick{Symbol: "TCS", Exchange: "BSE", Price: d("3500"), Timestamp: now.Add(-2 * time.Minute)})
	if _, err := b.CurrentPrice(context.Background(), "TCS", "BSE"); !errors.Is(err, model.ErrPriceUnavailable) {
		t.Errorf("expected stale quote to be unavailable, got %v", err)
	}
}

type handlerFunc func(ctx context.Context, t Tick) error

func (f handlerFunc) HandleTick(ctx context.Context, t Tick) error { return f(ctx, t) }

func TestFeed_PublishFansOut(t *testing.T) {
	b := NewPriceBook(0)
	var calls int32
	h := handlerFunc(func(_ context.Context, tk Tick) error {
		atomic.AddInt32(&calls, 1)
		if tk.Symbol != "INFY" || tk.Exchange != "NSE" {
			t.Errorf("tick not normalized: %+v", tk)
		}
		return nil
	})
	failing := handlerFunc(func(context.Context, Tick) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})

	f := NewFeed(b, nil, h, failing, h)
	err := f.Publish(context.Background(), Tick{Symbol: " infy", Exchange: "nse", Price: d("100")})
	if err == nil {
		t.Fatal("expected joined handler error")
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected all 3 handlers to run, got %d", calls)
	}
	if p, _ := b.CurrentPrice(context.Background(), "INFY", "NSE"); !p.Equal(d("100")) {
		t.Errorf("expected price book updated to 100, got %s", p)
	}
}

func TestFeed_RejectsBadTick(t *testing.T) {
	f := NewFeed(NewPriceBook(0), nil)
	cases := []Tick{
		{Symbol: "INFY", Exchange: "NSE", Price: decimal.Zero},
		{Symbol: "INFY", Exchange: "LSE", Price: d("1")},
		{Symbol: "", Exchange: "NSE", Price: d("1")},
	}
	for _, tk := range cases {
		if err := f.Publish(context.Background(), tk); !errors.Is(err, model.ErrValidation) {
			t.Errorf("tick %+v: expected ErrValidation, got %v", tk, err)
		}
	}
}
