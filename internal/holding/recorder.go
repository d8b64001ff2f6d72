// Package holding keeps the long-term holdings ledger and the realized
// trade history.
//
// Trades are matched FIFO: an executed order consumes the oldest executed
// opposite-side orders of the same user, instrument and category that still
// have unmatched quantity. Each consumed lot becomes one immutable Trade.
package holding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradesim/execution-engine/internal/charges"
	"github.com/tradesim/execution-engine/internal/instrument"
	"github.com/tradesim/execution-engine/internal/keylock"
	"github.com/tradesim/execution-engine/internal/model"
	"github.com/tradesim/execution-engine/internal/store"
)

// Store is the persistence the recorder needs.
type Store interface {
	store.HoldingStore
	store.TradeStore
	store.OrderStore
}

// Plan is the realized outcome of an order, computed before any money
// moves so the wallet can book the P&L.
type Plan struct {
	Trades  []model.Trade
	GrossPL decimal.Decimal
	NetPL   decimal.Decimal
	// Reduce is the number of shares a delivery sell takes out of the
	// holding.
	Reduce int64
}

// Recorder maintains holdings and trades.
type Recorder struct {
	store  Store
	locks  keylock.Map
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder.
func NewRecorder(st Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, logger: logger, now: time.Now}
}

// Plan matches o, about to execute at price with the given total charges,
// against earlier opposite-side orders. Nothing is written. Delivery sells
// fail with model.ErrStateConflict when the holding cannot cover them.
func (r *Recorder) Plan(ctx context.Context, o *model.Order, price, totalCharges decimal.Decimal) (*Plan, error) {
	plan := &Plan{GrossPL: decimal.Zero, NetPL: decimal.Zero}

	if o.Category == model.CategoryDelivery && o.Side == model.SideSell {
		held := int64(0)
		h, err := r.store.GetHolding(ctx, o.UserID, o.Symbol, o.Exchange)
		switch {
		case err == nil:
			held = h.Quantity
		case !errors.Is(err, model.ErrNotFound):
			return nil, fmt.Errorf("load holding: %w", err)
		}
		if held < o.Quantity {
			return nil, &model.StateConflictError{
				Entity: "holding",
				ID:     instrument.Key(o.Symbol, o.Exchange),
				Status: fmt.Sprintf("quantity %d", held),
				Op:     fmt.Sprintf("sell %d from", o.Quantity),
			}
		}
		plan.Reduce = o.Quantity
	}

	lots, err := r.openLots(ctx, o)
	if err != nil {
		return nil, err
	}

	now := r.now()
	remaining := o.Quantity
	for i := range lots {
		if remaining == 0 {
			break
		}
		prev := &lots[i].order
		take := min(remaining, lots[i].open)
		remaining -= take

		buy, sell := prev, o
		buyPrice, sellPrice := prev.ExecutedPrice, price
		buyCharges := prorate(prev.Charges.Total, take, prev.ExecutedQuantity)
		sellCharges := prorate(totalCharges, take, o.Quantity)
		buyTime, sellTime := prev.ExecutedAt, now
		if o.Side == model.SideBuy {
			// Covering an earlier short sell.
			buy, sell = o, prev
			buyPrice, sellPrice = price, prev.ExecutedPrice
			buyCharges, sellCharges = sellCharges, buyCharges
			buyTime, sellTime = now, prev.ExecutedAt
		}

		qty := decimal.NewFromInt(take)
		gross := sellPrice.Sub(buyPrice).Mul(qty).Round(charges.MoneyScale)
		net := gross.Sub(buyCharges).Sub(sellCharges)
		duration := sellTime.Sub(buyTime)
		if duration < 0 {
			duration = -duration
		}

		plan.Trades = append(plan.Trades, model.Trade{
			ID:              uuid.New().String(),
			UserID:          o.UserID,
			Symbol:          o.Symbol,
			Exchange:        o.Exchange,
			Category:        o.Category,
			BuyOrderID:      buy.ID,
			SellOrderID:     sell.ID,
			Quantity:        take,
			BuyPrice:        buyPrice,
			SellPrice:       sellPrice,
			BuyCharges:      buyCharges,
			SellCharges:     sellCharges,
			GrossPL:         gross,
			NetPL:           net,
			BuyTime:         buyTime,
			SellTime:        sellTime,
			HoldingDuration: duration,
		})
		plan.GrossPL = plan.GrossPL.Add(gross)
		plan.NetPL = plan.NetPL.Add(net)
	}
	return plan, nil
}

// Record applies an executed order: delivery buys merge into the holding,
// delivery sells reduce it, and the planned trades are stored. It returns
// the number of shares that moved into or out of the holding.
func (r *Recorder) Record(ctx context.Context, o *model.Order, plan *Plan) (int64, error) {
	var moved int64
	switch {
	case o.Category == model.CategoryDelivery && o.Side == model.SideBuy:
		if _, err := r.Merge(ctx, o.UserID, o.Symbol, o.Exchange, o.ExecutedQuantity, o.ExecutedPrice); err != nil {
			return 0, err
		}
		moved = o.ExecutedQuantity
	case o.Category == model.CategoryDelivery && o.Side == model.SideSell && plan != nil && plan.Reduce > 0:
		if err := r.reduce(ctx, o.UserID, o.Symbol, o.Exchange, plan.Reduce); err != nil {
			return 0, err
		}
		moved = plan.Reduce
	}

	if plan == nil {
		return moved, nil
	}
	var errs []error
	for i := range plan.Trades {
		t := &plan.Trades[i]
		if err := r.store.InsertTrade(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("insert trade %s: %w", t.ID, err))
			continue
		}
		r.logger.Info("trade recorded",
			"trade_id", t.ID,
			"user", t.UserID,
			"buy_order_id", t.BuyOrderID,
			"sell_order_id", t.SellOrderID,
			"quantity", t.Quantity,
			"net_pl", t.NetPL.String(),
		)
	}
	return moved, errors.Join(errs...)
}

// Merge adds qty shares bought at price to the user's holding, averaging
// the buy price.
func (r *Recorder) Merge(ctx context.Context, userID, symbol, exchange string, qty int64, price decimal.Decimal) (*model.Holding, error) {
	if qty <= 0 {
		return nil, model.Validationf("merge quantity must be positive, got %d", qty)
	}

	unlock := r.locks.Lock(userID + "|" + instrument.Key(symbol, exchange))
	defer unlock()

	now := r.now()
	h, err := r.store.GetHolding(ctx, userID, symbol, exchange)
	switch {
	case errors.Is(err, model.ErrNotFound):
		h = &model.Holding{
			ID:              uuid.New().String(),
			UserID:          userID,
			Symbol:          symbol,
			Exchange:        exchange,
			AverageBuyPrice: decimal.Zero,
			TotalInvestment: decimal.Zero,
			CreatedAt:       now,
		}
	case err != nil:
		return nil, fmt.Errorf("load holding: %w", err)
	}

	added := decimal.NewFromInt(qty)
	cost := h.AverageBuyPrice.Mul(decimal.NewFromInt(h.Quantity)).Add(price.Mul(added))
	h.Quantity += qty
	h.AverageBuyPrice = cost.Div(decimal.NewFromInt(h.Quantity)).Round(4)
	h.TotalInvestment = h.AverageBuyPrice.Mul(decimal.NewFromInt(h.Quantity)).Round(charges.MoneyScale)
	h.UpdatedAt = now

	if err := r.store.SaveHolding(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// List returns a user's holdings.
func (r *Recorder) List(ctx context.Context, userID string) ([]model.Holding, error) {
	return r.store.ListHoldings(ctx, userID)
}

// Trades returns a user's realized trades.
func (r *Recorder) Trades(ctx context.Context, userID string) ([]model.Trade, error) {
	return r.store.ListTrades(ctx, store.TradeFilter{UserID: userID})
}

func (r *Recorder) reduce(ctx context.Context, userID, symbol, exchange string, qty int64) error {
	unlock := r.locks.Lock(userID + "|" + instrument.Key(symbol, exchange))
	defer unlock()

	h, err := r.store.GetHolding(ctx, userID, symbol, exchange)
	if err != nil {
		return fmt.Errorf("load holding: %w", err)
	}
	if h.Quantity < qty {
		return &model.StateConflictError{
			Entity: "holding",
			ID:     instrument.Key(symbol, exchange),
			Status: fmt.Sprintf("quantity %d", h.Quantity),
			Op:     fmt.Sprintf("sell %d from", qty),
		}
	}
	h.Quantity -= qty
	h.TotalInvestment = h.AverageBuyPrice.Mul(decimal.NewFromInt(h.Quantity)).Round(charges.MoneyScale)
	h.UpdatedAt = r.now()
	return r.store.SaveHolding(ctx, h)
}

type lot struct {
	order model.Order
	open  int64
}

// openLots returns the executed opposite-side orders that still have
// unmatched quantity, oldest first.
func (r *Recorder) openLots(ctx context.Context, o *model.Order) ([]lot, error) {
	orders, err := r.store.ListOrders(ctx, store.OrderFilter{
		UserID:   o.UserID,
		Symbol:   o.Symbol,
		Exchange: o.Exchange,
		Category: o.Category,
		Side:     o.Side.Opposite(),
		Statuses: []model.OrderStatus{model.StatusExecuted},
	})
	if err != nil {
		return nil, fmt.Errorf("load lots: %w", err)
	}
	if len(orders) == 0 {
		return nil, nil
	}

	trades, err := r.store.ListTrades(ctx, store.TradeFilter{UserID: o.UserID, Symbol: o.Symbol, Exchange: o.Exchange})
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	matched := make(map[string]int64)
	for _, t := range trades {
		matched[t.BuyOrderID] += t.Quantity
		matched[t.SellOrderID] += t.Quantity
	}

	var lots []lot
	for _, prev := range orders {
		if prev.ID == o.ID {
			continue
		}
		if open := prev.ExecutedQuantity - matched[prev.ID]; open > 0 {
			lots = append(lots, lot{order: prev, open: open})
		}
	}
	// ListOrders is creation-ordered; FIFO is by execution time.
	slices.SortStableFunc(lots, func(a, b lot) int {
		return a.order.ExecutedAt.Compare(b.order.ExecutedAt)
	})
	return lots, nil
}

// prorate returns total × part / whole rounded to money scale.
func prorate(total decimal.Decimal, part, whole int64) decimal.Decimal {
	if whole <= 0 || part == whole {
		return total
	}
	return total.Mul(decimal.NewFromInt(part)).Div(decimal.NewFromInt(whole)).Round(charges.MoneyScale)
}
