package pending

import (
	"context"
	"fmt"

	"github.com/tradesim/execution-engine/internal/metrics"
	"github.com/tradesim/execution-engine/internal/model"
	"github.com/tradesim/execution-engine/internal/store"
)

// Resync rebuilds the index from the pending resting orders in the store
// and returns the number of entries indexed.
func Resync(ctx context.Context, idx Index, orders store.OrderStore) (int, error) {
	list, err := orders.ListOrders(ctx, store.OrderFilter{
		Statuses: []model.OrderStatus{model.StatusPending},
		Variants: []model.OrderVariant{model.VariantLimit, model.VariantStopLimit, model.VariantStopMarket},
	})
	if err != nil {
		return 0, fmt.Errorf("resync pending index: %w", err)
	}

	entries := make([]Entry, len(list))
	for i := range list {
		entries[i] = EntryFor(&list[i])
	}
	if err := idx.Replace(ctx, entries); err != nil {
		return 0, err
	}
	metrics.PendingOrders.Set(float64(len(entries)))
	return len(entries), nil
}
