package position

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradesim/execution-engine/internal/model"
	"github.com/tradesim/execution-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func executed(id string, category model.OrderCategory, side model.Side, qty int64, price string) *model.Order {
	return &model.Order{
		ID:               id,
		UserID:           "u1",
		Symbol:           "INFY",
		Exchange:         "NSE",
		Category:         category,
		Variant:          model.VariantMarket,
		Side:             side,
		Quantity:         qty,
		Status:           model.StatusExecuted,
		ExecutedQuantity: qty,
		ExecutedPrice:    d(price),
		Source:           model.SourceUser,
	}
}

func newManager() (*Manager, *store.MemoryStore) {
	st := store.NewMemoryStore()
	return NewManager(st, DefaultPolicy(), nil), st
}

func TestApply_OpenAddAndAverage(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()

	p, err := m.Apply(ctx, executed("b1", model.CategoryIntraday, model.SideBuy, 10, "100"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), p.Quantity)
	assert.True(t, p.AveragePrice.Equal(d("100")))

	p2, err := m.Apply(ctx, executed("b2", model.CategoryIntraday, model.SideBuy, 10, "110"), 0)
	require.NoError(t, err)
	assert.Equal(t, p.ID, p2.ID, "same position is extended")
	assert.Equal(t, int64(20), p2.Quantity)
	assert.True(t, p2.AveragePrice.Equal(d("105")), "got %s", p2.AveragePrice)
}

func TestApply_ReduceRealizesAndCloses(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()

	_, err := m.Apply(ctx, executed("b1", model.CategoryIntraday, model.SideBuy, 10, "100"), 0)
	require.NoError(t, err)

	p, err := m.Apply(ctx, executed("s1", model.CategoryIntraday, model.SideSell, 4, "110"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(6), p.Quantity)
	assert.True(t, p.RealizedPL.Equal(d("40")))
	assert.False(t, p.IsClosed)

	p, err = m.Apply(ctx, executed("s2", model.CategoryIntraday, model.SideSell, 6, "95"), 0)
	require.NoError(t, err)
	assert.True(t, p.IsClosed)
	assert.Equal(t, ReasonFlat, p.ClosedReason)
	assert.True(t, p.RealizedPL.Equal(d("10")), "40 - 30, got %s", p.RealizedPL)

	open, err := m.ListOpen(ctx, store.PositionFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestApply_ForcedExitRecordsSource(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()

	_, err := m.Apply(ctx, executed("b1", model.CategoryIntraday, model.SideBuy, 5, "100"), 0)
	require.NoError(t, err)

	exit := executed("s1", model.CategoryIntraday, model.SideSell, 5, "90")
	exit.Source = model.SourceRiskMonitor
	p, err := m.Apply(ctx, exit, 0)
	require.NoError(t, err)
	assert.True(t, p.IsClosed)
	assert.Equal(t, model.SourceRiskMonitor, p.ClosedReason)
}

func TestApply_IntradayFlip(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()

	_, err := m.Apply(ctx, executed("b1", model.CategoryIntraday, model.SideBuy, 5, "100"), 0)
	require.NoError(t, err)

	p, err := m.Apply(ctx, executed("s1", model.CategoryIntraday, model.SideSell, 8, "120"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), p.Quantity)
	assert.True(t, p.AveragePrice.Equal(d("120")))
	assert.True(t, p.RealizedPL.Equal(d("100")))
	assert.False(t, p.IsClosed)
}

func TestApply_ShortThenCover(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()

	_, err := m.Apply(ctx, executed("s1", model.CategoryIntraday, model.SideSell, 10, "200"), 0)
	require.NoError(t, err)

	p, err := m.Apply(ctx, executed("b1", model.CategoryIntraday, model.SideBuy, 10, "190"), 0)
	require.NoError(t, err)
	assert.True(t, p.IsClosed)
	assert.True(t, p.RealizedPL.Equal(d("100")), "short gains when price falls, got %s", p.RealizedPL)
}

func TestApply_DeliveryNeverShort(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()

	p, err := m.Apply(ctx, executed("b1", model.CategoryDelivery, model.SideBuy, 5, "100"), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.HeldQuantity)

	// 3 extra shares come out of older holdings.
	p, err = m.Apply(ctx, executed("s1", model.CategoryDelivery, model.SideSell, 8, "110"), 8)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Quantity)
	assert.True(t, p.IsClosed)
	assert.True(t, p.RealizedPL.Equal(d("50")))

	p, err = m.Apply(ctx, executed("s2", model.CategoryDelivery, model.SideSell, 2, "110"), 2)
	require.NoError(t, err)
	assert.Nil(t, p, "selling holdings without a position opens nothing")
}

func TestApply_RejectsUnexecuted(t *testing.T) {
	m, _ := newManager()
	o := executed("b1", model.CategoryIntraday, model.SideBuy, 5, "100")
	o.Status = model.StatusPending
	_, err := m.Apply(context.Background(), o, 0)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestMark_RevaluesOpenPositions(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()

	_, err := m.Apply(ctx, executed("b1", model.CategoryIntraday, model.SideBuy, 10, "100"), 0)
	require.NoError(t, err)
	_, err = m.Apply(ctx, executed("s1", model.CategoryDelivery, model.SideBuy, 2, "100"), 2)
	require.NoError(t, err)

	marked, err := m.Mark(ctx, "INFY", "NSE", d("95"))
	require.NoError(t, err)
	require.Len(t, marked, 2)
	for _, p := range marked {
		assert.True(t, p.MarkPrice.Equal(d("95")))
		want := d("-5").Mul(decimal.NewFromInt(p.Quantity))
		assert.True(t, p.UnrealizedPL.Equal(want), "got %s", p.UnrealizedPL)
	}
}

func TestPreviewRealized(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()

	_, err := m.Apply(ctx, executed("b1", model.CategoryIntraday, model.SideBuy, 10, "100"), 0)
	require.NoError(t, err)

	sell := executed("s1", model.CategoryIntraday, model.SideSell, 15, "0")
	got, err := m.PreviewRealized(ctx, sell, d("103"))
	require.NoError(t, err)
	assert.True(t, got.Equal(d("30")), "only 10 shares close, got %s", got)

	buy := executed("b2", model.CategoryIntraday, model.SideBuy, 5, "0")
	got, err = m.PreviewRealized(ctx, buy, d("103"))
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestMarkConverted(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()

	p, err := m.Apply(ctx, executed("b1", model.CategoryDelivery, model.SideBuy, 4, "100"), 4)
	require.NoError(t, err)

	conv, err := m.MarkConverted(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, conv.IsConverted)
	assert.True(t, conv.IsClosed)
	assert.Equal(t, ReasonConverted, conv.ClosedReason)

	_, err = m.MarkConverted(ctx, p.ID)
	assert.ErrorIs(t, err, model.ErrStateConflict)

	intra, err := m.Apply(ctx, executed("b2", model.CategoryIntraday, model.SideBuy, 1, "100"), 0)
	require.NoError(t, err)
	_, err = m.MarkConverted(ctx, intra.ID)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestPolicy_ExpiresAt(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	p := Policy{Location: loc, IntradayCutoff: 15*time.Hour + 20*time.Minute, ConvertAfter: 24 * time.Hour}

	morning := time.Date(2026, 3, 2, 10, 0, 0, 0, loc)
	assert.True(t, time.Date(2026, 3, 2, 15, 20, 0, 0, loc).Equal(p.ExpiresAt(model.CategoryIntraday, morning)))

	evening := time.Date(2026, 3, 2, 16, 0, 0, 0, loc)
	assert.True(t, time.Date(2026, 3, 3, 15, 20, 0, 0, loc).Equal(p.ExpiresAt(model.CategoryIntraday, evening)))

	assert.True(t, morning.Add(24*time.Hour).Equal(p.ExpiresAt(model.CategoryDelivery, morning)))
}
