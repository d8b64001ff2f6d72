package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tradesim/execution-engine/internal/model"
	"github.com/tradesim/execution-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newLedger(t *testing.T, balance string) (*Ledger, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	l := NewLedger(st, nil)
	_, err := l.CreateWallet(context.Background(), "u1", d(balance))
	require.NoError(t, err)
	return l, st
}

func requireWallet(t *testing.T, l *Ledger, balance, locked string) *model.Wallet {
	t.Helper()
	w, err := l.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(d(balance)), "balance: want %s got %s", balance, w.Balance)
	assert.True(t, w.LockedAmount.Equal(d(locked)), "locked: want %s got %s", locked, w.LockedAmount)
	assert.True(t, w.Consistent(), "wallet invariant broken: %+v", w)
	return w
}

func TestReserveRelease_RoundTrip(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, "10000")

	require.NoError(t, l.Reserve(ctx, "u1", d("1000.50"), "o1"))
	w := requireWallet(t, l, "10000", "1000.50")
	assert.True(t, w.AvailableBalance.Equal(d("8999.50")))

	require.NoError(t, l.Release(ctx, "u1", d("1000.50"), "o1", "cancelled"))
	requireWallet(t, l, "10000", "0")

	txs, err := l.Transactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, model.KindDeposit, txs[0].Kind)
	assert.Equal(t, model.KindReserve, txs[1].Kind)
	assert.Equal(t, model.KindRelease, txs[2].Kind)
	assert.Equal(t, model.TxCredit, txs[2].Type)
	assert.True(t, txs[2].BalanceDelta().IsZero())
}

func TestReserve_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, "500")

	err := l.Reserve(ctx, "u1", d("500.01"), "o1")
	require.ErrorIs(t, err, model.ErrInsufficientFunds)

	var ife *model.InsufficientFundsError
	require.True(t, errors.As(err, &ife))
	assert.True(t, ife.Required.Equal(d("500.01")))
	assert.True(t, ife.Available.Equal(d("500")))

	requireWallet(t, l, "500", "0")
}

func TestRelease_MoreThanLocked(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, "500")
	require.NoError(t, l.Reserve(ctx, "u1", d("100"), "o1"))

	err := l.Release(ctx, "u1", d("100.01"), "o1", "")
	require.ErrorIs(t, err, model.ErrStateConflict)
	requireWallet(t, l, "500", "100")

	require.NoError(t, l.Release(ctx, "u1", decimal.Zero, "o1", ""), "zero release is a no-op")
}

func TestSettle_RefundsUnusedReservation(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, "10000")
	require.NoError(t, l.Reserve(ctx, "u1", d("1020"), "o1"))

	require.NoError(t, l.Settle(ctx, "u1", d("1020"), d("1000.50"), "o1"))
	requireWallet(t, l, "8999.50", "0")

	txs, _ := l.Transactions(ctx, "u1")
	require.Len(t, txs, 4)
	trade, refund := txs[2], txs[3]
	assert.Equal(t, model.KindTrade, trade.Kind)
	assert.True(t, trade.Amount.Equal(d("1000.50")))
	assert.Equal(t, model.KindRefund, refund.Kind)
	assert.True(t, refund.Amount.Equal(d("19.50")))
	assert.True(t, refund.LockedBefore.Equal(trade.LockedAfter), "chain must be contiguous")
	assert.True(t, refund.BalanceDelta().IsZero())
}

func TestSettle_ExactReservationEmitsNoRefund(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, "2000")
	require.NoError(t, l.Reserve(ctx, "u1", d("1000"), "o1"))

	require.NoError(t, l.Settle(ctx, "u1", d("1000"), d("1000"), "o1"))
	requireWallet(t, l, "1000", "0")

	txs, _ := l.Transactions(ctx, "u1")
	for _, tx := range txs {
		assert.False(t, tx.Amount.IsZero(), "zero-amount %s row emitted", tx.Kind)
		assert.NotEqual(t, model.KindRefund, tx.Kind)
	}
}

func TestSettle_ActualAboveReservation(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, "2000")
	require.NoError(t, l.Reserve(ctx, "u1", d("1000"), "o1"))

	require.NoError(t, l.Settle(ctx, "u1", d("1000"), d("1015"), "o1"))
	requireWallet(t, l, "985", "0")
}

func TestSettle_InsufficientLeavesWalletUntouched(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, "1000")
	require.NoError(t, l.Reserve(ctx, "u1", d("600"), "o1"))
	require.NoError(t, l.Reserve(ctx, "u1", d("300"), "o2"))

	// Settling o1 for 800 would leave 200 to back the 300 still locked for o2.
	err := l.Settle(ctx, "u1", d("600"), d("800"), "o1")
	require.ErrorIs(t, err, model.ErrInsufficientFunds)
	requireWallet(t, l, "1000", "900")

	txs, _ := l.Transactions(ctx, "u1")
	assert.Len(t, txs, 3)
}

func TestCredit_RealizedCounters(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, "1000")

	require.NoError(t, l.Credit(ctx, CreditRequest{UserID: "u1", Amount: d("1100"), OrderID: "s1", RealizedPL: d("98.86")}))
	require.NoError(t, l.Credit(ctx, CreditRequest{UserID: "u1", Amount: d("900"), OrderID: "s2", RealizedPL: d("-101.50")}))

	w := requireWallet(t, l, "3000", "0")
	assert.True(t, w.RealizedProfit.Equal(d("98.86")))
	assert.True(t, w.RealizedLoss.Equal(d("101.50")))

	err := l.Credit(ctx, CreditRequest{UserID: "u1", Amount: d("-1")})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestCredit_ZeroAmountEmitsNoRow(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, "1000")

	require.NoError(t, l.Credit(ctx, CreditRequest{UserID: "u1", Amount: decimal.Zero, RealizedPL: d("-5")}))
	w := requireWallet(t, l, "1000", "0")
	assert.True(t, w.RealizedLoss.Equal(d("5")))

	txs, _ := l.Transactions(ctx, "u1")
	assert.Len(t, txs, 1)
}

func TestReconcile_Clean(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, "10000")
	require.NoError(t, l.Reserve(ctx, "u1", d("1020"), "o1"))
	require.NoError(t, l.Settle(ctx, "u1", d("1020"), d("1000.50"), "o1"))
	require.NoError(t, l.Credit(ctx, CreditRequest{UserID: "u1", Amount: d("1098.86"), OrderID: "o2"}))
	require.NoError(t, l.Reserve(ctx, "u1", d("50"), "o3"))

	rec, err := l.Reconcile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent, "%+v", rec)
	assert.True(t, rec.ReplayedBalance.Equal(d("10098.36")))
	assert.True(t, rec.ReplayedLocked.Equal(d("50")))
}

func TestReconcile_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	l, st := newLedger(t, "100")

	w, _ := st.GetWallet(ctx, "u1")
	w.Balance = d("150")
	w.Recompute()
	require.NoError(t, st.SaveWallet(ctx, w))

	rec, err := l.Reconcile(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, rec.Consistent)
}

// failingTxStore fails every transaction insert.
type failingTxStore struct {
	*store.MemoryStore
}

func (failingTxStore) InsertTransaction(context.Context, *model.Transaction) error {
	return errors.New("disk full")
}

func TestCommit_RestoresWalletWhenAuditFails(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	_, err := NewLedger(mem, nil).CreateWallet(ctx, "u1", d("1000"))
	require.NoError(t, err)

	l := NewLedger(failingTxStore{mem}, nil)
	err = l.Reserve(ctx, "u1", d("100"), "o1")
	require.Error(t, err)

	w, _ := mem.GetWallet(ctx, "u1")
	assert.True(t, w.LockedAmount.IsZero(), "wallet must be restored, locked=%s", w.LockedAmount)
}

// TestLedger_InvariantProperty drives random operation sequences and checks
// that the wallet invariant and the replayable audit chain always hold.
func TestLedger_ConcurrentReserveSettle(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, "100000")

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("o%d", i)
			if !assert.NoError(t, l.Reserve(ctx, "u1", d("100"), id)) {
				return
			}
			assert.NoError(t, l.Settle(ctx, "u1", d("100"), d("90"), id))
		}()
	}
	wg.Wait()

	requireWallet(t, l, "95500", "0")

	rec, err := l.Reconcile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent, "breaks: %v", rec.Breaks)
	assert.Empty(t, rec.Breaks)
	assert.Equal(t, 1+50*3, rec.Transactions)
}

func TestLedger_InvariantProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		l := NewLedger(store.NewMemoryStore(), nil)
		_, err := l.CreateWallet(ctx, "u1", decimal.NewFromInt(rapid.Int64Range(0, 100000).Draw(rt, "initial")))
		if err != nil {
			rt.Fatalf("create: %v", err)
		}

		amount := func(label string) decimal.Decimal {
			return decimal.New(rapid.Int64Range(1, 5_000_000).Draw(rt, label), -2)
		}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 4).Draw(rt, "op") {
			case 0:
				_, err = l.Deposit(ctx, "u1", amount("deposit"))
			case 1:
				err = l.Reserve(ctx, "u1", amount("reserve"), "o")
			case 2:
				err = l.Release(ctx, "u1", amount("release"), "o", "")
			case 3:
				err = l.Settle(ctx, "u1", amount("reserved"), amount("actual"), "o")
			case 4:
				err = l.Credit(ctx, CreditRequest{UserID: "u1", Amount: amount("credit")})
			}
			if err != nil && !errors.Is(err, model.ErrInsufficientFunds) && !errors.Is(err, model.ErrStateConflict) {
				rt.Fatalf("unexpected error: %v", err)
			}

			w, _ := l.Get(ctx, "u1")
			if !w.Consistent() {
				rt.Fatalf("invariant broken after step %d: %+v", i, w)
			}
		}

		rec, err := l.Reconcile(ctx, "u1")
		if err != nil {
			rt.Fatalf("reconcile: %v", err)
		}
		if !rec.Consistent {
			rt.Fatalf("audit trail does not reconstruct wallet: %+v", rec)
		}
	})
}
