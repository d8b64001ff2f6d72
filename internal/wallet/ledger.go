// Package wallet is the only writer of wallet balances. Every operation is
// serialized per user and leaves one or more immutable Transaction rows
// behind, so the balance can always be rebuilt from the audit trail.
//
// All monetary values use shopspring/decimal, never float64.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradesim/execution-engine/internal/keylock"
	"github.com/tradesim/execution-engine/internal/metrics"
	"github.com/tradesim/execution-engine/internal/model"
	"github.com/tradesim/execution-engine/internal/store"
)

// CreditRequest describes money flowing into a wallet from a sell.
type CreditRequest struct {
	UserID  string
	Amount  decimal.Decimal
	OrderID string
	Reason  string
	// RealizedPL is the net P&L the credit realizes. Positive values add to
	// RealizedProfit, negative values add their magnitude to RealizedLoss.
	RealizedPL decimal.Decimal
}

// Ledger applies balance mutations to wallets.
type Ledger struct {
	store  store.WalletStore
	locks  keylock.Map
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates a ledger over the given wallet store.
func NewLedger(st store.WalletStore, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: st, logger: logger, now: time.Now}
}

// CreateWallet opens a wallet for a new user, optionally funded.
func (l *Ledger) CreateWallet(ctx context.Context, userID string, initial decimal.Decimal) (*model.Wallet, error) {
	if userID == "" {
		return nil, model.Validationf("user id is required")
	}
	if initial.IsNegative() {
		return nil, model.Validationf("initial balance must not be negative, got %s", initial)
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	now := l.now()
	w := &model.Wallet{
		UserID:         userID,
		Balance:        decimal.Zero,
		LockedAmount:   decimal.Zero,
		RealizedProfit: decimal.Zero,
		RealizedLoss:   decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	w.Recompute()
	if err := l.store.CreateWallet(ctx, w); err != nil {
		return nil, err
	}

	if initial.IsPositive() {
		next := *w
		next.Balance = initial
		next.Recompute()
		rows := []*model.Transaction{l.row(w, &next, model.TxCredit, model.KindDeposit, initial, "", "initial deposit")}
		if err := l.commit(ctx, w, &next, rows); err != nil {
			return nil, err
		}
		w = &next
	}

	l.logger.Info("wallet created", "user", userID, "balance", w.Balance.StringFixed(2))
	return w, nil
}

// Deposit adds funds to a wallet.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	if !amount.IsPositive() {
		return nil, model.Validationf("deposit amount must be positive, got %s", amount)
	}

	var out *model.Wallet
	err := l.mutate(ctx, "deposit", userID, func(w *model.Wallet) ([]*model.Transaction, error) {
		prev := *w
		w.Balance = w.Balance.Add(amount)
		w.Recompute()
		out = w
		return []*model.Transaction{l.row(&prev, w, model.TxCredit, model.KindDeposit, amount, "", "deposit")}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the current wallet of a user.
func (l *Ledger) Get(ctx context.Context, userID string) (*model.Wallet, error) {
	return l.store.GetWallet(ctx, userID)
}

// Transactions returns the audit trail of a user in insertion order.
func (l *Ledger) Transactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	if _, err := l.store.GetWallet(ctx, userID); err != nil {
		return nil, err
	}
	return l.store.ListTransactions(ctx, userID)
}

// Reserve locks amount against an order. It fails with
// *model.InsufficientFundsError when the available balance is too small.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount decimal.Decimal, orderID string) error {
	if !amount.IsPositive() {
		return model.Validationf("reserve amount must be positive, got %s", amount)
	}

	return l.mutate(ctx, "reserve", userID, func(w *model.Wallet) ([]*model.Transaction, error) {
		if w.AvailableBalance.LessThan(amount) {
			return nil, &model.InsufficientFundsError{UserID: userID, Required: amount, Available: w.AvailableBalance}
		}
		prev := *w
		w.LockedAmount = w.LockedAmount.Add(amount)
		w.Recompute()
		return []*model.Transaction{l.row(&prev, w, model.TxDebit, model.KindReserve, amount, orderID, "funds reserved for order")}, nil
	})
}

// Release unlocks amount previously reserved. Releasing more than is
// locked is a state conflict; releasing zero is a no-op.
func (l *Ledger) Release(ctx context.Context, userID string, amount decimal.Decimal, orderID, reason string) error {
	if amount.IsNegative() {
		return model.Validationf("release amount must not be negative, got %s", amount)
	}
	if amount.IsZero() {
		return nil
	}

	return l.mutate(ctx, "release", userID, func(w *model.Wallet) ([]*model.Transaction, error) {
		if amount.GreaterThan(w.LockedAmount) {
			return nil, &model.StateConflictError{
				Entity: "wallet",
				ID:     userID,
				Status: fmt.Sprintf("locked %s", w.LockedAmount.StringFixed(2)),
				Op:     fmt.Sprintf("release %s from", amount.StringFixed(2)),
			}
		}
		prev := *w
		w.LockedAmount = w.LockedAmount.Sub(amount)
		w.Recompute()
		if reason == "" {
			reason = "reservation released"
		}
		return []*model.Transaction{l.row(&prev, w, model.TxCredit, model.KindRelease, amount, orderID, reason)}, nil
	})
}

// Settle converts a reservation into a debit of actual. The unlocked
// amount is min(reserved, locked). Any unlocked surplus over actual is
// recorded as a refund row. Nothing changes if the balance cannot cover
// actual while keeping the remaining locked funds backed.
func (l *Ledger) Settle(ctx context.Context, userID string, reserved, actual decimal.Decimal, orderID string) error {
	if !actual.IsPositive() {
		return model.Validationf("settle amount must be positive, got %s", actual)
	}
	if reserved.IsNegative() {
		return model.Validationf("reserved amount must not be negative, got %s", reserved)
	}

	return l.mutate(ctx, "settle", userID, func(w *model.Wallet) ([]*model.Transaction, error) {
		unlocked := decimal.Min(reserved, w.LockedAmount)
		newLocked := w.LockedAmount.Sub(unlocked)
		newBalance := w.Balance.Sub(actual)
		if actual.GreaterThan(w.Balance) || newBalance.LessThan(newLocked) {
			return nil, &model.InsufficientFundsError{
				UserID:    userID,
				Required:  actual,
				Available: w.Balance.Sub(newLocked),
			}
		}

		// The debit consumes as much of the unlocked reservation as it can;
		// whatever is left over is handed back by the refund row.
		consumed := decimal.Min(unlocked, actual)
		prev := *w
		w.Balance = newBalance
		w.LockedAmount = prev.LockedAmount.Sub(consumed)
		w.Recompute()
		rows := []*model.Transaction{l.row(&prev, w, model.TxDebit, model.KindTrade, actual, orderID, "order settled")}

		if refund := unlocked.Sub(consumed); refund.IsPositive() {
			mid := *w
			w.LockedAmount = newLocked
			w.Recompute()
			rows = append(rows, l.row(&mid, w, model.TxCredit, model.KindRefund, refund, orderID, "unused reservation refunded"))
		}
		return rows, nil
	})
}

// Credit adds sale proceeds to a wallet and books the realized P&L.
func (l *Ledger) Credit(ctx context.Context, req CreditRequest) error {
	if req.Amount.IsNegative() {
		return model.Validationf("credit amount must not be negative, got %s", req.Amount)
	}

	return l.mutate(ctx, "credit", req.UserID, func(w *model.Wallet) ([]*model.Transaction, error) {
		prev := *w
		w.Balance = w.Balance.Add(req.Amount)
		switch {
		case req.RealizedPL.IsPositive():
			w.RealizedProfit = w.RealizedProfit.Add(req.RealizedPL)
		case req.RealizedPL.IsNegative():
			w.RealizedLoss = w.RealizedLoss.Add(req.RealizedPL.Abs())
		}
		w.Recompute()

		if req.Amount.IsZero() {
			return nil, nil
		}
		reason := req.Reason
		if reason == "" {
			reason = "sale proceeds"
		}
		return []*model.Transaction{l.row(&prev, w, model.TxCredit, model.KindTrade, req.Amount, req.OrderID, reason)}, nil
	})
}

// Reconciliation is the result of replaying a wallet's audit trail.
type Reconciliation struct {
	UserID          string          `json:"user_id"`
	Transactions    int             `json:"transactions"`
	ReplayedBalance decimal.Decimal `json:"replayed_balance"`
	ReplayedLocked  decimal.Decimal `json:"replayed_locked"`
	Balance         decimal.Decimal `json:"balance"`
	LockedAmount    decimal.Decimal `json:"locked_amount"`
	// Breaks lists the IDs of rows whose before-values do not continue the
	// previous row's after-values.
	Breaks     []string `json:"breaks,omitempty"`
	Consistent bool     `json:"consistent"`
}

// Reconcile replays the transaction chain of a user and compares the
// result to the stored wallet.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()

	w, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	txs, err := l.store.ListTransactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions for %s: %w", userID, err)
	}

	rec := &Reconciliation{
		UserID:          userID,
		Transactions:    len(txs),
		ReplayedBalance: decimal.Zero,
		ReplayedLocked:  decimal.Zero,
		Balance:         w.Balance,
		LockedAmount:    w.LockedAmount,
	}
	for _, tx := range txs {
		if !tx.BalanceBefore.Equal(rec.ReplayedBalance) || !tx.LockedBefore.Equal(rec.ReplayedLocked) {
			rec.Breaks = append(rec.Breaks, tx.ID)
		}
		rec.ReplayedBalance = rec.ReplayedBalance.Add(tx.BalanceDelta())
		rec.ReplayedLocked = tx.LockedAfter
	}
	rec.Consistent = len(rec.Breaks) == 0 &&
		rec.ReplayedBalance.Equal(w.Balance) &&
		rec.ReplayedLocked.Equal(w.LockedAmount) &&
		w.Consistent()

	if !rec.Consistent {
		l.logger.Warn("wallet reconciliation mismatch",
			"user", userID,
			"balance", w.Balance.String(),
			"replayed_balance", rec.ReplayedBalance.String(),
			"locked", w.LockedAmount.String(),
			"replayed_locked", rec.ReplayedLocked.String(),
			"breaks", len(rec.Breaks),
		)
	}
	return rec, nil
}

// mutate loads the wallet under the user lock, lets fn change it, and
// commits the result. fn returning no rows with an unchanged wallet skips
// the write.
func (l *Ledger) mutate(ctx context.Context, op, userID string, fn func(w *model.Wallet) ([]*model.Transaction, error)) (err error) {
	defer func() { metrics.WalletOperations.WithLabelValues(op, metrics.Result(err)).Inc() }()

	unlock := l.locks.Lock(userID)
	defer unlock()

	prev, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		return err
	}
	next := *prev
	rows, err := fn(&next)
	if err != nil {
		return err
	}
	if !next.Consistent() {
		return fmt.Errorf("%s for user %s would break the wallet invariant", op, userID)
	}
	if len(rows) == 0 && unchanged(prev, &next) {
		return nil
	}
	return l.commit(ctx, prev, &next, rows)
}

// commit writes the wallet document and then its audit rows. If the first
// row cannot be written the previous wallet is restored. Later rows only
// follow a committed balance change, so their failure is logged and left
// for Reconcile to surface.
func (l *Ledger) commit(ctx context.Context, prev, next *model.Wallet, rows []*model.Transaction) error {
	next.UpdatedAt = l.now()
	if err := l.store.SaveWallet(ctx, next); err != nil {
		return fmt.Errorf("save wallet %s: %w", next.UserID, err)
	}

	for i, tx := range rows {
		err := l.store.InsertTransaction(ctx, tx)
		if err == nil {
			continue
		}
		if i == 0 {
			if restoreErr := l.store.SaveWallet(ctx, prev); restoreErr != nil {
				l.logger.Error("failed to restore wallet after audit insert failure",
					"user", prev.UserID, "err", restoreErr)
				return errors.Join(err, restoreErr)
			}
			return fmt.Errorf("insert %s transaction for %s: %w", tx.Kind, tx.UserID, err)
		}
		l.logger.Error("audit row lost after committed wallet change",
			"user", tx.UserID, "kind", tx.Kind, "order_id", tx.OrderID, "err", err)
	}
	return nil
}

func unchanged(a, b *model.Wallet) bool {
	return a.Balance.Equal(b.Balance) &&
		a.LockedAmount.Equal(b.LockedAmount) &&
		a.RealizedProfit.Equal(b.RealizedProfit) &&
		a.RealizedLoss.Equal(b.RealizedLoss)
}

func (l *Ledger) row(before, after *model.Wallet, typ model.TransactionType, kind model.TransactionKind, amount decimal.Decimal, orderID, reason string) *model.Transaction {
	return &model.Transaction{
		ID:            uuid.New().String(),
		UserID:        before.UserID,
		Type:          typ,
		Kind:          kind,
		Amount:        amount,
		Reason:        reason,
		BalanceBefore: before.Balance,
		BalanceAfter:  after.Balance,
		LockedBefore:  before.LockedAmount,
		LockedAfter:   after.LockedAmount,
		OrderID:       orderID,
		CreatedAt:     l.now(),
	}
}
