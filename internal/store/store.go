// Package store defines the persistence interface for the execution engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache over the presentation reads), and in-memory (for testing).
//
// Every entity is its own document with its own primary key. No
// implementation offers multi-document transactions; callers order their
// writes so that a partial failure leaves a recoverable state.
package store

import (
	"context"

	"github.com/tradesim/execution-engine/internal/model"
)

// WalletStore persists wallets and their append-only transaction log.
type WalletStore interface {
	// CreateWallet persists a new wallet. Fails if one exists for the user.
	CreateWallet(ctx context.Context, w *model.Wallet) error

	// GetWallet retrieves a wallet by user. Returns model.ErrNotFound.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// SaveWallet overwrites an existing wallet document.
	SaveWallet(ctx context.Context, w *model.Wallet) error

	// InsertTransaction appends an immutable ledger entry.
	InsertTransaction(ctx context.Context, tx *model.Transaction) error

	// ListTransactions returns a user's ledger entries in insertion order.
	ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error)
}

// OrderFilter selects orders. Zero-valued fields match everything.
type OrderFilter struct {
	UserID   string
	Symbol   string
	Exchange string
	Category model.OrderCategory
	Side     model.Side
	Statuses []model.OrderStatus
	Variants []model.OrderVariant
}

// OrderStore persists orders.
type OrderStore interface {
	// CreateOrder persists a new order.
	CreateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by ID. Returns model.ErrNotFound.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// SaveOrder overwrites an existing order document.
	SaveOrder(ctx context.Context, o *model.Order) error

	// ListOrders returns matching orders, oldest first.
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)
}

// PositionFilter selects positions. Zero-valued fields match everything.
type PositionFilter struct {
	UserID   string
	Symbol   string
	Exchange string
	Category model.OrderCategory
	OpenOnly bool
}

// PositionStore persists positions.
type PositionStore interface {
	// GetPosition retrieves a position by ID. Returns model.ErrNotFound.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// FindOpenPosition returns the open position for the key, or
	// model.ErrNotFound.
	FindOpenPosition(ctx context.Context, userID, symbol, exchange string, category model.OrderCategory) (*model.Position, error)

	// SavePosition inserts or overwrites a position document.
	SavePosition(ctx context.Context, p *model.Position) error

	// ListPositions returns matching positions, oldest first.
	ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error)
}

// HoldingStore persists holdings.
type HoldingStore interface {
	// GetHolding returns the holding for the key, or model.ErrNotFound.
	GetHolding(ctx context.Context, userID, symbol, exchange string) (*model.Holding, error)

	// SaveHolding inserts or overwrites a holding document.
	SaveHolding(ctx context.Context, h *model.Holding) error

	// ListHoldings returns all holdings of a user.
	ListHoldings(ctx context.Context, userID string) ([]model.Holding, error)
}

// TradeFilter selects trades. Zero-valued fields match everything.
type TradeFilter struct {
	UserID     string
	Symbol     string
	Exchange   string
	BuyOrderID string
}

// TradeStore persists realized trades.
type TradeStore interface {
	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// ListTrades returns matching trades, oldest first.
	ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error)
}

// Store is the full persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	WalletStore
	OrderStore
	PositionStore
	HoldingStore
	TradeStore
}
