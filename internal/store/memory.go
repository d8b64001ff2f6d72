package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/tradesim/execution-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Every read returns a copy and every write stores a copy, so callers never
// share mutable state with the store.
type MemoryStore struct {
	mu           sync.RWMutex
	wallets      map[string]*model.Wallet
	transactions []model.Transaction
	orders       map[string]*model.Order
	orderSeq     []string // insertion order
	positions    map[string]*model.Position
	positionSeq  []string
	holdings     map[string]*model.Holding
	trades       []model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:   make(map[string]*model.Wallet),
		orders:    make(map[string]*model.Order),
		positions: make(map[string]*model.Position),
		holdings:  make(map[string]*model.Holding),
	}
}

// --- Wallets ---

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[w.UserID]; ok {
		return fmt.Errorf("%w: wallet for user %s already exists", model.ErrStateConflict, w.UserID)
	}
	copy := *w
	s.wallets[w.UserID] = &copy
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, model.NotFoundf("wallet for user %s", userID)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) SaveWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[w.UserID]; !ok {
		return model.NotFoundf("wallet for user %s", w.UserID)
	}
	copy := *w
	s.wallets[w.UserID] = &copy
	return nil
}

func (s *MemoryStore) InsertTransaction(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transactions = append(s.transactions, *tx)
	return nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.transactions {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}
	return result, nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %s already exists", model.ErrStateConflict, o.ID)
	}
	copy := *o
	s.orders[o.ID] = &copy
	s.orderSeq = append(s.orderSeq, o.ID)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, model.NotFoundf("order %s", id)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) SaveOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; !ok {
		return model.NotFoundf("order %s", o.ID)
	}
	copy := *o
	s.orders[o.ID] = &copy
	return nil
}

func (s *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if matchOrder(o, f) {
			result = append(result, *o)
		}
	}
	return result, nil
}

func matchOrder(o *model.Order, f OrderFilter) bool {
	if f.UserID != "" && o.UserID != f.UserID {
		return false
	}
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.Exchange != "" && o.Exchange != f.Exchange {
		return false
	}
	if f.Category != "" && o.Category != f.Category {
		return false
	}
	if f.Side != "" && o.Side != f.Side {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, o.Status) {
		return false
	}
	if len(f.Variants) > 0 && !slices.Contains(f.Variants, o.Variant) {
		return false
	}
	return true
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, model.NotFoundf("position %s", id)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) FindOpenPosition(_ context.Context, userID, symbol, exchange string, category model.OrderCategory) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.positionSeq {
		p := s.positions[id]
		if p.UserID == userID && p.Symbol == symbol && p.Exchange == exchange &&
			p.Category == category && !p.IsClosed {
			copy := *p
			return &copy, nil
		}
	}
	return nil, model.NotFoundf("open %s position for %s on %s:%s", category, userID, exchange, symbol)
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; !ok {
		s.positionSeq = append(s.positionSeq, p.ID)
	}
	copy := *p
	s.positions[p.ID] = &copy
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, f PositionFilter) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, id := range s.positionSeq {
		p := s.positions[id]
		if f.UserID != "" && p.UserID != f.UserID {
			continue
		}
		if f.Symbol != "" && p.Symbol != f.Symbol {
			continue
		}
		if f.Exchange != "" && p.Exchange != f.Exchange {
			continue
		}
		if f.Category != "" && p.Category != f.Category {
			continue
		}
		if f.OpenOnly && p.IsClosed {
			continue
		}
		result = append(result, *p)
	}
	return result, nil
}

// --- Holdings ---

func holdingKey(userID, symbol, exchange string) string {
	return userID + "|" + exchange + ":" + symbol
}

func (s *MemoryStore) GetHolding(_ context.Context, userID, symbol, exchange string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holdings[holdingKey(userID, symbol, exchange)]
	if !ok {
		return nil, model.NotFoundf("holding %s:%s for user %s", exchange, symbol, userID)
	}
	copy := *h
	return &copy, nil
}

func (s *MemoryStore) SaveHolding(_ context.Context, h *model.Holding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *h
	s.holdings[holdingKey(h.UserID, h.Symbol, h.Exchange)] = &copy
	return nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, userID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for _, h := range s.holdings {
		if h.UserID == userID {
			result = append(result, *h)
		}
	}
	slices.SortFunc(result, func(a, b model.Holding) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result, nil
}

// --- Trades ---

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, f TradeFilter) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.Symbol != "" && t.Symbol != f.Symbol {
			continue
		}
		if f.Exchange != "" && t.Exchange != f.Exchange {
			continue
		}
		if f.BuyOrderID != "" && t.BuyOrderID != f.BuyOrderID {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}
