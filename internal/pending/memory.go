package pending

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/tradesim/execution-engine/internal/instrument"
)

// MemoryIndex is the in-process Index.
type MemoryIndex struct {
	mu      sync.RWMutex
	byInstr map[string]map[string]Entry
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{byInstr: make(map[string]map[string]Entry)}
}

func (m *MemoryIndex) Add(_ context.Context, e Entry) error {
	key := instrument.Key(e.Symbol, e.Exchange)

	m.mu.Lock()
	defer m.mu.Unlock()
	orders, ok := m.byInstr[key]
	if !ok {
		orders = make(map[string]Entry)
		m.byInstr[key] = orders
	}
	orders[e.OrderID] = e
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, symbol, exchange, orderID string) error {
	key := instrument.Key(symbol, exchange)

	m.mu.Lock()
	defer m.mu.Unlock()
	orders, ok := m.byInstr[key]
	if !ok {
		return nil
	}
	delete(orders, orderID)
	if len(orders) == 0 {
		delete(m.byInstr, key)
	}
	return nil
}

func (m *MemoryIndex) Candidates(_ context.Context, symbol, exchange string) ([]Entry, error) {
	m.mu.RLock()
	orders := m.byInstr[instrument.Key(symbol, exchange)]
	out := make([]Entry, 0, len(orders))
	for _, e := range orders {
		out = append(out, e)
	}
	m.mu.RUnlock()

	sortEntries(out)
	return out, nil
}

func (m *MemoryIndex) Keys(_ context.Context) ([]instrument.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]instrument.Instrument, 0, len(m.byInstr))
	for _, orders := range m.byInstr {
		for _, e := range orders {
			out = append(out, instrument.Instrument{Symbol: e.Symbol, Exchange: e.Exchange})
			break
		}
	}
	slices.SortFunc(out, func(a, b instrument.Instrument) int {
		return strings.Compare(a.String(), b.String())
	})
	return out, nil
}

func (m *MemoryIndex) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, orders := range m.byInstr {
		n += len(orders)
	}
	return n, nil
}

func (m *MemoryIndex) Replace(_ context.Context, entries []Entry) error {
	fresh := make(map[string]map[string]Entry)
	for _, e := range entries {
		key := instrument.Key(e.Symbol, e.Exchange)
		if fresh[key] == nil {
			fresh[key] = make(map[string]Entry)
		}
		fresh[key][e.OrderID] = e
	}

	m.mu.Lock()
	m.byInstr = fresh
	m.mu.Unlock()
	return nil
}

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.OrderID, b.OrderID)
	})
}
