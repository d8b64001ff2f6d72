// Package keylock provides mutual exclusion keyed by an arbitrary string
// (user id, order id, position id). Entries are reference counted and
// removed once no goroutine holds or waits on them, so the map stays
// proportional to the number of keys in flight.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map is a set of mutexes addressed by key. The zero value is ready to use.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock map.
func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

func (m *Map) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]*entry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *Map) drop(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Lock blocks until key is free and returns the function that frees it.
func (m *Map) Lock(key string) (unlock func()) {
	e := m.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.drop(key, e)
	}
}

// TryLock acquires key only if nobody holds it. ok is false when the key
// is busy; unlock is then nil.
func (m *Map) TryLock(key string) (unlock func(), ok bool) {
	e := m.acquire(key)
	if !e.mu.TryLock() {
		m.drop(key, e)
		return nil, false
	}
	return func() {
		e.mu.Unlock()
		m.drop(key, e)
	}, true
}
