package cache

import (
	"context"
	"sync"
)

// MemoryStore keeps prices for the lifetime of the process.
type MemoryStore struct {
	mu     sync.RWMutex
	prices map[string]float64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{prices: make(map[string]float64)}
}

func (m *MemoryStore) Get(_ context.Context, title string) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	price, ok := m.prices[title]
	return price, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, title string, price float64) error {
	m.mu.Lock()
	m.prices[title] = price
	m.mu.Unlock()
	return nil
}

// Len returns the number of cached titles.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.prices)
}

func (m *MemoryStore) Close() error {
	return nil
}
