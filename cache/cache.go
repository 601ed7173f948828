// Package cache remembers the last price seen for each product title and
// decides whether a freshly scraped product is new or changed.
package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/aluiziolira/go-scrape-shop/models"
)

// Store is the key-value backend holding title -> last seen price.
type Store interface {
	// Get returns the cached price and whether an entry exists.
	Get(ctx context.Context, title string) (float64, bool, error)
	Set(ctx context.Context, title string, price float64) error
	Close() error
}

// PriceCache gates products on price changes. Read-then-write on a title is
// a critical section; different titles proceed in parallel.
type PriceCache struct {
	store Store
	locks keyedMutex
}

// New wraps a Store.
func New(store Store) *PriceCache {
	return &PriceCache{store: store}
}

// Get returns the cached price for title.
func (c *PriceCache) Get(ctx context.Context, title string) (float64, bool, error) {
	price, ok, err := c.store.Get(ctx, title)
	if err != nil {
		return 0, false, fmt.Errorf("cache get %q: %w", title, err)
	}
	return price, ok, nil
}

// Set records price for title.
func (c *PriceCache) Set(ctx context.Context, title string, price float64) error {
	unlock := c.locks.lock(title)
	defer unlock()
	if err := c.store.Set(ctx, title, price); err != nil {
		return fmt.Errorf("cache set %q: %w", title, err)
	}
	return nil
}

// Unchanged reports whether the cache already holds exactly price for title.
// It never writes and is only a hint; ShouldKeep makes the decision.
func (c *PriceCache) Unchanged(ctx context.Context, title string, price float64) (bool, error) {
	cached, ok, err := c.Get(ctx, title)
	if err != nil || !ok {
		return false, err
	}
	return cached == price, nil
}

// ShouldKeep reports whether p has no cached price or a different one. When it
// returns true the cache already holds p.Price; the caller must persist p.
func (c *PriceCache) ShouldKeep(ctx context.Context, p models.Product) (bool, error) {
	unlock := c.locks.lock(p.Title)
	defer unlock()

	cached, ok, err := c.store.Get(ctx, p.Title)
	if err != nil {
		return false, fmt.Errorf("cache get %q: %w", p.Title, err)
	}
	if ok && cached == p.Price {
		return false, nil
	}
	if err := c.store.Set(ctx, p.Title, p.Price); err != nil {
		return false, fmt.Errorf("cache set %q: %w", p.Title, err)
	}
	return true, nil
}

// Close releases the backend.
func (c *PriceCache) Close() error {
	return c.store.Close()
}

// keyedMutex hands out one mutex per key and drops it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
