package marketfeed

import (
	"sync"

	"papertrader/internal/domain"
)

// PriceCache holds the most recent tick per instrument. Writes overwrite.
type PriceCache struct {
	mu    sync.RWMutex
	ticks map[domain.InstrumentKey]domain.PriceTick
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{ticks: make(map[domain.InstrumentKey]domain.PriceTick)}
}

// Set stores tick as the latest value for key.
func (c *PriceCache) Set(key domain.InstrumentKey, tick domain.PriceTick) {
	c.mu.Lock()
	c.ticks[key] = tick
	c.mu.Unlock()
}

// Get returns the latest tick for key.
func (c *PriceCache) Get(key domain.InstrumentKey) (domain.PriceTick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tick, ok := c.ticks[key]
	return tick, ok
}

// Delete evicts key.
func (c *PriceCache) Delete(key domain.InstrumentKey) {
	c.mu.Lock()
	delete(c.ticks, key)
	c.mu.Unlock()
}

// Len returns the number of cached instruments.
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ticks)
}
