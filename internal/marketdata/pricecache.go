package marketdata

import (
	"sync"

	"exchange_connector/internal/core"
)

// PriceCache holds the most recent market price per ticker, fed by a tee
// of the emitted market updates. The order gateway reads it for
// pre-submission price validation without consuming the engine queue.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[core.TickerID]core.Price
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[core.TickerID]core.Price)}
}

// Update records the latest price for a ticker. Invalid prices are
// ignored.
func (c *PriceCache) Update(id core.TickerID, price core.Price) {
	if price == core.PriceInvalid || id == core.TickerIDInvalid {
		return
	}
	c.mu.Lock()
	c.prices[id] = price
	c.mu.Unlock()
}

// Latest returns the most recent price for a ticker.
func (c *PriceCache) Latest(id core.TickerID) (core.Price, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[id]
	return p, ok
}
