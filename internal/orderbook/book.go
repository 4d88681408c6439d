// Package orderbook maintains the per-symbol local view of the exchange
// order book, reconstructed from snapshots and sequenced depth deltas.
package orderbook

import (
	"sort"
	"sync"

	"exchange_connector/internal/core"
)

// PriceLevel is one (price, qty) row of a snapshot or delta.
type PriceLevel struct {
	Price core.Price
	Qty   core.Qty
}

// ApplyResult reports the outcome of a delta application.
type ApplyResult int

const (
	// Applied means the delta was incorporated.
	Applied ApplyResult = iota
	// DroppedNotSynced means no snapshot has been applied yet.
	DroppedNotSynced
	// DroppedStale means the delta predates the current book state.
	DroppedStale
	// DroppedGap means a sequence gap was detected and a refresh is needed.
	DroppedGap
	// DroppedCrossed means the delta produced a crossed book; the book was
	// invalidated and a refresh is needed.
	DroppedCrossed
)

// Book is the order book for one symbol. All methods are safe for
// concurrent use; mutations are serialized by the book mutex.
type Book struct {
	symbol   string
	tickerID core.TickerID
	logger   core.ILogger

	mu           sync.Mutex
	bids         map[core.Price]core.Qty
	asks         map[core.Price]core.Qty
	lastUpdateID uint64
	isValid      bool
	needsRefresh bool
}

// New creates an empty, invalid book for the symbol.
func New(symbol string, tickerID core.TickerID, logger core.ILogger) *Book {
	return &Book{
		symbol:   symbol,
		tickerID: tickerID,
		logger:   logger.WithField("symbol", symbol),
		bids:     make(map[core.Price]core.Qty),
		asks:     make(map[core.Price]core.Qty),
	}
}

// ApplySnapshot replaces all book state. Zero-quantity rows are ignored.
// Marks the book valid and clears the refresh flag.
func (b *Book) ApplySnapshot(lastUpdateID uint64, bids, asks []PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[core.Price]core.Qty, len(bids))
	b.asks = make(map[core.Price]core.Qty, len(asks))

	for _, l := range bids {
		if l.Qty > 0 {
			b.bids[l.Price] = l.Qty
		}
	}
	for _, l := range asks {
		if l.Qty > 0 {
			b.asks[l.Price] = l.Qty
		}
	}

	b.lastUpdateID = lastUpdateID
	b.isValid = true
	b.needsRefresh = false

	b.logger.Debug("Snapshot applied", "last_update_id", lastUpdateID,
		"bids", len(b.bids), "asks", len(b.asks))
}

// ApplyDelta incorporates a sequenced depth update. A level with qty > 0
// is set; a level with qty == 0 is erased.
func (b *Book) ApplyDelta(firstID, finalID uint64, bids, asks []PriceLevel) ApplyResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.isValid {
		b.needsRefresh = true
		return DroppedNotSynced
	}

	if finalID < b.lastUpdateID+1 {
		return DroppedStale
	}

	if firstID > b.lastUpdateID+1 {
		b.logger.Warn("Sequence gap detected", "first_id", firstID,
			"expected", b.lastUpdateID+1)
		b.needsRefresh = true
		return DroppedGap
	}

	applyLevels(b.bids, bids)
	applyLevels(b.asks, asks)
	b.lastUpdateID = finalID

	if bb, ok := bestBidLocked(b.bids); ok {
		if ba, ok := bestAskLocked(b.asks); ok && bb >= ba {
			b.logger.Warn("Crossed book detected", "best_bid", bb, "best_ask", ba)
			b.isValid = false
			b.needsRefresh = true
			return DroppedCrossed
		}
	}

	return Applied
}

func applyLevels(side map[core.Price]core.Qty, levels []PriceLevel) {
	for _, l := range levels {
		if l.Qty > 0 {
			side[l.Price] = l.Qty
		} else {
			delete(side, l.Price)
		}
	}
}

// NeedsRefresh reports whether a snapshot re-fetch is required.
func (b *Book) NeedsRefresh() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.needsRefresh
}

// MarkNeedsRefresh flags the book for a snapshot re-fetch, e.g. after a
// stream disconnect.
func (b *Book) MarkNeedsRefresh() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.needsRefresh = true
}

// IsValid reports whether a snapshot has been applied and no crossed
// delta has invalidated the book since. A sequence gap leaves the book
// valid and only flags it for refresh.
func (b *Book) IsValid() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isValid
}

// GenerateUpdates emits one CLEAR followed by one ADD per level, bids
// first in descending price order, then asks ascending, each tagged with
// a per-side priority. The order id of each level is derived from its
// price, acting as a surrogate identity for the venue-level view.
func (b *Book) GenerateUpdates() []core.MarketUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.isValid {
		return nil
	}

	updates := make([]core.MarketUpdate, 0, 1+len(b.bids)+len(b.asks))
	updates = append(updates, core.MarketUpdate{
		Type:     core.MarketUpdateClear,
		TickerID: b.tickerID,
	})

	bidPrices := sortedPrices(b.bids, true)
	priority := uint32(1)
	for _, p := range bidPrices {
		updates = append(updates, core.MarketUpdate{
			Type:     core.MarketUpdateAdd,
			TickerID: b.tickerID,
			Side:     core.SideBuy,
			Price:    p,
			Qty:      b.bids[p],
			OrderID:  core.OrderID(p),
			Priority: priority,
		})
		priority++
	}

	askPrices := sortedPrices(b.asks, false)
	priority = 1
	for _, p := range askPrices {
		updates = append(updates, core.MarketUpdate{
			Type:     core.MarketUpdateAdd,
			TickerID: b.tickerID,
			Side:     core.SideSell,
			Price:    p,
			Qty:      b.asks[p],
			OrderID:  core.OrderID(p),
			Priority: priority,
		})
		priority++
	}

	return updates
}

// BestBid returns the highest bid price, or PriceInvalid when the book
// is not valid or the side is empty.
func (b *Book) BestBid() core.Price {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isValid {
		return core.PriceInvalid
	}
	if p, ok := bestBidLocked(b.bids); ok {
		return p
	}
	return core.PriceInvalid
}

// BestAsk returns the lowest ask price, or PriceInvalid when the book is
// not valid or the side is empty.
func (b *Book) BestAsk() core.Price {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isValid {
		return core.PriceInvalid
	}
	if p, ok := bestAskLocked(b.asks); ok {
		return p
	}
	return core.PriceInvalid
}

// QtyAtPrice returns the stored quantity at a level, or QtyInvalid when
// the book is not valid or the level is absent.
func (b *Book) QtyAtPrice(price core.Price, side core.Side) core.Qty {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isValid {
		return core.QtyInvalid
	}
	var q core.Qty
	var ok bool
	if side == core.SideBuy {
		q, ok = b.bids[price]
	} else {
		q, ok = b.asks[price]
	}
	if !ok {
		return core.QtyInvalid
	}
	return q
}

// LastUpdateID returns the highest incorporated update id.
func (b *Book) LastUpdateID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdateID
}

func bestBidLocked(bids map[core.Price]core.Qty) (core.Price, bool) {
	best := core.Price(0)
	found := false
	for p := range bids {
		if !found || p > best {
			best = p
			found = true
		}
	}
	return best, found
}

func bestAskLocked(asks map[core.Price]core.Qty) (core.Price, bool) {
	var best core.Price
	found := false
	for p := range asks {
		if !found || p < best {
			best = p
			found = true
		}
	}
	return best, found
}

func sortedPrices(side map[core.Price]core.Qty, descending bool) []core.Price {
	prices := make([]core.Price, 0, len(side))
	for p := range side {
		prices = append(prices, p)
	}
	sort.Slice(prices, func(i, j int) bool {
		if descending {
			return prices[i] > prices[j]
		}
		return prices[i] < prices[j]
	})
	return prices
}
