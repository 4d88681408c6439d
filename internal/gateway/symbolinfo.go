package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Filter type names as reported by /api/v3/exchangeInfo.
const (
	filterPrice              = "PRICE_FILTER"
	filterLotSize            = "LOT_SIZE"
	filterNotional           = "NOTIONAL"
	filterMinNotional        = "MIN_NOTIONAL"
	filterPercentPrice       = "PERCENT_PRICE"
	filterPercentPriceBySide = "PERCENT_PRICE_BY_SIDE"
)

// symbolFilter is one exchange filter. Numeric fields arrive as strings
// or numbers depending on endpoint version; decimal handles both.
type symbolFilter struct {
	FilterType        string          `json:"filterType"`
	MinPrice          decimal.Decimal `json:"minPrice"`
	MaxPrice          decimal.Decimal `json:"maxPrice"`
	TickSize          decimal.Decimal `json:"tickSize"`
	MinQty            decimal.Decimal `json:"minQty"`
	MaxQty            decimal.Decimal `json:"maxQty"`
	StepSize          decimal.Decimal `json:"stepSize"`
	MinNotional       decimal.Decimal `json:"minNotional"`
	MultiplierUp      decimal.Decimal `json:"multiplierUp"`
	MultiplierDown    decimal.Decimal `json:"multiplierDown"`
	BidMultiplierUp   decimal.Decimal `json:"bidMultiplierUp"`
	BidMultiplierDown decimal.Decimal `json:"bidMultiplierDown"`
	AskMultiplierUp   decimal.Decimal `json:"askMultiplierUp"`
	AskMultiplierDown decimal.Decimal `json:"askMultiplierDown"`
}

// exchangeSymbol is the cached per-symbol slice of exchangeInfo.
type exchangeSymbol struct {
	Symbol     string         `json:"symbol"`
	BaseAsset  string         `json:"baseAsset"`
	QuoteAsset string         `json:"quoteAsset"`
	Filters    []symbolFilter `json:"filters"`
}

func (s exchangeSymbol) filter(filterType string) (symbolFilter, bool) {
	for _, f := range s.Filters {
		if f.FilterType == filterType {
			return f, true
		}
	}
	return symbolFilter{}, false
}

// symbolInfoCache holds exchangeInfo entries with a refresh TTL. The
// mutex guards only the map; the REST fetch happens outside it.
type symbolInfoCache struct {
	mu          sync.Mutex
	ttl         time.Duration
	entries     map[string]exchangeSymbol
	lastRefresh time.Time
}

func newSymbolInfoCache(ttl time.Duration) *symbolInfoCache {
	return &symbolInfoCache{
		ttl:     ttl,
		entries: make(map[string]exchangeSymbol),
	}
}

func (c *symbolInfoCache) lookup(symbol string) (exchangeSymbol, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stale := len(c.entries) == 0 || time.Since(c.lastRefresh) > c.ttl
	info, ok := c.entries[symbol]
	return info, ok, stale
}

func (c *symbolInfoCache) store(symbols []exchangeSymbol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]exchangeSymbol, len(symbols))
	for _, s := range symbols {
		c.entries[s.Symbol] = s
	}
	c.lastRefresh = time.Now()
}

// getSymbolInfo returns the cached exchange info for a symbol,
// refreshing the whole cache when empty or past its TTL.
func (g *Gateway) getSymbolInfo(symbol string) (exchangeSymbol, error) {
	info, ok, stale := g.symbolInfo.lookup(symbol)
	if ok && !stale {
		return info, nil
	}

	body, err := g.httpClient.Get(g.ctx, g.restHost, "/api/v3/exchangeInfo", nil, nil)
	if err != nil {
		if ok {
			// Serve the stale entry rather than failing the caller.
			return info, nil
		}
		return exchangeSymbol{}, fmt.Errorf("fetching exchange info: %w", err)
	}

	var resp struct {
		Symbols []exchangeSymbol `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchangeSymbol{}, fmt.Errorf("parsing exchange info: %w", err)
	}

	g.symbolInfo.store(resp.Symbols)
	g.logger.Info("Refreshed symbol info cache", "symbols", len(resp.Symbols))

	info, ok, _ = g.symbolInfo.lookup(symbol)
	if !ok {
		return exchangeSymbol{}, fmt.Errorf("symbol %s not in exchange info", symbol)
	}
	return info, nil
}
