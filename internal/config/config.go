// Package config loads the symbol registry and connector settings.
package config

import (
	"fmt"
	"os"

	"exchange_connector/internal/core"
	apperrors "exchange_connector/pkg/errors"

	"github.com/goccy/go-json"
)

// SymbolInfo describes one tradable instrument.
type SymbolInfo struct {
	TickerID       core.TickerID `json:"ticker_id"`
	Symbol         string        `json:"symbol"`
	BaseAsset      string        `json:"base_asset"`
	QuoteAsset     string        `json:"quote_asset"`
	MinQty         float64       `json:"min_qty"`
	MaxQty         float64       `json:"max_qty"`
	StepSize       float64       `json:"step_size"`
	MinNotional    float64       `json:"min_notional"`
	PricePrecision int           `json:"price_precision"`
	QtyPrecision   int           `json:"qty_precision"`
	TestPrice      float64       `json:"test_price"`
	TestQty        float64       `json:"test_qty"`
}

// GatewaySettings carries the order_gateway sub-object.
type GatewaySettings struct {
	ClientID           uint32  `json:"client_id"`
	DefaultTestOrderID uint64  `json:"default_test_order_id"`
	DefaultTestSide    string  `json:"default_test_side"`
	TestPriceMult      float64 `json:"test_price_multiplier"`
	TestQty            float64 `json:"test_qty"`
}

// CacheSettings carries the cache_settings sub-object.
type CacheSettings struct {
	SymbolInfoCacheMinutes  int `json:"symbol_info_cache_minutes"`
	AccountInfoCacheMinutes int `json:"account_info_cache_minutes"`
}

// Config is the loaded symbol/strategy configuration. Read-only after
// Load.
type Config struct {
	UseTestnet bool
	Gateway    GatewaySettings
	Cache      CacheSettings

	tickers    []SymbolInfo
	byTickerID map[core.TickerID]int
	bySymbol   map[string]int
}

type configFile struct {
	Binance struct {
		UseTestnet bool            `json:"use_testnet"`
		Tickers    []SymbolInfo    `json:"tickers"`
		Gateway    GatewaySettings `json:"order_gateway"`
		Cache      CacheSettings   `json:"cache_settings"`
	} `json:"binance"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", apperrors.ErrConfigInvalid, path, err)
	}
	return Parse(data)
}

// Parse builds a Config from raw JSON.
func Parse(data []byte) (*Config, error) {
	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrConfigInvalid, err)
	}

	cfg := &Config{
		UseTestnet: file.Binance.UseTestnet,
		Gateway:    file.Binance.Gateway,
		Cache:      file.Binance.Cache,
		tickers:    file.Binance.Tickers,
		byTickerID: make(map[core.TickerID]int, len(file.Binance.Tickers)),
		bySymbol:   make(map[string]int, len(file.Binance.Tickers)),
	}

	if cfg.Cache.SymbolInfoCacheMinutes <= 0 {
		cfg.Cache.SymbolInfoCacheMinutes = 60
	}

	for i := range cfg.tickers {
		t := &cfg.tickers[i]
		applyTickerDefaults(t)
		if err := validateTicker(t); err != nil {
			return nil, err
		}
		if _, dup := cfg.byTickerID[t.TickerID]; dup {
			return nil, fmt.Errorf("%w: duplicate ticker_id %d", apperrors.ErrConfigInvalid, t.TickerID)
		}
		if _, dup := cfg.bySymbol[t.Symbol]; dup {
			return nil, fmt.Errorf("%w: duplicate symbol %s", apperrors.ErrConfigInvalid, t.Symbol)
		}
		cfg.byTickerID[t.TickerID] = i
		cfg.bySymbol[t.Symbol] = i
	}

	if len(cfg.tickers) == 0 {
		return nil, fmt.Errorf("%w: no tickers configured", apperrors.ErrConfigInvalid)
	}

	return cfg, nil
}

func applyTickerDefaults(t *SymbolInfo) {
	if t.MinQty == 0 {
		t.MinQty = 0.00001
	}
	if t.MaxQty == 0 {
		t.MaxQty = 9000.0
	}
	if t.StepSize == 0 {
		t.StepSize = 0.00001
	}
	if t.MinNotional == 0 {
		t.MinNotional = 5.0
	}
	if t.PricePrecision == 0 {
		t.PricePrecision = 2
	}
	if t.QtyPrecision == 0 {
		t.QtyPrecision = 5
	}
}

func validateTicker(t *SymbolInfo) error {
	if t.Symbol == "" {
		return fmt.Errorf("%w: ticker %d has no symbol", apperrors.ErrConfigInvalid, t.TickerID)
	}
	if t.BaseAsset == "" || t.QuoteAsset == "" {
		return fmt.Errorf("%w: %s is missing base_asset or quote_asset", apperrors.ErrConfigInvalid, t.Symbol)
	}
	if t.MinQty <= 0 || t.StepSize <= 0 {
		return fmt.Errorf("%w: %s has non-positive min_qty or step_size", apperrors.ErrConfigInvalid, t.Symbol)
	}
	if t.MaxQty < t.MinQty {
		return fmt.Errorf("%w: %s has max_qty below min_qty", apperrors.ErrConfigInvalid, t.Symbol)
	}
	return nil
}

// SymbolForTickerID resolves the external symbol for a ticker id.
func (c *Config) SymbolForTickerID(id core.TickerID) (string, bool) {
	i, ok := c.byTickerID[id]
	if !ok {
		return "", false
	}
	return c.tickers[i].Symbol, true
}

// TickerIDForSymbol resolves the internal ticker id for a symbol.
func (c *Config) TickerIDForSymbol(symbol string) (core.TickerID, bool) {
	i, ok := c.bySymbol[symbol]
	if !ok {
		return core.TickerIDInvalid, false
	}
	return c.tickers[i].TickerID, true
}

// TickerInfo returns the registry entry for a ticker id.
func (c *Config) TickerInfo(id core.TickerID) (SymbolInfo, bool) {
	i, ok := c.byTickerID[id]
	if !ok {
		return SymbolInfo{}, false
	}
	return c.tickers[i], true
}

// TickerInfoBySymbol returns the registry entry for a symbol.
func (c *Config) TickerInfoBySymbol(symbol string) (SymbolInfo, bool) {
	i, ok := c.bySymbol[symbol]
	if !ok {
		return SymbolInfo{}, false
	}
	return c.tickers[i], true
}

// Symbols lists all configured symbols in registry order.
func (c *Config) Symbols() []string {
	symbols := make([]string, len(c.tickers))
	for i, t := range c.tickers {
		symbols[i] = t.Symbol
	}
	return symbols
}
