package gateway

import (
	"strings"

	"exchange_connector/internal/core"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var (
	feeHeadroom    = decimal.RequireFromString("0.95")
	defaultBandPct = decimal.RequireFromString("0.05")
	hundred        = decimal.NewFromInt(100)
)

// decimalPlaces derives the significant precision of a tick or step
// size, with trailing zeros trimmed ("0.01000000" -> 2).
func decimalPlaces(d decimal.Decimal) int {
	s := d.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

// formatWithIncrement renders a value with the precision implied by the
// exchange increment, falling back to the given precision when the
// increment is unknown.
func formatWithIncrement(value decimal.Decimal, increment decimal.Decimal, fallbackPlaces int) string {
	places := fallbackPlaces
	if increment.IsPositive() {
		places = decimalPlaces(increment)
	}
	return value.StringFixed(int32(places))
}

// priceBand holds the allowed relative deviation from the market price.
type priceBand struct {
	up   decimal.Decimal
	down decimal.Decimal
}

// bandFromFilters extracts the PERCENT_PRICE / PERCENT_PRICE_BY_SIDE
// band for the side, defaulting to ±5% when no filter is present.
func bandFromFilters(info exchangeSymbol, side core.Side) priceBand {
	band := priceBand{up: defaultBandPct, down: defaultBandPct}

	if f, ok := info.filter(filterPercentPrice); ok {
		if f.MultiplierUp.IsPositive() {
			band.up = f.MultiplierUp.Sub(decimal.NewFromInt(1))
		}
		if f.MultiplierDown.IsPositive() {
			band.down = decimal.NewFromInt(1).Sub(f.MultiplierDown)
		}
		return band
	}

	if f, ok := info.filter(filterPercentPriceBySide); ok {
		if side == core.SideBuy {
			if f.BidMultiplierUp.IsPositive() {
				band.up = f.BidMultiplierUp.Sub(decimal.NewFromInt(1))
			}
			if f.BidMultiplierDown.IsPositive() {
				band.down = decimal.NewFromInt(1).Sub(f.BidMultiplierDown)
			}
		} else {
			if f.AskMultiplierUp.IsPositive() {
				band.up = f.AskMultiplierUp.Sub(decimal.NewFromInt(1))
			}
			if f.AskMultiplierDown.IsPositive() {
				band.down = decimal.NewFromInt(1).Sub(f.AskMultiplierDown)
			}
		}
	}

	return band
}

// validateOrderPrice checks the order price against the percent-price
// band around the latest market price. Fails closed: no market price
// means no order.
func (g *Gateway) validateOrderPrice(symbol string, info exchangeSymbol, tickerID core.TickerID, orderPrice decimal.Decimal, side core.Side) bool {
	marketPrice := g.latestMarketPrice(symbol, tickerID)
	if !marketPrice.IsPositive() {
		g.logger.Warn("Cannot validate order price, no market price available", "symbol", symbol)
		return false
	}

	band := bandFromFilters(info, side)
	diff := orderPrice.Sub(marketPrice).Div(marketPrice)
	valid := diff.LessThanOrEqual(band.up) && diff.GreaterThanOrEqual(band.down.Neg())

	g.logger.Debug("Price validation",
		"symbol", symbol,
		"order_price", orderPrice.String(),
		"market_price", marketPrice.String(),
		"diff_pct", diff.Mul(hundred).StringFixed(2),
		"valid", valid)

	return valid
}

// latestMarketPrice reads the price cache fed by the market-data stream,
// falling back to REST ticker/price.
func (g *Gateway) latestMarketPrice(symbol string, tickerID core.TickerID) decimal.Decimal {
	if p, ok := g.prices.Latest(tickerID); ok {
		return core.PriceToDecimal(p)
	}

	body, err := g.httpClient.Get(g.ctx, g.restHost, "/api/v3/ticker/price",
		map[string]string{"symbol": symbol}, nil)
	if err != nil {
		g.logger.Warn("Failed to fetch ticker price", "symbol", symbol, "error", err)
		return decimal.Zero
	}

	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero
	}
	return price
}

// calcOrderQuantity sizes an order from the free balance of the funding
// asset (quote for BUY, base for SELL) with fee headroom, then clamps it
// into the symbol's lot and notional constraints.
func (g *Gateway) calcOrderQuantity(symbol string, info exchangeSymbol, price decimal.Decimal, side core.Side) decimal.Decimal {
	baseAsset, quoteAsset := info.BaseAsset, info.QuoteAsset
	if baseAsset == "" || quoteAsset == "" {
		if reg, ok := g.cfg.TickerInfoBySymbol(symbol); ok {
			baseAsset, quoteAsset = reg.BaseAsset, reg.QuoteAsset
		}
	}
	if baseAsset == "" || quoteAsset == "" {
		g.logger.Warn("Cannot size order, unknown base or quote asset", "symbol", symbol)
		return decimal.Zero
	}

	var quantity decimal.Decimal
	if side == core.SideBuy {
		balance := g.accountBalance(quoteAsset)
		usable := balance.Mul(feeHeadroom)
		if price.IsPositive() {
			quantity = usable.Div(price)
		}
	} else {
		balance := g.accountBalance(baseAsset)
		quantity = balance.Mul(feeHeadroom)
	}

	quantity = applyLotSize(quantity, info, g.registryFallback(symbol))
	quantity = applyMinNotional(quantity, price, info, g.registryFallback(symbol))

	if g.signer.UseTestnet() {
		quantity = g.applyTestnetCeiling(symbol, quantity)
	}

	return quantity
}

type lotConstraints struct {
	minQty      decimal.Decimal
	maxQty      decimal.Decimal
	stepSize    decimal.Decimal
	minNotional decimal.Decimal
}

func (g *Gateway) registryFallback(symbol string) lotConstraints {
	reg, ok := g.cfg.TickerInfoBySymbol(symbol)
	if !ok {
		return lotConstraints{}
	}
	return lotConstraints{
		minQty:      decimal.NewFromFloat(reg.MinQty),
		maxQty:      decimal.NewFromFloat(reg.MaxQty),
		stepSize:    decimal.NewFromFloat(reg.StepSize),
		minNotional: decimal.NewFromFloat(reg.MinNotional),
	}
}

func applyLotSize(quantity decimal.Decimal, info exchangeSymbol, fallback lotConstraints) decimal.Decimal {
	minQty, maxQty, stepSize := fallback.minQty, fallback.maxQty, fallback.stepSize
	if f, ok := info.filter(filterLotSize); ok {
		if f.MinQty.IsPositive() {
			minQty = f.MinQty
		}
		if f.MaxQty.IsPositive() {
			maxQty = f.MaxQty
		}
		if f.StepSize.IsPositive() {
			stepSize = f.StepSize
		}
	}

	if minQty.IsPositive() && quantity.LessThan(minQty) {
		quantity = minQty
	}
	if maxQty.IsPositive() && quantity.GreaterThan(maxQty) {
		quantity = maxQty
	}
	if stepSize.IsPositive() {
		quantity = quantity.Div(stepSize).Floor().Mul(stepSize)
	}
	return quantity
}

func applyMinNotional(quantity, price decimal.Decimal, info exchangeSymbol, fallback lotConstraints) decimal.Decimal {
	minNotional := fallback.minNotional
	if f, ok := info.filter(filterNotional); ok && f.MinNotional.IsPositive() {
		minNotional = f.MinNotional
	} else if f, ok := info.filter(filterMinNotional); ok && f.MinNotional.IsPositive() {
		minNotional = f.MinNotional
	}

	if !minNotional.IsPositive() || !price.IsPositive() {
		return quantity
	}

	if quantity.Mul(price).LessThan(minNotional) {
		// Round up to two places to clear the notional floor.
		quantity = minNotional.Div(price).Mul(hundred).Ceil().Div(hundred)
	}
	return quantity
}

// applyTestnetCeiling clips testnet orders to the per-symbol test
// quantity from the registry.
func (g *Gateway) applyTestnetCeiling(symbol string, quantity decimal.Decimal) decimal.Decimal {
	reg, ok := g.cfg.TickerInfoBySymbol(symbol)
	if !ok || reg.TestQty <= 0 {
		return quantity
	}

	ceiling := decimal.NewFromFloat(reg.TestQty)
	if quantity.GreaterThan(ceiling) {
		quantity = ceiling
	}
	floor := decimal.NewFromFloat(reg.MinQty)
	if floor.IsPositive() && quantity.LessThan(floor) {
		quantity = floor
	}
	return quantity
}
