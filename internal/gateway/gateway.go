// Package gateway translates engine order requests into authenticated
// exchange requests and reflects execution outcomes back as typed
// responses.
package gateway

import (
	"context"
	"strconv"
	"sync"
	"time"

	"exchange_connector/internal/auth"
	"exchange_connector/internal/config"
	"exchange_connector/internal/core"
	"exchange_connector/internal/marketdata"
	"exchange_connector/internal/userstream"
	"exchange_connector/pkg/concurrency"
	"exchange_connector/pkg/httpclient"
	"exchange_connector/pkg/telemetry"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const idlePollDelay = 2 * time.Millisecond

// Gateway consumes client requests, submits and cancels orders, and
// demultiplexes execution reports from the user-data stream.
type Gateway struct {
	cfg        *config.Config
	signer     *auth.Signer
	httpClient *httpclient.Client
	logger     core.ILogger

	requests  core.RequestQueue
	responses core.ResponseQueue
	prices    *marketdata.PriceCache

	stream *userstream.Stream
	pool   *concurrency.WorkerPool

	clientID uint32
	restHost string

	orderIDMu         sync.Mutex
	orderIDToExchange map[core.OrderID]string

	balanceMu sync.Mutex
	balances  map[string]decimal.Decimal

	symbolInfo *symbolInfoCache

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex

	ordersSubmitted metric.Int64Counter
	ordersRejected  metric.Int64Counter
}

// New creates a gateway. The user-data stream is owned by the gateway
// and shares the signer by reference.
func New(cfg *config.Config, signer *auth.Signer, httpClient *httpclient.Client,
	requests core.RequestQueue, responses core.ResponseQueue,
	prices *marketdata.PriceCache, pool *concurrency.WorkerPool, logger core.ILogger) *Gateway {

	meter := telemetry.GetMeter("order-gateway")
	ordersSubmitted, _ := meter.Int64Counter("gateway_orders_submitted_total",
		metric.WithDescription("Total orders submitted to the exchange"))
	ordersRejected, _ := meter.Int64Counter("gateway_orders_rejected_total",
		metric.WithDescription("Total order requests rejected"))

	g := &Gateway{
		cfg:               cfg,
		signer:            signer,
		httpClient:        httpClient,
		logger:            logger.WithField("component", "order_gateway"),
		requests:          requests,
		responses:         responses,
		prices:            prices,
		pool:              pool,
		clientID:          cfg.Gateway.ClientID,
		restHost:          signer.RestBase(),
		orderIDToExchange: make(map[core.OrderID]string),
		balances:          make(map[string]decimal.Decimal),
		symbolInfo:        newSymbolInfoCache(time.Duration(cfg.Cache.SymbolInfoCacheMinutes) * time.Minute),
		ordersSubmitted:   ordersSubmitted,
		ordersRejected:    ordersRejected,
	}
	g.stream = userstream.New(signer, httpClient, pool, g.handleUserDataMessage, g.logger)
	return g
}

// Stream exposes the user-data stream for lifecycle configuration.
func (g *Gateway) Stream() *userstream.Stream {
	return g.stream
}

// SetRestHost overrides the exchange REST endpoint (tests only).
func (g *Gateway) SetRestHost(host string) {
	g.restHost = host
}

// Start checks exchange liveness, opens the user-data stream, and
// launches the request-processing loop.
func (g *Gateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}

	g.ctx, g.cancel = context.WithCancel(context.Background())

	if _, err := g.httpClient.Get(g.ctx, g.restHost, "/api/v3/ping", nil, nil); err != nil {
		g.logger.Warn("Exchange liveness check failed", "error", err)
	}

	if err := g.stream.Start(); err != nil {
		g.logger.Error("Failed to start user data stream", "error", err)
	}

	g.wg.Add(1)
	go g.processLoop()

	g.running = true
	g.logger.Info("Order gateway started", "client_id", g.clientID,
		"testnet", g.signer.UseTestnet())
	return nil
}

// Stop shuts down the request loop and the user-data stream.
func (g *Gateway) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return
	}

	g.cancel()
	g.wg.Wait()
	g.stream.Stop()

	g.running = false
	g.logger.Info("Order gateway stopped")
}

func (g *Gateway) processLoop() {
	defer g.wg.Done()

	for {
		select {
		case <-g.ctx.Done():
			return
		default:
		}

		req, ok := g.requests.Poll()
		if !ok {
			time.Sleep(idlePollDelay)
			continue
		}

		g.logger.Debug("Processing request", "request", req.String())
		switch req.Type {
		case core.RequestNew:
			g.handleNewOrder(req)
		case core.RequestCancel:
			g.handleCancelOrder(req)
		default:
			g.logger.Warn("Unsupported request type", "type", req.Type)
			g.reject(req)
		}
	}
}

func (g *Gateway) handleNewOrder(req core.ClientRequest) {
	symbol, ok := g.cfg.SymbolForTickerID(req.TickerID)
	if !ok {
		g.logger.Error("Unknown ticker id in request", "ticker_id", req.TickerID)
		g.reject(req)
		return
	}

	price := core.PriceToDecimal(req.Price)

	info, err := g.getSymbolInfo(symbol)
	if err != nil {
		g.logger.Warn("Symbol info unavailable, using registry parameters",
			"symbol", symbol, "error", err)
	}

	if !g.validateOrderPrice(symbol, info, req.TickerID, price, req.Side) {
		g.logger.Warn("Order price validation failed",
			"symbol", symbol, "price", price.String(), "side", req.Side.String())
		g.reject(req)
		return
	}

	quantity := g.calcOrderQuantity(symbol, info, price, req.Side)
	if !quantity.IsPositive() {
		g.logger.Warn("Computed order quantity is zero", "symbol", symbol)
		g.reject(req)
		return
	}

	reg, _ := g.cfg.TickerInfoBySymbol(symbol)
	var tickSize, stepSize decimal.Decimal
	if f, ok := info.filter(filterPrice); ok {
		tickSize = f.TickSize
		if f.MinPrice.IsPositive() && price.LessThan(f.MinPrice) {
			price = f.MinPrice
		}
		if f.MaxPrice.IsPositive() && price.GreaterThan(f.MaxPrice) {
			price = f.MaxPrice
		}
	}
	if f, ok := info.filter(filterLotSize); ok {
		stepSize = f.StepSize
	}
	priceStr := formatWithIncrement(price, tickSize, reg.PricePrecision)
	qtyStr := formatWithIncrement(quantity, stepSize, reg.QtyPrecision)

	clientOrderID := "x-" + strconv.FormatUint(uint64(req.OrderID), 10)
	params := auth.NewParams().
		Add("symbol", symbol).
		Add("side", req.Side.String()).
		Add("type", "LIMIT").
		Add("timeInForce", "GTC").
		Add("quantity", qtyStr).
		Add("price", priceStr).
		Add("newClientOrderId", clientOrderID)

	signedQuery := g.signer.Sign(params, true)
	headers := make(map[string]string, 1)
	g.signer.AddAuthHeader(headers)

	body, err := g.httpClient.Post(g.ctx, g.restHost, "/api/v3/order?"+signedQuery, nil, headers, nil)
	if err != nil {
		g.logger.Error("Order submission failed", "symbol", symbol, "error", err)
		g.reject(req)
		return
	}

	var resp struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		g.logger.Error("Unparseable order response", "symbol", symbol, "error", err)
		g.reject(req)
		return
	}

	g.recordExchangeID(req.OrderID, strconv.FormatInt(resp.OrderID, 10))
	g.ordersSubmitted.Add(g.ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))

	g.enqueueResponse(core.ClientResponse{
		Type:          core.ResponseAccepted,
		ClientID:      g.clientID,
		TickerID:      req.TickerID,
		ClientOrderID: req.OrderID,
		MarketOrderID: core.OrderID(resp.OrderID),
		Side:          req.Side,
		Price:         req.Price,
		ExecQty:       0,
		LeavesQty:     req.Qty,
	})

	g.logger.Info("Order accepted", "order_id", req.OrderID,
		"exchange_id", resp.OrderID, "symbol", symbol,
		"price", priceStr, "qty", qtyStr)
}

func (g *Gateway) handleCancelOrder(req core.ClientRequest) {
	symbol, ok := g.cfg.SymbolForTickerID(req.TickerID)
	if !ok {
		g.logger.Error("Unknown ticker id in cancel", "ticker_id", req.TickerID)
		g.reject(req)
		return
	}

	exchangeID, found := g.lookupExchangeID(req.OrderID)
	if !found {
		// Without a recorded mapping, fall back to the internal id.
		exchangeID = strconv.FormatUint(uint64(req.OrderID), 10)
	}

	params := auth.NewParams().
		Add("symbol", symbol).
		Add("orderId", exchangeID)

	signedQuery := g.signer.Sign(params, true)
	headers := make(map[string]string, 1)
	g.signer.AddAuthHeader(headers)

	if _, err := g.httpClient.Delete(g.ctx, g.restHost, "/api/v3/order?"+signedQuery, nil, headers); err != nil {
		g.logger.Error("Cancel failed", "order_id", req.OrderID,
			"exchange_id", exchangeID, "error", err)
		g.reject(req)
		return
	}

	g.enqueueResponse(core.ClientResponse{
		Type:          core.ResponseCanceled,
		ClientID:      g.clientID,
		TickerID:      req.TickerID,
		ClientOrderID: req.OrderID,
		MarketOrderID: req.OrderID,
		Side:          req.Side,
	})

	g.logger.Info("Order canceled", "order_id", req.OrderID, "exchange_id", exchangeID)
}

// reject emits the universal rejection response for a failed request.
func (g *Gateway) reject(req core.ClientRequest) {
	g.ordersRejected.Add(g.ctx, 1)
	g.enqueueResponse(core.ClientResponse{
		Type:          core.ResponseCancelRejected,
		ClientID:      g.clientID,
		TickerID:      req.TickerID,
		ClientOrderID: req.OrderID,
		MarketOrderID: req.OrderID,
		Side:          req.Side,
	})
}

func (g *Gateway) enqueueResponse(resp core.ClientResponse) {
	if !g.responses.Push(resp) {
		g.logger.Error("Response queue full, dropping response", "response", resp.String())
	}
}

func (g *Gateway) recordExchangeID(orderID core.OrderID, exchangeID string) {
	g.orderIDMu.Lock()
	g.orderIDToExchange[orderID] = exchangeID
	g.orderIDMu.Unlock()
}

func (g *Gateway) lookupExchangeID(orderID core.OrderID) (string, bool) {
	g.orderIDMu.Lock()
	defer g.orderIDMu.Unlock()
	id, ok := g.orderIDToExchange[orderID]
	return id, ok
}

func (g *Gateway) forgetOrder(orderID core.OrderID) {
	g.orderIDMu.Lock()
	delete(g.orderIDToExchange, orderID)
	g.orderIDMu.Unlock()
}

// accountBalance returns the free balance of an asset, preferring the
// snapshot maintained from outboundAccountPosition events.
func (g *Gateway) accountBalance(asset string) decimal.Decimal {
	g.balanceMu.Lock()
	balance, ok := g.balances[asset]
	g.balanceMu.Unlock()
	if ok {
		return balance
	}

	signedQuery := g.signer.Sign(auth.NewParams(), true)
	headers := make(map[string]string, 1)
	g.signer.AddAuthHeader(headers)

	body, err := g.httpClient.Get(g.ctx, g.restHost, "/api/v3/account?"+signedQuery, nil, headers)
	if err != nil {
		g.logger.Warn("Failed to fetch account balances", "error", err)
		return decimal.Zero
	}

	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		g.logger.Warn("Unparseable account response", "error", err)
		return decimal.Zero
	}

	result := decimal.Zero
	g.balanceMu.Lock()
	for _, b := range resp.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			continue
		}
		g.balances[b.Asset] = free
		if b.Asset == asset {
			result = free
		}
	}
	g.balanceMu.Unlock()

	return result
}
