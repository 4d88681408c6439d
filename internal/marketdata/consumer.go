// Package marketdata maintains synchronized local order books for the
// configured symbols and streams normalized book and trade updates into
// the engine's market-update queue.
package marketdata

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"exchange_connector/internal/config"
	"exchange_connector/internal/core"
	"exchange_connector/internal/orderbook"
	apperrors "exchange_connector/pkg/errors"
	"exchange_connector/pkg/httpclient"
	"exchange_connector/pkg/websocket"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/goccy/go-json"
)

const (
	restHostProd    = "api.binance.com"
	restHostTestnet = "testnet.binance.vision"
	wsHostProd      = "stream.binance.com"
	wsHostTestnet   = "stream.testnet.binance.vision"

	snapshotDepth           = 100
	defaultRefreshInterval  = 30 * time.Second
	defaultSnapshotAttempts = 3
)

// Consumer owns the per-symbol WebSocket streams, order books, and the
// snapshot refresh loop.
type Consumer struct {
	cfg     *config.Config
	updates core.MarketUpdateQueue
	logger  core.ILogger

	restHost string
	wsHost   string
	wsPort   string

	httpClient *httpclient.Client
	snapshot   failsafe.Executor[[]byte]

	books        map[string]*orderbook.Book
	depthClients map[string]*websocket.Client
	tradeClients map[string]*websocket.Client

	prices *PriceCache

	refreshInterval time.Duration
	refreshNotify   chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewConsumer creates a consumer for all symbols in the registry.
func NewConsumer(cfg *config.Config, updates core.MarketUpdateQueue, httpClient *httpclient.Client, logger core.ILogger) *Consumer {
	restHost, wsHost := restHostProd, wsHostProd
	if cfg.UseTestnet {
		restHost, wsHost = restHostTestnet, wsHostTestnet
	}

	retryPolicy := retrypolicy.NewBuilder[[]byte]().
		HandleIf(func(_ []byte, err error) bool {
			return isTransientFetchError(err)
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(defaultSnapshotAttempts).
		Build()

	return &Consumer{
		cfg:             cfg,
		updates:         updates,
		logger:          logger.WithField("component", "market_data"),
		restHost:        restHost,
		wsHost:          wsHost,
		wsPort:          "443",
		httpClient:      httpClient,
		snapshot:        failsafe.With[[]byte](retryPolicy),
		books:           make(map[string]*orderbook.Book),
		depthClients:    make(map[string]*websocket.Client),
		tradeClients:    make(map[string]*websocket.Client),
		prices:          NewPriceCache(),
		refreshInterval: defaultRefreshInterval,
		refreshNotify:   make(chan struct{}, 1),
	}
}

// SetHosts overrides the exchange endpoints (tests only).
func (c *Consumer) SetHosts(restHost, wsHost, wsPort string) {
	c.restHost = restHost
	c.wsHost = wsHost
	c.wsPort = wsPort
}

// SetRefreshInterval overrides the snapshot refresh cadence.
func (c *Consumer) SetRefreshInterval(d time.Duration) {
	c.refreshInterval = d
}

// Prices exposes the last-price cache for the order gateway.
func (c *Consumer) Prices() *PriceCache {
	return c.prices
}

// Start opens the depth and trade streams for every configured symbol,
// applies initial snapshots, and launches the refresh loop.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	for _, symbol := range c.cfg.Symbols() {
		tickerID, _ := c.cfg.TickerIDForSymbol(symbol)
		book := orderbook.New(symbol, tickerID, c.logger)
		c.books[symbol] = book

		lower := strings.ToLower(symbol)
		sym := symbol

		depthClient := websocket.NewClient(c.logger.WithField("stream", lower+"@depth"))
		depthClient.SetMaxReconnectAttempts(0)
		depthClient.Connect(c.wsHost, c.wsPort, "/ws/"+lower+"@depth",
			func(message []byte) { c.handleDepthMessage(sym, message) },
			func(connected bool) { c.handleStreamStatus(sym, connected) },
		)
		c.depthClients[symbol] = depthClient

		tradeClient := websocket.NewClient(c.logger.WithField("stream", lower+"@trade"))
		tradeClient.SetMaxReconnectAttempts(0)
		tradeClient.Connect(c.wsHost, c.wsPort, "/ws/"+lower+"@trade",
			func(message []byte) { c.handleTradeMessage(sym, message) },
			nil,
		)
		c.tradeClients[symbol] = tradeClient

		if err := c.refreshSnapshot(symbol); err != nil {
			c.logger.Error("Initial snapshot failed", "symbol", symbol, "error", err)
			book.MarkNeedsRefresh()
		}
	}

	c.wg.Add(1)
	go c.refreshLoop()

	c.running = true
	c.logger.Info("Market data consumer started", "symbols", len(c.books))
	return nil
}

// Stop tears down the refresh loop, disconnects all streams, and drops
// the order books.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}

	c.cancel()
	c.wg.Wait()

	for _, client := range c.depthClients {
		client.Disconnect()
	}
	for _, client := range c.tradeClients {
		client.Disconnect()
	}
	c.depthClients = make(map[string]*websocket.Client)
	c.tradeClients = make(map[string]*websocket.Client)
	c.books = make(map[string]*orderbook.Book)

	c.running = false
	c.logger.Info("Market data consumer stopped")
}

// Book returns the order book for a symbol.
func (c *Consumer) Book(symbol string) *orderbook.Book {
	return c.books[symbol]
}

func (c *Consumer) refreshLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		case <-c.refreshNotify:
		}

		for symbol, book := range c.books {
			if c.ctx.Err() != nil {
				return
			}
			if !book.NeedsRefresh() {
				continue
			}
			if err := c.refreshSnapshot(symbol); err != nil {
				c.logger.Error("Snapshot refresh failed", "symbol", symbol, "error", err)
			}
		}
	}
}

func (c *Consumer) notifyRefresh() {
	select {
	case c.refreshNotify <- struct{}{}:
	default:
	}
}

func (c *Consumer) handleStreamStatus(symbol string, connected bool) {
	c.logger.Info("Depth stream status changed", "symbol", symbol, "connected", connected)
	if connected {
		return
	}
	if book, ok := c.books[symbol]; ok {
		book.MarkNeedsRefresh()
	}
	c.notifyRefresh()
}

type depthMessage struct {
	FirstUpdateID uint64     `json:"U"`
	FinalUpdateID uint64     `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

func (c *Consumer) handleDepthMessage(symbol string, message []byte) {
	book, ok := c.books[symbol]
	if !ok {
		return
	}

	var msg depthMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn("Dropping unparseable depth message", "symbol", symbol, "error", err)
		return
	}

	result := book.ApplyDelta(msg.FirstUpdateID, msg.FinalUpdateID,
		parseLevels(msg.Bids), parseLevels(msg.Asks))

	switch result {
	case orderbook.Applied:
		c.emitBookUpdates(symbol, book)
	case orderbook.DroppedGap, orderbook.DroppedCrossed, orderbook.DroppedNotSynced:
		c.notifyRefresh()
	}
}

type tradeMessage struct {
	IsBuyerMaker bool   `json:"m"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
}

func (c *Consumer) handleTradeMessage(symbol string, message []byte) {
	tickerID, ok := c.cfg.TickerIDForSymbol(symbol)
	if !ok {
		return
	}

	var msg tradeMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn("Dropping unparseable trade message", "symbol", symbol, "error", err)
		return
	}

	side := core.SideBuy
	if msg.IsBuyerMaker {
		side = core.SideSell
	}

	price := core.PriceFromString(msg.Price)
	qty := core.QtyFromString(msg.Qty)
	if price == core.PriceInvalid || qty == core.QtyInvalid {
		c.logger.Warn("Dropping trade with invalid price or qty", "symbol", symbol)
		return
	}

	update := core.MarketUpdate{
		Type:     core.MarketUpdateTrade,
		TickerID: tickerID,
		Side:     side,
		Price:    price,
		Qty:      qty,
	}
	if !c.updates.Push(update) {
		c.logger.Warn("Market update queue full, dropping trade", "symbol", symbol)
	}
}

// emitBookUpdates pushes the CLEAR+ADD sequence for the book's current
// state and tees the mid price into the last-price cache.
func (c *Consumer) emitBookUpdates(symbol string, book *orderbook.Book) {
	updates := book.GenerateUpdates()
	for _, u := range updates {
		if !c.updates.Push(u) {
			c.logger.Warn("Market update queue full, dropping update", "symbol", symbol)
		}
	}

	bb, ba := book.BestBid(), book.BestAsk()
	tickerID, _ := c.cfg.TickerIDForSymbol(symbol)
	switch {
	case bb != core.PriceInvalid && ba != core.PriceInvalid:
		c.prices.Update(tickerID, (bb+ba)/2)
	case bb != core.PriceInvalid:
		c.prices.Update(tickerID, bb)
	case ba != core.PriceInvalid:
		c.prices.Update(tickerID, ba)
	}
}

type snapshotResponse struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (c *Consumer) refreshSnapshot(symbol string) error {
	body, err := c.snapshot.GetWithExecution(func(_ failsafe.Execution[[]byte]) ([]byte, error) {
		return c.httpClient.Get(c.ctx, c.restHost, "/api/v3/depth", map[string]string{
			"symbol": symbol,
			"limit":  strconv.Itoa(snapshotDepth),
		}, nil)
	})
	if err != nil {
		return err
	}

	var snap snapshotResponse
	if err := json.Unmarshal(body, &snap); err != nil {
		return errors.Join(apperrors.ErrProtocolViolation, err)
	}

	book, ok := c.books[symbol]
	if !ok {
		return nil
	}

	book.ApplySnapshot(snap.LastUpdateID, parseLevels(snap.Bids), parseLevels(snap.Asks))
	c.emitBookUpdates(symbol, book)

	c.logger.Info("Snapshot applied", "symbol", symbol, "last_update_id", snap.LastUpdateID)
	return nil
}

func parseLevels(rows [][]string) []orderbook.PriceLevel {
	levels := make([]orderbook.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		price := core.PriceFromString(row[0])
		qty := core.QtyFromString(row[1])
		if price == core.PriceInvalid || qty == core.QtyInvalid {
			continue
		}
		levels = append(levels, orderbook.PriceLevel{Price: price, Qty: qty})
	}
	return levels
}

func isTransientFetchError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, apperrors.ErrTransport) || errors.Is(err, apperrors.ErrTimeout) {
		return true
	}
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.IsRateLimited()
	}
	return false
}
