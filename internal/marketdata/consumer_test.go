package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"exchange_connector/internal/config"
	"exchange_connector/internal/core"
	"exchange_connector/internal/orderbook"
	"exchange_connector/pkg/httpclient"
	"exchange_connector/pkg/logging"
	"exchange_connector/pkg/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `{
	"binance": {
		"use_testnet": true,
		"tickers": [
			{"ticker_id": 1, "symbol": "BTCUSDT", "base_asset": "BTC", "quote_asset": "USDT"}
		]
	}
}`

func newTestConsumer(t *testing.T) (*Consumer, *queue.MarketUpdateQueue) {
	t.Helper()

	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	updates := queue.NewMarketUpdateQueue(4096)
	c := NewConsumer(cfg, updates, httpclient.NewClient(2*time.Second), logger)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	t.Cleanup(c.cancel)

	c.books["BTCUSDT"] = orderbook.New("BTCUSDT", 1, logger)
	return c, updates
}

func drain(q *queue.MarketUpdateQueue) []core.MarketUpdate {
	var out []core.MarketUpdate
	for {
		u, ok := q.Poll()
		if !ok {
			return out
		}
		out = append(out, u)
	}
}

func seedBook(t *testing.T, c *Consumer) {
	t.Helper()
	c.books["BTCUSDT"].ApplySnapshot(100,
		[]orderbook.PriceLevel{{Price: core.PriceFromString("10.0"), Qty: core.QtyFromString("1.0")}},
		[]orderbook.PriceLevel{{Price: core.PriceFromString("10.5"), Qty: core.QtyFromString("2.0")}})
}

func TestHandleDepthMessage_EmitsClearAndAdds(t *testing.T) {
	c, updates := newTestConsumer(t)
	seedBook(t, c)

	c.handleDepthMessage("BTCUSDT", []byte(`{
		"U": 101, "u": 102,
		"b": [["10.0", "0"]],
		"a": [["10.4", "3.0"]]
	}`))

	got := drain(updates)
	require.Len(t, got, 3)
	assert.Equal(t, core.MarketUpdateClear, got[0].Type)
	assert.Equal(t, core.TickerID(1), got[0].TickerID)

	assert.Equal(t, core.MarketUpdateAdd, got[1].Type)
	assert.Equal(t, core.SideSell, got[1].Side)
	assert.Equal(t, core.PriceFromString("10.4"), got[1].Price)
	assert.Equal(t, uint32(1), got[1].Priority)

	assert.Equal(t, core.PriceFromString("10.5"), got[2].Price)
	assert.Equal(t, uint32(2), got[2].Priority)
}

func TestHandleDepthMessage_GapTriggersRefreshNotify(t *testing.T) {
	c, updates := newTestConsumer(t)
	seedBook(t, c)

	c.handleDepthMessage("BTCUSDT", []byte(`{
		"U": 250, "u": 260,
		"b": [["9.0", "1.0"]],
		"a": []
	}`))

	assert.Empty(t, drain(updates), "gap delta must not emit updates")
	assert.True(t, c.books["BTCUSDT"].NeedsRefresh())

	select {
	case <-c.refreshNotify:
	default:
		t.Error("expected refresh notification after gap")
	}
}

func TestHandleDepthMessage_UnparseableDropped(t *testing.T) {
	c, updates := newTestConsumer(t)
	seedBook(t, c)

	c.handleDepthMessage("BTCUSDT", []byte(`{not json`))

	assert.Empty(t, drain(updates))
	assert.False(t, c.books["BTCUSDT"].NeedsRefresh())
}

func TestHandleTradeMessage_SideMapping(t *testing.T) {
	c, updates := newTestConsumer(t)

	// Buyer is maker: aggressor sold.
	c.handleTradeMessage("BTCUSDT", []byte(`{"m": true, "p": "30000.5", "q": "0.25"}`))
	// Buyer is taker: aggressor bought.
	c.handleTradeMessage("BTCUSDT", []byte(`{"m": false, "p": "30001.0", "q": "0.50"}`))

	got := drain(updates)
	require.Len(t, got, 2)

	assert.Equal(t, core.MarketUpdateTrade, got[0].Type)
	assert.Equal(t, core.SideSell, got[0].Side)
	assert.Equal(t, core.PriceFromString("30000.5"), got[0].Price)
	assert.Equal(t, core.QtyFromString("0.25"), got[0].Qty)

	assert.Equal(t, core.SideBuy, got[1].Side)
	assert.Equal(t, core.TickerID(1), got[1].TickerID)
}

func TestHandleTradeMessage_InvalidValuesDropped(t *testing.T) {
	c, updates := newTestConsumer(t)

	c.handleTradeMessage("BTCUSDT", []byte(`{"m": true, "p": "bogus", "q": "1"}`))

	assert.Empty(t, drain(updates))
}

func TestRefreshSnapshot_AppliesAndEmits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/depth", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{
			"lastUpdateId": 500,
			"bids": [["10.0", "1.0"], ["9.9", "0"]],
			"asks": [["10.5", "2.0"]]
		}`))
	}))
	defer server.Close()

	c, updates := newTestConsumer(t)
	c.SetHosts(server.URL, "", "")

	require.NoError(t, c.refreshSnapshot("BTCUSDT"))

	book := c.books["BTCUSDT"]
	assert.True(t, book.IsValid())
	assert.False(t, book.NeedsRefresh())
	assert.Equal(t, uint64(500), book.LastUpdateID())

	got := drain(updates)
	require.Len(t, got, 3) // CLEAR + one bid + one ask; zero-qty row ignored
	assert.Equal(t, core.MarketUpdateClear, got[0].Type)
	assert.Equal(t, core.SideBuy, got[1].Side)
	assert.Equal(t, core.SideSell, got[2].Side)

	// The tee updates the last-price cache with the mid.
	mid, ok := c.Prices().Latest(1)
	require.True(t, ok)
	expected := (core.PriceFromString("10.0") + core.PriceFromString("10.5")) / 2
	assert.Equal(t, expected, mid)
}

func TestRefreshSnapshot_HTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c, _ := newTestConsumer(t)
	c.SetHosts(server.URL, "", "")

	err := c.refreshSnapshot("BTCUSDT")
	assert.Error(t, err)
	assert.False(t, c.books["BTCUSDT"].IsValid())
}

func TestStreamStatus_DisconnectMarksRefresh(t *testing.T) {
	c, _ := newTestConsumer(t)
	seedBook(t, c)
	require.False(t, c.books["BTCUSDT"].NeedsRefresh())

	c.handleStreamStatus("BTCUSDT", false)

	assert.True(t, c.books["BTCUSDT"].NeedsRefresh())
	select {
	case <-c.refreshNotify:
	default:
		t.Error("expected refresh notification after disconnect")
	}
}

func TestPriceCache(t *testing.T) {
	cache := NewPriceCache()

	_, ok := cache.Latest(1)
	assert.False(t, ok)

	cache.Update(1, core.PriceFromString("100"))
	p, ok := cache.Latest(1)
	require.True(t, ok)
	assert.Equal(t, core.PriceFromString("100"), p)

	// Invalid values never overwrite.
	cache.Update(1, core.PriceInvalid)
	p, _ = cache.Latest(1)
	assert.Equal(t, core.PriceFromString("100"), p)
}
