package gateway

import (
	"strconv"
	"strings"

	"exchange_connector/internal/core"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// flexID accepts an id encoded as either a JSON number or a string.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	*f = flexID(strings.Trim(string(data), `"`))
	return nil
}

type executionReport struct {
	Event         string `json:"e"`
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	Status        string `json:"X"`
	ExchangeID    flexID `json:"i"`
	Price         string `json:"p"`
	OrigQty       string `json:"q"`
	CumQty        string `json:"z"`
}

type accountPosition struct {
	Balances []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

// handleUserDataMessage demultiplexes frames delivered by the user-data
// stream. It runs on a worker-pool goroutine.
func (g *Gateway) handleUserDataMessage(message []byte) {
	var envelope struct {
		Event string `json:"e"`
		// Synthetic stream events use a long-form key.
		StreamEvent string `json:"event"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		g.logger.Warn("Dropping unparseable user data frame", "error", err)
		return
	}

	event := envelope.Event
	if event == "" {
		event = envelope.StreamEvent
	}

	switch event {
	case "executionReport":
		g.processExecutionReport(message)
	case "outboundAccountPosition":
		g.processAccountPosition(message)
	case "connection_failure":
		g.logger.Error("User data stream reported terminal connection failure")
	default:
		g.logger.Debug("Ignoring user data event", "event", event)
	}
}

func (g *Gateway) processExecutionReport(message []byte) {
	var report executionReport
	if err := json.Unmarshal(message, &report); err != nil {
		g.logger.Warn("Dropping unparseable execution report", "error", err)
		return
	}

	orderID, ok := orderIDFromClientID(report.ClientOrderID)
	if !ok {
		g.logger.Debug("Execution report without recognizable client id",
			"client_order_id", report.ClientOrderID)
		return
	}

	if report.ExchangeID != "" {
		g.recordExchangeID(orderID, string(report.ExchangeID))
	}

	respType, terminal, ok := mapOrderStatus(report.Status)
	if !ok {
		g.logger.Debug("Ignoring execution report status", "status", report.Status)
		return
	}

	tickerID, ok := g.cfg.TickerIDForSymbol(report.Symbol)
	if !ok {
		tickerID = core.TickerIDInvalid
	}

	price := core.PriceFromString(report.Price)
	origQty, err1 := decimal.NewFromString(report.OrigQty)
	execQty, err2 := decimal.NewFromString(report.CumQty)
	if err1 != nil || err2 != nil {
		g.logger.Warn("Execution report with invalid quantities",
			"orig", report.OrigQty, "cum", report.CumQty)
		return
	}
	leaves := origQty.Sub(execQty)
	if leaves.IsNegative() {
		leaves = decimal.Zero
	}

	var marketOrderID core.OrderID
	if id, err := strconv.ParseUint(string(report.ExchangeID), 10, 64); err == nil {
		marketOrderID = core.OrderID(id)
	} else {
		marketOrderID = orderID
	}

	g.enqueueResponse(core.ClientResponse{
		Type:          respType,
		ClientID:      g.clientID,
		TickerID:      tickerID,
		ClientOrderID: orderID,
		MarketOrderID: marketOrderID,
		Side:          core.SideFromString(report.Side),
		Price:         price,
		ExecQty:       core.QtyFromDecimal(execQty),
		LeavesQty:     core.QtyFromDecimal(leaves),
	})

	if terminal {
		g.forgetOrder(orderID)
	}

	g.logger.Info("Execution report processed", "order_id", orderID,
		"status", report.Status, "exec_qty", execQty.String())
}

func (g *Gateway) processAccountPosition(message []byte) {
	var pos accountPosition
	if err := json.Unmarshal(message, &pos); err != nil {
		g.logger.Warn("Dropping unparseable account position", "error", err)
		return
	}

	g.balanceMu.Lock()
	for _, b := range pos.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			continue
		}
		g.balances[b.Asset] = free
	}
	g.balanceMu.Unlock()
}

// orderIDFromClientID extracts the internal order id from the
// "x-<order_id>" client order id.
func orderIDFromClientID(clientOrderID string) (core.OrderID, bool) {
	if !strings.HasPrefix(clientOrderID, "x-") {
		return core.OrderIDInvalid, false
	}
	id, err := strconv.ParseUint(clientOrderID[2:], 10, 64)
	if err != nil {
		return core.OrderIDInvalid, false
	}
	return core.OrderID(id), true
}

// mapOrderStatus maps the exchange order status to the engine response
// type; terminal reports release the order-id mapping.
func mapOrderStatus(status string) (core.ResponseType, bool, bool) {
	switch status {
	case "NEW", "PARTIALLY_FILLED":
		return core.ResponseAccepted, false, true
	case "FILLED":
		return core.ResponseFilled, true, true
	case "CANCELED", "EXPIRED", "REJECTED":
		return core.ResponseCanceled, true, true
	}
	return core.ResponseInvalid, false, false
}
