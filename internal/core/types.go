// Package core defines the shared types exchanged between the connector
// components and the trading engine.
package core

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// TickerID identifies a trading instrument inside the engine.
type TickerID uint32

// OrderID identifies an order inside the engine.
type OrderID uint64

// Price is a fixed-point scaled price (see Scale).
type Price int64

// Qty is a fixed-point scaled quantity (see Scale).
type Qty int64

// Scale is the system-wide fixed-point scale factor: four fractional
// decimal digits are preserved across the boundary.
const Scale = 10000

// Invalid sentinels. A consumer must treat these as "absent".
const (
	TickerIDInvalid = TickerID(math.MaxUint32)
	OrderIDInvalid  = OrderID(math.MaxUint64)
	PriceInvalid    = Price(math.MaxInt64)
	QtyInvalid      = Qty(math.MaxInt64)
)

var scaleDec = decimal.NewFromInt(Scale)

// PriceFromString converts an exchange decimal string to the internal
// scaled representation. Returns PriceInvalid on parse failure.
func PriceFromString(s string) Price {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return PriceInvalid
	}
	return Price(d.Mul(scaleDec).IntPart())
}

// QtyFromString converts an exchange decimal string to the internal
// scaled representation. Returns QtyInvalid on parse failure.
func QtyFromString(s string) Qty {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return QtyInvalid
	}
	return Qty(d.Mul(scaleDec).IntPart())
}

// PriceToDecimal converts an internal price back to its decimal value.
func PriceToDecimal(p Price) decimal.Decimal {
	return decimal.NewFromInt(int64(p)).Div(scaleDec)
}

// QtyToDecimal converts an internal quantity back to its decimal value.
func QtyToDecimal(q Qty) decimal.Decimal {
	return decimal.NewFromInt(int64(q)).Div(scaleDec)
}

// PriceFromDecimal converts a decimal price to the internal representation.
func PriceFromDecimal(d decimal.Decimal) Price {
	return Price(d.Mul(scaleDec).IntPart())
}

// QtyFromDecimal converts a decimal quantity to the internal representation.
func QtyFromDecimal(d decimal.Decimal) Qty {
	return Qty(d.Mul(scaleDec).IntPart())
}

// Side of an order or trade.
type Side uint8

const (
	SideInvalid Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	}
	return "INVALID"
}

// SideFromString maps the exchange side string to Side.
func SideFromString(s string) Side {
	switch s {
	case "BUY":
		return SideBuy
	case "SELL":
		return SideSell
	}
	return SideInvalid
}

// MarketUpdateType tags entries on the market-update queue.
type MarketUpdateType uint8

const (
	MarketUpdateInvalid MarketUpdateType = iota
	MarketUpdateClear
	MarketUpdateAdd
	MarketUpdateModify
	MarketUpdateTrade
)

func (t MarketUpdateType) String() string {
	switch t {
	case MarketUpdateClear:
		return "CLEAR"
	case MarketUpdateAdd:
		return "ADD"
	case MarketUpdateModify:
		return "MODIFY"
	case MarketUpdateTrade:
		return "TRADE"
	}
	return "INVALID"
}

// MarketUpdate is a normalized market-data event delivered to the engine.
type MarketUpdate struct {
	Type     MarketUpdateType
	TickerID TickerID
	Side     Side
	Price    Price
	Qty      Qty
	OrderID  OrderID
	Priority uint32
}

func (u MarketUpdate) String() string {
	return fmt.Sprintf("MarketUpdate{%s ticker:%d side:%s price:%d qty:%d prio:%d}",
		u.Type, u.TickerID, u.Side, u.Price, u.Qty, u.Priority)
}

// RequestType tags entries on the client-request queue.
type RequestType uint8

const (
	RequestInvalid RequestType = iota
	RequestNew
	RequestCancel
)

func (t RequestType) String() string {
	switch t {
	case RequestNew:
		return "NEW"
	case RequestCancel:
		return "CANCEL"
	}
	return "INVALID"
}

// ClientRequest is an order instruction consumed from the engine.
type ClientRequest struct {
	Type     RequestType
	ClientID uint32
	TickerID TickerID
	OrderID  OrderID
	Side     Side
	Price    Price
	Qty      Qty
}

func (r ClientRequest) String() string {
	return fmt.Sprintf("ClientRequest{%s client:%d ticker:%d order:%d side:%s price:%d qty:%d}",
		r.Type, r.ClientID, r.TickerID, r.OrderID, r.Side, r.Price, r.Qty)
}

// ResponseType tags entries on the client-response queue.
type ResponseType uint8

const (
	ResponseInvalid ResponseType = iota
	ResponseAccepted
	ResponseFilled
	ResponseCanceled
	ResponseCancelRejected
)

func (t ResponseType) String() string {
	switch t {
	case ResponseAccepted:
		return "ACCEPTED"
	case ResponseFilled:
		return "FILLED"
	case ResponseCanceled:
		return "CANCELED"
	case ResponseCancelRejected:
		return "CANCEL_REJECTED"
	}
	return "INVALID"
}

// ClientResponse reflects an execution outcome back to the engine.
type ClientResponse struct {
	Type          ResponseType
	ClientID      uint32
	TickerID      TickerID
	ClientOrderID OrderID
	MarketOrderID OrderID
	Side          Side
	Price         Price
	ExecQty       Qty
	LeavesQty     Qty
}

func (r ClientResponse) String() string {
	return fmt.Sprintf("ClientResponse{%s order:%d ticker:%d side:%s price:%d exec:%d leaves:%d}",
		r.Type, r.ClientOrderID, r.TickerID, r.Side, r.Price, r.ExecQty, r.LeavesQty)
}
