package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPriceRoundTrip(t *testing.T) {
	cases := []string{"0.0001", "0.1", "1", "10.5", "30000", "45123.45", "99999.9999"}

	for _, s := range cases {
		t.Run(s, func(t *testing.T) {
			internal := PriceFromString(s)
			assert.NotEqual(t, PriceInvalid, internal)

			want := decimal.RequireFromString(s)
			assert.True(t, PriceToDecimal(internal).Equal(want),
				"round trip of %s gave %s", s, PriceToDecimal(internal))
		})
	}
}

func TestQtyRoundTrip(t *testing.T) {
	cases := []string{"0.0001", "0.001", "1", "2.5", "9000"}

	for _, s := range cases {
		t.Run(s, func(t *testing.T) {
			internal := QtyFromString(s)
			assert.NotEqual(t, QtyInvalid, internal)

			want := decimal.RequireFromString(s)
			assert.True(t, QtyToDecimal(internal).Equal(want))
		})
	}
}

func TestParseFailuresReturnSentinels(t *testing.T) {
	assert.Equal(t, PriceInvalid, PriceFromString("not-a-number"))
	assert.Equal(t, QtyInvalid, QtyFromString(""))
}

func TestScaleValues(t *testing.T) {
	assert.Equal(t, Price(100000), PriceFromString("10.0"))
	assert.Equal(t, Qty(10), QtyFromString("0.001"))
}

func TestSideMapping(t *testing.T) {
	assert.Equal(t, SideBuy, SideFromString("BUY"))
	assert.Equal(t, SideSell, SideFromString("SELL"))
	assert.Equal(t, SideInvalid, SideFromString("HOLD"))
	assert.Equal(t, "BUY", SideBuy.String())
	assert.Equal(t, "SELL", SideSell.String())
}

func TestTypeStrings(t *testing.T) {
	assert.Equal(t, "CLEAR", MarketUpdateClear.String())
	assert.Equal(t, "TRADE", MarketUpdateTrade.String())
	assert.Equal(t, "NEW", RequestNew.String())
	assert.Equal(t, "CANCEL_REJECTED", ResponseCancelRejected.String())
}
