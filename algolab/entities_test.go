package algolab

import (
	"encoding/json"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestIsRegression(t *testing.T) {
	assert.False(t, IsRegression(StatusPending, StatusSubmitted))
	assert.False(t, IsRegression(StatusSubmitted, StatusPartiallyFilled))
	assert.False(t, IsRegression(StatusPartiallyFilled, StatusFilled))
	assert.True(t, IsRegression(StatusFilled, StatusPartiallyFilled))
	assert.True(t, IsRegression(StatusCancelled, StatusSubmitted))
	// terminal states share a rank; neither regresses against the other.
	assert.False(t, IsRegression(StatusFilled, StatusCancelled))
}

func TestIsRegression_UnknownStatusNeverRegresses(t *testing.T) {
	assert.False(t, IsRegression(OrderStatus("BOGUS"), StatusFilled))
	assert.False(t, IsRegression(StatusFilled, OrderStatus("BOGUS")))
}

func TestOrder_JSONRoundTrip(t *testing.T) {
	body := map[string]interface{}{
		"clientOrderId": "abc-123",
		"brokerOrderId": "b-987",
		"symbol":        "GARAN",
		"side":          "BUY",
		"type":          "LIMIT",
		"status":        "PARTIALLY_FILLED",
		"quantity":      "100",
		"filledQty":     "40",
		"remainingQty":  "60",
		"price":         "52.35",
		"avgFillPrice":  "52.30",
	}
	b, err := json.Marshal(body)
	assert.NoError(t, err)

	var order Order
	assert.NoError(t, json.Unmarshal(b, &order))

	assert.Equal(t, "abc-123", order.ClientOrderID)
	assert.Equal(t, SideBuy, order.Side)
	assert.Equal(t, StatusPartiallyFilled, order.Status)
	assert.True(t, decimal.NewFromInt(100).Equal(order.Quantity))
	assert.True(t, decimal.RequireFromString("52.35").Equal(order.Price))
}

func TestCandle_CivilDate(t *testing.T) {
	b := []byte(`{"date":"2026-01-15","open":"10","high":"11","low":"9.5","close":"10.75","volume":"120000"}`)
	var c Candle
	assert.NoError(t, json.Unmarshal(b, &c))
	assert.Equal(t, civil.Date{Year: 2026, Month: 1, Day: 15}, c.Date)
	assert.True(t, decimal.RequireFromString("10.75").Equal(c.Close))
}
