package algolab

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the pricing mechanism for an order.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStop       OrderType = "STOP"
	OrderTypeStopLimit  OrderType = "STOP_LIMIT"
)

// TimeInForce controls how long an order remains working.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus is the lifecycle state of a submitted order. Transitions are
// monotone; see IsRegression.
type OrderStatus string

const (
	StatusPending          OrderStatus = "PENDING"
	StatusSubmitted        OrderStatus = "SUBMITTED"
	StatusPartiallyFilled  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled           OrderStatus = "FILLED"
	StatusCancelled        OrderStatus = "CANCELLED"
	StatusRejected         OrderStatus = "REJECTED"
	StatusExpired          OrderStatus = "EXPIRED"
)

// statusRank orders lifecycle states so regressions can be detected; states
// that are not comparable to each other (e.g. REJECTED vs EXPIRED) share no
// defined ordering beyond "both terminal".
var statusRank = map[OrderStatus]int{
	StatusPending:         0,
	StatusSubmitted:       1,
	StatusPartiallyFilled: 2,
	StatusFilled:          3,
	StatusCancelled:       3,
	StatusRejected:        3,
	StatusExpired:         3,
}

// IsRegression reports whether transitioning from prev to next would violate
// order-status monotonicity (I-spec §4.8): a PARTIALLY_FILLED after a FILLED,
// for instance.
func IsRegression(prev, next OrderStatus) bool {
	prevRank, prevOK := statusRank[prev]
	nextRank, nextOK := statusRank[next]
	if !prevOK || !nextOK {
		return false
	}
	return nextRank < prevRank
}

// PlaceOrderRequest is the caller-supplied order to submit.
type PlaceOrderRequest struct {
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	TimeInForce   TimeInForce     `json:"tif"`
	Flags         []string        `json:"flags,omitempty"`
	IsViop        bool            `json:"-"`
}

// Order is the broker's view of a submitted order, returned from SendOrder,
// ModifyOrder, and the order-history endpoints.
type Order struct {
	ClientOrderID  string          `json:"clientOrderId"`
	BrokerOrderID  string          `json:"brokerOrderId"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Status         OrderStatus     `json:"status"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQty      decimal.Decimal `json:"filledQty"`
	RemainingQty   decimal.Decimal `json:"remainingQty"`
	Price          decimal.Decimal `json:"price"`
	AvgFillPrice   decimal.Decimal `json:"avgFillPrice"`
	SubmittedAt    time.Time       `json:"submittedAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Position is an open holding in the account.
type Position struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	AvgCost      decimal.Decimal `json:"avgCost"`
	MarketValue  decimal.Decimal `json:"marketValue"`
}

// EquityInfo is a point-in-time market data snapshot for a single symbol,
// returned by GetEquityInfo and used to populate the C7 message buffer's
// pull-path response.
type EquityInfo struct {
	Symbol      string          `json:"symbol"`
	Last        decimal.Decimal `json:"last"`
	Bid         decimal.Decimal `json:"bid"`
	Ask         decimal.Decimal `json:"ask"`
	TotalVolume decimal.Decimal `json:"totalVolume"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Candle is a single OHLCV bar for the candle-data endpoint.
type Candle struct {
	Date   civil.Date      `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// CandleRequest bounds a GetCandleData call by a civil (zoneless) date range,
// since intraday granularity is out of scope for this endpoint.
type CandleRequest struct {
	Symbol string
	Start  civil.Date
	End    civil.Date
}

// Transaction is a single entry in TodaysTransaction / CashFlow / AccountExtre.
type Transaction struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol,omitempty"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Quantity    decimal.Decimal `json:"quantity,omitempty"`
	Price       decimal.Decimal `json:"price,omitempty"`
	Description string          `json:"description,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// HistoryRequest paginates the order-history endpoints the way
// AccountActivitiesRequest paginates Alpaca's activity feed.
type HistoryRequest struct {
	Until    *time.Time
	After    *time.Time
	PageSize *int
}

// RiskSimulationRequest asks the broker to evaluate the pre-trade risk impact
// of a hypothetical order without submitting it.
type RiskSimulationRequest struct {
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// RiskSimulationReport is the broker's structured pre-trade risk response.
type RiskSimulationReport struct {
	BuyingPowerBefore decimal.Decimal `json:"buyingPowerBefore"`
	BuyingPowerAfter  decimal.Decimal `json:"buyingPowerAfter"`
	MarginImpact      decimal.Decimal `json:"marginImpact"`
	Warnings          []string        `json:"warnings,omitempty"`
}
