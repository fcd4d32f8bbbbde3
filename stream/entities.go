package stream

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/bisttrading/algolab-adapter/algolab"
)

// Channel is one of the three logical stream classes the server multiplexes
// over the single duplex connection.
type Channel string

const (
	ChannelTick        Channel = "T"
	ChannelDepth       Channel = "D"
	ChannelOrderStatus Channel = "O"
)

// AllSymbols is the absorptive wildcard: subscribing it on a channel makes
// every other symbol on that channel redundant on the wire (but retained for
// bookkeeping, in case ALL is later removed).
const AllSymbols = "ALL"

// Tick is a last-trade / top-of-book update.
type Tick struct {
	Symbol      string
	LastPrice   decimal.Decimal
	BidPrice    decimal.Decimal
	AskPrice    decimal.Decimal
	TotalVolume decimal.Decimal
	Timestamp   time.Time
}

// PriceLevel is one rung of a Depth book.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Depth is an order-book snapshot/update.
type Depth struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// OrderEvent carries either an order-status transition or a trade execution,
// depending on which channel it arrived on; both share the same wire shape.
// Status is copied from the wire event for both kinds; it is empty whenever
// the event carries no status.
type OrderEvent struct {
	Symbol        string
	ClientOrderID string
	BrokerOrderID string
	TradeID       string
	Status        algolab.OrderStatus
	Price         decimal.Decimal
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
	Side          string
	Timestamp     time.Time
	Sequence      *int64
}
