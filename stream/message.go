package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bisttrading/algolab-adapter/algolab"
)

// vendorEnvelope is the AlgoLab wire dialect: {"Type": "T"|"D"|"O", "Content": {...}}.
type vendorEnvelope struct {
	Type    string          `json:"Type"`
	Content json.RawMessage `json:"Content"`
}

// genericEnvelope is a flatter, self-describing dialect used for control
// frames and by any consumer-facing replay tooling that doesn't wrap payloads
// in "Content". Distinguished from the vendor dialect by a lowercase "type".
type genericEnvelope struct {
	Type string `json:"type"`
}

type wireTick struct {
	Symbol      string          `json:"symbol"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	BidPrice    decimal.Decimal `json:"bidPrice"`
	AskPrice    decimal.Decimal `json:"askPrice"`
	TotalVolume decimal.Decimal `json:"totalVolume"`
	Timestamp   time.Time       `json:"timestamp"`
}

type wirePriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

type wireDepth struct {
	Symbol    string           `json:"symbol"`
	Bids      []wirePriceLevel `json:"bids"`
	Asks      []wirePriceLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

type wireOrderEvent struct {
	Symbol        string          `json:"symbol"`
	ClientOrderID string          `json:"clientOrderId"`
	BrokerOrderID string          `json:"brokerOrderId"`
	TradeID       string          `json:"tradeId"`
	EventType     string          `json:"eventType"`
	Status        string          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	Side          string          `json:"side"`
	Timestamp     time.Time       `json:"timestamp"`
	Sequence      *int64          `json:"sequence"`
}

// decodeFrame turns a single raw wire message into the unified Frame. It
// tries the vendor dialect first (top-level "Type"/"Content") and falls back
// to the generic dialect (flat, lowercase "type") for control messages.
func decodeFrame(raw []byte) (Frame, error) {
	// encoding/json matches keys case-insensitively, so a generic frame's
	// lowercase "type" also fills env.Type; only the vendor type codes
	// select the vendor dialect.
	var env vendorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil {
		switch env.Type {
		case "T", "D", "O":
			return decodeVendor(env)
		}
	}

	var generic genericEnvelope
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Frame{}, fmt.Errorf("stream: malformed frame: %w", err)
	}
	return decodeGeneric(generic.Type, raw)
}

func decodeVendor(env vendorEnvelope) (Frame, error) {
	switch env.Type {
	case "T":
		var t wireTick
		if err := json.Unmarshal(env.Content, &t); err != nil {
			return Frame{}, fmt.Errorf("stream: malformed tick: %w", err)
		}
		return Frame{Type: FrameTick, Symbol: t.Symbol, Tick: &Tick{
			Symbol: t.Symbol, LastPrice: t.LastPrice, BidPrice: t.BidPrice,
			AskPrice: t.AskPrice, TotalVolume: t.TotalVolume, Timestamp: t.Timestamp,
		}}, nil
	case "D":
		var d wireDepth
		if err := json.Unmarshal(env.Content, &d); err != nil {
			return Frame{}, fmt.Errorf("stream: malformed depth: %w", err)
		}
		depth := &Depth{Symbol: d.Symbol, Timestamp: d.Timestamp}
		for _, b := range d.Bids {
			depth.Bids = append(depth.Bids, PriceLevel{Price: b.Price, Qty: b.Qty})
		}
		for _, a := range d.Asks {
			depth.Asks = append(depth.Asks, PriceLevel{Price: a.Price, Qty: a.Qty})
		}
		return Frame{Type: FrameDepth, Symbol: d.Symbol, Depth: depth}, nil
	case "O":
		var o wireOrderEvent
		if err := json.Unmarshal(env.Content, &o); err != nil {
			return Frame{}, fmt.Errorf("stream: malformed order event: %w", err)
		}
		ft := FrameOrderStatus
		if o.EventType == "TRADE" {
			ft = FrameTrade
		}
		return Frame{Type: ft, Symbol: o.Symbol, Order: &OrderEvent{
			Symbol: o.Symbol, ClientOrderID: o.ClientOrderID, BrokerOrderID: o.BrokerOrderID,
			TradeID: o.TradeID, Status: algolab.OrderStatus(o.Status), Price: o.Price, Qty: o.Qty,
			FilledQty: o.FilledQty, Side: o.Side, Timestamp: o.Timestamp, Sequence: o.Sequence,
		}}, nil
	default:
		return Frame{}, fmt.Errorf("stream: unknown vendor frame type %q", env.Type)
	}
}

func decodeGeneric(frameType string, raw []byte) (Frame, error) {
	switch FrameType(frameType) {
	case FramePing:
		return Frame{Type: FramePing}, nil
	case FramePong:
		return Frame{Type: FramePong}, nil
	case FrameAuthOK:
		return Frame{Type: FrameAuthOK}, nil
	case FrameAuthFail:
		return Frame{Type: FrameAuthFail}, nil
	case FrameError:
		var e struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		}
		_ = json.Unmarshal(raw, &e)
		return Frame{Type: FrameError, Err: errorMessage{msg: e.Message, code: e.Code}}, nil
	default:
		return Frame{}, fmt.Errorf("stream: unknown generic frame type %q", frameType)
	}
}

// encodeSubscribeFrame builds the outbound merged subscription frame (§6):
//
//	{ "token": "<hash>", "Type": "T"|"D"|"O", "Symbols": [...] }
func encodeSubscribeFrame(hash string, ch Channel, symbols []string) ([]byte, error) {
	return json.Marshal(struct {
		Token   string   `json:"token"`
		Type    string   `json:"Type"`
		Symbols []string `json:"Symbols"`
	}{Token: hash, Type: string(ch), Symbols: symbols})
}
