// Package broker exposes the uniform broker-integration contract (C8): it
// composes the request client (C3), auth coordinator (C4, reached through
// the request client), stream client (C5), subscription multiplexer (C6),
// and message buffer (C7) behind a single facade.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/bisttrading/algolab-adapter/algolab"
	"github.com/bisttrading/algolab-adapter/stream"
)

// Logger is the logging sink used by the facade.
type Logger interface {
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

type noopLogger struct{}

func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}

// Options configures an Adapter.
type Options struct {
	RestOpts   algolab.ClientOpts
	StreamOpts []stream.Option
	Logger     Logger
}

// Adapter is the C8 broker adapter facade. Safe for concurrent use.
type Adapter struct {
	rest   *algolab.Client
	strm   *stream.Client
	logger Logger

	mu           sync.Mutex
	orderStatus  map[string]algolab.OrderStatus // brokerOrderID -> last delivered status
	cancelled    map[string]algolab.OrderStatus // clientOrderID -> terminal status, once cancelled
	shuttingDown bool
}

// restSessionAdapter lets *algolab.Client satisfy stream.SessionSource by
// reading the session the auth coordinator currently holds.
type restSessionAdapter struct {
	rest *algolab.Client
	opts algolab.ClientOpts
}

func (s *restSessionAdapter) APIKey() string   { return s.opts.Credentials.APIKey }
func (s *restSessionAdapter) Hostname() string { return s.opts.Credentials.Hostname }
func (s *restSessionAdapter) Hash() string     { return s.rest.SessionHash() }

// New constructs an Adapter. The stream connection is not dialed until
// Connect is called.
func New(opts Options) (*Adapter, error) {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	restClient, err := algolab.NewClient(opts.RestOpts)
	if err != nil {
		return nil, err
	}

	sessionSource := &restSessionAdapter{rest: restClient, opts: opts.RestOpts}
	streamOpts := append([]stream.Option{stream.WithBaseURL(opts.RestOpts.BaseURL)}, opts.StreamOpts...)
	streamClient := stream.New(sessionSource, streamOpts...)

	return &Adapter{
		rest:        restClient,
		strm:        streamClient,
		logger:      opts.Logger,
		orderStatus: make(map[string]algolab.OrderStatus),
		cancelled:   make(map[string]algolab.OrderStatus),
	}, nil
}

// Authenticate performs the password step of login, issuing the SMS
// challenge. CompleteAuthentication must follow with the code the user
// receives out of band.
func (a *Adapter) Authenticate(ctx context.Context, username, password string) error {
	return a.rest.BeginLogin(ctx, username, password)
}

// CompleteAuthentication finishes login with the SMS code and establishes
// the session the rest of the facade depends on.
func (a *Adapter) CompleteAuthentication(ctx context.Context, smsCode string) error {
	return a.rest.CompleteLogin(ctx, smsCode)
}

// Connect dials the stream connection. Must be called after authentication
// succeeds, since the handshake is signed with the live session hash.
func (a *Adapter) Connect(ctx context.Context) error {
	return a.strm.Connect(ctx)
}

// SendOrder submits order and returns the broker's acceptance, including the
// broker-assigned order ID.
func (a *Adapter) SendOrder(ctx context.Context, order algolab.PlaceOrderRequest) (*algolab.Order, error) {
	out, err := a.rest.SendOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.orderStatus[out.BrokerOrderID] = out.Status
	a.mu.Unlock()
	return out, nil
}

// CancelOrder cancels brokerOrderID. Idempotent by clientOrderID (P6): a
// second cancel call for an order already confirmed cancelled returns the
// cached terminal status without issuing a second cancel on the wire.
func (a *Adapter) CancelOrder(ctx context.Context, brokerOrderID, clientOrderID string) (algolab.OrderStatus, error) {
	a.mu.Lock()
	if status, done := a.cancelled[clientOrderID]; done {
		a.mu.Unlock()
		return status, nil
	}
	a.mu.Unlock()

	if err := a.rest.DeleteOrder(ctx, brokerOrderID); err != nil {
		return "", err
	}

	a.mu.Lock()
	a.cancelled[clientOrderID] = algolab.StatusCancelled
	a.orderStatus[brokerOrderID] = algolab.StatusCancelled
	a.mu.Unlock()
	return algolab.StatusCancelled, nil
}

// GetMarketDataSnapshot returns the latest known tick for symbol, preferring
// the C7 pull-path buffer (O(1), no network round trip) and falling back to
// a direct REST call when nothing has been buffered yet.
func (a *Adapter) GetMarketDataSnapshot(ctx context.Context, symbol string) (*algolab.EquityInfo, error) {
	if f, ok := a.strm.Buffer.Last(stream.ChannelTick, symbol); ok && f.Tick != nil {
		return &algolab.EquityInfo{
			Symbol:      f.Tick.Symbol,
			Last:        f.Tick.LastPrice,
			Bid:         f.Tick.BidPrice,
			Ask:         f.Tick.AskPrice,
			TotalVolume: f.Tick.TotalVolume,
			Timestamp:   f.Tick.Timestamp,
		}, nil
	}
	return a.rest.GetEquityInfo(ctx, symbol)
}

// GetPositions returns the account's open positions.
func (a *Adapter) GetPositions(ctx context.Context) ([]algolab.Position, error) {
	return a.rest.GetPositions(ctx)
}

// Subscribe registers handler for (channel, symbol). For the order-status
// channel, handler is wrapped to enforce order-status monotonicity: a
// regression is logged at ERROR as a protocol violation and withheld from
// handler rather than delivered.
func (a *Adapter) Subscribe(ch stream.Channel, symbol string, handler func(stream.Frame)) (*stream.Subscription, error) {
	if ch != stream.ChannelOrderStatus {
		return a.strm.Subscribe(ch, symbol, handler)
	}
	return a.strm.Subscribe(ch, symbol, func(f stream.Frame) {
		if f.Type == stream.FrameOrderStatus && f.Order != nil {
			if a.checkRegression(f.Order) {
				return
			}
		}
		handler(f)
	})
}

func (a *Adapter) checkRegression(order *stream.OrderEvent) bool {
	if order.BrokerOrderID == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	prev, known := a.orderStatus[order.BrokerOrderID]
	if known && algolab.IsRegression(prev, order.Status) {
		a.logger.Errorf("broker: protocol violation: order %s regressed %s -> %s",
			order.BrokerOrderID, prev, order.Status)
		return true
	}
	a.orderStatus[order.BrokerOrderID] = order.Status
	return false
}

// Unsubscribe tears down sub.
func (a *Adapter) Unsubscribe(sub *stream.Subscription) error {
	return sub.Unsubscribe()
}

// Close marks the adapter as shutting down and waits up to 5s (or until ctx
// is done) for the stream client to report termination; later calls return
// nil at once. It does not close the stream connection itself: the stream
// stops when the context passed to Connect is cancelled. Close does not
// refuse later calls on the adapter, does not drain consumer queues, and
// does not write the session.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.shuttingDown {
		a.mu.Unlock()
		return nil
	}
	a.shuttingDown = true
	a.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	select {
	case <-a.strm.Terminated():
	case <-drainCtx.Done():
		a.logger.Warnf("broker: stream did not terminate within grace period")
	}

	return nil
}
