package stream

import (
	"context"
	"net/url"
	"time"
)

// Option configures a Client.
type Option func(*options)

type options struct {
	logger   Logger
	baseURL  string
	apiKey   string
	hostname string

	heartbeatInterval time.Duration
	reconnectInitial  time.Duration
	reconnectMax      time.Duration
	reconnectMult     float64
	reconnectLimit    int // 0 = unlimited

	// placeholderSubscription is sent on placeholderChannel as the initial
	// subscription (§4.5 "Critical protocol note") right after CONNECTED when
	// no real subscription exists yet. If refrainWhenNoSubscriptions is true,
	// nothing is sent and the server is left to close the idle connection.
	placeholderSubscription   []string
	placeholderChannel        Channel
	refrainWhenNoSubscriptions bool

	connCreator func(ctx context.Context, u url.URL, headers map[string][]string) (conn, error)
}

func defaultOptions() *options {
	return &options{
		logger:                  newStdLog(),
		heartbeatInterval:       heartbeatPeriod,
		reconnectInitial:        1 * time.Second,
		reconnectMax:            60 * time.Second,
		reconnectMult:           2.0,
		placeholderChannel:      ChannelTick,
		placeholderSubscription: []string{AllSymbols},
	}
}

// WithLogger overrides the default stderr logger.
func WithLogger(l Logger) Option { return func(o *options) { o.logger = l } }

// WithBaseURL sets the wss:// (or ws://) base URL the client dials.
func WithBaseURL(u string) Option { return func(o *options) { o.baseURL = u } }

// WithHeartbeatInterval overrides the PING cadence. Must stay below the
// server's idle-close threshold.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) { o.heartbeatInterval = d }
}

// WithReconnectBackoff overrides the exponential backoff parameters: delay
// starts at initial, multiplies by mult each attempt, capped at max. limit=0
// means unlimited attempts.
func WithReconnectBackoff(initial, max time.Duration, mult float64, limit int) Option {
	return func(o *options) {
		o.reconnectInitial = initial
		o.reconnectMax = max
		o.reconnectMult = mult
		o.reconnectLimit = limit
	}
}

// WithRefrainFromPlaceholderSubscription disables the synthetic "all ticks"
// placeholder subscription that is otherwise sent within 2s of CONNECTED if
// no real subscription exists yet; the connection is then allowed to close
// naturally on server-side idle timeout. This is a deliberate documented
// choice, not a fallback for an error (§4.5).
func WithRefrainFromPlaceholderSubscription() Option {
	return func(o *options) { o.refrainWhenNoSubscriptions = true }
}

func withConnCreator(f func(ctx context.Context, u url.URL, headers map[string][]string) (conn, error)) Option {
	return func(o *options) { o.connCreator = f }
}
