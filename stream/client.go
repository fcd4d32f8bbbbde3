// Package stream implements the broker's duplex market-data/order-status
// connection (C5), its subscription multiplexer (C6), and its pull-path
// message buffer (C7).
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bisttrading/algolab-adapter/internal/ctxtime"
	"github.com/bisttrading/algolab-adapter/internal/sign"
)

// SessionSource supplies the credentials the stream client needs at dial
// time and on every outbound subscription frame: the static API key/hostname
// pair (for the Checker header) and the current session hash (the "token"
// field of the subscribe frame, and the Authorization header).
type SessionSource interface {
	APIKey() string
	Hostname() string
	Hash() string
}

// Client maintains exactly one AlgoLab stream connection at a time,
// reconnecting with exponential backoff until the context passed to Connect
// is cancelled or an irrecoverable error occurs.
type Client struct {
	logger  Logger
	baseURL string
	session SessionSource

	heartbeatInterval          time.Duration
	reconnectInitial           time.Duration
	reconnectMax               time.Duration
	reconnectMult              float64
	reconnectLimit             int
	placeholderChannel         Channel
	placeholderSubscription    []string
	refrainWhenNoSubscriptions bool
	connCreator                func(ctx context.Context, u url.URL, headers map[string][]string) (conn, error)

	Mux    *Multiplexer
	Buffer *Buffer

	connectOnce    sync.Once
	connectCalled  bool
	terminatedChan chan error
	terminated     int32 // atomic; 1 once maintainConnection has stopped for good

	irrMu  sync.Mutex
	irrErr error

	subChanges chan []byte

	// ConnectionEvents receives a value each time the connection transitions
	// (connected, disconnected, reconnecting); buffered, non-blocking send.
	ConnectionEvents chan ConnectionEvent
}

// ConnectionEvent is pushed onto Client.ConnectionEvents on every lifecycle
// transition, so the facade (C8) can expose connectivity to callers.
type ConnectionEvent struct {
	State string // "connected", "disconnected", "reconnecting"
	Err   error
	At    time.Time
}

// New constructs a Client. session supplies credentials at dial/subscribe
// time; it is consulted fresh on every (re)connect so a mid-flight session
// refresh is picked up automatically.
func New(session SessionSource, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.connCreator == nil {
		o.connCreator = func(ctx context.Context, u url.URL, headers map[string][]string) (conn, error) {
			h := http.Header{}
			for k, v := range headers {
				h[k] = v
			}
			return dial(ctx, u, h)
		}
	}

	c := &Client{
		logger:                     o.logger,
		baseURL:                    o.baseURL,
		session:                    session,
		heartbeatInterval:          o.heartbeatInterval,
		reconnectInitial:           o.reconnectInitial,
		reconnectMax:               o.reconnectMax,
		reconnectMult:              o.reconnectMult,
		reconnectLimit:             o.reconnectLimit,
		placeholderChannel:         o.placeholderChannel,
		placeholderSubscription:    o.placeholderSubscription,
		refrainWhenNoSubscriptions: o.refrainWhenNoSubscriptions,
		connCreator:                o.connCreator,
		Buffer:                     NewBuffer(),
		terminatedChan:             make(chan error, 1),
		subChanges:                 make(chan []byte, 16),
		ConnectionEvents:           make(chan ConnectionEvent, 16),
	}
	c.Mux = NewMultiplexer(o.logger, c.Buffer, c.enqueueSubscribeFrame)
	return c
}

func (c *Client) emitEvent(state string, err error) {
	select {
	case c.ConnectionEvents <- ConnectionEvent{State: state, Err: err, At: time.Now()}:
	default:
	}
}

// failIrrecoverably records err as the reason the client must stop
// reconnecting and closes cn so the receiver/sender/pinger goroutines tear
// down immediately instead of waiting on the next read/write/ping. Only the
// first call wins; later calls are no-ops.
func (c *Client) failIrrecoverably(err error, cn conn) {
	c.irrMu.Lock()
	if c.irrErr == nil {
		c.irrErr = err
	}
	c.irrMu.Unlock()
	_ = cn.close()
}

func (c *Client) irrecoverableErr() error {
	c.irrMu.Lock()
	defer c.irrMu.Unlock()
	return c.irrErr
}

// enqueueSubscribeFrame is the Multiplexer's sendSubscribe callback: it
// builds the wire frame and hands it to the sender goroutine's bounded queue
// without blocking on the network (§4.5 "never block longer than the hand
// off").
func (c *Client) enqueueSubscribeFrame(ch Channel, symbols []string) error {
	msg, err := encodeSubscribeFrame(c.session.Hash(), ch, symbols)
	if err != nil {
		return err
	}
	select {
	case c.subChanges <- msg:
		return nil
	default:
		c.logger.Warnf("stream: subscription change queue full, dropping oldest")
		select {
		case <-c.subChanges:
		default:
		}
		c.subChanges <- msg
		return nil
	}
}

// Subscribe registers handler for (ch, symbol); see Multiplexer.Subscribe.
// Returns ErrSubscriptionChangeAfterTerminated if the client has already
// stopped reconnecting for good.
func (c *Client) Subscribe(ch Channel, symbol string, handler func(Frame)) (*Subscription, error) {
	if atomic.LoadInt32(&c.terminated) == 1 {
		return nil, ErrSubscriptionChangeAfterTerminated
	}
	return c.Mux.Subscribe(ch, symbol, handler)
}

// Connect dials the server and maintains the connection, reconnecting with
// backoff, until ctx is cancelled or an irrecoverable error occurs. It
// blocks until the first connection attempt has settled (succeeded or
// permanently failed). Must only be called once.
func (c *Client) Connect(ctx context.Context) error {
	u, err := c.constructURL()
	if err != nil {
		return err
	}

	err = ErrConnectCalledMultipleTimes
	c.connectOnce.Do(func() {
		initialResult := make(chan error, 1)
		go c.maintainConnection(ctx, u, initialResult)
		err = <-initialResult
		c.connectCalled = true
	})
	return err
}

// Terminated returns a channel the client sends its final error to (nil on
// graceful shutdown) when it stops trying to reconnect.
func (c *Client) Terminated() <-chan error { return c.terminatedChan }

func (c *Client) constructURL() (url.URL, error) {
	ub, err := url.Parse(c.baseURL)
	if err != nil {
		return url.URL{}, err
	}
	scheme := "wss"
	if ub.Scheme == "http" || ub.Scheme == "ws" {
		scheme = "ws"
	}
	return url.URL{Scheme: scheme, Host: ub.Host, Path: "/ws"}, nil
}

func (c *Client) maintainConnection(ctx context.Context, u url.URL, initialResult chan<- error) {
	var lastErr error
	attempt := 0
	connectedOnce := false

	defer func() {
		atomic.StoreInt32(&c.terminated, 1)
		if connectedOnce {
			close(c.terminatedChan)
		}
	}()

	sendTerminal := func(err error) {
		if !connectedOnce {
			initialResult <- err
		} else {
			c.terminatedChan <- err
		}
	}

	for {
		select {
		case <-ctx.Done():
			if !connectedOnce {
				initialResult <- fmt.Errorf("cancelled before connection established: %w", lastErr)
			} else {
				c.terminatedChan <- nil
			}
			return
		default:
		}

		if c.reconnectLimit != 0 && attempt >= c.reconnectLimit {
			sendTerminal(fmt.Errorf("max reconnect attempts reached: %w", lastErr))
			return
		}
		if attempt > 0 {
			delay := backoffDelay(c.reconnectInitial, c.reconnectMax, c.reconnectMult, attempt)
			c.emitEvent("reconnecting", lastErr)
			if err := ctxtime.Sleep(ctx, delay); err != nil {
				if !connectedOnce {
					initialResult <- fmt.Errorf("cancelled before connection established: %w", lastErr)
				} else {
					c.terminatedChan <- nil
				}
				return
			}
		}
		attempt++

		headers := c.signedHeaders()
		cn, err := c.connCreator(ctx, u, headers)
		if err != nil {
			lastErr = err
			c.logger.Warnf("stream: dial failed: %v", err)
			continue
		}

		c.logger.Infof("stream: connection established")
		if err := c.commitFirstSubscription(ctx, cn); err != nil {
			lastErr = err
			_ = cn.close()
			c.logger.Warnf("stream: initial subscription commit failed: %v", err)
			continue
		}

		lastErr = nil
		if !connectedOnce {
			initialResult <- nil
			connectedOnce = true
		}
		attempt = 0
		c.emitEvent("connected", nil)

		wg := sync.WaitGroup{}
		wg.Add(3)
		closeCh := make(chan struct{})
		in := make(chan []byte, 256)

		go c.receiver(ctx, cn, in, closeCh, &wg)
		go c.sender(ctx, cn, closeCh, &wg)
		go c.pinger(ctx, cn, closeCh, &wg)
		go c.processor(ctx, in, cn)

		wg.Wait()
		c.emitEvent("disconnected", nil)
		if irr := c.irrecoverableErr(); irr != nil {
			sendTerminal(fmt.Errorf("stream: irrecoverable: %w", irr))
			return
		}
		if ctx.Err() != nil {
			c.terminatedChan <- nil
			return
		}
	}
}

func (c *Client) signedHeaders() map[string][]string {
	h, err := sign.Sign(c.session.APIKey(), c.session.Hostname(), "/ws", c.session.Hash())
	if err != nil {
		c.logger.Errorf("stream: signing handshake headers: %v", err)
		return nil
	}
	return map[string][]string{
		"APIKEY":        {h.APIKey},
		"Authorization": {h.Authorization},
		"Checker":       {h.Checker},
	}
}

// commitFirstSubscription implements the "critical protocol note": within a
// bounded window after CONNECTED, the client must send a merged subscription
// frame or the server closes the idle connection. If there are existing
// subscriptions (a reconnect), those are replayed; otherwise a placeholder is
// sent unless configured to refrain.
func (c *Client) commitFirstSubscription(ctx context.Context, cn conn) error {
	if c.Mux.HasSubscriptions() {
		return c.writeQueuedOrRehydrate(ctx, cn)
	}
	if c.refrainWhenNoSubscriptions {
		return nil
	}
	msg, err := encodeSubscribeFrame(c.session.Hash(), c.placeholderChannel, c.placeholderSubscription)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return cn.writeMessage(writeCtx, msg)
}

func (c *Client) writeQueuedOrRehydrate(ctx context.Context, cn conn) error {
	// Rehydrate re-derives the merged frames from multiplexer state and
	// routes them through enqueueSubscribeFrame -> c.subChanges, but we must
	// write the *first* one directly and synchronously here (before the
	// sender goroutine exists) to satisfy the ≤2s commitment. Simplest
	// correct approach: write every rehydration frame directly now.
	done := make(chan error, 1)
	var frames [][]byte
	var mu sync.Mutex
	orig := c.Mux.sendSubscribe
	c.Mux.sendSubscribe = func(ch Channel, symbols []string) error {
		msg, err := encodeSubscribeFrame(c.session.Hash(), ch, symbols)
		if err != nil {
			return err
		}
		mu.Lock()
		frames = append(frames, msg)
		mu.Unlock()
		return nil
	}
	go func() { done <- c.Mux.Rehydrate() }()
	if err := <-done; err != nil {
		c.Mux.sendSubscribe = orig
		return err
	}
	c.Mux.sendSubscribe = orig

	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	mu.Lock()
	toSend := frames
	mu.Unlock()
	for _, msg := range toSend {
		if err := cn.writeMessage(writeCtx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) receiver(ctx context.Context, cn conn, in chan<- []byte, closeCh chan<- struct{}, wg *sync.WaitGroup) {
	defer func() {
		close(closeCh)
		_ = cn.close()
		close(in)
		wg.Done()
	}()
	for {
		msg, err := cn.readMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warnf("stream: read failed: %v", err)
			}
			return
		}
		select {
		case in <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sender(ctx context.Context, cn conn, closeCh <-chan struct{}, wg *sync.WaitGroup) {
	defer func() {
		_ = cn.close()
		wg.Done()
	}()
	for {
		select {
		case <-closeCh:
			return
		case <-ctx.Done():
			return
		case msg := <-c.subChanges:
			if err := cn.writeMessage(ctx, msg); err != nil {
				if ctx.Err() == nil {
					c.logger.Warnf("stream: write failed: %v", err)
				}
				return
			}
		}
	}
}

func (c *Client) pinger(ctx context.Context, cn conn, closeCh <-chan struct{}, wg *sync.WaitGroup) {
	t := newHeartbeatTicker(c.heartbeatInterval)
	defer func() {
		t.Stop()
		_ = cn.close()
		wg.Done()
	}()
	for {
		select {
		case <-closeCh:
			return
		case <-ctx.Done():
			return
		case <-t.C():
			if err := cn.ping(ctx); err != nil {
				if ctx.Err() == nil {
					c.logger.Warnf("stream: heartbeat ping failed: %v", err)
				}
				return
			}
			c.Buffer.EvictIdle(time.Now())
		}
	}
}

func (c *Client) processor(ctx context.Context, in <-chan []byte, cn conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			f, err := decodeFrame(msg)
			if err != nil {
				c.logger.Errorf("stream: %v", err)
				continue
			}
			switch f.Type {
			case FramePing, FramePong, FrameAuthOK:
				// control frames, no dispatch needed beyond liveness
			case FrameAuthFail:
				c.logger.Errorf("stream: authentication rejected by server")
				c.failIrrecoverably(ErrInvalidCredentials, cn)
			case FrameError:
				c.logger.Errorf("stream: server error: %v", f.Err)
				if isErrorIrrecoverable(f.Err) {
					c.failIrrecoverably(f.Err, cn)
				}
			default:
				c.Mux.Dispatch(f)
			}
		}
	}
}

func backoffDelay(initial, max time.Duration, mult float64, attempt int) time.Duration {
	d := float64(initial)
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	if d > float64(max) {
		d = float64(max)
	}
	jittered := jitter(time.Duration(d))
	return jittered
}

func jitter(d time.Duration) time.Duration {
	// ±20% jitter, deterministic-free: splits the window and nudges by a
	// cheap time-based pseudo-random offset rather than math/rand, so tests
	// can reason about bounds without seeding.
	spread := d / 5
	if spread <= 0 {
		return d
	}
	offset := time.Duration(time.Now().UnixNano() % int64(2*spread)) - spread
	return d + offset
}

var errShutdown = errors.New("stream: client closed")
