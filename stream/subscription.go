package stream

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// BackpressurePolicy controls what happens when a consumer's queue is full.
type BackpressurePolicy int

const (
	// DropOldest discards the oldest queued frame to make room for the new
	// one. Used for TICK/DEPTH: market data is time-valued, a stale tick is
	// worse than a missing one.
	DropOldest BackpressurePolicy = iota
	// Block waits up to a timeout for room, then disconnects the consumer.
	// Used for ORDER_STATUS/TRADE: every event matters.
	Block
)

func policyFor(ch Channel) BackpressurePolicy {
	if ch == ChannelOrderStatus {
		return Block
	}
	return DropOldest
}

const defaultQueueSize = 1024
const defaultBlockTimeout = 5 * time.Second

// Subscription is a handle returned by Subscribe; pass it to Unsubscribe to
// tear down that specific (channel, symbol, consumer) registration.
type Subscription struct {
	Channel Channel
	Symbol  string

	id  uint64
	mux *Multiplexer
	c   *consumer
}

// Unsubscribe removes this registration. If it was the last consumer on
// (channel, symbol), the symbol is dropped from the channel's set and the
// merged subscription frame is reissued (an empty-symbol subscription frame,
// if the channel's set becomes empty).
func (s *Subscription) Unsubscribe() error {
	return s.mux.unsubscribe(s)
}

// Err returns a channel that receives ErrConsumerDisconnected if this
// subscription's Block-policy queue overflowed its timeout and was torn
// down (§4.6). Never sent to for DropOldest-policy subscriptions.
func (s *Subscription) Err() <-chan error {
	return s.c.errCh
}

type consumer struct {
	id        uint64
	channel   Channel
	symbol    string
	handler   func(Frame)
	queue     chan Frame
	policy    BackpressurePolicy
	done      chan struct{}
	closeOnce sync.Once
	errCh     chan error
}

func (c *consumer) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// run drains the consumer's queue and invokes handler, preserving
// network-receipt order per (channel, symbol) (P4). One goroutine per
// consumer.
func (c *consumer) run() {
	for {
		select {
		case <-c.done:
			return
		case f, ok := <-c.queue:
			if !ok {
				return
			}
			c.handler(f)
		}
	}
}

// enqueue delivers f to the consumer's queue honoring its backpressure
// policy. For Block, onDisconnect is invoked (and the consumer torn down) if
// the queue is still full after defaultBlockTimeout.
func (c *consumer) enqueue(f Frame, onDisconnect func()) {
	switch c.policy {
	case DropOldest:
		for {
			select {
			case c.queue <- f:
				return
			default:
			}
			select {
			case <-c.queue:
			default:
			}
		}
	case Block:
		select {
		case c.queue <- f:
			return
		default:
		}
		timer := time.NewTimer(defaultBlockTimeout)
		defer timer.Stop()
		select {
		case c.queue <- f:
		case <-timer.C:
			c.close()
			select {
			case c.errCh <- ErrConsumerDisconnected:
			default:
			}
			if onDisconnect != nil {
				onDisconnect()
			}
		case <-c.done:
		}
	}
}

// Multiplexer is the subscription fan-out engine (C6): it tracks the union
// of subscribed symbols per channel, emits merged subscription frames
// through sendSubscribe, and dispatches inbound frames to every matching
// consumer honoring each channel's backpressure policy.
type Multiplexer struct {
	logger Logger
	buffer *Buffer

	// sendSubscribe hands a merged subscription frame to the stream client's
	// sender goroutine; it must not block on the network.
	sendSubscribe func(ch Channel, symbols []string) error

	mu        sync.Mutex
	symbols   map[Channel]map[string]bool
	consumers map[Channel]map[string][]*consumer

	nextID uint64
}

// NewMultiplexer constructs a Multiplexer.
func NewMultiplexer(logger Logger, buffer *Buffer, sendSubscribe func(ch Channel, symbols []string) error) *Multiplexer {
	return &Multiplexer{
		logger:        logger,
		buffer:        buffer,
		sendSubscribe: sendSubscribe,
		symbols:       make(map[Channel]map[string]bool),
		consumers:     make(map[Channel]map[string][]*consumer),
	}
}

// Subscribe registers handler for (ch, symbol) under a fresh consumer
// identity and, if this is the first live consumer for that symbol on that
// channel, emits the updated merged subscription frame (§4.6, P2).
//
// ALL is absorptive: if ALL is already subscribed on ch, subscribing any
// other symbol is a bookkeeping-only no-op on the wire.
func (m *Multiplexer) Subscribe(ch Channel, symbol string, handler func(Frame)) (*Subscription, error) {
	id := atomic.AddUint64(&m.nextID, 1)
	c := &consumer{
		id: id, channel: ch, symbol: symbol, handler: handler,
		queue: make(chan Frame, defaultQueueSize), policy: policyFor(ch),
		done: make(chan struct{}), errCh: make(chan error, 1),
	}

	m.mu.Lock()
	if m.symbols[ch] == nil {
		m.symbols[ch] = make(map[string]bool)
	}
	if m.consumers[ch] == nil {
		m.consumers[ch] = make(map[string][]*consumer)
	}
	symbolAlreadyInSet := m.symbols[ch][symbol]
	m.symbols[ch][symbol] = true
	m.consumers[ch][symbol] = append(m.consumers[ch][symbol], c)

	absorbed := m.symbols[ch][AllSymbols] && symbol != AllSymbols
	needsWireSend := !symbolAlreadyInSet && !absorbed
	symbolsToSend := m.wireSymbolsLocked(ch)
	m.mu.Unlock()

	m.buffer.setReferenced(ch, symbol, true)
	go c.run()

	if needsWireSend {
		if err := m.sendSubscribe(ch, symbolsToSend); err != nil {
			return nil, err
		}
	}

	return &Subscription{Channel: ch, Symbol: symbol, id: id, mux: m, c: c}, nil
}

func (m *Multiplexer) unsubscribe(sub *Subscription) error {
	m.mu.Lock()
	list := m.consumers[sub.Channel][sub.Symbol]
	var removed *consumer
	kept := list[:0:0]
	for _, c := range list {
		if c.id == sub.id {
			removed = c
			continue
		}
		kept = append(kept, c)
	}
	if removed == nil {
		m.mu.Unlock()
		return nil
	}
	if len(kept) == 0 {
		delete(m.consumers[sub.Channel], sub.Symbol)
		delete(m.symbols[sub.Channel], sub.Symbol)
	} else {
		m.consumers[sub.Channel][sub.Symbol] = kept
	}

	channelNowEmpty := len(m.symbols[sub.Channel]) == 0
	symbolsToSend := m.wireSymbolsLocked(sub.Channel)
	m.mu.Unlock()

	removed.close()
	if len(kept) > 0 {
		return nil
	}
	m.buffer.setReferenced(sub.Channel, sub.Symbol, false)

	if channelNowEmpty {
		return m.sendSubscribe(sub.Channel, nil)
	}
	return m.sendSubscribe(sub.Channel, symbolsToSend)
}

// wireSymbolsLocked computes the symbol list to send on the wire for ch: if
// ALL is in the set it absorbs everything else; otherwise it's the sorted
// union of all live consumer symbols. Caller must hold m.mu.
func (m *Multiplexer) wireSymbolsLocked(ch Channel) []string {
	set := m.symbols[ch]
	if len(set) == 0 {
		return nil
	}
	if set[AllSymbols] {
		return []string{AllSymbols}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Dispatch delivers an inbound frame to every consumer registered for its
// (channel, symbol), plus every consumer registered for (channel, ALL) (§4.6).
func (m *Multiplexer) Dispatch(f Frame) {
	if m.buffer != nil {
		m.buffer.Record(f)
	}

	ch, ok := f.channel()
	if !ok {
		return
	}

	m.mu.Lock()
	var targets []*consumer
	targets = append(targets, m.consumers[ch][f.Symbol]...)
	if f.Symbol != AllSymbols {
		targets = append(targets, m.consumers[ch][AllSymbols]...)
	}
	m.mu.Unlock()

	for _, c := range targets {
		cc := c
		cc.enqueue(f, func() {
			if m.logger != nil {
				m.logger.Warnf("stream: consumer %d disconnected: queue overflow on %s/%s", cc.id, cc.channel, cc.symbol)
			}
		})
	}
}

// Rehydrate replays the merged subscription frame for every channel that has
// at least one live consumer. The stream client calls this immediately after
// a (re)connect, before forwarding any inbound application frames (§4.5, P3).
func (m *Multiplexer) Rehydrate() error {
	m.mu.Lock()
	type pending struct {
		ch      Channel
		symbols []string
	}
	var sends []pending
	for ch, set := range m.symbols {
		if len(set) == 0 {
			continue
		}
		sends = append(sends, pending{ch: ch, symbols: m.wireSymbolsLocked(ch)})
	}
	m.mu.Unlock()

	for _, p := range sends {
		if err := m.sendSubscribe(p.ch, p.symbols); err != nil {
			return err
		}
	}
	return nil
}

// HasSubscriptions reports whether any channel currently has a live consumer.
func (m *Multiplexer) HasSubscriptions() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, set := range m.symbols {
		if len(set) > 0 {
			return true
		}
	}
	return false
}
