package stream

// FrameType discriminates the unified Frame variant produced by the decoder
// regardless of which wire dialect it arrived in.
type FrameType string

const (
	FrameTick         FrameType = "TICK"
	FrameDepth        FrameType = "DEPTH"
	FrameOrderStatus  FrameType = "ORDER_STATUS"
	FrameTrade        FrameType = "TRADE"
	FramePing         FrameType = "PING"
	FramePong         FrameType = "PONG"
	FrameAuthOK       FrameType = "AUTH_OK"
	FrameAuthFail     FrameType = "AUTH_FAIL"
	FrameError        FrameType = "ERROR"
)

// Frame is the decoded, dialect-independent unit dispatched by the
// subscription multiplexer. Exactly one of Tick/Depth/Order is populated,
// selected by Type; control frames populate none of them.
type Frame struct {
	Type   FrameType
	Symbol string
	Tick   *Tick
	Depth  *Depth
	Order  *OrderEvent
	Err    error
}

func (f Frame) channel() (Channel, bool) {
	switch f.Type {
	case FrameTick:
		return ChannelTick, true
	case FrameDepth:
		return ChannelDepth, true
	case FrameOrderStatus, FrameTrade:
		return ChannelOrderStatus, true
	default:
		return "", false
	}
}
