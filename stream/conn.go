package stream

import (
	"context"
	"time"
)

// conn is the duplex wire connection between the stream client and the
// AlgoLab server. A single conn is used by at most one sender and one
// receiver goroutine at a time (§5).
type conn interface {
	close() error
	ping(ctx context.Context) error
	readMessage(ctx context.Context) (data []byte, err error)
	writeMessage(ctx context.Context, data []byte) error
}

var (
	writeWait = 5 * time.Second
	pongWait  = 5 * time.Second
	// heartbeatPeriod is the default PING cadence; must be comfortably below
	// the server's idle-close threshold (§4.5).
	heartbeatPeriod = 15 * time.Minute
)
