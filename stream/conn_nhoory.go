package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"
)

// nhooyrConn implements conn over nhooyr.io/websocket. The wire payload is
// JSON text (§6), not the vendor binary dialect some sibling clients use.
type nhooyrConn struct {
	conn    *websocket.Conn
	msgType websocket.MessageType
}

// dial opens a new websocket connection to u, carrying the full signed
// header set required for the handshake (§4.5).
func dial(ctx context.Context, u url.URL, headers http.Header) (conn, error) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctxWithTimeout, u.String(), &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c.SetReadLimit(-1)

	return &nhooyrConn{conn: c, msgType: websocket.MessageText}, nil
}

func (c *nhooyrConn) close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *nhooyrConn) ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pongWait)
	defer cancel()
	return c.conn.Ping(pingCtx)
}

func (c *nhooyrConn) readMessage(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *nhooyrConn) writeMessage(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return c.conn.Write(writeCtx, c.msgType, data)
}
