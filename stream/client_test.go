package stream

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectWrite(t *testing.T, c *mockConn) map[string]interface{} {
	t.Helper()
	select {
	case data := <-c.writeCh:
		var out map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(time.Second):
		require.Fail(t, "no write received in time")
		return nil
	}
}

func newTestClient(connCreator func(ctx context.Context, u url.URL, headers map[string][]string) (conn, error), opts ...Option) *Client {
	session := newMockSession()
	allOpts := append([]Option{
		WithBaseURL("wss://test.algolab.local"),
		WithReconnectBackoff(5*time.Millisecond, 5*time.Millisecond, 1, 0),
		withConnCreator(connCreator),
	}, opts...)
	return New(session, allOpts...)
}

func TestClient_ConnectSendsPlaceholderSubscription(t *testing.T) {
	connection := newMockConn()
	defer connection.close()

	c := newTestClient(func(_ context.Context, _ url.URL, _ map[string][]string) (conn, error) {
		return connection, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Connect(ctx))

	msg := expectWrite(t, connection)
	assert.Equal(t, "T", msg["Type"])
	assert.ElementsMatch(t, []interface{}{"ALL"}, msg["Symbols"])
}

func TestClient_ConnectCalledTwiceFails(t *testing.T) {
	connection := newMockConn()
	defer connection.close()

	c := newTestClient(func(_ context.Context, _ url.URL, _ map[string][]string) (conn, error) {
		return connection, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	err := c.Connect(ctx)
	assert.ErrorIs(t, err, ErrConnectCalledMultipleTimes)
}

func TestClient_DispatchesTickToSubscriber(t *testing.T) {
	connection := newMockConn()
	defer connection.close()

	c := newTestClient(func(_ context.Context, _ url.URL, _ map[string][]string) (conn, error) {
		return connection, nil
	})

	ticks := make(chan Frame, 1)
	_, err := c.Subscribe(ChannelTick, "GARAN", func(f Frame) { ticks <- f })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	msg := expectWrite(t, connection)
	assert.Equal(t, "T", msg["Type"])
	assert.ElementsMatch(t, []interface{}{"GARAN"}, msg["Symbols"])

	connection.readCh <- []byte(`{"Type":"T","Content":{"symbol":"GARAN","lastPrice":"10.5","bidPrice":"10.4","askPrice":"10.6","totalVolume":"1000","timestamp":"2026-01-02T10:00:00Z"}}`)

	select {
	case f := <-ticks:
		require.NotNil(t, f.Tick)
		assert.Equal(t, "GARAN", f.Symbol)
		assert.Equal(t, "10.5", f.Tick.LastPrice.String())
	case <-time.After(time.Second):
		require.Fail(t, "no tick delivered in time")
	}
}

func TestClient_ReconnectRehydratesSubscriptions(t *testing.T) {
	conn1 := newMockConn()
	conn2 := newMockConn()
	defer conn2.close()

	connAttempt := 0
	c := newTestClient(func(_ context.Context, _ url.URL, _ map[string][]string) (conn, error) {
		connAttempt++
		if connAttempt == 1 {
			return conn1, nil
		}
		return conn2, nil
	})

	_, err := c.Subscribe(ChannelTick, "GARAN", func(Frame) {})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	msg := expectWrite(t, conn1)
	assert.ElementsMatch(t, []interface{}{"GARAN"}, msg["Symbols"])

	conn1.close()

	msg = expectWrite(t, conn2)
	assert.Equal(t, "T", msg["Type"])
	assert.ElementsMatch(t, []interface{}{"GARAN"}, msg["Symbols"])
}

func TestClient_TerminatesOnContextCancel(t *testing.T) {
	connection := newMockConn()
	defer connection.close()

	c := newTestClient(func(_ context.Context, _ url.URL, _ map[string][]string) (conn, error) {
		return connection, nil
	})
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, c.Connect(ctx))
	expectWrite(t, connection)

	cancel()

	select {
	case err := <-c.Terminated():
		assert.NoError(t, err)
	case <-time.After(time.Second):
		require.Fail(t, "client did not terminate in time")
	}
}
