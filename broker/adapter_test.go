package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bisttrading/algolab-adapter/algolab"
	"github.com/bisttrading/algolab-adapter/stream"
)

type testEnvelope struct {
	Success bool            `json:"success"`
	Content json.RawMessage `json:"content"`
	Message string          `json:"message"`
}

func writeTestEnvelope(w http.ResponseWriter, content interface{}) {
	b, _ := json.Marshal(content)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(testEnvelope{Success: true, Content: b})
}

func newTestAdapter(t *testing.T, extra func(mux *http.ServeMux)) (*Adapter, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/LoginUser", func(w http.ResponseWriter, r *http.Request) {
		writeTestEnvelope(w, map[string]string{"token": "pending-token"})
	})
	mux.HandleFunc("/api/LoginUserControl", func(w http.ResponseWriter, r *http.Request) {
		writeTestEnvelope(w, map[string]string{"hash": "hash-1"})
	})
	if extra != nil {
		extra(mux)
	}
	ts := httptest.NewServer(mux)

	a, err := New(Options{
		RestOpts: algolab.ClientOpts{
			Credentials: algolab.Credentials{APIKey: "key", Hostname: "host"},
			BaseURL:     ts.URL,
			SessionPath: filepath.Join(t.TempDir(), "session.json"),
		},
	})
	require.NoError(t, err)

	require.NoError(t, a.Authenticate(context.Background(), "user", "pass"))
	require.NoError(t, a.CompleteAuthentication(context.Background(), "123456"))

	return a, ts
}

func TestAdapter_SendOrder_TracksStatus(t *testing.T) {
	a, ts := newTestAdapter(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/api/SendOrder", func(w http.ResponseWriter, r *http.Request) {
			writeTestEnvelope(w, algolab.Order{
				ClientOrderID: "cid-1",
				BrokerOrderID: "bid-1",
				Status:        algolab.StatusSubmitted,
				Quantity:      decimal.RequireFromString("100"),
			})
		})
	})
	defer ts.Close()

	out, err := a.SendOrder(context.Background(), algolab.PlaceOrderRequest{
		ClientOrderID: "cid-1",
		Symbol:        "GARAN",
		Side:          algolab.SideBuy,
		Type:          algolab.OrderTypeLimit,
		Quantity:      decimal.RequireFromString("100"),
	})
	require.NoError(t, err)
	assert.Equal(t, "bid-1", out.BrokerOrderID)

	a.mu.Lock()
	status := a.orderStatus["bid-1"]
	a.mu.Unlock()
	assert.Equal(t, algolab.StatusSubmitted, status)
}

func TestAdapter_CancelOrder_DedupsByClientOrderID(t *testing.T) {
	var cancelCalls int
	a, ts := newTestAdapter(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/api/DeleteOrder", func(w http.ResponseWriter, r *http.Request) {
			cancelCalls++
			writeTestEnvelope(w, map[string]string{})
		})
	})
	defer ts.Close()

	status1, err := a.CancelOrder(context.Background(), "bid-1", "cid-1")
	require.NoError(t, err)
	assert.Equal(t, algolab.StatusCancelled, status1)

	status2, err := a.CancelOrder(context.Background(), "bid-1", "cid-1")
	require.NoError(t, err)
	assert.Equal(t, algolab.StatusCancelled, status2)

	assert.Equal(t, 1, cancelCalls, "second cancel for the same clientOrderId must not hit the wire")
}

func TestAdapter_Subscribe_WithholdsOrderStatusRegression(t *testing.T) {
	a, ts := newTestAdapter(t, nil)
	defer ts.Close()

	var mu sync.Mutex
	var received []algolab.OrderStatus
	_, err := a.Subscribe(stream.ChannelOrderStatus, "GARAN", func(f stream.Frame) {
		mu.Lock()
		received = append(received, f.Order.Status)
		mu.Unlock()
	})
	require.NoError(t, err)

	a.strm.Mux.Dispatch(stream.Frame{
		Type: stream.FrameOrderStatus, Symbol: "GARAN",
		Order: &stream.OrderEvent{Symbol: "GARAN", BrokerOrderID: "bid-1", Status: algolab.StatusSubmitted},
	})
	a.strm.Mux.Dispatch(stream.Frame{
		Type: stream.FrameOrderStatus, Symbol: "GARAN",
		Order: &stream.OrderEvent{Symbol: "GARAN", BrokerOrderID: "bid-1", Status: algolab.StatusPartiallyFilled, FilledQty: decimal.RequireFromString("30")},
	})
	a.strm.Mux.Dispatch(stream.Frame{
		Type: stream.FrameOrderStatus, Symbol: "GARAN",
		Order: &stream.OrderEvent{Symbol: "GARAN", BrokerOrderID: "bid-1", Status: algolab.StatusFilled, FilledQty: decimal.RequireFromString("100")},
	})
	// Regression: FILLED -> PARTIALLY_FILLED again. Must be withheld.
	a.strm.Mux.Dispatch(stream.Frame{
		Type: stream.FrameOrderStatus, Symbol: "GARAN",
		Order: &stream.OrderEvent{Symbol: "GARAN", BrokerOrderID: "bid-1", Status: algolab.StatusPartiallyFilled, FilledQty: decimal.RequireFromString("30")},
	})

	// Handlers run on the consumer's own goroutine, in dispatch order: wait
	// for the three accepted frames, then give the withheld one time to
	// show up if it were (wrongly) delivered.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 3
	}, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 3)
	assert.Equal(t, []algolab.OrderStatus{
		algolab.StatusSubmitted, algolab.StatusPartiallyFilled, algolab.StatusFilled,
	}, received)
}

func TestAdapter_GetMarketDataSnapshot_FallsBackToREST(t *testing.T) {
	a, ts := newTestAdapter(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/api/GetEquityInfo", func(w http.ResponseWriter, r *http.Request) {
			writeTestEnvelope(w, algolab.EquityInfo{
				Symbol: "GARAN", Last: decimal.RequireFromString("10.5"), Timestamp: time.Now(),
			})
		})
	})
	defer ts.Close()

	info, err := a.GetMarketDataSnapshot(context.Background(), "GARAN")
	require.NoError(t, err)
	assert.Equal(t, "GARAN", info.Symbol)
	assert.Equal(t, "10.5", info.Last.String())
}
