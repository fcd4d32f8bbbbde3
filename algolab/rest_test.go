package algolab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newAuthenticatedTestClient(t *testing.T, mux *http.ServeMux) (*Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(mux)

	c, err := NewClient(ClientOpts{
		Credentials: Credentials{APIKey: "key", Hostname: "host"},
		BaseURL:     ts.URL,
		SessionPath: filepath.Join(t.TempDir(), "session.json"),
		RetryLimit:  2,
		RetryBaseDelay: time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, c.BeginLogin(context.Background(), "user", "pass"))
	require.NoError(t, c.CompleteLogin(context.Background(), "123456"))
	require.True(t, c.IsAuthenticated())

	return c, ts
}

func writeEnvelope(w http.ResponseWriter, success bool, content interface{}, message string) {
	b, _ := json.Marshal(content)
	env := apiEnvelope{Success: success, Message: message}
	if content != nil {
		env.Content = b
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(env)
}

func baseAuthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/LoginUser", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, true, map[string]string{"token": "pending-token"}, "")
	})
	mux.HandleFunc("/api/LoginUserControl", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, true, map[string]string{"hash": "hash-1"}, "")
	})
	mux.HandleFunc("/api/SessionRefresh", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, true, map[string]string{"hash": "hash-2"}, "")
	})
	return mux
}

func TestClient_GetEquityInfo(t *testing.T) {
	mux := baseAuthMux()
	mux.HandleFunc("/api/GetEquityInfo", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "GARAN", r.URL.Query().Get("symbol"))
		require.NotEmpty(t, r.Header.Get("Checker"))
		writeEnvelope(w, true, EquityInfo{Symbol: "GARAN", Last: decimal.RequireFromString("10.5")}, "")
	})

	c, ts := newAuthenticatedTestClient(t, mux)
	defer ts.Close()

	info, err := c.GetEquityInfo(context.Background(), "GARAN")
	require.NoError(t, err)
	require.Equal(t, "GARAN", info.Symbol)
	require.Equal(t, "10.5", info.Last.String())
}

func TestClient_SendOrder_BusinessError(t *testing.T) {
	mux := baseAuthMux()
	mux.HandleFunc("/api/SendOrder", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, false, nil, "insufficient funds")
	})

	c, ts := newAuthenticatedTestClient(t, mux)
	defer ts.Close()

	_, err := c.SendOrder(context.Background(), PlaceOrderRequest{Symbol: "GARAN", Side: SideBuy})
	require.Error(t, err)
	var be *BusinessError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "insufficient funds", be.Message)
}

func TestClient_RefreshesSessionOn401(t *testing.T) {
	mux := baseAuthMux()
	var calls int32
	mux.HandleFunc("/api/GetEquityInfo", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "hash-2", r.Header.Get("Authorization"))
		writeEnvelope(w, true, EquityInfo{Symbol: "GARAN"}, "")
	})

	c, ts := newAuthenticatedTestClient(t, mux)
	defer ts.Close()

	_, err := c.GetEquityInfo(context.Background(), "GARAN")
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestClient_RetriesTransientOnIdempotentOperation(t *testing.T) {
	mux := baseAuthMux()
	var calls int32
	mux.HandleFunc("/api/GetEquityInfo", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeEnvelope(w, true, EquityInfo{Symbol: "GARAN"}, "")
	})

	c, ts := newAuthenticatedTestClient(t, mux)
	defer ts.Close()

	_, err := c.GetEquityInfo(context.Background(), "GARAN")
	require.NoError(t, err)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestClient_DoesNotRetryTransientOnNonIdempotentOperation(t *testing.T) {
	mux := baseAuthMux()
	var calls int32
	mux.HandleFunc("/api/SendOrder", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	c, ts := newAuthenticatedTestClient(t, mux)
	defer ts.Close()

	_, err := c.SendOrder(context.Background(), PlaceOrderRequest{Symbol: "GARAN"})
	require.Error(t, err)
	var te *TransientError
	require.ErrorAs(t, err, &te)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestClient_RateLimited(t *testing.T) {
	mux := baseAuthMux()
	mux.HandleFunc("/api/GetEquityInfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	c, ts := newAuthenticatedTestClient(t, mux)
	defer ts.Close()

	_, err := c.GetEquityInfo(context.Background(), "GARAN")
	require.Error(t, err)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 2*time.Second, rl.RetryAfter)
}
