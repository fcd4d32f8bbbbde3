package algolab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bisttrading/algolab-adapter/internal/authn"
	"github.com/bisttrading/algolab-adapter/internal/ctxtime"
	"github.com/bisttrading/algolab-adapter/internal/session"
	"github.com/bisttrading/algolab-adapter/internal/sign"
)

// Client is the AlgoLab request client (C3): it signs every request, drives
// session refresh transparently on a 401/403, classifies every response into
// the §7 error taxonomy, and retries Transient failures on idempotent
// operations only.
type Client struct {
	opts ClientOpts
	auth *authn.Coordinator
}

// NewClient constructs a Client, loading any persisted session from disk.
func NewClient(opts ClientOpts) (*Client, error) {
	opts = defaultOpts(opts)

	sessionPath := opts.SessionPath
	if sessionPath == "" {
		p, err := session.DefaultPath()
		if err != nil {
			return nil, &FatalError{Detail: "resolving default session path", Cause: err}
		}
		sessionPath = p
	}
	store := session.New(sessionPath)

	auth, err := authn.New(authn.Options{
		APIKey:     opts.Credentials.APIKey,
		Hostname:   opts.Credentials.Hostname,
		BaseURL:    opts.BaseURL,
		HTTPClient: opts.HTTPClient,
		Store:      store,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, &FatalError{Detail: "constructing auth coordinator", Cause: err}
	}

	return &Client{opts: opts, auth: auth}, nil
}

// BeginLogin starts the two-step login, issuing the SMS challenge.
func (c *Client) BeginLogin(ctx context.Context, username, password string) error {
	return wrapAuthErr(c.auth.BeginLogin(ctx, username, password))
}

// CompleteLogin submits the SMS code and establishes the session.
func (c *Client) CompleteLogin(ctx context.Context, smsCode string) error {
	_, err := c.auth.CompleteLogin(ctx, smsCode)
	return wrapAuthErr(err)
}

// Logout clears the session both in memory and on disk.
func (c *Client) Logout() error { return c.auth.Logout() }

// IsAuthenticated reports whether the client currently holds a live session.
func (c *Client) IsAuthenticated() bool { return c.auth.State() == authn.StateAuthenticated }

// SessionHash returns the current session hash used to sign stream dial
// headers, or "" if no session has been established yet.
func (c *Client) SessionHash() string {
	sess := c.auth.Session()
	if sess == nil {
		return ""
	}
	return sess.Hash
}

func wrapAuthErr(err error) error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*authn.AuthError); ok {
		return &AuthError{Reason: ae.Reason}
	}
	if te, ok := err.(*authn.TransientError); ok {
		return &TransientError{Cause: te.Cause}
	}
	if fe, ok := err.(*authn.FatalError); ok {
		return &FatalError{Detail: fe.Detail, Cause: fe.Cause}
	}
	return err
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Content json.RawMessage `json:"content"`
	Message string          `json:"message"`
	Code    int             `json:"code,omitempty"`
}

// SendOrder submits a new order. Transient failures are never retried
// automatically: a retry on a network failure risks a duplicate fill, so the
// caller must dedupe via ClientOrderID if it chooses to resend. As with every
// call, a 401/403 is retried once after a session refresh.
func (c *Client) SendOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	path := "/api/SendOrder"
	if req.IsViop {
		path = "/api/SendOrderViop"
	}
	var out Order
	if err := c.do(ctx, http.MethodPost, path, req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// ModifyOrder changes price/quantity on a working order.
func (c *Client) ModifyOrder(ctx context.Context, brokerOrderID string, newPrice, newQty interface{}) (*Order, error) {
	body := map[string]interface{}{"id": brokerOrderID, "price": newPrice, "quantity": newQty}
	var out Order
	if err := c.do(ctx, http.MethodPost, "/api/ModifyOrder", body, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteOrder cancels a working equity order. Cancellation is idempotent:
// cancelling an already-cancelled order is a server-side no-op, so Transient
// failures here are safe to retry.
func (c *Client) DeleteOrder(ctx context.Context, brokerOrderID string) error {
	body := map[string]string{"id": brokerOrderID}
	return c.do(ctx, http.MethodPost, "/api/DeleteOrder", body, nil, true)
}

// DeleteOrderViop cancels a working VIOP (derivatives) order.
func (c *Client) DeleteOrderViop(ctx context.Context, brokerOrderID string) error {
	body := map[string]string{"id": brokerOrderID}
	return c.do(ctx, http.MethodPost, "/api/DeleteOrderViop", body, nil, true)
}

// GetEquityInfo fetches a point-in-time market data snapshot for symbol.
func (c *Client) GetEquityInfo(ctx context.Context, symbol string) (*EquityInfo, error) {
	path := "/api/GetEquityInfo?symbol=" + symbol
	var out EquityInfo
	if err := c.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCandleData fetches OHLCV bars for req.Symbol across [req.Start, req.End].
func (c *Client) GetCandleData(ctx context.Context, req CandleRequest) ([]Candle, error) {
	path := fmt.Sprintf("/api/GetCandleData?symbol=%s&start=%s&end=%s",
		req.Symbol, req.Start.String(), req.End.String())
	var out []Candle
	if err := c.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// InstantPosition returns the account's current open positions.
func (c *Client) InstantPosition(ctx context.Context) ([]Position, error) {
	var out []Position
	if err := c.do(ctx, http.MethodGet, "/api/InstantPosition", nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPositions is an alias kept for callers migrating from InstantPosition's
// older broker-side naming.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	return c.InstantPosition(ctx)
}

// TodaysTransaction returns the account's intraday transaction feed.
func (c *Client) TodaysTransaction(ctx context.Context) ([]Transaction, error) {
	var out []Transaction
	if err := c.do(ctx, http.MethodGet, "/api/TodaysTransaction", nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// CashFlow returns the account's cash movement history, paginated by req.
func (c *Client) CashFlow(ctx context.Context, req HistoryRequest) ([]Transaction, error) {
	path := "/api/CashFlow" + historyQuery(req)
	var out []Transaction
	if err := c.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// AccountExtre returns the account's full statement, paginated by req.
func (c *Client) AccountExtre(ctx context.Context, req HistoryRequest) ([]Transaction, error) {
	path := "/api/AccountExtre" + historyQuery(req)
	var out []Transaction
	if err := c.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// GetEquityOrderHistory returns equity order history, paginated by req.
func (c *Client) GetEquityOrderHistory(ctx context.Context, req HistoryRequest) ([]Order, error) {
	path := "/api/GetEquityOrderHistory" + historyQuery(req)
	var out []Order
	if err := c.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// GetViopOrderHistory returns VIOP order history, paginated by req.
func (c *Client) GetViopOrderHistory(ctx context.Context, req HistoryRequest) ([]Order, error) {
	path := "/api/GetViopOrderHistory" + historyQuery(req)
	var out []Order
	if err := c.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// RiskSimulation asks the broker to evaluate a hypothetical order's margin
// impact without submitting it.
func (c *Client) RiskSimulation(ctx context.Context, req RiskSimulationRequest) (*RiskSimulationReport, error) {
	var out RiskSimulationReport
	if err := c.do(ctx, http.MethodPost, "/api/RiskSimulation", req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func historyQuery(req HistoryRequest) string {
	q := ""
	if req.Until != nil {
		q += "&until=" + req.Until.Format(time.RFC3339)
	}
	if req.After != nil {
		q += "&after=" + req.After.Format(time.RFC3339)
	}
	if req.PageSize != nil {
		q += "&pageSize=" + strconv.Itoa(*req.PageSize)
	}
	if q == "" {
		return ""
	}
	return "?" + q[1:]
}

// do executes a single signed request against path, classifying the result
// per §7 and retrying Transient failures up to opts.RetryLimit times when
// idempotent is true. On a 401/403 it refreshes the session once through the
// auth coordinator and retries the request a single time, regardless of
// idempotent.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, idempotent bool) error {
	refreshed := false
	for attempt := 0; ; attempt++ {
		err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}

		if ue, ok := err.(*UnauthenticatedError); ok {
			if refreshed {
				_ = c.auth.Logout()
				return &AuthError{Reason: ue.Error()}
			}
			refreshed = true
			if _, rerr := c.auth.Refresh(ctx); rerr != nil {
				return wrapAuthErr(rerr)
			}
			continue
		}

		if _, ok := err.(*TransientError); ok && idempotent && attempt < c.opts.RetryLimit {
			if sleepErr := ctxtime.Sleep(ctx, retryBackoff(c.opts.RetryBaseDelay, attempt)); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		return err
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	sess := c.auth.Session()
	if sess == nil {
		return &UnauthenticatedError{Path: path}
	}

	headers, err := sign.Sign(c.opts.Credentials.APIKey, c.opts.Credentials.Hostname, path, sess.Hash)
	if err != nil {
		return &FatalError{Detail: "signing request", Cause: err}
	}

	var reader io.Reader
	if body != nil {
		b, merr := json.Marshal(body)
		if merr != nil {
			return &FatalError{Detail: "encoding request body", Cause: merr}
		}
		reader = bytes.NewReader(b)
	}

	url := c.opts.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return &FatalError{Detail: "building request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", GetVersion())
	req.Header.Set("APIKEY", headers.APIKey)
	req.Header.Set("Authorization", headers.Authorization)
	req.Header.Set("Checker", headers.Checker)

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &UnauthenticatedError{Path: path}
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return &RateLimitedError{RetryAfter: retryAfter}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &TransientError{Cause: fmt.Errorf("HTTP %d calling %s", resp.StatusCode, path)}
	}

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &FatalError{Detail: fmt.Sprintf("decoding response from %s", path), Cause: err}
	}
	if !env.Success {
		return &BusinessError{Code: env.Code, Message: env.Message}
	}
	if out == nil {
		return nil
	}
	if len(env.Content) == 0 {
		return nil
	}
	return json.Unmarshal(env.Content, out)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 5 * time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 5 * time.Second
}

func retryBackoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return jitterRetry(d)
}

// jitterRetry applies the same ±20% spread as stream/client.go's jitter, so
// both backoff implementations honor the documented jittered-exponential
// policy (§4.3) the same way.
func jitterRetry(d time.Duration) time.Duration {
	spread := d / 5
	if spread <= 0 {
		return d
	}
	offset := time.Duration(time.Now().UnixNano()%int64(2*spread)) - spread
	return d + offset
}
