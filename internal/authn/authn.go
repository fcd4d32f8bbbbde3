// Package authn drives the AlgoLab two-step login (password → SMS challenge
// → hash) and session refresh, and owns the Session's lifecycle end to end
// (C4 in the broker integration runtime). It is the only writer of the
// session store.
package authn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bisttrading/algolab-adapter/internal/ctxtime"
	"github.com/bisttrading/algolab-adapter/internal/session"
	"github.com/bisttrading/algolab-adapter/internal/sign"
)

// State is a coordinator's current position in the login state machine.
type State int

const (
	StateUnauth State = iota
	StateChallenged
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauth:
		return "UNAUTH"
	case StateChallenged:
		return "CHALLENGED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}

// Logger mirrors algolab.Logger; duplicated here (rather than imported) so
// this package stays free of a dependency on the public algolab package.
type Logger interface {
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

type noopLogger struct{}

func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}

// Options configures a Coordinator.
type Options struct {
	APIKey     string
	Hostname   string
	BaseURL    string
	HTTPClient *http.Client
	Store      *session.Store
	Logger     Logger
	TTL        time.Duration
}

// Coordinator drives login/challenge/refresh/logout and is the exclusive
// owner of the process-wide Session (I1). Safe for concurrent use; refresh
// calls racing each other are coalesced into a single in-flight operation.
type Coordinator struct {
	apiKey     string
	hostname   string
	baseURL    string
	httpClient *http.Client
	store      *session.Store
	logger     Logger
	ttl        time.Duration

	mu      sync.RWMutex
	state   State
	current *session.Session

	// pendingToken is the pre-SMS credential from LoginUser, valid only for
	// LoginUserControl. Held only while CHALLENGED.
	pendingToken string

	refreshMu      sync.Mutex
	refreshInFlight *refreshCall
}

type refreshCall struct {
	done chan struct{}
	sess *session.Session
	err  error
}

// New constructs a Coordinator. If the store holds an unexpired session it
// is adopted immediately and the coordinator starts AUTHENTICATED.
func New(opts Options) (*Coordinator, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.TTL == 0 {
		opts.TTL = session.DefaultTTL
	}

	c := &Coordinator{
		apiKey:     opts.APIKey,
		hostname:   opts.Hostname,
		baseURL:    opts.BaseURL,
		httpClient: opts.HTTPClient,
		store:      opts.Store,
		logger:     opts.Logger,
		ttl:        opts.TTL,
		state:      StateUnauth,
	}

	if c.store != nil {
		sess, err := c.store.Load()
		if err != nil {
			return nil, err
		}
		if sess != nil {
			c.current = sess
			c.state = StateAuthenticated
		}
	}

	return c, nil
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Session returns the active session, or nil if not AUTHENTICATED.
func (c *Coordinator) Session() *session.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateAuthenticated {
		return nil
	}
	sess := *c.current
	return &sess
}

type loginUserResponse struct {
	Success bool   `json:"success"`
	Content struct {
		Token string `json:"token"`
	} `json:"content"`
	Message string `json:"message"`
}

type loginControlResponse struct {
	Success bool   `json:"success"`
	Content struct {
		Hash string `json:"hash"`
	} `json:"content"`
	Message string `json:"message"`
}

// BeginLogin performs the password step and returns once the SMS challenge
// has been issued by the server. The coordinator transitions to CHALLENGED.
func (c *Coordinator) BeginLogin(ctx context.Context, username, password string) error {
	const path = "/api/LoginUser"
	body := map[string]string{"username": username, "password": password}

	var resp loginUserResponse
	if err := c.post(ctx, path, "", body, &resp); err != nil {
		if _, ok := err.(*AuthError); ok {
			c.toUnauth()
		}
		return err
	}
	if !resp.Success {
		c.toUnauth()
		return &AuthError{Reason: resp.Message}
	}

	c.mu.Lock()
	c.pendingToken = resp.Content.Token
	c.state = StateChallenged
	c.mu.Unlock()
	return nil
}

// CompleteLogin verifies the SMS code and, on success, obtains the session
// hash and persists the resulting Session through the store. Transitions to
// AUTHENTICATED.
func (c *Coordinator) CompleteLogin(ctx context.Context, smsCode string) (*session.Session, error) {
	c.mu.Lock()
	if c.state != StateChallenged {
		c.mu.Unlock()
		return nil, &AuthError{Reason: "completeLogin called outside CHALLENGED state"}
	}
	token := c.pendingToken
	c.mu.Unlock()

	const path = "/api/LoginUserControl"
	body := map[string]string{"token": token, "smsCode": smsCode}

	var resp loginControlResponse
	if err := c.post(ctx, path, "", body, &resp); err != nil {
		c.toUnauth()
		return nil, err
	}
	if !resp.Success {
		c.toUnauth()
		return nil, &AuthError{Reason: resp.Message}
	}

	now := time.Now()
	sess := session.Session{
		Token:         token,
		Hash:          resp.Content.Hash,
		IssuedAt:      now,
		ExpiresAt:     now.Add(c.ttl),
		LastRefreshAt: now,
		Metadata:      session.Metadata{Username: "", Hostname: c.hostname},
	}
	if err := c.commit(sess); err != nil {
		return nil, &FatalError{Detail: "persisting session after login", Cause: err}
	}
	return c.Session(), nil
}

// Refresh re-validates the current session with the server. Concurrent
// callers observe one in-flight refresh and share its result.
func (c *Coordinator) Refresh(ctx context.Context) (*session.Session, error) {
	c.refreshMu.Lock()
	if call := c.refreshInFlight; call != nil {
		c.refreshMu.Unlock()
		<-call.done
		return call.sess, call.err
	}
	call := &refreshCall{done: make(chan struct{})}
	c.refreshInFlight = call
	c.refreshMu.Unlock()

	sess, err := c.doRefresh(ctx)

	c.refreshMu.Lock()
	call.sess, call.err = sess, err
	c.refreshInFlight = nil
	c.refreshMu.Unlock()
	close(call.done)

	return sess, err
}

func (c *Coordinator) doRefresh(ctx context.Context) (*session.Session, error) {
	c.mu.RLock()
	cur := c.current
	state := c.state
	c.mu.RUnlock()
	if state != StateAuthenticated || cur == nil {
		return nil, &AuthError{Reason: "refresh called outside AUTHENTICATED state"}
	}

	const path = "/api/SessionRefresh"
	var resp loginControlResponse
	if err := c.post(ctx, path, cur.Hash, nil, &resp); err != nil {
		c.toUnauth()
		return nil, err
	}
	if !resp.Success {
		c.toUnauth()
		return nil, &AuthError{Reason: resp.Message}
	}

	now := time.Now()
	next := session.Session{
		Token:         cur.Token,
		Hash:          resp.Content.Hash,
		IssuedAt:      cur.IssuedAt,
		ExpiresAt:     now.Add(c.ttl),
		LastRefreshAt: now,
		Metadata:      cur.Metadata,
	}
	if err := c.commit(next); err != nil {
		return nil, &FatalError{Detail: "persisting session after refresh", Cause: err}
	}
	return c.Session(), nil
}

// Logout clears the session both in memory and on disk and returns to UNAUTH.
func (c *Coordinator) Logout() error {
	c.toUnauth()
	if c.store != nil {
		return c.store.Clear()
	}
	return nil
}

func (c *Coordinator) commit(sess session.Session) error {
	if c.store != nil {
		if err := c.store.Save(sess); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.current = &sess
	c.state = StateAuthenticated
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) toUnauth() {
	c.mu.Lock()
	c.current = nil
	c.pendingToken = ""
	c.state = StateUnauth
	c.mu.Unlock()
	if c.store != nil {
		_ = c.store.Clear()
	}
}

func (c *Coordinator) post(ctx context.Context, path, hash string, body interface{}, out interface{}) error {
	headers, err := sign.Sign(c.apiKey, c.hostname, path, hash)
	if err != nil {
		return &FatalError{Detail: "signing request", Cause: err}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("APIKEY", headers.APIKey)
	req.Header.Set("Authorization", headers.Authorization)
	req.Header.Set("Checker", headers.Checker)

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		resp, err = c.httpClient.Do(req)
		if err == nil {
			break
		}
		if attempt >= 2 {
			return &TransientError{Cause: err}
		}
		if sleepErr := ctxtime.Sleep(ctx, backoff(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Reason: fmt.Sprintf("HTTP %d calling %s", resp.StatusCode, path)}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return &TransientError{Cause: fmt.Errorf("HTTP %d calling %s", resp.StatusCode, path)}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &FatalError{Detail: fmt.Sprintf("HTTP %d calling %s", resp.StatusCode, path)}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func backoff(attempt int) time.Duration {
	d := 100 * time.Millisecond
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}
