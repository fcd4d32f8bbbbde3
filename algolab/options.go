package algolab

import (
	"net/http"
	"os"
	"time"
)

// Credentials are the static, per-process secrets used to sign every request
// and to drive the two-step login. Immutable once constructed; never logged.
type Credentials struct {
	APIKey   string
	Username string
	Password string
	Hostname string
}

func (c Credentials) populateFromEnv() Credentials {
	if c.APIKey == "" {
		c.APIKey = os.Getenv("ALGOLAB_API_KEY")
	}
	if c.Username == "" {
		c.Username = os.Getenv("ALGOLAB_USERNAME")
	}
	if c.Password == "" {
		c.Password = os.Getenv("ALGOLAB_PASSWORD")
	}
	if c.Hostname == "" {
		c.Hostname = os.Getenv("ALGOLAB_HOSTNAME")
	}
	return c
}

// ClientOpts configures the request client (C3).
type ClientOpts struct {
	Credentials Credentials
	BaseURL     string

	// Timeout bounds a single request/response call. Default 30s.
	Timeout time.Duration
	// RetryLimit is the number of additional attempts for Transient errors
	// on safe (idempotent) operations. Default 3.
	RetryLimit int
	// RetryBaseDelay is the base of the exponential backoff between retries
	// (delay = RetryBaseDelay * 2^attempt, jittered ±20%). Default 100ms.
	RetryBaseDelay time.Duration

	// SessionPath overrides the session store's file location.
	SessionPath string

	HTTPClient *http.Client
	Logger     Logger
}

func defaultOpts(opts ClientOpts) ClientOpts {
	opts.Credentials = opts.Credentials.populateFromEnv()
	if opts.BaseURL == "" {
		if s := os.Getenv("ALGOLAB_BASE_URL"); s != "" {
			opts.BaseURL = s
		} else {
			opts.BaseURL = "https://www.algolab.com.tr"
		}
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryLimit == 0 {
		opts.RetryLimit = 3
	}
	if opts.RetryBaseDelay == 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.SessionPath == "" {
		if s := os.Getenv("ALGOLAB_SESSION_PATH"); s != "" {
			opts.SessionPath = s
		}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = newStdLog()
	}
	return opts
}
