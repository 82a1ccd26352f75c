package marketplace

import (
	"errors"
	"net/http"
	"time"
)

type config struct {
	requestTimeout time.Duration
	maxAttempts    int
	retryBaseDelay time.Duration
	httpClient     *http.Client
}

var defaultConfig = config{
	requestTimeout: time.Second * 30,
	maxAttempts:    4,
	retryBaseDelay: time.Millisecond * 500,
}

// Option configures the Client.
type Option func(*config) error

// WithRequestTimeout bounds every single HTTP call.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return errors.New("request timeout must be positive")
		}
		c.requestTimeout = d
		return nil
	}
}

// WithMaxAttempts sets the maximum number of calls made for a single operation.
func WithMaxAttempts(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return errors.New("max attempts must be at least one")
		}
		c.maxAttempts = n
		return nil
	}
}

// WithRetryBaseDelay sets the delay before the first retry. Each following
// retry doubles it.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return errors.New("retry base delay must be positive")
		}
		c.retryBaseDelay = d
		return nil
	}
}

// WithHTTPClient sets the HTTP client used for calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) error {
		if hc == nil {
			return errors.New("http client is nil")
		}
		c.httpClient = hc
		return nil
	}
}
