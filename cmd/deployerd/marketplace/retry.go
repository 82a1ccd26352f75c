package marketplace

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/textileio/deploy-core/deployer"
)

const maxRetryInterval = time.Hour

// callWithRetry calls f until it succeeds, returns a permanent error, or the
// attempts are exhausted. The n-th retry waits retryBaseDelay * 2^(n-1).
func (c *Client) callWithRetry(ctx context.Context, op string, f func(ctx context.Context) error) error {
	var attempt int
	policy := backoff.WithContext(newBackOff(c.conf.retryBaseDelay, c.conf.maxAttempts), ctx)
	return backoff.RetryNotify(func() error {
		attempt++
		return f(ctx)
	}, policy, func(err error, d time.Duration) {
		log.Warnf("call to %s failed (attempt %d/%d), retrying in %s: %s", op, attempt, c.conf.maxAttempts, d, err)
	})
}

// newBackOff returns the delays between maxAttempts attempts: base, 2*base,
// 4*base and so on, without jitter.
func newBackOff(base time.Duration, maxAttempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxRetryInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(maxAttempts-1))
}

// isTransientNetErr returns true for timeouts, resets, refused connections
// and connections closed mid-response.
func isTransientNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func permanent(kind deployer.Kind, format string, args ...interface{}) error {
	return backoff.Permanent(deployer.Errorf(kind, format, args...))
}
