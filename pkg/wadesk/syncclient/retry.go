package syncclient

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// RetryPolicy controls the exponential backoff for API calls.
type RetryPolicy struct {
	// Base is the first backoff interval.
	Base time.Duration
	// Cap bounds the backoff growth.
	Cap time.Duration
	// MaxAttempts caps total tries (0 = single attempt, no retry).
	MaxAttempts int
}

// DefaultRetryPolicy doubles from 500ms up to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        500 * time.Millisecond,
		Cap:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// backoff returns the delay before the given retry attempt (1-based),
// with up to 25% jitter so reconnecting clients spread out.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// statusError is an API response with a non-2xx status.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return http.StatusText(e.Status)
}

// isRetryable reports whether an attempt is worth repeating. Network
// failures, timeouts, 5xx and 429 are transient; other 4xx responses
// will fail the same way every time.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.Status >= 500 || se.Status == http.StatusTooManyRequests
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}

	// Remaining transport-level errors (connection refused, reset, DNS).
	return true
}

// doWithRetry runs fn until it succeeds, fails permanently, or attempts
// run out.
func (c *Client) doWithRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if attempt >= c.retry.MaxAttempts {
			return err
		}

		delay := c.retry.backoff(attempt)
		c.logger.Warn("request failed, retrying",
			"op", op, "attempt", attempt, "backoff", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
