// Package retry re-runs a function while it fails with errors the caller deems retryable.
package retry

import (
	"math"
	"time"
)

/*
	Retries up to MaxAttempts extra times, until Timeout, or until RetryOn returns false for the error got.
	The wait between the i-th and (i+1)-th attempt is `min( BaseDelay * ( Exp ^ i + Jitter ), MaxBackoff )`;
	the default BaseDelay of zero retries right away.
*/

// RetryOnFn decides whether to retry on given error
type RetryOnFn func(error) bool

type retryConfig struct {
	MaxAttempts int64
	MaxBackoff  time.Duration
	// zero means no timeout
	Timeout   time.Duration
	Jitter    float64
	BaseDelay time.Duration
	Exp       float64
	RetryOn   RetryOnFn
}

type RetryOption func(*retryConfig)

func defaultRetryConfig() *retryConfig {
	return &retryConfig{
		MaxAttempts: math.MaxInt64,
		MaxBackoff:  time.Duration(math.MaxInt64),
		Exp:         1,
		RetryOn:     func(error) bool { return false },
	}
}

func WithMaxAttempts(a int64) RetryOption {
	return func(c *retryConfig) {
		c.MaxAttempts = a
	}
}

func WithTimeout(t time.Duration) RetryOption {
	return func(c *retryConfig) {
		c.Timeout = t
	}
}

func WithJitter(j float64) RetryOption {
	return func(c *retryConfig) {
		c.Jitter = j
	}
}

func WithBaseDelay(t time.Duration) RetryOption {
	return func(c *retryConfig) {
		c.BaseDelay = t
	}
}

func WithExp(e float64) RetryOption {
	return func(c *retryConfig) {
		c.Exp = e
	}
}

func WithRetryOn(f RetryOnFn) RetryOption {
	return func(c *retryConfig) {
		c.RetryOn = f
	}
}

func WithMaxBackoff(b time.Duration) RetryOption {
	return func(c *retryConfig) {
		c.MaxBackoff = b
	}
}

// Retry calls f, then calls it again as configured by opts. It returns the error of the last call, or
// ErrTimedOut
func Retry(f func() error, opts ...RetryOption) error {
	cfg := defaultRetryConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	// fire f first in case it doesn't need retry at all
	err := f()
	if !cfg.RetryOn(err) {
		return err
	}
	// receive from nil chan always block, representing no timeout
	var timeout <-chan time.Time
	if cfg.Timeout > 0 {
		t := time.NewTimer(cfg.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	for i := int64(0); i < cfg.MaxAttempts; i++ {
		factor := math.Pow(cfg.Exp, float64(i)) + cfg.Jitter
		// cap the delay to the max of time.Duration, which is ~290 years
		delay := time.Duration(math.Min(float64(cfg.BaseDelay.Nanoseconds())*factor, math.MaxInt64))
		if delay > cfg.MaxBackoff {
			delay = cfg.MaxBackoff
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
			err = f()
			if !cfg.RetryOn(err) {
				return err
			}
		case <-timeout:
			t.Stop()
			return ErrTimedOut
		}
	}
	return err
}

type errRetry string

func (e errRetry) Error() string {
	return string(e)
}

const ErrTimedOut errRetry = "retry timed out"
