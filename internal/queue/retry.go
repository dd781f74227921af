package queue

import (
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// ErrPermanent marks failures that must not be retried.
var ErrPermanent = errors.New("permanent task failure")

type permanentError struct {
	err error
}

func (p *permanentError) Error() string {
	return p.err.Error()
}

func (p *permanentError) Unwrap() []error {
	return []error{p.err, ErrPermanent}
}

// Permanent wraps err so the engine fails the task without retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent or is otherwise
// never worth retrying.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) || errors.Is(err, ErrInvalidPayload)
}

// RetryPolicy decides whether a failed attempt is retried and how long to wait.
// attempt is the number of failed executions including the current one.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// FixedRetryPolicy retries up to MaxRetries times with a constant delay.
type FixedRetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// ShouldRetry allows a retry while attempt <= MaxRetries.
func (p FixedRetryPolicy) ShouldRetry(err error, attempt int) bool {
	return retryable(err) && attempt <= p.MaxRetries
}

// Backoff returns the configured constant delay.
func (p FixedRetryPolicy) Backoff(int) time.Duration {
	return p.Delay
}

// ExponentialRetryPolicy retries with jittered exponential backoff.
type ExponentialRetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewExponentialRetryPolicy builds a policy doubling from baseDelay up to maxDelay.
func NewExponentialRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &ExponentialRetryPolicy{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// ShouldRetry allows a retry while attempt <= maxRetries.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	return retryable(err) && attempt <= p.maxRetries
}

// Backoff returns half the capped exponential delay plus up to half again of jitter.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func retryable(err error) bool {
	return err != nil && !IsPermanent(err)
}
