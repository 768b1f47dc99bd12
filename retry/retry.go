// Package retry provides an explicit retry policy for calls to external
// services. The policy is a plain value passed to each call site, so retry
// behavior stays testable and visible instead of hiding inside clients.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"
)

// Transient marks an error as retryable. Wrap provider and network errors in
// it when another attempt has a real chance of succeeding.
type Transient struct {
	Err error
}

func (t *Transient) Error() string {
	return fmt.Sprintf("transient: %v", t.Err)
}

func (t *Transient) Unwrap() error { return t.Err }

// MarkTransient wraps err so Retryable reports it as retryable.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &Transient{Err: err}
}

// Retryable reports whether err should be retried: anything marked
// Transient, context-free network timeouts, and temporary DNS failures.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var transient *Transient
	if errors.As(err, &transient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// Policy describes an exponential backoff schedule with jitter.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the backoff between attempts.
	MaxDelay time.Duration

	// Multiplier is applied to the delay after each failed attempt.
	Multiplier float64

	// Jitter adds up to Jitter*delay of random extra sleep per retry.
	Jitter float64
}

// DefaultPolicy mirrors the schedule used against the embedding and vector
// providers: 3 attempts, 1s base, doubling, capped at 60s, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempt ceiling is reached. The context is honored while sleeping between
// attempts; a single call to fn is never interrupted mid-flight.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}

		err = fn()
		if err == nil {
			return nil
		}
		if !Retryable(err) || attempt == attempts {
			return err
		}

		sleep := delay
		if p.Jitter > 0 {
			sleep += time.Duration(rand.Float64() * p.Jitter * float64(delay))
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}
