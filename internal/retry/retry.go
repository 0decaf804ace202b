// Package retry implements bounded exponential backoff for calls to external
// platforms (issue tracker, model API).
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Defaults for Policy fields left at zero.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// RateLimitError reports that the remote side asked us to slow down.
type RateLimitError struct {
	// RetryAfter is the server's requested delay, zero if not given.
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// temporary is implemented by errors that are worth retrying.
type temporary interface {
	Temporary() bool
}

// Retryable reports whether err should be retried.
func Retryable(err error) bool {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var t temporary
	return errors.As(err, &t) && t.Temporary()
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Policy configures the backoff. The delay before retry n (0-based) is
// Base * 2^n capped at Max, or the server's RetryAfter if larger.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Sleep waits for d or until ctx ends. Overridden in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the standard policy: 5 retries, 1s doubling to 30s.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay}
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Sleep == nil {
		p.Sleep = sleep
	}
	return p
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	p = p.withDefaults()
	d := p.BaseDelay
	for i := 0; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// retries run out. op names the operation in logs and errors.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			return &ExhaustedError{Op: op, Attempts: attempt + 1, Err: err}
		}

		var retryAfter time.Duration
		var rl *RateLimitError
		if errors.As(err, &rl) {
			retryAfter = rl.RetryAfter
		}
		d := p.Delay(attempt, retryAfter)
		log.Printf("[retry] %s failed (attempt %d/%d), retrying in %s: %v", op, attempt+1, p.MaxRetries+1, d, err)
		if serr := p.Sleep(ctx, d); serr != nil {
			return fmt.Errorf("%s: %w (last error: %v)", op, serr, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
