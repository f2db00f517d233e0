// Package retry wraps a fallible remote call with bounded retries and
// exponential backoff. Classification decides whether an error consumes an
// attempt or aborts immediately; the executor itself carries no shared state
// and is safe to use concurrently for independent pages.
package retry

import (
	"context"
	"fmt"
	"time"
)

type Class int

const (
	Retryable Class = iota
	Fatal
)

// Classifier maps an operation error to Retryable or Fatal.
type Classifier func(error) Class

// ExhaustedError is returned when every attempt failed with a retryable
// error. It carries the attempt count and wraps the last underlying error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Policy holds the retry bounds. Sleep is injectable for tests; when nil a
// context-aware timer sleep is used.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Sleep       func(context.Context, time.Duration) error
}

// DefaultPolicy mirrors the backoff used for remote model calls: 3 attempts,
// 2s base delay, doubling, capped at 20s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 20 * time.Second}
}

// Do runs op until it succeeds, a fatal error occurs, or attempts run out.
// Fatal errors propagate unchanged. The attempt counter (1-based) is passed
// to op for logging and auditing.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error, classify Classifier) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if classify != nil && classify(err) == Fatal {
			return err
		}
		last = err
		if attempt == maxAttempts {
			break
		}
		if serr := sleep(ctx, p.delay(attempt)); serr != nil {
			return serr
		}
	}
	return &ExhaustedError{Attempts: maxAttempts, Err: last}
}

// delay grows exponentially with the attempt number: base, 2*base, 4*base,
// capped at MaxDelay.
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
