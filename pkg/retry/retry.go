// Package retry runs an operation again after transient failures, doubling
// the pause between attempts up to a ceiling. The server uses it to open its
// storage backends and the event dispatcher uses it to deliver to sinks;
// progression operations themselves never retry.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// PERMANENT FAILURES
// ══════════════════════════════════════════════════════════════════════════════

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth another attempt, e.g. an event that cannot
// be encoded. Policy.Do stops at the first permanent error and returns it
// still marked, so callers can tell it apart with IsPermanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked with
// Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ══════════════════════════════════════════════════════════════════════════════
// POLICY
// ══════════════════════════════════════════════════════════════════════════════

// Policy describes how many times and how patiently an operation is retried.
// The zero value runs the operation once.
type Policy struct {
	// Attempts including the first one; values below 1 mean 1.
	Attempts int

	// Initial is the pause after the first failure. Each further pause
	// doubles, capped at Max.
	Initial time.Duration
	Max     time.Duration

	// Jitter spreads each pause by up to ±Jitter of its length (0..1).
	Jitter float64

	// ShouldRetry decides whether a non-permanent error gets another
	// attempt; nil retries all of them.
	ShouldRetry func(err error) bool

	// OnRetry is called before each pause.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// StoreConnect is the policy for opening storage backends at startup: five
// attempts over roughly six seconds, every error retried.
func StoreConnect(onRetry func(attempt int, err error, delay time.Duration)) Policy {
	return Policy{
		Attempts: 5,
		Initial:  200 * time.Millisecond,
		Max:      5 * time.Second,
		Jitter:   0.2,
		OnRetry:  onRetry,
	}
}

// Do runs op until it succeeds, fails permanently, ShouldRetry rejects the
// error or the attempts run out. The last error is returned as is. A context
// cancelled during a pause ends the loop with the last operation error.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}

		if err = op(ctx); err == nil {
			return nil
		}
		if attempt >= attempts || IsPermanent(err) {
			return err
		}
		if p.ShouldRetry != nil && !p.ShouldRetry(err) {
			return err
		}

		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// Backoff returns the pause after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.Initial
	for i := 1; i < attempt; i++ {
		if p.Max > 0 && d >= p.Max {
			break
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}

	if p.Jitter > 0 {
		spread := float64(d) * min(p.Jitter, 1) * (rand.Float64()*2 - 1)
		d += time.Duration(spread)
	}
	return max(d, 0)
}
