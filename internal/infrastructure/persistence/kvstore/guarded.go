package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/stillpoint/progression/internal/domain/progression"
	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/pkg/circuitbreaker"
)

// Guarded wraps a remote key-value backend with a per-operation timeout and a
// circuit breaker, so a dead backend fails fast instead of stalling every
// progression write.
type Guarded struct {
	next    progression.KeyValueStore
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
}

// NewGuarded wraps next. A zero timeout disables the per-operation deadline.
func NewGuarded(next progression.KeyValueStore, breaker *circuitbreaker.CircuitBreaker, timeout time.Duration) *Guarded {
	return &Guarded{next: next, breaker: breaker, timeout: timeout}
}

// Get implements progression.KeyValueStore.
func (g *Guarded) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := g.do(ctx, func(ctx context.Context) error {
		var err error
		value, found, err = g.next.Get(ctx, key)
		return err
	})
	return value, found, err
}

// Set implements progression.KeyValueStore.
func (g *Guarded) Set(ctx context.Context, key string, value []byte) error {
	return g.do(ctx, func(ctx context.Context) error {
		return g.next.Set(ctx, key, value)
	})
}

// Remove implements progression.KeyValueStore.
func (g *Guarded) Remove(ctx context.Context, key string) error {
	return g.do(ctx, func(ctx context.Context) error {
		return g.next.Remove(ctx, key)
	})
}

// State returns the breaker state.
func (g *Guarded) State() circuitbreaker.State {
	return g.breaker.State()
}

func (g *Guarded) do(ctx context.Context, fn func(context.Context) error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	err := g.breaker.Execute(ctx, fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return shared.WrapError("store", "Access", shared.ErrStoreUnavailable, g.breaker.Name(), err)
	case errors.Is(err, context.DeadlineExceeded):
		return shared.WrapError("store", "Access", shared.ErrStoreTimeout, g.breaker.Name(), err)
	default:
		return err
	}
}
