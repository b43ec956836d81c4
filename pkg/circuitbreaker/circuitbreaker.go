// Package circuitbreaker stops progression writes from piling up against a
// remote key-value backend (Redis, PostgreSQL) that has stopped answering.
//
// The breaker trips after a run of consecutive failures, rejects calls for a
// cooldown, then lets a single trial call through: its success closes the
// breaker, its failure starts a new cooldown.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen rejects calls during the cooldown.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests rejects calls while the trial call is in flight.
	ErrTooManyRequests = errors.New("circuit breaker trial call in flight")
)

// Settings configure a breaker.
type Settings struct {
	// Name shows up in state change callbacks and wrapped errors.
	Name string

	// TripAfter consecutive failures open the breaker (default 5).
	TripAfter int

	// Cooldown keeps the breaker open before the trial call (default 30s).
	Cooldown time.Duration

	// Ignore reports errors that say nothing about backend health; they
	// count as successes.
	Ignore func(err error) bool

	// OnStateChange is called under the breaker lock; keep it short.
	OnStateChange func(name string, from, to State)

	// Now defaults to time.Now.
	Now func() time.Time
}

// CircuitBreaker guards calls to one backend.
type CircuitBreaker struct {
	settings Settings

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
}

// New creates a closed breaker.
func New(s Settings) *CircuitBreaker {
	if s.TripAfter <= 0 {
		s.TripAfter = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return &CircuitBreaker{settings: s}
}

// StoreBreaker returns the breaker used in front of a remote key-value
// backend: three failures trip it for ten seconds. Context cancellation is
// the caller's doing and does not count against the backend.
func StoreBreaker(name string, onStateChange func(name string, from, to State)) *CircuitBreaker {
	return New(Settings{
		Name:          name,
		TripAfter:     3,
		Cooldown:      10 * time.Second,
		Ignore:        func(err error) bool { return errors.Is(err, context.Canceled) },
		OnStateChange: onStateChange,
	})
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.settings.Name
}

// State returns the current state. An open breaker whose cooldown has passed
// reports half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cooledDown() {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn unless the breaker rejects the call, and records the result.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.record(trial, err == nil || (cb.settings.Ignore != nil && cb.settings.Ignore(err)))
	return err
}

func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if !cb.cooledDown() {
			return false, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		fallthrough
	default:
		if cb.trial {
			return false, ErrTooManyRequests
		}
		cb.trial = true
		return true, nil
	}
}

func (cb *CircuitBreaker) record(trial, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trial = false
		if ok {
			cb.failures = 0
			cb.transition(StateClosed)
		} else {
			cb.trip()
		}
		return
	}

	// A call admitted while closed may finish after the breaker tripped.
	if cb.state != StateClosed {
		return
	}
	if ok {
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.failures >= cb.settings.TripAfter {
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.failures = 0
	cb.openedAt = cb.settings.Now()
	cb.transition(StateOpen)
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.settings.Now().Sub(cb.openedAt) >= cb.settings.Cooldown
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, from, to)
	}
}
