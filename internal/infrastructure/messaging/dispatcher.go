package messaging

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/pkg/logger"
	"github.com/stillpoint/progression/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER
// ══════════════════════════════════════════════════════════════════════════════

// Sink receives progression events outside the engine, e.g. a Redis channel
// or the PostgreSQL journal.
type Sink func(ctx context.Context, event shared.Event) error

// HandlerRegistration describes one sink.
type HandlerRegistration struct {
	// Name identifies the sink in logs and the dead letter queue.
	Name string

	// Sink delivers the event.
	Sink Sink

	// Types restricts the sink to these event types; empty means all.
	Types []shared.EventType

	// Enabled is consulted per event; nil means always.
	Enabled func(event shared.Event) bool

	// MaxAttempts including the first (default 3).
	MaxAttempts int

	// Timeout per attempt (default 5s).
	Timeout time.Duration
}

func (r HandlerRegistration) accepts(event shared.Event) bool {
	if r.Enabled != nil && !r.Enabled(event) {
		return false
	}
	if len(r.Types) == 0 {
		return true
	}
	for _, t := range r.Types {
		if t == event.EventType() {
			return true
		}
	}
	return false
}

// DispatcherConfig contains configuration for the Dispatcher.
type DispatcherConfig struct {
	// EventBus the dispatcher subscribes to
	EventBus shared.EventSubscriber

	// InitialBackoff before the first retry
	InitialBackoff time.Duration

	// DeadLetterQueueSize is the max size of the DLQ
	DeadLetterQueueSize int

	// Logger for structured logging
	Logger *logger.Logger
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig(bus shared.EventSubscriber) DispatcherConfig {
	return DispatcherConfig{
		EventBus:            bus,
		InitialBackoff:      100 * time.Millisecond,
		DeadLetterQueueSize: 1000,
	}
}

// Dispatcher routes events from a bus to registered sinks, retrying failed
// deliveries and parking exhausted ones in a dead letter queue.
type Dispatcher struct {
	bus     shared.EventSubscriber
	backoff time.Duration
	dlq     *DeadLetterQueue
	log     *logger.Logger

	mu    sync.RWMutex
	sinks []HandlerRegistration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher. Call Start to subscribe it to the bus.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.Logger == nil {
		config.Logger = logger.Default()
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		bus:     config.EventBus,
		backoff: config.InitialBackoff,
		dlq:     NewDeadLetterQueue(config.DeadLetterQueueSize),
		log:     config.Logger.With(logger.Component("dispatcher")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a sink.
func (d *Dispatcher) Register(reg HandlerRegistration) error {
	if reg.Name == "" || reg.Sink == nil {
		return fmt.Errorf("messaging: sink needs a name and a function")
	}
	if reg.MaxAttempts <= 0 {
		reg.MaxAttempts = 3
	}
	if reg.Timeout <= 0 {
		reg.Timeout = 5 * time.Second
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, reg)
	return nil
}

// Start subscribes the dispatcher to every event on the bus.
func (d *Dispatcher) Start() error {
	return d.bus.SubscribeAll(d.Dispatch)
}

// Dispatch delivers one event to every accepting sink and returns the first
// delivery error.
func (d *Dispatcher) Dispatch(event shared.Event) error {
	d.mu.RLock()
	sinks := append([]HandlerRegistration(nil), d.sinks...)
	d.mu.RUnlock()

	var firstErr error
	for _, reg := range sinks {
		if !reg.accepts(event) {
			continue
		}
		if err := d.deliver(event, reg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Dispatcher) deliver(event shared.Event, reg HandlerRegistration) error {
	attempts := 0
	policy := retry.Policy{
		Attempts:    reg.MaxAttempts,
		Initial:     d.backoff,
		Max:         5 * time.Second,
		Jitter:      0.1,
		ShouldRetry: func(error) bool { return d.ctx.Err() == nil },
		OnRetry: func(attempt int, err error, delay time.Duration) {
			d.log.Warn("sink attempt failed",
				logger.String("sink", reg.Name),
				logger.Int("attempt", attempt),
				logger.Duration("backoff", delay),
				logger.Err(err),
			)
		},
	}

	err := policy.Do(d.ctx, func(ctx context.Context) error {
		attempts++
		ctx, cancel := context.WithTimeout(ctx, reg.Timeout)
		defer cancel()
		return safeCall(ctx, reg.Sink, event)
	})
	if err == nil {
		return nil
	}

	// A permanent failure would fail the same way on redelivery.
	if retry.IsPermanent(err) {
		d.log.Error("sink rejected event",
			logger.String("sink", reg.Name),
			logger.String("event_type", string(event.EventType())),
			logger.Err(err),
		)
		return fmt.Errorf("sink %s rejected event: %w", reg.Name, err)
	}

	d.dlq.Add(DeadLetterEntry{
		Event:    event,
		Sink:     reg.Name,
		Error:    err,
		Attempts: attempts,
		FailedAt: time.Now(),
	})
	d.log.Error("sink gave up",
		logger.String("sink", reg.Name),
		logger.String("event_type", string(event.EventType())),
		logger.Int("attempts", attempts),
		logger.Err(err),
	)
	return fmt.Errorf("sink %s failed after %d attempts: %w", reg.Name, attempts, err)
}

// safeCall turns a sink panic into an error.
func safeCall(ctx context.Context, sink Sink, event shared.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sink panic: %v\n%s", p, debug.Stack())
		}
	}()
	return sink(ctx, event)
}

// Redeliver retries every entry currently in the dead letter queue against
// its sink. Entries that fail again go back to the queue; entries whose sink
// is no longer registered are dropped.
func (d *Dispatcher) Redeliver(ctx context.Context) (delivered, failed int) {
	pending := d.dlq.Size()
	for i := 0; i < pending; i++ {
		if ctx.Err() != nil {
			return delivered, failed
		}
		entry, ok := d.dlq.Pop()
		if !ok {
			break
		}

		reg, ok := d.sink(entry.Sink)
		if !ok {
			d.log.Warn("dropping dead letter for unknown sink",
				logger.String("sink", entry.Sink),
				logger.String("event_id", entry.Event.EventID()),
			)
			continue
		}

		if err := d.deliver(entry.Event, reg); err != nil {
			failed++
			continue
		}
		delivered++
	}
	return delivered, failed
}

func (d *Dispatcher) sink(name string) (HandlerRegistration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, reg := range d.sinks {
		if reg.Name == name {
			return reg, true
		}
	}
	return HandlerRegistration{}, false
}

// Stop cancels pending retries.
func (d *Dispatcher) Stop() {
	d.cancel()
}

// DeadLetterQueue returns the dead letter queue.
func (d *Dispatcher) DeadLetterQueue() *DeadLetterQueue {
	return d.dlq
}

// ══════════════════════════════════════════════════════════════════════════════
// DEAD LETTER QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// DeadLetterEntry represents a failed delivery.
type DeadLetterEntry struct {
	Event    shared.Event
	Sink     string
	Error    error
	Attempts int
	FailedAt time.Time
}

// DeadLetterQueue stores deliveries that exhausted their retries.
type DeadLetterQueue struct {
	mu      sync.RWMutex
	entries []DeadLetterEntry
	maxSize int
}

// NewDeadLetterQueue creates a new dead letter queue.
func NewDeadLetterQueue(maxSize int) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DeadLetterQueue{maxSize: maxSize}
}

// Add adds an entry, dropping the oldest at capacity.
func (q *DeadLetterQueue) Add(entry DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
}

// Entries returns all entries.
func (q *DeadLetterQueue) Entries() []DeadLetterEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]DeadLetterEntry, len(q.entries))
	copy(result, q.entries)
	return result
}

// Size returns the current queue size.
func (q *DeadLetterQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Pop removes and returns the oldest entry.
func (q *DeadLetterQueue) Pop() (DeadLetterEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return DeadLetterEntry{}, false
	}

	entry := q.entries[0]
	q.entries = q.entries[1:]
	return entry, true
}
