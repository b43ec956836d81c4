package engine

import (
	"context"

	"github.com/stillpoint/progression/internal/domain/shared"
)

// Listener receives progression events after the operation that produced them
// has been persisted and the profile lock released. A listener may call back
// into the engine.
type Listener interface {
	OnEvent(ctx context.Context, event shared.Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event shared.Event)

// OnEvent implements Listener.
func (f ListenerFunc) OnEvent(ctx context.Context, event shared.Event) {
	f(ctx, event)
}

// MultiListener fans an event out to several listeners in order.
type MultiListener []Listener

// OnEvent implements Listener.
func (m MultiListener) OnEvent(ctx context.Context, event shared.Event) {
	for _, l := range m {
		if l != nil {
			l.OnEvent(ctx, event)
		}
	}
}

type nopListener struct{}

func (nopListener) OnEvent(context.Context, shared.Event) {}

// PublisherListener forwards events to a shared.EventPublisher.
// Publish errors are reported to onError.
func PublisherListener(pub shared.EventPublisher, onError func(shared.Event, error)) Listener {
	return ListenerFunc(func(_ context.Context, event shared.Event) {
		if err := pub.Publish(event); err != nil && onError != nil {
			onError(event, err)
		}
	})
}
