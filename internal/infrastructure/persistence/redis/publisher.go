package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/pkg/retry"
)

// Publisher publishes progression events to a Redis pub/sub channel as JSON
// envelopes.
type Publisher struct {
	cmd     Commander
	channel string
	timeout time.Duration
}

// NewPublisher creates a Publisher. timeout bounds each PUBLISH issued through
// the context-less Publish method.
func NewPublisher(cmd Commander, channel string, timeout time.Duration) (*Publisher, error) {
	if channel == "" {
		return nil, ErrChannelEmpty
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Publisher{cmd: cmd, channel: channel, timeout: timeout}, nil
}

var _ shared.EventPublisher = (*Publisher)(nil)

// Channel returns the channel name.
func (p *Publisher) Channel() string {
	return p.channel
}

// Publish implements shared.EventPublisher.
func (p *Publisher) Publish(event shared.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.PublishContext(ctx, event)
}

// PublishContext publishes one event. An event that cannot be encoded
// fails permanently.
func (p *Publisher) PublishContext(ctx context.Context, event shared.Event) error {
	env, err := shared.NewEventEnvelope(event)
	if err != nil {
		return retry.Permanent(err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return retry.Permanent(fmt.Errorf("redis: marshal envelope: %w", err))
	}
	if err := p.cmd.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", env.Type, err)
	}
	return nil
}
