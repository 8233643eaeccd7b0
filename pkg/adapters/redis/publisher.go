package redis

import (
	"context"
	"encoding/json"
	"fmt"

	backend "github.com/redis/go-redis/v9"

	"github.com/aretw0/storyguard/pkg/domain"
)

// Publisher implements ports.EventPublisher with redis PUBLISH.
// Every event goes to a single channel as JSON.
type Publisher struct {
	client  *backend.Client
	channel string
}

// NewPublisher publishes on prefix + "events" (DefaultPrefix when empty).
func NewPublisher(client *backend.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{client: client, channel: prefix + "events"}
}

// Channel returns the pub/sub channel name.
func (p *Publisher) Channel() string {
	return p.channel
}

// Publish sends evt to the channel.
func (p *Publisher) Publish(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", evt.Type, err)
	}
	return nil
}
