package ports

import (
	"context"

	"github.com/aretw0/storyguard/pkg/domain"
)

// EventPublisher forwards engine events to an outbound channel (analytics, other services).
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}
