// Package eventbus is the in-process event surface of the engine.
//
// Handlers run synchronously on the publishing goroutine, in subscription
// order. Streams receive a copy of every event without blocking the
// publisher; a slow stream drops events.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/storyguard/internal/logging"
	"github.com/aretw0/storyguard/pkg/domain"
	"github.com/aretw0/storyguard/pkg/ports"
)

// Handler reacts to a single event.
type Handler func(ctx context.Context, evt domain.Event) error

type subscription struct {
	id      uint64
	typ     domain.EventType // empty matches every type
	handler Handler
}

// Bus dispatches events to subscribers. Safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    []subscription
	streams map[chan domain.Event]struct{}
	forward ports.EventPublisher
	logger  *slog.Logger
}

// Option configures the Bus.
type Option func(*Bus)

// WithForward mirrors every published event to an outbound publisher
// (redis, analytics). Forwarding errors are logged, never returned.
func WithForward(p ports.EventPublisher) Option {
	return func(b *Bus) {
		b.forward = p
	}
}

// WithLogger configures the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		streams: make(map[chan domain.Event]struct{}),
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "eventbus")
	return b
}

// Subscribe registers h for events of type typ.
// The returned func removes the subscription.
func (b *Bus) Subscribe(typ domain.EventType, h Handler) func() {
	return b.add(typ, h)
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.add("", h)
}

func (b *Bus) add(typ domain.EventType, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, typ: typ, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Stream opens a buffered channel that receives every event published after
// the call. The returned func closes the channel; it is safe to call twice.
func (b *Bus) Stream(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan domain.Event, buffer)

	b.mu.Lock()
	b.streams[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.streams[ch]; ok {
			delete(b.streams, ch)
			close(ch)
		}
	}
}

// Publish delivers evt to every matching handler and stream.
// Handler errors are joined; one failing handler does not stop the others.
func (b *Bus) Publish(ctx context.Context, evt domain.Event) error {
	if evt.Type == "" {
		return errors.New("event type is required")
	}

	// 1. Snapshot handlers so they may subscribe or publish re-entrantly.
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.typ == "" || s.typ == evt.Type {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	// 2. Fan out to streams without blocking.
	b.broadcast(evt)

	// 3. Mirror outbound.
	if b.forward != nil {
		if err := b.forward.Publish(ctx, evt); err != nil {
			b.logger.Warn("forward failed", "type", evt.Type, "error", err)
		}
	}

	// 4. Dispatch.
	var errs []error
	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", evt.Type, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) broadcast(evt domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.streams {
		select {
		case ch <- evt:
		default:
			b.logger.Debug("stream full, dropping event", "type", evt.Type)
		}
	}
}
