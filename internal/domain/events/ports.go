// Package events provides domain event handling capabilities for communicating state changes
// and important activities across system boundaries in a decoupled way.
package events

import "context"

// DomainEventPublisher publishes domain events to notify other parts of the system about
// important domain changes. It provides a technology-agnostic interface to decouple event
// producers from the underlying messaging infrastructure.
type DomainEventPublisher interface {
	// PublishDomainEvent sends a domain event to interested subscribers. The provided context
	// controls cancellation and deadlines. Optional PublishOptions configure routing behavior.
	PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error
}

// HandlerFunc processes a single envelope delivered by an EventBus.
type HandlerFunc func(ctx context.Context, evt EventEnvelope) error

// EventBus enables publishing and subscribing to domain events across system boundaries.
type EventBus interface {
	// Publish broadcasts an envelope to all interested subscribers.
	Publish(ctx context.Context, event EventEnvelope, opts ...PublishOption) error

	// Subscribe registers a handler for the given event types. The subscription
	// lives until ctx is cancelled.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) error

	// Close releases resources held by the bus.
	Close() error
}
