package events

import "time"

// DomainEvent is implemented by every event the domain emits. Events are
// immutable facts about something that already happened.
type DomainEvent interface {
	EventType() EventType
	OccurredAt() time.Time
}

// EventEnvelope is the transport level wrapper around a domain event. It
// carries routing metadata next to the payload so buses do not need to know
// about concrete event types.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically the job id.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload is the domain event itself.
	Payload DomainEvent
}
