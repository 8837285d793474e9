// Package memory provides an in-process event bus. Delivery is synchronous
// and nothing is persisted, which suits single-process deployments and tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/ahrav/qark-armada/internal/domain/events"
)

type subscription struct {
	id      uint64
	types   map[events.EventType]struct{}
	handler events.HandlerFunc
}

// Bus fans published envelopes out to every subscriber registered for the
// envelope's type.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	closed bool
}

// NewBus creates an empty in-memory bus.
func NewBus() *Bus { return new(Bus) }

var (
	_ events.EventBus             = (*Bus)(nil)
	_ events.DomainEventPublisher = (*Bus)(nil)
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// Subscribe registers handler until ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	types := make(map[events.EventType]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, types: types, handler: handler})
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()
	return nil
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers evt to matching subscribers in subscription order. Every
// subscriber is called; their errors are joined.
func (b *Bus) Publish(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := events.ApplyOptions(opts)
	if params.Key != "" {
		evt.Key = params.Key
	}
	if params.Headers != nil {
		evt.Headers = params.Headers
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	// Copy handlers so they run without the lock held.
	var handlers []events.HandlerFunc
	for _, s := range b.subs {
		if _, ok := s.types[evt.Type]; ok {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishDomainEvent wraps event in an envelope and publishes it.
func (b *Bus) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	return b.Publish(ctx, events.NewEnvelope(event, opts...))
}

// Close drops every subscription. Later publishes fail with ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
	return nil
}
