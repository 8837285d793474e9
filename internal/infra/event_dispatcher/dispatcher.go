package eventdispatcher

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/qark-armada/internal/domain/events"
	"github.com/ahrav/qark-armada/pkg/common/logger"
)

// Dispatcher routes event envelopes to the single handler registered for
// their type. It is itself an events.HandlerFunc via Dispatch, so one bus
// subscription can serve every registered type:
//
//	d := eventdispatcher.New(tracer, log)
//	d.RegisterHandler(ctx, scanning.EventTypeJobFailed, onFailed)
//	bus.Subscribe(ctx, d.EventTypes(), d.Dispatch)
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[events.EventType]events.HandlerFunc
	tracer   trace.Tracer
	logger   *logger.Logger
}

// New constructs a Dispatcher with no handlers registered.
func New(tracer trace.Tracer, logger *logger.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[events.EventType]events.HandlerFunc),
		tracer:   tracer,
		logger:   logger.With("component", "event_dispatcher"),
	}
}

// RegisterHandler associates a handler with an event type, replacing any
// handler already registered for it. Safe for concurrent use.
func (d *Dispatcher) RegisterHandler(ctx context.Context, eventType events.EventType, handler events.HandlerFunc) {
	_, span := d.tracer.Start(ctx, "event_dispatcher.register_handler",
		trace.WithAttributes(attribute.String("event_type", string(eventType))),
	)
	defer span.End()

	d.mu.Lock()
	d.handlers[eventType] = handler
	d.mu.Unlock()

	d.logger.Debug(ctx, "handler registered", "event_type", eventType)
	span.SetStatus(codes.Ok, "handler registered")
}

// EventTypes returns the registered event types in a stable order.
func (d *Dispatcher) EventTypes() []events.EventType {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]events.EventType, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// HandlerNotFoundError indicates no handler is registered for an event type.
type HandlerNotFoundError struct {
	EventType events.EventType
	Key       string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for event type: %s (key: %s)", e.EventType, e.Key)
}

// Dispatch hands evt to its registered handler. It returns a
// *HandlerNotFoundError when the type is unknown and wraps any handler error.
func (d *Dispatcher) Dispatch(ctx context.Context, evt events.EventEnvelope) error {
	ctx, span := d.tracer.Start(ctx, "event_dispatcher.handle_event",
		trace.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.String("event_key", evt.Key),
		))
	defer span.End()

	d.mu.RLock()
	handler, exists := d.handlers[evt.Type]
	d.mu.RUnlock()
	if !exists {
		err := &HandlerNotFoundError{EventType: evt.Type, Key: evt.Key}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := handler(ctx, evt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to dispatch event type %s: %w", evt.Type, err)
	}

	span.SetStatus(codes.Ok, "event dispatched successfully")
	d.logger.Debug(ctx, "event dispatched", "event_type", evt.Type, "key", evt.Key)
	return nil
}
