// Package kafka publishes job lifecycle events to Kafka and consumes them
// back through a consumer group.
package kafka

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/qark-armada/internal/domain/events"
	"github.com/ahrav/qark-armada/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/qark-armada/internal/infra/eventbus/reliability"
	"github.com/ahrav/qark-armada/pkg/common/logger"
)

// EventBusConfig names the topic and consumer group used for job events.
type EventBusConfig struct {
	Topic   string
	GroupID string
}

var (
	_ events.EventBus             = (*EventBus)(nil)
	_ events.DomainEventPublisher = (*EventBus)(nil)
)

// EventBus implements events.EventBus on a single lifecycle topic. Every
// event for a job is keyed by the job id.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup
	topic         string

	// newBackOff paces resends of critical events.
	newBackOff func() backoff.BackOff

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics BrokerMetrics
}

const criticalSendRetries = 3

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithMaxRetries(b, criticalSendRetries)
}

// NewEventBus creates an event bus over an existing producer and consumer
// group. consumerGroup may be nil for publish-only use.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *EventBusConfig,
	logger *logger.Logger,
	metrics BrokerMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka event bus requires a topic")
	}
	return &EventBus{
		producer:      producer,
		consumerGroup: consumerGroup,
		topic:         cfg.Topic,
		newBackOff:    defaultBackOff,
		logger:        logger.With("component", "kafka_event_bus", "topic", cfg.Topic),
		tracer:        tracer,
		metrics:       metrics,
	}, nil
}

// Publish sends the envelope to the lifecycle topic. Critical events are
// resent with backoff before the error is returned.
func (k *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	ctx, span := tracing.StartProducerSpan(ctx, k.topic, k.tracer)
	defer span.End()

	params := events.ApplyOptions(opts)
	if params.Key != "" {
		event.Key = params.Key
	}
	if params.Headers != nil {
		event.Headers = params.Headers
	}
	span.SetAttributes(
		attribute.String("event.type", string(event.Type)),
		attribute.String("event.key", event.Key),
	)

	msgBytes, err := encodeEnvelope(event)
	if err != nil {
		span.RecordError(err)
		k.metrics.IncPublishError(ctx, k.topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(msgBytes),
	}
	for name, value := range event.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(name), Value: []byte(value)})
	}
	tracing.InjectTraceContext(ctx, msg)

	var partition int32
	var offset int64
	send := func() error {
		var err error
		partition, offset, err = k.producer.SendMessage(msg)
		if err != nil {
			span.RecordError(err)
			k.metrics.IncPublishError(ctx, k.topic)
		}
		return err
	}

	if reliability.IsCriticalEvent(event.Type) {
		err = backoff.Retry(send, backoff.WithContext(k.newBackOff(), ctx))
	} else {
		err = send()
	}
	if err != nil {
		return fmt.Errorf("failed to send message to kafka topic %s: %w", k.topic, err)
	}

	k.metrics.IncMessagePublished(ctx, k.topic)
	k.logger.Debug(ctx, "Published message to Kafka",
		"partition", partition,
		"offset", offset,
		"event_type", event.Type,
		"key", event.Key,
	)
	return nil
}

// PublishDomainEvent wraps event in an envelope and publishes it.
func (k *EventBus) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	return k.Publish(ctx, events.NewEnvelope(event, opts...))
}

// Subscribe consumes the lifecycle topic until ctx is cancelled, handing
// events of the requested types to handler. Decoded payloads are RawEvent values.
func (k *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if k.consumerGroup == nil {
		return fmt.Errorf("kafka event bus has no consumer group")
	}

	h := &consumerHandler{
		topic:   k.topic,
		types:   slices.Clone(eventTypes),
		handler: handler,
		logger:  k.logger,
		tracer:  k.tracer,
		metrics: k.metrics,
	}
	go k.consumeLoop(ctx, h)

	k.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes)
	return nil
}

func (k *EventBus) consumeLoop(ctx context.Context, h *consumerHandler) {
	for {
		if err := k.consumerGroup.Consume(ctx, []string{k.topic}, h); err != nil {
			k.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Close shuts down the producer and, if present, the consumer group.
func (k *EventBus) Close() error {
	if err := k.producer.Close(); err != nil {
		return err
	}
	if k.consumerGroup != nil {
		return k.consumerGroup.Close()
	}
	return nil
}

// consumerHandler implements sarama.ConsumerGroupHandler.
type consumerHandler struct {
	topic   string
	types   []events.EventType
	handler events.HandlerFunc

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics BrokerMetrics
}

func (h *consumerHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *consumerHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *consumerHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.handle(sess.Context(), msg)
		sess.MarkMessage(msg, "")
	}
	return nil
}

func (h *consumerHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) {
	ctx = tracing.ExtractTraceContext(ctx, msg)
	ctx, span := tracing.StartConsumerSpan(ctx, msg, h.tracer)
	defer span.End()

	evt, err := decodeEnvelope(msg.Value)
	if err != nil {
		span.RecordError(err)
		h.metrics.IncConsumeError(ctx, h.topic)
		h.logger.Warn(ctx, "Dropping undecodable message", "offset", msg.Offset, "error", err)
		return
	}
	if !slices.Contains(h.types, evt.Type) {
		return
	}
	for _, hdr := range msg.Headers {
		if hdr == nil {
			continue
		}
		if evt.Headers == nil {
			evt.Headers = make(map[string]string)
		}
		evt.Headers[string(hdr.Key)] = string(hdr.Value)
	}

	if err := h.handler(ctx, evt); err != nil {
		span.RecordError(err)
		h.metrics.IncConsumeError(ctx, h.topic)
		h.logger.Error(ctx, "Failed to handle message", "event_type", evt.Type, "error", err)
		return
	}
	h.metrics.IncMessageConsumed(ctx, h.topic)
}
