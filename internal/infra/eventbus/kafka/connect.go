package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/qark-armada/pkg/common/logger"
)

// ConnectEventBus creates the producer and consumer group from client,
// retrying with exponential backoff while the cluster is unavailable.
func ConnectEventBus(
	cfg *EventBusConfig,
	client sarama.Client,
	logger *logger.Logger,
	metrics BrokerMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka event bus requires a topic")
	}

	var bus *EventBus

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 2 * time.Minute
	expBackoff.InitialInterval = 2 * time.Second

	operation := func() error {
		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}

		consumerGroup, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
		if err != nil {
			producer.Close()
			return fmt.Errorf("creating consumer group: %w", err)
		}

		bus, err = NewEventBus(producer, consumerGroup, cfg, logger, metrics, tracer)
		return err
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect event bus after retries: %w", err)
	}
	return bus, nil
}
