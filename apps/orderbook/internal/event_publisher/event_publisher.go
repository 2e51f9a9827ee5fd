package event_publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/events"
	"orderbook/apps/orderbook/internal/model"
)

const (
	publishInterval = 3 * time.Second
	publishBatch    = 100

	EffectTypeHeader = "effect_type"
)

type OutboxStore interface {
	GetUnsentEventsForProcessing(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkEventAsSent(ctx context.Context, id int64) error
	MarkEventAsFailed(ctx context.Context, id int64) error
}

// Producer is the part of *kafka.Producer the publisher uses.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Close()
}

// EventPublisher relays committed outbox rows to Kafka. Rows are keyed by their
// partition key so effects on the same collection or asset stay ordered.
type EventPublisher struct {
	logger     *zap.Logger
	producer   Producer
	topic      string
	repository OutboxStore
	mu         sync.Mutex
}

func NewEventPublisher(kafkaBroker, kafkaTopic string, logger *zap.Logger, repository OutboxStore) (*EventPublisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"acks":              "all",
		"retries":           3,
		"retry.backoff.ms":  100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return newEventPublisher(producer, kafkaTopic, logger, repository), nil
}

func newEventPublisher(producer Producer, kafkaTopic string, logger *zap.Logger, repository OutboxStore) *EventPublisher {
	return &EventPublisher{
		logger:     logger,
		producer:   producer,
		topic:      kafkaTopic,
		repository: repository,
	}
}

func (ep *EventPublisher) StartPublishing(ctx context.Context) {
	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ep.PublishUnsentEvents(ctx); err != nil {
				ep.logger.Error("Error publishing events to Kafka", zap.Error(err))
			}
		}
	}
}

// PublishUnsentEvents relays one batch and returns how many rows were marked sent.
func (ep *EventPublisher) PublishUnsentEvents(ctx context.Context) (int, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	outboxEvents, err := ep.repository.GetUnsentEventsForProcessing(ctx, publishBatch)
	if err != nil {
		return 0, err
	}

	successCount := 0
	for _, event := range outboxEvents {
		if err := ep.publishEventToKafka(event); err != nil {
			ep.logger.Error("Failed to publish event to Kafka",
				zap.Int64("outbox_id", event.ID),
				zap.String("effect_type", string(event.EffectType)),
				zap.Error(err))
			if markErr := ep.repository.MarkEventAsFailed(ctx, event.ID); markErr != nil {
				ep.logger.Error("Failed to mark event as failed", zap.Int64("outbox_id", event.ID), zap.Error(markErr))
			}
			continue
		}

		// A failure here re-sends the row; consumers are idempotent.
		if err := ep.repository.MarkEventAsSent(ctx, event.ID); err != nil {
			ep.logger.Error("Failed to mark event as sent", zap.Int64("outbox_id", event.ID), zap.Error(err))
		} else {
			successCount++
		}
	}

	if successCount > 0 {
		ep.logger.Info("Published events to Kafka", zap.Int("success_count", successCount), zap.Int("attempted", len(outboxEvents)))
	}
	return successCount, nil
}

func (ep *EventPublisher) publishEventToKafka(event model.OutboxEvent) error {
	msgBytes, err := json.Marshal(events.SideEffectEvent{
		OutboxID:   event.ID,
		EffectType: string(event.EffectType),
		Payload:    event.Payload,
		CreatedAt:  event.CreatedAt,
		Timestamp:  time.Now(),
	})
	if err != nil {
		return err
	}

	deliveryChan := make(chan kafka.Event)
	defer close(deliveryChan)

	err = ep.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &ep.topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.Key),
		Value:          msgBytes,
		Headers:        []kafka.Header{{Key: EffectTypeHeader, Value: []byte(event.EffectType)}},
	}, deliveryChan)
	if err != nil {
		return err
	}

	e := <-deliveryChan
	switch ev := e.(type) {
	case *kafka.Message:
		if ev.TopicPartition.Error != nil {
			return ev.TopicPartition.Error
		}
		return nil
	default:
		return fmt.Errorf("unexpected kafka event type: %T", e)
	}
}

func (ep *EventPublisher) Close() error {
	if ep.producer != nil {
		ep.producer.Close()
	}
	return nil
}
