package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/helioslabs/subscription-service/internal/domain"
	"github.com/helioslabs/subscription-service/pkg/logger"
)

// Topics published by the subscription service.
const (
	TopicSubscriptionCreated   = "subscription_created"
	TopicSubscriptionCancelled = "subscription_cancelled"
	TopicCreditEvents          = "credit_events"
)

// Producer publishes subscription lifecycle and credit events. Messages
// are keyed by subscription id so events for one subscription stay ordered
// within a partition.
type Producer interface {
	PublishSubscriptionEvent(ctx context.Context, topic string, sub *domain.Subscription) error
	PublishCreditEvent(ctx context.Context, entry domain.CreditLedgerEntry) error
	Close() error
}

type kafkaProducer struct {
	writer *kafka.Writer
	log    *logger.Logger
}

// NewProducer configures a kafka-go writer against the given brokers.
func NewProducer(brokers []string, log *logger.Logger) (Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are not configured")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	log.Infow("Kafka producer initialized", "brokers", brokers)
	return &kafkaProducer{writer: writer, log: log}, nil
}

func (k *kafkaProducer) publish(ctx context.Context, topic string, key []byte, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal message data: %w", err)
	}

	message := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
		Time:  time.Now(),
	}

	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := k.writer.WriteMessages(writeCtx, message); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}

	k.log.Debugw("Published message to Kafka", "topic", topic, "key", string(key))
	return nil
}

func (k *kafkaProducer) PublishSubscriptionEvent(ctx context.Context, topic string, sub *domain.Subscription) error {
	return k.publish(ctx, topic, []byte(sub.ID.String()), sub)
}

func (k *kafkaProducer) PublishCreditEvent(ctx context.Context, entry domain.CreditLedgerEntry) error {
	return k.publish(ctx, TopicCreditEvents, []byte(entry.SubscriptionID.String()), entry)
}

func (k *kafkaProducer) Close() error {
	k.log.Infow("Closing Kafka producer")
	return k.writer.Close()
}

// NopProducer drops all events. Used when Kafka is not configured and
// in tests.
type NopProducer struct{}

func (NopProducer) PublishSubscriptionEvent(context.Context, string, *domain.Subscription) error {
	return nil
}

func (NopProducer) PublishCreditEvent(context.Context, domain.CreditLedgerEntry) error {
	return nil
}

func (NopProducer) Close() error { return nil }
