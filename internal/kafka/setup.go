package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	kafkaGo "github.com/segmentio/kafka-go"

	"github.com/helioslabs/subscription-service/pkg/logger"
)

// EnsureTopics creates the service topics if the broker does not have
// them yet. Safe to call on every startup.
func EnsureTopics(brokers []string, log *logger.Logger) error {
	required := []kafkaGo.TopicConfig{
		{Topic: TopicSubscriptionCreated, NumPartitions: 3, ReplicationFactor: 1},
		{Topic: TopicSubscriptionCancelled, NumPartitions: 2, ReplicationFactor: 1},
		{Topic: TopicCreditEvents, NumPartitions: 3, ReplicationFactor: 1},
	}

	if len(brokers) == 0 || brokers[0] == "" {
		return errors.New("kafka broker address is empty")
	}

	connCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := kafkaGo.DialContext(connCtx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("kafka connection failed: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller lookup failed: %w", err)
	}

	controllerAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	controllerConn, err := kafkaGo.DialContext(connCtx, "tcp", controllerAddr)
	if err != nil {
		return fmt.Errorf("kafka controller connection failed: %w", err)
	}
	defer controllerConn.Close()

	partitions, err := controllerConn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("kafka read partitions failed: %w", err)
	}

	existing := make(map[string]bool)
	for _, p := range partitions {
		existing[p.Topic] = true
	}

	var missing []kafkaGo.TopicConfig
	for _, topic := range required {
		if !existing[topic.Topic] {
			missing = append(missing, topic)
		}
	}
	if len(missing) == 0 {
		log.Debugw("All Kafka topics already exist")
		return nil
	}

	if err := controllerConn.CreateTopics(missing...); err != nil {
		return fmt.Errorf("kafka create topics failed: %w", err)
	}

	names := make([]string, 0, len(missing))
	for _, topic := range missing {
		names = append(names, topic.Topic)
	}
	log.Infow("Created Kafka topics", "topics", names)
	return nil
}
