package queue

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/power-dialer/internal/config"
)

const dialTimeout = 10 * time.Second

// Kafka holds the broker settings shared by the progress writer and the
// history consumers.
type Kafka struct {
	cfg    config.KafkaConfig
	dialer *kafka.Dialer
}

// NewKafka validates the broker list.
func NewKafka(cfg config.KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	return &Kafka{
		cfg:    cfg,
		dialer: &kafka.Dialer{Timeout: dialTimeout, ClientID: cfg.ClientID, DualStack: true},
	}, nil
}

// NewWriter creates a writer for a topic. Messages are hashed by key, so every
// delta of one run lands on one partition in order.
func (k *Kafka) NewWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(k.cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: false,
		Transport:              &kafka.Transport{ClientID: k.cfg.ClientID, DialTimeout: dialTimeout},
	}
}

// NewReader creates a consumer group reader. Offsets are committed explicitly
// by the consumer after each message is persisted.
func (k *Kafka) NewReader(topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.cfg.Brokers,
		Dialer:         k.dialer,
		Topic:          topic,
		GroupID:        groupID,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: k.cfg.CommitInterval,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        500 * time.Millisecond,
	})
}

// Health dials the first reachable broker.
func (k *Kafka) Health(ctx context.Context) error {
	var lastErr error
	for _, broker := range k.cfg.Brokers {
		conn, err := k.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("kafka: no broker reachable: %w", lastErr)
}

// EnsureTopic creates topic on the cluster controller unless it already
// exists.
func (k *Kafka) EnsureTopic(ctx context.Context, topic string, partitions, replicationFactor int) error {
	if partitions <= 0 {
		partitions = 1
	}
	if replicationFactor <= 0 {
		replicationFactor = 1
	}

	conn, err := k.dialer.DialContext(ctx, "tcp", k.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: dial: %w", err)
	}
	defer conn.Close()

	existing, err := conn.ReadPartitions(topic)
	if err == nil && len(existing) > 0 {
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: find controller: %w", err)
	}
	ctrl, err := k.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: dial controller: %w", err)
	}
	defer ctrl.Close()

	if err := ctrl.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: replicationFactor,
	}); err != nil {
		return fmt.Errorf("kafka: create topic %s: %w", topic, err)
	}
	return nil
}
