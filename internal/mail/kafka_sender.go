package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// producer is the part of *kgo.Client the sender needs.
type producer interface {
	ProduceSync(ctx context.Context, records ...*kgo.Record) kgo.ProduceResults
}

// KafkaSenderConfig points the sender at the mail outbox topic.
type KafkaSenderConfig struct {
	Brokers []string
	Topic   string
	Logger  *zap.Logger
}

// KafkaSender publishes messages as JSON records to an outbox topic that a
// delivery worker consumes.
type KafkaSender struct {
	producer producer
	client   *kgo.Client
	topic    string
	logger   *zap.Logger
}

// NewKafkaSender connects a franz-go client to the configured brokers.
func NewKafkaSender(cfg KafkaSenderConfig) (*KafkaSender, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("mail: kafka brokers required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errors.New("mail: kafka topic required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("mail: kafka client: %w", err)
	}
	sender := newKafkaSender(client, topic, cfg.Logger)
	sender.client = client
	return sender, nil
}

func newKafkaSender(p producer, topic string, logger *zap.Logger) *KafkaSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSender{producer: p, topic: topic, logger: logger}
}

func (s *KafkaSender) Send(ctx context.Context, message Message) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mail: encode message: %w", err)
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(message.To),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}
	if err := s.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		s.logger.Warn("mail outbox publish failed",
			zap.String("topic", s.topic),
			zap.String("to", message.To),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close flushes and disconnects the underlying client.
func (s *KafkaSender) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
