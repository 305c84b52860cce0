package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaSinkConfig contains tuning options for the Kafka event sink.
type KafkaSinkConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	RequiredAcks int
}

// DefaultKafkaSinkConfig returns settings tuned for low-latency emission.
func DefaultKafkaSinkConfig(brokers []string, topic string) KafkaSinkConfig {
	return KafkaSinkConfig{
		Brokers:      brokers,
		Topic:        topic,
		BatchSize:    100,
		BatchTimeout: 5 * time.Millisecond,
		WriteTimeout: time.Second,
		RequiredAcks: 1, // leader ack only
	}
}

// KafkaSink publishes lifecycle events to a Kafka topic. Emission is
// best effort: write failures are logged and dropped, never surfaced
// to the lifecycle.
type KafkaSink struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaSink(cfg KafkaSinkConfig, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.CRC32Balancer{},
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			Async:        true,
		},
		logger: logger,
	}
}

func (s *KafkaSink) Emit(ctx context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("encoding event", zap.String("name", event.Name), zap.Error(err))
		return
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   event.Key.Bytes(),
		Value: value,
	})
	if err != nil {
		s.logger.Warn("dropping event after kafka write failure",
			zap.String("name", event.Name),
			zap.String("key", event.Key.Hex()),
			zap.Error(err),
		)
	}
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
