package sink

import (
	"LinkGuard/internal/config"
	"LinkGuard/internal/factory"
	"LinkGuard/internal/model"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

func init() {
	factory.RegisterSink("kafka", func(cfg config.SinkConfig, logger zerolog.Logger) (model.AlertSink, error) {
		return NewKafkaSink(cfg, logger)
	})
}

// KafkaSink writes each event as a JSON message keyed by event ID.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(cfg config.SinkConfig, logger zerolog.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink needs at least one broker")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "linkguard.events"
	}
	logger.Info().Strs("brokers", cfg.Brokers).Str("topic", topic).Msg("Publishing events to Kafka")
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	}}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Ingest(ctx context.Context, e model.ThreatEvent) error {
	value, err := NewRecord(e).JSON()
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.ID),
		Value: value,
		Time:  e.EmittedAt,
	})
}

func (s *KafkaSink) Close() error { return s.writer.Close() }
