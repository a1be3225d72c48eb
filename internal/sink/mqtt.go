package sink

import (
	"LinkGuard/internal/config"
	"LinkGuard/internal/factory"
	"LinkGuard/internal/model"
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

func init() {
	factory.RegisterSink("mqtt", func(cfg config.SinkConfig, logger zerolog.Logger) (model.AlertSink, error) {
		return NewMQTTSink(cfg, logger)
	})
}

// MQTTSink publishes events to a ground-station telemetry broker.
type MQTTSink struct {
	client mqtt.Client
	topic  string
	qos    byte
}

func NewMQTTSink(cfg config.SinkConfig, logger zerolog.Logger) (*MQTTSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mqtt sink needs a broker url")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "linkguard/events"
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "linkguard-detector"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn().Err(err).Msg("MQTT connection lost")
		})
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("timed out connecting to mqtt broker %s", cfg.URL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", cfg.URL, err)
	}
	logger.Info().Str("broker", cfg.URL).Str("topic", topic).Msg("Publishing events to MQTT")
	return &MQTTSink{client: client, topic: topic, qos: cfg.QoS}, nil
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Ingest(ctx context.Context, e model.ThreatEvent) error {
	payload, err := NewRecord(e).JSON()
	if err != nil {
		return err
	}
	token := s.client.Publish(s.topic, s.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
