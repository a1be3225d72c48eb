package sink

import (
	"LinkGuard/internal/config"
	"LinkGuard/internal/factory"
	"LinkGuard/internal/model"
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"
)

const defaultEventSubject = "linkguard.events"

func init() {
	factory.RegisterSink("nats", func(cfg config.SinkConfig, logger zerolog.Logger) (model.AlertSink, error) {
		return NewNATSSink(cfg, logger)
	})
}

// NATSSink publishes each event as a protobuf Struct on a subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

func NewNATSSink(cfg config.SinkConfig, logger zerolog.Logger) (*NATSSink, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	subject := cfg.Subject
	if subject == "" {
		subject = defaultEventSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("linkguard-events"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS event sink disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS event sink reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info().Str("url", url).Str("subject", subject).Msg("Publishing events to NATS")
	return &NATSSink{nc: nc, subject: subject}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Ingest(_ context.Context, e model.ThreatEvent) error {
	st, err := NewRecord(e).Struct()
	if err != nil {
		return err
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return err
	}
	return s.nc.Publish(s.subject, data)
}

func (s *NATSSink) Close() error {
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return err
	}
	return nil
}
