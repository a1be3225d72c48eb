package probe

import (
	"LinkGuard/internal/config"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subscriber accumulates window counts published by remote probes and serves
// them as a packet source.
type Subscriber struct {
	Counter
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	logger  zerolog.Logger
}

// NewSubscriber creates a new NATS subscriber.
func NewSubscriber(cfg config.ProbeConfig, logger zerolog.Logger) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("linkguard-detector"))
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "probe-subscriber").Logger()
	logger.Info().Str("url", cfg.NATSURL).Msg("Connected to NATS server")
	return &Subscriber{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

// Start subscribes to the probe subject.
func (s *Subscriber) Start() error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		s.Handle(msg.Data)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info().Str("subject", s.subject).Msg("Subscribed, waiting for probe windows")
	return nil
}

// Handle adds one encoded window count to the running total.
func (s *Subscriber) Handle(data []byte) {
	wc, err := DecodeWindowCount(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed probe message")
		return
	}
	s.Add(wc.Count)
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info().Msg("NATS connection closed")
	}
}
