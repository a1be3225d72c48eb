package probe

import (
	"LinkGuard/internal/config"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// WindowCount is one probe window as carried over NATS.
type WindowCount struct {
	Probe      string
	Window     uint64
	Count      uint32
	CapturedAt time.Time
}

// EncodeWindowCount serializes a window count as a protobuf Struct.
func EncodeWindowCount(wc WindowCount) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]interface{}{
		"probe":       wc.Probe,
		"window":      float64(wc.Window),
		"count":       float64(wc.Count),
		"captured_at": wc.CapturedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// DecodeWindowCount parses a payload produced by EncodeWindowCount.
func DecodeWindowCount(data []byte) (WindowCount, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return WindowCount{}, fmt.Errorf("failed to unmarshal window count: %w", err)
	}
	f := s.GetFields()
	count, ok := f["count"]
	if !ok {
		return WindowCount{}, fmt.Errorf("window count message has no count")
	}
	n := count.GetNumberValue()
	if n < 0 || n > float64(^uint32(0)) {
		return WindowCount{}, fmt.Errorf("window count %v out of range", n)
	}
	wc := WindowCount{
		Probe:  f["probe"].GetStringValue(),
		Window: uint64(f["window"].GetNumberValue()),
		Count:  uint32(n),
	}
	if ts := f["captured_at"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return WindowCount{}, fmt.Errorf("invalid captured_at: %w", err)
		}
		wc.CapturedAt = t
	}
	return wc, nil
}

// Publisher is responsible for publishing window counts to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(cfg config.ProbeConfig, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("linkguard-probe"))
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "probe-publisher").Logger()
	logger.Info().Str("url", cfg.NATSURL).Msg("Connected to NATS server")
	return &Publisher{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

// Publish sends one window count.
func (p *Publisher) Publish(wc WindowCount) error {
	data, err := EncodeWindowCount(wc)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.logger.Info().Msg("NATS connection drained and closed")
	}
}
