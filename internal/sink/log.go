package sink

import (
	"LinkGuard/internal/config"
	"LinkGuard/internal/factory"
	"LinkGuard/internal/model"
	"context"

	"github.com/rs/zerolog"
)

func init() {
	factory.RegisterSink("log", func(_ config.SinkConfig, logger zerolog.Logger) (model.AlertSink, error) {
		return NewLogSink(logger), nil
	})
}

// LogSink writes every event to the structured log. Alerts are logged at
// warn level so they stand out on the console.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Ingest(_ context.Context, e model.ThreatEvent) error {
	level := zerolog.InfoLevel
	if e.IsAlert() {
		level = zerolog.WarnLevel
	}
	ev := s.logger.WithLevel(level).
		Str("event_id", e.ID).
		Stringer("verdict", e.Verdict).
		Int("threat_level", e.Verdict.ThreatLevel()).
		Stringer("mode", e.Mode).
		Stringer("classifier", e.Classifier).
		Uint64("window", e.WindowIndex).
		Dur("latency", e.Latency)
	if e.Confirmation != model.ConfirmationNone {
		ev = ev.Str("confirmation", string(e.Confirmation)).Str("confirmation_id", e.ConfirmationID)
	}
	ev.Msg("Threat event")
	return nil
}

func (s *LogSink) Close() error { return nil }
