package sink

import (
	"LinkGuard/internal/config"
	"LinkGuard/internal/factory"
	"LinkGuard/internal/model"
	"LinkGuard/internal/notification"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

func init() {
	factory.RegisterSink("email", func(cfg config.SinkConfig, logger zerolog.Logger) (model.AlertSink, error) {
		n, err := notification.NewEmailNotifier(cfg.SMTP)
		if err != nil {
			return nil, err
		}
		interval := time.Minute
		if cfg.MinInterval != "" {
			if interval, err = time.ParseDuration(cfg.MinInterval); err != nil {
				return nil, fmt.Errorf("invalid min_interval for email sink: %w", err)
			}
		}
		return NewEmailSink(notification.NewMarkdownNotifier(n), interval, logger), nil
	})
}

// EmailSink mails a summary for each alert. Other events are ignored and
// alerts closer together than the minimum interval are skipped.
type EmailSink struct {
	notifier model.Notifier
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

func NewEmailSink(notifier model.Notifier, minInterval time.Duration, logger zerolog.Logger) *EmailSink {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &EmailSink{notifier: notifier, limiter: rate.NewLimiter(limit, 1), logger: logger}
}

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) Ingest(_ context.Context, e model.ThreatEvent) error {
	if !e.IsAlert() {
		return nil
	}
	if !s.limiter.Allow() {
		s.logger.Info().Str("event_id", e.ID).Msg("Alert email skipped, sent one recently")
		return nil
	}
	subject := fmt.Sprintf("LinkGuard: link attack detected (threat level %d)", e.Verdict.ThreatLevel())
	return s.notifier.Send(subject, alertMarkdown(e))
}

func (s *EmailSink) Close() error { return nil }

func alertMarkdown(e model.ThreatEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Link attack detected\n\n")
	fmt.Fprintf(&b, "| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Verdict | %s |\n", e.Verdict)
	fmt.Fprintf(&b, "| Threat level | %d / 5 |\n", e.Verdict.ThreatLevel())
	fmt.Fprintf(&b, "| Classifier | %s |\n", e.Classifier)
	fmt.Fprintf(&b, "| Mode | %s |\n", e.Mode)
	fmt.Fprintf(&b, "| Window | %d |\n", e.WindowIndex)
	if e.Confirmation != model.ConfirmationNone {
		fmt.Fprintf(&b, "| Confirmation | %s |\n", e.Confirmation)
	}
	fmt.Fprintf(&b, "| Emitted | %s |\n", e.EmittedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "\nEvent `%s`.\n", e.ID)
	return b.String()
}
