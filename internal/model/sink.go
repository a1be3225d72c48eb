package model

import "context"

// AlertSink receives ThreatEvents. Durability, formatting and transport are the
// sink's responsibility.
type AlertSink interface {
	Name() string
	Ingest(ctx context.Context, event ThreatEvent) error
	Close() error
}

// Notifier defines a generic interface for sending human-facing notifications.
type Notifier interface {
	Send(subject, body string) error
}
