// Package sink holds the alert sinks the alerter can deliver threat events
// to. Each sink type registers itself with the factory on import.
package sink

import (
	"LinkGuard/internal/model"
	"encoding/json"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Record is the flat wire form of a threat event shared by the message sinks.
type Record struct {
	ID             string  `json:"id"`
	Kind           string  `json:"kind"`
	Confidence     float64 `json:"confidence"`
	ThreatLevel    int     `json:"threat_level"`
	Cause          string  `json:"cause,omitempty"`
	Mode           string  `json:"mode"`
	Classifier     string  `json:"classifier"`
	WindowIndex    uint64  `json:"window_index"`
	LatencyMs      float64 `json:"latency_ms"`
	Confirmation   string  `json:"confirmation,omitempty"`
	ConfirmationID string  `json:"confirmation_id,omitempty"`
	EmittedAt      string  `json:"emitted_at"`
}

// NewRecord flattens an event.
func NewRecord(e model.ThreatEvent) Record {
	return Record{
		ID:             e.ID,
		Kind:           e.Verdict.Kind.String(),
		Confidence:     e.Verdict.Confidence,
		ThreatLevel:    e.Verdict.ThreatLevel(),
		Cause:          e.Verdict.Cause,
		Mode:           e.Mode.String(),
		Classifier:     e.Classifier.String(),
		WindowIndex:    e.WindowIndex,
		LatencyMs:      float64(e.Latency) / float64(time.Millisecond),
		Confirmation:   string(e.Confirmation),
		ConfirmationID: e.ConfirmationID,
		EmittedAt:      e.EmittedAt.UTC().Format(time.RFC3339Nano),
	}
}

// JSON encodes the record.
func (r Record) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// Struct converts the record to a protobuf Struct.
func (r Record) Struct() (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"id":           r.ID,
		"kind":         r.Kind,
		"confidence":   r.Confidence,
		"threat_level": r.ThreatLevel,
		"mode":         r.Mode,
		"classifier":   r.Classifier,
		"window_index": float64(r.WindowIndex),
		"latency_ms":   r.LatencyMs,
		"emitted_at":   r.EmittedAt,
	}
	if r.Cause != "" {
		fields["cause"] = r.Cause
	}
	if r.Confirmation != "" {
		fields["confirmation"] = r.Confirmation
		fields["confirmation_id"] = r.ConfirmationID
	}
	return structpb.NewStruct(fields)
}
