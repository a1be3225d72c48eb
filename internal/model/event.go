package model

import (
	"time"

	"github.com/google/uuid"
)

// Confirmation tags how an event relates to the Confirmer.
type Confirmation string

const (
	// ConfirmationNone marks plain single-classifier events.
	ConfirmationNone Confirmation = ""
	// ConfirmationPending marks a Screener alert awaiting the Confirmer.
	ConfirmationPending Confirmation = "unconfirmed"
	ConfirmationConfirmed Confirmation = "confirmed"
	ConfirmationFalseAlarm Confirmation = "false-alarm"
	// ConfirmationUnavailable marks a Screener alert raised before enough
	// history existed to run the Confirmer.
	ConfirmationUnavailable Confirmation = "unconfirmable"
	// ConfirmationAbandoned marks a confirmation job that exceeded its timeout.
	ConfirmationAbandoned Confirmation = "abandoned"
	// ConfirmationFailed marks a confirmation job whose Confirmer returned an
	// error or panicked before its timeout.
	ConfirmationFailed Confirmation = "failed"
)

// ThreatEvent is the structured result of one completed detection cycle or
// confirmation job.
type ThreatEvent struct {
	ID             string         `json:"id"`
	Verdict        Verdict        `json:"verdict"`
	Mode           DetectionMode  `json:"mode"`
	WindowIndex    uint64         `json:"window_index"`
	Latency        time.Duration  `json:"latency_ns"`
	Classifier     ClassifierKind `json:"classifier"`
	Confirmation   Confirmation   `json:"confirmation,omitempty"`
	ConfirmationID string         `json:"confirmation_id,omitempty"`
	EmittedAt      time.Time      `json:"emitted_at"`
}

// NewThreatEvent stamps a new event with a random ID and the current time.
func NewThreatEvent(v Verdict, mode DetectionMode, windowIndex uint64, latency time.Duration, kind ClassifierKind) ThreatEvent {
	return ThreatEvent{
		ID:          uuid.NewString(),
		Verdict:     v,
		Mode:        mode,
		WindowIndex: windowIndex,
		Latency:     latency,
		Classifier:  kind,
		EmittedAt:   time.Now(),
	}
}

// IsAlert reports whether the event carries an Attack verdict that has not
// been refuted by the Confirmer.
func (e ThreatEvent) IsAlert() bool {
	return e.Verdict.Kind == VerdictAttack && e.Confirmation != ConfirmationFalseAlarm
}
