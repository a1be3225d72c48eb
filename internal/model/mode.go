package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ClassifierKind identifies one of the two classifier tiers.
type ClassifierKind int

const (
	Screener ClassifierKind = iota
	Confirmer
)

func (c ClassifierKind) String() string {
	switch c {
	case Screener:
		return "screener"
	case Confirmer:
		return "confirmer"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the kind by name.
func (c ClassifierKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a kind by name.
func (c *ClassifierKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "screener":
		*c = Screener
	case "confirmer":
		*c = Confirmer
	default:
		return fmt.Errorf("unknown classifier %q", s)
	}
	return nil
}

// Policy selects which classifiers run in a detection cycle.
type Policy int

const (
	PolicyScreenerOnly Policy = iota
	PolicyConfirmerOnly
	PolicyCascadingHybrid
	PolicyManual
)

// DetectionMode is the runtime-mutable detection policy. Manual is only
// meaningful when Policy is PolicyManual.
type DetectionMode struct {
	Policy Policy
	Manual ClassifierKind
}

var (
	ModeScreenerOnly    = DetectionMode{Policy: PolicyScreenerOnly}
	ModeConfirmerOnly   = DetectionMode{Policy: PolicyConfirmerOnly}
	ModeCascadingHybrid = DetectionMode{Policy: PolicyCascadingHybrid}
	ModeManualScreener  = DetectionMode{Policy: PolicyManual, Manual: Screener}
	ModeManualConfirmer = DetectionMode{Policy: PolicyManual, Manual: Confirmer}
)

// AllModes lists every mode in the order SIGUSR1 cycles through them.
var AllModes = []DetectionMode{
	ModeScreenerOnly,
	ModeCascadingHybrid,
	ModeConfirmerOnly,
	ModeManualScreener,
	ModeManualConfirmer,
}

// ParseDetectionMode accepts the textual forms produced by DetectionMode.String
// plus a few operator-friendly aliases.
func ParseDetectionMode(s string) (DetectionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "screener", "screener-only", "xgboost":
		return ModeScreenerOnly, nil
	case "confirmer", "confirmer-only", "tst":
		return ModeConfirmerOnly, nil
	case "hybrid", "cascading", "cascading-hybrid":
		return ModeCascadingHybrid, nil
	case "manual:screener", "1":
		return ModeManualScreener, nil
	case "manual:confirmer", "2":
		return ModeManualConfirmer, nil
	default:
		return DetectionMode{}, fmt.Errorf("unknown detection mode %q", s)
	}
}

func (m DetectionMode) String() string {
	switch m.Policy {
	case PolicyScreenerOnly:
		return "screener"
	case PolicyConfirmerOnly:
		return "confirmer"
	case PolicyCascadingHybrid:
		return "hybrid"
	case PolicyManual:
		return "manual:" + m.Manual.String()
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the mode in its textual form.
func (m DetectionMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts any form understood by ParseDetectionMode.
func (m *DetectionMode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDetectionMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Requires reports whether the mode ever invokes the given classifier.
func (m DetectionMode) Requires(kind ClassifierKind) bool {
	switch m.Policy {
	case PolicyScreenerOnly:
		return kind == Screener
	case PolicyConfirmerOnly:
		return kind == Confirmer
	case PolicyCascadingHybrid:
		return true
	case PolicyManual:
		return kind == m.Manual
	default:
		return false
	}
}

// Driver returns the classifier whose tail length gates the mode.
func (m DetectionMode) Driver() ClassifierKind {
	switch m.Policy {
	case PolicyConfirmerOnly:
		return Confirmer
	case PolicyManual:
		return m.Manual
	default:
		return Screener
	}
}

// MinTail is the buffer length below which the mode stays in the Collecting state.
func (m DetectionMode) MinTail(screenerTail, confirmerTail int) int {
	if m.Driver() == Confirmer {
		return confirmerTail
	}
	return screenerTail
}
