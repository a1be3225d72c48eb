package model

import (
	"encoding/json"
	"fmt"
	"math"
)

// VerdictKind is the outcome class of one classification.
type VerdictKind int

const (
	VerdictNormal VerdictKind = iota
	VerdictAttack
	VerdictNoTraffic
	// VerdictNoVerdict marks a cycle whose classifier failed internally.
	VerdictNoVerdict
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictNormal:
		return "normal"
	case VerdictAttack:
		return "attack"
	case VerdictNoTraffic:
		return "no-traffic"
	case VerdictNoVerdict:
		return "no-verdict"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the kind by name.
func (k VerdictKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a kind by name.
func (k *VerdictKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for _, candidate := range []VerdictKind{VerdictNormal, VerdictAttack, VerdictNoTraffic, VerdictNoVerdict} {
		if candidate.String() == s {
			*k = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown verdict %q", s)
}

// Verdict is the classification outcome for one detection cycle.
type Verdict struct {
	Kind       VerdictKind `json:"kind"`
	Confidence float64     `json:"confidence"`
	// Cause is set for NoVerdict outcomes.
	Cause string `json:"cause,omitempty"`
}

// Normal returns a Normal verdict with the given confidence.
func Normal(confidence float64) Verdict {
	return Verdict{Kind: VerdictNormal, Confidence: confidence}
}

// Attack returns an Attack verdict with the given confidence.
func Attack(confidence float64) Verdict {
	return Verdict{Kind: VerdictAttack, Confidence: confidence}
}

// NoTraffic returns the verdict reported for an idle or disconnected link.
func NoTraffic() Verdict {
	return Verdict{Kind: VerdictNoTraffic}
}

// NoVerdict returns the verdict used when a classifier failed for the cycle.
func NoVerdict(cause error) Verdict {
	v := Verdict{Kind: VerdictNoVerdict}
	if cause != nil {
		v.Cause = cause.Error()
	}
	return v
}

// FromProbability converts an attack probability into a binary verdict.
// Attack iff p > 0.5; confidence is max(p, 1-p).
func FromProbability(p float64) Verdict {
	if p > 0.5 {
		return Attack(p)
	}
	return Normal(1 - p)
}

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// AttackProbability recovers P(attack) from a binary verdict.
func (v Verdict) AttackProbability() float64 {
	switch v.Kind {
	case VerdictAttack:
		return v.Confidence
	case VerdictNormal:
		return 1 - v.Confidence
	default:
		return 0
	}
}

// ThreatLevel maps the attack probability onto a 1 (minimal) to 5 (critical) scale.
func (v Verdict) ThreatLevel() int {
	p := v.AttackProbability()
	switch {
	case p > 0.9:
		return 5
	case p > 0.7:
		return 4
	case p > 0.5:
		return 3
	case p > 0.3:
		return 2
	default:
		return 1
	}
}

func (v Verdict) String() string {
	switch v.Kind {
	case VerdictNormal, VerdictAttack:
		return fmt.Sprintf("%s (%.1f%%)", v.Kind, v.Confidence*100)
	case VerdictNoVerdict:
		return fmt.Sprintf("%s: %s", v.Kind, v.Cause)
	default:
		return v.Kind.String()
	}
}
