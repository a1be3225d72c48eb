package orchestrator

import "LinkGuard/internal/model"

// State is the orchestrator's per-cycle state.
type State int

const (
	StateCollecting State = iota
	StateScreenerOnly
	StateConfirmerOnly
	StateCascadingHybrid
	StateManualFixed
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateScreenerOnly:
		return "screener-only"
	case StateConfirmerOnly:
		return "confirmer-only"
	case StateCascadingHybrid:
		return "cascading-hybrid"
	case StateManualFixed:
		return "manual-fixed"
	default:
		return "unknown"
	}
}

// MarshalText lets the state appear by name in JSON status documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func stateFor(mode model.DetectionMode) State {
	switch mode.Policy {
	case model.PolicyScreenerOnly:
		return StateScreenerOnly
	case model.PolicyConfirmerOnly:
		return StateConfirmerOnly
	case model.PolicyCascadingHybrid:
		return StateCascadingHybrid
	default:
		return StateManualFixed
	}
}
