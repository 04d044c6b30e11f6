package domain

import "time"

// LoadLevel classifies how close the process is to its configured capacity.
type LoadLevel int32

const (
	LoadLevelNormal LoadLevel = iota
	LoadLevelModerate
	LoadLevelHigh
	LoadLevelCritical
)

func (l LoadLevel) String() string {
	switch l {
	case LoadLevelNormal:
		return "normal"
	case LoadLevelModerate:
		return "moderate"
	case LoadLevelHigh:
		return "high"
	case LoadLevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the level by name in JSON payloads.
func (l LoadLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Decision is the outcome of an admission check. Reject is an expected
// steady-state answer under load, not an error.
type Decision int32

const (
	DecisionProceed Decision = iota
	DecisionDelay
	DecisionReject
)

func (d Decision) String() string {
	switch d {
	case DecisionProceed:
		return "proceed"
	case DecisionDelay:
		return "delay"
	case DecisionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// MarshalText renders the decision by name in JSON payloads.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// LoadSnapshot is a read-only copy of the admission controller's state.
type LoadSnapshot struct {
	ConcurrentUnits int64     `json:"concurrent_units"`
	QueueDepth      int64     `json:"queue_depth"`
	WindowCount     int64     `json:"window_count"`
	WindowStart     time.Time `json:"window_start"`
	Level           LoadLevel `json:"level"`
	LevelChangedAt  time.Time `json:"level_changed_at"`
}
