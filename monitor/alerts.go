package monitor

import (
	"encoding/json"
	"fmt"
	"time"
)

// Level represents the severity of an alert. Levels are ordered so that
// callers can filter with a simple comparison.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

// String returns the lowercase name of the level.
func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// MarshalJSON renders the level as its string name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON parses a level from its string name.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel converts a level name into a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "info":
		return LevelInfo, nil
	case "warning":
		return LevelWarning, nil
	case "critical":
		return LevelCritical, nil
	case "emergency":
		return LevelEmergency, nil
	default:
		return LevelInfo, fmt.Errorf("unknown alert level %q", s)
	}
}

// Alert is a single threshold crossing observed by the controller.
type Alert struct {
	ID        string             `json:"id"`
	Level     Level              `json:"level"`
	Indicator string             `json:"indicator"`
	Value     float64            `json:"value"`
	Threshold float64            `json:"threshold"`
	Message   string             `json:"message"`
	Snapshot  map[string]float64 `json:"snapshot,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Thresholds holds the three ascending trigger points for one indicator.
// A smoothed value at or above Emergency raises an emergency alert, at or
// above Critical a critical one, and at or above Warning a warning. Only
// the highest crossed level is emitted per evaluation.
type Thresholds struct {
	Warning   float64 `json:"warning" mapstructure:"warning"`
	Critical  float64 `json:"critical" mapstructure:"critical"`
	Emergency float64 `json:"emergency" mapstructure:"emergency"`
}

// Evaluate returns the highest level whose threshold the value meets, or
// false when the value is below all three.
func (t Thresholds) Evaluate(value float64) (Level, float64, bool) {
	switch {
	case value >= t.Emergency:
		return LevelEmergency, t.Emergency, true
	case value >= t.Critical:
		return LevelCritical, t.Critical, true
	case value >= t.Warning:
		return LevelWarning, t.Warning, true
	default:
		return LevelInfo, 0, false
	}
}
