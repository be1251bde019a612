package event

import (
	stderrors "errors"
	"fmt"
	"math"
	"time"
)

// ErrKindMismatch is returned when a payload is extracted as the wrong kind
var ErrKindMismatch = stderrors.New("measurement kind mismatch")

// Measurement is the typed payload carried by an event. Only the field
// matching Kind is meaningful.
type Measurement struct {
	Kind     Kind          `json:"kind"`
	Name     string        `json:"name,omitempty"`
	Integer  int64         `json:"integer,omitempty"`
	Float    float64       `json:"float,omitempty"`
	Boolean  bool          `json:"boolean,omitempty"`
	String   string        `json:"string,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// IntegerMeasurement creates an integer payload
func IntegerMeasurement(name string, v int64) *Measurement {
	return &Measurement{Kind: KindInteger, Name: name, Integer: v}
}

// FloatMeasurement creates a floating-point payload
func FloatMeasurement(name string, v float64) *Measurement {
	return &Measurement{Kind: KindFloat, Name: name, Float: v}
}

// BooleanMeasurement creates a boolean payload
func BooleanMeasurement(name string, v bool) *Measurement {
	return &Measurement{Kind: KindBoolean, Name: name, Boolean: v}
}

// StringMeasurement creates a string payload
func StringMeasurement(name string, v string) *Measurement {
	return &Measurement{Kind: KindString, Name: name, String: v}
}

// DurationMeasurement creates a duration payload
func DurationMeasurement(name string, v time.Duration) *Measurement {
	return &Measurement{Kind: KindDuration, Name: name, Duration: v}
}

// Extract returns the payload as the Go value for the expected kind:
// int64, float64, bool, string or time.Duration. KindAny yields nil.
// Non-finite floats and negative durations are rejected.
func (m *Measurement) Extract(expected Kind) (any, error) {
	if expected == KindAny {
		return nil, nil
	}
	if m == nil || m.Kind != expected {
		return nil, ErrKindMismatch
	}

	switch expected {
	case KindInteger:
		return m.Integer, nil
	case KindFloat:
		if math.IsNaN(m.Float) || math.IsInf(m.Float, 0) {
			return nil, fmt.Errorf("non-finite float measurement %v", m.Float)
		}
		return m.Float, nil
	case KindBoolean:
		return m.Boolean, nil
	case KindString:
		return m.String, nil
	case KindDuration:
		if m.Duration < 0 {
			return nil, fmt.Errorf("negative duration measurement %v", m.Duration)
		}
		return m.Duration, nil
	default:
		return nil, ErrKindMismatch
	}
}

// Value returns the payload as a loosely typed value, nil when absent
func (m *Measurement) Value() any {
	if m == nil {
		return nil
	}
	v, err := m.Extract(m.Kind)
	if err != nil {
		return nil
	}
	return v
}
