package event

import (
	"fmt"
	"strings"
)

// Kind is the runtime kind of a measurement payload
type Kind int

const (
	// KindNone marks an event without a measurement payload
	KindNone Kind = iota
	// KindInteger is a signed 64-bit integer payload
	KindInteger
	// KindFloat is a float64 payload
	KindFloat
	// KindBoolean is a bool payload
	KindBoolean
	// KindString is a string payload
	KindString
	// KindDuration is a time.Duration payload
	KindDuration
	// KindAny is never carried by an event. Metric types that count
	// events regardless of payload declare it as their accepted kind.
	KindAny
)

var kindNames = map[Kind]string{
	KindNone:     "none",
	KindInteger:  "integer",
	KindFloat:    "float",
	KindBoolean:  "boolean",
	KindString:   "string",
	KindDuration: "duration",
	KindAny:      "any",
}

// String returns the configuration name of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Accepts reports whether an event of kind actual satisfies an attribute
// expecting k.
func (k Kind) Accepts(actual Kind) bool {
	return k == KindAny || k == actual
}

// ParseKind converts a configuration name to a Kind
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}
	return KindNone, fmt.Errorf("unknown measurement kind %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
