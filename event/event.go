// Package event defines the inbound event record consumed by connectors and
// the synthetic attribute-change events they produce.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360/attrstream/pkg/timestamp"
)

// CategoryAttributeChange is the category of synthesized change events
const CategoryAttributeChange = "attribute.change"

// Event is one record delivered by an external transport
type Event struct {
	ID          string            `json:"id"`
	Category    string            `json:"category"`
	Name        string            `json:"name"`
	Source      string            `json:"source,omitempty"`
	Message     string            `json:"message,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Sequence    uint64            `json:"sequence,omitempty"`
	Origin      string            `json:"origin,omitempty"`
	Measurement *Measurement      `json:"measurement,omitempty"`
	Attachments map[string]string `json:"attachments,omitempty"`
	Change      *Change           `json:"change,omitempty"`
}

// Change describes an attribute value change. OldValue always equals
// NewValue because attributes do not keep a previous-value slot.
type Change struct {
	Resource  string `json:"resource"`
	Attribute string `json:"attribute"`
	Type      string `json:"type"`
	OldValue  any    `json:"old_value"`
	NewValue  any    `json:"new_value"`
}

// New creates an event with a fresh ID and the current time
func New(category, name string, m *Measurement) *Event {
	return &Event{
		ID:          uuid.NewString(),
		Category:    category,
		Name:        name,
		Timestamp:   time.Now().UTC(),
		Measurement: m,
	}
}

// NewAttributeChange builds the change event emitted when an attribute
// processed cause. Callers pass the same value as oldValue and newValue.
func NewAttributeChange(resource, attribute, typeName string, oldValue, newValue any, cause *Event) *Event {
	ev := &Event{
		ID:       uuid.NewString(),
		Category: CategoryAttributeChange,
		Name:     attribute,
		Source:   resource,
		Message:  fmt.Sprintf("attribute %s changed", attribute),
		Change: &Change{
			Resource:  resource,
			Attribute: attribute,
			Type:      typeName,
			OldValue:  oldValue,
			NewValue:  newValue,
		},
		Attachments: map[string]string{"attribute": attribute},
	}
	if cause != nil {
		ev.Timestamp = cause.Timestamp
		ev.Sequence = cause.Sequence
		ev.Origin = cause.Origin
		ev.Attachments["cause"] = cause.ID
	} else {
		ev.Timestamp = time.Now().UTC()
	}
	return ev
}

// Clone returns a copy that can be stamped or delivered independently.
// The measurement and change payloads are shared; they are never mutated
// after construction.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.Attachments != nil {
		c.Attachments = make(map[string]string, len(e.Attachments))
		for k, v := range e.Attachments {
			c.Attachments[k] = v
		}
	}
	return &c
}

// Kind returns the runtime kind of the event payload
func (e *Event) Kind() Kind {
	if e == nil || e.Measurement == nil {
		return KindNone
	}
	return e.Measurement.Kind
}

// LogicalName is the measurement name when present, else the event name
func (e *Event) LogicalName() string {
	if e.Measurement != nil && e.Measurement.Name != "" {
		return e.Measurement.Name
	}
	return e.Name
}

// IsAttributeChange reports whether e was synthesized from a dispatch result
func (e *Event) IsAttributeChange() bool {
	return e.Category == CategoryAttributeChange && e.Change != nil
}

// Validate checks the fields required before sequencing
func (e *Event) Validate() error {
	if e.Category == "" {
		return fmt.Errorf("event category is required")
	}
	if e.Name == "" {
		return fmt.Errorf("event name is required")
	}
	return nil
}

// UnmarshalJSON accepts timestamps as RFC3339 strings or Unix
// seconds/milliseconds and fills a missing ID.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	aux := struct {
		*alias
		Timestamp any `json:"timestamp"`
	}{alias: (*alias)(e)}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&aux); err != nil {
		return err
	}

	if aux.Timestamp != nil {
		ts, ok := timestamp.Parse(aux.Timestamp)
		if !ok {
			return fmt.Errorf("invalid event timestamp %v", aux.Timestamp)
		}
		e.Timestamp = ts
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}
