package catalog

import (
	"encoding/json"
	"fmt"
)

// Composite is the typed record read from an aggregator. It holds exactly
// the fields of its type's schema.
type Composite struct {
	typ    Type
	values map[string]any
}

// NewComposite builds a composite of type t. Every schema field must be
// present in values; extra keys are rejected.
func NewComposite(t Type, values map[string]any) (Composite, error) {
	entry, ok := byToken[t]
	if !ok {
		return Composite{}, fmt.Errorf("unknown metric type %q", t)
	}
	if len(values) != len(entry.Schema) {
		return Composite{}, fmt.Errorf("composite %s expects %d fields, got %d", t, len(entry.Schema), len(values))
	}

	copied := make(map[string]any, len(values))
	for _, f := range entry.Schema {
		v, ok := values[f.Name]
		if !ok {
			return Composite{}, fmt.Errorf("composite %s is missing field %q", t, f.Name)
		}
		copied[f.Name] = v
	}
	return Composite{typ: t, values: copied}, nil
}

// MustComposite is NewComposite for aggregator code that builds values
// from its own schema.
func MustComposite(t Type, values map[string]any) Composite {
	c, err := NewComposite(t, values)
	if err != nil {
		panic(err)
	}
	return c
}

// Type returns the metric type the composite belongs to
func (c Composite) Type() Type {
	return c.typ
}

// IsZero reports whether c was never populated
func (c Composite) IsZero() bool {
	return c.typ == ""
}

// Get returns one field
func (c Composite) Get(field string) (any, bool) {
	v, ok := c.values[field]
	return v, ok
}

// Fields returns field names in schema order
func (c Composite) Fields() []string {
	entry, ok := byToken[c.typ]
	if !ok {
		return nil
	}
	return entry.Schema.Names()
}

// Map returns a copy of the field values
func (c Composite) Map() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Equal compares type and every field value
func (c Composite) Equal(other Composite) bool {
	if c.typ != other.typ || len(c.values) != len(other.values) {
		return false
	}
	for k, v := range c.values {
		ov, ok := other.values[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// MarshalJSON renders the composite as a plain object
func (c Composite) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.values)
}

func (c Composite) String() string {
	return fmt.Sprintf("%s%v", c.typ, c.values)
}
