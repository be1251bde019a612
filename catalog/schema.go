package catalog

// FieldType is the Go type of one composite field
type FieldType int

// Composite field types. Integers are int64, floats float64, durations
// time.Duration.
const (
	FieldInteger FieldType = iota
	FieldFloat
	FieldBoolean
	FieldString
	FieldDuration
)

func (f FieldType) String() string {
	switch f {
	case FieldInteger:
		return "integer"
	case FieldFloat:
		return "float"
	case FieldBoolean:
		return "boolean"
	case FieldString:
		return "string"
	case FieldDuration:
		return "duration"
	default:
		return "unknown"
	}
}

// Field is a named, typed member of a composite schema
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"-"`
}

// Schema is the ordered set of fields of a composite value
type Schema []Field

// Has reports whether the schema declares name
func (s Schema) Has(name string) bool {
	_, ok := s.Field(name)
	return ok
}

// Field looks up a field by name
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Names returns the field names in schema order
func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, f := range s {
		out[i] = f.Name
	}
	return out
}

// Describe returns name to type-name pairs for management listings
func (s Schema) Describe() map[string]string {
	out := make(map[string]string, len(s))
	for _, f := range s {
		out[f.Name] = f.Type.String()
	}
	return out
}
