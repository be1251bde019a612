package aggregator

import (
	"time"

	"github.com/c360/attrstream/catalog"
)

type flagState struct {
	Rate       rateState `cbor:"rate"`
	Value      bool      `cbor:"value"`
	TrueCount  int64     `cbor:"true"`
	FalseCount int64     `cbor:"false"`
}

// Flag counts boolean observations
type Flag struct {
	cell cell[flagState]
}

// NewFlag creates an empty flag aggregator
func NewFlag() *Flag { return &Flag{} }

// Type implements Aggregator
func (f *Flag) Type() catalog.Type { return catalog.Flag }

// Update implements Aggregator
func (f *Flag) Update(value any, at time.Time) error {
	v, ok := value.(bool)
	if !ok {
		return unexpected(catalog.Flag, value)
	}
	return f.cell.apply(func(s *flagState) error {
		s.Value = v
		if v {
			s.TrueCount++
		} else {
			s.FalseCount++
		}
		s.Rate.observe(at)
		return nil
	})
}

// Read implements Aggregator
func (f *Flag) Read() catalog.Composite {
	s := f.cell.load()
	ratio := 0.0
	if s.Rate.Count > 0 {
		ratio = float64(s.TrueCount) / float64(s.Rate.Count)
	}
	return catalog.MustComposite(catalog.Flag, map[string]any{
		"value":      s.Value,
		"trueCount":  s.TrueCount,
		"falseCount": s.FalseCount,
		"ratio":      ratio,
		"rate":       s.Rate.rate(),
		"count":      s.Rate.Count,
	})
}

// Reset implements Aggregator
func (f *Flag) Reset() { f.cell.store(flagState{}) }

// Clone implements Aggregator
func (f *Flag) Clone() Aggregator {
	c := &Flag{}
	c.cell.store(f.cell.load())
	return c
}

// MarshalBinary implements encoding.BinaryMarshaler
func (f *Flag) MarshalBinary() ([]byte, error) { return f.cell.marshal() }

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (f *Flag) UnmarshalBinary(data []byte) error { return f.cell.unmarshal(data) }

type stringState struct {
	Rate  rateState `cbor:"rate"`
	Value string    `cbor:"value"`
	First string    `cbor:"first"`
}

// StringGauge keeps the first and latest string observations
type StringGauge struct {
	cell cell[stringState]
}

// NewStringGauge creates an empty string gauge
func NewStringGauge() *StringGauge { return &StringGauge{} }

// Type implements Aggregator
func (g *StringGauge) Type() catalog.Type { return catalog.StringGauge }

// Update implements Aggregator
func (g *StringGauge) Update(value any, at time.Time) error {
	v, ok := value.(string)
	if !ok {
		return unexpected(catalog.StringGauge, value)
	}
	return g.cell.apply(func(s *stringState) error {
		if s.Rate.Count == 0 {
			s.First = v
		}
		s.Value = v
		s.Rate.observe(at)
		return nil
	})
}

// Read implements Aggregator
func (g *StringGauge) Read() catalog.Composite {
	s := g.cell.load()
	return catalog.MustComposite(catalog.StringGauge, map[string]any{
		"value": s.Value,
		"first": s.First,
		"rate":  s.Rate.rate(),
		"count": s.Rate.Count,
	})
}

// Reset implements Aggregator
func (g *StringGauge) Reset() { g.cell.store(stringState{}) }

// Clone implements Aggregator
func (g *StringGauge) Clone() Aggregator {
	c := &StringGauge{}
	c.cell.store(g.cell.load())
	return c
}

// MarshalBinary implements encoding.BinaryMarshaler
func (g *StringGauge) MarshalBinary() ([]byte, error) { return g.cell.marshal() }

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (g *StringGauge) UnmarshalBinary(data []byte) error { return g.cell.unmarshal(data) }
