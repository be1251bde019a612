package aggregator

import (
	"time"

	"github.com/c360/attrstream/catalog"
)

type gaugeState[T int64 | float64] struct {
	Rate  rateState `cbor:"rate"`
	Value T         `cbor:"value"`
	Min   T         `cbor:"min"`
	Max   T         `cbor:"max"`
	Sum   float64   `cbor:"sum"`
}

// Gauge tracks the last, minimum, maximum and mean of a numeric series
type Gauge[T int64 | float64] struct {
	typ  catalog.Type
	cell cell[gaugeState[T]]
}

// NewGauge64 creates an integer gauge
func NewGauge64() *Gauge[int64] {
	return &Gauge[int64]{typ: catalog.Gauge64}
}

// NewGaugeFP creates a floating-point gauge
func NewGaugeFP() *Gauge[float64] {
	return &Gauge[float64]{typ: catalog.GaugeFP}
}

// Type implements Aggregator
func (g *Gauge[T]) Type() catalog.Type { return g.typ }

// Update implements Aggregator
func (g *Gauge[T]) Update(value any, at time.Time) error {
	v, ok := value.(T)
	if !ok {
		return unexpected(g.typ, value)
	}
	return g.cell.apply(func(s *gaugeState[T]) error {
		if s.Rate.Count == 0 || v < s.Min {
			s.Min = v
		}
		if s.Rate.Count == 0 || v > s.Max {
			s.Max = v
		}
		s.Value = v
		s.Sum += float64(v)
		s.Rate.observe(at)
		return nil
	})
}

// Read implements Aggregator
func (g *Gauge[T]) Read() catalog.Composite {
	s := g.cell.load()
	mean := 0.0
	if s.Rate.Count > 0 {
		mean = s.Sum / float64(s.Rate.Count)
	}
	return catalog.MustComposite(g.typ, map[string]any{
		"value": s.Value,
		"min":   s.Min,
		"max":   s.Max,
		"mean":  mean,
		"rate":  s.Rate.rate(),
		"count": s.Rate.Count,
	})
}

// Reset implements Aggregator
func (g *Gauge[T]) Reset() { g.cell.store(gaugeState[T]{}) }

// Clone implements Aggregator
func (g *Gauge[T]) Clone() Aggregator {
	c := &Gauge[T]{typ: g.typ}
	c.cell.store(g.cell.load())
	return c
}

// MarshalBinary implements encoding.BinaryMarshaler
func (g *Gauge[T]) MarshalBinary() ([]byte, error) { return g.cell.marshal() }

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (g *Gauge[T]) UnmarshalBinary(data []byte) error { return g.cell.unmarshal(data) }
