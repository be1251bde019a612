package aggregator

import (
	"time"

	"github.com/c360/attrstream/catalog"
)

type rangedState[T float64 | time.Duration] struct {
	Rate   rateState `cbor:"rate"`
	Lower  T         `cbor:"lower"`
	Upper  T         `cbor:"upper"`
	Last   T         `cbor:"last"`
	Below  int64     `cbor:"below"`
	Within int64     `cbor:"within"`
	Above  int64     `cbor:"above"`
}

// Ranged classifies samples against the closed interval [Lower, Upper] and
// reports the fraction of samples below, within and above it.
type Ranged[T float64 | time.Duration] struct {
	typ       catalog.Type
	lastField string
	cell      cell[rangedState[T]]
}

// NewRangedFP creates a ranged floating-point gauge
func NewRangedFP(lower, upper float64) *Ranged[float64] {
	r := &Ranged[float64]{typ: catalog.RangedFP, lastField: "value"}
	r.cell.store(rangedState[float64]{Lower: lower, Upper: upper})
	return r
}

// NewRangedTimer creates a ranged timer
func NewRangedTimer(lower, upper time.Duration) *Ranged[time.Duration] {
	r := &Ranged[time.Duration]{typ: catalog.RangedTimer, lastField: "last"}
	r.cell.store(rangedState[time.Duration]{Lower: lower, Upper: upper})
	return r
}

// Bounds returns the configured interval
func (r *Ranged[T]) Bounds() (lower, upper T) {
	s := r.cell.load()
	return s.Lower, s.Upper
}

// Type implements Aggregator
func (r *Ranged[T]) Type() catalog.Type { return r.typ }

// Update implements Aggregator
func (r *Ranged[T]) Update(value any, at time.Time) error {
	v, ok := value.(T)
	if !ok {
		return unexpected(r.typ, value)
	}
	return r.cell.apply(func(s *rangedState[T]) error {
		switch {
		case v < s.Lower:
			s.Below++
		case v > s.Upper:
			s.Above++
		default:
			s.Within++
		}
		s.Last = v
		s.Rate.observe(at)
		return nil
	})
}

// Read implements Aggregator
func (r *Ranged[T]) Read() catalog.Composite {
	s := r.cell.load()
	fraction := func(n int64) float64 {
		if s.Rate.Count == 0 {
			return 0
		}
		return float64(n) / float64(s.Rate.Count)
	}
	return catalog.MustComposite(r.typ, map[string]any{
		r.lastField:        s.Last,
		"lessThanRange":    fraction(s.Below),
		"inRange":          fraction(s.Within),
		"greaterThanRange": fraction(s.Above),
		"rate":             s.Rate.rate(),
		"count":            s.Rate.Count,
	})
}

// Reset implements Aggregator
func (r *Ranged[T]) Reset() {
	_ = r.cell.apply(func(s *rangedState[T]) error {
		*s = rangedState[T]{Lower: s.Lower, Upper: s.Upper}
		return nil
	})
}

// Clone implements Aggregator
func (r *Ranged[T]) Clone() Aggregator {
	c := &Ranged[T]{typ: r.typ, lastField: r.lastField}
	c.cell.store(r.cell.load())
	return c
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r *Ranged[T]) MarshalBinary() ([]byte, error) { return r.cell.marshal() }

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *Ranged[T]) UnmarshalBinary(data []byte) error { return r.cell.unmarshal(data) }
