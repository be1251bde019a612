package aggregator

import (
	"time"

	"github.com/c360/attrstream/catalog"
)

type timerState struct {
	Rate rateState     `cbor:"rate"`
	Last time.Duration `cbor:"last"`
	Min  time.Duration `cbor:"min"`
	Max  time.Duration `cbor:"max"`
	Sum  time.Duration `cbor:"sum"`
}

// Timer tracks the last, minimum, maximum and mean of duration samples
type Timer struct {
	cell cell[timerState]
}

// NewTimer creates an empty timer
func NewTimer() *Timer { return &Timer{} }

// Type implements Aggregator
func (t *Timer) Type() catalog.Type { return catalog.Timer }

// Update implements Aggregator
func (t *Timer) Update(value any, at time.Time) error {
	v, ok := value.(time.Duration)
	if !ok {
		return unexpected(catalog.Timer, value)
	}
	return t.cell.apply(func(s *timerState) error {
		if s.Rate.Count == 0 || v < s.Min {
			s.Min = v
		}
		if s.Rate.Count == 0 || v > s.Max {
			s.Max = v
		}
		s.Last = v
		s.Sum += v
		s.Rate.observe(at)
		return nil
	})
}

// Read implements Aggregator
func (t *Timer) Read() catalog.Composite {
	s := t.cell.load()
	var mean time.Duration
	if s.Rate.Count > 0 {
		mean = s.Sum / time.Duration(s.Rate.Count)
	}
	return catalog.MustComposite(catalog.Timer, map[string]any{
		"last":  s.Last,
		"min":   s.Min,
		"max":   s.Max,
		"mean":  mean,
		"rate":  s.Rate.rate(),
		"count": s.Rate.Count,
	})
}

// Reset implements Aggregator
func (t *Timer) Reset() { t.cell.store(timerState{}) }

// Clone implements Aggregator
func (t *Timer) Clone() Aggregator {
	c := &Timer{}
	c.cell.store(t.cell.load())
	return c
}

// MarshalBinary implements encoding.BinaryMarshaler
func (t *Timer) MarshalBinary() ([]byte, error) { return t.cell.marshal() }

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (t *Timer) UnmarshalBinary(data []byte) error { return t.cell.unmarshal(data) }
