package aggregator

import (
	"time"

	"github.com/c360/attrstream/catalog"
)

type arrivalsState struct {
	Rate        rateState     `cbor:"rate"`
	Channels    int64         `cbor:"channels"`
	Previous    time.Time     `cbor:"prev"`
	Intervals   int64         `cbor:"intervals"`
	SumInterval time.Duration `cbor:"sum"`
	MinInterval time.Duration `cbor:"min"`
	MaxInterval time.Duration `cbor:"max"`
}

// Arrivals measures inter-arrival timing of events regardless of payload.
// The connector keeps one for the whole resource; attributes may use it too.
type Arrivals struct {
	cell cell[arrivalsState]
}

// NewArrivals creates an arrivals tracker; channels below one mean one
func NewArrivals(channels int) *Arrivals {
	if channels < 1 {
		channels = 1
	}
	a := &Arrivals{}
	a.cell.store(arrivalsState{Channels: int64(channels)})
	return a
}

// Type implements Aggregator
func (a *Arrivals) Type() catalog.Type { return catalog.Arrivals }

// Update implements Aggregator. The value is ignored.
func (a *Arrivals) Update(_ any, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	return a.cell.apply(func(s *arrivalsState) error {
		if s.Rate.Count > 0 {
			interval := at.Sub(s.Previous)
			if interval < 0 {
				interval = 0
			}
			if s.Intervals == 0 || interval < s.MinInterval {
				s.MinInterval = interval
			}
			if interval > s.MaxInterval {
				s.MaxInterval = interval
			}
			s.SumInterval += interval
			s.Intervals++
		}
		if s.Rate.Count == 0 || at.After(s.Previous) {
			s.Previous = at
		}
		s.Rate.observe(at)
		return nil
	})
}

// Read implements Aggregator
func (a *Arrivals) Read() catalog.Composite {
	s := a.cell.load()
	var mean time.Duration
	if s.Intervals > 0 {
		mean = s.SumInterval / time.Duration(s.Intervals)
	}
	rate := s.Rate.rate()
	return catalog.MustComposite(catalog.Arrivals, map[string]any{
		"rate":           rate,
		"count":          s.Rate.Count,
		"meanInterval":   mean,
		"minInterval":    s.MinInterval,
		"maxInterval":    s.MaxInterval,
		"channels":       s.Channels,
		"ratePerChannel": rate / float64(s.Channels),
	})
}

// Reset implements Aggregator
func (a *Arrivals) Reset() {
	_ = a.cell.apply(func(s *arrivalsState) error {
		*s = arrivalsState{Channels: s.Channels}
		return nil
	})
}

// Clone implements Aggregator
func (a *Arrivals) Clone() Aggregator {
	c := &Arrivals{}
	c.cell.store(a.cell.load())
	return c
}

// MarshalBinary implements encoding.BinaryMarshaler
func (a *Arrivals) MarshalBinary() ([]byte, error) { return a.cell.marshal() }

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (a *Arrivals) UnmarshalBinary(data []byte) error {
	if err := a.cell.unmarshal(data); err != nil {
		return err
	}
	return a.cell.apply(func(s *arrivalsState) error {
		if s.Channels < 1 {
			s.Channels = 1
		}
		return nil
	})
}

// NotificationRate counts events of any kind
type NotificationRate struct {
	cell cell[rateState]
}

// NewNotificationRate creates an empty event rate counter
func NewNotificationRate() *NotificationRate { return &NotificationRate{} }

// Type implements Aggregator
func (n *NotificationRate) Type() catalog.Type { return catalog.NotificationRate }

// Update implements Aggregator. The value is ignored.
func (n *NotificationRate) Update(_ any, at time.Time) error {
	return n.cell.apply(func(s *rateState) error {
		s.observe(at)
		return nil
	})
}

// Read implements Aggregator
func (n *NotificationRate) Read() catalog.Composite {
	s := n.cell.load()
	return catalog.MustComposite(catalog.NotificationRate, map[string]any{
		"rate":  s.rate(),
		"count": s.Count,
	})
}

// Reset implements Aggregator
func (n *NotificationRate) Reset() { n.cell.store(rateState{}) }

// Clone implements Aggregator
func (n *NotificationRate) Clone() Aggregator {
	c := &NotificationRate{}
	c.cell.store(n.cell.load())
	return c
}

// MarshalBinary implements encoding.BinaryMarshaler
func (n *NotificationRate) MarshalBinary() ([]byte, error) { return n.cell.marshal() }

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (n *NotificationRate) UnmarshalBinary(data []byte) error { return n.cell.unmarshal(data) }
