// Package aggregator holds the stateful accumulators behind push attributes.
//
// Every aggregator is internally synchronized: Update, Read, Reset, Clone
// and the binary encoding methods may be called from any goroutine. State is
// encoded with deterministic CBOR so snapshots of equal state are
// byte-identical.
package aggregator

import (
	"encoding"
	"fmt"
	"sync"
	"time"

	"github.com/c360/attrstream/catalog"
	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/pkg/codec"
)

// Aggregator accumulates measurements into a composite value
type Aggregator interface {
	// Type returns the catalog type implemented by the aggregator
	Type() catalog.Type
	// Update feeds one extracted measurement observed at the given time.
	// The value must be the Go type matching the catalog's accepted kind;
	// types accepting any event ignore it.
	Update(value any, at time.Time) error
	// Read returns the current composite value
	Read() catalog.Composite
	// Reset clears accumulated state and keeps construction parameters
	Reset()
	// Clone returns an independent deep copy
	Clone() Aggregator

	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Params carries the construction parameters of ranged and arrivals types
type Params struct {
	Lower         float64
	Upper         float64
	LowerDuration time.Duration
	UpperDuration time.Duration
	Channels      int
}

// New creates an empty aggregator of type t
func New(t catalog.Type, p Params) (Aggregator, error) {
	switch t {
	case catalog.RangedFP:
		if p.Lower > p.Upper {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "aggregator", "New",
				fmt.Sprintf("check range %v..%v", p.Lower, p.Upper))
		}
		return NewRangedFP(p.Lower, p.Upper), nil
	case catalog.RangedTimer:
		if p.LowerDuration > p.UpperDuration {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "aggregator", "New",
				fmt.Sprintf("check range %v..%v", p.LowerDuration, p.UpperDuration))
		}
		return NewRangedTimer(p.LowerDuration, p.UpperDuration), nil
	case catalog.Arrivals:
		if p.Channels < 0 {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "aggregator", "New",
				fmt.Sprintf("check channels %d", p.Channels))
		}
		return NewArrivals(p.Channels), nil
	}

	if agg := blank(t); agg != nil {
		return agg, nil
	}
	return nil, errors.WrapInvalid(errors.ErrUnrecognizedAttributeType, "aggregator", "New",
		fmt.Sprintf("resolve type %q", t))
}

// Decode rebuilds an aggregator from a type tag and the payload produced
// by its MarshalBinary.
func Decode(tag string, payload []byte) (Aggregator, error) {
	agg := blank(catalog.Type(tag))
	if agg == nil {
		return nil, errors.WrapFatal(errors.ErrDataCorrupted, "aggregator", "Decode",
			fmt.Sprintf("resolve type tag %q", tag))
	}
	if err := agg.UnmarshalBinary(payload); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err),
			"aggregator", "Decode", "decode "+tag+" state")
	}
	return agg, nil
}

// blank returns a zero aggregator for t, nil for unknown types
func blank(t catalog.Type) Aggregator {
	switch t {
	case catalog.Gauge64:
		return NewGauge64()
	case catalog.GaugeFP:
		return NewGaugeFP()
	case catalog.Flag:
		return NewFlag()
	case catalog.StringGauge:
		return NewStringGauge()
	case catalog.Timer:
		return NewTimer()
	case catalog.RangedFP:
		return NewRangedFP(0, 0)
	case catalog.RangedTimer:
		return NewRangedTimer(0, 0)
	case catalog.Arrivals:
		return NewArrivals(1)
	case catalog.NotificationRate:
		return NewNotificationRate()
	default:
		return nil
	}
}

func unexpected(t catalog.Type, value any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %T", errors.ErrUnexpectedValue, value),
		"aggregator", "Update", "apply "+string(t)+" measurement")
}

// rateState tracks the event count and the observed timestamp span. The
// rate is count over the span, with the span floored at one second.
type rateState struct {
	Count int64     `cbor:"count"`
	First time.Time `cbor:"first"`
	Last  time.Time `cbor:"last"`
}

func (r *rateState) observe(at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	if r.Count == 0 || at.Before(r.First) {
		r.First = at
	}
	if r.Count == 0 || at.After(r.Last) {
		r.Last = at
	}
	r.Count++
}

func (r rateState) rate() float64 {
	if r.Count == 0 {
		return 0
	}
	span := r.Last.Sub(r.First)
	if span < time.Second {
		span = time.Second
	}
	return float64(r.Count) / span.Seconds()
}

// cell guards one state value. S must be a plain value type so that
// copying it yields an independent snapshot.
type cell[S any] struct {
	mu    sync.Mutex
	state S
}

func (c *cell[S]) load() S {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *cell[S]) store(s S) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *cell[S]) apply(fn func(*S) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(&c.state)
}

func (c *cell[S]) marshal() ([]byte, error) {
	return codec.Marshal(c.load())
}

func (c *cell[S]) unmarshal(data []byte) error {
	var s S
	if err := codec.Unmarshal(data, &s); err != nil {
		return err
	}
	c.store(s)
	return nil
}
