package attribute

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/c360/attrstream/aggregator"
	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/event"
	"github.com/c360/attrstream/filter"
)

// Stateful is a push attribute backed by one aggregator
type Stateful struct {
	info        Info
	expected    event.Kind
	measurement string
	filter      filter.Predicate

	mu  sync.RWMutex
	agg aggregator.Aggregator
}

var _ Distributed = (*Stateful)(nil)

// NewStateful wraps agg. measurement is the logical event name the
// attribute represents; empty means any event for types that accept any
// kind, and the attribute name otherwise.
func NewStateful(info Info, agg aggregator.Aggregator, expected event.Kind, measurement string) *Stateful {
	info.Variant = VariantStateful
	if info.MetricType == "" {
		info.MetricType = agg.Type()
	}
	if measurement == "" && expected != event.KindAny {
		measurement = info.Name
	}
	return &Stateful{
		info:        info,
		expected:    expected,
		measurement: measurement,
		filter:      filter.Always,
		agg:         agg,
	}
}

// SetFilter attaches the predicate consulted before every update. It is
// called once while the attribute is being connected.
func (s *Stateful) SetFilter(p filter.Predicate) {
	if p == nil {
		p = filter.Always
	}
	s.mu.Lock()
	s.filter = p
	s.mu.Unlock()
}

// Info implements Attribute
func (s *Stateful) Info() Info { return s.info }

// Expected returns the measurement kind the attribute accepts
func (s *Stateful) Expected() event.Kind { return s.expected }

// Read implements Attribute
func (s *Stateful) Read(_ context.Context) (any, error) {
	agg := s.current()
	if agg == nil {
		return nil, errors.ErrAttributeClosed
	}
	return agg.Read(), nil
}

// Write implements Attribute
func (s *Stateful) Write(_ context.Context, _ any) error {
	return readOnly(s.info.Name)
}

// Offer implements Push. The event is ignored when the filter rejects it,
// its kind does not match or it does not represent this attribute.
// Extraction or update failures leave the aggregator unchanged and are
// reported as Failed.
func (s *Stateful) Offer(ev *event.Event) (res Result) {
	res = Result{Attribute: s.info.Name, Outcome: Ignored}

	s.mu.RLock()
	agg, accept := s.agg, s.filter
	s.mu.RUnlock()

	if agg == nil || ev == nil {
		return res
	}
	if !accept(ev) {
		return res
	}
	if !s.expected.Accepts(ev.Kind()) {
		return res
	}
	if !s.represents(ev) {
		return res
	}

	defer func() {
		if r := recover(); r != nil {
			res = Result{
				Attribute: s.info.Name,
				Outcome:   Failed,
				Err:       fmt.Errorf("%w: panic: %v", errors.ErrUnexpectedValue, r),
			}
		}
	}()

	value, err := ev.Measurement.Extract(s.expected)
	if err != nil {
		return Result{Attribute: s.info.Name, Outcome: Failed, Err: fmt.Errorf("%w: %v", errors.ErrUnexpectedValue, err)}
	}
	if err := agg.Update(value, ev.Timestamp); err != nil {
		return Result{Attribute: s.info.Name, Outcome: Failed, Err: err}
	}
	return Result{Attribute: s.info.Name, Outcome: Processed, Value: agg.Read()}
}

// represents reports whether ev carries this attribute's measurement.
// Attributes accepting any event without a measurement name count every
// event except synthesized change notifications.
func (s *Stateful) represents(ev *event.Event) bool {
	if s.measurement == "" {
		return !ev.IsAttributeChange()
	}
	return ev.LogicalName() == s.measurement
}

// Reset implements Push
func (s *Stateful) Reset() {
	if agg := s.current(); agg != nil {
		agg.Reset()
	}
}

// Close implements Push. The attribute becomes inert.
func (s *Stateful) Close() {
	s.mu.Lock()
	s.agg = nil
	s.mu.Unlock()
}

// TakeSnapshot implements Distributed
func (s *Stateful) TakeSnapshot() aggregator.Aggregator {
	agg := s.current()
	if agg == nil {
		return nil
	}
	return agg.Clone()
}

// LoadFromSnapshot implements Distributed
func (s *Stateful) LoadFromSnapshot(snapshot aggregator.Aggregator) bool {
	if snapshot == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.agg == nil {
		return false
	}
	if reflect.TypeOf(snapshot) != reflect.TypeOf(s.agg) || snapshot.Type() != s.agg.Type() {
		return false
	}
	s.agg = snapshot.Clone()
	return true
}

func (s *Stateful) current() aggregator.Aggregator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agg
}
