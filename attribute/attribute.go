// Package attribute implements the management attributes exposed by a
// connector.
//
// There are two capability axes. Push attributes own an aggregator and are
// updated by inbound events; pull attributes compute their value on demand
// from a sibling. Push attributes are also distributable: their state can
// be snapshotted and loaded on another cluster member. The concrete
// variants are Stateful (push, distributable) and Projection (pull, one
// field of a sibling's composite value). Derived is the pull base that
// Projection builds on.
//
// Every attribute is read-only for external callers; Write always fails
// with errors.ErrAttributeReadOnly.
package attribute

import (
	"context"

	"github.com/c360/attrstream/aggregator"
	"github.com/c360/attrstream/catalog"
	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/event"
)

// Variant names the concrete attribute implementation
type Variant string

// Attribute variants
const (
	VariantStateful   Variant = "stateful"
	VariantDerived    Variant = "derived"
	VariantProjection Variant = "projection"
)

// Info is the immutable identity of an attribute
type Info struct {
	Name        string         `json:"name"`
	Definition  string         `json:"definition"`
	MetricType  catalog.Type   `json:"metric_type"`
	Field       string         `json:"field,omitempty"`
	Source      string         `json:"source,omitempty"`
	Description string         `json:"description,omitempty"`
	Variant     Variant        `json:"variant"`
	Schema      catalog.Schema `json:"-"`
}

// Attribute is implemented by every variant
type Attribute interface {
	Info() Info
	// Read returns the current value: a catalog.Composite for stateful
	// and derived attributes, a single field value for projections.
	Read(ctx context.Context) (any, error)
	// Write always fails; attributes are updated only by dispatch.
	Write(ctx context.Context, value any) error
}

// Push is an attribute updated by inbound events
type Push interface {
	Attribute
	// Offer applies ev and reports exactly one outcome
	Offer(ev *event.Event) Result
	Reset()
	Close()
}

// Distributed is a push attribute whose state can move between members
type Distributed interface {
	Push
	// TakeSnapshot returns an independent copy of the aggregator, nil
	// after Close.
	TakeSnapshot() aggregator.Aggregator
	// LoadFromSnapshot replaces the aggregator with a copy of s. Snapshots
	// of another aggregator type are ignored and false is returned.
	LoadFromSnapshot(s aggregator.Aggregator) bool
}

// Resolver reads sibling attributes for pull variants
type Resolver interface {
	ReadAttribute(ctx context.Context, name string) (any, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(ctx context.Context, name string) (any, error)

// ReadAttribute implements Resolver
func (f ResolverFunc) ReadAttribute(ctx context.Context, name string) (any, error) {
	return f(ctx, name)
}

// Outcome classifies a dispatch result
type Outcome int

// Dispatch outcomes
const (
	Ignored Outcome = iota
	Processed
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Processed:
		return "processed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of offering one event to one attribute. Value is
// set for Processed, Err for Failed.
type Result struct {
	Attribute string
	Outcome   Outcome
	Value     any
	Err       error
}

func readOnly(name string) error {
	return errors.WrapInvalid(errors.ErrAttributeReadOnly, "Attribute", "Write", "set "+name)
}
