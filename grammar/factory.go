package grammar

import (
	"fmt"

	"github.com/c360/attrstream/aggregator"
	"github.com/c360/attrstream/attribute"
	"github.com/c360/attrstream/catalog"
	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/event"
)

// Projection is the parsed `get <field> from <type> <source>` form
type Projection struct {
	Field  string
	Source string
}

// Factory builds the attribute selected by a parsed definition
type Factory struct {
	Definition string
	Entry      catalog.Entry
	Projection *Projection
}

// IsProjection reports whether the factory builds a pull attribute
func (f Factory) IsProjection() bool {
	return f.Projection != nil
}

// Build creates the attribute named name. Ranged bounds and the channel
// hint are read from the descriptor; the resolver serves projections.
func (f Factory) Build(name string, d attribute.Descriptor, resolver attribute.Resolver) (attribute.Attribute, error) {
	description, _ := d.Get(attribute.KeyDescription)
	info := attribute.Info{
		Name:        name,
		Definition:  f.Definition,
		MetricType:  f.Entry.Type,
		Description: description,
		Schema:      f.Entry.Schema,
	}

	if f.Projection != nil {
		if f.Projection.Source == name {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s projects itself", errors.ErrInvalidConfig, name),
				"Factory", "Build", "check projection source")
		}
		info.Schema = nil
		return attribute.NewProjection(info, f.Projection.Source, f.Entry.Type, f.Projection.Field, resolver), nil
	}

	params, err := f.params(d)
	if err != nil {
		return nil, err
	}

	agg, err := aggregator.New(f.Entry.Type, params)
	if err != nil {
		return nil, errors.Wrap(err, "Factory", "Build", "create "+string(f.Entry.Type)+" aggregator")
	}

	// Typed attributes follow the measurement carrying their own name
	// unless told otherwise.
	measurement, ok := d.Get(attribute.KeyMeasurement)
	if !ok && f.Entry.Accepts != event.KindAny {
		measurement = name
	}
	return attribute.NewStateful(info, agg, f.Entry.Accepts, measurement), nil
}

func (f Factory) params(d attribute.Descriptor) (aggregator.Params, error) {
	var p aggregator.Params

	switch f.Entry.Params {
	case catalog.ParamsNumericBounds:
		lower, okLower, err := d.Float(attribute.KeyFrom)
		if err != nil {
			return p, invalidParam(err)
		}
		upper, okUpper, err := d.Float(attribute.KeyTo)
		if err != nil {
			return p, invalidParam(err)
		}
		if !okLower || !okUpper {
			return p, missingBounds(f.Entry.Type)
		}
		p.Lower, p.Upper = lower, upper

	case catalog.ParamsDurationBounds:
		lower, okLower, err := d.Duration(attribute.KeyFrom)
		if err != nil {
			return p, invalidParam(err)
		}
		upper, okUpper, err := d.Duration(attribute.KeyTo)
		if err != nil {
			return p, invalidParam(err)
		}
		if !okLower || !okUpper {
			return p, missingBounds(f.Entry.Type)
		}
		p.LowerDuration, p.UpperDuration = lower, upper

	case catalog.ParamsChannels:
		channels, ok, err := d.Int(attribute.KeyChannels)
		if err != nil {
			return p, invalidParam(err)
		}
		if ok && channels < 1 {
			return p, invalidParam(fmt.Errorf("channels must be positive, got %d", channels))
		}
		p.Channels = channels
	}

	return p, nil
}

func missingBounds(t catalog.Type) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s requires %q and %q", errors.ErrMissingParameter, t, attribute.KeyFrom, attribute.KeyTo),
		"Factory", "Build", "read bounds")
}

func invalidParam(err error) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Factory", "Build", "read parameters")
}
