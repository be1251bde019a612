package attribute

import (
	"context"
	"fmt"

	"github.com/c360/attrstream/catalog"
	"github.com/c360/attrstream/errors"
)

// Derived is a pull attribute that reads a sibling on every Read. The
// grammar never builds a bare Derived; it is the base Projection embeds for
// the sibling lookup and the read-only Write.
type Derived struct {
	info     Info
	source   string
	resolver Resolver
}

var _ Attribute = (*Derived)(nil)

// NewDerived creates a pull attribute mirroring source. Projection is its
// only production caller.
func NewDerived(info Info, source string, resolver Resolver) *Derived {
	info.Variant = VariantDerived
	info.Source = source
	return &Derived{info: info, source: source, resolver: resolver}
}

// Info implements Attribute
func (d *Derived) Info() Info { return d.info }

// Source returns the sibling attribute name
func (d *Derived) Source() string { return d.source }

// Read implements Attribute
func (d *Derived) Read(ctx context.Context) (any, error) {
	if d.resolver == nil {
		return nil, errors.WrapInvalid(errors.ErrAttributeNotFound, "Derived", "Read", "resolve "+d.source)
	}
	return d.resolver.ReadAttribute(ctx, d.source)
}

// Write implements Attribute
func (d *Derived) Write(_ context.Context, _ any) error {
	return readOnly(d.info.Name)
}

// Projection extracts one field from a sibling's composite value. The
// field was validated against the source type's schema when the
// definition was parsed.
type Projection struct {
	*Derived
	field      string
	sourceType catalog.Type
}

var _ Attribute = (*Projection)(nil)

// NewProjection creates a projection of field from the sibling source,
// which must be of type sourceType.
func NewProjection(info Info, source string, sourceType catalog.Type, field string, resolver Resolver) *Projection {
	d := NewDerived(info, source, resolver)
	d.info.Variant = VariantProjection
	d.info.Field = field
	d.info.MetricType = sourceType
	return &Projection{Derived: d, field: field, sourceType: sourceType}
}

// Info implements Attribute
func (p *Projection) Info() Info { return p.info }

// Read implements Attribute
func (p *Projection) Read(ctx context.Context) (any, error) {
	v, err := p.Derived.Read(ctx)
	if err != nil {
		return nil, err
	}

	composite, ok := v.(catalog.Composite)
	if !ok || composite.Type() != p.sourceType {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s is %T", errors.ErrProjectionMismatch, p.source, v),
			"Projection", "Read", "project "+p.field)
	}

	field, ok := composite.Get(p.field)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrIncorrectOperator, "Projection", "Read", "project "+p.field)
	}
	return field, nil
}
