package grammar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/attrstream/attribute"
	"github.com/c360/attrstream/catalog"
	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/event"
)

func boundsFor(t catalog.Type) attribute.Descriptor {
	switch t {
	case catalog.RangedFP:
		return attribute.Descriptor{attribute.KeyFrom: "0", attribute.KeyTo: "100"}
	case catalog.RangedTimer:
		return attribute.Descriptor{attribute.KeyFrom: "10ms", attribute.KeyTo: "1s"}
	default:
		return attribute.Descriptor{}
	}
}

func TestParse_EveryMetricType(t *testing.T) {
	parser, err := NewParser()
	require.NoError(t, err)

	for _, typ := range catalog.Types() {
		t.Run(string(typ), func(t *testing.T) {
			f, err := parser.Parse(string(typ))
			require.NoError(t, err)
			assert.False(t, f.IsProjection())

			attr, err := f.Build("a", boundsFor(typ), nil)
			require.NoError(t, err)
			push, ok := attr.(attribute.Distributed)
			require.True(t, ok, "bare types build distributable push attributes")
			assert.Equal(t, typ, push.Info().MetricType)

			v, err := push.Read(context.Background())
			require.NoError(t, err)
			assert.Equal(t, typ, v.(catalog.Composite).Type())
		})
	}
}

func TestParse_ProjectionFieldValidation(t *testing.T) {
	for _, typ := range catalog.Types() {
		entry := catalog.MustLookup(typ)
		for _, field := range entry.Schema.Names() {
			f, err := Parse("get " + field + " from " + string(typ) + " src")
			require.NoError(t, err, "%s.%s", typ, field)
			require.True(t, f.IsProjection())
			assert.Equal(t, field, f.Projection.Field)
			assert.Equal(t, "src", f.Projection.Source)
		}
	}

	_, err := Parse("get rate from timer latencyAttr")
	assert.NoError(t, err)

	_, err = Parse("get bogus from timer latencyAttr")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrIncorrectOperator)
	assert.True(t, errors.IsInvalid(err))
}

func TestParse_Unrecognized(t *testing.T) {
	for _, def := range []string{
		"",
		"histogram",
		"timer extra",
		"get rate timer latency",
		"get rate from timer",
		"get rate from histogram latency",
		"fetch rate from timer latency",
	} {
		t.Run(def, func(t *testing.T) {
			_, err := Parse(def)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrUnrecognizedAttributeType)
		})
	}
}

func TestParser_Memoizes(t *testing.T) {
	parser, err := NewParser(WithCacheSize(4))
	require.NoError(t, err)

	first, err := parser.Parse("get  max  from timer latency")
	require.NoError(t, err)
	second, err := parser.Parse("get max from timer latency")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), parser.memo.Stats().Hits)
	assert.Equal(t, "get max from timer latency", first.Definition)
}

func TestBuild_RangedBounds(t *testing.T) {
	f, err := Parse("rangedFP")
	require.NoError(t, err)

	_, err = f.Build("temp", attribute.Descriptor{attribute.KeyFrom: "1"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingParameter)

	_, err = f.Build("temp", attribute.Descriptor{attribute.KeyFrom: "x", attribute.KeyTo: "2"}, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = f.Build("temp", attribute.Descriptor{attribute.KeyFrom: "5", attribute.KeyTo: "2"}, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	attr, err := f.Build("temp", attribute.Descriptor{attribute.KeyFrom: "10", attribute.KeyTo: "20"}, nil)
	require.NoError(t, err)

	push := attr.(attribute.Push)
	ev := event.New("metrics", "temp", event.FloatMeasurement("", 25))
	res := push.Offer(ev)
	require.Equal(t, attribute.Processed, res.Outcome)
	above, _ := res.Value.(catalog.Composite).Get("greaterThanRange")
	assert.Equal(t, 1.0, above)

	timer, err := Parse("rangedTimer")
	require.NoError(t, err)
	_, err = timer.Build("rt", attribute.Descriptor{attribute.KeyTo: "1s"}, nil)
	assert.ErrorIs(t, err, errors.ErrMissingParameter)
}

func TestBuild_ArrivalsChannels(t *testing.T) {
	f, err := Parse("arrivals")
	require.NoError(t, err)

	_, err = f.Build("in", attribute.Descriptor{attribute.KeyChannels: "0"}, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	attr, err := f.Build("in", attribute.Descriptor{attribute.KeyChannels: "4"}, nil)
	require.NoError(t, err)
	v, err := attr.Read(context.Background())
	require.NoError(t, err)
	channels, _ := v.(catalog.Composite).Get("channels")
	assert.Equal(t, int64(4), channels)
}

func TestBuild_Projection(t *testing.T) {
	f, err := Parse("get max from timer latency")
	require.NoError(t, err)

	source, err := Parse("timer")
	require.NoError(t, err)
	latency, err := source.Build("latency", attribute.Descriptor{}, nil)
	require.NoError(t, err)
	latency.(attribute.Push).Offer(event.New("metrics", "latency", event.DurationMeasurement("", time.Second)))

	resolver := attribute.ResolverFunc(func(ctx context.Context, name string) (any, error) {
		return latency.Read(ctx)
	})

	attr, err := f.Build("latency_max", attribute.Descriptor{attribute.KeyDescription: "worst case"}, resolver)
	require.NoError(t, err)
	_, isPush := attr.(attribute.Push)
	assert.False(t, isPush)
	assert.Equal(t, "worst case", attr.Info().Description)

	v, err := attr.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Second, v)

	_, err = f.Build("latency", attribute.Descriptor{}, resolver)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestBuild_EveryAttributeIsReadOnly(t *testing.T) {
	ctx := context.Background()
	for _, typ := range catalog.Types() {
		t.Run(string(typ), func(t *testing.T) {
			f, err := Parse(string(typ))
			require.NoError(t, err)
			push, err := f.Build("a", boundsFor(typ), nil)
			require.NoError(t, err)

			g, err := Parse("get count from " + string(typ) + " a")
			require.NoError(t, err)
			pull, err := g.Build("a_count", attribute.Descriptor{}, nil)
			require.NoError(t, err)

			for _, attr := range []attribute.Attribute{push, pull} {
				err := attr.Write(ctx, int64(1))
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrAttributeReadOnly)
				assert.Contains(t, err.Error(), "attribute cannot be modified")
			}
		})
	}
}
