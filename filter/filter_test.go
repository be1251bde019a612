package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/event"
)

func metricsEvent(m *event.Measurement) *event.Event {
	ev := event.New("metrics", "cpu", m)
	ev.Source = "web-01"
	ev.Attachments = map[string]string{"region": "eu-west"}
	return ev
}

func TestParse(t *testing.T) {
	expr, err := Parse(`category eq metrics and attachment.region starts_with "eu "`)
	require.NoError(t, err)
	assert.Equal(t, LogicAnd, expr.Logic)
	require.Len(t, expr.Conditions, 2)
	assert.Equal(t, Condition{Field: "category", Operator: "eq", Value: "metrics"}, expr.Conditions[0])
	assert.Equal(t, "eu ", expr.Conditions[1].Value)

	expr, err = Parse("value gte 10 or value lt 150ms")
	require.NoError(t, err)
	assert.Equal(t, LogicOr, expr.Logic)
	assert.Equal(t, 10.0, expr.Conditions[0].Value)
	assert.Equal(t, 150*time.Millisecond, expr.Conditions[1].Value)

	for _, bad := range []string{
		"category eq",
		"category eq metrics xor name eq cpu",
		"category eq metrics and name eq cpu or source eq x",
		`name eq "unterminated`,
	} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestCompile_Predicates(t *testing.T) {
	compiler := NewCompiler()

	tests := []struct {
		expr string
		ev   *event.Event
		want bool
	}{
		{"", metricsEvent(nil), true},
		{"category eq metrics", metricsEvent(nil), true},
		{"category ne metrics", metricsEvent(nil), false},
		{"name eq cpu and source starts_with web", metricsEvent(nil), true},
		{"name eq cpu and source ends_with 02", metricsEvent(nil), false},
		{"name eq disk or source contains web", metricsEvent(nil), true},
		{"value gt 10", metricsEvent(event.IntegerMeasurement("", 42)), true},
		{"value lte 10", metricsEvent(event.IntegerMeasurement("", 42)), false},
		{"value gt 1s", metricsEvent(event.DurationMeasurement("", 2*time.Second)), true},
		{"value eq true", metricsEvent(event.BooleanMeasurement("", true)), true},
		{"value gt 1", metricsEvent(nil), false},
		{"kind eq float", metricsEvent(event.FloatMeasurement("", 1)), true},
		{"attachment.region regex '^eu-'", metricsEvent(nil), true},
		{"attachment.missing eq x", metricsEvent(nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			pred, err := compiler.Compile(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, pred(tt.ev))
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	compiler := NewCompiler()

	for _, expr := range []string{
		"colour eq red",
		"name like cpu",
		"name regex '(.*)*x'",
		"name regex '[unclosed'",
		"name eq",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := compiler.Compile(expr)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidFilter)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestCompileRegex_Cached(t *testing.T) {
	first, err := compileRegex("^cpu[0-9]$")
	require.NoError(t, err)
	second, err := compileRegex("^cpu[0-9]$")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestValidateRegexComplexity(t *testing.T) {
	assert.NoError(t, validateRegexComplexity(`^web-\d+$`))
	assert.Error(t, validateRegexComplexity(`((((((a))))))`))
	assert.Error(t, validateRegexComplexity(string(make([]byte, 501))))
}

func TestFieldValueOf(t *testing.T) {
	ev := metricsEvent(event.IntegerMeasurement("", 42))

	tests := []struct {
		field  string
		want   any
		exists bool
	}{
		{FieldCategory, "metrics", true},
		{FieldName, "cpu", true},
		{FieldSource, "web-01", true},
		{FieldMessage, "", false},
		{FieldKind, event.KindInteger.String(), true},
		{FieldValue, int64(42), true},
		{"attachment.region", "eu-west", true},
		{"attachment.zone", "", false},
		{"unknown", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			assert.True(t, tt.field == "unknown" || ValidField(tt.field))
			got, exists := fieldValueOf(ev, tt.field)
			assert.Equal(t, tt.exists, exists)
			if tt.exists {
				assert.Equal(t, tt.want, got)
			}
		})
	}

	_, exists := fieldValueOf(metricsEvent(nil), FieldValue)
	assert.False(t, exists, "events without a measurement have no value")
	_, exists = fieldValueOf(nil, FieldCategory)
	assert.False(t, exists)
}
